package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const maxDiscoveryDocument = 1 << 20

// OIDCProvider is the part of an OpenID Connect discovery document the
// bearer-token verifier uses.
type OIDCProvider struct {
	Issuer      string   `json:"issuer"`
	JWKSURI     string   `json:"jwks_uri"`
	SigningAlgs []string `json:"id_token_signing_alg_values_supported"`
}

// DiscoverOIDC fetches issuer's discovery document. The document must name
// the same issuer and publish a JWKS; when it lists signing algorithms, RS256
// must be among them since it is the only asymmetric method accepted. A nil
// client uses a 10 second timeout.
func DiscoverOIDC(ctx context.Context, client *http.Client, issuer string) (*OIDCProvider, error) {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	base := strings.TrimRight(issuer, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/.well-known/openid-configuration", nil)
	if err != nil {
		return nil, fmt.Errorf("auth: oidc discovery: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth: oidc discovery: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("auth: oidc discovery: %s returned status %d", base, resp.StatusCode)
	}

	var p OIDCProvider
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxDiscoveryDocument)).Decode(&p); err != nil {
		return nil, fmt.Errorf("auth: oidc discovery: decoding document: %w", err)
	}
	switch {
	case strings.TrimRight(p.Issuer, "/") != base:
		return nil, fmt.Errorf("auth: oidc discovery: document issuer %q does not match %q", p.Issuer, issuer)
	case p.JWKSURI == "":
		return nil, fmt.Errorf("auth: oidc discovery: document has no jwks_uri")
	case len(p.SigningAlgs) > 0 && !slices.Contains(p.SigningAlgs, jwt.SigningMethodRS256.Alg()):
		return nil, fmt.Errorf("auth: oidc discovery: issuer does not sign with RS256 (offers %v)", p.SigningAlgs)
	}
	return &p, nil
}

// KeyFunc resolves token keys from the provider's JWKS.
func (p *OIDCProvider) KeyFunc() jwt.Keyfunc {
	return jwksKeyFunc(p.JWKSURI)
}
