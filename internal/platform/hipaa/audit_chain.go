package hipaa

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// ErrChainBroken is returned by VerifyChain when an entry's signature does not
// match the one recomputed from its content and predecessor.
var ErrChainBroken = errors.New("hipaa audit: signature chain broken")

const chainKeyInfo = "phi-audit-chain-v1"

// ChainSigner links audit entries into a tamper-evident chain. Each signature
// is HMAC-SHA256 over the previous signature and the entry's canonical form,
// so altering, removing or reordering an entry invalidates every later one.
type ChainSigner struct {
	key []byte
}

// NewChainSigner derives the chain key from secret with HKDF-SHA256.
func NewChainSigner(secret []byte) (*ChainSigner, error) {
	if len(secret) == 0 {
		return nil, errors.New("hipaa audit: chain secret is empty")
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(chainKeyInfo)), key); err != nil {
		return nil, fmt.Errorf("hipaa audit: derive chain key: %w", err)
	}
	return &ChainSigner{key: key}, nil
}

// Sign returns the hex signature of entry chained to prevSig. The entry's own
// Signature field is ignored.
func (s *ChainSigner) Sign(prevSig string, entry AuditEntry) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(appendLengthPrefixed(nil, []byte(prevSig)))
	mac.Write(canonicalEntry(entry))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyChain checks entries, in ledger order, against the chain. It returns
// the number of entries verified and ErrChainBroken identifying the first
// entry that fails.
func (s *ChainSigner) VerifyChain(entries []AuditEntry) (int, error) {
	prev := ""
	for i, e := range entries {
		want := s.Sign(prev, e)
		if !hmac.Equal([]byte(want), []byte(e.Signature)) {
			return i, fmt.Errorf("%w at entry %s (position %d)", ErrChainBroken, e.ID, i)
		}
		prev = e.Signature
	}
	return len(entries), nil
}

// canonicalEntry encodes every signed field with length prefixes so that no
// two distinct entries share an encoding.
func canonicalEntry(e AuditEntry) []byte {
	buf := make([]byte, 0, 512)
	buf = appendLengthPrefixed(buf, []byte(e.ID))

	ts := make([]byte, 8)
	binary.BigEndian.PutUint64(ts, uint64(e.Timestamp.UnixMicro()))
	buf = append(buf, ts...)

	for _, f := range []string{
		e.ActorID, string(e.ActorRole), string(e.Action), e.Resource,
		e.SubjectID, e.ClientAddress, e.UserAgent, e.Detail,
		string(e.EventKind), string(e.Severity),
	} {
		buf = appendLengthPrefixed(buf, []byte(f))
	}

	count := make([]byte, 4)
	binary.BigEndian.PutUint32(count, uint32(len(e.PHICategories)))
	buf = append(buf, count...)
	for _, c := range e.PHICategories {
		buf = appendLengthPrefixed(buf, []byte(c))
	}

	if e.Success {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return buf
}

func appendLengthPrefixed(buf, data []byte) []byte {
	length := make([]byte, 4)
	binary.BigEndian.PutUint32(length, uint32(len(data)))
	buf = append(buf, length...)
	return append(buf, data...)
}
