package hipaa

import (
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/phiguard/internal/metrics"
	"github.com/ehr/phiguard/internal/platform/auth"
)

// MaskField is one value to mask. Either Category or Field (a path known to
// CategoryForField) must be set.
type MaskField struct {
	Field    string `json:"field,omitempty"`
	Category string `json:"category,omitempty"`
	Value    string `json:"value"`
}

// MaskRequest is the request body of POST /phi/mask.
type MaskRequest struct {
	Resource  string      `json:"resource"`
	SubjectID string      `json:"subject_id,omitempty"`
	Action    Action      `json:"action,omitempty"`
	Fields    []MaskField `json:"fields"`
}

// MaskedField is one masked value in the response.
type MaskedField struct {
	Field    string   `json:"field,omitempty"`
	Category Category `json:"category"`
	Value    string   `json:"value"`
	Revealed bool     `json:"revealed"`
}

// MaskResponse is the response body of POST /phi/mask.
type MaskResponse struct {
	AuditID string        `json:"audit_id"`
	Role    Role          `json:"role"`
	Fields  []MaskedField `json:"fields"`
}

// MaskHandler masks PHI for the authenticated caller and records the access.
type MaskHandler struct {
	masker  *Masker
	audit   *AuditLogger
	metrics metrics.BusinessMetrics
}

// NewMaskHandler creates a handler. A nil m disables metrics.
func NewMaskHandler(masker *Masker, audit *AuditLogger, m metrics.BusinessMetrics) *MaskHandler {
	if m == nil {
		m = metrics.NoopBusinessMetrics{}
	}
	return &MaskHandler{masker: masker, audit: audit, metrics: m}
}

// RegisterRoutes registers the masking route on the provided Echo group.
func (h *MaskHandler) RegisterRoutes(g *echo.Group) {
	g.POST("/phi/mask", h.HandleMask)
}

// HandleMask handles POST /phi/mask. Every request that passes validation is
// audited, including requests where every field came back masked.
func (h *MaskHandler) HandleMask(c echo.Context) error {
	var req MaskRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
	}
	if req.Resource == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "resource is required"})
	}
	if len(req.Fields) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "fields must not be empty"})
	}
	if req.Action == "" {
		req.Action = ActionView
	}

	categories := make([]Category, len(req.Fields))
	for i, f := range req.Fields {
		cat, ok := resolveCategory(f)
		if !ok {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "unknown category or field in fields[" + strconv.Itoa(i) + "]"})
		}
		categories[i] = cat
	}

	ctx := c.Request().Context()
	userID := auth.UserIDFromContext(ctx)
	role := ResolveRole(auth.RolesFromContext(ctx))

	start := time.Now()
	resp := MaskResponse{Role: role, Fields: make([]MaskedField, len(req.Fields))}
	touched := make([]Category, 0, len(categories))
	for i, f := range req.Fields {
		cat := categories[i]
		revealed := h.masker.Revealed(cat, role)
		resp.Fields[i] = MaskedField{
			Field:    f.Field,
			Category: cat,
			Value:    h.masker.Mask(f.Value, cat, role),
			Revealed: revealed,
		}
		if !slices.Contains(touched, cat) {
			touched = append(touched, cat)
		}
		status := "masked"
		if revealed {
			status = "revealed"
		}
		h.metrics.RecordOperation(ctx, "phi", "mask", status)
	}
	h.metrics.RecordDuration(ctx, "phi", "mask", time.Since(start), "success")

	// A request abandoned by its caller or deadline never returns values, so
	// it is not recorded as a disclosure.
	if err := ctx.Err(); err != nil {
		return err
	}
	resp.AuditID = h.audit.LogAccess(ctx, AccessRequest{
		ActorID:    userID,
		ActorRole:  role,
		Action:     req.Action,
		Resource:   req.Resource,
		Categories: touched,
		SubjectID:  req.SubjectID,
		Success:    true,
	})
	return c.JSON(http.StatusOK, resp)
}

func resolveCategory(f MaskField) (Category, bool) {
	if f.Category != "" {
		return ParseCategory(f.Category)
	}
	return CategoryForField(f.Field)
}
