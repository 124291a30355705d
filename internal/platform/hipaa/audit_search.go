package hipaa

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/phiguard/internal/platform/auth"
	"github.com/ehr/phiguard/pkg/pagination"
)

// QueryFilter selects audit entries. Zero-valued fields match everything;
// set fields must all match. Time bounds are inclusive.
type QueryFilter struct {
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	ActorID   string     `json:"actor_id,omitempty"`
	ActorRole Role       `json:"actor_role,omitempty"`
	SubjectID string     `json:"subject_id,omitempty"`
	Action    Action     `json:"action,omitempty"`
	Resource  string     `json:"resource,omitempty"`
}

// Match reports whether entry satisfies every set field of f.
func (f QueryFilter) Match(entry AuditEntry) bool {
	if f.StartTime != nil && entry.Timestamp.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && entry.Timestamp.After(*f.EndTime) {
		return false
	}
	if f.ActorID != "" && entry.ActorID != f.ActorID {
		return false
	}
	if f.ActorRole != "" && entry.ActorRole != f.ActorRole {
		return false
	}
	if f.SubjectID != "" && entry.SubjectID != f.SubjectID {
		return false
	}
	if f.Action != "" && entry.Action != f.Action {
		return false
	}
	if f.Resource != "" && entry.Resource != f.Resource {
		return false
	}
	return true
}

var csvHeader = []string{
	"id", "timestamp", "actor_id", "actor_role", "action", "resource",
	"phi_categories", "subject_id", "client_address", "user_agent",
	"success", "detail", "event_kind", "severity", "signature",
}

// ExportCSV writes entries as CSV with a header row. Categories are joined
// with ';'.
func ExportCSV(w io.Writer, entries []AuditEntry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("audit export csv: write header: %w", err)
	}
	for _, e := range entries {
		categories := make([]string, len(e.PHICategories))
		for i, c := range e.PHICategories {
			categories[i] = string(c)
		}
		record := []string{
			e.ID,
			e.Timestamp.Format(time.RFC3339Nano),
			e.ActorID,
			string(e.ActorRole),
			string(e.Action),
			e.Resource,
			strings.Join(categories, ";"),
			e.SubjectID,
			e.ClientAddress,
			e.UserAgent,
			strconv.FormatBool(e.Success),
			e.Detail,
			string(e.EventKind),
			string(e.Severity),
			e.Signature,
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("audit export csv: write record: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("audit export csv: flush: %w", err)
	}
	return nil
}

// ExportJSON writes entries as an indented JSON array.
func ExportJSON(w io.Writer, entries []AuditEntry) error {
	// Ensure empty slice serializes as [] not null
	if entries == nil {
		entries = []AuditEntry{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(entries); err != nil {
		return fmt.Errorf("audit export json: %w", err)
	}
	return nil
}

// ---------- HTTP Handler ----------

// AuditSearchResult contains paginated search results.
type AuditSearchResult = pagination.Page[AuditEntry]

// AuditHandler provides Echo HTTP handlers for audit search, export and
// compliance reporting.
type AuditHandler struct {
	logger *AuditLogger
	report ReportConfig
}

// NewAuditHandler creates a handler over logger. Reports use cfg.
func NewAuditHandler(logger *AuditLogger, cfg ReportConfig) *AuditHandler {
	return &AuditHandler{logger: logger, report: cfg}
}

// RegisterRoutes registers the audit routes on the provided Echo group. The
// ledger is readable by admins only.
func (h *AuditHandler) RegisterRoutes(g *echo.Group) {
	audit := g.Group("/audit", auth.RequireRole(string(RoleAdmin)))
	audit.GET("/search", h.HandleSearch)
	audit.GET("/export/csv", h.HandleExportCSV)
	audit.GET("/export/json", h.HandleExportJSON)
	audit.GET("/report", h.HandleReport)
	audit.GET("/:id", h.HandleGetEntry)
}

// parseQueryFilter extracts a QueryFilter from Echo query parameters.
func parseQueryFilter(c echo.Context) (QueryFilter, error) {
	f := QueryFilter{
		ActorID:   c.QueryParam("actor_id"),
		SubjectID: c.QueryParam("subject_id"),
		Action:    Action(c.QueryParam("action")),
		Resource:  c.QueryParam("resource"),
	}
	if v := c.QueryParam("actor_role"); v != "" {
		f.ActorRole = Role(strings.ToLower(v))
	}
	var err error
	if f.StartTime, err = parseTimeParam(c, "start_time"); err != nil {
		return f, err
	}
	if f.EndTime, err = parseTimeParam(c, "end_time"); err != nil {
		return f, err
	}
	return f, nil
}

func parseTimeParam(c echo.Context, name string) (*time.Time, error) {
	v := c.QueryParam(name)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("%s must be RFC3339", name))
	}
	return &t, nil
}

// HandleSearch handles GET /audit/search.
func (h *AuditHandler) HandleSearch(c echo.Context) error {
	filter, err := parseQueryFilter(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewPage(h.logger.Query(filter), pagination.FromContext(c)))
}

// HandleExportCSV handles GET /audit/export/csv.
func (h *AuditHandler) HandleExportCSV(c echo.Context) error {
	filter, err := parseQueryFilter(c)
	if err != nil {
		return err
	}
	entries := h.logger.Query(filter)

	c.Response().Header().Set("Content-Type", "text/csv")
	c.Response().Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=\"audit_export_%s.csv\"", time.Now().UTC().Format("20060102_150405")))
	c.Response().WriteHeader(http.StatusOK)
	return ExportCSV(c.Response(), entries)
}

// HandleExportJSON handles GET /audit/export/json.
func (h *AuditHandler) HandleExportJSON(c echo.Context) error {
	filter, err := parseQueryFilter(c)
	if err != nil {
		return err
	}
	entries := h.logger.Query(filter)

	c.Response().Header().Set("Content-Type", "application/json")
	c.Response().Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=\"audit_export_%s.json\"", time.Now().UTC().Format("20060102_150405")))
	c.Response().WriteHeader(http.StatusOK)
	return ExportJSON(c.Response(), entries)
}

// HandleReport handles GET /audit/report.
func (h *AuditHandler) HandleReport(c echo.Context) error {
	filter, err := parseQueryFilter(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, h.logger.ComplianceReport(filter.StartTime, filter.EndTime, h.report))
}

// HandleGetEntry handles GET /audit/:id.
func (h *AuditHandler) HandleGetEntry(c echo.Context) error {
	entry, ok := h.logger.Get(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "audit entry not found")
	}
	return c.JSON(http.StatusOK, entry)
}
