// Package reporting produces compliance reports over the audit ledger: SQL
// measures evaluated against the durable audit table, and a cron job that
// logs the ledger's compliance report on a schedule.
package reporting

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/labstack/echo/v4"

	"github.com/ehr/phiguard/internal/platform/auth"
)

// MeasureDefinition defines a reporting measure with its SQL query. Every
// query takes the optional period bounds as $1 (since) and $2 (until).
type MeasureDefinition struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	SQL         string `json:"-"`
}

// MeasureReport holds the results of evaluating a measure.
type MeasureReport struct {
	MeasureID   string           `json:"measure_id"`
	MeasureName string           `json:"measure_name"`
	GeneratedAt time.Time        `json:"generated_at"`
	Since       *time.Time       `json:"since,omitempty"`
	Until       *time.Time       `json:"until,omitempty"`
	Results     []map[string]any `json:"results"`
}

const periodFilter = `($1::timestamptz IS NULL OR recorded_at >= $1) AND ($2::timestamptz IS NULL OR recorded_at <= $2)`

// PredefinedMeasures is the list of available reporting measures.
var PredefinedMeasures = []MeasureDefinition{
	{
		ID:          "access-by-role",
		Name:        "PHI Access by Role",
		Description: "PHI accesses grouped by actor role and outcome",
		SQL: `SELECT actor_role, success, COUNT(*) AS total FROM phi_audit_log
			WHERE event_kind = '' AND ` + periodFilter + `
			GROUP BY actor_role, success ORDER BY total DESC`,
	},
	{
		ID:          "failed-logins-by-actor",
		Name:        "Failed Logins by Actor",
		Description: "Failed login attempts per actor, most frequent first",
		SQL: `SELECT actor_id, COUNT(*) AS total, MAX(recorded_at) AS last_attempt FROM phi_audit_log
			WHERE action = 'login' AND NOT success AND ` + periodFilter + `
			GROUP BY actor_id ORDER BY total DESC`,
	},
	{
		ID:          "security-events-by-kind",
		Name:        "Security Events by Kind",
		Description: "Security events grouped by kind and severity",
		SQL: `SELECT event_kind, severity, COUNT(*) AS total FROM phi_audit_log
			WHERE event_kind <> '' AND ` + periodFilter + `
			GROUP BY event_kind, severity ORDER BY total DESC`,
	},
	{
		ID:          "daily-access-volume",
		Name:        "Daily Access Volume",
		Description: "PHI accesses per UTC day",
		SQL: `SELECT date_trunc('day', recorded_at AT TIME ZONE 'UTC') AS day, COUNT(*) AS total FROM phi_audit_log
			WHERE event_kind = '' AND ` + periodFilter + `
			GROUP BY day ORDER BY day`,
	},
	{
		ID:          "subject-access-summary",
		Name:        "Subject Access Summary",
		Description: "Distinct actors and accesses per data subject",
		SQL: `SELECT subject_id, COUNT(DISTINCT actor_id) AS actors, COUNT(*) AS total FROM phi_audit_log
			WHERE subject_id <> '' AND event_kind = '' AND ` + periodFilter + `
			GROUP BY subject_id ORDER BY total DESC`,
	},
}

// Querier runs SQL. *pgxpool.Pool implements it.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Handler provides HTTP handlers for the reporting API.
type Handler struct {
	db Querier
}

// NewHandler creates a new reporting handler.
func NewHandler(db Querier) *Handler {
	return &Handler{db: db}
}

// RegisterRoutes registers the reporting API routes. Reports are admin only.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	reportGroup := api.Group("/reports", auth.RequireRole("admin"))
	reportGroup.GET("/measures", h.ListMeasures)
	reportGroup.GET("/measures/:id/evaluate", h.EvaluateMeasure)
}

// ListMeasures returns all available measure definitions.
func (h *Handler) ListMeasures(c echo.Context) error {
	return c.JSON(http.StatusOK, PredefinedMeasures)
}

// EvaluateMeasure executes a measure's SQL for the optional since/until
// (RFC 3339) period and returns the rows.
func (h *Handler) EvaluateMeasure(c echo.Context) error {
	measure := FindMeasure(c.Param("id"))
	if measure == nil {
		return echo.NewHTTPError(http.StatusNotFound, "measure not found")
	}

	since, err := parseBound(c.QueryParam("since"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid since: "+err.Error())
	}
	until, err := parseBound(c.QueryParam("until"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid until: "+err.Error())
	}

	results, err := h.executeSQL(c.Request().Context(), measure.SQL, since, until)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "query failed").SetInternal(err)
	}

	return c.JSON(http.StatusOK, MeasureReport{
		MeasureID:   measure.ID,
		MeasureName: measure.Name,
		GeneratedAt: time.Now().UTC(),
		Since:       since,
		Until:       until,
		Results:     results,
	})
}

func parseBound(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// executeSQL runs a SQL query and returns results as a slice of maps.
func (h *Handler) executeSQL(ctx context.Context, sql string, args ...any) ([]map[string]any, error) {
	rows, err := h.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fieldDescs := rows.FieldDescriptions()
	results := []map[string]any{}

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}

		row := make(map[string]any, len(fieldDescs))
		for i, fd := range fieldDescs {
			row[fd.Name] = values[i]
		}
		results = append(results, row)
	}

	return results, rows.Err()
}

// FindMeasure looks up a measure by ID.
func FindMeasure(id string) *MeasureDefinition {
	for i := range PredefinedMeasures {
		if PredefinedMeasures[i].ID == id {
			return &PredefinedMeasures[i]
		}
	}
	return nil
}
