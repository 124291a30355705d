package hipaa

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSink persists audit entries to the phi_audit_log table.
type PostgresSink struct {
	pool *pgxpool.Pool
}

// NewPostgresSink creates a sink backed by the given connection pool.
func NewPostgresSink(pool *pgxpool.Pool) *PostgresSink {
	return &PostgresSink{pool: pool}
}

// Write inserts entry. Re-delivery of an entry already stored is a no-op, so
// retries after a partial failure never duplicate rows.
func (s *PostgresSink) Write(ctx context.Context, entry AuditEntry) error {
	const query = `
		INSERT INTO phi_audit_log (
			id, recorded_at, actor_id, actor_role, action, resource,
			phi_categories, subject_id, client_address, user_agent,
			success, detail, event_kind, severity, signature
		) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15
		) ON CONFLICT (id) DO NOTHING`

	categories := make([]string, len(entry.PHICategories))
	for i, c := range entry.PHICategories {
		categories[i] = string(c)
	}

	_, err := s.pool.Exec(ctx, query,
		entry.ID, entry.Timestamp, entry.ActorID, string(entry.ActorRole), string(entry.Action), entry.Resource,
		categories, entry.SubjectID, entry.ClientAddress, entry.UserAgent,
		entry.Success, entry.Detail, string(entry.EventKind), string(entry.Severity), entry.Signature,
	)
	if err != nil {
		return fmt.Errorf("hipaa audit: insert entry %s: %w", entry.ID, err)
	}
	return nil
}

// List returns the persisted entries recorded between start and end (either
// may be nil), ordered by id, which follows ledger order.
func (s *PostgresSink) List(ctx context.Context, start, end *time.Time) ([]AuditEntry, error) {
	const query = `
		SELECT id, recorded_at, actor_id, actor_role, action, resource,
			phi_categories, subject_id, client_address, user_agent,
			success, detail, event_kind, severity, signature
		FROM phi_audit_log
		WHERE ($1::timestamptz IS NULL OR recorded_at >= $1)
		  AND ($2::timestamptz IS NULL OR recorded_at <= $2)
		ORDER BY id`

	rows, err := s.pool.Query(ctx, query, start, end)
	if err != nil {
		return nil, fmt.Errorf("hipaa audit: list entries: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("hipaa audit: list entries: %w", err)
	}
	return entries, nil
}

func scanEntry(rows pgx.Rows) (AuditEntry, error) {
	var (
		e                       AuditEntry
		role, action, kind, sev string
		categories              []string
	)
	err := rows.Scan(
		&e.ID, &e.Timestamp, &e.ActorID, &role, &action, &e.Resource,
		&categories, &e.SubjectID, &e.ClientAddress, &e.UserAgent,
		&e.Success, &e.Detail, &kind, &sev, &e.Signature,
	)
	if err != nil {
		return AuditEntry{}, fmt.Errorf("hipaa audit: scan entry: %w", err)
	}
	e.Timestamp = e.Timestamp.UTC()
	e.ActorRole = Role(role)
	e.Action = Action(action)
	e.EventKind = EventKind(kind)
	e.Severity = Severity(sev)
	for _, c := range categories {
		e.PHICategories = append(e.PHICategories, Category(c))
	}
	return e, nil
}
