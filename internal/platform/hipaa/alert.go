package hipaa

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// Alerter reports high severity security events to an out-of-band channel.
// Alert is called from a background goroutine with a bounded context.
type Alerter interface {
	Alert(ctx context.Context, entry AuditEntry) error
}

// AlerterFunc adapts a function to the Alerter interface.
type AlerterFunc func(ctx context.Context, entry AuditEntry) error

// Alert calls f.
func (f AlerterFunc) Alert(ctx context.Context, entry AuditEntry) error {
	return f(ctx, entry)
}

// LogAlerter writes alerts to a structured logger at error level.
type LogAlerter struct {
	Logger zerolog.Logger
}

// Alert logs entry.
func (a LogAlerter) Alert(_ context.Context, entry AuditEntry) error {
	a.Logger.Error().
		Str("entry_id", entry.ID).
		Str("event_kind", string(entry.EventKind)).
		Str("severity", string(entry.Severity)).
		Str("actor_id", entry.ActorID).
		Str("actor_role", string(entry.ActorRole)).
		Str("client_address", entry.ClientAddress).
		Str("detail", entry.Detail).
		Time("timestamp", entry.Timestamp).
		Msg("security_alert")
	return nil
}

// MultiAlerter fans an alert out to every alerter and joins their errors.
type MultiAlerter []Alerter

// Alert calls every alerter, even after a failure.
func (m MultiAlerter) Alert(ctx context.Context, entry AuditEntry) error {
	var errs []error
	for _, a := range m {
		if err := a.Alert(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
