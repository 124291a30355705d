package hipaa

import (
	"context"
	"crypto/rand"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/ehr/phiguard/internal/metrics"
)

// Action is the kind of operation an audit entry records.
type Action string

const (
	ActionView     Action = "view"
	ActionCreate   Action = "create"
	ActionUpdate   Action = "update"
	ActionDelete   Action = "delete"
	ActionPrint    Action = "print"
	ActionExport   Action = "export"
	ActionLogin    Action = "login"
	ActionLogout   Action = "logout"
	ActionSecurity Action = "security"
)

// EventKind classifies security-relevant events.
type EventKind string

const (
	EventLogin                EventKind = "login"
	EventLoginFailed          EventKind = "login_failed"
	EventLogout               EventKind = "logout"
	EventUnauthorizedAccess   EventKind = "unauthorized_access"
	EventDataBreach           EventKind = "data_breach"
	EventAuditSinkUnavailable EventKind = "audit_sink_unavailable"
)

// Severity ranks security events. High severity events are forwarded to the
// configured Alerter.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Severity returns the severity of the event kind.
func (k EventKind) Severity() Severity {
	switch k {
	case EventUnauthorizedAccess, EventDataBreach:
		return SeverityHigh
	case EventLoginFailed, EventAuditSinkUnavailable:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

func (k EventKind) action() Action {
	switch k {
	case EventLogin, EventLoginFailed:
		return ActionLogin
	case EventLogout:
		return ActionLogout
	default:
		return ActionSecurity
	}
}

func (k EventKind) success() bool {
	return k == EventLogin || k == EventLogout
}

// SystemActor is the actor id recorded for events the engine raises itself.
const SystemActor = "system"

// AuditEntry is one immutable record in the audit ledger. Entries are copied
// in and out of the store so callers can never mutate a recorded entry.
type AuditEntry struct {
	ID            string     `json:"id"`
	Timestamp     time.Time  `json:"timestamp"`
	ActorID       string     `json:"actor_id"`
	ActorRole     Role       `json:"actor_role"`
	Action        Action     `json:"action"`
	Resource      string     `json:"resource"`
	PHICategories []Category `json:"phi_categories,omitempty"`
	SubjectID     string     `json:"subject_id,omitempty"`
	ClientAddress string     `json:"client_address,omitempty"`
	UserAgent     string     `json:"user_agent,omitempty"`
	Success       bool       `json:"success"`
	Detail        string     `json:"detail,omitempty"`
	EventKind     EventKind  `json:"event_kind,omitempty"`
	Severity      Severity   `json:"severity,omitempty"`
	Signature     string     `json:"signature,omitempty"`
}

// IsSecurityEvent reports whether the entry was recorded by LogSecurityEvent.
func (e AuditEntry) IsSecurityEvent() bool {
	return e.EventKind != ""
}

func (e AuditEntry) clone() AuditEntry {
	e.PHICategories = slices.Clone(e.PHICategories)
	return e
}

// AccessRequest describes one PHI access to be recorded.
type AccessRequest struct {
	ActorID    string
	ActorRole  Role
	Action     Action
	Resource   string
	Categories []Category
	SubjectID  string
	Success    bool
	Detail     string
	// Client overrides the metadata carried by the context, if set.
	Client *ClientMetadata
}

// ClientMetadata is the origin of a request.
type ClientMetadata struct {
	Address   string `json:"address"`
	UserAgent string `json:"user_agent"`
}

type clientMetadataKey struct{}

// WithClientMetadata returns a context carrying md for the audit logger.
func WithClientMetadata(ctx context.Context, md ClientMetadata) context.Context {
	return context.WithValue(ctx, clientMetadataKey{}, md)
}

// ClientMetadataFromContext returns the metadata stored by WithClientMetadata.
func ClientMetadataFromContext(ctx context.Context) ClientMetadata {
	md, _ := ctx.Value(clientMetadataKey{}).(ClientMetadata)
	return md
}

// AuditLoggerOption configures an AuditLogger.
type AuditLoggerOption func(*AuditLogger)

// WithStore replaces the default in-memory ledger store.
func WithStore(s Store) AuditLoggerOption {
	return func(l *AuditLogger) { l.store = s }
}

// WithSink forwards every entry to a durable sink.
func WithSink(s Sink, cfg SinkConfig) AuditLoggerOption {
	return func(l *AuditLogger) {
		l.sink = s
		l.sinkCfg = cfg
	}
}

// WithAlerter sets the channel high severity events are reported to.
func WithAlerter(a Alerter) AuditLoggerOption {
	return func(l *AuditLogger) { l.alerter = a }
}

// WithChainSigner signs each entry into a tamper-evident chain.
func WithChainSigner(s *ChainSigner) AuditLoggerOption {
	return func(l *AuditLogger) { l.signer = s }
}

// WithLogger sets the structured logger.
func WithLogger(logger zerolog.Logger) AuditLoggerOption {
	return func(l *AuditLogger) { l.logger = logger }
}

// WithMetrics records ledger operations.
func WithMetrics(m metrics.BusinessMetrics) AuditLoggerOption {
	return func(l *AuditLogger) { l.metrics = m }
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) AuditLoggerOption {
	return func(l *AuditLogger) { l.now = now }
}

// AuditLogger is the append-only audit ledger. Appends are serialized so
// entries are stored in call order with non-decreasing timestamps. Durable
// forwarding and alerting run in the background and never block or fail the
// caller.
type AuditLogger struct {
	mu       sync.Mutex
	store    Store
	signer   *ChainSigner
	lastSig  string
	lastTime time.Time
	entropy  *ulid.MonotonicEntropy
	now      func() time.Time

	sink    Sink
	sinkCfg SinkConfig
	disp    *dispatcher

	alerter Alerter
	alerts  sync.WaitGroup

	logger  zerolog.Logger
	metrics metrics.BusinessMetrics

	closeOnce sync.Once
}

// NewAuditLogger creates a logger and starts the sink dispatcher when a sink
// is configured. Call Close to stop it.
func NewAuditLogger(opts ...AuditLoggerOption) *AuditLogger {
	l := &AuditLogger{
		entropy: ulid.Monotonic(rand.Reader, 0),
		now:     time.Now,
		logger:  zerolog.Nop(),
		metrics: metrics.NoopBusinessMetrics{},
	}
	for _, o := range opts {
		o(l)
	}
	if l.store == nil {
		l.store = NewMemoryStore()
	}
	if l.sink != nil {
		l.disp = newDispatcher(l, l.sink, l.sinkCfg)
		go l.disp.run()
	}
	return l
}

// LogAccess records a PHI access and returns the new entry id.
func (l *AuditLogger) LogAccess(ctx context.Context, req AccessRequest) string {
	md := ClientMetadataFromContext(ctx)
	if req.Client != nil {
		md = *req.Client
	}
	entry := AuditEntry{
		ActorID:       req.ActorID,
		ActorRole:     req.ActorRole,
		Action:        req.Action,
		Resource:      req.Resource,
		PHICategories: slices.Clone(req.Categories),
		SubjectID:     req.SubjectID,
		ClientAddress: md.Address,
		UserAgent:     md.UserAgent,
		Success:       req.Success,
		Detail:        req.Detail,
	}
	return l.record(ctx, entry)
}

// LogSecurityEvent records a security event and returns the new entry id.
// High severity kinds are additionally sent to the Alerter.
func (l *AuditLogger) LogSecurityEvent(ctx context.Context, actorID string, role Role, kind EventKind, detail string) string {
	md := ClientMetadataFromContext(ctx)
	entry := AuditEntry{
		ActorID:       actorID,
		ActorRole:     role,
		Action:        kind.action(),
		Resource:      "security",
		ClientAddress: md.Address,
		UserAgent:     md.UserAgent,
		Success:       kind.success(),
		Detail:        detail,
		EventKind:     kind,
		Severity:      kind.Severity(),
	}
	return l.record(ctx, entry)
}

func (l *AuditLogger) record(ctx context.Context, entry AuditEntry) string {
	l.mu.Lock()
	// Microsecond precision matches what durable sinks store, so chain
	// signatures still verify after a round trip.
	ts := l.now().UTC().Truncate(time.Microsecond)
	if ts.Before(l.lastTime) {
		ts = l.lastTime
	}
	l.lastTime = ts
	entry.Timestamp = ts
	entry.ID = l.newID(ts)
	if l.signer != nil {
		entry.Signature = l.signer.Sign(l.lastSig, entry)
		l.lastSig = entry.Signature
	}
	l.store.Append(entry.clone())
	l.mu.Unlock()

	if l.disp != nil {
		l.disp.wake()
	}

	operation := "access"
	if entry.IsSecurityEvent() {
		operation = string(entry.EventKind)
	}
	l.metrics.RecordOperation(ctx, "audit", operation, outcome(entry.Success))

	l.logger.Debug().
		Str("entry_id", entry.ID).
		Str("actor_id", entry.ActorID).
		Str("actor_role", string(entry.ActorRole)).
		Str("action", string(entry.Action)).
		Str("resource", entry.Resource).
		Bool("success", entry.Success).
		Msg("audit_entry")

	if entry.Severity == SeverityHigh && l.alerter != nil {
		l.alert(entry)
	}
	return entry.ID
}

func (l *AuditLogger) newID(ts time.Time) string {
	id, err := ulid.New(ulid.Timestamp(ts), l.entropy)
	if err != nil {
		return ulid.Make().String()
	}
	return id.String()
}

const alertTimeout = 10 * time.Second

func (l *AuditLogger) alert(entry AuditEntry) {
	l.alerts.Add(1)
	go func() {
		defer l.alerts.Done()
		ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
		defer cancel()
		if err := l.alerter.Alert(ctx, entry); err != nil {
			l.metrics.RecordOperation(ctx, "audit", "alert", "error")
			l.logger.Error().Err(err).
				Str("entry_id", entry.ID).
				Str("event_kind", string(entry.EventKind)).
				Msg("security alert delivery failed")
			return
		}
		l.metrics.RecordOperation(ctx, "audit", "alert", "success")
	}()
}

// Query returns copies of the entries matching every set field of filter, in
// ledger order.
func (l *AuditLogger) Query(filter QueryFilter) []AuditEntry {
	snapshot := l.store.Snapshot()
	out := make([]AuditEntry, 0, len(snapshot))
	for _, e := range snapshot {
		if filter.Match(e) {
			out = append(out, e)
		}
	}
	return out
}

// Get returns the entry with the given id.
func (l *AuditLogger) Get(id string) (AuditEntry, bool) {
	for _, e := range l.store.Snapshot() {
		if e.ID == id {
			return e, true
		}
	}
	return AuditEntry{}, false
}

// ComplianceReport aggregates the entries between start and end (either may
// be nil) using cfg.
func (l *AuditLogger) ComplianceReport(start, end *time.Time, cfg ReportConfig) *ComplianceReport {
	entries := l.Query(QueryFilter{StartTime: start, EndTime: end})
	report := BuildComplianceReport(entries, cfg)
	report.GeneratedAt = l.now().UTC()
	report.PeriodStart = start
	report.PeriodEnd = end
	return report
}

// Len returns the number of entries in the ledger.
func (l *AuditLogger) Len() int {
	return l.store.Len()
}

// Close flushes pending entries to the sink, bounded by ctx, and waits for
// in-flight alerts. The ledger stays queryable after Close.
func (l *AuditLogger) Close(ctx context.Context) error {
	var err error
	l.closeOnce.Do(func() {
		if l.disp != nil {
			err = l.disp.stop(ctx)
		}
		done := make(chan struct{})
		go func() {
			l.alerts.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			if err == nil {
				err = ctx.Err()
			}
		}
	})
	return err
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
