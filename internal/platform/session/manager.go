// Package session enforces bounded session lifetimes. Each authenticated user
// has at most one session, which is warned before its hard deadline and
// force-logged-out when the deadline passes unless it is extended.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/phiguard/internal/metrics"
	"github.com/ehr/phiguard/internal/platform/hipaa"
)

var (
	// ErrNotFound is returned when the user has no session.
	ErrNotFound = errors.New("session: not found")
	// ErrNotExtendable is returned when the session has already expired or
	// been terminated. The caller must re-authenticate.
	ErrNotExtendable = errors.New("session: not extendable")
	// ErrInvalidTimeout is returned for a negative timeout, one above
	// MaxTimeout, or a warning window that is negative or not shorter than
	// the timeout.
	ErrInvalidTimeout = errors.New("session: invalid timeout")
	// ErrMissingUser is returned when Start is called without a user id.
	ErrMissingUser = errors.New("session: user id is required")
)

// State is the lifecycle state of a session.
type State string

const (
	StateActive     State = "active"
	StateWarned     State = "warned"
	StateExpired    State = "expired"
	StateTerminated State = "terminated"
)

// Live reports whether the session may still be used or extended.
func (s State) Live() bool {
	return s == StateActive || s == StateWarned
}

// MaxTimeout bounds the lifetime a caller may request for one session.
const MaxTimeout = 24 * time.Hour

// Reason explains why a session ended.
type Reason string

const (
	ReasonLogout  Reason = "logout"
	ReasonTimeout Reason = "timeout"
)

// Info is a snapshot of a session.
type Info struct {
	ID            string        `json:"id"`
	UserID        string        `json:"user_id"`
	Role          hipaa.Role    `json:"role"`
	State         State         `json:"state"`
	CreatedAt     time.Time     `json:"created_at"`
	RenewedAt     time.Time     `json:"renewed_at"`
	WarnAt        time.Time     `json:"warn_at"`
	ExpiresAt     time.Time     `json:"expires_at"`
	Timeout       time.Duration `json:"timeout"`
	WarningWindow time.Duration `json:"warning_window"`
	EndReason     Reason        `json:"end_reason,omitempty"`
}

// Auditor records session lifecycle events. *hipaa.AuditLogger implements it.
type Auditor interface {
	LogSecurityEvent(ctx context.Context, actorID string, role hipaa.Role, kind hipaa.EventKind, detail string) string
}

// ClientStore is the client-side session state the Manager drives: it holds
// the identity for the UI, shows renewal prompts and clears itself on logout.
type ClientStore interface {
	Save(ctx context.Context, info Info) error
	PromptRenewal(ctx context.Context, info Info) error
	ClearAndRedirect(ctx context.Context, userID string, reason Reason, redirectURL string) error
}

// Config holds session defaults.
type Config struct {
	Timeout       time.Duration
	WarningWindow time.Duration
	// RedirectURL is where the client is sent after a session ends.
	RedirectURL string
}

// DefaultConfig returns a 15 minute session with a 2 minute warning.
func DefaultConfig() Config {
	return Config{
		Timeout:       15 * time.Minute,
		WarningWindow: 2 * time.Minute,
		RedirectURL:   "/login",
	}
}

// Option configures a Manager.
type Option func(*Manager)

// WithScheduler replaces the wall-clock scheduler.
func WithScheduler(s Scheduler) Option {
	return func(m *Manager) { m.sched = s }
}

// WithClientStore sets the client-side session collaborator.
func WithClientStore(c ClientStore) Option {
	return func(m *Manager) { m.client = c }
}

// WithLogger sets the structured logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithMetrics records session lifecycle operations.
func WithMetrics(bm metrics.BusinessMetrics) Option {
	return func(m *Manager) { m.metrics = bm }
}

type session struct {
	info Info
	// gen invalidates timer callbacks scheduled for an earlier deadline pair.
	gen          uint64
	cancelWarn   CancelFunc
	cancelExpire CancelFunc
}

func (s *session) cancelTimers() {
	if s.cancelWarn != nil {
		s.cancelWarn()
		s.cancelWarn = nil
	}
	if s.cancelExpire != nil {
		s.cancelExpire()
		s.cancelExpire = nil
	}
}

// Manager owns every session. State lives under mu. Each user also has a
// lock held across a transition and its audit and client side effects, so
// one identity's login, logout and client updates are never interleaved.
// Lock order is user lock, then mu.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*session
	users    map[string]*sync.Mutex
	gen      uint64

	cfg     Config
	audit   Auditor
	sched   Scheduler
	client  ClientStore
	logger  zerolog.Logger
	metrics metrics.BusinessMetrics
}

// NewManager creates a Manager reporting to audit.
func NewManager(audit Auditor, cfg Config, opts ...Option) *Manager {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.WarningWindow <= 0 || cfg.WarningWindow >= cfg.Timeout {
		cfg.WarningWindow = min(def.WarningWindow, cfg.Timeout/2)
	}
	if cfg.RedirectURL == "" {
		cfg.RedirectURL = def.RedirectURL
	}
	m := &Manager{
		sessions: make(map[string]*session),
		users:    make(map[string]*sync.Mutex),
		cfg:      cfg,
		audit:    audit,
		sched:    RealScheduler{},
		logger:   zerolog.Nop(),
		metrics:  metrics.NoopBusinessMetrics{},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Config returns the effective defaults.
func (m *Manager) Config() Config {
	return m.cfg
}

// Start opens a session for userID, replacing any live session the user
// already holds. Zero timeout or warningWindow use the configured defaults.
// A login entry is always recorded.
func (m *Manager) Start(ctx context.Context, userID string, role hipaa.Role, timeout, warningWindow time.Duration) (Info, error) {
	if userID == "" {
		return Info{}, ErrMissingUser
	}
	if timeout == 0 {
		timeout = m.cfg.Timeout
	}
	if warningWindow == 0 {
		warningWindow = min(m.cfg.WarningWindow, timeout/2)
	}
	if timeout < 0 || timeout > MaxTimeout || warningWindow < 0 || warningWindow >= timeout {
		return Info{}, fmt.Errorf("%w: timeout=%s warning=%s", ErrInvalidTimeout, timeout, warningWindow)
	}

	defer m.lockUser(userID)()
	m.mu.Lock()
	var superseded *Info
	if old, ok := m.sessions[userID]; ok && old.info.State.Live() {
		old.cancelTimers()
		old.info.State = StateTerminated
		old.info.EndReason = ReasonLogout
		prev := old.info
		superseded = &prev
	}
	now := m.sched.Now()
	s := &session{info: Info{
		ID:            uuid.New().String(),
		UserID:        userID,
		Role:          role,
		CreatedAt:     now,
		Timeout:       timeout,
		WarningWindow: warningWindow,
	}}
	m.sessions[userID] = s
	m.arm(s, now)
	info := s.info
	m.mu.Unlock()

	if superseded != nil {
		m.audit.LogSecurityEvent(ctx, superseded.UserID, superseded.Role, hipaa.EventLogout,
			fmt.Sprintf("reason=%s; session_id=%s; superseded_by=%s", ReasonLogout, superseded.ID, info.ID))
		m.metrics.RecordOperation(ctx, "session", "end", string(ReasonLogout))
	}
	m.audit.LogSecurityEvent(ctx, userID, role, hipaa.EventLogin,
		fmt.Sprintf("session_id=%s; timeout=%s", info.ID, timeout))
	m.metrics.RecordOperation(ctx, "session", "start", "success")
	m.saveClient(ctx, info)

	m.logger.Info().
		Str("user_id", userID).
		Str("session_id", info.ID).
		Str("role", string(role)).
		Dur("timeout", timeout).
		Msg("session started")
	return info, nil
}

// Extend restarts the deadlines of a live session from now. It is rejected
// with ErrNotExtendable when the user has no session or it has expired or
// been terminated, including when the hard deadline fired moments before.
// Renewal is not audited.
func (m *Manager) Extend(ctx context.Context, userID string) (Info, error) {
	defer m.lockUser(userID)()
	m.mu.Lock()
	s, ok := m.sessions[userID]
	if !ok {
		m.mu.Unlock()
		m.metrics.RecordOperation(ctx, "session", "extend", "rejected")
		return Info{}, fmt.Errorf("%w: %w", ErrNotExtendable, ErrNotFound)
	}
	if !s.info.State.Live() {
		m.mu.Unlock()
		m.metrics.RecordOperation(ctx, "session", "extend", "rejected")
		return Info{}, ErrNotExtendable
	}
	s.cancelTimers()
	m.arm(s, m.sched.Now())
	info := s.info
	m.mu.Unlock()

	m.metrics.RecordOperation(ctx, "session", "extend", "success")
	m.saveClient(ctx, info)
	m.logger.Debug().
		Str("user_id", userID).
		Str("session_id", info.ID).
		Time("expires_at", info.ExpiresAt).
		Msg("session extended")
	return info, nil
}

// End terminates the user's session: ReasonLogout moves it to Terminated,
// ReasonTimeout to Expired. Exactly one logout entry is recorded and the
// client state is cleared. Ending a session that already ended returns
// ErrNotExtendable.
func (m *Manager) End(ctx context.Context, userID string, reason Reason) error {
	if reason != ReasonTimeout {
		reason = ReasonLogout
	}
	defer m.lockUser(userID)()
	m.mu.Lock()
	s, ok := m.sessions[userID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if !s.info.State.Live() {
		m.mu.Unlock()
		return ErrNotExtendable
	}
	info := m.finish(s, reason)
	m.mu.Unlock()

	m.ended(ctx, info)
	return nil
}

// Status returns a snapshot of the user's session. Ended sessions stay
// visible until the user starts a new one.
func (m *Manager) Status(userID string) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[userID]
	if !ok {
		return Info{}, ErrNotFound
	}
	return s.info, nil
}

// Active reports whether userID holds a live session.
func (m *Manager) Active(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[userID]
	return ok && s.info.State.Live()
}

// Shutdown cancels every pending timer. Sessions keep their current state;
// no logout entries are written.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		s.cancelTimers()
		m.gen++
		s.gen = m.gen
	}
}

// lockUser acquires the per-user lock and returns its unlock.
func (m *Manager) lockUser(userID string) func() {
	m.mu.Lock()
	l, ok := m.users[userID]
	if !ok {
		l = &sync.Mutex{}
		m.users[userID] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// arm sets fresh deadlines from now and schedules the warning and expiry
// callbacks. Callers hold m.mu and have cancelled previous timers.
func (m *Manager) arm(s *session, now time.Time) {
	m.gen++
	s.gen = m.gen
	gen, userID := s.gen, s.info.UserID

	s.info.State = StateActive
	s.info.RenewedAt = now
	s.info.ExpiresAt = now.Add(s.info.Timeout)
	s.info.WarnAt = s.info.ExpiresAt.Add(-s.info.WarningWindow)

	if s.info.WarningWindow > 0 {
		s.cancelWarn = m.sched.Schedule(s.info.Timeout-s.info.WarningWindow, func() { m.onWarn(userID, gen) })
	}
	s.cancelExpire = m.sched.Schedule(s.info.Timeout, func() { m.onExpire(userID, gen) })
}

// current returns the session for userID when gen still identifies its
// deadline pair. Callers hold m.mu.
func (m *Manager) current(userID string, gen uint64) *session {
	s, ok := m.sessions[userID]
	if !ok || s.gen != gen {
		return nil
	}
	return s
}

func (m *Manager) onWarn(userID string, gen uint64) {
	defer m.lockUser(userID)()
	m.mu.Lock()
	s := m.current(userID, gen)
	if s == nil || s.info.State != StateActive {
		m.mu.Unlock()
		return
	}
	s.cancelWarn = nil
	s.info.State = StateWarned
	info := s.info
	m.mu.Unlock()

	ctx := context.Background()
	m.metrics.RecordOperation(ctx, "session", "warn", "success")
	m.logger.Info().
		Str("user_id", userID).
		Str("session_id", info.ID).
		Time("expires_at", info.ExpiresAt).
		Msg("session expiring soon")
	if m.client != nil {
		if err := m.client.PromptRenewal(ctx, info); err != nil {
			m.logger.Warn().Err(err).Str("user_id", userID).Msg("session renewal prompt failed")
		}
	}
}

func (m *Manager) onExpire(userID string, gen uint64) {
	defer m.lockUser(userID)()
	m.mu.Lock()
	s := m.current(userID, gen)
	if s == nil || !s.info.State.Live() {
		m.mu.Unlock()
		return
	}
	s.cancelExpire = nil
	info := m.finish(s, ReasonTimeout)
	m.mu.Unlock()

	m.ended(context.Background(), info)
}

// finish moves s to its terminal state. Callers hold m.mu.
func (m *Manager) finish(s *session, reason Reason) Info {
	s.cancelTimers()
	m.gen++
	s.gen = m.gen
	if reason == ReasonTimeout {
		s.info.State = StateExpired
	} else {
		s.info.State = StateTerminated
	}
	s.info.EndReason = reason
	return s.info
}

// ended performs the side effects of a finished session. Callers hold the
// user lock but not mu.
func (m *Manager) ended(ctx context.Context, info Info) {
	m.audit.LogSecurityEvent(ctx, info.UserID, info.Role, hipaa.EventLogout,
		fmt.Sprintf("reason=%s; session_id=%s", info.EndReason, info.ID))
	m.metrics.RecordOperation(ctx, "session", "end", string(info.EndReason))
	m.logger.Info().
		Str("user_id", info.UserID).
		Str("session_id", info.ID).
		Str("reason", string(info.EndReason)).
		Msg("session ended")

	if m.client != nil {
		if err := m.client.ClearAndRedirect(ctx, info.UserID, info.EndReason, m.cfg.RedirectURL); err != nil {
			m.logger.Warn().Err(err).Str("user_id", info.UserID).Msg("clearing client session failed")
		}
	}
}

func (m *Manager) saveClient(ctx context.Context, info Info) {
	if m.client == nil {
		return
	}
	if err := m.client.Save(ctx, info); err != nil {
		m.logger.Warn().Err(err).Str("user_id", info.UserID).Msg("saving client session failed")
	}
}
