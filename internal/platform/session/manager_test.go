package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ehr/phiguard/internal/platform/hipaa"
)

var t0 = time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)

type clientCall struct {
	op       string
	userID   string
	state    State
	reason   Reason
	redirect string
}

type recordingClient struct {
	mu    sync.Mutex
	calls []clientCall
}

func (c *recordingClient) Save(_ context.Context, info Info) error {
	c.record(clientCall{op: "save", userID: info.UserID, state: info.State})
	return nil
}

func (c *recordingClient) PromptRenewal(_ context.Context, info Info) error {
	c.record(clientCall{op: "prompt", userID: info.UserID, state: info.State})
	return nil
}

func (c *recordingClient) ClearAndRedirect(_ context.Context, userID string, reason Reason, redirectURL string) error {
	c.record(clientCall{op: "clear", userID: userID, reason: reason, redirect: redirectURL})
	return errors.New("client gone")
}

func (c *recordingClient) record(call clientCall) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call)
}

func (c *recordingClient) count(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, call := range c.calls {
		if call.op == op {
			n++
		}
	}
	return n
}

func (c *recordingClient) last(op string) clientCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.calls) - 1; i >= 0; i-- {
		if c.calls[i].op == op {
			return c.calls[i]
		}
	}
	return clientCall{}
}

type fixture struct {
	ledger *hipaa.AuditLogger
	sched  *ManualScheduler
	client *recordingClient
	mgr    *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ledger: hipaa.NewAuditLogger(),
		sched:  NewManualScheduler(t0),
		client: &recordingClient{},
	}
	f.mgr = NewManager(f.ledger, Config{Timeout: 15 * time.Minute, WarningWindow: 2 * time.Minute},
		WithScheduler(f.sched), WithClientStore(f.client))
	return f
}

func (f *fixture) logouts() []hipaa.AuditEntry {
	return f.ledger.Query(hipaa.QueryFilter{Action: hipaa.ActionLogout})
}

func (f *fixture) logins() []hipaa.AuditEntry {
	return f.ledger.Query(hipaa.QueryFilter{Action: hipaa.ActionLogin})
}

func (f *fixture) state(t *testing.T, userID string) State {
	t.Helper()
	info, err := f.mgr.Status(userID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	return info.State
}

func TestManager_StartRecordsLogin(t *testing.T) {
	f := newFixture(t)
	info, err := f.mgr.Start(context.Background(), "dr-1", hipaa.RoleProvider, 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if info.State != StateActive || info.ID == "" {
		t.Errorf("unexpected info %+v", info)
	}
	if !info.ExpiresAt.Equal(t0.Add(15*time.Minute)) || !info.WarnAt.Equal(t0.Add(13*time.Minute)) {
		t.Errorf("unexpected deadlines warn=%v expire=%v", info.WarnAt, info.ExpiresAt)
	}
	logins := f.logins()
	if len(logins) != 1 || logins[0].EventKind != hipaa.EventLogin || logins[0].ActorRole != hipaa.RoleProvider {
		t.Fatalf("expected 1 login entry, got %+v", logins)
	}
	if !strings.Contains(logins[0].Detail, info.ID) {
		t.Errorf("expected login detail to name the session, got %q", logins[0].Detail)
	}
	if f.client.count("save") != 1 {
		t.Error("expected client state to be saved")
	}
	if f.sched.Pending() != 2 {
		t.Errorf("expected warning and expiry timers, got %d", f.sched.Pending())
	}
}

func TestManager_ExtendReschedulesSingleTimer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.mgr.Start(ctx, "n-1", hipaa.RoleNurse, 0, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var last Info
	for range 3 {
		f.sched.Advance(10 * time.Second)
		info, err := f.mgr.Extend(ctx, "n-1")
		if err != nil {
			t.Fatalf("extend: %v", err)
		}
		last = info
	}
	if f.sched.Pending() != 2 {
		t.Fatalf("expected exactly one warning and one expiry timer, got %d", f.sched.Pending())
	}
	if !last.ExpiresAt.Equal(t0.Add(30*time.Second + 15*time.Minute)) {
		t.Errorf("unexpected new deadline %v", last.ExpiresAt)
	}

	// Past the original deadline the session is only warned.
	f.sched.Advance(15*time.Minute - 30*time.Second + time.Second)
	if !f.mgr.Active("n-1") {
		t.Fatal("expected session to survive its original deadline")
	}
	if got := f.state(t, "n-1"); got != StateWarned {
		t.Errorf("expected warned, got %s", got)
	}
	if n := len(f.logouts()); n != 0 {
		t.Fatalf("expected no logout yet, got %d", n)
	}

	// Past the new deadline it is forced out exactly once.
	f.sched.Advance(30 * time.Second)
	f.sched.Advance(time.Hour)
	if f.mgr.Active("n-1") {
		t.Fatal("expected session to expire")
	}
	logouts := f.logouts()
	if len(logouts) != 1 {
		t.Fatalf("expected exactly 1 logout entry, got %d", len(logouts))
	}
	if !strings.Contains(logouts[0].Detail, "reason=timeout") || logouts[0].ActorID != "n-1" {
		t.Errorf("unexpected logout entry %+v", logouts[0])
	}
	info, _ := f.mgr.Status("n-1")
	if info.State != StateExpired || info.EndReason != ReasonTimeout {
		t.Errorf("expected expired by timeout, got %s/%s", info.State, info.EndReason)
	}
	if f.sched.Pending() != 0 {
		t.Errorf("expected no pending timers, got %d", f.sched.Pending())
	}
	if c := f.client.last("clear"); c.reason != ReasonTimeout || c.redirect != "/login" {
		t.Errorf("unexpected client clear %+v", c)
	}
}

func TestManager_WarningThenRenewal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mgr.Start(ctx, "n-1", hipaa.RoleNurse, 0, 0)

	f.sched.Advance(13 * time.Minute)
	if got := f.state(t, "n-1"); got != StateWarned {
		t.Fatalf("expected warned at the warning deadline, got %s", got)
	}
	if f.client.count("prompt") != 1 {
		t.Errorf("expected one renewal prompt, got %d", f.client.count("prompt"))
	}

	info, err := f.mgr.Extend(ctx, "n-1")
	if err != nil {
		t.Fatalf("extend: %v", err)
	}
	if info.State != StateActive {
		t.Errorf("expected renewal to return to active, got %s", info.State)
	}
	if !info.RenewedAt.Equal(t0.Add(13 * time.Minute)) {
		t.Errorf("unexpected renewal time %v", info.RenewedAt)
	}
}

// stubbornScheduler hands out callbacks but never lets them be cancelled, so
// tests can fire a timer that lost the race with a state change.
type stubbornScheduler struct {
	mu  sync.Mutex
	now time.Time
	fns []func()
}

func (s *stubbornScheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *stubbornScheduler) Schedule(_ time.Duration, fn func()) CancelFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fns = append(s.fns, fn)
	return func() bool { return false }
}

func (s *stubbornScheduler) fire() {
	s.mu.Lock()
	fns := s.fns
	s.fns = nil
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func TestManager_StaleWarningIsNoop(t *testing.T) {
	ledger := hipaa.NewAuditLogger()
	sched := &stubbornScheduler{now: t0}
	client := &recordingClient{}
	m := NewManager(ledger, Config{}, WithScheduler(sched), WithClientStore(client))
	ctx := context.Background()

	m.Start(ctx, "dr-1", hipaa.RoleProvider, 0, 0)
	if err := m.End(ctx, "dr-1", ReasonLogout); err != nil {
		t.Fatalf("end: %v", err)
	}

	// The warning and expiry callbacks fire after the session ended.
	sched.fire()

	info, _ := m.Status("dr-1")
	if info.State != StateTerminated || info.EndReason != ReasonLogout {
		t.Errorf("expected terminated by logout, got %s/%s", info.State, info.EndReason)
	}
	if client.count("prompt") != 0 {
		t.Error("expected stale warning not to prompt")
	}
	logouts := ledger.Query(hipaa.QueryFilter{Action: hipaa.ActionLogout})
	if len(logouts) != 1 || !strings.Contains(logouts[0].Detail, "reason=logout") {
		t.Errorf("expected a single logout entry, got %+v", logouts)
	}
}

func TestManager_StaleExpiryAfterExtendIsNoop(t *testing.T) {
	ledger := hipaa.NewAuditLogger()
	sched := &stubbornScheduler{now: t0}
	m := NewManager(ledger, Config{}, WithScheduler(sched))
	ctx := context.Background()

	m.Start(ctx, "dr-1", hipaa.RoleProvider, 0, 0)
	sched.mu.Lock()
	stale := sched.fns
	sched.fns = nil
	sched.mu.Unlock()

	if _, err := m.Extend(ctx, "dr-1"); err != nil {
		t.Fatalf("extend: %v", err)
	}
	for _, fn := range stale {
		fn()
	}

	if !m.Active("dr-1") {
		t.Fatal("expected callbacks for the old deadline to be ignored")
	}
	if n := len(ledger.Query(hipaa.QueryFilter{Action: hipaa.ActionLogout})); n != 0 {
		t.Errorf("expected no logout, got %d", n)
	}

	// The current deadline still applies.
	sched.fire()
	if m.Active("dr-1") {
		t.Error("expected current expiry callback to end the session")
	}
}

func TestManager_EndIsTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mgr.Start(ctx, "dr-1", hipaa.RoleProvider, 0, 0)

	if err := f.mgr.End(ctx, "dr-1", ReasonLogout); err != nil {
		t.Fatalf("end: %v", err)
	}
	if err := f.mgr.End(ctx, "dr-1", ReasonLogout); !errors.Is(err, ErrNotExtendable) {
		t.Errorf("expected ErrNotExtendable on second end, got %v", err)
	}
	if _, err := f.mgr.Extend(ctx, "dr-1"); !errors.Is(err, ErrNotExtendable) {
		t.Errorf("expected ErrNotExtendable after logout, got %v", err)
	}
	if f.sched.Pending() != 0 {
		t.Errorf("expected timers cancelled, got %d pending", f.sched.Pending())
	}
	if n := len(f.logouts()); n != 1 {
		t.Errorf("expected exactly 1 logout entry, got %d", n)
	}
	if c := f.client.last("clear"); c.userID != "dr-1" || c.reason != ReasonLogout {
		t.Errorf("unexpected client clear %+v", c)
	}
}

func TestManager_ExtendAfterExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mgr.Start(ctx, "n-1", hipaa.RoleNurse, time.Minute, 10*time.Second)

	f.sched.Advance(time.Minute)
	if _, err := f.mgr.Extend(ctx, "n-1"); !errors.Is(err, ErrNotExtendable) {
		t.Errorf("expected ErrNotExtendable once the deadline passed, got %v", err)
	}
	if n := len(f.logouts()); n != 1 {
		t.Errorf("expected 1 logout entry, got %d", n)
	}
}

func TestManager_UnknownUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.mgr.Extend(ctx, "ghost")
	if !errors.Is(err, ErrNotExtendable) || !errors.Is(err, ErrNotFound) {
		t.Errorf("expected a not extendable, not found error from Extend, got %v", err)
	}
	if err := f.mgr.End(ctx, "ghost", ReasonLogout); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound from End, got %v", err)
	}
	if _, err := f.mgr.Status("ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound from Status, got %v", err)
	}
	if f.mgr.Active("ghost") {
		t.Error("expected unknown user not to be active")
	}
}

func TestManager_StartSupersedesLiveSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first, _ := f.mgr.Start(ctx, "dr-1", hipaa.RoleProvider, 0, 0)
	second, err := f.mgr.Start(ctx, "dr-1", hipaa.RoleProvider, 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if first.ID == second.ID {
		t.Error("expected a new session id")
	}
	if f.sched.Pending() != 2 {
		t.Errorf("expected only the new session's timers, got %d", f.sched.Pending())
	}
	logouts := f.logouts()
	if len(logouts) != 1 || !strings.Contains(logouts[0].Detail, "superseded_by="+second.ID) {
		t.Fatalf("expected the old session to be logged out, got %+v", logouts)
	}
	if n := len(f.logins()); n != 2 {
		t.Errorf("expected 2 login entries, got %d", n)
	}

	f.sched.Advance(time.Hour)
	if n := len(f.logouts()); n != 2 {
		t.Errorf("expected only the new session to time out, got %d logouts", n)
	}
}

func TestManager_StartAfterEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mgr.Start(ctx, "dr-1", hipaa.RoleProvider, 0, 0)
	f.mgr.End(ctx, "dr-1", ReasonLogout)

	if _, err := f.mgr.Start(ctx, "dr-1", hipaa.RoleProvider, 0, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !f.mgr.Active("dr-1") {
		t.Error("expected a fresh session")
	}
	if n := len(f.logouts()); n != 1 {
		t.Errorf("expected an ended session not to be logged out again, got %d", n)
	}
}

func TestManager_InvalidStart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tests := []struct {
		name    string
		user    string
		timeout time.Duration
		warning time.Duration
		want    error
	}{
		{"missing user", "", 0, 0, ErrMissingUser},
		{"negative timeout", "u", -time.Minute, 0, ErrInvalidTimeout},
		{"negative warning", "u", time.Minute, -time.Second, ErrInvalidTimeout},
		{"warning not shorter", "u", time.Minute, time.Minute, ErrInvalidTimeout},
		{"above maximum", "u", MaxTimeout + time.Second, 0, ErrInvalidTimeout},
	}
	for _, tt := range tests {
		if _, err := f.mgr.Start(ctx, tt.user, hipaa.RoleNurse, tt.timeout, tt.warning); !errors.Is(err, tt.want) {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.want, err)
		}
	}
	if f.ledger.Len() != 0 {
		t.Errorf("expected rejected starts not to be audited, got %d entries", f.ledger.Len())
	}
}

func TestManager_ShortTimeoutDefaultWarning(t *testing.T) {
	f := newFixture(t)
	info, err := f.mgr.Start(context.Background(), "u", hipaa.RoleNurse, time.Minute, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.WarningWindow != 30*time.Second {
		t.Errorf("expected warning capped at half the timeout, got %s", info.WarningWindow)
	}
}

func TestNewManager_Defaults(t *testing.T) {
	m := NewManager(hipaa.NewAuditLogger(), Config{})
	if got := m.Config(); got != DefaultConfig() {
		t.Errorf("expected defaults %+v, got %+v", DefaultConfig(), got)
	}

	m = NewManager(hipaa.NewAuditLogger(), Config{Timeout: time.Minute, WarningWindow: time.Hour, RedirectURL: "/signin"})
	cfg := m.Config()
	if cfg.WarningWindow != 30*time.Second || cfg.RedirectURL != "/signin" {
		t.Errorf("unexpected config %+v", cfg)
	}
}

func TestManager_Shutdown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mgr.Start(ctx, "a", hipaa.RoleNurse, 0, 0)
	f.mgr.Start(ctx, "b", hipaa.RoleNurse, 0, 0)

	f.mgr.Shutdown()
	if f.sched.Pending() != 0 {
		t.Errorf("expected no pending timers, got %d", f.sched.Pending())
	}
	f.sched.Advance(time.Hour)
	if !f.mgr.Active("a") || !f.mgr.Active("b") {
		t.Error("expected sessions to keep their state")
	}
	if n := len(f.logouts()); n != 0 {
		t.Errorf("expected no logout entries, got %d", n)
	}
}

func TestManager_RealScheduler(t *testing.T) {
	ledger := hipaa.NewAuditLogger()
	m := NewManager(ledger, Config{})
	m.Start(context.Background(), "u", hipaa.RoleNurse, 60*time.Millisecond, 20*time.Millisecond)

	deadline := time.Now().Add(5 * time.Second)
	for m.Active("u") || len(ledger.Query(hipaa.QueryFilter{Action: hipaa.ActionLogout})) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for expiry")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if n := len(ledger.Query(hipaa.QueryFilter{Action: hipaa.ActionLogout})); n != 1 {
		t.Errorf("expected 1 logout entry, got %d", n)
	}
}

// gatedAuditor holds the first logout entry until release is closed.
type gatedAuditor struct {
	*hipaa.AuditLogger
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (a *gatedAuditor) LogSecurityEvent(ctx context.Context, actorID string, role hipaa.Role, kind hipaa.EventKind, detail string) string {
	if kind == hipaa.EventLogout {
		a.once.Do(func() {
			close(a.entered)
			<-a.release
		})
	}
	return a.AuditLogger.LogSecurityEvent(ctx, actorID, role, kind, detail)
}

func TestManager_StartWaitsForPendingLogout(t *testing.T) {
	ledger := hipaa.NewAuditLogger()
	audit := &gatedAuditor{AuditLogger: ledger, entered: make(chan struct{}), release: make(chan struct{})}
	client := &recordingClient{}
	m := NewManager(audit, Config{}, WithScheduler(NewManualScheduler(t0)), WithClientStore(client))
	ctx := context.Background()
	m.Start(ctx, "dr-1", hipaa.RoleProvider, 0, 0)

	endDone := make(chan error, 1)
	go func() { endDone <- m.End(ctx, "dr-1", ReasonLogout) }()
	<-audit.entered

	startDone := make(chan Info, 1)
	go func() {
		info, _ := m.Start(ctx, "dr-1", hipaa.RoleProvider, 0, 0)
		startDone <- info
	}()
	select {
	case <-startDone:
		t.Fatal("expected Start to wait for the pending logout")
	case <-time.After(50 * time.Millisecond):
	}

	close(audit.release)
	if err := <-endDone; err != nil {
		t.Fatalf("end: %v", err)
	}
	second := <-startDone

	if !m.Active("dr-1") {
		t.Fatal("expected the new session to be live")
	}
	entries := ledger.Query(hipaa.QueryFilter{ActorID: "dr-1"})
	var kinds []hipaa.EventKind
	for _, e := range entries {
		kinds = append(kinds, e.EventKind)
	}
	want := []hipaa.EventKind{hipaa.EventLogin, hipaa.EventLogout, hipaa.EventLogin}
	if len(kinds) != len(want) || kinds[0] != want[0] || kinds[1] != want[1] || kinds[2] != want[2] {
		t.Fatalf("expected login, logout, login in order, got %v", kinds)
	}
	if !strings.Contains(entries[2].Detail, second.ID) {
		t.Errorf("expected the last login to be the new session, got %q", entries[2].Detail)
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	var ops []string
	for _, c := range client.calls {
		ops = append(ops, c.op)
	}
	if len(ops) != 3 || ops[0] != "save" || ops[1] != "clear" || ops[2] != "save" {
		t.Errorf("expected the new session to be saved after the old one was cleared, got %v", ops)
	}
}
