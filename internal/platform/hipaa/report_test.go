package hipaa

import (
	"strings"
	"testing"
	"time"
)

func loginEntries(successful, failed int) []AuditEntry {
	base := time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)
	var entries []AuditEntry
	for i := range successful {
		entries = append(entries, AuditEntry{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			ActorID:   "u-ok", ActorRole: RoleNurse, Action: ActionLogin,
			Resource: "security", Success: true, EventKind: EventLogin,
		})
	}
	for i := range failed {
		entries = append(entries, AuditEntry{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			ActorID:   "u-bad", ActorRole: RoleGuest, Action: ActionLogin,
			Resource: "security", Success: false, EventKind: EventLoginFailed,
		})
	}
	return entries
}

func hasRecommendation(r *ComplianceReport, prefix string) bool {
	for _, rec := range r.Recommendations {
		if strings.HasPrefix(rec, prefix) {
			return true
		}
	}
	return false
}

func utcConfig() ReportConfig {
	cfg := DefaultReportConfig()
	cfg.Location = time.UTC
	return cfg
}

func TestComplianceReport_FailedLogins(t *testing.T) {
	tests := []struct {
		name       string
		successful int
		failed     int
		want       bool
	}{
		{"above threshold", 8, 12, true},
		{"none failed", 8, 0, false},
		{"at threshold", 8, 10, false},
		{"just above", 0, 11, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := BuildComplianceReport(loginEntries(tt.successful, tt.failed), utcConfig())
			if r.FailedLogins != tt.failed {
				t.Errorf("expected %d failed logins, got %d", tt.failed, r.FailedLogins)
			}
			if got := hasRecommendation(r, "Failed login count"); got != tt.want {
				t.Errorf("expected failed login recommendation %v, got %v (%v)", tt.want, got, r.Recommendations)
			}
			if r.SecurityEvents != tt.successful+tt.failed {
				t.Errorf("expected %d security events, got %d", tt.successful+tt.failed, r.SecurityEvents)
			}
			if r.TotalAccesses != 0 {
				t.Errorf("expected logins not to count as accesses, got %d", r.TotalAccesses)
			}
		})
	}
}

func TestComplianceReport_ThresholdIsConfigurable(t *testing.T) {
	cfg := utcConfig()
	cfg.FailedLoginThreshold = 2
	r := BuildComplianceReport(loginEntries(0, 3), cfg)
	if !hasRecommendation(r, "Failed login count (3) exceeds threshold (2)") {
		t.Errorf("expected recommendation for threshold 2, got %v", r.Recommendations)
	}
}

func TestComplianceReport_AfterHours(t *testing.T) {
	day := time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)
	access := func(hour, minute int) AuditEntry {
		return AuditEntry{
			Timestamp: day.Add(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute),
			ActorID:   "n1", ActorRole: RoleNurse, Action: ActionView, Resource: "Patient", Success: true,
		}
	}
	entries := []AuditEntry{
		access(23, 15), // after hours
		access(5, 59),  // after hours
		access(22, 30), // hour 22 is still business hours
		access(6, 0),
		access(12, 0),
	}

	r := BuildComplianceReport(entries, utcConfig())
	if r.AfterHoursAccesses != 2 {
		t.Fatalf("expected 2 after-hours accesses, got %d", r.AfterHoursAccesses)
	}
	if r.AfterHoursRatio != 0.4 {
		t.Errorf("expected ratio 0.4, got %v", r.AfterHoursRatio)
	}
	if !hasRecommendation(r, "After-hours access is 40.0%") {
		t.Errorf("expected after-hours recommendation, got %v", r.Recommendations)
	}

	// The same instants are business hours five zones east.
	cfg := utcConfig()
	cfg.Location = time.FixedZone("UTC+5", 5*3600)
	r = BuildComplianceReport(entries[2:], cfg)
	if r.AfterHoursAccesses != 1 {
		t.Errorf("expected 1 after-hours access in UTC+5, got %d", r.AfterHoursAccesses)
	}
}

func TestComplianceReport_TopResources(t *testing.T) {
	at := time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)
	var entries []AuditEntry
	for _, res := range []string{"A", "B", "C", "B", "C", "D"} {
		entries = append(entries, AuditEntry{
			Timestamp: at, ActorID: "n1", ActorRole: RoleNurse,
			Action: ActionView, Resource: res, Success: true,
		})
	}
	entries = append(entries, AuditEntry{
		Timestamp: at, ActorID: "x", Action: ActionSecurity, Resource: "security",
		EventKind: EventUnauthorizedAccess, Severity: SeverityHigh,
	})

	cfg := utcConfig()
	cfg.TopN = 3
	r := BuildComplianceReport(entries, cfg)

	want := []ResourceCount{{"B", 2}, {"C", 2}, {"A", 1}}
	if len(r.TopResources) != len(want) {
		t.Fatalf("expected %d resources, got %+v", len(want), r.TopResources)
	}
	for i := range want {
		if r.TopResources[i] != want[i] {
			t.Errorf("position %d: expected %+v, got %+v", i, want[i], r.TopResources[i])
		}
	}
	if r.UniqueActors != 2 {
		t.Errorf("expected 2 unique actors, got %d", r.UniqueActors)
	}
	if r.TotalAccesses != 6 || r.SecurityEvents != 1 || r.TotalEntries != 7 {
		t.Errorf("unexpected totals %d/%d/%d", r.TotalAccesses, r.SecurityEvents, r.TotalEntries)
	}
}

func TestComplianceReport_Empty(t *testing.T) {
	r := BuildComplianceReport(nil, DefaultReportConfig())
	if r.TopResources == nil || r.Recommendations == nil {
		t.Error("expected empty, non-nil slices")
	}
	if r.AfterHoursRatio != 0 || r.TotalEntries != 0 {
		t.Errorf("unexpected report %+v", r)
	}
}

func TestDefaultReportConfig(t *testing.T) {
	cfg := DefaultReportConfig()
	if cfg.FailedLoginThreshold != 10 || cfg.AfterHoursRatio != 0.10 ||
		cfg.AfterHoursStart != 22 || cfg.AfterHoursEnd != 6 || cfg.TopN != 10 {
		t.Errorf("unexpected defaults %+v", cfg)
	}
}
