package hipaa

import (
	"fmt"
	"slices"
	"time"
)

// ReportConfig holds the tunable thresholds of ComplianceReport.
type ReportConfig struct {
	// FailedLoginThreshold flags the period when failed logins exceed it.
	FailedLoginThreshold int
	// AfterHoursRatio flags the period when the share of after-hours
	// accesses exceeds it. Range [0,1].
	AfterHoursRatio float64
	// Accesses with a local hour after AfterHoursStart or before
	// AfterHoursEnd count as after hours.
	AfterHoursStart int
	AfterHoursEnd   int
	// TopN bounds TopResources.
	TopN int
	// Location is the time zone hours are evaluated in. Nil means time.Local.
	Location *time.Location
}

// DefaultReportConfig returns the documented defaults: more than 10 failed
// logins, more than 10% of accesses outside 06:00-22:59 local time, top 10
// resources.
func DefaultReportConfig() ReportConfig {
	return ReportConfig{
		FailedLoginThreshold: 10,
		AfterHoursRatio:      0.10,
		AfterHoursStart:      22,
		AfterHoursEnd:        6,
		TopN:                 10,
	}
}

// ResourceCount is a resource and the number of accesses to it.
type ResourceCount struct {
	Resource string `json:"resource"`
	Count    int    `json:"count"`
}

// ComplianceReport aggregates a window of the audit ledger.
type ComplianceReport struct {
	GeneratedAt        time.Time       `json:"generated_at"`
	PeriodStart        *time.Time      `json:"period_start,omitempty"`
	PeriodEnd          *time.Time      `json:"period_end,omitempty"`
	TotalEntries       int             `json:"total_entries"`
	TotalAccesses      int             `json:"total_accesses"`
	UniqueActors       int             `json:"unique_actors"`
	UniqueSubjects     int             `json:"unique_subjects"`
	SecurityEvents     int             `json:"security_events"`
	FailedLogins       int             `json:"failed_logins"`
	AfterHoursAccesses int             `json:"after_hours_accesses"`
	AfterHoursRatio    float64         `json:"after_hours_ratio"`
	TopResources       []ResourceCount `json:"top_resources"`
	Recommendations    []string        `json:"recommendations"`
}

// BuildComplianceReport aggregates entries, which must be in ledger order.
// Access counts and resource rankings cover PHI accesses only; security
// events are counted separately. Resources with equal counts keep the order
// of their first occurrence.
func BuildComplianceReport(entries []AuditEntry, cfg ReportConfig) *ComplianceReport {
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}

	report := &ComplianceReport{
		TotalEntries:    len(entries),
		TopResources:    []ResourceCount{},
		Recommendations: []string{},
	}
	actors := make(map[string]struct{})
	subjects := make(map[string]struct{})
	resourceIdx := make(map[string]int)
	var resources []ResourceCount

	for _, e := range entries {
		if e.ActorID != "" {
			actors[e.ActorID] = struct{}{}
		}
		if e.SubjectID != "" {
			subjects[e.SubjectID] = struct{}{}
		}
		if e.Action == ActionLogin && !e.Success {
			report.FailedLogins++
		}
		if e.IsSecurityEvent() {
			report.SecurityEvents++
			continue
		}

		report.TotalAccesses++
		hour := e.Timestamp.In(loc).Hour()
		if hour > cfg.AfterHoursStart || hour < cfg.AfterHoursEnd {
			report.AfterHoursAccesses++
		}
		if i, ok := resourceIdx[e.Resource]; ok {
			resources[i].Count++
		} else {
			resourceIdx[e.Resource] = len(resources)
			resources = append(resources, ResourceCount{Resource: e.Resource, Count: 1})
		}
	}

	report.UniqueActors = len(actors)
	report.UniqueSubjects = len(subjects)
	if report.TotalAccesses > 0 {
		report.AfterHoursRatio = float64(report.AfterHoursAccesses) / float64(report.TotalAccesses)
	}

	slices.SortStableFunc(resources, func(a, b ResourceCount) int {
		return b.Count - a.Count
	})
	if cfg.TopN > 0 && len(resources) > cfg.TopN {
		resources = resources[:cfg.TopN]
	}
	if resources != nil {
		report.TopResources = resources
	}

	if report.FailedLogins > cfg.FailedLoginThreshold {
		report.Recommendations = append(report.Recommendations, fmt.Sprintf(
			"Failed login count (%d) exceeds threshold (%d); review for brute-force attempts and consider account lockout.",
			report.FailedLogins, cfg.FailedLoginThreshold))
	}
	if report.TotalAccesses > 0 && report.AfterHoursRatio > cfg.AfterHoursRatio {
		report.Recommendations = append(report.Recommendations, fmt.Sprintf(
			"After-hours access is %.1f%% of total, above %.1f%%; review off-hours PHI access.",
			report.AfterHoursRatio*100, cfg.AfterHoursRatio*100))
	}
	return report
}
