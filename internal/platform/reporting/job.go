package reporting

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/ehr/phiguard/internal/metrics"
	"github.com/ehr/phiguard/internal/platform/hipaa"
)

// ReportWindow is the period each scheduled run covers, ending at the run.
const ReportWindow = 24 * time.Hour

// ReportSource builds compliance reports. *hipaa.AuditLogger implements it.
type ReportSource interface {
	ComplianceReport(start, end *time.Time, cfg hipaa.ReportConfig) *hipaa.ComplianceReport
}

// JobOption configures a Job.
type JobOption func(*Job)

// WithJobClock overrides the time source used to compute the window.
func WithJobClock(now func() time.Time) JobOption {
	return func(j *Job) { j.now = now }
}

// WithJobMetrics records each run.
func WithJobMetrics(m metrics.BusinessMetrics) JobOption {
	return func(j *Job) { j.metrics = m }
}

// Job logs the compliance report for the previous ReportWindow on a cron
// schedule.
type Job struct {
	source  ReportSource
	cfg     hipaa.ReportConfig
	logger  zerolog.Logger
	metrics metrics.BusinessMetrics
	now     func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

// NewJob creates a job reading from source.
func NewJob(source ReportSource, cfg hipaa.ReportConfig, logger zerolog.Logger, opts ...JobOption) *Job {
	j := &Job{
		source:  source,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.NoopBusinessMetrics{},
		now:     time.Now,
	}
	for _, o := range opts {
		o(j)
	}
	return j
}

// Run builds and logs the report for the window ending now.
func (j *Job) Run(ctx context.Context) *hipaa.ComplianceReport {
	start := time.Now()
	end := j.now().UTC()
	begin := end.Add(-ReportWindow)
	report := j.source.ComplianceReport(&begin, &end, j.cfg)

	evt := j.logger.Info()
	if len(report.Recommendations) > 0 {
		evt = j.logger.Warn()
	}
	evt.
		Time("period_start", begin).
		Time("period_end", end).
		Int("total_entries", report.TotalEntries).
		Int("total_accesses", report.TotalAccesses).
		Int("unique_actors", report.UniqueActors).
		Int("unique_subjects", report.UniqueSubjects).
		Int("security_events", report.SecurityEvents).
		Int("failed_logins", report.FailedLogins).
		Float64("after_hours_ratio", report.AfterHoursRatio).
		Strs("recommendations", report.Recommendations).
		Msg("compliance report")

	j.metrics.RecordOperation(ctx, "report", "generate", "success")
	j.metrics.RecordDuration(ctx, "report", "generate", time.Since(start), "success")
	return report
}

// Start schedules Run on spec, a standard five-field cron expression or a
// descriptor such as "@daily", evaluated in loc.
func (j *Job) Start(spec string, loc *time.Location) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cron != nil {
		return fmt.Errorf("reporting: job already started")
	}
	if loc == nil {
		loc = time.Local
	}

	c := cron.New(cron.WithLocation(loc))
	if _, err := c.AddFunc(spec, func() { j.Run(context.Background()) }); err != nil {
		return fmt.Errorf("reporting: invalid schedule %q: %w", spec, err)
	}
	c.Start()
	j.cron = c

	j.logger.Info().Str("schedule", spec).Str("timezone", loc.String()).Msg("compliance report job scheduled")
	return nil
}

// Next returns the next scheduled run, or zero when not started.
func (j *Job) Next() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cron == nil {
		return time.Time{}
	}
	entries := j.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// Stop unschedules the job and waits for a running report, bounded by ctx.
func (j *Job) Stop(ctx context.Context) error {
	j.mu.Lock()
	c := j.cron
	j.cron = nil
	j.mu.Unlock()
	if c == nil {
		return nil
	}

	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
