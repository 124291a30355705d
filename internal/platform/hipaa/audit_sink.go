package hipaa

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

// Sink durably persists audit entries. Write receives entries one at a time
// in ledger order; an error leaves the entry queued for retry.
type Sink interface {
	Write(ctx context.Context, entry AuditEntry) error
}

// SinkConfig tunes the background forwarding of entries to a Sink.
type SinkConfig struct {
	// RetryInterval is how often a failed sink is retried when no new entries arrive.
	RetryInterval time.Duration
	// WriteTimeout bounds a single Sink.Write call.
	WriteTimeout time.Duration
	// MaxFailures is the number of consecutive failures that opens the breaker.
	MaxFailures uint32
	// OpenTimeout is how long the breaker stays open before probing again.
	OpenTimeout time.Duration
}

func (c *SinkConfig) applyDefaults() {
	if c.RetryInterval <= 0 {
		c.RetryInterval = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.MaxFailures == 0 {
		c.MaxFailures = 3
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
}

// dispatcher forwards ledger entries to the sink in order. It keeps a cursor
// into the local store instead of its own queue, so an outage never loses an
// entry and callers never block on the sink.
type dispatcher struct {
	owner   *AuditLogger
	sink    Sink
	cfg     SinkConfig
	breaker *gobreaker.CircuitBreaker[struct{}]

	notify  chan struct{}
	done    chan struct{}
	stopped chan struct{}
	final   chan context.Context

	// owned by the run goroutine
	synced int
	outage bool
}

func newDispatcher(owner *AuditLogger, sink Sink, cfg SinkConfig) *dispatcher {
	cfg.applyDefaults()
	d := &dispatcher{
		owner:   owner,
		sink:    sink,
		cfg:     cfg,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		final:   make(chan context.Context, 1),
	}
	d.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "audit-sink",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			owner.logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("audit sink circuit breaker state change")
		},
	})
	return d
}

// wake schedules a flush without blocking.
func (d *dispatcher) wake() {
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	defer close(d.stopped)
	ticker := time.NewTicker(d.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.done:
			ctx := <-d.final
			d.flush(ctx)
			return
		case <-d.notify:
			d.flush(context.Background())
		case <-ticker.C:
			d.flush(context.Background())
		}
	}
}

func (d *dispatcher) flush(ctx context.Context) {
	for _, entry := range d.owner.store.Since(d.synced) {
		if ctx.Err() != nil {
			return
		}
		_, err := d.breaker.Execute(func() (struct{}, error) {
			wctx, cancel := context.WithTimeout(ctx, d.cfg.WriteTimeout)
			defer cancel()
			return struct{}{}, d.sink.Write(wctx, entry)
		})
		if err != nil {
			d.owner.metrics.RecordOperation(ctx, "audit", "sink_write", "error")
			d.markOutage(err)
			return
		}
		d.owner.metrics.RecordOperation(ctx, "audit", "sink_write", "success")
		d.synced++
		if d.outage {
			d.outage = false
			d.owner.logger.Info().Int("synced", d.synced).Msg("audit sink recovered")
		}
	}
}

// markOutage records a single audit_sink_unavailable event per outage.
func (d *dispatcher) markOutage(err error) {
	if d.outage {
		return
	}
	d.outage = true
	d.owner.logger.Error().Err(err).Msg("audit sink unavailable, retaining entries locally")
	d.owner.LogSecurityEvent(context.Background(), SystemActor, "", EventAuditSinkUnavailable, err.Error())
}

func (d *dispatcher) stop(ctx context.Context) error {
	d.final <- ctx
	close(d.done)
	select {
	case <-d.stopped:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("hipaa audit: flush sink: %w", ctx.Err())
	}
}

// FileSink appends entries to a file as JSON lines.
type FileSink struct {
	mu   sync.Mutex
	file *os.File
}

// NewFileSink opens path for appending, creating it with 0600 permissions.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("hipaa audit: open file sink: %w", err)
	}
	return &FileSink{file: f}, nil
}

// Write appends entry as one JSON line.
func (s *FileSink) Write(_ context.Context, entry AuditEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("hipaa audit: marshal entry: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("hipaa audit: write file sink: %w", err)
	}
	return nil
}

// Close closes the underlying file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// MultiSink writes each entry to every sink. An entry counts as written only
// when every sink accepted it, so a sink that succeeded may see the entry
// again when a sibling is retried.
type MultiSink []Sink

// Write writes entry to all sinks and joins their errors.
func (m MultiSink) Write(ctx context.Context, entry AuditEntry) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, entry AuditEntry) error

// Write calls f.
func (f SinkFunc) Write(ctx context.Context, entry AuditEntry) error {
	return f(ctx, entry)
}

// NopSink discards every entry.
type NopSink struct{}

// Write does nothing.
func (NopSink) Write(context.Context, AuditEntry) error { return nil }
