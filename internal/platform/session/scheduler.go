package session

import (
	"sort"
	"sync"
	"time"
)

// CancelFunc cancels a scheduled callback. It reports whether the callback
// was still pending.
type CancelFunc func() bool

// Scheduler is the clock and timer primitive the Manager runs on.
type Scheduler interface {
	Now() time.Time
	// Schedule runs fn once after delay, on a goroutine of the scheduler's
	// choosing.
	Schedule(delay time.Duration, fn func()) CancelFunc
}

// RealScheduler uses the wall clock and time.AfterFunc.
type RealScheduler struct{}

func (RealScheduler) Now() time.Time { return time.Now() }

func (RealScheduler) Schedule(delay time.Duration, fn func()) CancelFunc {
	return time.AfterFunc(delay, fn).Stop
}

// ManualScheduler is a fake clock. Time only moves when Advance is called,
// and due callbacks run synchronously on the caller's goroutine in deadline
// order.
type ManualScheduler struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*manualTimer
}

type manualTimer struct {
	at      time.Time
	seq     int
	fn      func()
	pending bool
}

// NewManualScheduler creates a fake clock starting at start.
func NewManualScheduler(start time.Time) *ManualScheduler {
	return &ManualScheduler{now: start}
}

func (s *ManualScheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *ManualScheduler) Schedule(delay time.Duration, fn func()) CancelFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	t := &manualTimer{at: s.now.Add(delay), seq: s.seq, fn: fn, pending: true}
	s.timers = append(s.timers, t)
	return func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		was := t.pending
		t.pending = false
		return was
	}
}

// Advance moves the clock forward by d, firing every callback that falls due.
// Callbacks scheduled by a firing callback also run if they fall within d.
func (s *ManualScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	target := s.now.Add(d)
	for {
		next := s.nextDue(target)
		if next == nil {
			break
		}
		next.pending = false
		s.now = next.at
		s.mu.Unlock()
		next.fn()
		s.mu.Lock()
	}
	s.now = target
	s.compact()
	s.mu.Unlock()
}

// Pending returns the number of callbacks not yet fired or cancelled.
func (s *ManualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.timers {
		if t.pending {
			n++
		}
	}
	return n
}

func (s *ManualScheduler) nextDue(target time.Time) *manualTimer {
	var due []*manualTimer
	for _, t := range s.timers {
		if t.pending && !t.at.After(target) {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].at.Equal(due[j].at) {
			return due[i].seq < due[j].seq
		}
		return due[i].at.Before(due[j].at)
	})
	return due[0]
}

func (s *ManualScheduler) compact() {
	live := s.timers[:0]
	for _, t := range s.timers {
		if t.pending {
			live = append(live, t)
		}
	}
	s.timers = live
}
