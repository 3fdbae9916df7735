// Package session runs crawl sessions: each owns a frontier, a worker pool
// and its counters, and is retained for a grace period after it ends.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JakeFAU/searchcrawler/internal/crawler"
	"github.com/JakeFAU/searchcrawler/internal/frontier"
)

// State is the session lifecycle state.
type State string

// Session states. Canceling is internal; clients see it only while workers
// wind down.
const (
	StateStarting  State = "starting"
	StateRunning   State = "running"
	StateCanceling State = "canceling"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCanceled  State = "canceled"
)

// Terminal reports whether the state is frozen.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCanceled
}

// Counters are the per-session page counters.
type Counters struct {
	Queued    int64 `json:"queued"`
	InFlight  int64 `json:"inFlight"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Skipped   int64 `json:"skipped"`
}

// Snapshot is a point-in-time view of a session.
type Snapshot struct {
	SessionID     string     `json:"sessionId"`
	State         State      `json:"state"`
	Counters      Counters   `json:"counters"`
	StartedAt     time.Time  `json:"startedAt"`
	EndedAt       *time.Time `json:"endedAt,omitempty"`
	LastErrorKind string     `json:"lastErrorKind,omitempty"`
	IndexFailures int64      `json:"indexFailures"`
	Config        Config     `json:"-"`
}

// lastErrorWorkerCrash is reported when repeated panics end a session.
const lastErrorWorkerCrash = string(crawler.FailureWorkerCrash)

type session struct {
	id        string
	cfg       Config
	startedAt time.Time
	frontier  *frontier.Frontier
	log       *ring
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}

	mu              sync.Mutex
	state           State
	lastErrorKind   string
	cancelRequested bool
	crashed         bool

	succeeded     atomic.Int64
	failed        atomic.Int64
	skipped       atomic.Int64
	indexFailures atomic.Int64
	crashes       atomic.Int32

	// final is set once the session is terminal so readers skip mu.
	final atomic.Pointer[Snapshot]
}

func (s *session) snapshot() Snapshot {
	if f := s.final.Load(); f != nil {
		return *f
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(nil)
}

func (s *session) snapshotLocked(endedAt *time.Time) Snapshot {
	stats := s.frontier.Stats()
	return Snapshot{
		SessionID: s.id,
		State:     s.state,
		Counters: Counters{
			Queued:    int64(stats.Queued),
			InFlight:  int64(stats.InFlight),
			Succeeded: s.succeeded.Load(),
			Failed:    s.failed.Load(),
			Skipped:   s.skipped.Load(),
		},
		StartedAt:     s.startedAt,
		EndedAt:       endedAt,
		LastErrorKind: s.lastErrorKind,
		IndexFailures: s.indexFailures.Load(),
		Config:        s.cfg,
	}
}

func (s *session) markRunning() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStarting {
		s.state = StateRunning
	}
}

// requestCancel moves a live session to Canceling, aborts in-flight I/O and
// empties the frontier. It reports false when the session already ended.
func (s *session) requestCancel() bool {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return false
	}
	if !s.cancelRequested {
		s.cancelRequested = true
		s.state = StateCanceling
	}
	s.mu.Unlock()
	s.cancel()
	s.frontier.Drain()
	return true
}

func (s *session) canceling() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelRequested
}

func (s *session) markCrashed() {
	s.mu.Lock()
	s.crashed = true
	s.lastErrorKind = lastErrorWorkerCrash
	s.mu.Unlock()
	s.frontier.Drain()
}

func (s *session) setLastError(kind string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Terminal() {
		s.lastErrorKind = kind
	}
}

// finish freezes the session and publishes its final snapshot.
func (s *session) finish(now time.Time, err error) Snapshot {
	s.mu.Lock()
	switch {
	case s.crashed:
		s.state = StateFailed
	case err != nil:
		s.state = StateFailed
		if s.lastErrorKind == "" {
			s.lastErrorKind = string(crawler.KindUnknown)
		}
	case s.cancelRequested:
		s.state = StateCanceled
	default:
		s.state = StateCompleted
	}
	snap := s.snapshotLocked(&now)
	s.final.Store(&snap)
	s.mu.Unlock()
	return snap
}
