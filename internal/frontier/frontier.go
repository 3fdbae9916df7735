// Package frontier implements the per-session politeness-aware work queue.
package frontier

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/JakeFAU/searchcrawler/internal/urlnorm"
)

// ErrDrained is returned by Acquire once no entries remain and no leases are
// outstanding, or after Drain.
var ErrDrained = errors.New("frontier drained")

// Admission is the result of Enqueue.
type Admission int

// Admission results.
const (
	Admitted Admission = iota
	DuplicateDropped
	DepthExceeded
	CapReached
	Closed
)

func (a Admission) String() string {
	switch a {
	case Admitted:
		return "Admitted"
	case DuplicateDropped:
		return "DuplicateDropped"
	case DepthExceeded:
		return "DepthExceeded"
	case CapReached:
		return "CapReached"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Entry is one queued URL.
type Entry struct {
	URL       string
	Depth     int
	SessionID string
	Seq       uint64
	Origin    string
	Attempt   int
}

// Lease is the token handed out by Acquire and returned through Complete.
type Lease struct {
	id     uint64
	origin string
}

// Origin returns the leased origin.
func (l Lease) Origin() string { return l.origin }

// Outcome tells Complete whether the entry is finished or should be retried.
type Outcome struct {
	Retry   bool
	RetryAt time.Time
}

// Config bounds admissions and politeness.
type Config struct {
	SessionID string
	MaxDepth  int
	// MaxPages caps total admissions; zero means unbounded.
	MaxPages int
	Delay    time.Duration
	// DelayFunc returns the robots crawl delay for an origin.
	DelayFunc func(origin string) time.Duration
	Now       func() time.Time
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Queued   int
	InFlight int
	Admitted int
}

type originQueue struct {
	name    string
	entries []Entry
	readyAt time.Time
	leased  bool
}

// Frontier is safe for concurrent use.
type Frontier struct {
	cfg Config

	mu       sync.Mutex
	origins  map[string]*originQueue
	order    []*originQueue
	cursor   int
	seen     map[string]struct{}
	filter   *bloom.BloomFilter
	leases   map[uint64]Entry
	queued   int
	admitted int
	nextSeq  uint64
	nextID   uint64
	drained  bool
	wake     chan struct{}
}

// New builds an empty Frontier.
func New(cfg Config) *Frontier {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	capacity := uint(cfg.MaxPages)
	if capacity < 10_000 {
		capacity = 10_000
	}
	return &Frontier{
		cfg:     cfg,
		origins: make(map[string]*originQueue),
		seen:    make(map[string]struct{}),
		filter:  bloom.NewWithEstimates(capacity, 0.001),
		leases:  make(map[uint64]Entry),
		wake:    make(chan struct{}),
	}
}

// Enqueue admits a normalized URL subject to depth, dedupe and the page cap.
func (f *Frontier) Enqueue(entry Entry) Admission {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.drained {
		return Closed
	}
	if entry.Depth > f.cfg.MaxDepth {
		return DepthExceeded
	}
	// The bloom filter only short-circuits the common miss path.
	if f.filter.TestString(entry.URL) {
		if _, ok := f.seen[entry.URL]; ok {
			return DuplicateDropped
		}
	}
	if f.cfg.MaxPages > 0 && f.admitted >= f.cfg.MaxPages {
		return CapReached
	}

	f.filter.AddString(entry.URL)
	f.seen[entry.URL] = struct{}{}
	f.admitted++
	f.nextSeq++
	entry.Seq = f.nextSeq
	entry.SessionID = f.cfg.SessionID
	entry.Origin = urlnorm.Origin(entry.URL)

	q, ok := f.origins[entry.Origin]
	if !ok {
		q = &originQueue{name: entry.Origin}
		f.origins[entry.Origin] = q
		f.order = append(f.order, q)
	}
	q.entries = append(q.entries, entry)
	f.queued++
	f.broadcastLocked()
	return Admitted
}

// Acquire blocks until an entry from a ready, unleased origin is available.
// It returns ErrDrained when the frontier is exhausted.
func (f *Frontier) Acquire(ctx context.Context) (Entry, Lease, error) {
	for {
		f.mu.Lock()
		if f.drained || (f.queued == 0 && len(f.leases) == 0) {
			f.mu.Unlock()
			return Entry{}, Lease{}, ErrDrained
		}
		now := f.cfg.Now()
		if entry, lease, ok := f.takeLocked(now); ok {
			f.mu.Unlock()
			return entry, lease, nil
		}
		next := f.nextReadyLocked()
		wake := f.wake
		f.mu.Unlock()

		var timer *time.Timer
		var timerC <-chan time.Time
		if !next.IsZero() {
			timer = time.NewTimer(max(next.Sub(now), time.Millisecond))
			timerC = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return Entry{}, Lease{}, ctx.Err()
		case <-wake:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (f *Frontier) takeLocked(now time.Time) (Entry, Lease, bool) {
	n := len(f.order)
	for i := 0; i < n; i++ {
		idx := (f.cursor + i) % n
		q := f.order[idx]
		if q.leased || len(q.entries) == 0 || now.Before(q.readyAt) {
			continue
		}
		entry := q.entries[0]
		q.entries = q.entries[1:]
		q.leased = true
		f.queued--
		f.nextID++
		f.leases[f.nextID] = entry
		f.cursor = (idx + 1) % n
		return entry, Lease{id: f.nextID, origin: q.name}, true
	}
	return Entry{}, Lease{}, false
}

func (f *Frontier) nextReadyLocked() time.Time {
	var next time.Time
	for _, q := range f.order {
		if q.leased || len(q.entries) == 0 {
			continue
		}
		if next.IsZero() || q.readyAt.Before(next) {
			next = q.readyAt
		}
	}
	return next
}

// Complete releases the origin lease and schedules the origin's next fetch.
// Unknown leases (for example after Drain) are ignored.
func (f *Frontier) Complete(lease Lease, outcome Outcome) {
	delay := f.cfg.Delay
	if f.cfg.DelayFunc != nil {
		delay = max(delay, f.cfg.DelayFunc(lease.origin))
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.leases[lease.id]
	if !ok {
		return
	}
	delete(f.leases, lease.id)
	q := f.origins[lease.origin]
	q.leased = false
	q.readyAt = f.cfg.Now().Add(delay)
	if outcome.Retry && !f.drained {
		entry.Attempt++
		q.entries = append([]Entry{entry}, q.entries...)
		f.queued++
		if outcome.RetryAt.After(q.readyAt) {
			q.readyAt = outcome.RetryAt
		}
	}
	f.broadcastLocked()
}

// Drain removes all entries and leases and refuses further admissions.
func (f *Frontier) Drain() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drained = true
	f.origins = make(map[string]*originQueue)
	f.order = nil
	f.leases = make(map[uint64]Entry)
	f.queued = 0
	f.broadcastLocked()
}

// Stats reports queue sizes.
func (f *Frontier) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Stats{Queued: f.queued, InFlight: len(f.leases), Admitted: f.admitted}
}

func (f *Frontier) broadcastLocked() {
	close(f.wake)
	f.wake = make(chan struct{})
}
