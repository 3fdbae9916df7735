package session

import (
	"sync"
	"time"

	"github.com/JakeFAU/searchcrawler/internal/crawler"
)

// DefaultLogEntries bounds the per-session page log.
const DefaultLogEntries = 500

// LogEntry is one processed page in the session log.
type LogEntry struct {
	URL             string                  `json:"url"`
	FinalURL        string                  `json:"finalUrl"`
	HTTPStatus      int                     `json:"httpStatus"`
	RenderingMethod crawler.RenderingMethod `json:"renderingMethod"`
	Title           *string                 `json:"titleOrNull"`
	FailureKind     crawler.FailureKind     `json:"failureKind,omitempty"`
	Reason          crawler.ErrorKind       `json:"reason,omitempty"`
	Warnings        []string                `json:"warnings,omitempty"`
	Timestamp       time.Time               `json:"timestamp"`
}

// ring keeps the most recent entries in a fixed buffer.
type ring struct {
	mu      sync.Mutex
	entries []LogEntry
	next    int
	full    bool
}

func newRing(size int) *ring {
	if size <= 0 {
		size = DefaultLogEntries
	}
	return &ring{entries: make([]LogEntry, size)}
}

func (r *ring) add(e LogEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.next] = e
	r.next = (r.next + 1) % len(r.entries)
	if r.next == 0 {
		r.full = true
	}
}

// recent returns the entries most recent first.
func (r *ring) recent() []LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.next
	if r.full {
		n = len(r.entries)
	}
	out := make([]LogEntry, 0, n)
	for i := 1; i <= n; i++ {
		idx := (r.next - i + len(r.entries)) % len(r.entries)
		out = append(out, r.entries[idx])
	}
	return out
}
