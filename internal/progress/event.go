// Package progress defines the events emitted while sessions crawl and pages
// move through the index.
package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage names the milestone an Event reports.
type Stage string

// Supported progress stages.
const (
	StageSessionStart   Stage = "SESSION_START"
	StageSessionDone    Stage = "SESSION_DONE"
	StagePageDone       Stage = "PAGE_DONE"
	StageRenderFallback Stage = "RENDER_FALLBACK"
	StageIndexPending   Stage = "INDEX_PENDING"
	StageIndexFailed    Stage = "INDEX_FAILED"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for page completions.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event is one progress milestone.
type Event struct {
	// SessionID is empty only for index events whose owning session is unknown.
	SessionID string
	TS        time.Time
	Stage     Stage
	// Site is the page host for page and index events.
	Site string
	URL  string
	// Bytes is the fetched body size.
	Bytes       int64
	StatusClass StatusClass
	// Outcome is the page outcome (Stored, Unchanged, IndexPending, Skipped,
	// Failed) or the terminal session state.
	Outcome string
	// FailureKind is set when the page failed or was skipped.
	FailureKind string
	Dur         time.Duration
	// Note carries low-volume context such as an error message.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageSessionStart, StageSessionDone:
		if e.SessionID == "" {
			return fmt.Errorf("%s requires session id", e.Stage)
		}
	case StagePageDone, StageRenderFallback:
		if e.SessionID == "" {
			return fmt.Errorf("%s requires session id", e.Stage)
		}
		if e.URL == "" {
			return fmt.Errorf("%s requires url", e.Stage)
		}
	case StageIndexPending, StageIndexFailed:
		if e.URL == "" {
			return fmt.Errorf("%s requires url", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// ClassifyStatus groups HTTP status codes for page events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
