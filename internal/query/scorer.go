package query

import (
	"fmt"
	"sync/atomic"
)

// Profile holds field weights and the early-position boost.
type Profile struct {
	TitleWeight float64
	BodyWeight  float64
	// OffsetBoost is added when a query word occurs within the first
	// OffsetWindow body positions.
	OffsetBoost  float64
	OffsetWindow int
}

// MaxOffsetWindow is the largest OffsetWindow a profile may use. Indexes
// keep this many leading body words for the boost.
const MaxOffsetWindow = 50

// DefaultProfile is title 2.0, body 1.0, no boost.
func DefaultProfile() Profile {
	return Profile{TitleWeight: 2.0, BodyWeight: 1.0, OffsetWindow: MaxOffsetWindow}
}

// Validate rejects negative or all-zero weights and windows past
// MaxOffsetWindow.
func (p Profile) Validate() error {
	if p.TitleWeight < 0 || p.BodyWeight < 0 || p.OffsetBoost < 0 || p.OffsetWindow < 0 {
		return fmt.Errorf("scoring values must be >= 0")
	}
	if p.OffsetWindow > MaxOffsetWindow {
		return fmt.Errorf("offset window %d exceeds %d", p.OffsetWindow, MaxOffsetWindow)
	}
	if p.TitleWeight == 0 && p.BodyWeight == 0 {
		return fmt.Errorf("at least one field weight must be > 0")
	}
	return nil
}

// Combine is the per-hit score: title and body TF-IDF times their weights,
// plus the boost when early is set.
func (p Profile) Combine(titleTFIDF, bodyTFIDF float64, early bool) float64 {
	score := titleTFIDF*p.TitleWeight + bodyTFIDF*p.BodyWeight
	if early {
		score += p.OffsetBoost
	}
	return score
}

// Scorer publishes the current profile to concurrent readers.
type Scorer struct {
	current atomic.Pointer[Profile]
}

// NewScorer starts with p, or the default profile when p is invalid.
func NewScorer(p Profile) *Scorer {
	if p.Validate() != nil {
		p = DefaultProfile()
	}
	s := &Scorer{}
	s.current.Store(&p)
	return s
}

// Profile returns the active profile.
func (s *Scorer) Profile() Profile {
	return *s.current.Load()
}

// Update swaps in p if it validates.
func (s *Scorer) Update(p Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.current.Store(&p)
	return nil
}
