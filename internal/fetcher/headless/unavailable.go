package headless

import (
	"context"

	"github.com/JakeFAU/searchcrawler/internal/crawler"
)

// Unavailable implements Renderer but always fails so callers fall back to
// the static body.
type Unavailable struct{}

// NewUnavailable creates a new Unavailable renderer.
func NewUnavailable() *Unavailable {
	return &Unavailable{}
}

// Render returns ErrUnavailable.
func (Unavailable) Render(_ context.Context, _ crawler.RenderRequest) (crawler.RenderResult, error) {
	return crawler.RenderResult{}, ErrUnavailable
}
