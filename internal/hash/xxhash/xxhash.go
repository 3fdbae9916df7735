// Package xxhash provides the 64-bit content fingerprint used to detect
// unchanged re-crawls.
package xxhash

import "github.com/cespare/xxhash/v2"

// Hasher implements crawler.Hasher using xxHash64.
type Hasher struct{}

// New returns an xxHash64 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Sum64 fingerprints normalized text content.
func (Hasher) Sum64(text string) uint64 {
	return xxhash.Sum64String(text)
}
