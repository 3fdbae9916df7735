package xxhash

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSum64Stable(t *testing.T) {
	t.Parallel()

	h := New()
	require.Equal(t, h.Sum64("alpha beta"), h.Sum64("alpha beta"))
	require.NotEqual(t, h.Sum64("alpha beta"), h.Sum64("alpha  beta"))
	// xxHash64 of the empty string with seed 0.
	require.Equal(t, uint64(0xef46db3751d8e999), h.Sum64(""))
}
