package coordinator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanEntryBoundaries(t *testing.T) {
	src := "aaa\nbbbbb\ncc\n"
	boundaries, err := scanEntryBoundaries(strings.NewReader(src))
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 10, 13}, boundaries)
}

func TestScanEntryBoundariesNoTrailingNewline(t *testing.T) {
	boundaries, err := scanEntryBoundaries(strings.NewReader("aaa\nbb"))
	require.NoError(t, err)
	assert.Equal(t, []int64{4}, boundaries)
}

func TestScanEntryBoundariesEmpty(t *testing.T) {
	boundaries, err := scanEntryBoundaries(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, boundaries)
}
