package worker

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/logflow/internal/config"
	"github.com/t77yq/logflow/internal/model"
)

func TestExponentialBackoff(t *testing.T) {
	s := &ExponentialBackoff{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
	}

	assert.Equal(t, 100*time.Millisecond, s.NextRetry(0))
	assert.Equal(t, 200*time.Millisecond, s.NextRetry(1))
	assert.Equal(t, 400*time.Millisecond, s.NextRetry(2))
	assert.Equal(t, time.Second, s.NextRetry(10))
}

func writeLogFile(t *testing.T, lines string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.log")
	require.NoError(t, os.WriteFile(path, []byte(lines), 0o644))
	return path
}

func TestReadChunkParsesRange(t *testing.T) {
	content := "2024-01-15 10:00:01.000 INFO request served in 12ms\n" +
		"2024-01-15 10:00:02.000 ERROR upstream timed out\n" +
		"2024-01-15 10:00:03.000 INFO request served in 8ms\n"
	path := writeLogFile(t, content)

	entries, malformed, err := readChunk(path, 0, int64(len(content)))
	require.NoError(t, err)
	assert.Zero(t, malformed)
	require.Len(t, entries, 3)
	assert.Equal(t, model.LevelInfo, entries[0].Level)
	assert.Equal(t, model.LevelError, entries[1].Level)
}

func TestReadChunkHonorsByteRange(t *testing.T) {
	first := "2024-01-15 10:00:01.000 INFO alpha\n"
	second := "2024-01-15 10:00:02.000 INFO beta\n"
	path := writeLogFile(t, first+second)

	entries, _, err := readChunk(path, int64(len(first)), int64(len(first)+len(second)))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "beta", entries[0].Message)
}

func TestReadChunkCountsMalformedLines(t *testing.T) {
	content := "2024-01-15 10:00:01.000 INFO fine\n" +
		"this is not a log entry\n" +
		"2024-01-15 10:00:03.000 WARN also fine\n"
	path := writeLogFile(t, content)

	entries, malformed, err := readChunk(path, 0, int64(len(content)))
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.Equal(t, int64(1), malformed)
}

func TestReadChunkMissingFile(t *testing.T) {
	_, _, err := readChunk(filepath.Join(t.TempDir(), "missing.log"), 0, 10)
	assert.Error(t, err)
}

func TestStopIsIdempotent(t *testing.T) {
	w := New(&config.Worker{
		HeartbeatInterval: time.Second,
		WindowSize:        time.Minute,
	}, nil, zaptest.NewLogger(t))

	assert.NotPanics(t, func() {
		w.Stop()
		w.Stop()
	})
}
