package logparse

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t77yq/logflow/internal/model"
)

func TestParseStandardFormat(t *testing.T) {
	entry, err := Parse("2024-01-24 10:15:32.123 INFO Request processed in 127ms")
	require.NoError(t, err)

	assert.Equal(t, time.Date(2024, 1, 24, 10, 15, 32, 123000000, time.UTC), entry.Timestamp)
	assert.Equal(t, model.LevelInfo, entry.Level)
	assert.Equal(t, "Request processed in 127ms", entry.Message)
	assert.Equal(t, 127.0, entry.Metrics[model.MetricResponseTime])
}

func TestParseStandardFormatWithoutResponseTime(t *testing.T) {
	entry, err := Parse("2024-01-24 10:15:32.123 ERROR Database connection refused")
	require.NoError(t, err)

	assert.Equal(t, model.LevelError, entry.Level)
	assert.NotContains(t, entry.Metrics, model.MetricResponseTime)
}

func TestParseJSONFormat(t *testing.T) {
	entry, err := Parse(`{"timestamp": "2024-01-24 10:15:33.001", "level": "INFO", "message": "Request processed", "duration_ms": 95}`)
	require.NoError(t, err)

	assert.Equal(t, model.LevelInfo, entry.Level)
	assert.Equal(t, "Request processed", entry.Message)
	assert.Equal(t, 95.0, entry.Metrics["duration_ms"])
	assert.Equal(t, 95.0, entry.Metrics[model.MetricResponseTime])
}

func TestParseJSONFormatDefaultsLevel(t *testing.T) {
	entry, err := Parse(`{"timestamp": "2024-01-24 10:15:33.001", "message": "no level"}`)
	require.NoError(t, err)
	assert.Equal(t, model.LevelUnknown, entry.Level)
}

func TestParseNginxFormat(t *testing.T) {
	entry, err := Parse("192.168.1.1 - - [24/Jan/2024:10:15:33.125] GET /api/data HTTP/1.1 200 105ms")
	require.NoError(t, err)

	assert.Equal(t, time.Date(2024, 1, 24, 10, 15, 33, 125000000, time.UTC), entry.Timestamp)
	assert.Equal(t, model.LevelInfo, entry.Level)
	assert.Equal(t, 105.0, entry.Metrics[model.MetricResponseTime])
}

func TestParseMalformed(t *testing.T) {
	lines := []string{
		"",
		"   ",
		"not a log line at all",
		"2024-13-45 99:99:99.999 INFO bad timestamp",
		`{"timestamp": "garbage", "level": "INFO"}`,
	}

	for _, line := range lines {
		_, err := Parse(line)
		assert.ErrorIs(t, err, ErrMalformedEntry, "line %q", line)
	}
}
