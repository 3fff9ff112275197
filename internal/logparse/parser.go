// Package logparse turns raw log lines into model.LogEntry values.
//
// Three line formats are recognized:
//
//	standard:  2024-01-24 10:15:32.123 INFO Request processed in 127ms
//	json:      {"timestamp": "2024-01-24 10:15:33.001", "level": "INFO", "message": "...", "duration_ms": 95}
//	nginx:     192.168.1.1 - - [24/Jan/2024:10:15:33.125] GET /api/data HTTP/1.1 200 105ms
package logparse

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/t77yq/logflow/internal/model"
)

// ErrMalformedEntry is returned for lines that match none of the
// supported formats. Callers count these; they never abort a chunk.
var ErrMalformedEntry = errors.New("malformed log entry")

const (
	standardTimeLayout = "2006-01-02 15:04:05.000"
	nginxTimeLayout    = "02/Jan/2006:15:04:05.000"
)

var (
	standardPattern     = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}\.\d{3}) (\w+) (.+)$`)
	responseTimePattern = regexp.MustCompile(`processed in (\d+)ms`)
	nginxPattern        = regexp.MustCompile(`\[([^\]]+)\].*?(\d+)ms`)
)

// Parse parses a single log line, trying the JSON format first, then
// the standard format, then the nginx format.
func Parse(line string) (model.LogEntry, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return model.LogEntry{}, fmt.Errorf("%w: empty line", ErrMalformedEntry)
	}

	if entry, err := parseJSONFormat(line); err == nil {
		return entry, nil
	}
	if entry, err := parseStandardFormat(line); err == nil {
		return entry, nil
	}
	if entry, err := parseNginxFormat(line); err == nil {
		return entry, nil
	}

	return model.LogEntry{}, fmt.Errorf("%w: %q", ErrMalformedEntry, line)
}

func parseJSONFormat(line string) (model.LogEntry, error) {
	var raw struct {
		Timestamp    string   `json:"timestamp"`
		Level        string   `json:"level"`
		Message      string   `json:"message"`
		DurationMS   *float64 `json:"duration_ms"`
		ResponseTime *float64 `json:"response_time"`
	}
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return model.LogEntry{}, err
	}

	ts, err := time.Parse(standardTimeLayout, raw.Timestamp)
	if err != nil {
		return model.LogEntry{}, err
	}

	metrics := make(map[string]float64)
	if raw.DurationMS != nil {
		metrics["duration_ms"] = *raw.DurationMS
		metrics[model.MetricResponseTime] = *raw.DurationMS
	}
	if raw.ResponseTime != nil {
		metrics[model.MetricResponseTime] = *raw.ResponseTime
	}

	level := raw.Level
	if level == "" {
		level = model.LevelUnknown
	}

	return model.LogEntry{
		Timestamp: ts,
		Level:     level,
		Message:   raw.Message,
		Metrics:   metrics,
	}, nil
}

func parseStandardFormat(line string) (model.LogEntry, error) {
	m := standardPattern.FindStringSubmatch(line)
	if m == nil {
		return model.LogEntry{}, fmt.Errorf("not standard format")
	}

	ts, err := time.Parse(standardTimeLayout, m[1])
	if err != nil {
		return model.LogEntry{}, err
	}

	metrics := make(map[string]float64)
	if rt := responseTimePattern.FindStringSubmatch(m[3]); rt != nil {
		if v, err := strconv.ParseFloat(rt[1], 64); err == nil {
			metrics[model.MetricResponseTime] = v
		}
	}

	return model.LogEntry{
		Timestamp: ts,
		Level:     m[2],
		Message:   m[3],
		Metrics:   metrics,
	}, nil
}

func parseNginxFormat(line string) (model.LogEntry, error) {
	m := nginxPattern.FindStringSubmatch(line)
	if m == nil {
		return model.LogEntry{}, fmt.Errorf("not nginx format")
	}

	ts, err := time.Parse(nginxTimeLayout, m[1])
	if err != nil {
		return model.LogEntry{}, err
	}

	rt, err := strconv.ParseFloat(m[2], 64)
	if err != nil {
		return model.LogEntry{}, err
	}

	return model.LogEntry{
		Timestamp: ts,
		Level:     model.LevelInfo,
		Message:   line,
		Metrics:   map[string]float64{model.MetricResponseTime: rt},
	}, nil
}
