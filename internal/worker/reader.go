package worker

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/t77yq/logflow/internal/logparse"
	"github.com/t77yq/logflow/internal/model"
)

// readChunk parses the log entries in the byte range [start, end) of
// path. Chunk boundaries always fall on entry boundaries, so the range
// holds whole lines. Lines that match no known format are counted, not
// returned.
func readChunk(path string, start, end int64) ([]model.LogEntry, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open chunk source: %w", err)
	}
	defer f.Close()

	var entries []model.LogEntry
	var malformed int64

	scanner := bufio.NewScanner(io.NewSectionReader(f, start, end-start))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		entry, err := logparse.Parse(line)
		if err != nil {
			if errors.Is(err, logparse.ErrMalformedEntry) {
				malformed++
				continue
			}
			return nil, malformed, err
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, malformed, fmt.Errorf("failed to scan chunk: %w", err)
	}
	return entries, malformed, nil
}
