package coordinator

import (
	"bufio"
	"fmt"
	"io"
	"os"
)

// scanEntryBoundaries returns the byte offsets at which log entries
// start, excluding offset 0. Entries are newline-delimited; the split
// uses these offsets so no cut point ever lands inside an entry.
func scanEntryBoundaries(r io.Reader) ([]int64, error) {
	br := bufio.NewReader(r)

	var boundaries []int64
	var offset int64
	for {
		line, err := br.ReadBytes('\n')
		offset += int64(len(line))
		if err == io.EOF {
			return boundaries, nil
		}
		if err != nil {
			return nil, err
		}
		boundaries = append(boundaries, offset)
	}
}

// inspectSource stats and scans a log source file.
func inspectSource(path string) (length int64, boundaries []int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to open source: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, nil, fmt.Errorf("failed to stat source: %w", err)
	}

	boundaries, err = scanEntryBoundaries(f)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to scan entry boundaries: %w", err)
	}
	return info.Size(), boundaries, nil
}
