package scheduler

import (
	"fmt"
	"sort"
)

// SplitRanges partitions [0, sourceLength) into at most targetChunks
// contiguous ranges. Each naive cut point is snapped to the nearest
// entry boundary at or after it, so no log entry is ever split across
// two chunks. boundaries holds the byte offsets at which an entry
// starts (exclusive of offset 0); offsets outside (0, sourceLength)
// are ignored.
//
// The returned ranges exactly cover the source: no gaps, no overlaps.
func SplitRanges(sourceLength int64, boundaries []int64, targetChunks int) ([][2]int64, error) {
	if sourceLength <= 0 {
		return nil, fmt.Errorf("%w: source length %d", ErrInvalidSplit, sourceLength)
	}
	if targetChunks <= 0 {
		return nil, fmt.Errorf("%w: target chunk count %d", ErrInvalidSplit, targetChunks)
	}

	valid := make([]int64, 0, len(boundaries))
	for _, b := range boundaries {
		if b > 0 && b < sourceLength {
			valid = append(valid, b)
		}
	}
	sort.Slice(valid, func(i, j int) bool { return valid[i] < valid[j] })

	cuts := []int64{0}
	for i := 1; i < targetChunks; i++ {
		naive := sourceLength * int64(i) / int64(targetChunks)
		snapped, ok := snapToBoundary(naive, valid)
		if !ok || snapped <= cuts[len(cuts)-1] || snapped >= sourceLength {
			// No entry boundary at or after the naive cut point, or
			// the snap collapsed into the previous cut; fold the
			// remainder into the current chunk instead of splitting
			// mid-entry.
			continue
		}
		cuts = append(cuts, snapped)
	}
	cuts = append(cuts, sourceLength)

	ranges := make([][2]int64, 0, len(cuts)-1)
	for i := 0; i+1 < len(cuts); i++ {
		ranges = append(ranges, [2]int64{cuts[i], cuts[i+1]})
	}
	return ranges, nil
}

// snapToBoundary returns the smallest boundary >= cut. boundaries must
// be sorted.
func snapToBoundary(cut int64, boundaries []int64) (int64, bool) {
	i := sort.Search(len(boundaries), func(i int) bool { return boundaries[i] >= cut })
	if i == len(boundaries) {
		return 0, false
	}
	return boundaries[i], true
}
