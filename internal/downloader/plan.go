package downloader

import (
	"fmt"

	"github.com/italolelis/segment_downloader/internal/storage"
)

// Plan splits [0, fileSize) into segmentCount contiguous ranges of equal size; the
// last range absorbs the remainder. Thread ids are the 0-based segment index.
// More segments than bytes are clamped so no segment is empty.
func Plan(url string, fileSize int64, segmentCount int) ([]storage.SegmentRecord, error) {
	if fileSize <= 0 {
		return nil, fmt.Errorf("%w: file size must be positive, got %d", ErrInvalidRequest, fileSize)
	}

	if segmentCount <= 0 {
		return nil, fmt.Errorf("%w: segment count must be positive, got %d", ErrInvalidRequest, segmentCount)
	}

	if int64(segmentCount) > fileSize {
		segmentCount = int(fileSize)
	}

	size := fileSize / int64(segmentCount)
	records := make([]storage.SegmentRecord, 0, segmentCount)

	for i := 0; i < segmentCount; i++ {
		start := int64(i) * size
		end := start + size - 1

		if i == segmentCount-1 {
			end = fileSize - 1
		}

		records = append(records, storage.SegmentRecord{
			URL:      url,
			ThreadID: i,
			StartPos: start,
			EndPos:   end,
		})
	}

	return records, nil
}

// checkPartition verifies that sorted segments cover [0, fileSize) without gaps or
// overlaps and that no checkpoint exceeds its segment.
func checkPartition(segments []storage.SegmentRecord, fileSize int64) error {
	if len(segments) == 0 {
		return fmt.Errorf("%w: no segments", storage.ErrCorruptState)
	}

	var next int64

	seen := make(map[int]struct{}, len(segments))

	for _, seg := range segments {
		if _, dup := seen[seg.ThreadID]; dup {
			return fmt.Errorf("%w: duplicate thread id %d", storage.ErrCorruptState, seg.ThreadID)
		}

		seen[seg.ThreadID] = struct{}{}

		if seg.StartPos != next || seg.EndPos < seg.StartPos {
			return fmt.Errorf("%w: segment %d covers [%d,%d], expected start %d",
				storage.ErrCorruptState, seg.ThreadID, seg.StartPos, seg.EndPos, next)
		}

		if seg.CompleteSize < 0 || seg.CompleteSize > seg.Length() {
			return fmt.Errorf("%w: segment %d reports %d of %d bytes",
				storage.ErrCorruptState, seg.ThreadID, seg.CompleteSize, seg.Length())
		}

		next = seg.EndPos + 1
	}

	if next != fileSize {
		return fmt.Errorf("%w: segments end at %d, file size is %d", storage.ErrCorruptState, next, fileSize)
	}

	return nil
}
