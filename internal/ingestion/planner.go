package ingestion

import (
	"fmt"
	"time"
)

const (
	// DefaultChunkSize keeps parts well above the 5 MiB multipart minimum.
	DefaultChunkSize int64 = 20 << 20
	maxParts               = 10000
)

// PlanChunks splits [0, total-1] into contiguous ranges of chunkSize bytes;
// the last range ends exactly at total-1. Part indexes start at 1.
func PlanChunks(total, chunkSize int64) ([]ChunkPlan, error) {
	if total <= 0 {
		return nil, fmt.Errorf("plan chunks: total length must be positive, got %d", total)
	}
	if chunkSize <= 0 {
		return nil, fmt.Errorf("plan chunks: chunk size must be positive, got %d", chunkSize)
	}

	count := (total + chunkSize - 1) / chunkSize
	if count > maxParts {
		return nil, fmt.Errorf("plan chunks: %d parts exceeds the multipart limit of %d", count, maxParts)
	}

	chunks := make([]ChunkPlan, 0, count)
	for i := int64(0); i < count; i++ {
		chunks = append(chunks, ChunkPlan{
			Index: int(i) + 1,
			Start: i * chunkSize,
			End:   min((i+1)*chunkSize, total) - 1,
		})
	}
	return chunks, nil
}

// ObjectKey derives the destination key for one page. The publish date is
// rendered in loc so that every run computes the same key for the same page.
func ObjectKey(ownerID string, publishedAt time.Time, loc *time.Location, videoID string, page int, ext string) string {
	return fmt.Sprintf("audio/%s/%s/%s/%d.%s",
		ownerID,
		publishedAt.In(loc).Format("2006/01/02"),
		videoID,
		page,
		ext,
	)
}
