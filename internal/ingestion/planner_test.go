package ingestion

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanChunksCoverage(t *testing.T) {
	for _, chunkSize := range []int64{1, 3, 7, 64, 1000} {
		for total := int64(1); total <= 300; total++ {
			chunks, err := PlanChunks(total, chunkSize)
			require.NoError(t, err)

			var sum int64
			next := int64(0)
			for i, c := range chunks {
				assert.Equal(t, i+1, c.Index)
				assert.Equal(t, next, c.Start, "total=%d size=%d chunk=%d", total, chunkSize, i)
				assert.LessOrEqual(t, c.Start, c.End)
				sum += c.Size()
				next = c.End + 1
			}
			assert.Equal(t, total, sum)
			assert.Equal(t, total-1, chunks[len(chunks)-1].End)
		}
	}
}

func TestPlanChunksScenario(t *testing.T) {
	chunks, err := PlanChunks(45<<20, DefaultChunkSize)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Equal(t, int64(20<<20), chunks[0].Size())
	assert.Equal(t, int64(20<<20), chunks[1].Size())
	assert.Equal(t, int64(5<<20), chunks[2].Size())
}

func TestPlanChunksSingleChunk(t *testing.T) {
	chunks, err := PlanChunks(100, 100)
	require.NoError(t, err)
	assert.Equal(t, []ChunkPlan{{Index: 1, Start: 0, End: 99}}, chunks)

	chunks, err = PlanChunks(10, 100)
	require.NoError(t, err)
	assert.Equal(t, []ChunkPlan{{Index: 1, Start: 0, End: 9}}, chunks)
}

func TestPlanChunksRejectsInvalidInput(t *testing.T) {
	_, err := PlanChunks(0, 10)
	assert.Error(t, err)
	_, err = PlanChunks(10, 0)
	assert.Error(t, err)
	_, err = PlanChunks(10001, 1)
	assert.Error(t, err)
}

func TestObjectKeyUsesReferenceTimezone(t *testing.T) {
	shanghai, err := time.LoadLocation("Asia/Shanghai")
	require.NoError(t, err)

	// 2024-03-01 17:30 UTC is already 2 March in Shanghai.
	published := time.Date(2024, 3, 1, 17, 30, 0, 0, time.UTC)
	key := ObjectKey("singer-7", published, shanghai, "BV1ok", 2, "m4a")
	assert.Equal(t, "audio/singer-7/2024/03/02/BV1ok/2.m4a", key)

	again := ObjectKey("singer-7", published.In(time.FixedZone("PST", -8*3600)), shanghai, "BV1ok", 2, "m4a")
	assert.Equal(t, key, again)
}
