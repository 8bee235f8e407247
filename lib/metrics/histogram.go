package metrics

import (
	"math"
	"sync"
)

// ----------------------------------------------------------------------------
// ChunkHistogram
// ----------------------------------------------------------------------------

// chunkBoundaries are the upper bounds of the buckets, exponential from 16 B to 4 MB.
// Anything larger ends up in the overflow bucket.
var chunkBoundaries = []int{
	16, 64, 256, 1024, 4096, // bytes
	16384, 65536, 262144, // default receive/send buffers live here
	1048576, 4194304,
}

// ChunkHistogram tracks the size distribution of the chunks moved by single
// receive and send operations. It keeps counts per bucket only, so it can stay
// attached to a busy engine without growing.
type ChunkHistogram struct {
	mutex   sync.RWMutex
	buckets []int64
	count   int64
	sum     int64
	max     int
}

// NewChunkHistogram creates an empty histogram
func NewChunkHistogram() *ChunkHistogram {
	return &ChunkHistogram{
		buckets: make([]int64, len(chunkBoundaries)+1),
	}
}

// AddSample records one transfer of size bytes
//
// Thread-safe: This method is safe for concurrent use
func (h *ChunkHistogram) AddSample(size int) {
	idx := len(chunkBoundaries)
	for i, boundary := range chunkBoundaries {
		if size <= boundary {
			idx = i
			break
		}
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.buckets[idx]++
	h.count++
	h.sum += int64(size)
	if size > h.max {
		h.max = size
	}
}

// Count returns the total number of samples
func (h *ChunkHistogram) Count() int64 {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.count
}

// Max returns the largest sample seen so far
func (h *ChunkHistogram) Max() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.max
}

// Average returns the mean sample size
func (h *ChunkHistogram) Average() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if h.count == 0 {
		return 0
	}
	return int(h.sum / h.count)
}

// Percentile estimates the given percentile (0-100) from the bucket counts.
// The estimate is the midpoint of the bucket that contains the percentile.
func (h *ChunkHistogram) Percentile(percentile int) int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if h.count == 0 || percentile < 0 || percentile > 100 {
		return 0
	}

	target := int64(math.Ceil(float64(h.count) * float64(percentile) / 100.0))
	if target == 0 {
		target = 1
	}

	var cumulative int64
	for i, n := range h.buckets {
		cumulative += n
		if cumulative < target {
			continue
		}
		switch {
		case i == 0:
			return chunkBoundaries[0] / 2
		case i < len(chunkBoundaries):
			return (chunkBoundaries[i-1] + chunkBoundaries[i]) / 2
		default:
			// overflow bucket, the real maximum is the best bound we have
			return h.max
		}
	}
	return int(h.sum / h.count)
}

// Reset clears all samples
func (h *ChunkHistogram) Reset() {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	for i := range h.buckets {
		h.buckets[i] = 0
	}
	h.count = 0
	h.sum = 0
	h.max = 0
}
