package quality

import "sync"

// sampleRing provides thread-safe storage for samples with a fixed capacity.
type sampleRing struct {
	mu       sync.RWMutex
	data     []Sample
	capacity int
	size     int
	head     int // next write position
	tail     int // oldest element
}

func newSampleRing(capacity int) *sampleRing {
	return &sampleRing{
		data:     make([]Sample, capacity),
		capacity: capacity,
	}
}

// Add appends a sample, evicting the oldest when full.
func (r *sampleRing) Add(s Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.data[r.head] = s
	r.head = (r.head + 1) % r.capacity

	if r.size < r.capacity {
		r.size++
	} else {
		r.tail = (r.tail + 1) % r.capacity
	}
}

// Recent returns the most recent n samples, newest first.
func (r *sampleRing) Recent(n int) []Sample {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n > r.size {
		n = r.size
	}

	result := make([]Sample, n)
	pos := (r.head - 1 + r.capacity) % r.capacity
	for i := 0; i < n; i++ {
		result[i] = r.data[pos]
		pos = (pos - 1 + r.capacity) % r.capacity
	}
	return result
}

// Size returns the number of stored samples.
func (r *sampleRing) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Clear empties the ring.
func (r *sampleRing) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.size = 0
	r.head = 0
	r.tail = 0
}
