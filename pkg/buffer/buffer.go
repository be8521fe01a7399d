package buffer

import (
	"sync"

	"go.uber.org/zap"
)

// RingBuffer is a thread-safe generic circular buffer.
// When full, Add overwrites the oldest entry and counts it as dropped.
type RingBuffer[T any] struct {
	mu       sync.RWMutex
	data     []T
	capacity int
	size     int
	head     int
	dropped  uint64
	logger   *zap.Logger
}

// New creates a new RingBuffer with the specified capacity
func New[T any](capacity int, logger *zap.Logger) *RingBuffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer[T]{
		data:     make([]T, capacity),
		capacity: capacity,
		logger:   logger,
	}
}

// Add inserts a new item into the buffer
func (rb *RingBuffer[T]) Add(item T) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.addLocked(item)
}

// Requeue puts items back ahead of anything added since they were taken,
// typically after a failed export. When the total exceeds capacity the
// oldest requeued items are dropped first.
func (rb *RingBuffer[T]) Requeue(items []T) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if len(items) == 0 {
		return
	}

	newer := rb.drainLocked()
	for _, item := range items {
		rb.addLocked(item)
	}
	for _, item := range newer {
		rb.addLocked(item)
	}
}

func (rb *RingBuffer[T]) addLocked(item T) {
	if rb.size == rb.capacity {
		rb.dropped++
		rb.logger.Warn("ring buffer full, overwriting oldest entry",
			zap.Int("capacity", rb.capacity),
			zap.Uint64("dropped_total", rb.dropped))
	}

	rb.data[rb.head] = item
	rb.head = (rb.head + 1) % rb.capacity

	if rb.size < rb.capacity {
		rb.size++
	}
}

// GetAllAndClear atomically retrieves all buffered items, oldest first, and clears the buffer
func (rb *RingBuffer[T]) GetAllAndClear() []T {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.drainLocked()
}

func (rb *RingBuffer[T]) drainLocked() []T {
	if rb.size == 0 {
		return nil
	}

	results := make([]T, rb.size)
	start := (rb.head - rb.size + rb.capacity) % rb.capacity
	for i := 0; i < rb.size; i++ {
		results[i] = rb.data[(start+i)%rb.capacity]
	}

	var zero T
	for i := range rb.data {
		rb.data[i] = zero
	}
	rb.size = 0
	rb.head = 0

	return results
}

// Size returns the current number of entries in the buffer
func (rb *RingBuffer[T]) Size() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.size
}

// Capacity returns the maximum capacity of the buffer
func (rb *RingBuffer[T]) Capacity() int {
	return rb.capacity
}

// Dropped returns how many entries were overwritten before being consumed
func (rb *RingBuffer[T]) Dropped() uint64 {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.dropped
}
