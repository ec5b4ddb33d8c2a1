// Package sensorbuffer implements the timestamped sample buffers shared between sensor producers
// and the acquisition pipelines.
package sensorbuffer

import (
	"sort"
	"sync"
)

// DefaultCapacity is the number of samples kept when no capacity is configured.
const DefaultCapacity = 1000

// Stamped is a sample with a timestamp.
type Stamped interface {
	Stamp() uint64
}

// Buffer is a bounded ring of samples ordered by timestamp. It is safe for concurrent use.
type Buffer[T Stamped] struct {
	mu      sync.RWMutex
	items   []T
	head    int
	size    int
	updated chan struct{}
}

// NewBuffer returns an empty buffer holding at most capacity samples.
func NewBuffer[T Stamped](capacity int) *Buffer[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer[T]{items: make([]T, capacity), updated: make(chan struct{})}
}

// Push appends a sample, evicting the oldest one when full. A sample with the same timestamp as
// the newest replaces it. Samples older than the newest are rejected.
func (b *Buffer[T]) Push(v T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size > 0 {
		newest := b.at(b.size - 1)
		switch {
		case v.Stamp() < newest.Stamp():
			return false
		case v.Stamp() == newest.Stamp():
			b.items[(b.head+b.size-1)%len(b.items)] = v
			b.notifyLocked()
			return true
		}
	}
	if b.size == len(b.items) {
		b.items[b.head] = v
		b.head = (b.head + 1) % len(b.items)
	} else {
		b.items[(b.head+b.size)%len(b.items)] = v
		b.size++
	}
	b.notifyLocked()
	return true
}

// notifyLocked wakes every waiter on Updated.
func (b *Buffer[T]) notifyLocked() {
	close(b.updated)
	b.updated = make(chan struct{})
}

// Updated returns a channel that is closed on the next successful Push.
func (b *Buffer[T]) Updated() <-chan struct{} {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.updated
}

func (b *Buffer[T]) at(i int) T {
	return b.items[(b.head+i)%len(b.items)]
}

// Len returns the number of samples held.
func (b *Buffer[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Empty reports whether the buffer holds no samples.
func (b *Buffer[T]) Empty() bool {
	return b.Len() == 0
}

// Current returns the most recent sample.
func (b *Buffer[T]) Current() (T, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.size == 0 {
		var zero T
		return zero, false
	}
	return b.at(b.size - 1), true
}

// Oldest returns the oldest sample still held.
func (b *Buffer[T]) Oldest() (T, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.size == 0 {
		var zero T
		return zero, false
	}
	return b.at(0), true
}

// search returns the index of the first sample with a timestamp >= ts.
func (b *Buffer[T]) search(ts uint64) int {
	return sort.Search(b.size, func(i int) bool { return b.at(i).Stamp() >= ts })
}

// Find returns the sample with exactly the given timestamp.
func (b *Buffer[T]) Find(ts uint64) (T, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	i := b.search(ts)
	if i < b.size && b.at(i).Stamp() == ts {
		return b.at(i), true
	}
	var zero T
	return zero, false
}

// Straddle returns the samples immediately before and after ts, so that
// before.Stamp() <= ts <= after.Stamp(). An exact match is returned as both.
func (b *Buffer[T]) Straddle(ts uint64) (before, after T, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	i := b.search(ts)
	if i == b.size {
		return before, after, false
	}
	if b.at(i).Stamp() == ts {
		return b.at(i), b.at(i), true
	}
	if i == 0 {
		return before, after, false
	}
	return b.at(i - 1), b.at(i), true
}

// Snapshot returns a copy of every sample, oldest first.
func (b *Buffer[T]) Snapshot() []T {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]T, b.size)
	for i := range out {
		out[i] = b.at(i)
	}
	return out
}
