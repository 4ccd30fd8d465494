// Package ringbuf provides a fixed-capacity single-producer/single-consumer
// circular buffer for audio samples.
//
// One goroutine may write and one other goroutine may read concurrently without
// locks. The cursors are monotonically increasing atomics: the producer stores
// the write cursor after copying samples in, and the consumer loads it before
// copying samples out, which orders the sample copy between the two sides.
// No method allocates after New.
package ringbuf

import (
	"sync/atomic"

	"github.com/tphakala/nnbridge/internal/errors"
)

// Sample is the set of element types the buffer carries.
type Sample interface {
	~float32 | ~float64 | ~int16 | ~int32
}

// RingBuffer is a fixed-capacity SPSC circular buffer.
type RingBuffer[T Sample] struct {
	data     []T
	capacity uint64

	writePos atomic.Uint64 // advanced by the producer only
	readPos  atomic.Uint64 // advanced by the consumer only

	overruns  atomic.Uint64 // samples refused by Write
	underruns atomic.Uint64 // samples zero-filled by ReadFull
}

// New creates a ring buffer holding up to capacity samples.
func New[T Sample](capacity int) (*RingBuffer[T], error) {
	if capacity <= 0 {
		return nil, errors.Newf("invalid ring buffer capacity: %d", capacity).
			Component("ringbuf").
			Category(errors.CategoryValidation).
			Build()
	}
	return &RingBuffer[T]{
		data:     make([]T, capacity),
		capacity: uint64(capacity),
	}, nil
}

// Capacity returns the maximum number of samples the buffer holds.
func (rb *RingBuffer[T]) Capacity() int {
	return int(rb.capacity)
}

// AvailableToRead returns the number of unread samples. From a goroutine
// other than the producer or consumer the result is a snapshot within
// [0, Capacity].
func (rb *RingBuffer[T]) AvailableToRead() int {
	return int(rb.fill())
}

// AvailableToWrite returns the free space in samples.
func (rb *RingBuffer[T]) AvailableToWrite() int {
	return int(rb.capacity - rb.fill())
}

// fill loads the read cursor first: it only grows towards the write cursor,
// so the difference cannot wrap. A third goroutine may still see the writer
// move more than a capacity past a stale read cursor, hence the clamp.
func (rb *RingBuffer[T]) fill() uint64 {
	r := rb.readPos.Load()
	w := rb.writePos.Load()
	return min(w-r, rb.capacity)
}

// Write copies as much of p as fits and returns the number of samples written.
// It never overwrites unread data; refused samples are added to Overruns.
// Producer side only.
func (rb *RingBuffer[T]) Write(p []T) int {
	if len(p) == 0 {
		return 0
	}
	w := rb.writePos.Load()
	free := rb.capacity - (w - rb.readPos.Load())

	n := uint64(len(p))
	if n > free {
		rb.overruns.Add(n - free)
		n = free
	}
	if n == 0 {
		return 0
	}

	start := w % rb.capacity
	first := min(n, rb.capacity-start)
	copy(rb.data[start:start+first], p[:first])
	copy(rb.data[:n-first], p[first:n])

	rb.writePos.Store(w + n)
	return int(n)
}

// Read copies up to len(dst) unread samples into dst and returns the count.
// Consumer side only.
func (rb *RingBuffer[T]) Read(dst []T) int {
	if len(dst) == 0 {
		return 0
	}
	r := rb.readPos.Load()
	avail := rb.writePos.Load() - r

	n := min(uint64(len(dst)), avail)
	if n == 0 {
		return 0
	}

	start := r % rb.capacity
	first := min(n, rb.capacity-start)
	copy(dst[:first], rb.data[start:start+first])
	copy(dst[first:n], rb.data[:n-first])

	rb.readPos.Store(r + n)
	return int(n)
}

// ReadFull fills dst completely: it reads what is available and zero-fills the
// remainder, counting zero-filled samples as underrun. It returns the number of
// samples actually read. Consumer side only.
func (rb *RingBuffer[T]) ReadFull(dst []T) int {
	n := rb.Read(dst)
	if missing := len(dst) - n; missing > 0 {
		clear(dst[n:])
		rb.underruns.Add(uint64(missing))
	}
	return n
}

// Discard drops up to n unread samples and returns how many were dropped.
// Consumer side only.
func (rb *RingBuffer[T]) Discard(n int) int {
	if n <= 0 {
		return 0
	}
	r := rb.readPos.Load()
	drop := min(uint64(n), rb.writePos.Load()-r)
	rb.readPos.Store(r + drop)
	return int(drop)
}

// Overruns returns the total number of samples refused by Write.
func (rb *RingBuffer[T]) Overruns() uint64 {
	return rb.overruns.Load()
}

// Underruns returns the total number of samples zero-filled by ReadFull.
func (rb *RingBuffer[T]) Underruns() uint64 {
	return rb.underruns.Load()
}

// Reset empties the buffer and clears the counters. It must not run
// concurrently with Write or Read.
func (rb *RingBuffer[T]) Reset() {
	rb.writePos.Store(0)
	rb.readPos.Store(0)
	rb.overruns.Store(0)
	rb.underruns.Store(0)
	clear(rb.data)
}
