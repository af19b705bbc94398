package vardiff

import "errors"

// ErrEmptyBuffer is returned by Average when no samples have been recorded.
var ErrEmptyBuffer = errors.New("ring buffer is empty")

// RingBuffer stores the most recent share intervals (in seconds).
//
// Until the buffer fills for the first time it grows by append and averages
// over the number of samples actually collected. Once full it overwrites the
// oldest slot and averages over the full capacity.
type RingBuffer struct {
	data   []float64
	cursor int
	full   bool
}

// NewRingBuffer creates a ring buffer holding at most capacity samples.
// A capacity below 1 is raised to 1.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer{
		data: make([]float64, 0, capacity),
	}
}

// Append records a sample.
func (rb *RingBuffer) Append(v float64) {
	if rb.full {
		rb.data[rb.cursor] = v
		rb.cursor = (rb.cursor + 1) % cap(rb.data)
		return
	}

	rb.data = append(rb.data, v)
	rb.cursor++
	if len(rb.data) == cap(rb.data) {
		rb.cursor = 0
		rb.full = true
	}
}

// Average returns the arithmetic mean of the stored samples.
func (rb *RingBuffer) Average() (float64, error) {
	n := rb.Size()
	if n == 0 {
		return 0, ErrEmptyBuffer
	}
	var sum float64
	for _, v := range rb.data {
		sum += v
	}
	return sum / float64(n), nil
}

// Clear drops all samples and returns the buffer to filling mode.
func (rb *RingBuffer) Clear() {
	rb.data = rb.data[:0]
	rb.cursor = 0
	rb.full = false
}

// Size returns the number of samples the average is taken over.
func (rb *RingBuffer) Size() int {
	if rb.full {
		return cap(rb.data)
	}
	return rb.cursor
}

// Capacity returns the maximum number of samples.
func (rb *RingBuffer) Capacity() int {
	return cap(rb.data)
}

// Full reports whether the buffer has wrapped at least once since the last Clear.
func (rb *RingBuffer) Full() bool {
	return rb.full
}
