// Package samplebuf implements the bounded sample buffer described in
// §3/§4.2: a fixed-capacity store of register readings with upload-mode
// lockout and a configurable full-buffer policy.
package samplebuf

import (
	"fmt"
	"sync"

	"github.com/ecowatt/gateway/internal/compress"
)

// FullPolicy selects what happens when the buffer is full and a new sample
// arrives (§4.2).
type FullPolicy int

const (
	// Stop drops the newest sample when the buffer is full.
	Stop FullPolicy = iota
	// Circular overwrites the oldest sample (at writeIdx) when full.
	Circular
)

// Clamp bounds for buffer capacity (§4.2).
const (
	minCapacity = 5
	maxCapacity = 100
	margin      = 2
)

// Capacity computes cap = clamp(ceil(uploadMS/sampleMS) + margin, 5, 100).
func Capacity(uploadMS, sampleMS uint32) int {
	if sampleMS == 0 {
		sampleMS = 1
	}
	c := int((uploadMS + sampleMS - 1) / sampleMS)
	c += margin
	if c < minCapacity {
		c = minCapacity
	}
	if c > maxCapacity {
		c = maxCapacity
	}
	return c
}

// Buffer is the bounded store of RegisterReading values.
type Buffer struct {
	mu sync.Mutex

	policy   FullPolicy
	regCount int

	data     []compress.Reading
	writeIdx int
	count    int
	full     bool
	uploadLock bool
}

// New allocates a buffer with the given capacity, register count, and
// full-buffer policy. Reallocation (on interval change) zeros the buffer
// and resets count/writeIdx/full, per §4.2.
func New(capacity, regCount int, policy FullPolicy) *Buffer {
	return &Buffer{
		policy:   policy,
		regCount: regCount,
		data:     make([]compress.Reading, capacity),
	}
}

// Resize reallocates the buffer for a new capacity/register count,
// discarding any buffered samples (§4.2: "Reallocation zeros the buffer").
func (b *Buffer) Resize(capacity, regCount int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = make([]compress.Reading, capacity)
	b.regCount = regCount
	b.writeIdx = 0
	b.count = 0
	b.full = false
}

// ErrUploadLocked is returned (and the sample silently dropped, logged by
// the caller) when a write is attempted while the buffer is locked for
// upload, per §4.2.
var ErrUploadLocked = fmt.Errorf("samplebuf: buffer is locked for upload")

// ErrDroppedFull is returned when the buffer is full under Stop policy and
// the newest sample is dropped.
var ErrDroppedFull = fmt.Errorf("samplebuf: buffer full, sample dropped (stop policy)")

// Write appends reading to the buffer per the write path in §4.2: dropped
// silently if upload-locked, policy-dispatched if full, else appended at
// writeIdx with wraparound.
func (b *Buffer) Write(reading compress.Reading) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.uploadLock {
		return ErrUploadLocked
	}

	if b.full {
		switch b.policy {
		case Stop:
			return ErrDroppedFull
		case Circular:
			b.data[b.writeIdx] = reading
			b.writeIdx = (b.writeIdx + 1) % len(b.data)
			return nil
		}
	}

	b.data[b.writeIdx] = reading
	b.writeIdx = (b.writeIdx + 1) % len(b.data)
	b.count++
	if b.count == len(b.data) {
		b.full = true
	}
	return nil
}

// Count returns the number of buffered samples.
func (b *Buffer) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Lock sets upload_lock and returns a snapshot of the buffered readings in
// chronological order, per the "Read-for-upload path" of §4.2.
func (b *Buffer) Lock() (readings []compress.Reading, count int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.uploadLock = true
	count = b.count
	if count == 0 {
		return nil, 0
	}

	snapshot := make([]compress.Reading, count)
	start := (b.writeIdx - count + len(b.data)) % len(b.data)
	for i := 0; i < count; i++ {
		snapshot[i] = b.data[(start+i)%len(b.data)]
	}
	return snapshot, count
}

// Clear zeros count/writeIdx/full and releases upload_lock, called on a
// successful upload cycle (§4.2).
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.count = 0
	b.writeIdx = 0
	b.full = false
	b.uploadLock = false
}

// Unlock releases upload_lock without clearing the buffer, called when the
// upload cycle fails after Lock (§4.2, §7 "crypto errors ... release the
// upload lock but do not clear the buffer").
func (b *Buffer) Unlock() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.uploadLock = false
}

// IsFull reports the full flag.
func (b *Buffer) IsFull() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.full
}

// Capacity returns the buffer's current allocated size, for diagnostics and
// tests that assert a promoted interval change resized the buffer (§4.2).
func (b *Buffer) Capacity() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}
