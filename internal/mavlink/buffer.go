package mavlink

import (
	"sync"

	"github.com/DroneLeaf/petal-app-manager/pkg/mavlinkwire"
)

// Buffer is the bounded FIFO of decoded inbound frames sitting between the
// I/O thread (producer) and the worker pool (consumers). On overflow it
// drops the newest frame and increments a counter — stale frames after a
// stall are worth less than continuing to receive recent telemetry.
type Buffer struct {
	mu       sync.Mutex
	notEmpty chan struct{}
	items    []mavlinkwire.Frame
	cap      int
	dropped  uint64
}

// NewBuffer creates a buffer bounded to capacity frames.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 10000
	}
	return &Buffer{
		items:    make([]mavlinkwire.Frame, 0, capacity),
		cap:      capacity,
		notEmpty: make(chan struct{}, 1),
	}
}

// Push enqueues a frame. If the buffer is at capacity, the new frame is
// dropped (not the oldest) and Dropped() increments.
func (b *Buffer) Push(f mavlinkwire.Frame) {
	b.mu.Lock()
	if len(b.items) >= b.cap {
		b.dropped++
		b.mu.Unlock()
		return
	}
	b.items = append(b.items, f)
	b.mu.Unlock()

	select {
	case b.notEmpty <- struct{}{}:
	default:
	}
}

// Pop removes and returns the oldest frame, blocking on done if empty.
func (b *Buffer) Pop(done <-chan struct{}) (mavlinkwire.Frame, bool) {
	for {
		b.mu.Lock()
		if len(b.items) > 0 {
			f := b.items[0]
			b.items = b.items[1:]
			b.mu.Unlock()
			return f, true
		}
		b.mu.Unlock()

		select {
		case <-done:
			return mavlinkwire.Frame{}, false
		case <-b.notEmpty:
		}
	}
}

// Depth returns the current number of buffered frames.
func (b *Buffer) Depth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Dropped returns the cumulative number of frames dropped for being over
// capacity.
func (b *Buffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Capacity returns the configured bound.
func (b *Buffer) Capacity() int { return b.cap }
