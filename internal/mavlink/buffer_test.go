package mavlink

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/DroneLeaf/petal-app-manager/pkg/mavlinkwire"
)

func TestBufferDropsNewestOnOverflow(t *testing.T) {
	b := NewBuffer(2)
	b.Push(mavlinkwire.Frame{MessageID: 1})
	b.Push(mavlinkwire.Frame{MessageID: 2})
	b.Push(mavlinkwire.Frame{MessageID: 3})

	assert.Equal(t, 2, b.Depth())
	assert.Equal(t, uint64(1), b.Dropped())

	done := make(chan struct{})
	f, ok := b.Pop(done)
	assert.True(t, ok)
	assert.Equal(t, uint32(1), f.MessageID)
}

func TestBufferPopBlocksUntilDone(t *testing.T) {
	b := NewBuffer(4)
	done := make(chan struct{})
	close(done)
	_, ok := b.Pop(done)
	assert.False(t, ok)
}

func TestBufferDefaultCapacity(t *testing.T) {
	b := NewBuffer(0)
	assert.Equal(t, 10000, b.Capacity())
}
