package mavlink

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/DroneLeaf/petal-app-manager/pkg/mavlinkwire"
)

func TestDispatchRunsSpecificThenWildcardInOrder(t *testing.T) {
	r := NewHandlerRegistry()
	var order []string

	r.Register("0", func(mavlinkwire.Frame) { order = append(order, "first") })
	r.Register("0", func(mavlinkwire.Frame) { order = append(order, "second") })
	r.Register(WildcardMessageID, func(mavlinkwire.Frame) { order = append(order, "wildcard") })

	r.Dispatch(mavlinkwire.Frame{MessageID: 0})

	assert.Equal(t, []string{"first", "second", "wildcard"}, order)
}

func TestUnregisterIsNoOpSafe(t *testing.T) {
	r := NewHandlerRegistry()
	id := r.Register("0", func(mavlinkwire.Frame) {})
	r.Unregister(id)
	r.Unregister(id) // second call must not panic

	called := false
	r.Register("0", func(mavlinkwire.Frame) { called = true })
	r.Dispatch(mavlinkwire.Frame{MessageID: 0})
	assert.True(t, called)
}

func TestDispatchSkipsOtherMessageIDs(t *testing.T) {
	r := NewHandlerRegistry()
	called := false
	r.Register("1", func(mavlinkwire.Frame) { called = true })
	r.Dispatch(mavlinkwire.Frame{MessageID: 2})
	assert.False(t, called)
}
