package cmdaction

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/DroneLeaf/petal-app-manager/internal/logging"
	"github.com/DroneLeaf/petal-app-manager/internal/mqttproxy"
)

// fakeIdentityProxy lets tests control IdentityKnown without spinning up a
// real mqttproxy.Proxy.
type fakeIdentityProxy struct {
	known bool
}

func (f fakeIdentityProxy) IdentityKnown() bool        { return f.known }
func (f fakeIdentityProxy) Bridge() *mqttproxy.Bridge { return nil }

func newTestDispatcher() *Dispatcher {
	return NewDispatcher(nil, fakeIdentityProxy{known: true}, logging.NewManager(1000, logging.LevelDebug, nil))
}

func commandCmd(t *testing.T, messageID, command string, waitResponse bool) mqttproxy.IncomingCommand {
	t.Helper()
	payload, err := json.Marshal(map[string]interface{}{
		"command":      command,
		"waitResponse": waitResponse,
	})
	assert.NoError(t, err)
	return mqttproxy.IncomingCommand{MessageID: messageID, Payload: payload}
}

func TestDispatchRoutesByPetalAndSuffixKey(t *testing.T) {
	d := newTestDispatcher()
	called := false
	d.Register("petal-example", []Action{{
		CommandSuffix: "reboot",
		Handler: func(ctx context.Context, cmd mqttproxy.IncomingCommand) (interface{}, error) {
			called = true
			return "ok", nil
		},
	}})

	d.dispatch(context.Background(), commandCmd(t, "m1", "petal-example/reboot", false))
	assert.True(t, called)
}

func TestDispatchIgnoresSameSuffixFromDifferentPetal(t *testing.T) {
	d := newTestDispatcher()
	calledA, calledB := false, false
	d.Register("petal-a", []Action{{
		CommandSuffix: "reboot",
		Handler: func(ctx context.Context, cmd mqttproxy.IncomingCommand) (interface{}, error) {
			calledA = true
			return nil, nil
		},
	}})
	d.Register("petal-b", []Action{{
		CommandSuffix: "reboot",
		Handler: func(ctx context.Context, cmd mqttproxy.IncomingCommand) (interface{}, error) {
			calledB = true
			return nil, nil
		},
	}})

	d.dispatch(context.Background(), commandCmd(t, "m1", "petal-b/reboot", false))
	assert.False(t, calledA)
	assert.True(t, calledB)
}

func TestDispatchSkipsWhenIdentityUnknown(t *testing.T) {
	d := NewDispatcher(nil, fakeIdentityProxy{known: false}, logging.NewManager(1000, logging.LevelDebug, nil))
	called := false
	d.Register("petal-example", []Action{{
		CommandSuffix: "reboot",
		Handler: func(ctx context.Context, cmd mqttproxy.IncomingCommand) (interface{}, error) {
			called = true
			return nil, nil
		},
	}})

	d.dispatch(context.Background(), commandCmd(t, "m1", "petal-example/reboot", false))
	assert.False(t, called)
}

func TestRegisterReplacesPriorActionsForSamePetal(t *testing.T) {
	d := newTestDispatcher()
	d.Register("petal-example", []Action{{CommandSuffix: "old"}})
	d.Register("petal-example", []Action{{CommandSuffix: "new"}})

	assert.Len(t, d.petals, 1)
	assert.Equal(t, "new", d.petals[0].actions[0].CommandSuffix)
	_, _, ok := d.find("petal-example/old")
	assert.False(t, ok)
}

func TestHandlerPanicRecoveredAsError(t *testing.T) {
	d := newTestDispatcher()
	d.Register("petal-example", []Action{{
		CommandSuffix: "boom",
		Handler: func(ctx context.Context, cmd mqttproxy.IncomingCommand) (interface{}, error) {
			panic("kaboom")
		},
	}})

	done := make(chan struct{})
	go func() {
		d.dispatch(context.Background(), commandCmd(t, "m2", "petal-example/boom", false))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatch did not return after handler panic")
	}
}
