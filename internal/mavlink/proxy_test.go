package mavlink

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/DroneLeaf/petal-app-manager/internal/logging"
)

func TestNewProxyStartsPendingWithHandlerRegistry(t *testing.T) {
	p := New(Config{
		Endpoint:      "udp:127.0.0.1:0",
		WorkerThreads: 2,
		RetryInterval: time.Millisecond,
	}, logging.NewManager(1000, logging.LevelDebug, nil))

	assert.Equal(t, "mavlink", p.Name())
	assert.Equal(t, "pending", string(p.Health().Status))
	assert.NotNil(t, p.Handlers())
}

func TestBuildShellSerialControlMsgsChunks(t *testing.T) {
	msgs := BuildShellSerialControlMsgs(1, 1, "status")
	assert.Len(t, msgs, 1)
	assert.Equal(t, uint8(len("status")+1), msgs[0].Count)
}

func TestBuildRequestMessageCommand(t *testing.T) {
	cmd := BuildRequestMessageCommand(1, 1, 30, 50000)
	assert.Equal(t, float32(30), cmd.Param1)
	assert.Equal(t, float32(50000), cmd.Param2)
}
