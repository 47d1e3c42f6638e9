package mqttproxy

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DroneLeaf/petal-app-manager/internal/logging"
	"github.com/DroneLeaf/petal-app-manager/internal/proxy"
)

// fakeIdentitySource returns an error until attempts reaches wantAttempts,
// simulating identity only becoming available after a few poll cycles.
type fakeIdentitySource struct {
	attempts     atomic.Int32
	wantAttempts int32
	orgID        string
	deviceID     string
}

func (f *fakeIdentitySource) Identity(ctx context.Context) (string, string, error) {
	n := f.attempts.Add(1)
	if n < f.wantAttempts {
		return "", "", fmt.Errorf("identity not yet assigned")
	}
	return f.orgID, f.deviceID, nil
}

func TestProxyStaysPendingUntilIdentityResolves(t *testing.T) {
	identity := &fakeIdentitySource{wantAttempts: 3, orgID: "acme", deviceID: "drone-1"}
	p := New(Config{
		ListenAddr:           "127.0.0.1:0",
		IdentityPollInterval: 5 * time.Millisecond,
	}, logging.NewManager(1000, logging.LevelDebug, nil), identity, func(IncomingCommand) {})

	assert.False(t, p.IdentityKnown())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Start(ctx))

	require.Eventually(t, p.IdentityKnown, time.Second, 2*time.Millisecond)
	assert.Equal(t, proxy.StatusHealthy, p.Health().Status)
	assert.Equal(t, "org/acme/device/drone-1/commands", p.Topic("commands"))

	require.NoError(t, p.Stop(ctx))
}

func TestProxyReportsPendingStatusWhileIdentityUnresolved(t *testing.T) {
	identity := &fakeIdentitySource{wantAttempts: 1000}
	p := New(Config{
		ListenAddr:           "127.0.0.1:0",
		IdentityPollInterval: 5 * time.Millisecond,
	}, logging.NewManager(1000, logging.LevelDebug, nil), identity, func(IncomingCommand) {})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Start(ctx))

	require.Eventually(t, func() bool {
		return identity.attempts.Load() >= 2
	}, time.Second, 2*time.Millisecond)

	assert.False(t, p.IdentityKnown())
	assert.Equal(t, proxy.StatusPending, p.Health().Status)
}
