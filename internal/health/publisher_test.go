package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/DroneLeaf/petal-app-manager/internal/logging"
	"github.com/DroneLeaf/petal-app-manager/internal/petal"
	"github.com/DroneLeaf/petal-app-manager/internal/proxy"
	"github.com/DroneLeaf/petal-app-manager/internal/redisproxy"
)

func TestSampleIncludesRegisteredProxies(t *testing.T) {
	reg := proxy.NewRegistry()
	reg.Register(&fakeProxy{BaseProxy: proxy.NewBaseProxy("mavlink"), name: "mavlink"}, nil)

	log := logging.NewManager(1000, logging.LevelDebug, nil)
	petals := petal.NewManager(log, reg, "petals")
	redis := redisproxy.New(redisproxy.Config{RetryInterval: time.Millisecond}, log)

	pub := NewPublisher(reg, petals, redis, log, time.Second)
	snap := pub.Sample()

	assert.Len(t, snap.Proxies, 1)
	assert.Equal(t, "mavlink", snap.Proxies[0].Name)
}

type fakeProxy struct {
	*proxy.BaseProxy
	name string
}

func (f *fakeProxy) Name() string                      { return f.name }
func (f *fakeProxy) Start(ctx context.Context) error    { return nil }
func (f *fakeProxy) Stop(ctx context.Context) error     { return nil }
