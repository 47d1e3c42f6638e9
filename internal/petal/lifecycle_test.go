package petal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DroneLeaf/petal-app-manager/internal/logging"
	"github.com/DroneLeaf/petal-app-manager/internal/proxy"
)

type fakePetal struct {
	meta    Metadata
	started bool
	async   bool
	initErr error
}

func (f *fakePetal) Metadata() Metadata                             { return f.meta }
func (f *fakePetal) Initialize(map[string]proxy.Proxy) error        { return f.initErr }
func (f *fakePetal) Startup(ctx context.Context) error              { f.started = true; return nil }
func (f *fakePetal) AsyncStartup(ctx context.Context)               { f.async = true }
func (f *fakePetal) Shutdown(ctx context.Context) error             { return nil }

func TestInitializePetalsExcludesUnmetProxyRequirement(t *testing.T) {
	directMu.Lock()
	directByName = map[string]Constructor{}
	directMu.Unlock()

	RegisterDirect("petal-needs-redis", func() Petal {
		return &fakePetal{meta: Metadata{Name: "petal-needs-redis", RequiredProxies: []string{"redis"}}}
	})

	proxies := proxy.NewRegistry()
	m := NewManager(logging.NewManager(1000, logging.LevelDebug, nil), proxies, "petals")

	results := m.InitializePetals([]string{"petal-needs-redis"})
	require.Len(t, results, 1)
	assert.False(t, results[0].Loaded)
	assert.Empty(t, m.Loaded())
}

func TestInitializePetalsLoadsWhenProxySatisfied(t *testing.T) {
	directMu.Lock()
	directByName = map[string]Constructor{}
	directMu.Unlock()

	RegisterDirect("petal-ok", func() Petal {
		return &fakePetal{meta: Metadata{Name: "petal-ok"}}
	})

	proxies := proxy.NewRegistry()
	m := NewManager(logging.NewManager(1000, logging.LevelDebug, nil), proxies, "petals")

	results := m.InitializePetals([]string{"petal-ok"})
	require.Len(t, results, 1)
	assert.True(t, results[0].Loaded)
	assert.Contains(t, m.Loaded(), "petal-ok")
}

func TestStartupPetalsRunsSyncThenAsync(t *testing.T) {
	directMu.Lock()
	directByName = map[string]Constructor{}
	directMu.Unlock()

	fp := &fakePetal{meta: Metadata{Name: "petal-ok"}}
	RegisterDirect("petal-ok", func() Petal { return fp })

	proxies := proxy.NewRegistry()
	m := NewManager(logging.NewManager(1000, logging.LevelDebug, nil), proxies, "petals")
	m.InitializePetals([]string{"petal-ok"})

	require.NoError(t, m.StartupPetals(context.Background(), []string{"petal-ok"}))
	assert.True(t, fp.started)
}

func TestPetalsRequiringOnlyListsEnabledPetals(t *testing.T) {
	directMu.Lock()
	directByName = map[string]Constructor{}
	directMu.Unlock()

	RegisterDirect("petal-flight-log", func() Petal {
		return &fakePetal{meta: Metadata{Name: "petal-flight-log", RequiredProxies: []string{"mqtt"}}}
	})

	proxies := proxy.NewRegistry()
	proxies.Register(&fakeProxy{name: "mqtt"}, nil)
	m := NewManager(logging.NewManager(1000, logging.LevelDebug, nil), proxies, "petals")

	results := m.InitializePetals([]string{"petal-flight-log"})
	require.True(t, results[0].Loaded)

	assert.Equal(t, []string{"petal-flight-log"}, m.PetalsRequiring("mqtt"))

	require.NoError(t, m.SetEnabled(context.Background(), "petal-flight-log", false))
	assert.Empty(t, m.PetalsRequiring("mqtt"))
}

func TestSetEnabledRejectsEnablingWhenRequiredProxyDisabled(t *testing.T) {
	directMu.Lock()
	directByName = map[string]Constructor{}
	directMu.Unlock()

	RegisterDirect("petal-flight-log", func() Petal {
		return &fakePetal{meta: Metadata{Name: "petal-flight-log", RequiredProxies: []string{"mqtt"}}}
	})

	proxies := proxy.NewRegistry()
	proxies.Register(&fakeProxy{name: "mqtt"}, nil)
	m := NewManager(logging.NewManager(1000, logging.LevelDebug, nil), proxies, "petals")
	m.InitializePetals([]string{"petal-flight-log"})
	require.NoError(t, m.SetEnabled(context.Background(), "petal-flight-log", false))

	proxies.SetEnabled("mqtt", false)
	err := m.SetEnabled(context.Background(), "petal-flight-log", true)
	assert.Error(t, err)
	assert.False(t, m.Enabled("petal-flight-log"))
}

type fakeProxy struct {
	name string
}

func (f *fakeProxy) Name() string                 { return f.name }
func (f *fakeProxy) Start(ctx context.Context) error { return nil }
func (f *fakeProxy) Stop(ctx context.Context) error  { return nil }
func (f *fakeProxy) Health() proxy.Health         { return proxy.Health{Status: proxy.StatusHealthy} }
