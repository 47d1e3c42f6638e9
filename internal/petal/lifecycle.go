package petal

import (
	"context"
	"fmt"
	"sync"

	"github.com/DroneLeaf/petal-app-manager/internal/logging"
	"github.com/DroneLeaf/petal-app-manager/internal/proxy"
	"github.com/DroneLeaf/petal-app-manager/internal/telemetry"
)

// LoadResult records why a candidate petal did or did not make it into
// the running set.
type LoadResult struct {
	Name   string
	Loaded bool
	Error  string
}

// Manager runs the two-phase petal loader: initialize_petals validates
// dependencies and constructs every petal; startup_petals then runs each
// group's Startup synchronously and AsyncStartup in the background.
type Manager struct {
	log      *logging.Manager
	proxies  *proxy.Registry
	discoveryGroup string

	mu       sync.RWMutex
	petals   map[string]Petal
	failures map[string]string
	order    []string
	enabled  map[string]bool
}

// NewManager constructs a lifecycle manager.
func NewManager(log *logging.Manager, proxies *proxy.Registry, discoveryGroup string) *Manager {
	return &Manager{
		log:            log,
		proxies:        proxies,
		discoveryGroup: discoveryGroup,
		petals:         make(map[string]Petal),
		failures:       make(map[string]string),
		enabled:        make(map[string]bool),
	}
}

// InitializePetals resolves, constructs, and dependency-validates every
// candidate name. Petals whose required proxies are not enabled, or
// whose dependency graph is broken, are recorded as failed and excluded
// from the returned load order.
func (m *Manager) InitializePetals(candidates []string) []LoadResult {
	instances := make(map[string]Petal, len(candidates))
	metas := make(map[string]Metadata, len(candidates))
	var results []LoadResult

	for _, name := range candidates {
		ctor, err := Resolve(name, m.discoveryGroup)
		if err != nil {
			m.recordFailure(name, err.Error())
			results = append(results, LoadResult{Name: name, Loaded: false, Error: err.Error()})
			continue
		}
		p := ctor()
		meta := p.Metadata()
		instances[name] = p
		metas[name] = meta
	}

	order, err := ValidateDependencyGraph(metas)
	if err != nil {
		// A broken graph fails every resolved candidate, including those
		// outside the cycle or missing dependency; none of them load.
		m.log.Error("petal", "dependency graph validation failed: %v", err)
		for name := range instances {
			m.recordFailure(name, err.Error())
			results = append(results, LoadResult{Name: name, Loaded: false, Error: err.Error()})
		}
		return results
	}

	for _, name := range order {
		p := instances[name]
		meta := metas[name]

		proxyRefs := make(map[string]proxy.Proxy, len(meta.RequiredProxies))
		missing := ""
		for _, reqName := range meta.RequiredProxies {
			rp, ok := m.proxies.Get(reqName)
			if !ok || !rp.Enabled {
				missing = reqName
				break
			}
			proxyRefs[reqName] = rp.Proxy
		}
		if missing != "" {
			errMsg := fmt.Sprintf("required proxy %q is not enabled", missing)
			m.recordFailure(name, errMsg)
			results = append(results, LoadResult{Name: name, Loaded: false, Error: errMsg})
			continue
		}

		if err := p.Initialize(proxyRefs); err != nil {
			m.recordFailure(name, err.Error())
			results = append(results, LoadResult{Name: name, Loaded: false, Error: err.Error()})
			continue
		}

		m.mu.Lock()
		m.petals[name] = p
		m.order = append(m.order, name)
		m.enabled[name] = true
		m.mu.Unlock()
		if telemetry.PetalsLoaded != nil {
			telemetry.PetalsLoaded.Add(context.Background(), 1)
		}
		results = append(results, LoadResult{Name: name, Loaded: true})
	}

	return results
}

func (m *Manager) recordFailure(name, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[name] = reason
}

// StartupPetals runs Startup synchronously (in dependency order) for
// every name in the blocking startup_petals group, then schedules
// AsyncStartup in the background for each.
func (m *Manager) StartupPetals(ctx context.Context, names []string) error {
	for _, name := range m.filterLoaded(names) {
		p := m.get(name)
		if err := p.Startup(ctx); err != nil {
			m.recordFailure(name, err.Error())
			return fmt.Errorf("startup_petals: petal %q failed to start: %w", name, err)
		}
		go p.AsyncStartup(ctx)
	}
	return nil
}

// StartEnabledPetals returns at once and runs Startup+AsyncStartup for the
// enabled_petals group in one background goroutine, one petal at a time.
// It does not wait for the HTTP server to be listening. Failures are
// logged, never fatal.
func (m *Manager) StartEnabledPetals(ctx context.Context, names []string) {
	loaded := m.filterLoaded(names)
	go func() {
		for _, name := range loaded {
			p := m.get(name)
			if err := p.Startup(ctx); err != nil {
				m.log.Error("petal", "enabled petal %q failed to start: %v", name, err)
				m.recordFailure(name, err.Error())
				continue
			}
			p.AsyncStartup(ctx)
		}
	}()
}

// filterLoaded returns the loaded petals among names, in dependency order.
func (m *Manager) filterLoaded(names []string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	want := make(map[string]bool, len(names))
	for _, name := range names {
		want[name] = true
	}
	var out []string
	for _, name := range m.order {
		if want[name] {
			out = append(out, name)
		}
	}
	return out
}

func (m *Manager) get(name string) Petal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.petals[name]
}

// Get returns a loaded petal by name.
func (m *Manager) Get(name string) (Petal, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.petals[name]
	return p, ok
}

// Loaded returns the names of every successfully loaded petal, in
// dependency order.
func (m *Manager) Loaded() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}

// Failures returns the name->reason map of every petal that failed to
// load.
func (m *Manager) Failures() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.failures))
	for k, v := range m.failures {
		out[k] = v
	}
	return out
}

// ShutdownAll calls Shutdown on every loaded petal, logging but not
// failing on individual errors.
func (m *Manager) ShutdownAll(ctx context.Context) {
	for _, name := range m.Loaded() {
		p := m.get(name)
		if err := p.Shutdown(ctx); err != nil {
			m.log.Error("petal", "petal %q shutdown error: %v", name, err)
		}
	}
}

// PetalsRequiring returns the names of every loaded, enabled petal that
// declares proxyName among its RequiredProxies. The control API consults
// this alongside proxy.Registry.Dependents before disabling a proxy: a
// proxy required by a petal must block the disable just as one required
// by another proxy does.
func (m *Manager) PetalsRequiring(proxyName string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for _, name := range m.order {
		if !m.enabled[name] {
			continue
		}
		p, ok := m.petals[name]
		if !ok {
			continue
		}
		for _, req := range p.Metadata().RequiredProxies {
			if req == proxyName {
				out = append(out, name)
				break
			}
		}
	}
	return out
}

// Enabled reports whether a loaded petal is currently enabled.
func (m *Manager) Enabled(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled[name]
}

// SetEnabled turns a loaded petal on or off. Disabling calls Shutdown;
// enabling is rejected if any required proxy is currently disabled
// (invariant (b)), otherwise Startup and AsyncStartup run as they would
// during normal loading. Both are no-ops if the petal is already in the
// requested state.
func (m *Manager) SetEnabled(ctx context.Context, name string, enabled bool) error {
	m.mu.RLock()
	p, ok := m.petals[name]
	already := m.enabled[name]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("petal %q is not loaded", name)
	}
	if already == enabled {
		return nil
	}

	if !enabled {
		if err := p.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutting down petal %q: %w", name, err)
		}
		m.mu.Lock()
		m.enabled[name] = false
		m.mu.Unlock()
		return nil
	}

	for _, req := range p.Metadata().RequiredProxies {
		rp, ok := m.proxies.Get(req)
		if !ok || !rp.Enabled {
			return fmt.Errorf("requires disabled proxy %q", req)
		}
	}
	if err := p.Startup(ctx); err != nil {
		return fmt.Errorf("starting petal %q: %w", name, err)
	}
	go p.AsyncStartup(ctx)
	m.mu.Lock()
	m.enabled[name] = true
	m.mu.Unlock()
	return nil
}
