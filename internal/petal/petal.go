// Package petal defines the Petal interface every pluggable module
// implements, and the registry, dependency graph, and two-phase loader
// that bring a configured set of petals up at boot.
package petal

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/DroneLeaf/petal-app-manager/internal/proxy"
)

// Metadata describes a petal's identity and declared requirements,
// supplied by the petal itself via its Metadata() method.
type Metadata struct {
	// Name must carry the "petal-" prefix; this is load-bearing: the
	// loader, the HTTP mount path, and the MQTT command-action suffix all
	// derive from it.
	Name string
	// RequiredProxies lists proxy names this petal cannot run without.
	// Petals whose requirements are unmet are recorded as failed and
	// excluded from startup.
	RequiredProxies []string
	// Dependencies lists other petal names that must be initialized and
	// started before this one.
	Dependencies []string
	// MountHTTP reports whether this petal wants HTTP/WebSocket/SSE
	// endpoints mounted under /petals/{name}/...
	MountHTTP bool
}

// Petal is the contract every pluggable module implements.
type Petal interface {
	// Metadata returns the petal's static identity and requirements.
	Metadata() Metadata

	// Initialize is called once, before Startup, with references to every
	// proxy the petal declared as required. It must not block on I/O.
	Initialize(proxies map[string]proxy.Proxy) error

	// Startup runs synchronously as part of the startup_petals phase for
	// petals in the startup_petals group; it must complete quickly since
	// it blocks the HTTP server from listening.
	Startup(ctx context.Context) error

	// AsyncStartup runs in the background after Startup returns (for
	// enabled_petals, in the background loader that runs alongside the
	// HTTP server). Long warm-up work belongs here, not in Startup.
	AsyncStartup(ctx context.Context)

	// Shutdown releases any resources the petal holds.
	Shutdown(ctx context.Context) error
}

// HTTPMounter is implemented by petals that want REST endpoints mounted
// under /petals/{name}/....
type HTTPMounter interface {
	MountHTTP(mux *http.ServeMux)
}

// WebSocketMounter is implemented by petals that want a websocket
// endpoint mounted under /petals/{name}/ws.
type WebSocketMounter interface {
	MountWebSocket(upgrader websocket.Upgrader) func(w http.ResponseWriter, r *http.Request)
}

// ValidNamePrefix is the load-bearing naming invariant every petal name
// must satisfy.
const ValidNamePrefix = "petal-"
