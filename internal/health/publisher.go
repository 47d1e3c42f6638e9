// Package health implements the periodic health-snapshot pipeline:
// sampling every proxy's status and every loaded petal, and publishing
// the snapshot on a well-known Redis channel for external observers.
package health

import (
	"context"
	"encoding/json"
	"time"

	"github.com/DroneLeaf/petal-app-manager/internal/logging"
	"github.com/DroneLeaf/petal-app-manager/internal/petal"
	"github.com/DroneLeaf/petal-app-manager/internal/proxy"
	"github.com/DroneLeaf/petal-app-manager/internal/redisproxy"
)

// SnapshotChannel is the well-known Redis channel health snapshots are
// published on.
const SnapshotChannel = "pam:health:snapshot"

// ProxySnapshot is one proxy's reported status in a health snapshot.
type ProxySnapshot struct {
	Name    string                 `json:"name"`
	Status  string                 `json:"status"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Snapshot is the full health payload published each tick.
type Snapshot struct {
	Timestamp time.Time                `json:"timestamp"`
	Proxies   []ProxySnapshot          `json:"proxies"`
	Petals    map[string]string        `json:"petals"` // name -> "loaded" | failure reason
}

// Publisher samples proxy and petal state on an interval and publishes
// it to Redis. It runs on the same cooperative scheduling model as the
// proxy reconnect tasks: a single background goroutine, not a worker
// pool, since sampling in-memory status is cheap and never blocks on I/O
// beyond the Redis publish itself.
type Publisher struct {
	proxies  *proxy.Registry
	petals   *petal.Manager
	redis    *redisproxy.Proxy
	log      *logging.Manager
	interval time.Duration
}

// NewPublisher constructs a Publisher. interval defaults to 10 seconds.
func NewPublisher(proxies *proxy.Registry, petals *petal.Manager, redis *redisproxy.Proxy, log *logging.Manager, interval time.Duration) *Publisher {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Publisher{proxies: proxies, petals: petals, redis: redis, log: log, interval: interval}
}

// Run samples and publishes on Publisher's interval until ctx is done.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishOnce(ctx)
		}
	}
}

func (p *Publisher) publishOnce(ctx context.Context) {
	snap := p.Sample()
	payload, err := json.Marshal(snap)
	if err != nil {
		p.log.Error("health", "marshaling health snapshot: %v", err)
		return
	}
	if err := p.redis.Publish(ctx, SnapshotChannel, string(payload)); err != nil {
		p.log.Warning("health", "publishing health snapshot: %v", err)
	}
}

// Sample takes an immediate snapshot without publishing, used by the
// control & health REST API for synchronous /health requests.
func (p *Publisher) Sample() Snapshot {
	snap := Snapshot{Timestamp: time.Now(), Petals: make(map[string]string)}

	for _, rp := range p.proxies.List() {
		h := rp.Proxy.Health()
		snap.Proxies = append(snap.Proxies, ProxySnapshot{
			Name:    rp.Proxy.Name(),
			Status:  string(h.Status),
			Details: h.Details,
		})
	}

	for _, name := range p.petals.Loaded() {
		snap.Petals[name] = "loaded"
	}
	for name, reason := range p.petals.Failures() {
		snap.Petals[name] = reason
	}

	return snap
}
