// Package localdb implements PAM's proxy to the on-device database
// service, sharing the robot-scoping invariant with clouddb but needing
// no session token — the local service trusts the companion computer it
// runs alongside.
package localdb

import (
	"context"
	"time"

	"github.com/DroneLeaf/petal-app-manager/internal/dbproxy"
	"github.com/DroneLeaf/petal-app-manager/internal/proxy"
)

// Config configures the local DB proxy.
type Config struct {
	BaseURL       string
	MachineID     string
	Timeout       time.Duration
	RetryInterval time.Duration
}

// Proxy is PAM's on-device database client.
type Proxy struct {
	*proxy.BaseProxy

	cfg    Config
	client *dbproxy.Client
}

// New constructs the proxy.
func New(cfg Config) *Proxy {
	p := &Proxy{BaseProxy: proxy.NewBaseProxy("local_db"), cfg: cfg}
	p.client = dbproxy.NewClient(cfg.BaseURL, func() string { return cfg.MachineID }, nil, cfg.Timeout)
	return p
}

// Start probes the local service once; on failure it falls to pending
// and retries, like every PAM proxy.
func (p *Proxy) Start(ctx context.Context) error {
	if _, err := p.client.ScanItems(ctx, "health_probe"); err != nil {
		go p.RunReconnectLoop(ctx, p.retryInterval(), func(ctx context.Context) error {
			_, err := p.client.ScanItems(ctx, "health_probe")
			return err
		})
		return nil
	}
	p.SetStatus(proxy.StatusHealthy, "", nil)
	return nil
}

func (p *Proxy) retryInterval() time.Duration {
	if p.cfg.RetryInterval <= 0 {
		return 5 * time.Second
	}
	return p.cfg.RetryInterval
}

// Stop is a no-op beyond halting the reconnect loop.
func (p *Proxy) Stop(ctx context.Context) error {
	p.StopReconnectLoop()
	return nil
}

func (p *Proxy) GetItem(ctx context.Context, table, id string) (map[string]interface{}, error) {
	return p.client.GetItem(ctx, table, id)
}

func (p *Proxy) ScanItems(ctx context.Context, table string) ([]map[string]interface{}, error) {
	return p.client.ScanItems(ctx, table)
}

func (p *Proxy) SetItem(ctx context.Context, table string, item map[string]interface{}) error {
	return p.client.SetItem(ctx, table, item)
}

func (p *Proxy) UpdateItem(ctx context.Context, table, id string, patch map[string]interface{}) error {
	return p.client.UpdateItem(ctx, table, id, patch)
}
