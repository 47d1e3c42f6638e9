// Package clouddb implements PAM's proxy to the cloud-hosted database
// service: an HTTP client enforcing the robot-instance scoping invariant,
// authenticated with a session token that a background refresher keeps
// current.
package clouddb

import (
	"context"
	"time"

	"github.com/DroneLeaf/petal-app-manager/internal/dbproxy"
	"github.com/DroneLeaf/petal-app-manager/internal/proxy"
	"github.com/DroneLeaf/petal-app-manager/internal/session"
)

// Config configures the cloud DB proxy.
type Config struct {
	BaseURL       string
	Timeout       time.Duration
	RetryInterval time.Duration
}

// Proxy is PAM's cloud database client.
type Proxy struct {
	*proxy.BaseProxy

	cfg     Config
	session *session.Manager
	client  *dbproxy.Client
}

// New constructs the proxy. sessionMgr supplies the bearer token and
// machine id once Bootstrap has run.
func New(cfg Config, sessionMgr *session.Manager) *Proxy {
	p := &Proxy{BaseProxy: proxy.NewBaseProxy("cloud"), cfg: cfg, session: sessionMgr}
	p.client = dbproxy.NewClient(cfg.BaseURL, sessionMgr.MachineID, sessionMgr.Token, cfg.Timeout)
	return p
}

// Start has nothing to connect beyond the session manager, which is
// bootstrapped independently (it is shared with objectstore). Cloud DB
// is considered healthy as soon as a machine id is available.
func (p *Proxy) Start(ctx context.Context) error {
	if p.session.MachineID() == "" {
		go p.RunReconnectLoop(ctx, p.retryInterval(), p.checkReady)
		return nil
	}
	p.SetStatus(proxy.StatusHealthy, "", nil)
	return nil
}

func (p *Proxy) checkReady(ctx context.Context) error {
	if p.session.MachineID() == "" {
		return errNotReady
	}
	return nil
}

func (p *Proxy) retryInterval() time.Duration {
	if p.cfg.RetryInterval <= 0 {
		return 5 * time.Second
	}
	return p.cfg.RetryInterval
}

// Stop only halts the reconnect loop: the HTTP client holds no persistent
// connection or background goroutine of its own beyond the shared session
// refresher.
func (p *Proxy) Stop(ctx context.Context) error {
	p.StopReconnectLoop()
	return nil
}

// GetItem, ScanItems, SetItem, UpdateItem delegate to the shared HTTP
// client, which enforces the scoping invariant.
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

type notReadyError string

func (e notReadyError) Error() string { return string(e) }

const errNotReady = notReadyError("cloud db: machine id not yet available")
