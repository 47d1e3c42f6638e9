package mqttproxy

import (
	"context"
	"sync"
	"time"

	"github.com/DroneLeaf/petal-app-manager/internal/logging"
	"github.com/DroneLeaf/petal-app-manager/internal/proxy"
)

// IdentitySource resolves the organization/device identity the MQTT
// topics are scoped under. PAM has no identity of its own at boot — it is
// assigned by an org manager or recorded in the local database — so the
// proxy polls this until both ids come back non-empty.
type IdentitySource interface {
	Identity(ctx context.Context) (orgID, deviceID string, err error)
}

// Config configures the MQTT proxy: the sidecar bridge's base URL, the
// local ingress server, and how often to poll for identity while pending.
type Config struct {
	BridgeBaseURL        string
	ListenAddr           string
	BufferDepth          int
	IngressQueueDepth    int
	IdentityPollInterval time.Duration
	RetryInterval        time.Duration
}

// Proxy multiplexes access to the cloud MQTT broker via the HTTP sidecar
// bridge: outbound publishes go through Bridge, inbound commands arrive
// on Ingress and are handed to the single dispatch handler passed to New
// (internal/cmdaction builds the "{petal}/{suffix}"-keyed dispatch
// framework on top of this). The proxy stays pending until the organization/device
// identity resolves — topics can't be built, and the master handler
// refuses to process commands, without it.
type Proxy struct {
	*proxy.BaseProxy

	cfg      Config
	log      *logging.Manager
	bridge   *Bridge
	identity IdentitySource
	dispatch CommandHandler

	mu       sync.RWMutex
	ingress  *Ingress
	orgID    string
	deviceID string
}

// New constructs the proxy; Start begins resolving identity and, once
// resolved, listening and accepting.
func New(cfg Config, log *logging.Manager, identity IdentitySource, dispatch CommandHandler) *Proxy {
	return &Proxy{
		BaseProxy: proxy.NewBaseProxy("mqtt"),
		cfg:       cfg,
		log:       log,
		bridge:    NewBridge(BridgeConfig{BaseURL: cfg.BridgeBaseURL}),
		identity:  identity,
		dispatch:  dispatch,
	}
}

// Bridge exposes the HTTP client for publishing and command responses.
func (p *Proxy) Bridge() *Bridge { return p.bridge }

// IdentityKnown reports whether both the organization and device id have
// resolved. The §4.7 master handler guards on this before dispatching.
func (p *Proxy) IdentityKnown() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.orgID != "" && p.deviceID != ""
}

// Start begins the identity-resolution background task; the proxy remains
// pending until it succeeds, then opens the ingress listener. Like every
// PAM proxy, it never fails the process.
func (p *Proxy) Start(ctx context.Context) error {
	go p.resolveIdentityAndConnect(ctx)
	return nil
}

func (p *Proxy) resolveIdentityAndConnect(ctx context.Context) {
	interval := p.pollInterval()
	for {
		orgID, deviceID, err := p.identity.Identity(ctx)
		if err == nil && orgID != "" && deviceID != "" {
			p.mu.Lock()
			p.orgID, p.deviceID = orgID, deviceID
			p.mu.Unlock()
			break
		}
		if err != nil {
			p.SetStatus(proxy.StatusPending, "waiting for organization/device identity: "+err.Error(), nil)
		} else {
			p.SetStatus(proxy.StatusPending, "waiting for organization/device identity", nil)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}

	if err := p.connect(ctx); err != nil {
		p.log.Warning("mqtt", "ingress listen failed, entering pending state: %v", err)
		go p.RunReconnectLoop(ctx, p.retryInterval(), p.connect)
	}
}

func (p *Proxy) pollInterval() time.Duration {
	if p.cfg.IdentityPollInterval <= 0 {
		return 5 * time.Second
	}
	return p.cfg.IdentityPollInterval
}

func (p *Proxy) retryInterval() time.Duration {
	if p.cfg.RetryInterval <= 0 {
		return 5 * time.Second
	}
	return p.cfg.RetryInterval
}

func (p *Proxy) connect(ctx context.Context) error {
	ingress := NewIngress(IngressConfig{ListenAddr: p.cfg.ListenAddr, BufferDepth: p.cfg.BufferDepth, QueueDepth: p.cfg.IngressQueueDepth}, p.dispatch)
	if err := ingress.Start(); err != nil {
		return err
	}
	p.mu.Lock()
	p.ingress = ingress
	p.mu.Unlock()
	p.SetStatus(proxy.StatusHealthy, "", map[string]interface{}{
		"listen_addr": p.cfg.ListenAddr,
	})
	return nil
}

// Stop closes the ingress listener. Idempotent.
func (p *Proxy) Stop(ctx context.Context) error {
	p.StopReconnectLoop()
	p.mu.RLock()
	ingress := p.ingress
	p.mu.RUnlock()
	if ingress != nil {
		return ingress.Stop()
	}
	return nil
}

// Health reports the ingress queue's depth and drop counter alongside the
// base status.
func (p *Proxy) Health() proxy.Health {
	h := p.BaseProxy.Health()
	p.mu.RLock()
	ingress := p.ingress
	p.mu.RUnlock()
	if ingress != nil {
		details := make(map[string]interface{}, len(h.Details)+2)
		for k, v := range h.Details {
			details[k] = v
		}
		details["ingress_queue_depth"] = ingress.QueueDepth()
		details["ingress_dropped"] = ingress.QueueDropped()
		h.Details = details
	}
	return h
}

// Topic builds a topic under this proxy's resolved org/device scope. It
// returns an empty-scoped topic if identity hasn't resolved yet; callers
// should gate on IdentityKnown first.
func (p *Proxy) Topic(suffix string) string {
	p.mu.RLock()
	orgID, deviceID := p.orgID, p.deviceID
	p.mu.RUnlock()
	return Topic(orgID, deviceID, suffix)
}

// PublishMessage is a convenience wrapper around Bridge().PublishMessage
// using this proxy's topic scope.
func (p *Proxy) PublishMessage(ctx context.Context, suffix string, payload interface{}) error {
	return p.bridge.PublishMessage(ctx, p.Topic(suffix), payload)
}
