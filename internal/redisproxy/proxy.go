// Package redisproxy wraps go-redis as PAM's in-process key/value and
// pub/sub broker proxy: simple ops plus a worker-pool-backed subscription
// reader.
package redisproxy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/DroneLeaf/petal-app-manager/internal/logging"
	"github.com/DroneLeaf/petal-app-manager/internal/proxy"
	"github.com/DroneLeaf/petal-app-manager/internal/worker"
)

// Callback is invoked for each pub/sub message delivered to a channel or
// pattern subscription.
type Callback func(channel string, payload string)

// Config configures connection and worker pool sizing.
type Config struct {
	Host           string
	Port           int
	UnixSocketPath string
	WorkerThreads  int
	RetryInterval  time.Duration
}

// Proxy implements proxy.Proxy over go-redis. A dedicated reader goroutine
// drains the pub/sub stream and dispatches each message to registered
// callbacks on a bounded worker pool, so a slow callback cannot stall the
// reader. Callbacks run concurrently on the pool, so delivery order is not
// preserved, not even between messages on the same channel.
type Proxy struct {
	*proxy.BaseProxy

	cfg    Config
	log    *logging.Manager
	client *redis.Client
	pool   *worker.Pool

	mu        sync.RWMutex
	channels  map[string][]Callback
	patterns  map[string][]Callback
	pubsub    *redis.PubSub
	cancelSub context.CancelFunc
}

// New constructs the proxy; Start must be called to connect.
func New(cfg Config, log *logging.Manager) *Proxy {
	return &Proxy{
		BaseProxy: proxy.NewBaseProxy("redis"),
		cfg:       cfg,
		log:       log,
		pool:      worker.NewPool("RedisWorker", cfg.WorkerThreads),
		channels:  make(map[string][]Callback),
		patterns:  make(map[string][]Callback),
	}
}

func (p *Proxy) addr() string {
	return fmt.Sprintf("%s:%d", p.cfg.Host, p.cfg.Port)
}

// Start connects, preferring the unix socket path when configured. It
// never fails the process: on error it logs a warning and begins a
// reconnect loop, remaining pending.
func (p *Proxy) Start(ctx context.Context) error {
	opts := &redis.Options{Addr: p.addr()}
	if p.cfg.UnixSocketPath != "" {
		opts = &redis.Options{Network: "unix", Addr: p.cfg.UnixSocketPath}
	}
	p.client = redis.NewClient(opts)

	if err := p.client.Ping(ctx).Err(); err != nil {
		p.log.Warning("redis", "initial connect failed, entering pending state: %v", err)
		go p.RunReconnectLoop(ctx, p.cfg.RetryInterval, p.connect)
		return nil
	}

	p.SetStatus(proxy.StatusHealthy, "", nil)
	p.startReader(ctx)
	return nil
}

func (p *Proxy) connect(ctx context.Context) error {
	if err := p.client.Ping(ctx).Err(); err != nil {
		return err
	}
	p.startReader(ctx)
	return nil
}

// Stop terminates the pub/sub reader and worker pool and closes the
// connection. Idempotent.
func (p *Proxy) Stop(ctx context.Context) error {
	p.StopReconnectLoop()
	p.mu.Lock()
	if p.cancelSub != nil {
		p.cancelSub()
		p.cancelSub = nil
	}
	ps := p.pubsub
	p.pubsub = nil
	p.mu.Unlock()

	if ps != nil {
		ps.Close()
	}
	p.pool.Stop()
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}

// Get returns a key's value, or ("", false) if unset.
func (p *Proxy) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := p.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// Set stores a key with an optional expiry (0 = no expiry). set traffic is
// routine and logged at debug; failures are logged at warning by the
// caller via the returned error.
func (p *Proxy) Set(ctx context.Context, key, value string, ex time.Duration) error {
	p.log.Debug("redis", "set %s", key)
	if err := p.client.Set(ctx, key, value, ex).Err(); err != nil {
		p.log.Warning("redis", "set %s failed: %v", key, err)
		return err
	}
	return nil
}

// Del deletes a key and returns the number of keys removed.
func (p *Proxy) Del(ctx context.Context, key string) (int64, error) {
	return p.client.Del(ctx, key).Result()
}

// Exists reports whether a key is present.
func (p *Proxy) Exists(ctx context.Context, key string) (bool, error) {
	n, err := p.client.Exists(ctx, key).Result()
	return n > 0, err
}

// Publish fans a message out to channel subscribers and returns how many
// subscribers received it. Fire-and-forget: errors are logged and
// swallowed into a false-equivalent zero count by the caller's choice.
func (p *Proxy) Publish(ctx context.Context, channel, message string) (int64, error) {
	n, err := p.client.Publish(ctx, channel, message).Result()
	if err != nil {
		p.log.Warning("redis", "publish to %s failed: %v", channel, err)
		return 0, err
	}
	return n, nil
}

// ScanKeys returns keys matching pattern, using SCAN rather than KEYS so a
// large keyspace does not block the server.
func (p *Proxy) ScanKeys(ctx context.Context, pattern string, countHint int64) ([]string, error) {
	var keys []string
	iter := p.client.Scan(ctx, 0, pattern, countHint).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, iter.Err()
}

// Subscribe registers cb for exact-match messages on channel.
func (p *Proxy) Subscribe(channel string, cb Callback) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.channels[channel] = append(p.channels[channel], cb)
	if p.pubsub != nil {
		p.pubsub.Subscribe(context.Background(), channel)
	}
}

// SubscribePattern registers cb for messages on any channel matching the
// glob pattern.
func (p *Proxy) SubscribePattern(pattern string, cb Callback) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.patterns[pattern] = append(p.patterns[pattern], cb)
	if p.pubsub != nil {
		p.pubsub.PSubscribe(context.Background(), pattern)
	}
}

// Unsubscribe removes every callback registered for channel (exact match
// only; patterns are unaffected).
func (p *Proxy) Unsubscribe(channel string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.channels, channel)
	if p.pubsub != nil {
		p.pubsub.Unsubscribe(context.Background(), channel)
	}
}

// startReader launches the dedicated pub/sub reader goroutine. Messages
// are dispatched to the worker pool so a slow callback cannot stall
// delivery of subsequent messages.
func (p *Proxy) startReader(ctx context.Context) {
	p.mu.Lock()
	if p.cancelSub != nil {
		p.mu.Unlock()
		return
	}
	readCtx, cancel := context.WithCancel(ctx)
	p.cancelSub = cancel
	ps := p.client.PSubscribe(readCtx)
	p.pubsub = ps
	for ch := range p.channels {
		ps.Subscribe(readCtx, ch)
	}
	for pat := range p.patterns {
		ps.PSubscribe(readCtx, pat)
	}
	p.mu.Unlock()

	go func() {
		ch := ps.Channel()
		for {
			select {
			case <-readCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				p.dispatch(msg.Channel, msg.Pattern, msg.Payload)
			}
		}
	}()
}

func (p *Proxy) dispatch(channel, pattern, payload string) {
	p.mu.RLock()
	var cbs []Callback
	cbs = append(cbs, p.channels[channel]...)
	if pattern != "" {
		cbs = append(cbs, p.patterns[pattern]...)
	}
	p.mu.RUnlock()

	for _, cb := range cbs {
		cb := cb
		p.pool.Submit(func() { cb(channel, payload) })
	}
}
