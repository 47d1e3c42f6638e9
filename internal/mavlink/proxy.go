// Package mavlink implements PAM's external proxy to the flight
// controller: a dedicated I/O reader, a bounded message buffer, a worker
// pool dispatching to message-id handlers, and protocol-level operations
// (bulk parameter set/get over lossy links, autopilot reboot with
// heartbeat verification, FTP download with cancellation).
package mavlink

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v3/pkg/message"

	"github.com/DroneLeaf/petal-app-manager/internal/logging"
	"github.com/DroneLeaf/petal-app-manager/internal/proxy"
	"github.com/DroneLeaf/petal-app-manager/internal/worker"
	"github.com/DroneLeaf/petal-app-manager/pkg/mavlinkwire"
)

// Config configures the proxy's endpoint, IDs, and concurrency.
type Config struct {
	Endpoint               string
	Baud                   int
	WorkerThreads          int
	HeartbeatSendFrequency float64
	SourceSystemID         uint8
	SourceComponentID      uint8
	BufferCapacity         int
	RetryInterval          time.Duration
}

// Proxy maintains the duplex connection to the flight controller.
type Proxy struct {
	*proxy.BaseProxy

	cfg Config
	log *logging.Manager

	link   mavlinkwire.Link
	buffer *Buffer
	pool   *worker.Pool

	handlers *HandlerRegistry

	sendMu sync.Mutex // the wire encoder is not thread-safe

	ctx    context.Context
	cancel context.CancelFunc

	mu                   sync.RWMutex
	lastHeartbeatSeen    time.Time
	heartbeatObservers   []heartbeatObserver
	heartbeatObserverSeq uint64

	workersAlive atomic.Int64
}

// New constructs the proxy; Start must be called to connect.
func New(cfg Config, log *logging.Manager) *Proxy {
	return &Proxy{
		BaseProxy: proxy.NewBaseProxy("mavlink"),
		cfg:       cfg,
		log:       log,
		buffer:    NewBuffer(cfg.BufferCapacity),
		pool:      worker.NewPool("MAVLinkWorker", cfg.WorkerThreads),
		handlers:  NewHandlerRegistry(),
	}
}

// Handlers exposes the registry so protocol operations and petals can
// register handlers for specific message ids.
func (p *Proxy) Handlers() *HandlerRegistry { return p.handlers }

// Start opens the link. On failure it never fails the process: it logs a
// warning and begins a reconnect loop, remaining pending.
func (p *Proxy) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	if err := p.connect(p.ctx); err != nil {
		p.log.Warning("mavlink", "initial connect failed, entering pending state: %v", err)
		go p.RunReconnectLoop(p.ctx, p.cfg.RetryInterval, p.connect)
		return nil
	}
	return nil
}

func (p *Proxy) connect(ctx context.Context) error {
	link, err := mavlinkwire.Dial(p.cfg.Endpoint, p.cfg.Baud, p.cfg.SourceSystemID, p.cfg.SourceComponentID)
	if err != nil {
		return err
	}
	p.link = link

	p.startIOThread(p.ctx)
	p.startWorkers(p.ctx)
	p.startHeartbeatSender(p.ctx)

	p.SetStatus(proxy.StatusHealthy, "", p.healthDetails())
	return nil
}

// Stop terminates the I/O thread, workers, and heartbeat sender, then
// closes the link. Idempotent and bounded even if the remote is gone.
func (p *Proxy) Stop(ctx context.Context) error {
	p.StopReconnectLoop()
	if p.cancel != nil {
		p.cancel()
	}
	p.pool.Stop()
	if p.link != nil {
		return p.link.Close()
	}
	return nil
}

// Health reports proxy-specific counters alongside the base status.
func (p *Proxy) Health() proxy.Health {
	h := p.BaseProxy.Health()
	h.Details = p.healthDetails()
	return h
}

func (p *Proxy) healthDetails() map[string]interface{} {
	p.mu.RLock()
	lastHB := p.lastHeartbeatSeen
	p.mu.RUnlock()

	return map[string]interface{}{
		"io_thread_alive":    p.link != nil,
		"worker_count":       p.cfg.WorkerThreads,
		"workers_alive":      p.workersAlive.Load(),
		"buffer_depth":       p.buffer.Depth(),
		"frames_dropped":     p.buffer.Dropped(),
		"leaf_fc_connected":  !lastHB.IsZero() && time.Since(lastHB) < p.heartbeatTimeout(),
	}
}

func (p *Proxy) heartbeatTimeout() time.Duration {
	if p.cfg.HeartbeatSendFrequency <= 0 {
		return 5 * time.Second
	}
	return time.Duration(2.0/p.cfg.HeartbeatSendFrequency*1000) * time.Millisecond
}

// startIOThread reads frames, observes heartbeats, and enqueues onto the
// bounded buffer.
func (p *Proxy) startIOThread(ctx context.Context) {
	go func() {
		for {
			f, err := p.link.Read(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				p.log.Warning("mavlink", "read error: %v", err)
				continue
			}
			if _, ok := f.Message.(*common.MessageHeartbeat); ok {
				p.mu.Lock()
				p.lastHeartbeatSeen = time.Now()
				seenAt := p.lastHeartbeatSeen
				observers := append([]heartbeatObserver(nil), p.heartbeatObservers...)
				p.mu.Unlock()
				for _, obs := range observers {
					obs.cb(seenAt)
				}
			}
			p.buffer.Push(f)
		}
	}()
}

// heartbeatObserver pairs an id (for Unsubscribe) with the callback.
type heartbeatObserver struct {
	id  uint64
	cb  func(time.Time)
}

// OnHeartbeat registers obs to be called whenever a HEARTBEAT frame is
// observed, used by reboot_autopilot's drop-and-resume verification. The
// returned func removes obs.
func (p *Proxy) OnHeartbeat(obs func(time.Time)) (unsubscribe func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.heartbeatObserverSeq++
	id := p.heartbeatObserverSeq
	p.heartbeatObservers = append(p.heartbeatObservers, heartbeatObserver{id: id, cb: obs})

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		for i, o := range p.heartbeatObservers {
			if o.id == id {
				p.heartbeatObservers = append(p.heartbeatObservers[:i], p.heartbeatObservers[i+1:]...)
				return
			}
		}
	}
}

// startWorkers launches cfg.WorkerThreads goroutines draining the buffer
// and dispatching to the handler registry.
func (p *Proxy) startWorkers(ctx context.Context) {
	for i := 0; i < p.cfg.WorkerThreads; i++ {
		go func(n int) {
			p.workersAlive.Add(1)
			defer p.workersAlive.Add(-1)
			done := ctx.Done()
			for {
				f, ok := p.buffer.Pop(done)
				if !ok {
					return
				}
				p.handlers.Dispatch(f)
			}
		}(i)
	}
}

// startHeartbeatSender sends HEARTBEAT at the configured rate.
func (p *Proxy) startHeartbeatSender(ctx context.Context) {
	freq := p.cfg.HeartbeatSendFrequency
	if freq <= 0 {
		freq = 1.0
	}
	interval := time.Duration(float64(time.Second) / freq)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				hb := &common.MessageHeartbeat{
					Type:           common.MAV_TYPE_ONBOARD_CONTROLLER,
					Autopilot:      common.MAV_AUTOPILOT_INVALID,
					BaseMode:       0,
					CustomMode:     0,
					SystemStatus:   common.MAV_STATE_ACTIVE,
					MavlinkVersion: 3,
				}
				if err := p.Send(ctx, hb); err != nil {
					p.log.Warning("mavlink", "heartbeat send failed: %v", err)
				}
			}
		}
	}()
}

// Send serializes msg under the send lock and writes it.
func (p *Proxy) Send(ctx context.Context, msg message.Message) error {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	if p.link == nil {
		return fmt.Errorf("mavlink: not connected")
	}
	return p.link.Write(ctx, msg)
}

// BuildRequestMessageCommand produces a COMMAND_LONG requesting a message
// stream at intervalUs.
func BuildRequestMessageCommand(targetSys, targetComp uint8, msgID uint32, intervalUs float32) *common.MessageCommandLong {
	return &common.MessageCommandLong{
		TargetSystem:    targetSys,
		TargetComponent: targetComp,
		Command:         common.MAV_CMD_SET_MESSAGE_INTERVAL,
		Param1:          float32(msgID),
		Param2:          intervalUs,
	}
}

// BuildShellSerialControlMsgs produces the sequence of SERIAL_CONTROL
// frames carrying a shell command to the autopilot, chunked to the
// protocol's 70-byte data field.
func BuildShellSerialControlMsgs(targetSys, targetComp uint8, text string) []*common.MessageSerialControl {
	const chunkSize = 70
	cmd := text + "\n"
	var out []*common.MessageSerialControl
	for i := 0; i < len(cmd); i += chunkSize {
		end := i + chunkSize
		if end > len(cmd) {
			end = len(cmd)
		}
		var data [70]uint8
		copy(data[:], cmd[i:end])
		out = append(out, &common.MessageSerialControl{
			Device: common.SERIAL_CONTROL_DEV_SHELL,
			Flags:  common.SERIAL_CONTROL_FLAG_RESPOND | common.SERIAL_CONTROL_FLAG_EXCLUSIVE,
			Count:  uint8(end - i),
			Data:   data,
		})
	}
	return out
}
