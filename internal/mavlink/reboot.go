package mavlink

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"go.opentelemetry.io/otel/trace"

	"github.com/DroneLeaf/petal-app-manager/internal/telemetry"
	"github.com/DroneLeaf/petal-app-manager/pkg/mavlinkwire"
)

// RebootConfig bounds how long reboot_autopilot waits for the COMMAND_ACK
// and for the heartbeat to drop then resume.
type RebootConfig struct {
	AckTimeout        time.Duration
	HeartbeatDropWait time.Duration
	ResumeTimeout     time.Duration
}

func (c RebootConfig) withDefaults() RebootConfig {
	if c.AckTimeout <= 0 {
		c.AckTimeout = 3 * time.Second
	}
	if c.HeartbeatDropWait <= 0 {
		c.HeartbeatDropWait = 5 * time.Second
	}
	if c.ResumeTimeout <= 0 {
		c.ResumeTimeout = 30 * time.Second
	}
	return c
}

// RebootResult is the outcome of RebootAutopilot: StatusCode is one of
// "success", "denied", "rejected", "unsupported", "timeout-without-drop",
// or "REBOOT_FAILED" (a general failure code for a failure mode the
// other, more specific codes don't name).
type RebootResult struct {
	Success    bool   `json:"success"`
	StatusCode string `json:"status_code"`
	Reason     string `json:"reason"`
}

// RebootAutopilot sends MAV_CMD_PREFLIGHT_REBOOT_SHUTDOWN, waits for the
// COMMAND_ACK, then verifies the reboot actually happened by watching the
// heartbeat stream stop and resume. A successful ACK alone does not mean
// the autopilot rebooted — some firmwares ACK before the reset — so the
// heartbeat drop is the real confirmation signal. The returned error is
// non-nil only for an unexpected transport failure (e.g. the link is
// down); every other outcome, including an ACK rejection, is reported
// through the returned RebootResult.
func (p *Proxy) RebootAutopilot(ctx context.Context, targetSys, targetComp uint8, cfg RebootConfig) (RebootResult, error) {
	if telemetry.Tracer != nil {
		var span trace.Span
		ctx, span = telemetry.Tracer.Start(ctx, "mavlink.reboot_autopilot")
		defer span.End()
	}
	cfg = cfg.withDefaults()

	acked := make(chan common.MAV_RESULT, 1)
	handlerID := p.handlers.Register(commandAckMessageID(), func(f mavlinkwire.Frame) {
		ack, ok := f.Message.(*common.MessageCommandAck)
		if !ok || ack.Command != common.MAV_CMD_PREFLIGHT_REBOOT_SHUTDOWN {
			return
		}
		select {
		case acked <- ack.Result:
		default:
		}
	})
	defer p.handlers.Unregister(handlerID)

	if err := p.Send(ctx, &common.MessageCommandLong{
		TargetSystem:    targetSys,
		TargetComponent: targetComp,
		Command:         common.MAV_CMD_PREFLIGHT_REBOOT_SHUTDOWN,
		Param1:          1, // reboot autopilot
	}); err != nil {
		return RebootResult{}, fmt.Errorf("sending reboot command: %w", err)
	}

	ackCtx, cancel := context.WithTimeout(ctx, cfg.AckTimeout)
	defer cancel()
	select {
	case result := <-acked:
		if result != common.MAV_RESULT_ACCEPTED {
			return rebootRejection(result), nil
		}
	case <-ackCtx.Done():
		p.log.Warning("mavlink", "no COMMAND_ACK for reboot within %s, proceeding to heartbeat verification", cfg.AckTimeout)
	}

	if err := p.waitHeartbeatDrop(ctx, cfg.HeartbeatDropWait); err != nil {
		return RebootResult{StatusCode: "timeout-without-drop", Reason: err.Error()}, nil
	}
	if err := p.waitHeartbeatResume(ctx, cfg.ResumeTimeout); err != nil {
		return RebootResult{StatusCode: "REBOOT_FAILED", Reason: err.Error()}, nil
	}
	return RebootResult{Success: true, StatusCode: "success", Reason: "heartbeat-drop-and-resume"}, nil
}

// rebootRejection maps a non-accepted COMMAND_ACK result to the
// corresponding failure-mode status code.
func rebootRejection(result common.MAV_RESULT) RebootResult {
	switch result {
	case common.MAV_RESULT_DENIED:
		return RebootResult{StatusCode: "denied", Reason: "autopilot denied the reboot command"}
	case common.MAV_RESULT_UNSUPPORTED:
		return RebootResult{StatusCode: "unsupported", Reason: "autopilot does not support this command"}
	default:
		return RebootResult{StatusCode: "rejected", Reason: fmt.Sprintf("autopilot rejected reboot command (result %v)", result)}
	}
}

func (p *Proxy) waitHeartbeatDrop(ctx context.Context, wait time.Duration) error {
	var lastSeen int64
	var mu sync.Mutex
	mu.Lock()
	lastSeen = time.Now().UnixNano()
	mu.Unlock()

	unsubscribe := p.OnHeartbeat(func(t time.Time) {
		mu.Lock()
		lastSeen = t.UnixNano()
		mu.Unlock()
	})
	defer unsubscribe()

	deadline := time.Now().Add(wait)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			mu.Lock()
			silentFor := time.Since(time.Unix(0, lastSeen))
			mu.Unlock()
			if silentFor > p.heartbeatTimeout() {
				return nil
			}
			if time.Now().After(deadline) {
				return fmt.Errorf("heartbeat did not stop within %s", wait)
			}
		}
	}
}

func (p *Proxy) waitHeartbeatResume(ctx context.Context, timeout time.Duration) error {
	var seen atomic.Bool
	unsubscribe := p.OnHeartbeat(func(time.Time) { seen.Store(true) })
	defer unsubscribe()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("no heartbeat observed within %s", timeout)
		case <-ticker.C:
			if seen.Load() {
				return nil
			}
		}
	}
}

func commandAckMessageID() string {
	return strconv.FormatUint(uint64(common.MAVLINK_MSG_ID_COMMAND_ACK), 10)
}
