// Package cmdaction implements the command-action dispatch framework
// petals use to expose MQTT-triggered operations: each petal registers a
// list of (command_suffix, handler, cpu_heavy) entries at init, and a
// single master handler routes an incoming command to the matching
// petal's entry, offloading cpu_heavy ones to a worker pool so a slow
// handler never blocks the ingress server.
package cmdaction

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/DroneLeaf/petal-app-manager/internal/logging"
	"github.com/DroneLeaf/petal-app-manager/internal/mqttproxy"
	"github.com/DroneLeaf/petal-app-manager/internal/telemetry"
	"github.com/DroneLeaf/petal-app-manager/internal/worker"
)

// Handler processes a command's payload and returns a JSON-serializable
// result or an error.
type Handler func(ctx context.Context, cmd mqttproxy.IncomingCommand) (interface{}, error)

// Action is one registered command entry: the suffix it answers to
// (matched against "{petal-name}/{suffix}"), its handler, and whether it
// should run off the ingress goroutine.
type Action struct {
	CommandSuffix string
	Handler       Handler
	CPUHeavy      bool
}

// commandPayload is the envelope every incoming command's JSON payload is
// expected to carry. command selects the action, keyed together with the
// registering petal's name; waitResponse governs whether a response is
// published back at all.
type commandPayload struct {
	Command      string          `json:"command"`
	MessageID    string          `json:"messageId"`
	WaitResponse bool            `json:"waitResponse"`
	Data         json.RawMessage `json:"data"`
}

// petalActions is the set of actions one petal registered at init.
type petalActions struct {
	petal   string
	actions []Action
}

// identityAwareProxy is the subset of *mqttproxy.Proxy the dispatcher
// needs: a way to know whether it's safe to process commands yet, and the
// bridge to publish responses on.
type identityAwareProxy interface {
	IdentityKnown() bool
	Bridge() *mqttproxy.Bridge
}

// Dispatcher is the master handler: it looks up the action keyed
// "{petal-name}/{suffix}" against an incoming command's payload and
// invokes it, offloading CPU-heavy actions to pool. It refuses to dispatch
// until the MQTT proxy's organization/device identity is known, since
// responses can't be routed (and most handlers shouldn't run) before then.
type Dispatcher struct {
	mu     sync.RWMutex
	petals []petalActions
	byKey  map[string]dispatchEntry
	pool   *worker.Pool
	proxy  identityAwareProxy
	log    *logging.Manager
}

type dispatchEntry struct {
	petal  string
	action Action
}

// NewDispatcher constructs a Dispatcher. pool bounds concurrent
// CPU-heavy action execution (the MQTTWorker pool in the concurrency
// model); mqttProxy supplies both the identity gate and the response
// bridge.
func NewDispatcher(pool *worker.Pool, mqttProxy identityAwareProxy, log *logging.Manager) *Dispatcher {
	return &Dispatcher{pool: pool, proxy: mqttProxy, log: log, byKey: make(map[string]dispatchEntry)}
}

// Register adds petal's action list. Calling Register again for the same
// petal name replaces its prior list — the decorator-replacement pattern:
// a petal reloading its module supersedes, rather than appends to, its
// previous registration.
func (d *Dispatcher) Register(petal string, actions []Action) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, pa := range d.petals {
		if pa.petal == petal {
			d.petals[i] = petalActions{petal: petal, actions: actions}
			d.rebuildLocked()
			return
		}
	}
	d.petals = append(d.petals, petalActions{petal: petal, actions: actions})
	d.rebuildLocked()
}

// Unregister drops petal's action list entirely.
func (d *Dispatcher) Unregister(petal string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, pa := range d.petals {
		if pa.petal == petal {
			d.petals = append(d.petals[:i], d.petals[i+1:]...)
			d.rebuildLocked()
			return
		}
	}
}

// rebuildLocked recomputes the "{petal}/{suffix}" lookup map from the
// current petal action lists. Callers must hold d.mu.
func (d *Dispatcher) rebuildLocked() {
	byKey := make(map[string]dispatchEntry, len(d.byKey))
	for _, pa := range d.petals {
		for _, a := range pa.actions {
			byKey[dispatchKey(pa.petal, a.CommandSuffix)] = dispatchEntry{petal: pa.petal, action: a}
		}
	}
	d.byKey = byKey
}

func dispatchKey(petal, suffix string) string {
	return petal + "/" + suffix
}

// HandleFunc returns the single mqttproxy.CommandHandler PAM registers
// with the ingress server, as a plain func value so mqttproxy need not
// import this package's types.
func (d *Dispatcher) HandleFunc() func(mqttproxy.IncomingCommand) {
	return func(cmd mqttproxy.IncomingCommand) {
		d.dispatch(context.Background(), cmd)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, cmd mqttproxy.IncomingCommand) {
	if d.proxy != nil && !d.proxy.IdentityKnown() {
		d.log.Warning("cmdaction", "organization/device identity not yet known, dropping command %s", cmd.MessageID)
		return
	}

	start := time.Now()
	if telemetry.CommandDispatchLatency != nil {
		defer func() {
			telemetry.CommandDispatchLatency.Record(ctx, float64(time.Since(start).Milliseconds()))
		}()
	}

	var payload commandPayload
	if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
		d.log.Error("cmdaction", "malformed command payload for message %s: %v", cmd.MessageID, err)
		return
	}
	messageID := cmd.MessageID
	if payload.MessageID != "" {
		messageID = payload.MessageID
	}

	action, petal, ok := d.find(payload.Command)
	if !ok {
		d.log.Warning("cmdaction", "no handler registered for command %q", payload.Command)
		if payload.WaitResponse {
			d.respond(ctx, messageID, false, map[string]interface{}{
				"error_code": "UNKNOWN_COMMAND",
				"error":      fmt.Sprintf("no handler registered for command %q", payload.Command),
			})
		}
		return
	}

	run := func() {
		result, err := safeInvoke(ctx, action.Handler, cmd)
		if err != nil {
			d.log.Error("cmdaction", "petal %s action %s failed: %v", petal, action.CommandSuffix, err)
		}
		if !payload.WaitResponse {
			return
		}
		d.respond(ctx, messageID, err == nil, resultFields(result, err))
	}

	if action.CPUHeavy && d.pool != nil {
		if !d.pool.SubmitNonBlocking(run) {
			d.log.Warning("cmdaction", "worker pool saturated, dropping cpu-heavy command %s", cmd.MessageID)
			if payload.WaitResponse {
				d.respond(ctx, messageID, false, map[string]interface{}{
					"error_code": "WORKER_POOL_SATURATED",
					"error":      "worker pool saturated",
				})
			}
		}
		return
	}
	run()
}

// resultFields shapes a handler's return value into the flat field set
// SendCommandResponse spreads alongside messageId/timestamp/success.
func resultFields(result interface{}, err error) map[string]interface{} {
	if err != nil {
		return map[string]interface{}{"error": err.Error()}
	}
	if m, ok := result.(map[string]interface{}); ok {
		return m
	}
	if result == nil {
		return nil
	}
	return map[string]interface{}{"result": result}
}

// safeInvoke recovers a panicking handler into an error, so one broken
// petal handler cannot take down the ingress dispatch goroutine.
func safeInvoke(ctx context.Context, h Handler, cmd mqttproxy.IncomingCommand) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, cmd)
}

func (d *Dispatcher) find(command string) (Action, string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	entry, ok := d.byKey[command]
	if !ok {
		return Action{}, "", false
	}
	return entry.action, entry.petal, true
}

func (d *Dispatcher) respond(ctx context.Context, messageID string, success bool, fields map[string]interface{}) {
	if d.proxy == nil {
		return
	}
	bridge := d.proxy.Bridge()
	if bridge == nil {
		return
	}
	if sendErr := bridge.SendCommandResponse(ctx, messageID, success, fields); sendErr != nil {
		d.log.Error("cmdaction", "failed to send command response for %s: %v", messageID, sendErr)
	}
}
