package mavlink

import (
	"context"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/DroneLeaf/petal-app-manager/internal/telemetry"
	"github.com/DroneLeaf/petal-app-manager/pkg/mavlinkwire"
)

// ParamValue is a single autopilot parameter, its numeric value and the
// wire type it must be encoded/compared as.
type ParamValue struct {
	Name  string
	Value float64
	Type  common.MAV_PARAM_TYPE
}

// BulkLossyConfig bounds a windowed bulk parameter operation over a link
// that may silently drop individual PARAM_SET/PARAM_REQUEST_READ messages.
type BulkLossyConfig struct {
	MaxInFlight int
	ResendEvery time.Duration
	Timeout     time.Duration
	FloatTol    float64 // relative tolerance, default 1e-5
	MaxRetries  int     // resends allowed per entry before giving up early; 0 means uncapped (timeout-bound only)
}

func (c BulkLossyConfig) withDefaults() BulkLossyConfig {
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 10
	}
	if c.ResendEvery <= 0 {
		c.ResendEvery = 250 * time.Millisecond
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.FloatTol <= 0 {
		c.FloatTol = 1e-5
	}
	return c
}

// paramsEqual compares a confirmed echo against the requested value using
// the decided tolerance rule: integer-typed parameters compare exactly,
// everything else (the two float wire types) compares within a relative
// tolerance.
func paramsEqual(requested, echoed float64, typ common.MAV_PARAM_TYPE, tol float64) bool {
	switch typ {
	case common.MAV_PARAM_TYPE_REAL32, common.MAV_PARAM_TYPE_REAL64:
		if requested == 0 {
			return math.Abs(echoed) <= tol
		}
		return math.Abs((echoed-requested)/requested) <= tol
	default:
		return requested == echoed
	}
}

func paramValueMessageID() string {
	return strconv.FormatUint(uint64(common.MAVLINK_MSG_ID_PARAM_VALUE), 10)
}

func paramIDArray(name string) [16]uint8 {
	var out [16]uint8
	copy(out[:], name)
	return out
}

func paramIDString(id [16]uint8) string {
	n := 0
	for n < len(id) && id[n] != 0 {
		n++
	}
	return string(id[:n])
}

// SetParamsBulkLossy sets every param in values, resending unconfirmed
// entries on ResendEvery until each is echoed back by a matching
// PARAM_VALUE or Timeout elapses. MaxInFlight bounds the number of
// outstanding (unconfirmed) sets at any moment, since firehosing every
// PARAM_SET at once saturates a lossy radio link.
func (p *Proxy) SetParamsBulkLossy(ctx context.Context, targetSys, targetComp uint8, values []ParamValue, cfg BulkLossyConfig) (confirmed []string, failed []string, err error) {
	start := time.Now()
	if telemetry.Tracer != nil {
		var span trace.Span
		ctx, span = telemetry.Tracer.Start(ctx, "mavlink.set_params_bulk_lossy",
			trace.WithAttributes(attribute.Int("pam.param_count", len(values))))
		defer span.End()
	}
	defer func() {
		if telemetry.ParamsBulkLatency != nil {
			telemetry.ParamsBulkLatency.Record(ctx, float64(time.Since(start).Milliseconds()))
		}
	}()

	cfg = cfg.withDefaults()
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	var mu sync.Mutex
	byName := make(map[string]ParamValue, len(values))
	done := make(map[string]bool, len(values))
	exhausted := make(map[string]bool, len(values))
	retriesRemaining := make(map[string]int, len(values))
	order := make([]string, 0, len(values))
	for _, v := range values {
		byName[v.Name] = v
		order = append(order, v.Name)
		if cfg.MaxRetries > 0 {
			retriesRemaining[v.Name] = cfg.MaxRetries + 1 // the first send plus MaxRetries resends
		} else {
			retriesRemaining[v.Name] = -1 // unlimited
		}
	}

	handlerID := p.handlers.Register(paramValueMessageID(), func(f mavlinkwire.Frame) {
		echo, ok := f.Message.(*common.MessageParamValue)
		if !ok {
			return
		}
		name := paramIDString(echo.ParamId)
		mu.Lock()
		defer mu.Unlock()
		v, wanted := byName[name]
		if !wanted || done[name] {
			return
		}
		if paramsEqual(v.Value, float64(echo.ParamValue), v.Type, cfg.FloatTol) {
			done[name] = true
		}
	})
	defer p.handlers.Unregister(handlerID)

	resend := func() {
		mu.Lock()
		defer mu.Unlock()
		inFlight := 0
		for _, name := range order {
			if done[name] || exhausted[name] {
				continue
			}
			if inFlight >= cfg.MaxInFlight {
				break
			}
			v := byName[name]
			_ = p.Send(ctx, &common.MessageParamSet{
				TargetSystem:    targetSys,
				TargetComponent: targetComp,
				ParamId:         paramIDArray(v.Name),
				ParamValue:      float32(v.Value),
				ParamType:       v.Type,
			})
			inFlight++
			if retriesRemaining[name] > 0 {
				retriesRemaining[name]--
				if retriesRemaining[name] == 0 {
					exhausted[name] = true
				}
			}
		}
	}

	ticker := time.NewTicker(cfg.ResendEvery)
	defer ticker.Stop()
	resend()
	for {
		select {
		case <-ctx.Done():
			mu.Lock()
			for _, name := range order {
				if done[name] {
					confirmed = append(confirmed, name)
				} else {
					failed = append(failed, name)
				}
			}
			mu.Unlock()
			return confirmed, failed, nil
		case <-ticker.C:
			mu.Lock()
			allSettled := true
			for _, name := range order {
				if !done[name] && !exhausted[name] {
					allSettled = false
					break
				}
			}
			if allSettled {
				for _, name := range order {
					if done[name] {
						confirmed = append(confirmed, name)
					} else {
						failed = append(failed, name)
					}
				}
			}
			mu.Unlock()
			if allSettled {
				return confirmed, failed, nil
			}
			resend()
		}
	}
}

// GetParamsBulkLossy requests each named parameter, resending unanswered
// requests until every value is received or Timeout elapses.
func (p *Proxy) GetParamsBulkLossy(ctx context.Context, targetSys, targetComp uint8, names []string, cfg BulkLossyConfig) (map[string]ParamValue, []string, error) {
	start := time.Now()
	if telemetry.Tracer != nil {
		var span trace.Span
		ctx, span = telemetry.Tracer.Start(ctx, "mavlink.get_params_bulk_lossy",
			trace.WithAttributes(attribute.Int("pam.param_count", len(names))))
		defer span.End()
	}
	defer func() {
		if telemetry.ParamsBulkLatency != nil {
			telemetry.ParamsBulkLatency.Record(ctx, float64(time.Since(start).Milliseconds()))
		}
	}()

	cfg = cfg.withDefaults()
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	var mu sync.Mutex
	results := make(map[string]ParamValue, len(names))
	exhausted := make(map[string]bool, len(names))
	retriesRemaining := make(map[string]int, len(names))
	for _, name := range names {
		if cfg.MaxRetries > 0 {
			retriesRemaining[name] = cfg.MaxRetries + 1 // the first send plus MaxRetries resends
		} else {
			retriesRemaining[name] = -1
		}
	}

	handlerID := p.handlers.Register(paramValueMessageID(), func(f mavlinkwire.Frame) {
		echo, ok := f.Message.(*common.MessageParamValue)
		if !ok {
			return
		}
		name := paramIDString(echo.ParamId)
		mu.Lock()
		defer mu.Unlock()
		if _, wanted := results[name]; wanted {
			return
		}
		for _, want := range names {
			if want == name {
				results[name] = ParamValue{Name: name, Value: float64(echo.ParamValue), Type: echo.ParamType}
				break
			}
		}
	})
	defer p.handlers.Unregister(handlerID)

	request := func() {
		mu.Lock()
		defer mu.Unlock()
		inFlight := 0
		for _, name := range names {
			if _, ok := results[name]; ok {
				continue
			}
			if exhausted[name] {
				continue
			}
			if inFlight >= cfg.MaxInFlight {
				break
			}
			_ = p.Send(ctx, &common.MessageParamRequestRead{
				TargetSystem:    targetSys,
				TargetComponent: targetComp,
				ParamId:         paramIDArray(name),
				ParamIndex:      -1,
			})
			inFlight++
			if retriesRemaining[name] > 0 {
				retriesRemaining[name]--
				if retriesRemaining[name] == 0 {
					exhausted[name] = true
				}
			}
		}
	}

	ticker := time.NewTicker(cfg.ResendEvery)
	defer ticker.Stop()
	request()
	for {
		select {
		case <-ctx.Done():
			var missing []string
			mu.Lock()
			for _, name := range names {
				if _, ok := results[name]; !ok {
					missing = append(missing, name)
				}
			}
			mu.Unlock()
			return results, missing, nil
		case <-ticker.C:
			mu.Lock()
			allSettled := true
			for _, name := range names {
				if _, ok := results[name]; !ok && !exhausted[name] {
					allSettled = false
					break
				}
			}
			var missing []string
			if allSettled {
				for _, name := range names {
					if _, ok := results[name]; !ok {
						missing = append(missing, name)
					}
				}
			}
			mu.Unlock()
			if allSettled {
				return results, missing, nil
			}
			request()
		}
	}
}
