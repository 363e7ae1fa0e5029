// Package engine implements the Probe Engine: the orchestration of one
// probe from dispatch through classification to event routing.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/northlake-systems/pulsewatch/internal/probe"
	"github.com/northlake-systems/pulsewatch/internal/pulse"
	"github.com/northlake-systems/pulsewatch/pkg/types"
)

// Publisher is the subset of eventbus.Bus the engine needs; kept as an
// interface so engine tests don't need a real bus.
type Publisher interface {
	Publish(event string, payload interface{})
}

// Engine runs probes and routes their outcomes onto the event bus.
type Engine struct {
	strategies *probe.Registry
	evaluator  *pulse.Evaluator
	bus        Publisher
	logger     *slog.Logger
}

// New creates a Probe Engine.
func New(strategies *probe.Registry, evaluator *pulse.Evaluator, bus Publisher, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		strategies: strategies,
		evaluator:  evaluator,
		bus:        bus,
		logger:     logger.With("component", "engine"),
	}
}

// RunProbe performs one probe against (service, check) end to end:
// dispatch, invoke the strategy, classify the latency, and route the
// resulting event.
func (e *Engine) RunProbe(ctx context.Context, service types.ServiceDescriptor, check types.Check) types.HeartbeatResult {
	now := time.Now()
	e.bus.Publish(types.EventHeartbeatSent, types.HeartbeatSentPayload{
		Service:   service.Name,
		Check:     check.Name,
		Timestamp: now,
	})

	start := time.Now()

	strategy, ok := e.strategies.Get(check.Strategy)
	if !ok {
		return e.fail(service, check, start, types.ProbeResult{
			Success: false,
			Error:   "unknown strategy: " + string(check.Strategy),
		})
	}

	result, panicked := e.invoke(ctx, strategy, service, check, start)
	if panicked {
		return e.fail(service, check, start, result)
	}
	latency := time.Since(start)
	pulse := e.evaluator.Evaluate(latency, result)

	hb := types.HeartbeatResult{
		Service:      service.Name,
		Check:        check.Name,
		Timestamp:    time.Now(),
		Pulse:        pulse,
		ResponseTime: latency,
		Success:      result.Success,
		HTTPStatus:   result.HTTPStatus,
		Error:        result.Error,
		HasResponse:  result.HasResponse,
	}

	e.route(hb)
	return hb
}

// invoke calls the strategy, recovering from any panic and converting it
// into a synthetic failure. panicked tells the caller to route the result
// through fail rather than the evaluator, matching the unknown-strategy
// path.
func (e *Engine) invoke(ctx context.Context, strategy probe.Strategy, service types.ServiceDescriptor, check types.Check, start time.Time) (result types.ProbeResult, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("strategy panicked", "service", service.Name, "check", check.Name, "recover", r)
			result = types.ProbeResult{Success: false, HasResponse: false, Error: "strategy panicked"}
			panicked = true
		}
	}()
	return strategy.Probe(ctx, service, check), false
}

// fail synthesizes a heartbeat_failed with pulse.status=flatline for
// conditions the evaluator never sees (unknown strategy, strategy panic).
func (e *Engine) fail(service types.ServiceDescriptor, check types.Check, start time.Time, result types.ProbeResult) types.HeartbeatResult {
	latency := time.Since(start)
	hb := types.HeartbeatResult{
		Service:      service.Name,
		Check:        check.Name,
		Timestamp:    time.Now(),
		Pulse:        types.Pulse{Status: types.PulseFlatline, LatencyMs: latency.Milliseconds(), Latency: latency},
		ResponseTime: latency,
		Success:      false,
		HTTPStatus:   result.HTTPStatus,
		Error:        result.Error,
		HasResponse:  result.HasResponse,
	}
	e.bus.Publish(types.EventHeartbeatFailed, e.outcomePayload(hb))
	return hb
}

// route emits heartbeat_received only for a clean 200 success; everything
// else (including non-2xx responses with a body) is heartbeat_failed.
func (e *Engine) route(hb types.HeartbeatResult) {
	if hb.Success && hb.HTTPStatus == 200 {
		e.bus.Publish(types.EventHeartbeatReceived, e.outcomePayload(hb))
		return
	}
	e.bus.Publish(types.EventHeartbeatFailed, e.outcomePayload(hb))
}

func (e *Engine) outcomePayload(hb types.HeartbeatResult) types.HeartbeatOutcomePayload {
	return types.HeartbeatOutcomePayload{
		Service:      hb.Service,
		Check:        hb.Check,
		Timestamp:    hb.Timestamp,
		Pulse:        hb.Pulse,
		ResponseTime: hb.ResponseTime,
		Success:      hb.Success,
		HTTPStatus:   hb.HTTPStatus,
		HasResponse:  hb.HasResponse,
		Error:        hb.Error,
	}
}
