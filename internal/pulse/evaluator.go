// Package pulse implements the Pulse Evaluator: mapping a probe's latency
// and result into a PulseStatus. Thresholds are held behind a
// lock so the Read API can hot-apply changes (DESIGN.md Open Question 3).
package pulse

import (
	"sync"
	"time"

	"github.com/northlake-systems/pulsewatch/pkg/types"
)

// Evaluator classifies probe outcomes using a live, mutable threshold set.
type Evaluator struct {
	mu         sync.RWMutex
	thresholds types.Thresholds
}

// New creates an Evaluator seeded with the given thresholds.
func New(thresholds types.Thresholds) *Evaluator {
	return &Evaluator{thresholds: thresholds}
}

// Thresholds returns a copy of the current thresholds.
func (e *Evaluator) Thresholds() types.Thresholds {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t := e.thresholds
	if e.thresholds.Tiers != nil {
		t.Tiers = make(map[types.Tier]types.TierThresholds, len(e.thresholds.Tiers))
		for tier, tt := range e.thresholds.Tiers {
			t.Tiers[tier] = tt
		}
	}
	return t
}

// SetThresholds hot-applies new thresholds. Only the non-zero fields the
// caller intends to change should differ from the current value; callers
// should read-modify-write via Thresholds() first.
func (e *Evaluator) SetThresholds(t types.Thresholds) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.thresholds = t
}

// Evaluate classifies (latency, result) into a Pulse. It never returns
// PulseFlatline; only the state machine may raise that.
func (e *Evaluator) Evaluate(latency time.Duration, result types.ProbeResult) types.Pulse {
	e.mu.RLock()
	t := e.thresholds
	e.mu.RUnlock()

	latencyMs := latency.Milliseconds()

	status := types.PulseCritical
	if result.Success {
		switch {
		case latencyMs <= int64(t.HealthyMaxMs):
			status = types.PulseHealthy
		case latencyMs <= int64(t.WarningMaxMs):
			status = types.PulseWarning
		default:
			status = types.PulseCritical
		}
	}

	return types.Pulse{
		Status:    status,
		LatencyMs: latencyMs,
		Latency:   latency,
	}
}
