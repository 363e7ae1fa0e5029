// Package state implements the per-service Service State Machine:
// consecutive-failure counters, sustained-warning hysteresis, flatline
// detection, and recovery.
//
// Each service's ServiceState is guarded by its own mutex rather than one
// shared map lock, so a slow update for one service never blocks another.
package state

import (
	"log/slog"
	"sync"
	"time"

	"github.com/northlake-systems/pulsewatch/pkg/types"
)

// Publisher is the subset of eventbus.Bus the state machine needs.
type Publisher interface {
	Publish(event string, payload interface{})
}

// TierLookup resolves a service's tier for flatline-threshold purposes.
type TierLookup func(service string) types.Tier

// Thresholds is the subset of pulse.Evaluator the state machine needs to
// read live (sustainedCount and per-tier flatline thresholds).
type Thresholds interface {
	Thresholds() types.Thresholds
}

// Manager owns every service's ServiceState and serializes mutations to it
// per service.
type Manager struct {
	bus        Publisher
	thresholds Thresholds
	tierOf     TierLookup
	logger     *slog.Logger

	mu       sync.Mutex
	services map[string]*guardedState
}

type guardedState struct {
	mu    sync.Mutex
	state *types.ServiceState
}

// New creates a state machine that publishes its derived events to bus.
// It subscribes to nothing; call Subscribe to wire heartbeat_received and
// heartbeat_failed onto a real event bus.
func New(bus Publisher, thresholds Thresholds, tierOf TierLookup, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		bus:        bus,
		thresholds: thresholds,
		tierOf:     tierOf,
		logger:     logger.With("component", "state"),
		services:   make(map[string]*guardedState),
	}
}

// Subscribe registers the manager's handlers on a real event bus. Kept
// separate from New so tests can drive HandleFailure/HandleSuccess
// directly without a bus.
func (m *Manager) Subscribe(sub interface {
	Subscribe(event string, handler func(interface{})) string
}) {
	sub.Subscribe(types.EventHeartbeatFailed, func(p interface{}) {
		if payload, ok := p.(types.HeartbeatOutcomePayload); ok {
			m.HandleFailure(payload)
		}
	})
	sub.Subscribe(types.EventHeartbeatReceived, func(p interface{}) {
		if payload, ok := p.(types.HeartbeatOutcomePayload); ok {
			m.HandleSuccess(payload)
		}
	})
}

func (m *Manager) stateFor(service string) *guardedState {
	m.mu.Lock()
	defer m.mu.Unlock()
	gs, ok := m.services[service]
	if !ok {
		gs = &guardedState{state: types.NewServiceState(service)}
		m.services[service] = gs
	}
	return gs
}

// Snapshot returns a copy of a service's state, or nil if the service has
// never been observed.
func (m *Manager) Snapshot(service string) *types.ServiceState {
	m.mu.Lock()
	gs, ok := m.services[service]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.state.Clone()
}

// Snapshots returns a copy of every known service's state.
func (m *Manager) Snapshots() map[string]*types.ServiceState {
	m.mu.Lock()
	names := make([]string, 0, len(m.services))
	gss := make([]*guardedState, 0, len(m.services))
	for name, gs := range m.services {
		names = append(names, name)
		gss = append(gss, gs)
	}
	m.mu.Unlock()

	out := make(map[string]*types.ServiceState, len(names))
	for i, name := range names {
		gss[i].mu.Lock()
		out[name] = gss[i].state.Clone()
		gss[i].mu.Unlock()
	}
	return out
}

// Reset discards a service's in-memory state, e.g. on config reload when
// the service is dropped.
func (m *Manager) Reset(service string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.services, service)
}

func appendHistory(s *types.ServiceState, sample types.ResponseSample, cap int) {
	s.ResponseHistory = append(s.ResponseHistory, sample)
	if cap <= 0 {
		cap = types.DefaultThresholds().SustainedCount
	}
	if len(s.ResponseHistory) > cap {
		s.ResponseHistory = s.ResponseHistory[len(s.ResponseHistory)-cap:]
	}
}

// severityFor derives the one-shot flatline severity from the consecutive
// failure count at the moment of detection.
func severityFor(failures int) string {
	switch {
	case failures >= 10:
		return "catastrophic"
	case failures >= 5:
		return "critical"
	default:
		return "warning"
	}
}

// HandleFailure processes one heartbeat_failed event for its service.
func (m *Manager) HandleFailure(p types.HeartbeatOutcomePayload) {
	gs := m.stateFor(p.Service)
	gs.mu.Lock()
	defer gs.mu.Unlock()

	s := gs.state
	ts := p.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	s.ConsecutiveFailures++
	s.LastFailure = timePtr(ts)
	s.LastCheck = timePtr(ts)
	s.FailureCount++
	status := p.HTTPStatus
	s.LastHTTPStatus = &status

	appendHistory(s, types.ResponseSample{
		Timestamp: ts,
		LatencyMs: p.ResponseTime.Milliseconds(),
		Status:    types.PulseCritical,
		IsFailure: true,
	}, m.sustainedCount())

	tier := types.TierStandard
	if m.tierOf != nil {
		tier = m.tierOf(p.Service)
	}
	threshold := m.thresholds.Thresholds().FlatlineThreshold(tier)

	// An upstream HTTP error with a body is "observable sick", not
	// "unreachable" — it counts toward consecutiveFailures but never
	// trips flatline detection.
	if !p.HasResponse && s.ConsecutiveFailures >= threshold && !s.IsFlatlined {
		s.IsFlatlined = true
		s.FlatlineStartTime = timePtr(ts)

		var timeSince time.Duration
		if s.LastSuccess != nil {
			timeSince = ts.Sub(*s.LastSuccess)
		}

		m.bus.Publish(types.EventFlatlineDetected, types.FlatlineDetectedPayload{
			Service:              p.Service,
			ConsecutiveFailures:  s.ConsecutiveFailures,
			LastSuccess:          s.LastSuccess,
			TimeSinceLastSuccess: timeSince,
			Severity:             severityFor(s.ConsecutiveFailures),
			Timestamp:            ts,
		})
	}

	if s.CurrentStatus != types.PulseFlatline {
		old := s.CurrentStatus
		s.CurrentStatus = types.PulseFlatline
		m.bus.Publish(types.EventPulseChanged, types.PulseChangedPayload{
			Service:   p.Service,
			OldStatus: old,
			NewStatus: types.PulseFlatline,
			Timestamp: ts,
		})
	}
}

// HandleSuccess processes one heartbeat_received event for its service.
func (m *Manager) HandleSuccess(p types.HeartbeatOutcomePayload) {
	gs := m.stateFor(p.Service)
	gs.mu.Lock()
	defer gs.mu.Unlock()

	s := gs.state
	ts := p.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	if s.IsFlatlined {
		var downtime time.Duration
		if s.FlatlineStartTime != nil {
			downtime = ts.Sub(*s.FlatlineStartTime)
		}
		m.bus.Publish(types.EventServiceRecovered, types.ServiceRecoveredPayload{
			Service:      p.Service,
			Downtime:     downtime,
			FailureCount: s.ConsecutiveFailures,
			Timestamp:    ts,
		})
		s.IsFlatlined = false
		s.FlatlineStartTime = nil
	}

	s.ConsecutiveFailures = 0
	s.SuccessCount++
	s.LastSuccess = timePtr(ts)
	s.LastCheck = timePtr(ts)
	status := p.HTTPStatus
	s.LastHTTPStatus = &status

	sustainedCount := m.sustainedCount()
	appendHistory(s, types.ResponseSample{
		Timestamp: ts,
		LatencyMs: p.ResponseTime.Milliseconds(),
		Status:    p.Pulse.Status,
		IsFailure: false,
	}, sustainedCount)

	newStatus := m.nextStatus(s, p.Pulse.Status, sustainedCount)

	if newStatus != s.CurrentStatus {
		old := s.CurrentStatus
		s.CurrentStatus = newStatus
		m.bus.Publish(types.EventPulseChanged, types.PulseChangedPayload{
			Service:      p.Service,
			OldStatus:    old,
			NewStatus:    newStatus,
			ResponseTime: p.ResponseTime,
			Timestamp:    ts,
		})
	}
}

func (m *Manager) sustainedCount() int {
	n := m.thresholds.Thresholds().SustainedCount
	if n <= 0 {
		return types.DefaultThresholds().SustainedCount
	}
	return n
}

// nextStatus implements the one-sided sustained-hysteresis rule:
// immediate recovery to healthy, immediate entry into critical, but
// warning requires sustainedCount consecutive non-failure warning-range
// samples.
func (m *Manager) nextStatus(s *types.ServiceState, observed types.PulseStatus, sustainedCount int) types.PulseStatus {
	switch observed {
	case types.PulseCritical:
		return types.PulseCritical
	case types.PulseHealthy:
		return types.PulseHealthy
	case types.PulseWarning:
		if sustainedWarning(s.ResponseHistory, sustainedCount) {
			return types.PulseWarning
		}
		return types.PulseHealthy
	default:
		return s.CurrentStatus
	}
}

func sustainedWarning(history []types.ResponseSample, sustainedCount int) bool {
	if len(history) < sustainedCount {
		return false
	}
	window := history[len(history)-sustainedCount:]
	for _, h := range window {
		if h.IsFailure || h.Status != types.PulseWarning {
			return false
		}
	}
	return true
}

func timePtr(t time.Time) *time.Time {
	return &t
}
