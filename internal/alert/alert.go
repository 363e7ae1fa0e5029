// Package alert turns state-machine events into a bounded, queryable
// alert history with mute/unmute, and re-publishes each alert as
// alert_triggered for the broadcaster.
//
// Unlike the anomaly-polling alert worker it is modeled on, this store
// reacts synchronously to pulse_changed, flatline_detected, and
// service_recovered as they're published — there is no lookback window
// or polling interval, because the state machine already debounces via
// sustained-warning hysteresis.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/northlake-systems/pulsewatch/internal/cache"
	"github.com/northlake-systems/pulsewatch/pkg/types"
)

const historyCap = 100

const muteKeyPrefix = "mute:"

// Publisher is the subset of eventbus.Bus the alert store needs.
type Publisher interface {
	Publish(event string, payload interface{})
}

// Subscribable is the subset of eventbus.Bus needed to wire handlers.
type Subscribable interface {
	Subscribe(event string, handler func(interface{})) string
}

// Store holds recent alerts in memory, optionally mirroring mute state
// to Redis so a mute survives a restart.
type Store struct {
	bus    Publisher
	cache  *cache.Cache // nil disables persistence; mutes still work in-memory
	logger *slog.Logger

	mu      sync.Mutex
	alerts  []types.Alert
	muted   map[string]*time.Time // service -> mutedUntil (nil = muted indefinitely)
}

// New creates an alert store. cache may be nil.
func New(bus Publisher, c *cache.Cache, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		bus:    bus,
		cache:  c,
		logger: logger.With("component", "alert"),
		muted:  make(map[string]*time.Time),
	}
}

// Subscribe wires the store's handlers onto a real event bus.
func (s *Store) Subscribe(sub Subscribable) {
	sub.Subscribe(types.EventPulseChanged, func(p interface{}) {
		if payload, ok := p.(types.PulseChangedPayload); ok {
			s.handlePulseChanged(payload)
		}
	})
	sub.Subscribe(types.EventFlatlineDetected, func(p interface{}) {
		if payload, ok := p.(types.FlatlineDetectedPayload); ok {
			s.handleFlatline(payload)
		}
	})
	sub.Subscribe(types.EventServiceRecovered, func(p interface{}) {
		if payload, ok := p.(types.ServiceRecoveredPayload); ok {
			s.handleRecovered(payload)
		}
	})
}

func severityFromString(sev string) types.AlertSeverity {
	switch sev {
	case "catastrophic":
		return types.AlertSeverityCritical
	case "critical":
		return types.AlertSeverityHigh
	case "warning":
		return types.AlertSeverityMedium
	default:
		return types.AlertSeverityLow
	}
}

func (s *Store) handlePulseChanged(p types.PulseChangedPayload) {
	// Only degradations into warning/critical are alert-worthy; recovery
	// to healthy is reported separately via service_recovered once a
	// flatline has actually occurred, and flatline entry is handled by
	// handleFlatline to avoid a duplicate alert for the same event.
	if p.NewStatus != types.PulseWarning && p.NewStatus != types.PulseCritical {
		return
	}
	if p.NewStatus == types.PulseCritical && p.OldStatus == types.PulseFlatline {
		return
	}

	sev := types.AlertSeverityMedium
	if p.NewStatus == types.PulseCritical {
		sev = types.AlertSeverityHigh
	}

	s.record(types.Alert{
		ID:        uuid.New().String(),
		Type:      types.AlertTypeDegraded,
		Service:   p.Service,
		Severity:  sev,
		Message:   fmt.Sprintf("%s degraded from %s to %s", p.Service, p.OldStatus, p.NewStatus),
		Timestamp: p.Timestamp,
	})
}

func (s *Store) handleFlatline(p types.FlatlineDetectedPayload) {
	s.record(types.Alert{
		ID:       uuid.New().String(),
		Type:     types.AlertTypeFlatline,
		Service:  p.Service,
		Severity: severityFromString(p.Severity),
		Message: fmt.Sprintf("%s flatlined after %d consecutive failures",
			p.Service, p.ConsecutiveFailures),
		Timestamp: p.Timestamp,
	})
}

func (s *Store) handleRecovered(p types.ServiceRecoveredPayload) {
	s.record(types.Alert{
		ID:        uuid.New().String(),
		Type:      types.AlertTypeRecovery,
		Service:   p.Service,
		Severity:  types.AlertSeverityInfo,
		Message:   fmt.Sprintf("%s recovered after %s", p.Service, p.Downtime.Round(time.Second)),
		Timestamp: p.Timestamp,
	})
}

func (s *Store) record(a types.Alert) {
	s.mu.Lock()
	if until, muted := s.muted[a.Service]; muted {
		if until == nil || time.Now().Before(*until) {
			a.Muted = true
			a.MutedUntil = until
		}
	}
	s.alerts = append(s.alerts, a)
	if len(s.alerts) > historyCap {
		s.alerts = s.alerts[len(s.alerts)-historyCap:]
	}
	s.mu.Unlock()

	s.logger.Info("alert recorded", "service", a.Service, "type", a.Type, "severity", a.Severity, "muted", a.Muted)

	if s.bus != nil {
		s.bus.Publish(types.EventAlertTriggered, types.AlertTriggeredPayload{Alert: a, Timestamp: a.Timestamp})
	}
}

// List returns the most recent alerts, newest first, up to limit (0 means
// no limit).
func (s *Store) List(limit int) []types.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.Alert, len(s.alerts))
	for i, a := range s.alerts {
		out[len(s.alerts)-1-i] = a
	}
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out
}

// Mute silences alerts for service. until nil means indefinite.
func (s *Store) Mute(ctx context.Context, service string, until *time.Time) {
	s.mu.Lock()
	s.muted[service] = until
	s.mu.Unlock()

	if s.cache != nil {
		if err := s.cache.SetPersistent(ctx, muteKeyPrefix+service, until); err != nil {
			s.logger.Error("failed to persist mute state", "service", service, "error", err)
		}
	}
}

// Unmute clears a silence for service.
func (s *Store) Unmute(ctx context.Context, service string) {
	s.mu.Lock()
	delete(s.muted, service)
	s.mu.Unlock()

	if s.cache != nil {
		if err := s.cache.Delete(ctx, muteKeyPrefix+service); err != nil {
			s.logger.Error("failed to clear persisted mute state", "service", service, "error", err)
		}
	}
}

// IsMuted reports whether service is currently muted.
func (s *Store) IsMuted(service string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.muted[service]
	if !ok {
		return false
	}
	return until == nil || time.Now().Before(*until)
}

// LoadMutes restores mute state from Redis at startup, for services
// whose mute was persisted before a restart.
func (s *Store) LoadMutes(ctx context.Context, services []string) {
	if s.cache == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range services {
		var until *time.Time
		ok, err := s.cache.GetJSON(ctx, muteKeyPrefix+name, &until)
		if err != nil || !ok {
			continue
		}
		s.muted[name] = until
	}
}
