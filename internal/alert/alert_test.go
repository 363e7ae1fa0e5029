package alert

import (
	"context"
	"testing"
	"time"

	"github.com/northlake-systems/pulsewatch/pkg/types"
)

type recordingBus struct {
	events []string
	last   map[string]interface{}
}

func newRecordingBus() *recordingBus {
	return &recordingBus{last: make(map[string]interface{})}
}

func (b *recordingBus) Publish(event string, payload interface{}) {
	b.events = append(b.events, event)
	b.last[event] = payload
}

func TestHandlePulseChangedIgnoresBenignTransitions(t *testing.T) {
	bus := newRecordingBus()
	s := New(bus, nil, nil)

	s.Subscribe(noopSubscribable{})
	s.handlePulseChanged(types.PulseChangedPayload{Service: "svc", OldStatus: types.PulseHealthy, NewStatus: types.PulseHealthy, Timestamp: time.Now()})

	if len(s.List(0)) != 0 {
		t.Fatal("a non-degrading transition must not record an alert")
	}
}

func TestHandlePulseChangedRecordsDegradation(t *testing.T) {
	bus := newRecordingBus()
	s := New(bus, nil, nil)

	s.handlePulseChanged(types.PulseChangedPayload{Service: "svc", OldStatus: types.PulseHealthy, NewStatus: types.PulseWarning, Timestamp: time.Now()})

	alerts := s.List(0)
	if len(alerts) != 1 {
		t.Fatalf("got %d alerts, want 1", len(alerts))
	}
	if alerts[0].Type != types.AlertTypeDegraded || alerts[0].Severity != types.AlertSeverityMedium {
		t.Errorf("unexpected alert: %+v", alerts[0])
	}
}

func TestHandlePulseChangedSkipsDuplicateOnFlatlineTransition(t *testing.T) {
	// A transition from flatline -> critical must not double-alert; the
	// flatline itself was already recorded by handleFlatline.
	bus := newRecordingBus()
	s := New(bus, nil, nil)

	s.handlePulseChanged(types.PulseChangedPayload{Service: "svc", OldStatus: types.PulseFlatline, NewStatus: types.PulseCritical, Timestamp: time.Now()})

	if len(s.List(0)) != 0 {
		t.Error("a flatline -> critical transition must not produce a second alert")
	}
}

func TestHandleFlatlineRecordsWithMappedSeverity(t *testing.T) {
	bus := newRecordingBus()
	s := New(bus, nil, nil)

	s.handleFlatline(types.FlatlineDetectedPayload{Service: "svc", ConsecutiveFailures: 5, Severity: "catastrophic", Timestamp: time.Now()})

	alerts := s.List(0)
	if len(alerts) != 1 {
		t.Fatalf("got %d alerts, want 1", len(alerts))
	}
	if alerts[0].Severity != types.AlertSeverityCritical {
		t.Errorf("severity = %s, want %s for %q", alerts[0].Severity, types.AlertSeverityCritical, "catastrophic")
	}
}

func TestHandleRecoveredRecordsInfoAlert(t *testing.T) {
	bus := newRecordingBus()
	s := New(bus, nil, nil)

	s.handleRecovered(types.ServiceRecoveredPayload{Service: "svc", Downtime: 90 * time.Second, FailureCount: 9, Timestamp: time.Now()})

	alerts := s.List(0)
	if len(alerts) != 1 || alerts[0].Severity != types.AlertSeverityInfo || alerts[0].Type != types.AlertTypeRecovery {
		t.Fatalf("unexpected alerts: %+v", alerts)
	}
}

func TestRecordPublishesAlertTriggered(t *testing.T) {
	bus := newRecordingBus()
	s := New(bus, nil, nil)

	s.handleFlatline(types.FlatlineDetectedPayload{Service: "svc", Timestamp: time.Now()})

	payload, ok := bus.last[types.EventAlertTriggered].(types.AlertTriggeredPayload)
	if !ok {
		t.Fatal("expected alert_triggered to be published")
	}
	if payload.Alert.Service != "svc" {
		t.Errorf("unexpected alert payload: %+v", payload)
	}
}

func TestListReturnsNewestFirstAndRespectsLimit(t *testing.T) {
	bus := newRecordingBus()
	s := New(bus, nil, nil)

	for i := 0; i < 3; i++ {
		s.handleFlatline(types.FlatlineDetectedPayload{Service: "svc", ConsecutiveFailures: i, Timestamp: time.Now()})
	}

	all := s.List(0)
	if len(all) != 3 {
		t.Fatalf("got %d alerts, want 3", len(all))
	}
	if all[0].Message == all[2].Message {
		t.Fatal("fixture produced identical messages; cannot assert ordering")
	}

	limited := s.List(2)
	if len(limited) != 2 {
		t.Fatalf("List(2) returned %d, want 2", len(limited))
	}
	if limited[0] != all[0] {
		t.Error("List must return the newest alerts first")
	}
}

func TestHistoryIsBoundedToCap(t *testing.T) {
	bus := newRecordingBus()
	s := New(bus, nil, nil)

	for i := 0; i < historyCap+10; i++ {
		s.handleFlatline(types.FlatlineDetectedPayload{Service: "svc", ConsecutiveFailures: i, Timestamp: time.Now()})
	}

	if got := len(s.List(0)); got != historyCap {
		t.Errorf("alert history length = %d, want bounded to %d", got, historyCap)
	}
}

func TestMuteSuppressesFutureAlerts(t *testing.T) {
	bus := newRecordingBus()
	s := New(bus, nil, nil)
	ctx := context.Background()

	s.Mute(ctx, "svc", nil)
	if !s.IsMuted("svc") {
		t.Fatal("service must report muted after Mute")
	}

	s.handleFlatline(types.FlatlineDetectedPayload{Service: "svc", Timestamp: time.Now()})

	alerts := s.List(0)
	if len(alerts) != 1 || !alerts[0].Muted {
		t.Fatalf("expected the recorded alert to be flagged muted, got %+v", alerts)
	}
}

func TestMuteWithPastExpiryDoesNotSuppress(t *testing.T) {
	bus := newRecordingBus()
	s := New(bus, nil, nil)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	s.Mute(ctx, "svc", &past)

	if s.IsMuted("svc") {
		t.Fatal("a mute with an expiry in the past must not currently suppress alerts")
	}
}

func TestUnmuteClearsMuteState(t *testing.T) {
	bus := newRecordingBus()
	s := New(bus, nil, nil)
	ctx := context.Background()

	s.Mute(ctx, "svc", nil)
	s.Unmute(ctx, "svc")

	if s.IsMuted("svc") {
		t.Error("Unmute must clear the muted state")
	}
}

func TestLoadMutesIsNoopWithoutCache(t *testing.T) {
	s := New(newRecordingBus(), nil, nil)
	s.LoadMutes(context.Background(), []string{"svc"}) // must not panic with a nil cache

	if s.IsMuted("svc") {
		t.Error("LoadMutes without a cache must not mark anything muted")
	}
}

type noopSubscribable struct{}

func (noopSubscribable) Subscribe(event string, handler func(interface{})) string { return "" }
