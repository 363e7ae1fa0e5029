package state

import (
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

type fixedThresholds struct{ t types.Thresholds }

func (f fixedThresholds) Thresholds() types.Thresholds { return f.t }

func newManager(bus Publisher, thresholds types.Thresholds) *Manager {
	return New(bus, fixedThresholds{thresholds}, func(string) types.Tier { return types.TierStandard }, nil)
}

func outcome(service string, success bool, status types.PulseStatus, httpStatus int) types.HeartbeatOutcomePayload {
	return types.HeartbeatOutcomePayload{
		Service:      service,
		Check:        "c",
		Timestamp:    time.Now(),
		Pulse:        types.Pulse{Status: status},
		ResponseTime: 10 * time.Millisecond,
		Success:      success,
		HTTPStatus:   httpStatus,
		HasResponse:  true,
	}
}

func TestInitialStateIsHealthy(t *testing.T) {
	m := newManager(newRecordingBus(), types.DefaultThresholds())
	snap := m.Snapshot("unknown")
	if snap != nil {
		t.Fatal("an unobserved service must have no snapshot")
	}

	// stateFor creates lazily; force creation via a no-op failure/success
	// wouldn't be "unobserved" anymore, so just check NewServiceState directly.
	fresh := types.NewServiceState("svc")
	if fresh.CurrentStatus != types.PulseHealthy {
		t.Errorf("fresh state status = %s, want healthy", fresh.CurrentStatus)
	}
}

func TestHandleFailureIncrementsConsecutiveFailures(t *testing.T) {
	m := newManager(newRecordingBus(), types.DefaultThresholds())

	m.HandleFailure(outcome("svc", false, types.PulseCritical, 500))
	m.HandleFailure(outcome("svc", false, types.PulseCritical, 500))

	snap := m.Snapshot("svc")
	if snap.ConsecutiveFailures != 2 {
		t.Errorf("ConsecutiveFailures = %d, want 2", snap.ConsecutiveFailures)
	}
	if snap.FailureCount != 2 {
		t.Errorf("FailureCount = %d, want 2", snap.FailureCount)
	}
}

func TestFlatlineDetectedAtThreshold(t *testing.T) {
	bus := newRecordingBus()
	thresholds := types.DefaultThresholds()
	thresholds.Tiers[types.TierStandard] = types.TierThresholds{FlatlineThreshold: 3}
	m := newManager(bus, thresholds)

	// Transport failures: no HTTP response at all.
	failure := outcome("svc", false, types.PulseCritical, 0)
	failure.HasResponse = false

	for i := 0; i < 2; i++ {
		m.HandleFailure(failure)
	}
	if _, ok := bus.last[types.EventFlatlineDetected]; ok {
		t.Fatal("flatline must not fire before the threshold is reached")
	}

	m.HandleFailure(failure)

	payload, ok := bus.last[types.EventFlatlineDetected].(types.FlatlineDetectedPayload)
	if !ok {
		t.Fatal("expected flatline_detected to be published at the threshold")
	}
	if payload.ConsecutiveFailures != 3 {
		t.Errorf("ConsecutiveFailures at flatline = %d, want 3", payload.ConsecutiveFailures)
	}

	snap := m.Snapshot("svc")
	if !snap.IsFlatlined {
		t.Error("service must be marked flatlined")
	}
}

func TestFlatlineDetectedOnlyOnce(t *testing.T) {
	bus := newRecordingBus()
	thresholds := types.DefaultThresholds()
	thresholds.Tiers[types.TierStandard] = types.TierThresholds{FlatlineThreshold: 2}
	m := newManager(bus, thresholds)

	failure := outcome("svc", false, types.PulseCritical, 0)
	failure.HasResponse = false

	for i := 0; i < 5; i++ {
		m.HandleFailure(failure)
	}

	count := 0
	for _, e := range bus.events {
		if e == types.EventFlatlineDetected {
			count++
		}
	}
	if count != 1 {
		t.Errorf("flatline_detected published %d times, want exactly 1 (single-shot while already flatlined)", count)
	}
}

func TestHTTP5xxNeverFlatlinesFasterThanThreshold(t *testing.T) {
	// Open Question decision: hasResponse=true failures still only count
	// toward consecutiveFailures, never skip straight to flatlined.
	bus := newRecordingBus()
	thresholds := types.DefaultThresholds()
	thresholds.Tiers[types.TierStandard] = types.TierThresholds{FlatlineThreshold: 3}
	m := newManager(bus, thresholds)

	p := outcome("svc", false, types.PulseCritical, 503)
	p.HasResponse = true
	m.HandleFailure(p)

	snap := m.Snapshot("svc")
	if snap.IsFlatlined {
		t.Fatal("a single 5xx response must not immediately flatline the service")
	}
}

func TestHTTP5xxNeverFlatlinesEvenAtThreshold(t *testing.T) {
	bus := newRecordingBus()
	thresholds := types.DefaultThresholds()
	thresholds.Tiers[types.TierStandard] = types.TierThresholds{FlatlineThreshold: 3}
	m := newManager(bus, thresholds)

	for i := 0; i < 3; i++ {
		p := outcome("svc", false, types.PulseCritical, 503)
		p.HasResponse = true
		m.HandleFailure(p)
	}

	if _, ok := bus.last[types.EventFlatlineDetected]; ok {
		t.Fatal("flatline_detected must never fire for hasResponse=true failures, even at the threshold")
	}

	snap := m.Snapshot("svc")
	if snap.IsFlatlined {
		t.Error("three consecutive 503s with body must not flatline the service")
	}
	if snap.ConsecutiveFailures != 3 {
		t.Errorf("ConsecutiveFailures = %d, want 3 (still counted as failures)", snap.ConsecutiveFailures)
	}
	if snap.FailureCount != 3 {
		t.Errorf("FailureCount = %d, want 3", snap.FailureCount)
	}
}

func TestRecoveryAfterFlatline(t *testing.T) {
	bus := newRecordingBus()
	thresholds := types.DefaultThresholds()
	thresholds.Tiers[types.TierStandard] = types.TierThresholds{FlatlineThreshold: 2}
	m := newManager(bus, thresholds)

	failure := outcome("svc", false, types.PulseCritical, 0)
	failure.HasResponse = false
	m.HandleFailure(failure)
	m.HandleFailure(failure)

	m.HandleSuccess(outcome("svc", true, types.PulseHealthy, 200))

	payload, ok := bus.last[types.EventServiceRecovered].(types.ServiceRecoveredPayload)
	if !ok {
		t.Fatal("expected service_recovered to be published")
	}
	if payload.FailureCount != 2 {
		t.Errorf("FailureCount at recovery = %d, want 2", payload.FailureCount)
	}

	snap := m.Snapshot("svc")
	if snap.IsFlatlined {
		t.Error("service must no longer be flatlined after recovery")
	}
	if snap.ConsecutiveFailures != 0 {
		t.Errorf("ConsecutiveFailures after recovery = %d, want 0", snap.ConsecutiveFailures)
	}
}

func TestImmediateTransitionToCriticalAndHealthy(t *testing.T) {
	bus := newRecordingBus()
	m := newManager(bus, types.DefaultThresholds())

	m.HandleSuccess(outcome("svc", true, types.PulseCritical, 200))
	if snap := m.Snapshot("svc"); snap.CurrentStatus != types.PulseCritical {
		t.Errorf("a single critical-latency success must transition immediately, got %s", snap.CurrentStatus)
	}

	m.HandleSuccess(outcome("svc", true, types.PulseHealthy, 200))
	if snap := m.Snapshot("svc"); snap.CurrentStatus != types.PulseHealthy {
		t.Errorf("a single healthy-latency success must transition immediately, got %s", snap.CurrentStatus)
	}
}

func TestSustainedWarningRequiresConsecutiveSamples(t *testing.T) {
	bus := newRecordingBus()
	thresholds := types.DefaultThresholds()
	thresholds.SustainedCount = 3
	m := newManager(bus, thresholds)

	m.HandleSuccess(outcome("svc", true, types.PulseWarning, 200))
	if snap := m.Snapshot("svc"); snap.CurrentStatus == types.PulseWarning {
		t.Fatal("a single warning-range sample must not enter warning status")
	}

	m.HandleSuccess(outcome("svc", true, types.PulseWarning, 200))
	if snap := m.Snapshot("svc"); snap.CurrentStatus == types.PulseWarning {
		t.Fatal("two warning-range samples (below sustainedCount=3) must not enter warning status")
	}

	m.HandleSuccess(outcome("svc", true, types.PulseWarning, 200))
	if snap := m.Snapshot("svc"); snap.CurrentStatus != types.PulseWarning {
		t.Errorf("three consecutive warning-range samples must enter warning status, got %s", snap.CurrentStatus)
	}
}

func TestSustainedWarningResetByNonWarningSample(t *testing.T) {
	bus := newRecordingBus()
	thresholds := types.DefaultThresholds()
	thresholds.SustainedCount = 2
	m := newManager(bus, thresholds)

	m.HandleSuccess(outcome("svc", true, types.PulseWarning, 200))
	m.HandleSuccess(outcome("svc", true, types.PulseHealthy, 200))
	m.HandleSuccess(outcome("svc", true, types.PulseWarning, 200))

	if snap := m.Snapshot("svc"); snap.CurrentStatus == types.PulseWarning {
		t.Error("a healthy sample in between must reset the sustained-warning streak")
	}
}

func TestSnapshotsReturnsIndependentCopies(t *testing.T) {
	bus := newRecordingBus()
	m := newManager(bus, types.DefaultThresholds())
	m.HandleSuccess(outcome("svc", true, types.PulseHealthy, 200))

	snap := m.Snapshot("svc")
	snap.ConsecutiveFailures = 999

	fresh := m.Snapshot("svc")
	if fresh.ConsecutiveFailures == 999 {
		t.Fatal("Snapshot must return a copy; mutating it must not affect internal state")
	}
}

func TestResetDropsService(t *testing.T) {
	bus := newRecordingBus()
	m := newManager(bus, types.DefaultThresholds())
	m.HandleSuccess(outcome("svc", true, types.PulseHealthy, 200))

	m.Reset("svc")

	if snap := m.Snapshot("svc"); snap != nil {
		t.Error("Reset must drop the service's in-memory state entirely")
	}
}

func TestUptimeComputation(t *testing.T) {
	bus := newRecordingBus()
	m := newManager(bus, types.DefaultThresholds())

	fresh := m.Snapshot("never-seen")
	if fresh != nil {
		t.Fatal("unexpected snapshot for never-seen service")
	}

	m.HandleSuccess(outcome("svc", true, types.PulseHealthy, 200))
	m.HandleFailure(outcome("svc", false, types.PulseCritical, 500))

	snap := m.Snapshot("svc")
	if snap.Uptime() != 50 {
		t.Errorf("Uptime = %v, want 50 for 1 success / 1 failure", snap.Uptime())
	}
}
