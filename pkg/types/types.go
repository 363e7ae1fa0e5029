// Package types defines the core domain model shared across pulsewatch:
// service descriptors, thresholds, probe results, pulses, and per-service
// state. Types are JSON-serializable since they cross the Read API and the
// streaming channel verbatim.
package types

import (
	"fmt"
	"time"
)

// Tier is a service's priority class. It selects the flatline threshold;
// it does not affect the probe interval, which comes only from each
// service's own configured interval.
type Tier string

const (
	TierCritical Tier = "critical"
	TierStandard Tier = "standard"
	TierLow      Tier = "low"
)

// Strategy identifies a probe strategy implementation.
type Strategy string

const (
	StrategyBasic         Strategy = "basic"
	StrategyAuthenticated Strategy = "authenticated"
	StrategyQuery         Strategy = "query"
)

// DefaultCheckTimeout is used when a check does not specify one.
const DefaultCheckTimeout = 10 * time.Second

// Check is a single named probe definition on a service.
type Check struct {
	Name      string                 `json:"name"`
	Strategy  Strategy               `json:"strategy"`
	Query     string                 `json:"query,omitempty"`
	Variables map[string]interface{} `json:"variables,omitempty"`
	Timeout   time.Duration          `json:"timeout,omitempty"`

	// Template names a recipes.yaml entry this check was merged from.
	// Populated by the config loader; fields explicitly set on the check
	// in services.json always win over the template.
	Template string `json:"template,omitempty"`
}

// EffectiveTimeout returns the check's timeout or the default.
func (c Check) EffectiveTimeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultCheckTimeout
}

// ServiceDescriptor is the static, per-config-reload description of one
// monitored upstream endpoint.
type ServiceDescriptor struct {
	Name          string        `json:"name"`
	URL           string        `json:"url"`
	Tier          Tier          `json:"tier"`
	ProbeInterval time.Duration `json:"probeInterval"`
	Checks        []Check       `json:"checks"`

	// AuthToken is used directly when set. AuthTokenRef, when set instead,
	// is resolved through the secrets provider at load time.
	AuthToken    string `json:"authToken,omitempty"`
	AuthTokenRef string `json:"authTokenRef,omitempty"`
}

// TierThresholds holds the per-tier override for flatline detection.
type TierThresholds struct {
	FlatlineThreshold int `json:"consecutiveFailures"`
}

// Thresholds is the semantic config controlling pulse classification and
// flatline/sustained-warning detection. It is safe to mutate at runtime
// (see internal/pulse) behind a lock; the Read API hot-applies changes.
type Thresholds struct {
	HealthyMaxMs int `json:"healthyMax"`
	WarningMaxMs int `json:"warningMax"`

	// SustainedCount is how many consecutive warning-range successes are
	// required before the state machine enters warning.
	SustainedCount int `json:"sustainedCount"`

	// Tiers maps tier name to its flatline-threshold override. Tiers not
	// present fall back to DefaultFlatlineThreshold.
	Tiers map[Tier]TierThresholds `json:"tiers,omitempty"`
}

// DefaultFlatlineThreshold is used for tiers with no explicit override.
const DefaultFlatlineThreshold = 3

// FlatlineThreshold returns the consecutive-failure count that triggers
// flatline for the given tier.
func (t Thresholds) FlatlineThreshold(tier Tier) int {
	if tt, ok := t.Tiers[tier]; ok && tt.FlatlineThreshold > 0 {
		return tt.FlatlineThreshold
	}
	return DefaultFlatlineThreshold
}

// DefaultThresholds returns sensible defaults matching the documented
// config schema.
func DefaultThresholds() Thresholds {
	return Thresholds{
		HealthyMaxMs:   200,
		WarningMaxMs:   500,
		SustainedCount: 3,
		Tiers: map[Tier]TierThresholds{
			TierCritical: {FlatlineThreshold: 2},
			TierStandard: {FlatlineThreshold: 3},
			TierLow:      {FlatlineThreshold: 5},
		},
	}
}

// PulseStatus is the instantaneous or service-level health classification.
type PulseStatus string

const (
	PulseHealthy  PulseStatus = "healthy"
	PulseWarning  PulseStatus = "warning"
	PulseCritical PulseStatus = "critical"
	PulseFlatline PulseStatus = "flatline"
)

// ProbeResult is produced by every probe strategy.
type ProbeResult struct {
	Success     bool        `json:"success"`
	HasResponse bool        `json:"hasResponse"`
	HTTPStatus  int         `json:"httpStatus"`
	Data        interface{} `json:"data,omitempty"`
	Error       string      `json:"error,omitempty"`
}

// Pulse is the Pulse Evaluator's output: a status plus the latency that
// produced it.
type Pulse struct {
	Status    PulseStatus   `json:"status"`
	LatencyMs int64         `json:"latencyMs"`
	Latency   time.Duration `json:"-"`
}

// ResponseSample is one entry in a service's bounded response history.
type ResponseSample struct {
	Timestamp time.Time   `json:"timestamp"`
	LatencyMs int64       `json:"latencyMs"`
	Status    PulseStatus `json:"status"`
	IsFailure bool        `json:"isFailure"`
}

// ServiceState is the in-memory authoritative per-service record. It is
// guarded by that service's own mutex in the state machine (see
// internal/state); all other readers receive a Snapshot copy.
type ServiceState struct {
	Name string `json:"name"`

	ConsecutiveFailures int        `json:"consecutiveFailures"`
	LastSuccess         *time.Time `json:"lastSuccess,omitempty"`
	LastFailure         *time.Time `json:"lastFailure,omitempty"`
	LastCheck           *time.Time `json:"lastCheck,omitempty"`

	CurrentStatus     PulseStatus `json:"currentStatus"`
	IsFlatlined       bool        `json:"isFlatlined"`
	FlatlineStartTime *time.Time  `json:"flatlineStartTime,omitempty"`

	SuccessCount int `json:"successCount"`
	FailureCount int `json:"failureCount"`

	ResponseHistory []ResponseSample `json:"responseHistory,omitempty"`

	LastHTTPStatus *int `json:"lastHttpStatus,omitempty"`
}

// Uptime returns the lifetime success percentage, defined as 100 when no
// probes have been observed.
func (s ServiceState) Uptime() float64 {
	total := s.SuccessCount + s.FailureCount
	if total == 0 {
		return 100
	}
	return float64(s.SuccessCount) / float64(total) * 100
}

// NewServiceState returns the zero/initial state for a freshly observed
// service.
func NewServiceState(name string) *ServiceState {
	return &ServiceState{
		Name:          name,
		CurrentStatus: PulseHealthy,
	}
}

// Clone returns a deep-enough copy safe to hand to readers that do not
// hold the service's lock.
func (s *ServiceState) Clone() *ServiceState {
	cp := *s
	if s.LastSuccess != nil {
		t := *s.LastSuccess
		cp.LastSuccess = &t
	}
	if s.LastFailure != nil {
		t := *s.LastFailure
		cp.LastFailure = &t
	}
	if s.LastCheck != nil {
		t := *s.LastCheck
		cp.LastCheck = &t
	}
	if s.FlatlineStartTime != nil {
		t := *s.FlatlineStartTime
		cp.FlatlineStartTime = &t
	}
	if s.LastHTTPStatus != nil {
		v := *s.LastHTTPStatus
		cp.LastHTTPStatus = &v
	}
	cp.ResponseHistory = append([]ResponseSample(nil), s.ResponseHistory...)
	return &cp
}

// HeartbeatResult is assembled by the Probe Engine after classifying one
// probe outcome.
type HeartbeatResult struct {
	Service      string        `json:"service"`
	Check        string        `json:"check"`
	Timestamp    time.Time     `json:"timestamp"`
	Pulse        Pulse         `json:"pulse"`
	ResponseTime time.Duration `json:"responseTime"`
	Success      bool          `json:"success"`
	HTTPStatus   int           `json:"httpStatus"`
	Error        string        `json:"error,omitempty"`
	HasResponse  bool          `json:"hasResponse"`
}

// String satisfies fmt.Stringer for compact logging.
func (h HeartbeatResult) String() string {
	return fmt.Sprintf("%s/%s status=%s success=%v latency=%s", h.Service, h.Check, h.Pulse.Status, h.Success, h.ResponseTime)
}
