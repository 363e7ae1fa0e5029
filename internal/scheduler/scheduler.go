// Package scheduler runs one goroutine per (service, check) pair, each on
// its own ticker at the service's configured probe interval.
//
// # Design
//
// Unlike a single shared loop, per-(service,check) goroutines mean a slow
// or paused service never delays another service's checks, and a single
// service's checks can be triggered independently of its tier siblings.
//
// # Startup Jitter
//
// Every loop waits a small jittered delay before its first tick so that a
// large fleet reloaded at once doesn't synchronize all probes on the same
// instant. The delay is derived from a hash of the
// (service,check) key so restarts produce the same stagger.
//
// # Overlap Handling
//
// If a tick fires while the previous run for that (service,check) is
// still in flight, the new tick is skipped, not queued or coalesced (see
// DESIGN.md Open Question decision).
package scheduler

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/northlake-systems/pulsewatch/internal/ratelimit"
	"github.com/northlake-systems/pulsewatch/pkg/types"
)

const maxStartupJitter = time.Second

// Prober is the subset of engine.Engine the scheduler needs.
type Prober interface {
	RunProbe(ctx context.Context, service types.ServiceDescriptor, check types.Check) types.HeartbeatResult
}

// Publisher is the subset of eventbus.Bus the scheduler needs.
type Publisher interface {
	Publish(event string, payload interface{})
}

// CheckStatus reports one (service,check) loop's liveness for the read
// API's /api/scheduler endpoint. Key and NextInvocation are the job
// identity and next-tick estimate; the remaining fields are the richer
// per-loop detail the route also surfaces.
type CheckStatus struct {
	Key            string    `json:"key"`
	NextInvocation time.Time `json:"nextInvocation"`

	Service  string    `json:"service"`
	Check    string    `json:"check"`
	Paused   bool      `json:"paused"`
	InFlight bool      `json:"inFlight"`
	LastRun  time.Time `json:"lastRun"`
}

type job struct {
	service types.ServiceDescriptor
	check   types.Check

	interval atomic.Int64 // time.Duration, nanoseconds
	paused   atomic.Bool
	inFlight atomic.Bool
	lastRun  atomic.Int64 // unix nano

	trigger chan struct{}
	stop    chan struct{}
}

// Scheduler owns one job per (service, check).
type Scheduler struct {
	prober  Prober
	limiter *ratelimit.Registry
	bus     Publisher
	logger  *slog.Logger

	mu   sync.Mutex
	jobs map[string]*job
	wg   sync.WaitGroup
}

// New creates an empty Scheduler.
func New(prober Prober, limiter *ratelimit.Registry, bus Publisher, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		prober:  prober,
		limiter: limiter,
		bus:     bus,
		logger:  logger.With("component", "scheduler"),
		jobs:    make(map[string]*job),
	}
}

func jobKey(service, check string) string {
	return service + "::" + check
}

func jitter(key string) time.Duration {
	h := fnv.New32a()
	h.Write([]byte(key))
	frac := float64(h.Sum32()%1000) / 1000.0
	return time.Duration(frac * float64(maxStartupJitter))
}

// Schedule adds or updates the loop for every check belonging to service.
// Existing loops for checks no longer present are stopped.
func (s *Scheduler) Schedule(ctx context.Context, service types.ServiceDescriptor) {
	type spawn struct {
		key string
		j   *job
	}
	var toSpawn []spawn

	s.mu.Lock()
	wanted := make(map[string]bool, len(service.Checks))
	for _, check := range service.Checks {
		wanted[check.Name] = true
		key := jobKey(service.Name, check.Name)
		if j, ok := s.jobs[key]; ok {
			j.interval.Store(int64(service.ProbeInterval))
			j.service = service
			j.check = check
			continue
		}
		j := &job{
			service: service,
			check:   check,
			trigger: make(chan struct{}, 1),
			stop:    make(chan struct{}),
		}
		j.interval.Store(int64(service.ProbeInterval))
		s.jobs[key] = j
		toSpawn = append(toSpawn, spawn{key: key, j: j})
	}

	for key, j := range s.jobs {
		svcName, checkName := splitKey(key)
		if svcName == service.Name && !wanted[checkName] {
			close(j.stop)
			delete(s.jobs, key)
		}
	}
	s.mu.Unlock()

	for _, sp := range toSpawn {
		s.wg.Add(1)
		go s.runLoop(ctx, sp.key, sp.j)
	}
}

func splitKey(key string) (string, string) {
	for i := 0; i+1 < len(key); i++ {
		if key[i] == ':' && key[i+1] == ':' {
			return key[:i], key[i+2:]
		}
	}
	return key, ""
}

func (s *Scheduler) runLoop(ctx context.Context, key string, j *job) {
	defer s.wg.Done()

	select {
	case <-time.After(jitter(key)):
	case <-ctx.Done():
		return
	case <-j.stop:
		return
	}

	s.runOnce(ctx, j)

	for {
		interval := time.Duration(j.interval.Load())
		if interval <= 0 {
			interval = time.Second
		}
		timer := time.NewTimer(interval)

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-j.stop:
			timer.Stop()
			return
		case <-timer.C:
			s.runOnce(ctx, j)
		case <-j.trigger:
			timer.Stop()
			s.runOnce(ctx, j)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, j *job) {
	if j.paused.Load() {
		return
	}
	if !j.inFlight.CompareAndSwap(false, true) {
		s.logger.Debug("skipping overlapping tick", "service", j.service.Name, "check", j.check.Name)
		return
	}
	defer j.inFlight.Store(false)

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx, j.service.Name, time.Duration(j.interval.Load())); err != nil {
			return
		}
	}

	timeout := j.check.EffectiveTimeout()
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	j.lastRun.Store(time.Now().UnixNano())
	s.prober.RunProbe(probeCtx, j.service, j.check)
}

// TriggerService runs every check belonging to service immediately,
// concurrently, outside of its regular ticker cadence. Returns once all triggered checks have completed.
func (s *Scheduler) TriggerService(ctx context.Context, service string) {
	s.mu.Lock()
	var targets []*job
	for key, j := range s.jobs {
		svcName, _ := splitKey(key)
		if svcName == service {
			targets = append(targets, j)
		}
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, j := range targets {
		wg.Add(1)
		go func(j *job) {
			defer wg.Done()
			s.runOnce(ctx, j)
		}(j)
	}
	wg.Wait()
}

// UpdateInterval changes a service's probe interval and emits
// config_updated. A timer already armed keeps its old duration; the new
// interval applies from the tick after it.
func (s *Scheduler) UpdateInterval(service string, interval time.Duration) {
	s.mu.Lock()
	for key, j := range s.jobs {
		svcName, _ := splitKey(key)
		if svcName == service {
			j.interval.Store(int64(interval))
		}
	}
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Publish(types.EventConfigUpdated, types.ConfigUpdatedPayload{
			Service:   service,
			Field:     "probeInterval",
			Value:     interval.String(),
			Timestamp: time.Now(),
		})
	}
}

// Pause stops a service's checks from firing without tearing down their
// goroutines.
func (s *Scheduler) Pause(service string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, j := range s.jobs {
		svcName, _ := splitKey(key)
		if svcName == service {
			j.paused.Store(true)
		}
	}
}

// Resume re-enables a paused service's checks.
func (s *Scheduler) Resume(service string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, j := range s.jobs {
		svcName, _ := splitKey(key)
		if svcName == service {
			j.paused.Store(false)
		}
	}
}

// Statuses returns a liveness snapshot of every known (service,check) job.
func (s *Scheduler) Statuses() []CheckStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]CheckStatus, 0, len(s.jobs))
	for key, j := range s.jobs {
		svcName, checkName := splitKey(key)
		var lastRun time.Time
		if ns := j.lastRun.Load(); ns != 0 {
			lastRun = time.Unix(0, ns)
		}
		interval := time.Duration(j.interval.Load())
		var nextInvocation time.Time
		if !lastRun.IsZero() && interval > 0 {
			nextInvocation = lastRun.Add(interval)
		}
		out = append(out, CheckStatus{
			Key:            key,
			NextInvocation: nextInvocation,
			Service:        svcName,
			Check:          checkName,
			Paused:         j.paused.Load(),
			InFlight:       j.inFlight.Load(),
			LastRun:        lastRun,
		})
	}
	return out
}

// Stop halts all loops and blocks until every in-flight probe finishes.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	for _, j := range s.jobs {
		select {
		case <-j.stop:
		default:
			close(j.stop)
		}
	}
	s.mu.Unlock()
	s.wg.Wait()
}
