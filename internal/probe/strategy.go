// Package probe implements the pluggable probe strategies: basic,
// authenticated, and query. All three share one contract — a single
// operation that returns within check.timeout or reports a timeout —
// and are looked up by name through a Registry.
package probe

import (
	"context"
	"fmt"
	"sync"

	"github.com/northlake-systems/pulsewatch/pkg/types"
)

// Strategy is the interface every probe implementation satisfies.
type Strategy interface {
	// Probe executes one check against service within check.EffectiveTimeout.
	// Implementations must cancel the underlying transport on expiry and
	// must convert transport errors into a ProbeResult rather than
	// returning a Go error for anything short of a programming bug.
	Probe(ctx context.Context, service types.ServiceDescriptor, check types.Check) types.ProbeResult
}

// Registry looks strategies up by identifier.
type Registry struct {
	mu         sync.RWMutex
	strategies map[types.Strategy]Strategy
}

// NewRegistry returns a registry with the three built-in strategies
// pre-registered.
func NewRegistry() *Registry {
	r := &Registry{strategies: make(map[types.Strategy]Strategy)}
	r.Register(types.StrategyBasic, NewBasic())
	r.Register(types.StrategyAuthenticated, NewAuthenticated())
	r.Register(types.StrategyQuery, NewQuery())
	return r
}

// Register adds or replaces a strategy implementation.
func (r *Registry) Register(name types.Strategy, s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[name] = s
}

// Get returns the strategy registered under name.
func (r *Registry) Get(name types.Strategy) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[name]
	return s, ok
}

// transportFailure builds the canonical "unreachable" ProbeResult used by
// every strategy for DNS failures, connection refused/reset, and context
// deadline exceeded.
func transportFailure(err error) types.ProbeResult {
	msg := "Request timeout"
	if ctxErr := contextTimeout(err); !ctxErr {
		msg = err.Error()
	}
	return types.ProbeResult{
		Success:     false,
		HasResponse: false,
		HTTPStatus:  0,
		Error:       msg,
	}
}

func contextTimeout(err error) bool {
	return err == context.DeadlineExceeded || (err != nil && isDeadlineErr(err))
}

// isDeadlineErr reports whether err itself has a Timeout() method that
// returns true, as the *url.Error from http.Client.Do does for a context
// deadline or transport timeout. Wrapped errors are not unwrapped.
func isDeadlineErr(err error) bool {
	type timeouter interface{ Timeout() bool }
	if t, ok := err.(timeouter); ok {
		return t.Timeout()
	}
	return false
}

func malformedBody(err error) types.ProbeResult {
	return types.ProbeResult{
		Success:     false,
		HasResponse: true,
		Error:       fmt.Sprintf("malformed response body: %v", err),
	}
}
