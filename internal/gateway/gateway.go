// Package gateway dispatches execution batches to executor roles and
// returns their structured completions.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aristath/autopilot/internal/routing"
)

// ErrMalformedCompletion is returned when an executor fails to produce a
// valid completion block even after the re-ask.
var ErrMalformedCompletion = errors.New("malformed dev completion")

// BatchContext is what an executor needs to know beyond the batch itself.
type BatchContext struct {
	Goal                 string
	StepTexts            []string
	AcceptanceCriteria   []string
	VerificationCommands []string
	RetryCount           int
}

// Gateway invokes the executor for a batch. BLOCKED is a successful
// result; errors mean the executor was unreachable or never produced a
// valid completion.
type Gateway interface {
	Invoke(ctx context.Context, batch routing.ExecutionBatch, bctx BatchContext) (DevCompletion, error)
}

// Executor performs batches for one role.
type Executor interface {
	Role() routing.Role
	Invoke(ctx context.Context, batch routing.ExecutionBatch, bctx BatchContext) (DevCompletion, error)
}

// OverrideFunc builds an executor for role on a specific provider, used
// when a batch names one with its executor key.
type OverrideFunc func(role routing.Role, provider string) (Executor, error)

// Registry routes batches to the executor registered for their role.
type Registry struct {
	executors map[routing.Role]Executor
	override  OverrideFunc

	mu        sync.Mutex
	overrides map[string]Executor
}

// NewRegistry creates a registry holding executors. override may be nil.
func NewRegistry(override OverrideFunc, executors ...Executor) *Registry {
	r := &Registry{
		executors: make(map[routing.Role]Executor, len(executors)),
		override:  override,
		overrides: make(map[string]Executor),
	}
	for _, e := range executors {
		r.executors[e.Role()] = e
	}
	return r
}

// Invoke implements Gateway.
func (r *Registry) Invoke(ctx context.Context, batch routing.ExecutionBatch, bctx BatchContext) (DevCompletion, error) {
	e, err := r.executorFor(batch)
	if err != nil {
		return DevCompletion{}, err
	}
	return e.Invoke(ctx, batch, bctx)
}

func (r *Registry) executorFor(batch routing.ExecutionBatch) (Executor, error) {
	if batch.Executor == "" || r.override == nil {
		e, ok := r.executors[batch.Agent]
		if !ok {
			return nil, fmt.Errorf("no executor registered for role %q", batch.Agent)
		}
		return e, nil
	}

	key := string(batch.Agent) + "@" + batch.Executor
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.overrides[key]; ok {
		return e, nil
	}
	e, err := r.override(batch.Agent, batch.Executor)
	if err != nil {
		return nil, fmt.Errorf("building %s executor on %s: %w", batch.Agent, batch.Executor, err)
	}
	r.overrides[key] = e
	return e, nil
}

// Close releases every executor that holds a backend session, override
// executors included.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	closeExecutor := func(e Executor) {
		if c, ok := e.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing %s executor: %w", e.Role(), err))
			}
		}
	}
	for _, e := range r.executors {
		closeExecutor(e)
	}
	for _, e := range r.overrides {
		closeExecutor(e)
	}
	r.overrides = make(map[string]Executor)
	return errors.Join(errs...)
}
