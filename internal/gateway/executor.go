package gateway

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/aristath/autopilot/internal/backend"
	"github.com/aristath/autopilot/internal/routing"
)

// BackendExecutor performs batches by prompting a CLI agent backend.
type BackendExecutor struct {
	role     routing.Role
	brief    string
	provider string
	backend  backend.Backend
	res      *Resilient
	logger   *zap.Logger
}

// NewBackendExecutor creates an executor for role talking to b. res and
// logger may be nil; without res every send is a single attempt.
func NewBackendExecutor(role routing.Role, brief, provider string, b backend.Backend, res *Resilient, logger *zap.Logger) *BackendExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BackendExecutor{
		role:     role,
		brief:    brief,
		provider: provider,
		backend:  b,
		res:      res,
		logger:   logger.Named("gateway").With(zap.String("role", string(role)), zap.String("provider", provider)),
	}
}

// Role implements Executor.
func (e *BackendExecutor) Role() routing.Role {
	return e.role
}

// Close releases the underlying backend.
func (e *BackendExecutor) Close() error {
	return e.backend.Close()
}

// Invoke implements Executor. A reply without a valid completion block is
// re-asked exactly once.
func (e *BackendExecutor) Invoke(ctx context.Context, batch routing.ExecutionBatch, bctx BatchContext) (DevCompletion, error) {
	log := e.logger.With(zap.String("batch", batch.Label))

	reply, err := e.send(ctx, BuildPrompt(e.role, e.brief, batch, bctx))
	if err != nil {
		return DevCompletion{}, fmt.Errorf("invoking %s executor for batch %q: %w", e.role, batch.Label, err)
	}

	c, perr := ParseCompletion(reply)
	if perr == nil {
		log.Debug("completion received", zap.String("status", string(c.Status)))
		return c, nil
	}

	log.Warn("malformed completion, re-asking", zap.Error(perr))
	reply, err = e.send(ctx, ReaskPrompt(perr))
	if err != nil {
		return DevCompletion{}, fmt.Errorf("re-asking %s executor for batch %q: %w", e.role, batch.Label, err)
	}

	c, perr = ParseCompletion(reply)
	if perr != nil {
		return DevCompletion{}, fmt.Errorf("%w: batch %q: %v", ErrMalformedCompletion, batch.Label, perr)
	}
	log.Debug("completion received after re-ask", zap.String("status", string(c.Status)))
	return c, nil
}

func (e *BackendExecutor) send(ctx context.Context, prompt string) (string, error) {
	msg := backend.Message{Content: prompt, Role: "user"}

	var (
		resp backend.Response
		err  error
	)
	if e.res != nil {
		resp, err = e.res.Send(ctx, e.provider, e.backend, msg)
	} else {
		resp, err = e.backend.Send(ctx, msg)
	}
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}
