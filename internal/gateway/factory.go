package gateway

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/aristath/autopilot/internal/backend"
	"github.com/aristath/autopilot/internal/config"
	"github.com/aristath/autopilot/internal/routing"
)

// Factory builds backends and executors from configuration.
type Factory struct {
	cfg    *config.Config
	procs  *backend.ProcessManager
	res    *Resilient
	logger *zap.Logger
}

// NewFactory creates a Factory. Every backend it builds shares procs so
// shutdown can kill all agent processes at once.
func NewFactory(cfg *config.Config, procs *backend.ProcessManager, logger *zap.Logger) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	retry := RetryConfig{
		InitialInterval:     cfg.Retry.InitialInterval,
		MaxInterval:         cfg.Retry.MaxInterval,
		MaxElapsedTime:      cfg.Retry.MaxElapsedTime,
		Multiplier:          cfg.Retry.Multiplier,
		RandomizationFactor: cfg.Retry.RandomizationFactor,
	}
	return &Factory{
		cfg:    cfg,
		procs:  procs,
		res:    NewResilient(NewBreakers(logger), retry),
		logger: logger,
	}
}

// Resilient returns the shared retry/breaker policy.
func (f *Factory) Resilient() *Resilient {
	return f.res
}

// Backend creates a fresh backend session on provider. model overrides the
// provider's default when set.
func (f *Factory) Backend(provider, model, workDir string) (backend.Backend, error) {
	p, ok := f.cfg.Providers[provider]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
	if model == "" {
		model = p.Model
	}
	return backend.New(backend.Config{
		Type:    p.Type,
		Command: p.Command,
		Args:    p.Args,
		WorkDir: workDir,
		Model:   model,
		Agent:   p.Agent,
	}, f.procs)
}

// Executor builds the executor for role. An empty provider means the
// role's configured provider.
func (f *Factory) Executor(role routing.Role, provider, workDir string) (*BackendExecutor, error) {
	rc, ok := f.cfg.Executors[string(role)]
	if !ok {
		return nil, fmt.Errorf("executor role %q is not configured", role)
	}
	model := rc.Model
	if provider == "" {
		provider = rc.Provider
	} else if provider != rc.Provider {
		model = ""
	}

	b, err := f.Backend(provider, model, workDir)
	if err != nil {
		return nil, fmt.Errorf("creating %s backend for role %s: %w", provider, role, err)
	}
	return NewBackendExecutor(role, rc.Brief, provider, b, f.res, f.logger), nil
}

// Registry builds one executor per role for a run working in workDir.
// Batches naming an executor provider get a dedicated executor on demand.
func (f *Factory) Registry(workDir string) (*Registry, error) {
	executors := make([]Executor, 0, len(routing.Roles))
	for _, role := range routing.Roles {
		e, err := f.Executor(role, "", workDir)
		if err != nil {
			return nil, err
		}
		executors = append(executors, e)
	}

	override := func(role routing.Role, provider string) (Executor, error) {
		return f.Executor(role, provider, workDir)
	}
	return NewRegistry(override, executors...), nil
}
