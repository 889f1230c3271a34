package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/agentflow/agent"
	"github.com/hupe1980/agentflow/auth"
	"github.com/hupe1980/agentflow/classify"
	"github.com/hupe1980/agentflow/core"
	"github.com/hupe1980/agentflow/discovery"
	"github.com/hupe1980/agentflow/flow"
	"github.com/hupe1980/agentflow/logging"
	"github.com/hupe1980/agentflow/memory"
	"github.com/hupe1980/agentflow/model"
	"github.com/hupe1980/agentflow/policy"
	"github.com/hupe1980/agentflow/pool"
	"github.com/hupe1980/agentflow/registry"
	"github.com/hupe1980/agentflow/session"
	"github.com/hupe1980/agentflow/telemetry"
	"github.com/hupe1980/agentflow/tool"
)

// Config defines tuning parameters for the shared resources of an Engine.
//
// Resource limits live here; collaborators such as models, loggers and
// recorders are configured via functional options.
//
// Example:
//
//	cfg := engine.DefaultConfig
//	cfg.PoolSize = 4
//	cfg.DiscoveryTTL = time.Minute
type Config struct {
	// MaxConcurrentRuns limits how many top-level workflow runs may execute at
	// once. Further runs wait for a free slot. Zero means unlimited.
	MaxConcurrentRuns int

	// PoolSize caps open tool-server sessions across all servers. A full pool
	// makes callers wait for a release rather than fail.
	PoolSize int

	// IdleTimeout closes sessions that stayed unused for longer.
	IdleTimeout time.Duration

	// SweepInterval controls the idle sweep. Zero disables it.
	SweepInterval time.Duration

	// DiscoveryTTL is how long a server's tool listing is reused.
	DiscoveryTTL time.Duration

	// TokenBuffer refreshes bearer tokens this long before they expire.
	TokenBuffer time.Duration

	// MaxToolIterations bounds AutoSelect steps that set no cap themselves.
	MaxToolIterations int

	// MaxDelegations bounds Delegate steps that set no cap themselves.
	MaxDelegations int

	// ContextBudget limits the history block injected into prompts.
	ContextBudget memory.Budget
}

// DefaultConfig provides the configuration used by New.
//
// Configuration values:
//   - MaxConcurrentRuns: 0 (unlimited)
//   - PoolSize: 16 sessions
//   - IdleTimeout: 5 minutes, swept every minute
//   - DiscoveryTTL: 5 minutes
//   - TokenBuffer: 30 seconds
//   - MaxToolIterations: 8, MaxDelegations: 5
//   - ContextBudget: memory.DefaultBudget
var DefaultConfig = Config{
	PoolSize:          pool.DefaultOptions.MaxSize,
	IdleTimeout:       pool.DefaultOptions.IdleTimeout,
	SweepInterval:     pool.DefaultOptions.SweepInterval,
	DiscoveryTTL:      5 * time.Minute,
	TokenBuffer:       30 * time.Second,
	MaxToolIterations: flow.DefaultMaxIterations,
	MaxDelegations:    agent.DefaultMaxIterations,
	ContextBudget:     memory.DefaultBudget,
}

// Policies are the retry and timeout defaults applied to model and tool calls
// of every workflow. Workflows and steps may override them.
type Policies struct {
	ModelRetry   policy.RetryPolicy
	ModelTimeout policy.TimeoutSpec
	ToolRetry    policy.RetryPolicy
	ToolTimeout  policy.TimeoutSpec
}

// DefaultPolicies retries transient model and tool failures with backoff and
// leaves attempts unbounded in time.
var DefaultPolicies = Policies{
	ModelRetry: policy.DefaultRetryPolicy,
	ToolRetry:  policy.DefaultRetryPolicy,
}

// Options configures an Engine instance using the functional options pattern.
//
// Example:
//
//	eng := engine.New(
//	    engine.WithDefaultModel(openai.NewModel()),
//	    engine.WithModel("fast", anthropic.NewModel()),
//	    engine.WithLogger(logger),
//	)
type Options struct {
	// Config contains resource limits. Defaults to DefaultConfig.
	Config Config

	// Policies are the call defaults. Defaults to DefaultPolicies.
	Policies Policies

	// DefaultModel serves steps that do not name a model.
	DefaultModel model.Model

	// Models are additional models addressable by name.
	Models map[string]model.Model

	// Registry resolves server names. Defaults to a fresh registry.
	Registry *registry.Registry

	// Classify is the concurrency policy for tool batches.
	Classify classify.Policy

	// Instruction overrides the coordinator's system prompt.
	Instruction agent.Instruction

	// TokenFetcher overrides how OAuth2 tokens are obtained.
	TokenFetcher auth.Fetcher

	// Observers receive the progress of every run.
	Observers []core.Observer

	// Logger defaults to logging.NoOpLogger.
	Logger logging.Logger

	// Recorder defaults to telemetry.NoopRecorder.
	Recorder telemetry.Recorder
}

// WithConfig replaces the resource configuration.
func WithConfig(cfg Config) func(o *Options) {
	return func(o *Options) { o.Config = cfg }
}

// WithPolicies replaces the retry and timeout defaults.
func WithPolicies(p Policies) func(o *Options) {
	return func(o *Options) { o.Policies = p }
}

// WithDefaultModel sets the model used by steps that do not name one.
func WithDefaultModel(m model.Model) func(o *Options) {
	return func(o *Options) { o.DefaultModel = m }
}

// WithModel registers a model under name.
func WithModel(name string, m model.Model) func(o *Options) {
	return func(o *Options) {
		if o.Models == nil {
			o.Models = make(map[string]model.Model)
		}
		o.Models[name] = m
	}
}

// WithRegistry sets the server registry used to resolve server names.
func WithRegistry(r *registry.Registry) func(o *Options) {
	return func(o *Options) { o.Registry = r }
}

// WithClassifyPolicy sets the concurrency policy for tool batches.
func WithClassifyPolicy(p classify.Policy) func(o *Options) {
	return func(o *Options) { o.Classify = p }
}

// WithObserver adds an observer notified about every run.
func WithObserver(obs core.Observer) func(o *Options) {
	return func(o *Options) { o.Observers = append(o.Observers, obs) }
}

// WithLogger sets the logger shared by all components.
func WithLogger(l logging.Logger) func(o *Options) {
	return func(o *Options) { o.Logger = l }
}

// WithRecorder sets the telemetry recorder shared by all components.
func WithRecorder(r telemetry.Recorder) func(o *Options) {
	return func(o *Options) { o.Recorder = r }
}

// Engine owns the process-wide resources every workflow run shares: the token
// cache, the tool-server dialer and session pool, the discovery cache, the
// invoker, the tool-selection loop, the delegation coordinator, the server
// registry and the named models.
//
// Resources are built once in dependency order and are immutable afterwards,
// so an Engine is safe for concurrent use by any number of workflows. Close
// releases pooled sessions and stops the idle sweeper.
type Engine struct {
	config   Config
	policies Policies
	logger   logging.Logger
	recorder telemetry.Recorder

	tokens      *auth.TokenCache
	dialer      *session.MCPDialer
	pool        *pool.Pool
	discovery   *discovery.Cache
	invoker     *tool.Invoker
	loop        *flow.Loop
	coordinator *agent.Coordinator
	registry    *registry.Registry
	observers   []core.Observer

	mu           sync.RWMutex
	defaultModel model.Model
	models       map[string]model.Model

	runs      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// New creates an Engine with sensible defaults.
//
// Examples:
//
//	// Everything default; steps still need a model.
//	eng := engine.New(engine.WithDefaultModel(m))
//
//	// A pool of one session serializes all tool traffic.
//	cfg := engine.DefaultConfig
//	cfg.PoolSize = 1
//	eng := engine.New(engine.WithConfig(cfg), engine.WithDefaultModel(m))
func New(optFns ...func(o *Options)) *Engine {
	opts := Options{
		Config:   DefaultConfig,
		Policies: DefaultPolicies,
		Logger:   logging.NoOpLogger{},
		Recorder: telemetry.NoopRecorder{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Registry == nil {
		opts.Registry = registry.New()
	}

	cfg := opts.Config
	logger := opts.Logger

	tokens := auth.NewTokenCache(func(o *auth.Options) {
		if cfg.TokenBuffer > 0 {
			o.Buffer = cfg.TokenBuffer
		}
		if opts.TokenFetcher != nil {
			o.Fetcher = opts.TokenFetcher
		}
		o.Logger = component(logger, "auth")
	})

	dialer := session.NewDialer(func(o *session.Options) {
		o.Tokens = tokens
		o.Logger = component(logger, "session")
	})

	p := pool.New(dialer, func(o *pool.Options) {
		if cfg.PoolSize > 0 {
			o.MaxSize = cfg.PoolSize
		}
		if cfg.IdleTimeout > 0 {
			o.IdleTimeout = cfg.IdleTimeout
		}
		o.SweepInterval = cfg.SweepInterval
		o.Logger = component(logger, "pool")
	})

	cache := discovery.New(discovery.PoolFetcher(p), func(o *discovery.Options) {
		if cfg.DiscoveryTTL > 0 {
			o.TTL = cfg.DiscoveryTTL
		}
		o.Logger = component(logger, "discovery")
	})

	invoker := tool.NewInvoker(p, func(o *tool.Options) {
		o.Retry = opts.Policies.ToolRetry
		o.Timeout = opts.Policies.ToolTimeout
		o.Logger = component(logger, "tool")
		o.Recorder = opts.Recorder
	})

	loop := flow.NewLoop(cache, invoker, func(o *flow.Options) {
		if cfg.MaxToolIterations > 0 {
			o.MaxIterations = cfg.MaxToolIterations
		}
		o.Classify = opts.Classify
		o.Logger = component(logger, "flow")
		o.Recorder = opts.Recorder
	})

	coordinator := agent.NewCoordinator(func(o *agent.Options) {
		if cfg.MaxDelegations > 0 {
			o.MaxIterations = cfg.MaxDelegations
		}
		if !opts.Instruction.IsZero() {
			o.Instruction = opts.Instruction
		}
		o.Logger = component(logger, "agent")
		o.Recorder = opts.Recorder
	})

	models := make(map[string]model.Model, len(opts.Models))
	for name, m := range opts.Models {
		models[name] = m
	}

	e := &Engine{
		config:       cfg,
		policies:     opts.Policies,
		logger:       logger,
		recorder:     opts.Recorder,
		tokens:       tokens,
		dialer:       dialer,
		pool:         p,
		discovery:    cache,
		invoker:      invoker,
		loop:         loop,
		coordinator:  coordinator,
		registry:     opts.Registry,
		observers:    opts.Observers,
		defaultModel: opts.DefaultModel,
		models:       models,
	}

	if cfg.MaxConcurrentRuns > 0 {
		e.runs = make(chan struct{}, cfg.MaxConcurrentRuns)
	}

	logger.Debug("engine.created",
		"pool_size", cfg.PoolSize,
		"discovery_ttl", cfg.DiscoveryTTL,
		"models", len(models),
		"servers", opts.Registry.Len())

	return e
}

// component tags a WorkflowLogger with the subsystem it is handed to.
func component(l logging.Logger, name string) logging.Logger {
	if wl, ok := l.(*logging.WorkflowLogger); ok {
		return wl.WithComponent(name)
	}
	return l
}

// RegisterModel adds or replaces a named model.
func (e *Engine) RegisterModel(name string, m model.Model) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.models[name] = m
}

// Model returns the model registered under name, or the default model when
// name is empty. A missing model is a configuration error.
func (e *Engine) Model(name string) (model.Model, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if name == "" {
		if e.defaultModel == nil {
			return nil, &core.ConfigError{Field: "model", Message: "no default model configured"}
		}
		return e.defaultModel, nil
	}

	m, ok := e.models[name]
	if !ok {
		return nil, &core.ConfigError{Field: "model", Message: fmt.Sprintf("unknown model %q", name)}
	}
	return m, nil
}

// Mount publishes a local tool server in process and returns its handle. The
// server is also added to the registry under its name.
func (e *Engine) Mount(s *tool.LocalServer) (core.ServerHandle, error) {
	h := s.Mount(e.dialer)
	if err := e.registry.Register(h); err != nil {
		e.dialer.UnregisterInProcess(s.Name())
		return core.ServerHandle{}, err
	}
	return h, nil
}

// Server resolves a registered server by name.
func (e *Engine) Server(name string) (core.ServerHandle, error) {
	hs, err := e.registry.Resolve(name)
	if err != nil {
		return core.ServerHandle{}, err
	}
	return hs[0], nil
}

// Tool returns the definition of the tool called name on server h.
func (e *Engine) Tool(ctx context.Context, h core.ServerHandle, name string) (core.ToolDefinition, error) {
	defs, err := e.discovery.Discover(ctx, h)
	if err != nil {
		return core.ToolDefinition{}, err
	}
	for _, d := range defs {
		if d.Name == name || d.QualifiedName() == name {
			return d, nil
		}
	}
	return core.ToolDefinition{}, fmt.Errorf("%w: %s on %s", core.ErrToolNotFound, name, h.Name)
}

// AcquireRun waits for a run slot when MaxConcurrentRuns is set. The
// returned function frees the slot.
func (e *Engine) AcquireRun(ctx context.Context) (func(), error) {
	if e.runs == nil {
		return func() {}, nil
	}
	select {
	case e.runs <- struct{}{}:
		return func() { <-e.runs }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Config returns the resource configuration.
func (e *Engine) Config() Config { return e.config }

// Policies returns the call defaults.
func (e *Engine) Policies() Policies { return e.policies }

// Logger returns the shared logger.
func (e *Engine) Logger() logging.Logger { return e.logger }

// Recorder returns the shared telemetry recorder.
func (e *Engine) Recorder() telemetry.Recorder { return e.recorder }

// Observers returns the engine-wide observers.
func (e *Engine) Observers() []core.Observer { return e.observers }

// Registry returns the server registry.
func (e *Engine) Registry() *registry.Registry { return e.registry }

// Tokens returns the token cache.
func (e *Engine) Tokens() *auth.TokenCache { return e.tokens }

// Dialer returns the tool-server dialer.
func (e *Engine) Dialer() *session.MCPDialer { return e.dialer }

// Pool returns the session pool.
func (e *Engine) Pool() *pool.Pool { return e.pool }

// Discovery returns the tool-discovery cache.
func (e *Engine) Discovery() *discovery.Cache { return e.discovery }

// Invoker returns the tool invoker.
func (e *Engine) Invoker() *tool.Invoker { return e.invoker }

// Loop returns the tool-selection loop.
func (e *Engine) Loop() *flow.Loop { return e.loop }

// Coordinator returns the delegation coordinator.
func (e *Engine) Coordinator() *agent.Coordinator { return e.coordinator }

// Close drains the session pool and stops the idle sweeper. It is safe to
// call more than once.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.closeErr = e.pool.Close()
		e.logger.Debug("engine.closed", "error", e.closeErr)
	})
	return e.closeErr
}
