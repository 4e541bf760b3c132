// Package app assembles the orchestrator, session manager and their
// storage from a Config. Both the API server and the cadgen CLI build on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/bizmatters/agent-builder/cad-orchestrator/internal/agents"
	"github.com/bizmatters/agent-builder/cad-orchestrator/internal/config"
	"github.com/bizmatters/agent-builder/cad-orchestrator/internal/harness"
	"github.com/bizmatters/agent-builder/cad-orchestrator/internal/metrics"
	"github.com/bizmatters/agent-builder/cad-orchestrator/internal/orchestration"
	"github.com/bizmatters/agent-builder/cad-orchestrator/internal/session"
	"github.com/bizmatters/agent-builder/cad-orchestrator/internal/store"
)

// App holds the wired components of one process.
type App struct {
	Config       *config.Config
	Logger       *zap.Logger
	Metrics      *metrics.RunMetrics
	Artifacts    *orchestration.ArtifactStore
	Orchestrator *orchestration.Orchestrator
	Sessions     *session.Manager
	// Runs is nil when no database is configured.
	Runs *store.RunStore

	pool  *pgxpool.Pool
	redis *session.RedisStore
}

type options struct {
	completer     agents.Completer
	meterProvider metric.MeterProvider
	dbAttempts    int
	dbWait        time.Duration
}

// Option configures New.
type Option func(*options)

// WithCompleter replaces the HTTP chat client.
func WithCompleter(c agents.Completer) Option {
	return func(o *options) { o.completer = c }
}

// WithMeterProvider sets the provider for run metrics. The global provider
// is used otherwise.
func WithMeterProvider(p metric.MeterProvider) Option {
	return func(o *options) { o.meterProvider = p }
}

// WithDatabaseRetry sets how many times the initial database connection is
// attempted and the pause between attempts.
func WithDatabaseRetry(attempts int, wait time.Duration) Option {
	return func(o *options) {
		o.dbAttempts = attempts
		o.dbWait = wait
	}
}

// New builds an App from cfg. The caller must Close it.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	o := options{dbAttempts: 10, dbWait: 3 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	a := &App{Config: cfg, Logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	var err error
	if a.Metrics, err = metrics.NewRunMetrics(o.meterProvider); err != nil {
		return nil, err
	}

	completer := o.completer
	if completer == nil {
		completer = agents.NewChatClient(agents.ChatClientConfig{
			BaseURL:           cfg.LLM.BaseURL,
			APIKey:            cfg.LLM.APIKey,
			Timeout:           cfg.LLM.Timeout,
			RequestsPerSecond: cfg.LLM.RequestsPerSecond,
			Burst:             cfg.LLM.Burst,
		}, logger.Named("llm"))
	}
	set, err := agents.NewSet(completer, cfg.Roles, logger.Named("agents"))
	if err != nil {
		return nil, fmt.Errorf("failed to create agents: %w", err)
	}
	set.ObserveDurations(a.Metrics.ObserveAgent)

	if a.Artifacts, err = orchestration.NewArtifactStore(cfg.ArtifactDir); err != nil {
		return nil, err
	}

	recorders := orchestration.MultiRecorder{a.Metrics}
	if cfg.DatabaseURL != "" {
		logger.Info("connecting to database")
		if a.pool, err = store.Connect(ctx, cfg.DatabaseURL, o.dbAttempts, o.dbWait); err != nil {
			return nil, err
		}
		a.Runs = store.NewRunStore(a.pool)
		if err := a.Runs.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		recorders = append(recorders, a.Runs)
		logger.Info("connected to database")
	}

	a.Orchestrator = orchestration.New(set, a.Artifacts,
		orchestration.WithRecorder(recorders),
		orchestration.WithLogger(logger.Named("orchestrator")),
	)

	sessions, err := a.sessionStore(ctx)
	if err != nil {
		return nil, err
	}
	a.Sessions = session.NewManager(a.Artifacts, NewRunner(cfg.Harness, logger), sessions,
		session.WithClampSliders(cfg.Sessions.ClampSliders),
		session.WithLogger(logger.Named("sessions")),
		session.WithExecutionObserver(a.Metrics.ObserveExecution),
	)

	ok = true
	return a, nil
}

// NewRunner returns the harness runner selected by cfg.Mode. Programs run in
// a cad-harness process unless the in-process mode is asked for by name.
func NewRunner(cfg config.HarnessConfig, logger *zap.Logger) harness.Runner {
	if cfg.Mode == config.HarnessInProcess {
		logger.Warn("evaluating programs inside the service process")
		return harness.InProcessRunner{Timeout: cfg.Timeout}
	}
	r := harness.NewSubprocessRunner(cfg.Path, cfg.Timeout, logger.Named("harness"))
	r.MemoryLimit = cfg.MemoryLimit
	return r
}

func (a *App) sessionStore(ctx context.Context) (session.Store, error) {
	cfg := a.Config.Sessions
	switch cfg.Backend {
	case config.SessionFile:
		return session.NewFileStore(cfg.Dir)
	case config.SessionRedis:
		rs, err := session.NewRedisStore(ctx, session.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      cfg.TTL,
		})
		if err != nil {
			return nil, err
		}
		a.redis = rs
		return rs, nil
	case config.SessionMemory, "":
		return session.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown session backend %q", cfg.Backend)
	}
}

// Ready pings the database and Redis when they are in use.
func (a *App) Ready(ctx context.Context) error {
	var errs []error
	if a.Runs != nil {
		if err := a.Runs.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Close releases connections.
func (a *App) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.Logger.Warn("failed to close redis client", zap.Error(err))
		}
		a.redis = nil
	}
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
}
