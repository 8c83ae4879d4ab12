package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stackkit/stackkit/pkg/backends"
	"github.com/stackkit/stackkit/pkg/config"
	"github.com/stackkit/stackkit/pkg/health"
	"github.com/stackkit/stackkit/pkg/orchestrator"
	"github.com/stackkit/stackkit/pkg/policy"
	"github.com/stackkit/stackkit/pkg/registry"
	"github.com/stackkit/stackkit/pkg/retry"
	"github.com/stackkit/stackkit/pkg/rollback"
	"github.com/stackkit/stackkit/pkg/state"
	"github.com/stackkit/stackkit/pkg/statesync"
	"github.com/stackkit/stackkit/pkg/stores"
	"github.com/stackkit/stackkit/pkg/telemetry"
)

// app holds the wiring every command shares: configuration, logging,
// metrics and the state store. The heavier pieces (records store, rollback
// engine, syncer) are built on demand by the commands that need them.
type app struct {
	cfg      *config.AppConfig
	logger   zerolog.Logger
	tel      *telemetry.Telemetry
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	events   *telemetry.EventPublisher
	store    *state.Store
	registry *registry.Registry

	records stores.Store
}

// newApp loads the configuration and builds the shared pieces. The
// --config flag wins; without it the default config file is used when
// present, otherwise built-in defaults apply.
func newApp() (*app, error) {
	path := configPath
	if path == "" {
		if _, err := os.Stat(config.DefaultConfigPath); err == nil {
			path = config.DefaultConfigPath
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	level := cfg.Log.Level
	if verbose {
		level = "debug"
	}
	format := cfg.Log.Format
	if jsonOutput {
		format = "json"
	}
	tel, err := telemetry.NewTelemetry(&telemetry.Config{
		ServiceName:    "stackkit",
		ServiceVersion: appVersion,
		Environment:    cfg.Environment,
		Logging: telemetry.LoggingConfig{
			Level:  level,
			Format: format,
			Output: "stderr",
		},
		Tracing: telemetry.TracingConfig{
			Enabled:      cfg.Trace.Enabled,
			Exporter:     cfg.Trace.Exporter,
			Endpoint:     cfg.Trace.Endpoint,
			SamplingRate: cfg.Trace.SamplingRate,
		},
		Metrics: telemetry.MetricsConfig{
			Enabled:   true,
			Namespace: "stackkit",
		},
		Events: telemetry.EventsConfig{
			Enabled:    true,
			BufferSize: 256,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to configure telemetry: %w", err)
	}

	// Lifecycle events surface on the debug log.
	events := tel.Events
	eventLog := tel.Logger.Zerolog()
	events.Subscribe(func(ev telemetry.Event) {
		eventLog.Debug().Str("event", ev.Type).Str("stack", ev.StackID).Msg(ev.Message)
	}, nil)

	store, err := state.NewStore(state.Config{
		Root:              cfg.StateDir,
		SnapshotRetention: cfg.Rollback.SnapshotRetention(),
	})
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:      cfg,
		logger:   tel.Logger.Zerolog(),
		tel:      tel,
		metrics:  tel.Metrics,
		tracer:   tel.Tracer,
		events:   events,
		store:    store,
		registry: registry.NewRegistry(),
	}, nil
}

// close releases anything the commands opened through the app and flushes
// pending spans.
func (a *app) close() {
	if a.records != nil {
		if err := a.records.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("failed to close records store")
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.tel.Shutdown(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("failed to shut down telemetry")
	}
}

// openRecords opens the sqlite records store and runs migrations. The
// handle is cached so repeated calls share one connection pool.
func (a *app) openRecords(ctx context.Context) (stores.Store, error) {
	if a.records != nil {
		return a.records, nil
	}
	if dir := filepath.Dir(a.cfg.Store.Path); dir != "" && dir != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create records dir: %w", err)
		}
	}
	records, err := stores.NewSQLiteStore(stores.Config{Path: a.cfg.Store.Path})
	if err != nil {
		return nil, err
	}
	if err := records.Init(ctx); err != nil {
		return nil, err
	}
	if err := records.Migrate(ctx); err != nil {
		return nil, err
	}
	a.records = records
	return records, nil
}

// retryPolicy builds the default transient-failure policy from config.
func (a *app) retryPolicy() retry.Policy {
	r := a.cfg.Retry
	return retry.Policy{
		Name:        "configured",
		MaxAttempts: r.MaxAttempts,
		BaseDelay:   r.BaseDelay(),
		MaxDelay:    r.MaxDelay(),
		Multiplier:  r.Multiplier,
	}
}

// newRollbackEngine builds the engine with the built-in triggers plus any
// custom Starlark triggers from the config file.
func (a *app) newRollbackEngine(ctx context.Context) (*rollback.Engine, error) {
	records, err := a.openRecords(ctx)
	if err != nil {
		return nil, err
	}
	engine, err := rollback.NewEngine(rollback.Config{
		Registry: a.registry,
		Store:    a.store,
		Records:  records,
		Policy:   a.retryPolicy(),
		Logger:   a.logger,
		Metrics:  a.metrics,
		Tracer:   a.tracer,
		Events:   a.events,
	})
	if err != nil {
		return nil, err
	}
	for _, t := range rollback.BuiltinTriggers() {
		if err := engine.RegisterTrigger(t); err != nil {
			return nil, err
		}
	}
	for _, tc := range a.cfg.Rollback.Triggers {
		trigger, err := rollback.NewStarlarkTrigger(rollback.StarlarkTriggerConfig{
			Name:       tc.Name,
			Priority:   tc.Priority,
			Mode:       rollback.Mode(tc.Mode),
			Expression: tc.Expression,
			Logger:     a.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("trigger %s: %w", tc.Name, err)
		}
		if err := engine.RegisterTrigger(trigger); err != nil {
			return nil, err
		}
	}
	return engine, nil
}

// newOrchestrator wires the deployment loop around the rollback engine.
func (a *app) newOrchestrator(engine *rollback.Engine, autoRollback bool) (*orchestrator.Orchestrator, error) {
	var gate *policy.Engine
	if a.cfg.Policy.Enabled {
		var err error
		gate, err = policy.NewEngine(a.logger)
		if err != nil {
			return nil, err
		}
	}
	return orchestrator.New(orchestrator.Config{
		Registry:     a.registry,
		Store:        a.store,
		Provisioner:  orchestrator.NewSimulator(),
		Rollback:     engine,
		AutoRollback: autoRollback,
		Policy:       gate,
		Enforce:      a.cfg.Policy.Mode == "enforcing",
		Retry:        a.retryPolicy(),
		Logger:       a.logger,
		Metrics:      a.metrics,
		Tracer:       a.tracer,
		Events:       a.events,
	})
}

// newBackend builds the configured remote state backend.
func (a *app) newBackend(ctx context.Context) (backends.Backend, error) {
	s := a.cfg.Sync
	switch s.Backend {
	case "s3":
		return backends.NewS3Backend(ctx, backends.S3Config{
			Bucket: s.S3.Bucket,
			Prefix: s.S3.Prefix,
			Region: s.S3.Region,
		})
	case "dynamodb":
		return backends.NewDynamoBackend(ctx, backends.DynamoConfig{
			Table:  s.DynamoDB.Table,
			Region: s.DynamoDB.Region,
			TTL:    s.DynamoDB.TTL(),
		})
	case "http":
		return backends.NewHTTPBackend(backends.HTTPConfig{
			BaseURL: s.HTTP.BaseURL,
			Token:   s.HTTP.Token,
			Timeout: s.HTTP.Timeout(),
		})
	case "redis":
		return backends.NewRedisBackend(backends.RedisConfig{
			Addr:     s.Redis.Addr,
			Password: s.Redis.Password,
			DB:       s.Redis.DB,
			Prefix:   s.Redis.Prefix,
			TTL:      s.Redis.TTL(),
		}), nil
	case "sftp":
		return backends.NewSFTPBackend(backends.SFTPConfig{
			Host:           s.SFTP.Host,
			Port:           s.SFTP.Port,
			User:           s.SFTP.User,
			PrivateKeyPath: s.SFTP.PrivateKeyPath,
			KnownHostsPath: s.SFTP.KnownHostsPath,
			Prefix:         s.SFTP.Prefix,
		})
	case "":
		return nil, fmt.Errorf("no sync backend configured (set sync.backend)")
	default:
		return nil, fmt.Errorf("unknown sync backend %q", s.Backend)
	}
}

// newSyncLock picks the sync lock: Redis-backed when the redis backend is
// in use so every machine contends on the same key, a lease file otherwise.
func (a *app) newSyncLock() (statesync.SyncLock, error) {
	s := a.cfg.Sync
	if s.Backend == "redis" {
		client := redis.NewClient(&redis.Options{
			Addr:     s.Redis.Addr,
			Password: s.Redis.Password,
			DB:       s.Redis.DB,
		})
		return statesync.NewRedisLock(statesync.RedisLockConfig{
			Client:  client,
			Timeout: s.LockTimeout(),
		})
	}
	return statesync.NewFileLock(statesync.FileLockConfig{
		Path:    filepath.Join(a.store.Root(), ".sync.lock"),
		Timeout: s.LockTimeout(),
	})
}

// newSyncer wires the synchronizer against the configured backend.
func (a *app) newSyncer(ctx context.Context) (*statesync.Syncer, error) {
	backend, err := a.newBackend(ctx)
	if err != nil {
		return nil, err
	}
	lock, err := a.newSyncLock()
	if err != nil {
		return nil, err
	}
	records, err := a.openRecords(ctx)
	if err != nil {
		return nil, err
	}
	return statesync.NewSyncer(statesync.Config{
		Backend:       backend,
		Store:         a.store,
		Records:       records,
		Lock:          lock,
		Strategy:      statesync.Strategy(a.cfg.Sync.Strategy),
		RetryAttempts: a.cfg.Sync.RetryAttempts,
		RetryDelay:    a.cfg.Sync.RetryDelay(),
		Logger:        a.logger,
		Metrics:       a.metrics,
		Tracer:        a.tracer,
		Events:        a.events,
	})
}

// newProber builds the health prober from config; nil when no checks are
// configured.
func (a *app) newProber() (*health.Prober, error) {
	h := a.cfg.Health
	if len(h.Endpoints) == 0 && len(h.Containers) == 0 {
		return nil, nil
	}
	endpoints := make([]health.Endpoint, 0, len(h.Endpoints))
	for _, e := range h.Endpoints {
		endpoints = append(endpoints, health.Endpoint{Name: e.Name, URL: e.URL})
	}
	var runner health.CommandRunner
	if len(h.Containers) > 0 && h.SSH.Host != "" {
		sshRunner, err := health.NewSSHRunner(health.SSHRunnerConfig{
			Host:           h.SSH.Host,
			Port:           h.SSH.Port,
			User:           h.SSH.User,
			PrivateKeyPath: h.SSH.PrivateKeyPath,
			KnownHostsPath: h.SSH.KnownHostsPath,
		})
		if err != nil {
			return nil, err
		}
		runner = sshRunner
	}
	return health.NewProber(health.Config{
		Timeout:    h.Timeout(),
		Endpoints:  endpoints,
		Runner:     runner,
		Containers: h.Containers,
		Logger:     a.logger,
	})
}
