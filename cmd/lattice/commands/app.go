package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/lattice-ops/lattice/pkg/analytics"
	"github.com/lattice-ops/lattice/pkg/cache"
	"github.com/lattice-ops/lattice/pkg/cloud"
	"github.com/lattice-ops/lattice/pkg/config"
	"github.com/lattice-ops/lattice/pkg/engine"
	"github.com/lattice-ops/lattice/pkg/graph"
	"github.com/lattice-ops/lattice/pkg/policy"
	"github.com/lattice-ops/lattice/pkg/stores"
	"github.com/lattice-ops/lattice/pkg/telemetry"
	"github.com/lattice-ops/lattice/pkg/transports/ssh"
)

const cliActor = "lattice-cli"

// app holds every component a command may need. Nothing here is global;
// each command invocation builds its own.
type app struct {
	cfg       *config.Config
	tel       *telemetry.Telemetry
	store     *stores.SQLiteStore
	cloud     cloud.Client
	cache     *cache.ResourceCache
	graph     *graph.Engine
	analytics *analytics.Analyzer

	// Execution stack, built on demand by executor().
	policy   *policy.Engine
	hosts    *ssh.Pool
	exec     *engine.Executor
	batch    *engine.BatchRunner
	stopping context.CancelFunc
}

// newApp loads configuration and opens the store. The execution stack is
// left unbuilt so read-only commands do not need SSH keys or policies.
func newApp(ctx context.Context, opts *rootOptions) (*app, error) {
	var loadOpts []config.LoadOption
	if opts.envFile != "" {
		loadOpts = append(loadOpts, config.WithEnvFile(opts.envFile))
	}
	cfg, err := config.Load(opts.configPath, loadOpts...)
	if err != nil {
		return nil, err
	}
	if opts.dbPath != "" {
		cfg.Store.Path = opts.dbPath
	}

	tel, err := telemetry.NewTelemetry(cfg.TelemetryConfig(opts.build.Version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	store, err := stores.Open(ctx, stores.Config{
		Path:     cfg.Store.Path,
		CacheTTL: cfg.Cache.TTL.Std(),
	})
	if err != nil {
		_ = tel.Shutdown(context.Background())
		return nil, fmt.Errorf("failed to open store %s: %w", cfg.Store.Path, err)
	}

	var client cloud.Client = cloud.NewCLIClient(cfg.Cloud.Subscription, cloud.WithBinary(cfg.Cloud.CLI))
	if cfg.Cloud.RatePerSecond > 0 {
		client = cloud.NewRateLimited(client, cfg.Cloud.RatePerSecond, cfg.Cloud.Burst)
	}

	a := &app{
		cfg:   cfg,
		tel:   tel,
		store: store,
		cloud: client,
		cache: cache.New(store, client,
			cache.WithActor(cliActor),
			cache.WithTelemetry(tel),
		),
		graph:     graph.NewEngine(store, graph.WithTelemetry(tel)),
		analytics: analytics.New(store),
	}

	if cfg.Telemetry.MetricsEnabled {
		tel.StartMetricsServer(ctx)
	}
	tel.Logger.WithFields(map[string]interface{}{
		"db":      cfg.Store.Path,
		"cache":   cfg.Cache.TTL.Std().String(),
		"hosts":   len(cfg.Hosts),
		"version": opts.build.Version,
	}).Debug("application initialized")
	return a, nil
}

// executor builds the policy engine, SSH pool and executor on first use.
func (a *app) executor(ctx context.Context) (*engine.Executor, error) {
	if a.exec != nil {
		return a.exec, nil
	}

	pe, err := policy.NewEngine(*a.tel.Logger.Zerolog(), policy.WithHosts(a.cfg.HostNames()))
	if err != nil {
		return nil, err
	}
	a.policy = pe
	if dir := a.cfg.Policy.Dir; dir != "" {
		if a.cfg.Policy.Watch {
			watchCtx, cancel := context.WithCancel(ctx)
			a.stopping = cancel
			err = pe.Watch(watchCtx, dir)
		} else {
			err = pe.LoadPolicies(ctx, []string{dir})
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load policies from %s: %w", dir, err)
		}
	}

	runners := engine.Runners{Local: &engine.LocalRunner{}}
	if len(a.cfg.Hosts) > 0 {
		hosts := make([]ssh.HostConfig, len(a.cfg.Hosts))
		for i, h := range a.cfg.Hosts {
			hosts[i] = ssh.HostConfig{
				Name:       h.Name,
				Address:    h.Address,
				Port:       h.Port,
				User:       h.User,
				KeyFile:    h.KeyFile,
				Password:   h.Password,
				KnownHosts: h.KnownHosts,
			}
		}
		pool, err := ssh.NewPool(hosts, ssh.WithLogger(a.tel.Logger))
		if err != nil {
			return nil, fmt.Errorf("failed to configure remote hosts: %w", err)
		}
		a.hosts = pool
		runners.Remote = &engine.RemoteRunner{Sessions: pool}
	}

	if err := os.MkdirAll(a.cfg.Artifacts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}

	a.exec = engine.NewExecutor(a.store, a.cache, a.graph, runners,
		engine.NewArtifacts(a.cfg.Artifacts.Dir),
		engine.WithPolicy(pe),
		engine.WithTelemetry(a.tel),
	)
	a.batch = engine.NewBatchRunner(a.exec, a.cfg.Executor.MaxParallel)
	return a.exec, nil
}

// Close releases everything newApp and executor opened.
func (a *app) Close() error {
	if a.stopping != nil {
		a.stopping()
	}
	var errs []error
	if a.policy != nil {
		errs = append(errs, a.policy.Close())
	}
	if a.hosts != nil {
		errs = append(errs, a.hosts.Close())
	}
	errs = append(errs, a.store.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	errs = append(errs, a.tel.Shutdown(ctx))
	return errors.Join(errs...)
}

// withApp opens the app for the duration of fn.
func withApp(ctx context.Context, opts *rootOptions, fn func(a *app) error) (err error) {
	a, err := newApp(ctx, opts)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()
	return fn(a)
}
