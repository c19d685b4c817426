package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/kiranshivaraju/gpufleet/internal/api"
	"github.com/kiranshivaraju/gpufleet/internal/api/handler"
	mw "github.com/kiranshivaraju/gpufleet/internal/api/middleware"
	"github.com/kiranshivaraju/gpufleet/internal/blobstore"
	"github.com/kiranshivaraju/gpufleet/internal/cache"
	"github.com/kiranshivaraju/gpufleet/internal/checkpoint"
	"github.com/kiranshivaraju/gpufleet/internal/config"
	"github.com/kiranshivaraju/gpufleet/internal/events"
	"github.com/kiranshivaraju/gpufleet/internal/failover"
	"github.com/kiranshivaraju/gpufleet/internal/health"
	"github.com/kiranshivaraju/gpufleet/internal/jobs"
	"github.com/kiranshivaraju/gpufleet/internal/registry"
	"github.com/kiranshivaraju/gpufleet/internal/router"
	"github.com/kiranshivaraju/gpufleet/internal/store"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	eventHistory    = 1024
	dispatchTimeout = 30 * time.Second
)

// app is the fully wired control plane.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	store       store.Store
	cache       cache.Cache
	recorder    *events.Recorder
	registry    *registry.Registry
	monitor     *health.Monitor
	router      *router.Router
	checkpoints *checkpoint.Manager
	jobs        *jobs.Service
	failover    *failover.Manager
	handler     http.Handler

	closers []func()
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}
	redisCache, err := a.openCache(ctx)
	if err != nil {
		return nil, err
	}
	blobs, err := a.openBlobs(redisCache)
	if err != nil {
		return nil, err
	}
	publisher, err := a.openPublisher(ctx)
	if err != nil {
		return nil, err
	}
	prober, err := a.openProber()
	if err != nil {
		return nil, err
	}

	// Registry
	a.registry = registry.New(a.store, logger)
	if err := a.registry.Load(ctx); err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	}
	unsubscribe := a.registry.Subscribe(func(e registry.ChangeEvent) {
		var t events.Type
		switch e.Kind {
		case registry.ChangeRegistered:
			t = events.TypeNodeRegistered
		case registry.ChangeDeregistered:
			t = events.TypeNodeDeregistered
		default:
			return
		}
		events.Emit(context.Background(), publisher, logger, events.Event{Type: t, Key: e.NodeID, At: e.At})
	})
	a.closers = append(a.closers, unsubscribe)

	// Health monitor
	monitorOpts := []health.Option{health.WithSink(a.store), health.WithPublisher(publisher)}
	if cfg.Health.PrometheusURL != "" {
		monitorOpts = append(monitorOpts, health.WithMetrics(health.NewPrometheusSource(cfg.Health.PrometheusURL, cfg.Health.ProbeTimeout)))
	}
	a.monitor = health.NewMonitor(health.Config{
		Interval:         cfg.Health.Interval,
		ProbeTimeout:     cfg.Health.ProbeTimeout,
		LatencyThreshold: cfg.Health.LatencyThreshold,
		Thresholds: health.Thresholds{
			SuspectAfter: cfg.Health.SuspectAfter,
			FailAfter:    cfg.Health.FailAfter,
			RecoverAfter: cfg.Health.RecoverAfter,
		},
		Window:      cfg.Health.Window,
		Concurrency: cfg.Health.Concurrency,
	}, a.registry, prober, logger, monitorOpts...)

	// Router
	a.router = router.New(router.Config{
		Freshness:       cfg.Router.Freshness,
		RefreshTimeout:  cfg.Router.RefreshTimeout,
		DecisionLogSize: cfg.Router.DecisionLogSize,
	}, a.registry, a.monitor,
		router.NewWeightedStrategy(router.Weights(cfg.Router.Weights), cfg.Router.LatencyRef),
		logger, router.WithPublisher(publisher))
	a.closers = append(a.closers, a.router.Close)

	// Checkpoints
	a.checkpoints = checkpoint.New(checkpoint.Config{
		QueueSize:      cfg.Checkpoint.QueueSize,
		Workers:        cfg.Checkpoint.Workers,
		MaxAttempts:    cfg.Checkpoint.MaxAttempts,
		InitialBackoff: cfg.Checkpoint.InitialBackoff,
		MaxBackoff:     cfg.Checkpoint.MaxBackoff,
	}, a.store, blobs, logger, checkpoint.WithPublisher(publisher))
	a.closers = append(a.closers, a.checkpoints.Close)

	// Jobs
	a.jobs = jobs.New(jobs.Config{StatusTTL: cfg.Jobs.StatusTTL},
		a.store, a.router, a.registry, a.checkpoints, logger,
		jobs.WithPublisher(publisher), jobs.WithCache(a.cache))

	// Failover
	a.failover = failover.New(failover.Config{
		SLATarget:    cfg.Failover.SLATarget,
		Concurrency:  cfg.Failover.Concurrency,
		RetryInitial: cfg.Failover.RetryInitial,
		RetryMax:     cfg.Failover.RetryMax,
	}, a.store, a.jobs, a.router, a.checkpoints, a.monitor, logger,
		failover.WithPublisher(publisher),
		failover.WithDispatcher(failover.NewHTTPDispatcher(a.registry, dispatchTimeout)))

	a.handler = a.routes()
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	if a.cfg.Database.Driver == "memory" {
		a.logger.Warn("using in-memory store, state is lost on restart")
		a.store = store.NewMemoryStore()
		return nil
	}

	pool, err := store.Connect(ctx, a.cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	a.closers = append(a.closers, pool.Close)
	a.logger.Info("database connected")

	if err := store.RunMigrations(a.cfg.Database.URL); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	a.logger.Info("database migrations applied")

	a.store = store.NewPostgresStore(pool)
	return nil
}

// openCache returns the Redis cache when one is configured so the blob store
// can share its connection.
func (a *app) openCache(ctx context.Context) (*cache.RedisCache, error) {
	if a.cfg.Redis.URL == "" {
		a.cache = cache.NewMemoryCache()
		return nil, nil
	}
	rc, err := cache.NewRedisCache(a.cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("create redis cache: %w", err)
	}
	a.closers = append(a.closers, func() { _ = rc.Close() })
	if err := rc.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	a.logger.Info("redis connected")
	a.cache = rc
	return rc, nil
}

func (a *app) openBlobs(rc *cache.RedisCache) (blobstore.Store, error) {
	switch a.cfg.Blob.Backend {
	case "fs":
		fs, err := blobstore.NewFSStore(a.cfg.Blob.Dir)
		if err != nil {
			return nil, fmt.Errorf("open blob dir: %w", err)
		}
		return fs, nil
	case "redis":
		if rc == nil {
			return nil, fmt.Errorf("blob backend redis needs redis.url")
		}
		return blobstore.NewRedisStore(rc.Client(), a.cfg.Blob.Prefix), nil
	default:
		a.logger.Warn("using in-memory checkpoint blobs, payloads are lost on restart")
		return blobstore.NewMemoryStore(), nil
	}
}

func (a *app) openPublisher(ctx context.Context) (events.Publisher, error) {
	a.recorder = events.NewRecorder(eventHistory)
	multi := events.Multi{events.NewLog(a.logger), a.recorder}
	if a.cfg.Broker.URL == "" {
		return multi, nil
	}
	rabbit, err := events.NewRabbitPublisher(ctx, a.cfg.Broker.URL, a.cfg.Broker.Exchange, a.logger)
	if err != nil {
		return nil, fmt.Errorf("connect broker: %w", err)
	}
	a.closers = append(a.closers, func() { _ = rabbit.Close() })
	a.logger.Info("broker connected", "exchange", a.cfg.Broker.Exchange)
	return append(multi, rabbit), nil
}

func (a *app) openProber() (health.Prober, error) {
	switch a.cfg.Health.ProbeMode {
	case "push":
		return health.NewCacheProber(a.cache), nil
	case "etcd":
		cli, err := clientv3.New(clientv3.Config{
			Endpoints:   a.cfg.Etcd.Endpoints,
			DialTimeout: a.cfg.Etcd.DialTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("connect etcd: %w", err)
		}
		a.closers = append(a.closers, func() { _ = cli.Close() })
		return health.NewEtcdProber(cli, a.cfg.Etcd.HeartbeatPrefix), nil
	default:
		return health.NewHTTPProber(&http.Client{}), nil
	}
}

func (a *app) routes() http.Handler {
	return api.NewRouter(api.Dependencies{
		Logger:    a.logger,
		Auth:      mw.NewAuth(a.cfg.Auth.Keys),
		RateLimit: mw.NewRateLimit(a.cache, a.cfg.Auth.RateLimitPerMinute),

		HealthHandler: handler.NewHealthHandler(a.store, a.cache, a.monitor.Snapshot),

		SubmitJob:     handler.NewSubmitJobHandler(a.jobs),
		ListJobs:      handler.NewListJobsHandler(a.jobs),
		JobStatus:     handler.NewJobStatusHandler(a.jobs),
		CompleteJob:   handler.NewCompleteJobHandler(a.jobs),
		CancelJob:     handler.NewCancelJobHandler(a.jobs),
		CheckpointJob: handler.NewCheckpointHandler(a.jobs),
		ListFailovers: handler.NewFailoversHandler(a.failover),

		RegisterNode:      handler.NewRegisterNodeHandler(a.registry),
		ListNodes:         handler.NewListNodesHandler(a.registry, a.monitor),
		GetNode:           handler.NewGetNodeHandler(a.registry, a.monitor),
		UpdateCapacity:    handler.NewUpdateCapacityHandler(a.registry),
		UpdateEligibility: handler.NewUpdateEligibilityHandler(a.registry),
		DeregisterNode:    handler.NewDeregisterNodeHandler(a.registry),
		Heartbeat:         handler.NewHeartbeatHandler(a.registry, a.cache, a.cfg.Health.HeartbeatTTL),

		ListEvents:    handler.NewEventsHandler(a.recorder),
		ListDecisions: handler.NewDecisionsHandler(a.router),
	})
}

// start runs the health monitor and the failover manager until ctx ends.
// The returned func blocks until both have stopped.
func (a *app) start(ctx context.Context) func() {
	var wg sync.WaitGroup
	loops := map[string]func(context.Context) error{
		"health monitor":   a.monitor.Run,
		"failover manager": a.failover.Run,
	}
	for name, loop := range loops {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := loop(ctx); err != nil && ctx.Err() == nil {
				a.logger.Error("background loop stopped", "loop", name, "error", err)
			}
		}()
	}
	if len(a.cfg.Auth.Keys) == 0 {
		a.logger.Warn("no API keys configured, every request is authorized")
	}
	return wg.Wait
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
