package core

import (
	"context"
	"time"

	"github.com/inhies/go-bytesize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"

	"github.com/fleetml/fleet/api/pkg/adapter"
	"github.com/fleetml/fleet/api/pkg/config"
	"github.com/fleetml/fleet/api/pkg/gpu"
	"github.com/fleetml/fleet/api/pkg/health"
	"github.com/fleetml/fleet/api/pkg/metrics"
	"github.com/fleetml/fleet/api/pkg/registry"
	"github.com/fleetml/fleet/api/pkg/router"
	"github.com/fleetml/fleet/api/pkg/scheduler"
	"github.com/fleetml/fleet/api/pkg/store"
	"github.com/fleetml/fleet/api/pkg/types"
)

// Core wires every control plane component together. The server package
// talks to Core; nothing below it knows about HTTP.
type Core struct {
	Config    config.ServerConfig
	Store     store.ConfigStore
	Registry  *registry.Registry
	Scheduler *scheduler.Scheduler
	Health    *health.LoopSet
	Router    *router.Router
	Probe     gpu.Probe
	Sink      metrics.Sink

	// PromRegistry is non-nil when metrics are enabled; the server mounts it.
	PromRegistry *prometheus.Registry

	rootCtx    context.Context
	rootCancel context.CancelFunc
	background *pool.Pool
}

func New(cfg config.ServerConfig) (*Core, error) {
	var sink metrics.Sink = metrics.Nop{}
	var promRegistry *prometheus.Registry
	if cfg.Metrics.Enabled {
		promRegistry = prometheus.NewRegistry()
		sink = metrics.NewPrometheus(promRegistry)
	}

	probe, vendor, err := buildProbe(cfg.GPU)
	if err != nil {
		return nil, err
	}

	adapters := adapter.NewSet()
	adapters.Register(types.FrameworkProcess, adapter.NewProcessAdapter(adapter.ProcessAdapterParams{
		GPUVendor:    vendor,
		StartTimeout: cfg.Adapters.Process.StartTimeout,
		StopTimeout:  cfg.Adapters.Process.StopTimeout,
	}))
	if docker, err := adapter.NewDockerClient(cfg.Adapters.Container.DockerSocket); err != nil {
		log.Warn().Err(err).Msg("docker unavailable, container models cannot be registered")
	} else {
		adapters.Register(types.FrameworkContainer, adapter.NewContainerAdapter(adapter.ContainerAdapterParams{
			Docker:       docker,
			GPUVendor:    vendor,
			CacheDir:     cfg.Adapters.Container.CacheDir,
			StartTimeout: cfg.Adapters.Container.StartTimeout,
			StopTimeout:  cfg.Adapters.Container.StopTimeout,
		}))
	}

	reg := registry.New(adapters)
	sched := scheduler.New(scheduler.Params{
		Policy:    policyFromConfig(cfg.Scheduler),
		Probe:     probe,
		Models:    reg,
		Sink:      sink,
		StateFile: cfg.Scheduler.StateFile,
	})
	reg.SetPlacer(sched)

	loops := health.NewLoopSet(health.Params{Registry: reg, Recovery: sched, Sink: sink})
	reg.Subscribe(loops.HandleEvent)

	rt := router.New(router.Params{
		Policy:            types.LoadBalancePolicy(cfg.Router.Policy),
		Sink:              sink,
		FailoverThreshold: cfg.Router.FailoverThreshold,
		HistorySize:       cfg.Router.RequestHistorySize,
	})
	reg.Subscribe(func(event types.LifecycleEvent) {
		priority := 0
		if runtime, err := reg.Get(event.ModelID); err == nil {
			priority = runtime.Config.Priority
		}
		rt.HandleLifecycle(event, priority)
	})
	reg.SubscribeHealth(rt.HandleHealth)
	reg.Subscribe(sink.LifecycleTransition)

	configStore, err := store.NewGormStore(cfg.Store.DSN)
	if err != nil {
		return nil, err
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	c := &Core{
		Config:       cfg,
		Store:        configStore,
		Registry:     reg,
		Scheduler:    sched,
		Health:       loops,
		Router:       rt,
		Probe:        probe,
		Sink:         sink,
		PromRegistry: promRegistry,
		rootCtx:      rootCtx,
		rootCancel:   rootCancel,
		background:   pool.New(),
	}
	configStore.Subscribe(c.applyChange)
	return c, nil
}

// Start restores persisted state and launches the background loops.
func (c *Core) Start() error {
	if err := c.Scheduler.Load(); err != nil {
		return err
	}
	if err := c.rehydrate(); err != nil {
		return err
	}

	c.background.Go(func() {
		c.Scheduler.RunRecovery(c.rootCtx)
	})
	if dir := c.Config.Store.WatchDir; dir != "" {
		watcher := store.NewWatcher(dir, c.Store)
		c.background.Go(func() {
			if err := watcher.Run(c.rootCtx); err != nil {
				log.Error().Err(err).Str("dir", dir).Msg("config watcher exited")
			}
		})
	}
	return nil
}

// rehydrate registers every stored config and schedules the auto-start ones.
func (c *Core) rehydrate() error {
	configs, err := c.Store.ListModels(c.rootCtx)
	if err != nil {
		return err
	}
	for _, cfg := range configs {
		if err := c.Registry.Register(cfg); err != nil {
			log.Error().Err(err).Str("model_id", cfg.ID).Msg("stored model config failed validation, skipped")
			continue
		}
		if !cfg.AutoStart {
			continue
		}
		if err := c.Registry.Start(c.rootCtx, cfg.ID); err != nil {
			log.Warn().Err(err).Str("model_id", cfg.ID).Msg("auto-start failed, model stays stopped")
		}
	}
	log.Info().Int("models", len(configs)).Msg("model registry rehydrated from store")
	return nil
}

// applyChange is the single path from a committed store write to the runtime
// registry. API handlers and the file watcher both only write to the store.
func (c *Core) applyChange(change store.Change) {
	ctx := c.rootCtx
	modelID := change.Config.ID
	switch change.Op {
	case store.ChangePut:
		if _, err := c.Registry.Get(modelID); err != nil {
			if err := c.Registry.Register(change.Config); err != nil {
				log.Error().Err(err).Str("model_id", modelID).Msg("stored config rejected by registry")
				return
			}
			if change.Config.AutoStart {
				if err := c.Registry.Start(ctx, modelID); err != nil {
					log.Warn().Err(err).Str("model_id", modelID).Msg("auto-start failed")
				}
			}
			return
		}
		if err := c.Registry.Update(ctx, change.Config); err != nil {
			log.Error().Err(err).Str("model_id", modelID).Msg("config update rejected by registry")
		}
	case store.ChangeDelete:
		if err := c.Registry.Unregister(ctx, modelID); err != nil && !types.IsCode(err, types.CodeNotFound) {
			log.Error().Err(err).Str("model_id", modelID).Msg("could not unregister deleted model")
		}
	}
}

// Shutdown stops the background loops, then every running engine, bounded per
// model, and persists the scheduler state last.
func (c *Core) Shutdown() {
	log.Info().Msg("control plane shutting down")
	c.rootCancel()
	c.Health.StopAll()

	stops := pool.New().WithMaxGoroutines(4)
	for _, runtime := range c.Registry.List() {
		if runtime.State != types.StateRunning && runtime.State != types.StateStarting {
			continue
		}
		modelID := runtime.Config.ID
		stops.Go(func() {
			ctx, cancel := context.WithTimeout(context.Background(), c.stopTimeout())
			defer cancel()
			if err := c.Registry.Stop(ctx, modelID); err != nil {
				log.Error().Err(err).Str("model_id", modelID).Msg("model did not stop cleanly during shutdown")
			}
		})
	}
	stops.Wait()
	c.background.Wait()

	if err := c.Scheduler.Save(); err != nil {
		log.Error().Err(err).Msg("could not persist scheduler state on shutdown")
	}
	log.Info().Msg("control plane stopped")
}

func (c *Core) stopTimeout() time.Duration {
	if t := c.Config.Server.ShutdownModelStopTimeout; t > 0 {
		return t
	}
	return 15 * time.Second
}

func buildProbe(cfg config.GPU) (gpu.Probe, string, error) {
	if len(cfg.SimulatedDevices) > 0 {
		totals := make([]uint64, 0, len(cfg.SimulatedDevices))
		for _, raw := range cfg.SimulatedDevices {
			size, err := bytesize.Parse(raw)
			if err != nil {
				return nil, "", types.NewValidationError("invalid simulated device size %q: %s", raw, err)
			}
			totals = append(totals, uint64(size)/uint64(bytesize.MB))
		}
		log.Info().Uints64("devices_mb", totals).Msg("using simulated GPU probe")
		return gpu.NewSimulatedProbe(totals), gpu.VendorNVIDIA, nil
	}
	smi := gpu.NewSMIProbe(&gpu.RealCommander{})
	return gpu.NewCachedProbe(smi, cfg.ProbeCacheTTL), smi.Vendor(), nil
}

func policyFromConfig(cfg config.Scheduler) types.SchedulerPolicy {
	policy := types.DefaultSchedulerPolicy()
	policy.MinPriorityGap = cfg.MinPriorityGap
	policy.MaxPreemptionsPerHour = cfg.MaxPreemptionsPerHour
	policy.RecoveryCheckInterval = int(cfg.RecoveryCheckInterval.Seconds())
	policy.MaxRecoveryAttempts = cfg.MaxRecoveryAttempts
	policy.MinRecoveryInterval = int(cfg.MinRecoveryInterval.Seconds())
	policy.MaxRecoveryInterval = int(cfg.MaxRecoveryInterval.Seconds())
	policy.RecoveryBackoffFactor = cfg.RecoveryBackoffFactor
	policy.FailureDetectionTimeout = int(cfg.FailureDetectionTimeout.Seconds())
	policy.DecisionHistorySize = cfg.DecisionHistorySize
	policy.RecoveryHistorySize = cfg.RecoveryHistorySize
	return policy
}
