// Package main is the faasd entry point: it wires the Store, Function
// Registry, Trigger Index, Scheduler, Worker pool, Host Capability Bridge,
// Run Log, and the three Event Ingress front doors into one running
// process, the way the teacher's cmd/gateway and cmd/marble wire their own
// services together in one main().
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/r3e-network/faas-platform/internal/hostbridge"
	"github.com/r3e-network/faas-platform/internal/ingress"
	"github.com/r3e-network/faas-platform/internal/platform/store"
	"github.com/r3e-network/faas-platform/internal/registry"
	"github.com/r3e-network/faas-platform/internal/retry"
	"github.com/r3e-network/faas-platform/internal/runlog"
	"github.com/r3e-network/faas-platform/internal/scheduler"
	"github.com/r3e-network/faas-platform/internal/secrets"
	"github.com/r3e-network/faas-platform/internal/triggerindex"
	"github.com/r3e-network/faas-platform/internal/worker"
	"github.com/r3e-network/faas-platform/pkg/config"
	"github.com/r3e-network/faas-platform/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Format: "text", Output: "stdout"})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Error("faasd exited with error")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	kv, err := openStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer kv.Close()

	index := triggerindex.New()

	reg, err := registry.New(kv, log, index, 512)
	if err != nil {
		return fmt.Errorf("build registry: %w", err)
	}

	var recorder scheduler.Recorder
	if cfg.RunLog.DSN != "" {
		rl, err := runlog.Open(cfg.RunLog.DSN, log)
		if err != nil {
			return fmt.Errorf("open run log: %w", err)
		}
		defer rl.Close()
		recorder = rl
	}

	sched := scheduler.New(scheduler.Config{
		TenantInflightCap:   cfg.Scheduler.TenantInflightCap,
		GlobalPendingCap:    cfg.Scheduler.GlobalPendingCap,
		HTTPBackpressureCap: cfg.Scheduler.HTTPBackpressureCap,
		HeartbeatTimeout:    cfg.Scheduler.HeartbeatTimeout,
		CancelGrace:         cfg.Scheduler.CancelGrace,
		SerializeMaxMultiple: orDefault(cfg.Scheduler.SerializeMaxMultiple, 5),
		Retry: retry.Policy{
			MaxAttempts:    orDefaultInt(cfg.Scheduler.MaxAttempts, 3),
			InitialBackoff: orDefaultDuration(cfg.Scheduler.InitialBackoff, 100*time.Millisecond),
			MaxBackoff:     orDefaultDuration(cfg.Scheduler.MaxBackoff, 1600*time.Millisecond),
			Multiplier:     4,
		},
	}, reg, recorder, log)

	if cfg.Scheduler.RedisAddr != "" {
		mirror, err := scheduler.NewRedisWorkerMirror(cfg.Scheduler.RedisAddr, orDefaultDuration(cfg.Worker.HeartbeatInterval, time.Second)*3)
		if err != nil {
			return fmt.Errorf("connect worker state mirror: %w", err)
		}
		defer mirror.Close()
		sched.SetWorkerMirror(mirror)
	}

	bridge := hostbridge.New(asHostbridgeRecorder(recorder), log)
	registerProviders(bridge, cfg, kv, log)

	pool := worker.New(worker.Config{
		ID:             "worker-local",
		Slots:          orDefaultInt(cfg.Worker.MaxConcurrentFunctions, 8),
		Runtimes:       []string{"js"},
		HeartbeatEvery: orDefaultDuration(cfg.Worker.HeartbeatInterval, time.Second),
	}, sched, bridge, log)

	sched.SetDispatcher(pool)
	sched.Start(ctx)
	pool.Start(ctx)

	httpAddr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
	httpIngress := ingress.NewHTTP(ingress.HTTPConfig{
		Addr:          httpAddr,
		ResponseGrace: orDefaultDuration(cfg.Ingress.ResponseGrace, 2*time.Second),
	}, index, sched, log)
	httpIngress.Start()
	log.WithField("addr", httpAddr).Info("http ingress listening")

	cron := ingress.NewCron(ingress.CronConfig{
		Interval: orDefaultDuration(cfg.Ingress.CronInterval, time.Second),
	}, index, sched, log)
	cron.Start(ctx)

	chains := make([]*ingress.Chain, 0, len(cfg.Chains))
	for _, cc := range cfg.Chains {
		if cc.WSURL == "" {
			continue
		}
		ch := ingress.NewChain(ingress.ChainConfig{Chain: cc.Name, WSURL: cc.WSURL}, index, sched, kv, log)
		ch.Start(ctx)
		chains = append(chains, ch)
	}

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpIngress.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("http ingress shutdown error")
	}
	cron.Stop()
	for _, ch := range chains {
		ch.Stop()
	}
	pool.Stop()
	sched.Stop(shutdownCtx)

	return nil
}

func openStore(cfg config.StorageConfig) (store.Store, error) {
	switch cfg.Type {
	case "persistent", "bolt":
		return store.OpenBolt(cfg.Path)
	default:
		return store.NewMemory(), nil
	}
}

func registerProviders(bridge *hostbridge.Bridge, cfg *config.Config, kv store.Store, log *logger.Logger) {
	hostbridge.RegisterStorage(bridge, kv)

	if cfg.Secrets.MasterKeyHex != "" {
		masterKey, err := hex.DecodeString(cfg.Secrets.MasterKeyHex)
		if err != nil {
			log.WithError(err).Warn("invalid secrets master key, secrets op disabled")
		} else {
			var vault secrets.Provider
			if cfg.Secrets.AzureVaultURL != "" {
				if v, err := secrets.NewAzureKeyVaultProvider(cfg.Secrets.AzureVaultURL); err != nil {
					log.WithError(err).Warn("azure key vault unavailable, falling back to local secrets only")
				} else {
					vault = v
				}
			}
			svc := secrets.New(kv, masterKey, vault)
			hostbridge.RegisterSecrets(bridge, svc)
		}
	}

	for _, cc := range cfg.Chains {
		if cc.RPCURL == "" {
			continue
		}
		neo := hostbridge.NewNeoProvider(cc.RPCURL)
		neo.Register(bridge)
	}
}

// asHostbridgeRecorder adapts the scheduler.Recorder interface value back
// to hostbridge.Recorder; both are satisfied by the same *runlog.Store, but
// a nil scheduler.Recorder interface value must become a nil
// hostbridge.Recorder rather than a non-nil interface wrapping a nil
// pointer.
func asHostbridgeRecorder(r scheduler.Recorder) hostbridge.Recorder {
	if r == nil {
		return nil
	}
	if hr, ok := r.(hostbridge.Recorder); ok {
		return hr
	}
	return nil
}

func orDefault(v, def float64) float64 {
	if v <= 0 {
		return def
	}
	return v
}

func orDefaultInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func orDefaultDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}
