// Command guardiand is the Guardian host daemon: it owns the modded
// server child process, drives health/restart/blue-green policy, runs
// the SafeTick Guard and Freeze Registry, schedules world snapshots, and
// exposes the Control API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cthede11/guardian/internal/actorid"
	"github.com/cthede11/guardian/internal/chunkpipeline"
	"github.com/cthede11/guardian/internal/config"
	"github.com/cthede11/guardian/internal/controlapi"
	"github.com/cthede11/guardian/internal/freeze"
	"github.com/cthede11/guardian/internal/gpuworker"
	"github.com/cthede11/guardian/internal/logging"
	"github.com/cthede11/guardian/internal/ruleset"
	"github.com/cthede11/guardian/internal/safetick"
	"github.com/cthede11/guardian/internal/shutdown"
	"github.com/cthede11/guardian/internal/snapshot"
	"github.com/cthede11/guardian/internal/supervisor"
)

// Exit codes per §6: 0 clean stop, 1 config error, 2 unrecoverable
// (restart budget exhausted), 3 signal-terminated.
const (
	exitOK               = 0
	exitConfigError      = 1
	exitUnrecoverable    = 2
	exitSignalTerminated = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to a HuJSON config file (defaults if absent)")
	childCommand := flag.String("child-command", "", "override the managed server's launch command")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return exitConfigError
	}
	if *childCommand != "" {
		cfg.ChildCommand = *childCommand
	}
	if cfg.ChildCommand == "" {
		fmt.Fprintln(os.Stderr, "config error: child_command is required")
		return exitConfigError
	}

	log := logging.Default("guardiand")
	defer log.Sync()

	shut := shutdown.New(log)

	store := ruleset.New(log.With(logging.String("component", "ruleset")))
	if _, err := store.Load(cfg.RuleFilePath); err != nil {
		log.Error("initial rule load failed", logging.Err(err))
		return exitConfigError
	}

	registry, err := freeze.Open(cfg.FreezeDataDir, freeze.Caps{Entity: cfg.FreezeCapEntity, BlockEntity: cfg.FreezeCapBlockEntity}, log.With(logging.String("component", "freeze")))
	if err != nil {
		log.Error("freeze registry open failed", logging.Err(err))
		return exitConfigError
	}
	shut.Register("freeze_registry", func(context.Context) error { return registry.Close() })

	guard := safetick.New(registry, safetick.Thresholds{
		Window:               cfg.SafetickWindow(),
		EntityThreshold:      cfg.SafetickThresholdEntity,
		BlockEntityThreshold: cfg.SafetickThresholdBlockEntity,
	}, log.With(logging.String("component", "safetick")))
	_ = guard // wired for the in-process compat engine to call; not driven directly by this daemon loop

	var gpu gpuworker.Device
	cpu := gpuworker.NewCPUDevice()
	if cfg.GPUEnabled {
		gpu = gpuworker.NewShimDevice(gpuworker.ShimConfig{
			WorkerBinary: workerBinaryPath(),
			SocketPath:   cfg.GPUWorkerSocket,
			InitTimeout:  30 * time.Second,
		}, log.With(logging.String("component", "gpuworker")))
		if err := gpu.Init(); err != nil {
			log.Warn("gpu worker init failed, falling back to cpu-only", logging.Err(err))
			gpu = cpu
		}
	} else {
		gpu = cpu
	}
	shut.Register("gpu_worker", func(context.Context) error { return gpu.Shutdown() })

	pipeline := chunkpipeline.New(gpu, cpu, chunkpipeline.Config{
		MaxInflight:        int(cfg.ChunkMaxInflight),
		BackgroundQueueMax: int(cfg.ChunkBackgroundQueueMax),
	}, log.With(logging.String("component", "chunkpipeline")))
	_ = pipeline // the embedded mod API submits jobs against this; not driven directly by this daemon's own loop

	// sup is assigned below, after snapMgr; the closures only read it once
	// invoked, by which point supervisor.New has already run.
	var sup *supervisor.Supervisor

	snapMgr, err := snapshot.Open(snapshot.Config{
		WorldDir:    cfg.WorldDir,
		SnapshotDir: cfg.SnapshotDir,
		Interval:    cfg.SnapshotInterval(),
		Retention:   int(cfg.SnapshotRetention),
		HealthCheck: func() bool { return sup != nil && sup.Status().State == supervisor.StateRunning },
		IsStoppedFunc: func() bool {
			return sup != nil && sup.Status().State == supervisor.StateStopped
		},
	}, log.With(logging.String("component", "snapshot")))
	if err != nil {
		log.Error("snapshot manager open failed", logging.Err(err))
		return exitConfigError
	}
	shut.Register("snapshot_manager", func(context.Context) error { snapMgr.Close(); return nil })

	// Prober is left nil: health is process-liveness only until an
	// embedded TPS probe transport is configured for the mod in use.
	sup = supervisor.New(supervisor.Config{
		Command:               shellCommand(),
		Args:                  shellArgs(cfg.ChildCommand),
		StartupTimeout:        cfg.StartupTimeout(),
		HealthInterval:        cfg.HealthInterval(),
		ProbeTimeout:          cfg.ProbeTimeout(),
		ShutdownTimeout:       cfg.ShutdownTimeout(),
		MinTPSHealthy:         float64(cfg.MinTPSHealthy),
		RestartBudgetCapacity: int(cfg.RestartBudgetCapacity),
		RestartBudgetRefill:   cfg.RestartRefillWindow(),
		PreRestartHook: func(ctx context.Context) error {
			_, err := snapMgr.SnapshotNow()
			return err
		},
	}, log.With(logging.String("component", "supervisor")))

	snapMgr.Schedule(true)

	shut.Register("supervisor", func(ctx context.Context) error { return sup.Stop(ctx) })

	api := controlapi.New(controlapi.Config{
		Supervisor:   sup,
		Snapshot:     snapMgr,
		Ruleset:      store,
		Freeze:       freezeAdapter{registry},
		RuleFilePath: cfg.RuleFilePath,
		ListenAddrs:  nil,
		HTTPAddr:     cfg.ControlListen,
	}, log.With(logging.String("component", "controlapi")))
	startCtx, startCancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = api.Start(startCtx)
	startCancel()
	if err != nil {
		log.Error("control api start failed", logging.Err(err))
		return exitConfigError
	}
	shut.Register("control_api", func(ctx context.Context) error { return api.Close(ctx) })

	startCtx2, startCancel2 := context.WithTimeout(context.Background(), cfg.StartupTimeout())
	err = sup.Start(startCtx2)
	startCancel2()
	if err != nil {
		log.Error("supervisor failed to start", logging.Err(err))
		return exitUnrecoverable
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	signaled := false
	select {
	case sig := <-sigCh:
		log.Info("received signal, shutting down", logging.String("signal", sig.String()))
		signaled = true
	case <-waitForFailed(sup):
		log.Error("supervisor entered Failed", logging.Err(sup.Err()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()
	if err := shut.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown completed with errors", logging.Err(err))
	}

	if sup.Status().State == supervisor.StateFailed {
		return exitUnrecoverable
	}
	if signaled {
		return exitSignalTerminated
	}
	return exitOK
}

func waitForFailed(sup *supervisor.Supervisor) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		for {
			if sup.Status().State == supervisor.StateFailed {
				close(ch)
				return
			}
			time.Sleep(500 * time.Millisecond)
		}
	}()
	return ch
}

// shellCommand/shellArgs route the configured child_command string
// through a shell so operators can write ordinary command lines
// ("java -jar server.jar nogui") instead of a pre-split argv.
func shellCommand() string { return "/bin/sh" }
func shellArgs(command string) []string { return []string{"-c", command} }

func workerBinaryPath() string {
	if exe, err := os.Executable(); err == nil {
		return filepath.Join(filepath.Dir(exe), "guardian-gpu-worker")
	}
	return "guardian-gpu-worker"
}

// freezeAdapter maps *freeze.Registry onto controlapi.FreezeAPI, keeping
// the Control API's wire types decoupled from the Freeze Registry's
// ActorId-keyed Record layout.
type freezeAdapter struct {
	registry *freeze.Registry
}

func (f freezeAdapter) ListFrozen() []controlapi.FreezeRecordView {
	records := f.registry.IterateByCause(func(freeze.Record) bool { return true })
	views := make([]controlapi.FreezeRecordView, 0, len(records))
	for _, r := range records {
		views = append(views, controlapi.FreezeRecordView{
			ActorID: r.Actor.Key(),
			Reason:  r.CauseMessage,
		})
	}
	return views
}

func (f freezeAdapter) Thaw(actor actorid.ActorId) (bool, error) {
	return f.registry.Thaw(actor)
}

