package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/libp2p/go-libp2p"
	"github.com/spf13/cobra"

	"github.com/taskorion/orion/internal/config"
	"github.com/taskorion/orion/pkg/agent"
	"github.com/taskorion/orion/pkg/assignment"
	"github.com/taskorion/orion/pkg/barrier"
	"github.com/taskorion/orion/pkg/device"
	"github.com/taskorion/orion/pkg/eventbus"
	"github.com/taskorion/orion/pkg/oracle"
	"github.com/taskorion/orion/pkg/orchestrator"
	"github.com/taskorion/orion/pkg/orion"
	"github.com/taskorion/orion/pkg/session"
)

func runCmd() *cobra.Command {
	var configFile string
	var fakeDevices bool
	var strategyName string
	var request string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one planning request to completion",
		Long: `Wires configuration, logging, the event bus, a device fleet and one
Session, then drives a single request through the Planning Agent FSM
until it reaches FINISH or FAIL.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOrchestrator(cmd, configFile, fakeDevices, strategyName, request)
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "YAML configuration file path")
	cmd.Flags().BoolVar(&fakeDevices, "fake-devices", true, "use an in-memory fake device transport instead of real libp2p devices")
	cmd.Flags().StringVar(&strategyName, "strategy", "round_robin", "assignment strategy: round_robin, capability_match, load_balance")
	cmd.Flags().StringVar(&request, "request", "roll out the demo pipeline", "free-text request handed to the planning oracle")

	return cmd
}

func runOrchestrator(cmd *cobra.Command, configFile string, fakeDevices bool, strategyName, request string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("orion-orchestrator starting", "version", version, "fake_devices", fakeDevices)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signalCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	bus := eventbus.New(cfg.EventBus.ObserverBufferSize)
	defer bus.Close()

	manager, cleanup, err := buildDeviceManager(ctx, cfg, bus, fakeDevices, logger)
	if err != nil {
		return fmt.Errorf("build device manager: %w", err)
	}
	defer cleanup()

	go manager.StartHeartbeatLoop(ctx, cfg.Scheduler.DeviceHeartbeatInterval)

	strategy, err := assignment.ByName(strategyName)
	if err != nil {
		return err
	}

	sync := barrier.New(cfg.Scheduler.ModificationTimeout, logger)

	orch := orchestrator.New(manager, bus, sync, orchestrator.Config{
		MaxConcurrentTasks:  cfg.Scheduler.MaxConcurrentTasks,
		TaskTimeout:         cfg.Scheduler.TaskTimeout,
		CriticalTaskTimeout: cfg.Scheduler.CriticalTaskTimeout,
		IdlePollInterval:    cfg.Scheduler.IdlePollInterval,
	}, logger)

	oc := oracle.NewStaticOracle(oracle.Script{
		Orion:   demoOrion(),
		Verdict: oracle.VerdictDone,
	})

	ag := agent.New(oc, orch, manager, bus, agent.Config{
		MaxSteps:            cfg.Scheduler.MaxStep,
		DefaultTaskTimeout:  cfg.Scheduler.TaskTimeout,
		CriticalTaskTimeout: cfg.Scheduler.CriticalTaskTimeout,
		OrchestratorOptions: orchestrator.Options{Strategy: strategy},
	}, logger)

	sess := session.New(ag, sync, bus, logger)
	defer sess.Close()

	if err := sess.Start(ctx, request); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	sess.Wait(ctx)

	report := sess.FinalReport()
	logger.Info("request finished",
		"final_state", report.FinalState,
		"rounds", report.Rounds,
		"completed", report.Statistics.Completed,
		"failed", report.Statistics.Failed,
		"critical_path_length", report.CriticalPathLength,
	)
	fmt.Fprintf(cmd.OutOrStdout(), "final_state=%s rounds=%d completed=%d failed=%d critical_path_length=%d\n",
		report.FinalState, report.Rounds, report.Statistics.Completed, report.Statistics.Failed, report.CriticalPathLength)

	if report.Err != nil {
		return report.Err
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var slogLevel slog.Level
	if err := slogLevel.UnmarshalText([]byte(level)); err != nil {
		slogLevel = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slogLevel})
	return slog.New(handler)
}

// buildDeviceManager wires either an in-memory FakeTransport fleet
// (the default, fully self-contained demo) or a real libp2p transport
// dialing the configured bootstrap peers. The returned cleanup func
// must be called before the process exits.
func buildDeviceManager(ctx context.Context, cfg *config.Config, bus *eventbus.Bus, fakeDevices bool, logger *slog.Logger) (*device.Manager, func(), error) {
	registry := device.NewRegistry(bus)

	if fakeDevices {
		transport := device.NewFakeTransport()
		manager := device.NewManager(registry, transport, logger)
		for _, id := range []string{"device-a", "device-b"} {
			manager.RegisterDevice(ctx, id, "fake://"+id, "linux", []string{"cpu"}, nil)
			if err := manager.Connect(ctx, id); err != nil {
				return nil, nil, fmt.Errorf("connect fake device %s: %w", id, err)
			}
		}
		return manager, func() {}, nil
	}

	if len(cfg.P2P.BootstrapPeers) == 0 {
		return nil, nil, fmt.Errorf("real device mode requires at least one --config P2P bootstrap_peers entry (or pass --fake-devices)")
	}

	h, err := libp2p.New(libp2p.ListenAddrStrings(cfg.P2P.ListenAddr))
	if err != nil {
		return nil, nil, fmt.Errorf("create libp2p host: %w", err)
	}

	transport := device.NewLibP2PTransport(h, registry, logger)
	manager := device.NewManager(registry, transport, logger)
	for i, addr := range cfg.P2P.BootstrapPeers {
		id := fmt.Sprintf("device-%d", i)
		manager.RegisterDevice(ctx, id, addr, "unknown", nil, nil)
		if err := manager.Connect(ctx, id); err != nil {
			logger.Warn("bootstrap device connect failed", "device_id", id, "error", err)
		}
	}
	return manager, func() { _ = h.Close() }, nil
}

// demoOrion builds a small three-task pipeline (fetch -> transform ->
// publish) used by `run`'s default request. A real deployment would
// get this Orion from an LLM-backed oracle's CreateOrion instead.
func demoOrion() *orion.Orion {
	o := orion.New("demo-pipeline")
	fetch := &orion.TaskStar{TaskID: "fetch", Name: "fetch data", Priority: orion.PriorityHigh}
	transform := &orion.TaskStar{TaskID: "transform", Name: "transform data", Priority: orion.PriorityMedium}
	publish := &orion.TaskStar{TaskID: "publish", Name: "publish result", Priority: orion.PriorityCritical}

	_ = o.AddTask(fetch)
	_ = o.AddTask(transform)
	_ = o.AddTask(publish)

	_ = o.AddDependency(&orion.TaskStarLine{
		DependencyID: "fetch->transform", FromTaskID: "fetch", ToTaskID: "transform",
		DependencyType: orion.DependencySuccessOnly,
	})
	_ = o.AddDependency(&orion.TaskStarLine{
		DependencyID: "transform->publish", FromTaskID: "transform", ToTaskID: "publish",
		DependencyType: orion.DependencySuccessOnly,
	})
	return o
}
