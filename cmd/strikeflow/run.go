package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Jawbreaker1/StrikeFlow/internal/artifacts"
	"github.com/Jawbreaker1/StrikeFlow/internal/audit"
	"github.com/Jawbreaker1/StrikeFlow/internal/config"
	"github.com/Jawbreaker1/StrikeFlow/internal/consent"
	"github.com/Jawbreaker1/StrikeFlow/internal/logging"
	"github.com/Jawbreaker1/StrikeFlow/internal/orchestrator"
	"github.com/Jawbreaker1/StrikeFlow/internal/resource"
	"github.com/Jawbreaker1/StrikeFlow/internal/scopeguard"
	"github.com/Jawbreaker1/StrikeFlow/internal/toolexec"
	"github.com/Jawbreaker1/StrikeFlow/internal/workflow"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <workflow.yaml>",
		Short: "Run a workflow in the foreground",
		Long: `Run a workflow definition to completion. Consent checkpoints are
answered interactively unless --auto-approve is set. Ctrl-C requests
cooperative cancellation: in-flight tools drain, the run ends aborted.`,
		Args: cobra.ExactArgs(1),
		RunE: runRun,
	}
	cmd.Flags().Bool("auto-approve", false, "grant every consent checkpoint without prompting")
	cmd.Flags().Int("tail", 0, "include the last N audit events in the final status")
	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfigAndLogger(cmd)
	if err != nil {
		return err
	}

	def, err := workflow.ReadDefinition(args[0])
	if err != nil {
		return err
	}

	adapter, err := toolexec.NewRunner(cfg.Tools, logger)
	if err != nil {
		return err
	}
	if scope := scopeguard.New(cfg.Scope.Allow, cfg.Scope.Deny); scope.HasRules() {
		adapter.SetScope(scope)
	}

	var engine *orchestrator.Engine
	monitor, err := resource.NewMonitor(resource.Config{
		MaxConcurrent:  cfg.Resources.MaxConcurrent,
		CPUHighWater:   cfg.Resources.CPUHighWater,
		CPULowWater:    cfg.Resources.CPULowWater,
		MemHighWater:   cfg.Resources.MemHighWater,
		MemLowWater:    cfg.Resources.MemLowWater,
		SampleInterval: cfg.Resources.SampleInterval,
	}, nil, func(engaged bool, stats resource.HostStats, limit int64) {
		if engine != nil {
			engine.NotifyThrottle(engaged, stats, limit)
		}
	}, logger)
	if err != nil {
		return err
	}

	sinks, sinkFactory, closeSinks, err := buildSinks(cfg)
	if err != nil {
		return err
	}
	defer closeSinks()

	store, err := buildArtifactStore(cfg)
	if err != nil {
		return err
	}

	engine, err = orchestrator.NewEngine(orchestrator.Options{
		Adapter:         adapter,
		Monitor:         monitor,
		Sinks:           sinks,
		SinkFactory:     sinkFactory,
		ArtifactStore:   store,
		Logger:          logger,
		ApprovalTimeout: cfg.Approval.Timeout,
	})
	if err != nil {
		return err
	}

	monitorCtx, stopMonitor := context.WithCancel(context.Background())
	defer stopMonitor()
	go monitor.Run(monitorCtx)

	if cfg.Metrics.Addr != "" {
		go serveMetrics(cfg.Metrics.Addr, logger)
	}

	runID, err := engine.StartRun(context.Background(), def)
	if err != nil {
		return err
	}
	fmt.Printf("run started: %s\n", runID)

	autoApprove, _ := cmd.Flags().GetBool("auto-approve")
	tail, _ := cmd.Flags().GetInt("tail")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	snapshot := superviseRun(engine, runID, autoApprove, sigCh, tail, logger)

	out, _ := json.MarshalIndent(snapshot, "", "  ")
	fmt.Println(string(out))

	if snapshot.Status != orchestrator.RunCompleted {
		return fmt.Errorf("run %s ended %s", runID, snapshot.Status)
	}
	return nil
}

// superviseRun polls the engine until the run is terminal, answering consent
// checkpoints and forwarding interrupts as cancellation requests.
func superviseRun(engine *orchestrator.Engine, runID string, autoApprove bool, sigCh <-chan os.Signal, tail int, logger zerolog.Logger) orchestrator.RunSnapshot {
	reader := bufio.NewReader(os.Stdin)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "cancellation requested, draining in-flight tasks...")
			if err := engine.Cancel(runID); err != nil {
				logger.Error().Err(err).Msg("cancel failed")
			}
		case <-ticker.C:
		}

		snapshot, err := engine.Status(runID, tail)
		if err != nil {
			logger.Error().Err(err).Msg("status poll failed")
			continue
		}
		if snapshot.Status.Terminal() {
			return snapshot
		}
		if snapshot.Pending != nil {
			resolveCheckpoint(engine, runID, *snapshot.Pending, autoApprove, reader, logger)
		}
	}
}

func resolveCheckpoint(engine *orchestrator.Engine, runID string, checkpoint consent.Checkpoint, autoApprove bool, reader *bufio.Reader, logger zerolog.Logger) {
	if autoApprove {
		if err := engine.ResolveApproval(runID, consent.DecisionApproved, "auto-approve"); err != nil {
			logger.Error().Err(err).Msg("auto approval failed")
		}
		return
	}
	subject := "phase " + checkpoint.Phase
	if checkpoint.TaskID != "" {
		subject = fmt.Sprintf("task %s (phase %s)", checkpoint.TaskID, checkpoint.Phase)
	}
	fmt.Printf("approval required for %s: %s [y/N]: ", subject, checkpoint.Reason)
	line, err := reader.ReadString('\n')
	if err != nil {
		return
	}
	decision := consent.DecisionDenied
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		decision = consent.DecisionApproved
	}
	if err := engine.ResolveApproval(runID, decision, "operator"); err != nil {
		// The gate may have timed out while the prompt was open.
		logger.Warn().Err(err).Msg("approval resolution failed")
	}
}

func buildSinks(cfg *config.Config) ([]audit.Sink, func(string) ([]audit.Sink, error), func(), error) {
	var shared []audit.Sink
	closeAll := func() {}
	if cfg.Audit.PostgresDSN != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		pg, err := audit.NewPostgresSink(ctx, cfg.Audit.PostgresDSN, 5*time.Second)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connect audit database: %w", err)
		}
		shared = append(shared, pg)
		closeAll = pg.Close
	}
	factory := func(runID string) ([]audit.Sink, error) {
		sink, err := audit.NewJSONLSink(cfg.Audit.Dir, runID, cfg.Audit.MaxSizeMB, cfg.Audit.MaxBackups)
		if err != nil {
			return nil, err
		}
		return []audit.Sink{sink}, nil
	}
	return shared, factory, closeAll, nil
}

func buildArtifactStore(cfg *config.Config) (artifacts.Store, error) {
	if cfg.Artifacts.Endpoint != "" {
		return artifacts.NewObjectStore(artifacts.ObjectStoreConfig{
			Endpoint:  cfg.Artifacts.Endpoint,
			AccessKey: cfg.Artifacts.AccessKey,
			SecretKey: cfg.Artifacts.SecretKey,
			Bucket:    cfg.Artifacts.Bucket,
			UseSSL:    cfg.Artifacts.UseSSL,
		})
	}
	return artifacts.NewFSStore(cfg.Artifacts.Dir)
}

func serveMetrics(addr string, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info().Str("addr", addr).Msg("metrics listener started")
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error().Err(err).Msg("metrics listener stopped")
	}
}

func loadConfigAndLogger(cmd *cobra.Command) (*config.Config, zerolog.Logger, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Logger{}, err
	}
	level := cfg.LogLevel
	if override, _ := cmd.Flags().GetString("log-level"); override != "" {
		level = override
	}
	console, _ := cmd.Flags().GetBool("console")
	return cfg, logging.New(level, console), nil
}
