// ============================================================================
// mindist CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for the processor, its worker processes and
//          the offline tools
//
// Command Structure:
//   mindist                        # Root command
//   ├── run                        # Start the processor
//   ├── worker --id N              # Worker process entry point (hidden)
//   ├── coordinator                # Development coordinator (gRPC)
//   ├── plan <atoms> <workers>     # Show how a model would be partitioned
//   ├── compute <file>             # Minimum distance of an extractor output
//   ├── status                     # Show the effective configuration
//   └── --config, -c               # Config file (default configs/default.yaml)
//
// Configuration Management:
//   YAML config file over built-in defaults, then .env, then environment
//   variables (QTY_CPUS, RUN_INTERVAL, WORKER_REVIVAL_TIMEOUT, MANAGER_URL,
//   RCSB_URL, SH_TIMEOUT_PDB, SH_TIMEOUT_CIF, PROCESSING_MODE)
//
// run Command:
//   1. Load config
//   2. Build loader, coordinator client, worker pool, job manager, controller
//   3. Serve Prometheus metrics (if enabled)
//   4. Wait for SIGINT/SIGTERM, then kill every worker and deregister
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ChuLiYu/mindist/internal/controller"
	"github.com/ChuLiYu/mindist/internal/coordinator"
	"github.com/ChuLiYu/mindist/internal/distance"
	"github.com/ChuLiYu/mindist/internal/jobmanager"
	"github.com/ChuLiYu/mindist/internal/metrics"
	"github.com/ChuLiYu/mindist/internal/partition"
	"github.com/ChuLiYu/mindist/internal/server"
	"github.com/ChuLiYu/mindist/internal/structure"
	"github.com/ChuLiYu/mindist/internal/worker"
	"github.com/ChuLiYu/mindist/pkg/types"
)

// Version is overridden at build time.
var Version = "1.0.0"

var configFile string

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mindist",
		Short: "mindist: distributed minimum inter-atomic distance processor",
		Long: `mindist computes the minimum pairwise distance between the atoms of
molecular structures. Structures are allocated by a remote coordinator and the
quadratic comparison work is spread over a pool of worker processes.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildWorkerCommand())
	rootCmd.AddCommand(buildCoordinatorCommand())
	rootCmd.AddCommand(buildPlanCommand())
	rootCmd.AddCommand(buildComputeCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	var (
		mode     string
		workers  int
		launcher string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the structure processor",
		Long:  "Register with the coordinator, start the worker pool and process structures until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if mode != "" {
				cfg.Processor.Mode = mode
			}
			if workers > 0 {
				cfg.Processor.Workers = workers
			}
			if launcher != "" {
				cfg.Processor.Launcher = launcher
			}
			if err := cfg.validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runProcessor(ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "", "processing mode: SINGLE_FILE or MULTI_FILES")
	cmd.Flags().IntVar(&workers, "workers", 0, "worker count (default: one per CPU, at most 20)")
	cmd.Flags().StringVar(&launcher, "launcher", "", "worker launcher: exec or local")

	return cmd
}

func runProcessor(ctx context.Context, cfg *Config) error {
	logger := newLogger(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	collector := metrics.NewCollector()
	loader := newLoader(cfg, logger)

	client, closeClient, err := newCoordinatorClient(cfg, logger)
	if err != nil {
		return err
	}
	defer closeClient()

	var jobs *jobmanager.Manager
	pool := worker.NewPool(worker.PoolConfig{
		Size:         cfg.Workers(),
		RevivalDelay: cfg.Processor.RevivalDelay,
		Launcher:     newLauncher(cfg, loader, logger),
		Handler:      func(res types.Result) { jobs.HandleResult(res) },
		Logger:       logger,
		Metrics:      collector,
	})
	jobs = jobmanager.NewJobManager(jobmanager.Config{
		Mode:          cfg.ProcessingMode(),
		Pool:          pool,
		Loader:        loader,
		Reporter:      client,
		ReportTimeout: cfg.Coordinator.Timeout,
		Metrics:       collector,
		Logger:        logger,
	})

	ctrl, err := controller.NewController(controller.Config{
		WorkDir:           cfg.Processor.WorkDir,
		RunInterval:       cfg.Processor.RunInterval,
		HeartbeatInterval: cfg.Processor.HeartbeatInterval,
		MaxStructures:     cfg.Processor.MaxStructures,
		RequestTimeout:    cfg.Coordinator.Timeout,
		StartupTimeout:    cfg.Processor.StartupTimeout,
		Logger:            logger,
		Metrics:           collector,
	}, pool, jobs, client)
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}

	logger.Info("Starting processor",
		"workers", cfg.Workers(),
		"mode", cfg.ProcessingMode(),
		"launcher", cfg.Processor.Launcher,
		"coordinator", cfg.Coordinator.URL)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ctrl.Run(gctx)
	})
	if cfg.Metrics.Enabled {
		g.Go(func() error {
			logger.Info("Starting metrics server", "port", cfg.Metrics.Port)
			if err := collector.Serve(gctx, cfg.Metrics.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	err = g.Wait()
	logger.Info("Processor stopped")
	return err
}

func newLoader(cfg *Config, logger *slog.Logger) *structure.Loader {
	return structure.NewLoader(structure.Config{
		BaseURL:    cfg.Structures.BaseURL,
		WorkDir:    cfg.Processor.WorkDir,
		PDBScript:  cfg.Structures.PDBScript,
		CIFScript:  cfg.Structures.CIFScript,
		PDBTimeout: cfg.Structures.PDBTimeout,
		CIFTimeout: cfg.Structures.CIFTimeout,
		Logger:     logger,
	})
}

func newLauncher(cfg *Config, loader worker.StructureLoader, logger *slog.Logger) worker.Launcher {
	if cfg.Processor.Launcher == "local" {
		return &worker.LocalLauncher{NewRunner: func(id int) *worker.Runner {
			return worker.NewRunner(id, loader, logger)
		}}
	}
	return &worker.ExecLauncher{Args: []string{"worker", "--config", configFile}}
}

// newCoordinatorClient dials the configured transport. The returned func
// releases the connection.
func newCoordinatorClient(cfg *Config, logger *slog.Logger) (coordinator.Client, func(), error) {
	nodeID := cfg.NodeID()

	switch cfg.Coordinator.Transport {
	case "grpc":
		conn, err := grpc.NewClient(cfg.Coordinator.URL, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to coordinator: %w", err)
		}
		return coordinator.NewGRPCClient(conn, nodeID, logger), func() { conn.Close() }, nil
	default:
		httpClient := &http.Client{Timeout: cfg.Coordinator.Timeout}
		return coordinator.NewHTTPClient(cfg.Coordinator.URL, nodeID, httpClient, logger), func() {}, nil
	}
}

// ============================================================================
// worker
// ============================================================================

func buildWorkerCommand() *cobra.Command {
	var id int

	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Run one worker process (started by the processor)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if id <= 0 {
				if v, err := strconv.Atoi(os.Getenv("CHILD_ID")); err == nil {
					id = v
				}
			}

			logger := newLogger(cfg.Log.Level, cfg.Log.Format)
			runner := worker.NewRunner(id, newLoader(cfg, logger), logger)

			// the parent owns shutdown; interrupts reach the whole process group
			signal.Ignore(syscall.SIGINT)
			return runner.ServeStdio(cmd.Context())
		},
	}

	cmd.Flags().IntVar(&id, "id", 0, "worker slot id")
	return cmd
}

// ============================================================================
// coordinator
// ============================================================================

func buildCoordinatorCommand() *cobra.Command {
	var (
		listen string
		mode   string
	)

	cmd := &cobra.Command{
		Use:   "coordinator [filenames...]",
		Short: "Run a development coordinator over gRPC",
		Long:  "Serve structure filenames from the config, a file list or the arguments to processors using the gRPC transport",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if listen != "" {
				cfg.Server.Listen = listen
			}
			if mode != "" {
				cfg.Server.Mode = mode
			}

			names, err := cfg.ServerFilenames()
			if err != nil {
				return err
			}
			names = append(names, args...)
			directive, err := types.ParseMode(cfg.Server.Mode)
			if err != nil {
				return err
			}

			logger := newLogger(cfg.Log.Level, cfg.Log.Format)
			srv := server.NewServer(server.Config{
				Filenames:       names,
				Mode:            directive,
				LeaseTTL:        cfg.Server.LeaseTTL,
				RegistrationTTL: cfg.Server.RegistrationTTL,
				Logger:          logger,
			})

			lis, err := net.Listen("tcp", cfg.Server.Listen)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", cfg.Server.Listen, err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			err = srv.Serve(ctx, lis)

			st := srv.Stats()
			logger.Info("Coordinator stopped",
				"completed", st.Completed,
				"pending", st.Pending,
				"global_min", formatDistance(st.GlobalMin),
				"min_filename", st.MinFilename)
			return err
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default from config)")
	cmd.Flags().StringVar(&mode, "mode", "", "processing mode directive sent to processors")
	return cmd
}

// ============================================================================
// plan / compute / status
// ============================================================================

func buildPlanCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "plan <atoms> <workers>",
		Short: "Show how a model is split into balanced chunks",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			atoms, err := strconv.Atoi(args[0])
			if err != nil || atoms < 0 {
				return fmt.Errorf("invalid atom count %q", args[0])
			}
			workers, err := strconv.Atoi(args[1])
			if err != nil || workers < 0 {
				return fmt.Errorf("invalid worker count %q", args[1])
			}
			renderPlan(cmd.OutOrStdout(), atoms, workers, partition.Partition(atoms, workers))
			return nil
		},
	}
}

func buildComputeCommand() *cobra.Command {
	var workers int

	cmd := &cobra.Command{
		Use:   "compute <extractor-output>",
		Short: "Compute the minimum distance of a local extractor output file",
		Long:  "Parse a saved extractor output and compute its minimum distance, optionally spreading each model over in-process workers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			models, err := structure.ParseFile(args[0])
			if err != nil {
				return err
			}

			start := time.Now()
			perModel := make([]float64, len(models))
			for i, m := range models {
				perModel[i] = distance.MinDistance(m, distance.FullRange(len(m)))
			}
			overall := distance.StructureMinDistance(models)

			if workers > 1 {
				overall, err = computeWithPool(cmd.Context(), args[0], models, workers)
				if err != nil {
					return err
				}
			}

			renderCompute(cmd.OutOrStdout(), args[0], models, perModel, overall, time.Since(start))
			return nil
		},
	}

	cmd.Flags().IntVarP(&workers, "workers", "w", 1, "in-process workers used for the structure minimum")
	return cmd
}

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the effective configuration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			renderStatus(cmd.OutOrStdout(), configFile, cfg)
			return nil
		},
	}
}
