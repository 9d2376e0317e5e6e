package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/seantiz/quire/internal/api"
	"github.com/seantiz/quire/internal/config"
	"github.com/seantiz/quire/internal/jobstore"
	"github.com/seantiz/quire/internal/model"
	"github.com/seantiz/quire/internal/orchestrator"
	"github.com/seantiz/quire/internal/remote"
	"github.com/seantiz/quire/internal/replication"
	"github.com/seantiz/quire/internal/store"
	"github.com/seantiz/quire/internal/tracing"
	"github.com/seantiz/quire/internal/transform"
	"github.com/seantiz/quire/internal/workerpool"
)

const stopTimeout = 15 * time.Second

func newServeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the job engine and its HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(runCtx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	logger := config.NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)

	shutdownTracing, err := tracing.Init("quire", cfg.Trace.Exporter, os.Stderr)
	if err != nil {
		return err
	}
	var td teardown
	td.add("tracing", shutdownTracing)

	instanceID := cfg.Sync.InstanceID
	if instanceID == "" {
		instanceID = model.NewID()
	}
	logger = logger.With("instance_id", instanceID)

	logger.Info("quire: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"worker_mode", cfg.Pool.WorkerMode,
		"remote", cfg.Remote.Enabled(),
	)

	durable := store.OpenDurable(ctx, cfg.DBPath, logger)
	td.addCloser("storage", durable.Close)

	ch, err := openChannel(cfg.Sync, instanceID, logger)
	if err != nil {
		return td.run(err)
	}
	td.addCloser("replication", ch.Close)

	jobs := jobstore.New(durable, ch, jobstore.Options{HistoryPageSize: cfg.Jobs.HistoryPageSize, Logger: logger})
	jobs.Start(ctx)
	td.add("job store", func(context.Context) error {
		jobs.Close()
		return nil
	})
	if err := jobs.LoadHistory(ctx); err != nil {
		logger.Warn("initial history load failed", "error", err)
	}

	reg := workerpool.NewRegistry()
	transform.Register(reg)

	factory := workerpool.LocalFactory(reg)
	if cfg.Pool.WorkerMode == config.WorkerModeProcess {
		exe, err := os.Executable()
		if err != nil {
			return td.run(fmt.Errorf("locate worker executable: %w", err))
		}
		factory = workerpool.ProcessFactory(logger, exe, "worker")
	}
	pool := workerpool.New(workerpool.Config{
		MaxWorkers:  cfg.Pool.MaxWorkers,
		TaskTimeout: time.Duration(cfg.Pool.TaskTimeout),
		Prewarm:     cfg.Pool.Prewarm,
	}, factory, logger)
	td.add("worker pool", pool.Shutdown)
	if err := pool.Init(ctx); err != nil {
		logger.Warn("worker prewarm failed", "error", err)
	}

	opts := orchestrator.Options{
		Logger:    logger,
		Fs:        afero.NewOsFs(),
		OutputDir: cfg.Jobs.OutputDir,
	}
	if cfg.Remote.Enabled() {
		stager, err := remote.NewMinioStager(remote.MinioConfig{
			Endpoint:  cfg.Remote.Endpoint,
			AccessKey: cfg.Remote.AccessKey,
			SecretKey: cfg.Remote.SecretKey,
			Bucket:    cfg.Remote.Bucket,
			UseSSL:    cfg.Remote.UseSSL,
			URLExpiry: time.Duration(cfg.Remote.URLExpiry),
		})
		if err != nil {
			return td.run(err)
		}
		if err := stager.EnsureBucket(ctx); err != nil {
			logger.Warn("staging bucket unavailable", "bucket", cfg.Remote.Bucket, "error", err)
		}
		opts.Stager = stager
		opts.Dispatcher = remote.NewHTTPDispatcher(cfg.Remote.DispatchURL, time.Duration(cfg.Remote.DispatchTimeout))
	}
	orch := orchestrator.New(jobs, pool, opts)
	td.add("orchestrator", orch.Shutdown)

	srv := api.NewServer(cfg.ListenAddr, jobs, orch, pool, logger)
	err = td.run(srv.Run(ctx))
	logger.Info("quire: stopped")
	return err
}

// openChannel joins the peer group, or runs solo when no peer directory is
// configured.
func openChannel(cfg config.Sync, instanceID string, logger *slog.Logger) (replication.Channel, error) {
	if cfg.PeerDir == "" {
		logger.Info("replication disabled")
		return replication.NewHub().Join(instanceID), nil
	}
	sock, err := replication.OpenSocket(cfg.PeerDir, instanceID, logger)
	if err != nil {
		return nil, fmt.Errorf("join peers: %w", err)
	}
	return sock, nil
}
