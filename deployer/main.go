package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/animus-labs/wardeploy/internal/archive"
	"github.com/animus-labs/wardeploy/internal/automation"
	"github.com/animus-labs/wardeploy/internal/deploy"
	"github.com/animus-labs/wardeploy/internal/deploylog"
	"github.com/animus-labs/wardeploy/internal/platform/env"
	"github.com/animus-labs/wardeploy/internal/platform/httpserver"
	"github.com/animus-labs/wardeploy/internal/platform/objectstore"
	"github.com/animus-labs/wardeploy/internal/platform/postgres"
	"github.com/animus-labs/wardeploy/internal/sshhost"
	"github.com/animus-labs/wardeploy/internal/workspace"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("DEPLOYER_HTTP_ADDR", ":5000")
	shutdownTimeout, err := env.Duration("DEPLOYER_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	executionsDir, err := env.Path("DEPLOYER_EXECUTIONS_DIR", "executions")
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(2)
	}
	s3Cfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid object storage config", "error", err)
		os.Exit(2)
	}
	runnerCfg, err := automation.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid runner config", "error", err)
		os.Exit(2)
	}
	deployCfg, err := deploy.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid deploy config", "error", err)
		os.Exit(2)
	}
	sshCfg, err := sshhost.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid ssh config", "error", err)
		os.Exit(2)
	}

	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	logStore := deploylog.NewStore(db)
	schemaCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = logStore.EnsureSchema(schemaCtx)
	cancel()
	if err != nil {
		logger.Error("ensure schema", "error", err)
		os.Exit(1)
	}

	store, err := objectstore.NewMinioStore(s3Cfg)
	if err != nil {
		logger.Error("object storage unavailable", "error", err)
		os.Exit(1)
	}
	bucketCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := objectstore.CheckBucket(bucketCtx, store, s3Cfg.Bucket); err != nil {
		// Deployments still run; their logs just are not archived.
		logger.Warn("log bucket not reachable", "bucket", s3Cfg.Bucket, "error", err)
	}
	cancel()

	archiver, err := archive.New(store, s3Cfg.Bucket, s3Cfg.LinkTTL, logger)
	if err != nil {
		logger.Error("invalid archive config", "error", err)
		os.Exit(2)
	}
	recorder, err := deploylog.NewRecorder(logStore, logger)
	if err != nil {
		logger.Error("invalid recorder config", "error", err)
		os.Exit(2)
	}
	workspaces, err := workspace.NewManager(executionsDir)
	if err != nil {
		logger.Error("executions dir unavailable", "dir", executionsDir, "error", err)
		os.Exit(1)
	}
	runner, err := automation.NewRunner(runnerCfg, logger)
	if err != nil {
		logger.Error("ansible-runner unavailable", "error", err)
		os.Exit(1)
	}
	orchestrator, err := deploy.New(deployCfg, workspaces, runner, archiver, recorder, logger)
	if err != nil {
		logger.Error("invalid deploy config", "error", err)
		os.Exit(2)
	}
	hosts, err := sshhost.New(sshCfg, logger)
	if err != nil {
		logger.Error("invalid ssh config", "error", err)
		os.Exit(2)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("deployer"))
	mux.HandleFunc(
		"/readyz",
		httpserver.ReadyzWithChecks(
			"deployer",
			httpserver.ReadinessCheck{
				Name: "postgres",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return db.PingContext(checkCtx)
				},
			},
			httpserver.ReadinessCheck{
				Name: "log_bucket",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
					defer cancel()
					return objectstore.CheckBucket(checkCtx, store, s3Cfg.Bucket)
				},
			},
		),
	)

	api := newDeployAPI(logger, orchestrator, logStore, archiver, hosts)
	api.register(mux)

	cfg := httpserver.Config{
		Service:         "deployer",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}

	logger.Info("deployer starting", "executions_dir", workspaces.Root(), "bucket", s3Cfg.Bucket)
	runErr := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, "deployer", mux))

	// Handlers cut off by the shutdown timeout keep running; their workspaces
	// are only archived, recorded and removed once finalize returns.
	drainCtx, cancel := context.WithTimeout(context.Background(), deployCfg.DrainTimeout())
	if err := orchestrator.Wait(drainCtx); err != nil {
		logger.Error("deployments still running at exit", "timeout", deployCfg.DrainTimeout().String(), "error", err)
	}
	cancel()

	if runErr != nil && !errors.Is(runErr, http.ErrServerClosed) {
		logger.Error("server failed", "error", runErr)
		os.Exit(1)
	}
}
