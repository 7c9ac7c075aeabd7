// Package deploy runs one WAR deployment end to end: validate, provision a
// workspace, invoke ansible-runner, classify, then archive, record and clean up.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/animus-labs/wardeploy/internal/archive"
	"github.com/animus-labs/wardeploy/internal/automation"
	"github.com/animus-labs/wardeploy/internal/classify"
	"github.com/animus-labs/wardeploy/internal/platform/env"
	"github.com/animus-labs/wardeploy/internal/render"
	"github.com/animus-labs/wardeploy/internal/workspace"
)

// ErrInternal marks failures that are reported to the caller as a server error.
var ErrInternal = errors.New("internal deployment error")

type State string

const (
	StateValidating   State = "validating"
	StateProvisioning State = "provisioning"
	StateInvoking     State = "invoking"
	StateClassifying  State = "classifying"
	StateFinalizing   State = "finalizing"
	StateDone         State = "done"
)

type Workspaces interface {
	Allocate(host string) (workspace.Execution, error)
	Destroy(exec workspace.Execution) error
}

type Invoker interface {
	Run(ctx context.Context, inv automation.Invocation) (automation.Outcome, error)
}

type LogArchiver interface {
	Archive(ctx context.Context, e archive.Entry) string
}

type RunRecorder interface {
	Record(ctx context.Context, host string, ts time.Time, logRef string) bool
}

type Config struct {
	TomcatServiceFile string
	RunTimeout        time.Duration
	FinalizeTimeout   time.Duration
}

func ConfigFromEnv() (Config, error) {
	serviceFile, err := env.Path("DEPLOYER_TOMCAT_SERVICE_FILE", "ansible/tomcat.service")
	if err != nil {
		return Config{}, err
	}
	serviceFile, err = filepath.Abs(serviceFile)
	if err != nil {
		return Config{}, fmt.Errorf("resolve DEPLOYER_TOMCAT_SERVICE_FILE: %w", err)
	}
	runTimeout, err := env.Duration("DEPLOYER_RUN_TIMEOUT", 30*time.Minute)
	if err != nil {
		return Config{}, err
	}
	finalizeTimeout, err := env.Duration("DEPLOYER_FINALIZE_TIMEOUT", 30*time.Second)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		TomcatServiceFile: serviceFile,
		RunTimeout:        runTimeout,
		FinalizeTimeout:   finalizeTimeout,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.TomcatServiceFile == "" {
		return errors.New("DEPLOYER_TOMCAT_SERVICE_FILE is required")
	}
	if c.RunTimeout <= 0 {
		return errors.New("DEPLOYER_RUN_TIMEOUT must be positive")
	}
	if c.FinalizeTimeout <= 0 {
		return errors.New("DEPLOYER_FINALIZE_TIMEOUT must be positive")
	}
	return nil
}

// Result describes a finished attempt. Status is what the caller is told.
type Result struct {
	ExecutionID  string
	State        State
	Status       classify.Status
	EngineStatus automation.EngineStatus
	LogReference string
	Recorded     bool
	StartedAt    time.Time
	Duration     time.Duration
}

type Orchestrator struct {
	cfg        Config
	workspaces Workspaces
	invoker    Invoker
	archiver   LogArchiver
	recorder   RunRecorder
	logger     *slog.Logger
	now        func() time.Time

	// counts deployments past validation until their finalize returns
	inflight sync.WaitGroup
}

func New(cfg Config, workspaces Workspaces, invoker Invoker, archiver LogArchiver, recorder RunRecorder, logger *slog.Logger) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch {
	case workspaces == nil:
		return nil, errors.New("workspace manager is required")
	case invoker == nil:
		return nil, errors.New("automation invoker is required")
	case archiver == nil:
		return nil, errors.New("log archiver is required")
	case recorder == nil:
		return nil, errors.New("run recorder is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:        cfg,
		workspaces: workspaces,
		invoker:    invoker,
		archiver:   archiver,
		recorder:   recorder,
		logger:     logger,
		now:        time.Now,
	}, nil
}

// Deploy validates req and runs the pipeline. A *ValidationError means nothing was
// provisioned. Any other error comes with Status InternalError; in every case past
// validation the log has been archived, the attempt recorded and the workspace removed.
func (o *Orchestrator) Deploy(ctx context.Context, req Request) (Result, error) {
	warBase, err := req.Validate()
	if err != nil {
		return Result{State: StateDone}, err
	}
	o.inflight.Add(1)
	defer o.inflight.Done()
	return o.run(ctx, req, warBase)
}

// Wait blocks until every accepted deployment has been finalized, or until ctx
// ends. Call it after the HTTP server has stopped accepting requests.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DrainTimeout bounds Wait: one full run plus its finalization.
func (c Config) DrainTimeout() time.Duration {
	return c.RunTimeout + c.FinalizeTimeout
}

func (o *Orchestrator) run(ctx context.Context, req Request, warBase string) (res Result, err error) {
	res.StartedAt = o.now().UTC()
	logger := o.logger.With("host", req.Host, "war", warBase)

	var (
		exec      workspace.Execution
		allocated bool
	)
	defer func() {
		if v := recover(); v != nil {
			logger.Error("deployment panicked", "execution_id", exec.ID, "state", res.State, "panic", v)
			res.Status = classify.New(classify.InternalError)
			err = fmt.Errorf("%w: panic in %s: %v", ErrInternal, res.State, v)
		}
		res.State = StateFinalizing
		o.finalize(ctx, &res, req.Host, exec, allocated, logger)
		res.State = StateDone
		res.Duration = o.now().Sub(res.StartedAt)
		logger.Info("deployment finished",
			"execution_id", res.ExecutionID,
			"status", res.Status.Code,
			"engine_status", res.EngineStatus,
			"log_reference", res.LogReference,
			"recorded", res.Recorded,
			"duration_ms", res.Duration.Milliseconds(),
		)
	}()

	res.State = StateProvisioning
	exec, err = o.workspaces.Allocate(req.Host)
	if err != nil {
		logger.Error("allocate workspace", "error", err)
		res.Status = classify.New(classify.InternalError)
		return res, fmt.Errorf("%w: provision: %w", ErrInternal, err)
	}
	allocated = true
	res.ExecutionID = exec.ID
	res.StartedAt = exec.StartedAt
	logger = logger.With("execution_id", exec.ID)
	logger.Info("deployment started", "workspace", exec.Path)

	files, err := render.Write(exec, req.Host, warBase)
	if err != nil {
		logger.Error("render inputs", "error", err)
		res.Status = classify.New(classify.InternalError)
		return res, fmt.Errorf("%w: provision: %w", ErrInternal, err)
	}

	res.State = StateInvoking
	// The run outlives a disconnected client; only RunTimeout stops it.
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.RunTimeout)
	defer cancel()
	out, runErr := o.invoker.Run(runCtx, automation.Invocation{
		Workspace:    exec.Path,
		Ident:        exec.ID,
		Inventory:    files.Inventory,
		RunnerConfig: files.RunnerConfig,
		LogPath:      files.Log,
		Vars: map[string]string{
			"ansible_ssh_pass":    req.Password,
			"host":                req.Host,
			"war_file_link":       req.WarURL,
			"tomcat_service_file": o.cfg.TomcatServiceFile,
			"nginx_conf_file":     files.ProxyConfig,
			"war_file_name":       warBase,
		},
		Secret: req.Password,
	})
	res.EngineStatus = out.Status

	res.State = StateClassifying
	switch {
	case errors.Is(runErr, automation.ErrEngineStart):
		logger.Error("automation engine did not start", "error", runErr)
		res.Status = classify.New(classify.GenericFailure)
	case runErr != nil:
		logger.Error("automation run", "error", runErr)
		res.Status = classify.New(classify.InternalError)
		return res, fmt.Errorf("%w: invoke: %w", ErrInternal, runErr)
	default:
		res.Status = classify.Classify(out)
	}
	logger.Debug("deployment classified", "engine_status", out.Status, "status", res.Status.Code, "exit_code", out.ExitCode)
	return res, nil
}

// finalize archives the log, records the attempt and removes the workspace, in
// that order. It runs on a context detached from the request so a cancelled
// caller still leaves a record behind.
func (o *Orchestrator) finalize(ctx context.Context, res *Result, host string, exec workspace.Execution, allocated bool, logger *slog.Logger) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.FinalizeTimeout)
	defer cancel()

	if allocated {
		res.LogReference = o.archiver.Archive(fctx, archive.Entry{
			LogPath:   exec.File(render.LogFile),
			Host:      host,
			StartedAt: exec.StartedAt,
			Attempt:   exec.Suffix,
		})
	}
	res.Recorded = o.recorder.Record(fctx, host, res.StartedAt, res.LogReference)
	if allocated {
		if err := o.workspaces.Destroy(exec); err != nil {
			logger.Error("destroy workspace", "workspace", exec.Path, "error", err)
		}
	}
}
