package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/animus-labs/wardeploy/internal/platform/env"
	"gopkg.in/yaml.v3"
)

const (
	maxStderrInLog   = 4096
	processWaitDelay = 5 * time.Second
)

type Config struct {
	RunnerBin string
	Playbook  string
	Verbosity int
}

func ConfigFromEnv() (Config, error) {
	verbosity, err := env.Int("DEPLOYER_RUNNER_VERBOSITY", 2)
	if err != nil {
		return Config{}, err
	}
	playbook, err := env.Path("DEPLOYER_PLAYBOOK", "ansible/deploy_war.yaml")
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		RunnerBin: env.String("DEPLOYER_RUNNER_BIN", "ansible-runner"),
		Playbook:  playbook,
		Verbosity: verbosity,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.RunnerBin) == "" {
		return errors.New("DEPLOYER_RUNNER_BIN is required")
	}
	if strings.TrimSpace(c.Playbook) == "" {
		return errors.New("DEPLOYER_PLAYBOOK is required")
	}
	if c.Verbosity < 0 || c.Verbosity > 5 {
		return fmt.Errorf("DEPLOYER_RUNNER_VERBOSITY must be within 0..5, got %d", c.Verbosity)
	}
	return nil
}

// Runner invokes ansible-runner once per deployment. It holds no per-run state
// and is safe for concurrent use.
type Runner struct {
	bin          string
	playbook     []byte
	playbookName string
	verbosity    int
	logger       *slog.Logger
}

func NewRunner(cfg Config, logger *slog.Logger) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	bin, err := exec.LookPath(cfg.RunnerBin)
	if err != nil {
		return nil, fmt.Errorf("runner binary not found: %w", err)
	}
	playbook, err := os.ReadFile(cfg.Playbook)
	if err != nil {
		return nil, fmt.Errorf("read playbook: %w", err)
	}
	if err := validatePlaybook(playbook); err != nil {
		return nil, fmt.Errorf("playbook %s: %w", cfg.Playbook, err)
	}
	return &Runner{
		bin:          bin,
		playbook:     playbook,
		playbookName: filepath.Base(cfg.Playbook),
		verbosity:    cfg.Verbosity,
		logger:       logger,
	}, nil
}

// validatePlaybook requires a YAML sequence of plays, each with hosts and tasks or roles.
func validatePlaybook(raw []byte) error {
	var plays []map[string]any
	if err := yaml.Unmarshal(raw, &plays); err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	if len(plays) == 0 {
		return errors.New("no plays")
	}
	for i, play := range plays {
		if _, ok := play["import_playbook"]; ok {
			continue
		}
		if _, ok := play["hosts"]; !ok {
			return fmt.Errorf("play %d: hosts is required", i)
		}
		_, hasTasks := play["tasks"]
		_, hasRoles := play["roles"]
		if !hasTasks && !hasRoles {
			return fmt.Errorf("play %d: tasks or roles required", i)
		}
	}
	return nil
}

// Run copies the playbook into the workspace, runs ansible-runner and returns the
// terminal status with the unmasked log. A non-nil error wrapping ErrEngineStart
// is returned only when the runner never started; the Outcome is still usable.
func (r *Runner) Run(ctx context.Context, inv Invocation) (Outcome, error) {
	if strings.TrimSpace(inv.Workspace) == "" {
		return Outcome{Status: StatusError}, errors.New("workspace is required")
	}
	ident := strings.TrimSpace(inv.Ident)
	if ident == "" {
		ident = "run"
	}

	if err := r.prepare(inv); err != nil {
		r.appendLog(inv.LogPath, "deployer: prepare runner inputs: "+err.Error())
		return r.finish(inv, Outcome{Status: StatusError, ExitCode: -1}), fmt.Errorf("%w: %v", ErrEngineStart, err)
	}

	args := []string{
		"run", inv.Workspace,
		"--playbook", filepath.Join(inv.Workspace, r.playbookName),
		"--inventory", inv.Inventory,
		"--ident", ident,
		"--quiet",
	}
	if r.verbosity > 0 {
		args = append(args, "-"+strings.Repeat("v", r.verbosity))
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, r.bin, args...)
	cmd.Dir = inv.Workspace
	cmd.Env = append(os.Environ(), "ANSIBLE_CONFIG="+inv.RunnerConfig)
	cmd.Stderr = &stderr
	cmd.WaitDelay = processWaitDelay

	start := time.Now()
	runErr := cmd.Run()
	out := Outcome{Duration: time.Since(start), ExitCode: -1}
	if cmd.ProcessState != nil {
		out.ExitCode = cmd.ProcessState.ExitCode()
	}

	if runErr != nil && cmd.ProcessState == nil {
		r.appendLog(inv.LogPath, "deployer: failed to start ansible-runner: "+runErr.Error())
		out.Status = StatusError
		return r.finish(inv, out), fmt.Errorf("%w: %v", ErrEngineStart, runErr)
	}

	out.Status = r.terminalStatus(ctx, inv.Workspace, ident, runErr)
	if out.Status != StatusSuccessful && stderr.Len() > 0 {
		r.appendLog(inv.LogPath, "deployer: runner stderr:\n"+tail(stderr.String(), maxStderrInLog))
	}
	if ctxErr := ctx.Err(); ctxErr != nil && out.Status != StatusSuccessful {
		r.appendLog(inv.LogPath, "deployer: ansible-runner stopped: "+ctxErr.Error())
	}
	return r.finish(inv, out), nil
}

func (r *Runner) prepare(inv Invocation) error {
	if err := os.WriteFile(filepath.Join(inv.Workspace, r.playbookName), r.playbook, 0o600); err != nil {
		return fmt.Errorf("copy playbook: %w", err)
	}
	envDir := filepath.Join(inv.Workspace, "env")
	if err := os.MkdirAll(envDir, 0o700); err != nil {
		return fmt.Errorf("create env dir: %w", err)
	}
	vars := inv.Vars
	if vars == nil {
		vars = map[string]string{}
	}
	blob, err := json.Marshal(vars)
	if err != nil {
		return fmt.Errorf("encode extravars: %w", err)
	}
	if err := os.WriteFile(filepath.Join(envDir, "extravars"), blob, 0o600); err != nil {
		return fmt.Errorf("write extravars: %w", err)
	}
	return nil
}

// terminalStatus prefers the status file ansible-runner writes; the exit code is
// the fallback when the runner died before writing it.
func (r *Runner) terminalStatus(ctx context.Context, workspace, ident string, runErr error) EngineStatus {
	raw, err := os.ReadFile(filepath.Join(workspace, "artifacts", ident, "status"))
	if err == nil {
		switch EngineStatus(strings.TrimSpace(string(raw))) {
		case StatusSuccessful:
			return StatusSuccessful
		case StatusFailed:
			return StatusFailed
		default:
			return StatusError
		}
	}
	switch {
	case ctx.Err() != nil:
		return StatusError
	case runErr == nil:
		return StatusSuccessful
	default:
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return StatusFailed
		}
		return StatusError
	}
}

// finish loads the full log into the outcome for classification and rewrites
// the file on disk with the secret masked.
func (r *Runner) finish(inv Invocation, out Outcome) Outcome {
	if inv.LogPath == "" {
		return out
	}
	raw, err := os.ReadFile(inv.LogPath)
	if err != nil {
		r.logger.Warn("read runner log", "path", inv.LogPath, "error", err)
		return out
	}
	out.Log = string(raw)
	if masked := maskSecret(out.Log, inv.Secret); masked != out.Log {
		if err := os.WriteFile(inv.LogPath, []byte(masked), 0o600); err != nil {
			r.logger.Error("mask runner log", "path", inv.LogPath, "error", err)
		}
	}
	return out
}

func (r *Runner) appendLog(path, line string) {
	if path == "" {
		return
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		r.logger.Warn("append runner log", "path", path, "error", err)
		return
	}
	defer f.Close()
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	_, _ = f.WriteString(line)
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
