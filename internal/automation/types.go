package automation

import (
	"errors"
	"time"
)

// EngineStatus is the terminal state reported by ansible-runner.
type EngineStatus string

const (
	StatusSuccessful EngineStatus = "successful"
	StatusFailed     EngineStatus = "failed"
	StatusError      EngineStatus = "error"
)

// ErrEngineStart is returned when the runner binary could not be started at all.
var ErrEngineStart = errors.New("automation engine failed to start")

// Outcome is the result of one runner invocation.
type Outcome struct {
	// Log is the unmasked runner output; it feeds classification and is never
	// persisted. The file at Invocation.LogPath holds the masked copy.
	Log      string
	Status   EngineStatus
	ExitCode int
	Duration time.Duration
}

// Invocation describes one run inside a prepared workspace.
type Invocation struct {
	// Workspace is used as ansible-runner's private data dir.
	Workspace    string
	Ident        string
	Inventory    string
	RunnerConfig string
	LogPath      string
	// Vars are passed as extra vars; they never reach the rendered files.
	Vars map[string]string
	// Secret is masked in the log file after the run.
	Secret string
}
