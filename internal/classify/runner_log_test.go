package classify_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/animus-labs/wardeploy/internal/automation"
	"github.com/animus-labs/wardeploy/internal/classify"
)

// failingRunner appends a wrong-password failure to the configured log and
// reports a failed run.
const failingRunner = `#!/bin/sh
dir="$2"
log=$(sed -n 's/^log_path=//p' "$ANSIBLE_CONFIG")
printf '%s\n' "fatal: [10.0.0.5]: UNREACHABLE! => Invalid/incorrect password: incorrect password" >> "$log"
ident=$(printf '%s\n' "$@" | sed -n '/^--ident$/{n;p;}')
mkdir -p "$dir/artifacts/$ident"
echo failed > "$dir/artifacts/$ident/status"
exit 2
`

func TestClassifyRunnerLogWithOverlappingPassword(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "ansible-runner")
	if err := os.WriteFile(bin, []byte(failingRunner), 0o755); err != nil {
		t.Fatalf("write runner: %v", err)
	}
	playbook := filepath.Join(dir, "deploy_war.yaml")
	if err := os.WriteFile(playbook, []byte("- hosts: all\n  tasks: []\n"), 0o644); err != nil {
		t.Fatalf("write playbook: %v", err)
	}
	runner, err := automation.NewRunner(automation.Config{RunnerBin: bin, Playbook: playbook}, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewRunner() err=%v", err)
	}

	for _, password := range []string{"hunter2", "password", "pass", "o", "e", "404"} {
		ws := t.TempDir()
		logPath := filepath.Join(ws, "ansible.log")
		cfgPath := filepath.Join(ws, "ansible.cfg")
		if err := os.WriteFile(cfgPath, []byte("[defaults]\nlog_path="+logPath+"\n"), 0o600); err != nil {
			t.Fatalf("write cfg: %v", err)
		}
		out, err := runner.Run(context.Background(), automation.Invocation{
			Workspace:    ws,
			Ident:        "run",
			Inventory:    filepath.Join(ws, "hosts.ini"),
			RunnerConfig: cfgPath,
			LogPath:      logPath,
			Vars:         map[string]string{"ansible_ssh_pass": password},
			Secret:       password,
		})
		if err != nil {
			t.Fatalf("password %q: Run() err=%v", password, err)
		}
		if got := classify.Classify(out); got.Code != classify.InvalidCredentials {
			t.Fatalf("password %q: classified %s, want invalid_credentials (log %q)", password, got.Code, out.Log)
		}
	}
}
