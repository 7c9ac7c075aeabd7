// Package workspace allocates the per-deployment directory that holds rendered
// inputs, the playbook copy and the runner's log, and removes it afterwards.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/animus-labs/wardeploy/internal/platform/randstr"
)

// ErrWorkspace marks failures to create a workspace on disk.
var ErrWorkspace = errors.New("workspace error")

const (
	suffixLen       = 6
	allocateRetries = 3
	timestampLayout = "2006-01-02T15-04-05.000000Z"
)

// Execution identifies one deployment attempt and the directory it owns.
type Execution struct {
	ID        string
	Host      string
	Path      string
	Suffix    string
	StartedAt time.Time
}

// Timestamp is the UTC start time in the form used for directory and object names.
func (e Execution) Timestamp() string {
	return e.StartedAt.UTC().Format(timestampLayout)
}

// File returns the path of name inside the workspace.
func (e Execution) File(name string) string {
	return filepath.Join(e.Path, name)
}

type Manager struct {
	root   string
	now    func() time.Time
	suffix func() (string, error)
}

func NewManager(root string) (*Manager, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("executions root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve executions root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("%w: create executions root: %v", ErrWorkspace, err)
	}
	return &Manager{
		root:   abs,
		now:    time.Now,
		suffix: func() (string, error) { return randstr.Alnum(suffixLen) },
	}, nil
}

func (m *Manager) Root() string {
	return m.root
}

// Allocate creates <root>/<host>/<timestamp>-<suffix>. The leaf is created with
// os.Mkdir so two attempts can never share a directory.
func (m *Manager) Allocate(host string) (Execution, error) {
	if err := checkHostSegment(host); err != nil {
		return Execution{}, fmt.Errorf("%w: %v", ErrWorkspace, err)
	}
	started := m.now().UTC()
	hostDir := filepath.Join(m.root, host)

	var lastErr error
	for attempt := 0; attempt < allocateRetries; attempt++ {
		suffix, err := m.suffix()
		if err != nil {
			return Execution{}, fmt.Errorf("%w: suffix: %v", ErrWorkspace, err)
		}
		if err := os.MkdirAll(hostDir, 0o750); err != nil {
			return Execution{}, fmt.Errorf("%w: create host dir: %v", ErrWorkspace, err)
		}
		exec := Execution{
			Host:      host,
			Suffix:    suffix,
			StartedAt: started,
		}
		name := exec.Timestamp() + "-" + suffix
		exec.ID = host + "-" + name
		exec.Path = filepath.Join(hostDir, name)

		err = os.Mkdir(exec.Path, 0o700)
		if err == nil {
			return exec, nil
		}
		lastErr = err
		// A concurrent Destroy may prune hostDir between MkdirAll and Mkdir.
		if !errors.Is(err, os.ErrExist) && !errors.Is(err, os.ErrNotExist) {
			break
		}
	}
	return Execution{}, fmt.Errorf("%w: create workspace: %v", ErrWorkspace, lastErr)
}

// Destroy removes the workspace. A missing workspace is not an error.
func (m *Manager) Destroy(exec Execution) error {
	if exec.Path == "" {
		return nil
	}
	rel, err := filepath.Rel(m.root, exec.Path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to remove %q outside %q", exec.Path, m.root)
	}
	if err := os.RemoveAll(exec.Path); err != nil {
		return fmt.Errorf("remove workspace: %w", err)
	}
	// Prune the per-host directory once its last workspace is gone; fails harmlessly otherwise.
	if parent := filepath.Dir(exec.Path); parent != m.root {
		_ = os.Remove(parent)
	}
	return nil
}

func checkHostSegment(host string) error {
	switch {
	case strings.TrimSpace(host) == "":
		return errors.New("host is required")
	case host == "." || host == "..":
		return fmt.Errorf("invalid host %q", host)
	case strings.ContainsAny(host, `/\`+"\x00"):
		return fmt.Errorf("invalid host %q", host)
	}
	return nil
}
