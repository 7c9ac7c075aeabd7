package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewManager() err=%v", err)
	}
	return m
}

func TestAllocateCreatesUniqueDirectory(t *testing.T) {
	m := newTestManager(t)
	m.now = func() time.Time { return time.Date(2024, 3, 9, 14, 5, 6, 789000000, time.UTC) }

	exec, err := m.Allocate("10.0.0.5")
	if err != nil {
		t.Fatalf("Allocate() err=%v", err)
	}
	info, err := os.Stat(exec.Path)
	if err != nil || !info.IsDir() {
		t.Fatalf("workspace %q not created: %v", exec.Path, err)
	}
	if filepath.Dir(exec.Path) != filepath.Join(m.Root(), "10.0.0.5") {
		t.Fatalf("workspace %q not under host dir", exec.Path)
	}
	pattern := regexp.MustCompile(`^2024-03-09T14-05-06\.789000Z-[a-z0-9]{6}$`)
	if !pattern.MatchString(filepath.Base(exec.Path)) {
		t.Fatalf("unexpected workspace name %q", filepath.Base(exec.Path))
	}
	if !strings.HasPrefix(exec.ID, "10.0.0.5-2024-03-09T14-05-06.789000Z-") {
		t.Fatalf("unexpected id %q", exec.ID)
	}
}

func TestAllocateRetriesOnSuffixCollision(t *testing.T) {
	m := newTestManager(t)
	m.now = func() time.Time { return time.Unix(0, 0) }
	suffixes := []string{"aaaaaa", "aaaaaa", "bbbbbb"}
	m.suffix = func() (string, error) {
		s := suffixes[0]
		suffixes = suffixes[1:]
		return s, nil
	}

	first, err := m.Allocate("web1")
	if err != nil {
		t.Fatalf("Allocate() err=%v", err)
	}
	second, err := m.Allocate("web1")
	if err != nil {
		t.Fatalf("Allocate() err=%v", err)
	}
	if first.Path == second.Path {
		t.Fatalf("two allocations share %q", first.Path)
	}
	if !strings.HasSuffix(second.Path, "-bbbbbb") {
		t.Fatalf("expected retry with new suffix, got %q", second.Path)
	}
}

func TestAllocateRejectsPathLikeHosts(t *testing.T) {
	m := newTestManager(t)
	for _, host := range []string{"", "..", "../etc", `a\b`} {
		if _, err := m.Allocate(host); !errors.Is(err, ErrWorkspace) {
			t.Fatalf("Allocate(%q) err=%v, want ErrWorkspace", host, err)
		}
	}
}

func TestAllocateFailsWhenRootUnwritable(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	m := newTestManager(t)
	if err := os.Chmod(m.Root(), 0o500); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	t.Cleanup(func() { _ = os.Chmod(m.Root(), 0o750) })

	if _, err := m.Allocate("10.0.0.5"); !errors.Is(err, ErrWorkspace) {
		t.Fatalf("Allocate() err=%v, want ErrWorkspace", err)
	}
}

func TestDestroyIsIdempotent(t *testing.T) {
	m := newTestManager(t)
	exec, err := m.Allocate("10.0.0.5")
	if err != nil {
		t.Fatalf("Allocate() err=%v", err)
	}
	if err := os.WriteFile(exec.File("ansible.log"), []byte("log"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := m.Destroy(exec); err != nil {
		t.Fatalf("Destroy() err=%v", err)
	}
	if _, err := os.Stat(exec.Path); !os.IsNotExist(err) {
		t.Fatalf("workspace still present: %v", err)
	}
	if _, err := os.Stat(filepath.Dir(exec.Path)); !os.IsNotExist(err) {
		t.Fatalf("empty host dir not pruned: %v", err)
	}
	if err := m.Destroy(exec); err != nil {
		t.Fatalf("second Destroy() err=%v", err)
	}
}

func TestDestroyRefusesPathsOutsideRoot(t *testing.T) {
	m := newTestManager(t)
	outside := t.TempDir()
	if err := m.Destroy(Execution{Path: outside}); err == nil {
		t.Fatalf("Destroy() expected error for path outside root")
	}
	if _, err := os.Stat(outside); err != nil {
		t.Fatalf("outside dir removed: %v", err)
	}
	if err := m.Destroy(Execution{Path: m.Root()}); err == nil {
		t.Fatalf("Destroy() expected error for root itself")
	}
}

func TestConcurrentAllocationsNeverShare(t *testing.T) {
	m := newTestManager(t)
	m.now = func() time.Time { return time.Unix(1700000000, 0) }

	const n = 64
	var (
		mu    sync.Mutex
		paths = make(map[string]bool, n)
		wg    sync.WaitGroup
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			exec, err := m.Allocate("10.0.0.5")
			if err != nil {
				t.Errorf("Allocate() err=%v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if paths[exec.Path] {
				t.Errorf("duplicate workspace %q", exec.Path)
			}
			paths[exec.Path] = true
		}()
	}
	wg.Wait()
}
