// Package worktree manages isolated filesystem checkouts and the
// reserved TCP port range handed to coding workers.
//
// Each coding worker owns at most one worktree at a time, under
// <project>/.worktrees/<worker_id>. Concurrent create/remove on the
// same worker ID is not supported; callers serialize per worker.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/zjrosen/ticketd/internal/git"
	"github.com/zjrosen/ticketd/internal/log"
)

var (
	// ErrWorktree indicates an underlying VCS operation failed or timed out.
	ErrWorktree = errors.New("worktree operation failed")

	// ErrPortsExhausted indicates the reserved port range has no free ports.
	ErrPortsExhausted = errors.New("port range exhausted")
)

const (
	// WorktreesDirName is the directory under the project root that
	// holds per-worker checkouts.
	WorktreesDirName = ".worktrees"

	// DefaultPortRangeStart is the first reserved port.
	DefaultPortRangeStart = 3100
	// PortRangeWidth is the number of ports in the reserved range, inclusive.
	PortRangeWidth = 100

	// branchSlugMaxLen caps the title-derived slug appended to branch names.
	branchSlugMaxLen = 60
)

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// Manager allocates worktrees and ports for coding workers.
type Manager struct {
	projectDir string
	exec       git.Executor

	mu        sync.Mutex
	portStart int
	ports     map[int]bool // allocated ports
}

// NewManager creates a Manager rooted at projectDir using the given
// git executor and the default port range [3100, 3199].
func NewManager(projectDir string, exec git.Executor) *Manager {
	return &Manager{
		projectDir: projectDir,
		exec:       exec,
		portStart:  DefaultPortRangeStart,
		ports:      make(map[int]bool),
	}
}

// NewManagerWithPortRange creates a Manager with a custom port range start.
func NewManagerWithPortRange(projectDir string, exec git.Executor, portStart int) *Manager {
	m := NewManager(projectDir, exec)
	m.portStart = portStart
	return m
}

// WorktreesDir returns the directory that holds per-worker checkouts.
func (m *Manager) WorktreesDir() string {
	return filepath.Join(m.projectDir, WorktreesDirName)
}

// WorktreePath returns the checkout path for a worker ID.
func (m *Manager) WorktreePath(workerID string) string {
	return filepath.Join(m.WorktreesDir(), workerID)
}

// BranchFor derives a branch name from a ticket key and title: the
// lowercased key, plus a slug of the title with runs of
// non-alphanumerics collapsed to "-", trimmed and truncated to 60
// characters. An empty slug yields just the key slug.
func BranchFor(ticketKey, ticketTitle string) string {
	key := strings.Trim(nonAlnum.ReplaceAllString(strings.ToLower(ticketKey), "-"), "-")

	slug := strings.Trim(nonAlnum.ReplaceAllString(strings.ToLower(ticketTitle), "-"), "-")
	if len(slug) > branchSlugMaxLen {
		slug = strings.Trim(slug[:branchSlugMaxLen], "-")
	}
	if slug == "" {
		return key
	}
	return key + "-" + slug
}

// CreateWorktree ensures the worktrees directory exists, removes any
// stale checkout for workerID, ensures the branch exists (created from
// HEAD if not), and adds a worktree pinned to it. Returns the checkout
// path. Failures wrap ErrWorktree.
func (m *Manager) CreateWorktree(ctx context.Context, workerID, branch string) (string, error) {
	if err := os.MkdirAll(m.WorktreesDir(), 0755); err != nil {
		return "", fmt.Errorf("%w: creating %s: %v", ErrWorktree, m.WorktreesDir(), err)
	}

	path := m.WorktreePath(workerID)

	// A previous run may have left a checkout behind.
	if _, err := os.Stat(path); err == nil {
		log.Warn(log.CatWorktree, "Removing stale worktree before create",
			"workerID", workerID, "path", path)
		if err := m.RemoveWorktree(ctx, workerID); err != nil {
			return "", err
		}
	}

	if !m.exec.BranchExists(ctx, branch) {
		if err := m.exec.CreateBranch(ctx, branch, ""); err != nil {
			return "", fmt.Errorf("%w: creating branch %s: %v", ErrWorktree, branch, err)
		}
	}

	if err := m.exec.AddWorktree(ctx, path, branch); err != nil {
		return "", fmt.Errorf("%w: adding worktree for %s: %v", ErrWorktree, workerID, err)
	}

	log.Info(log.CatWorktree, "Worktree created",
		"workerID", workerID, "branch", branch, "path", path)
	return path, nil
}

// RemoveWorktree removes the checkout for workerID with force.
// Idempotent: succeeds when the path is already gone.
func (m *Manager) RemoveWorktree(ctx context.Context, workerID string) error {
	path := m.WorktreePath(workerID)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		// Still prune bookkeeping in case git thinks it exists.
		_ = m.exec.PruneWorktrees(ctx)
		return nil
	}

	if err := m.exec.RemoveWorktree(ctx, path, true); err != nil {
		// Fall back to deleting the directory and pruning; a half-created
		// worktree may not be registered with git at all.
		if rmErr := os.RemoveAll(path); rmErr != nil {
			return fmt.Errorf("%w: removing worktree %s: %v", ErrWorktree, path, err)
		}
		_ = m.exec.PruneWorktrees(ctx)
	}

	log.Info(log.CatWorktree, "Worktree removed", "workerID", workerID, "path", path)
	return nil
}

// MergeToMain switches to the main branch and merges branch with
// --no-ff. A conflicted merge is aborted and reported as merged=false
// with the branch left behind for manual review. Any other VCS failure
// wraps ErrWorktree.
func (m *Manager) MergeToMain(ctx context.Context, branch string) (bool, error) {
	main, err := m.exec.MainBranch(ctx)
	if err != nil {
		return false, fmt.Errorf("%w: detecting main branch: %v", ErrWorktree, err)
	}

	if err := m.exec.Checkout(ctx, main); err != nil {
		return false, fmt.Errorf("%w: checking out %s: %v", ErrWorktree, main, err)
	}

	if err := m.exec.MergeNoFF(ctx, branch); err != nil {
		if errors.Is(err, git.ErrMergeConflict) {
			log.Warn(log.CatWorktree, "Merge conflict, branch retained for manual review",
				"branch", branch)
			if abortErr := m.exec.AbortMerge(ctx); abortErr != nil {
				log.ErrorErr(log.CatWorktree, "Failed to abort conflicted merge", abortErr,
					"branch", branch)
			}
			return false, nil
		}
		return false, fmt.Errorf("%w: merging %s into %s: %v", ErrWorktree, branch, main, err)
	}

	log.Info(log.CatWorktree, "Branch merged to main", "branch", branch, "main", main)
	return true, nil
}

// AllocatePort returns the lowest unused port in the reserved range.
// Returns ErrPortsExhausted when the full range is allocated.
func (m *Manager) AllocatePort() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for port := m.portStart; port < m.portStart+PortRangeWidth; port++ {
		if !m.ports[port] {
			m.ports[port] = true
			return port, nil
		}
	}
	return 0, ErrPortsExhausted
}

// ReleasePort returns a port to the pool. Idempotent.
func (m *Manager) ReleasePort(port int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.ports, port)
}

// AllocatedPorts returns the currently-held ports in ascending order.
func (m *Manager) AllocatedPorts() []int {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]int, 0, len(m.ports))
	for p := range m.ports {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

// CleanupStaleWorktrees removes every directory under the worktrees
// root whose name is not in trackedIDs. Returns the number removed.
func (m *Manager) CleanupStaleWorktrees(ctx context.Context, trackedIDs []string) int {
	entries, err := os.ReadDir(m.WorktreesDir())
	if err != nil {
		return 0
	}

	tracked := make(map[string]bool, len(trackedIDs))
	for _, id := range trackedIDs {
		tracked[id] = true
	}

	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() || tracked[entry.Name()] {
			continue
		}
		if err := m.RemoveWorktree(ctx, entry.Name()); err != nil {
			log.ErrorErr(log.CatWorktree, "Failed to remove stale worktree", err,
				"workerID", entry.Name())
			continue
		}
		removed++
	}

	if removed > 0 {
		log.Info(log.CatWorktree, "Stale worktrees cleaned up", "count", removed)
	}
	return removed
}
