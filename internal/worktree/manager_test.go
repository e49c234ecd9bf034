package worktree

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/zjrosen/ticketd/internal/git"
)

// fakeExecutor is an in-memory git.Executor for manager tests.
type fakeExecutor struct {
	branches   map[string]bool
	worktrees  map[string]string // path -> branch
	mergeErr   error
	checkedOut string
	aborted    bool
	failAdd    error
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		branches:  map[string]bool{"main": true},
		worktrees: map[string]string{},
	}
}

func (f *fakeExecutor) IsGitRepo() bool { return true }
func (f *fakeExecutor) CurrentBranch(context.Context) (string, error) {
	return f.checkedOut, nil
}
func (f *fakeExecutor) MainBranch(context.Context) (string, error) { return "main", nil }
func (f *fakeExecutor) BranchExists(_ context.Context, name string) bool {
	return f.branches[name]
}
func (f *fakeExecutor) CreateBranch(_ context.Context, name, _ string) error {
	f.branches[name] = true
	return nil
}
func (f *fakeExecutor) AddWorktree(_ context.Context, path, branch string) error {
	if f.failAdd != nil {
		return f.failAdd
	}
	f.worktrees[path] = branch
	return os.MkdirAll(path, 0755)
}
func (f *fakeExecutor) RemoveWorktree(_ context.Context, path string, _ bool) error {
	delete(f.worktrees, path)
	return os.RemoveAll(path)
}
func (f *fakeExecutor) PruneWorktrees(context.Context) error { return nil }
func (f *fakeExecutor) ListWorktrees(context.Context) ([]git.WorktreeInfo, error) {
	var out []git.WorktreeInfo
	for p, b := range f.worktrees {
		out = append(out, git.WorktreeInfo{Path: p, Branch: b})
	}
	return out, nil
}
func (f *fakeExecutor) Checkout(_ context.Context, branch string) error {
	f.checkedOut = branch
	return nil
}
func (f *fakeExecutor) MergeNoFF(_ context.Context, _ string) error { return f.mergeErr }
func (f *fakeExecutor) AbortMerge(context.Context) error {
	f.aborted = true
	return nil
}
func (f *fakeExecutor) DeleteBranch(_ context.Context, name string) error {
	delete(f.branches, name)
	return nil
}

func TestBranchFor(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		title string
		want  string
	}{
		{"simple", "ENG-123", "Add retry logic", "eng-123-add-retry-logic"},
		{"punctuation collapsed", "ENG-5", "Fix: the (weird) bug!!", "eng-5-fix-the-weird-bug"},
		{"empty title", "ENG-7", "", "eng-7"},
		{"symbols only title", "ENG-8", "!!!", "eng-8"},
		{"unicode stripped", "ENG-9", "Caché détente", "eng-9-cach-d-tente"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, BranchFor(tt.key, tt.title))
		})
	}
}

func TestBranchFor_TruncatesLongTitles(t *testing.T) {
	long := ""
	for i := 0; i < 40; i++ {
		long += "word "
	}
	branch := BranchFor("ENG-1", long)
	// key "eng-1" + "-" + slug capped at 60
	require.LessOrEqual(t, len(branch), len("eng-1")+1+60)
	require.NotRegexp(t, `-$`, branch)
}

func TestCreateWorktree_CreatesBranchAndPath(t *testing.T) {
	dir := t.TempDir()
	exec := newFakeExecutor()
	m := NewManager(dir, exec)

	path, err := m.CreateWorktree(context.Background(), "coding-0", "eng-1-add-retry")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, WorktreesDirName, "coding-0"), path)
	require.True(t, exec.branches["eng-1-add-retry"], "branch should be created from HEAD")
	require.DirExists(t, path)
}

func TestCreateWorktree_RemovesExistingCheckoutFirst(t *testing.T) {
	dir := t.TempDir()
	exec := newFakeExecutor()
	m := NewManager(dir, exec)

	stale := m.WorktreePath("coding-0")
	require.NoError(t, os.MkdirAll(stale, 0755))

	_, err := m.CreateWorktree(context.Background(), "coding-0", "eng-2-redo")
	require.NoError(t, err)
	require.Equal(t, "eng-2-redo", exec.worktrees[stale])
}

func TestCreateWorktree_SurfacesGitFailure(t *testing.T) {
	exec := newFakeExecutor()
	exec.failAdd = errors.New("boom")
	m := NewManager(t.TempDir(), exec)

	_, err := m.CreateWorktree(context.Background(), "coding-0", "eng-3")
	require.ErrorIs(t, err, ErrWorktree)
}

func TestRemoveWorktree_IdempotentOnMissingPath(t *testing.T) {
	m := NewManager(t.TempDir(), newFakeExecutor())
	require.NoError(t, m.RemoveWorktree(context.Background(), "coding-9"))
	require.NoError(t, m.RemoveWorktree(context.Background(), "coding-9"))
}

func TestMergeToMain_CleanMerge(t *testing.T) {
	exec := newFakeExecutor()
	m := NewManager(t.TempDir(), exec)

	merged, err := m.MergeToMain(context.Background(), "eng-1-add-retry")
	require.NoError(t, err)
	require.True(t, merged)
	require.Equal(t, "main", exec.checkedOut)
}

func TestMergeToMain_ConflictIsNonFatal(t *testing.T) {
	exec := newFakeExecutor()
	exec.mergeErr = git.ErrMergeConflict
	m := NewManager(t.TempDir(), exec)

	merged, err := m.MergeToMain(context.Background(), "eng-2-conflicting")
	require.NoError(t, err)
	require.False(t, merged)
	require.True(t, exec.aborted, "conflicted merge must be aborted")
}

func TestMergeToMain_OtherFailuresPropagate(t *testing.T) {
	exec := newFakeExecutor()
	exec.mergeErr = errors.New("disk full")
	m := NewManager(t.TempDir(), exec)

	_, err := m.MergeToMain(context.Background(), "eng-3")
	require.ErrorIs(t, err, ErrWorktree)
}

func TestAllocatePort_LowestFirstAndExhaustion(t *testing.T) {
	m := NewManager(t.TempDir(), newFakeExecutor())

	first, err := m.AllocatePort()
	require.NoError(t, err)
	require.Equal(t, DefaultPortRangeStart, first)

	for i := 1; i < PortRangeWidth; i++ {
		_, err := m.AllocatePort()
		require.NoError(t, err)
	}

	// 101st allocation on a 100-wide range fails.
	_, err = m.AllocatePort()
	require.ErrorIs(t, err, ErrPortsExhausted)
}

func TestReleasePort_IdempotentAndReusable(t *testing.T) {
	m := NewManager(t.TempDir(), newFakeExecutor())

	p, err := m.AllocatePort()
	require.NoError(t, err)

	m.ReleasePort(p)
	m.ReleasePort(p) // no-op

	again, err := m.AllocatePort()
	require.NoError(t, err)
	require.Equal(t, p, again, "released port is eligible for re-allocation")
}

func TestReleasePort_UnallocatedIsNoop(t *testing.T) {
	m := NewManager(t.TempDir(), newFakeExecutor())
	m.ReleasePort(DefaultPortRangeStart + 50)
	require.Empty(t, m.AllocatedPorts())
}

// TestAllocatePort_UniquenessProperty verifies no port is handed out
// twice while held, across arbitrary allocate/release interleavings.
func TestAllocatePort_UniquenessProperty(t *testing.T) {
	rapid.Check(t, func(r *rapid.T) {
		m := NewManager(t.TempDir(), newFakeExecutor())
		held := map[int]bool{}

		steps := rapid.IntRange(1, 300).Draw(r, "steps")
		for i := 0; i < steps; i++ {
			if rapid.Bool().Draw(r, "alloc") {
				p, err := m.AllocatePort()
				if err != nil {
					if len(held) != PortRangeWidth {
						r.Fatalf("exhausted with only %d held", len(held))
					}
					continue
				}
				if held[p] {
					r.Fatalf("port %d handed out twice", p)
				}
				held[p] = true
			} else if len(held) > 0 {
				for p := range held {
					m.ReleasePort(p)
					delete(held, p)
					break
				}
			}
		}
	})
}

func TestCleanupStaleWorktrees(t *testing.T) {
	dir := t.TempDir()
	exec := newFakeExecutor()
	m := NewManager(dir, exec)

	ctx := context.Background()
	_, err := m.CreateWorktree(ctx, "coding-0", "eng-1")
	require.NoError(t, err)
	_, err = m.CreateWorktree(ctx, "coding-1", "eng-2")
	require.NoError(t, err)
	_, err = m.CreateWorktree(ctx, "review-0", "eng-3")
	require.NoError(t, err)

	removed := m.CleanupStaleWorktrees(ctx, []string{"coding-0"})
	require.Equal(t, 2, removed)
	require.DirExists(t, m.WorktreePath("coding-0"))
	require.NoDirExists(t, m.WorktreePath("coding-1"))
	require.NoDirExists(t, m.WorktreePath("review-0"))
}

func TestCleanupStaleWorktrees_NoDirectory(t *testing.T) {
	m := NewManager(t.TempDir(), newFakeExecutor())
	require.Equal(t, 0, m.CleanupStaleWorktrees(context.Background(), nil))
}
