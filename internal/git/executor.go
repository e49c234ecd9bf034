// Package git provides a thin executor over the git CLI for the
// worktree operations the daemon performs. The interface exists so the
// worktree manager can be tested with a fake executor.
package git

import "context"

// WorktreeInfo holds information about a git worktree.
type WorktreeInfo struct {
	Path   string
	Branch string
	HEAD   string
}

// Executor defines the git operations the worktree manager needs.
// All calls are bounded by the executor's command timeout; a call that
// exceeds it returns ErrTimeout.
type Executor interface {
	// IsGitRepo reports whether the working directory is a git repository.
	IsGitRepo() bool

	// CurrentBranch returns the name of the checked-out branch.
	CurrentBranch(ctx context.Context) (string, error)

	// MainBranch detects the repository's main branch name.
	// Order: config init.defaultBranch, remote HEAD, main/master existence,
	// fallback "main".
	MainBranch(ctx context.Context) (string, error)

	// BranchExists reports whether a local branch with the given name exists.
	BranchExists(ctx context.Context, name string) bool

	// CreateBranch creates a branch from base (HEAD when base is empty).
	CreateBranch(ctx context.Context, name, base string) error

	// AddWorktree adds a worktree at path checked out to an existing branch.
	AddWorktree(ctx context.Context, path, branch string) error

	// RemoveWorktree removes the worktree at path. With force, discards
	// local modifications.
	RemoveWorktree(ctx context.Context, path string, force bool) error

	// PruneWorktrees removes stale worktree bookkeeping.
	PruneWorktrees(ctx context.Context) error

	// ListWorktrees returns all registered worktrees.
	ListWorktrees(ctx context.Context) ([]WorktreeInfo, error)

	// Checkout switches the primary checkout to the given branch.
	Checkout(ctx context.Context, branch string) error

	// MergeNoFF merges branch into the current branch with --no-ff.
	// A conflicted merge returns ErrMergeConflict and leaves the merge
	// in progress; callers abort with AbortMerge.
	MergeNoFF(ctx context.Context, branch string) error

	// AbortMerge aborts an in-progress merge.
	AbortMerge(ctx context.Context) error

	// DeleteBranch force-deletes a local branch.
	DeleteBranch(ctx context.Context, name string) error
}
