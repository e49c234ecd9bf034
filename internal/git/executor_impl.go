package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Git-specific errors surfaced by the executor.
var (
	// ErrTimeout indicates a git command exceeded the command timeout.
	ErrTimeout = errors.New("git command timed out")

	// ErrMergeConflict indicates a merge stopped on conflicts.
	ErrMergeConflict = errors.New("merge conflict")

	// ErrBranchAlreadyCheckedOut indicates the branch is checked out in another worktree.
	ErrBranchAlreadyCheckedOut = errors.New("branch already checked out in another worktree")

	// ErrPathAlreadyExists indicates the worktree path already exists.
	ErrPathAlreadyExists = errors.New("worktree path already exists")

	// ErrNotGitRepo indicates the directory is not a git repository.
	ErrNotGitRepo = errors.New("not a git repository")
)

// DefaultCommandTimeout bounds every git subprocess invocation.
const DefaultCommandTimeout = 60 * time.Second

// Compile-time check that RealExecutor implements Executor.
var _ Executor = (*RealExecutor)(nil)

// RealExecutor implements Executor by running the git CLI.
type RealExecutor struct {
	workDir string
	timeout time.Duration
}

// NewRealExecutor creates a RealExecutor rooted at workDir with the
// default 60 s command timeout.
func NewRealExecutor(workDir string) *RealExecutor {
	return &RealExecutor{workDir: workDir, timeout: DefaultCommandTimeout}
}

// NewRealExecutorWithTimeout creates a RealExecutor with a custom timeout.
func NewRealExecutorWithTimeout(workDir string, timeout time.Duration) *RealExecutor {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	return &RealExecutor{workDir: workDir, timeout: timeout}
}

// runGit executes a git command and returns an error if it fails.
func (e *RealExecutor) runGit(ctx context.Context, args ...string) error {
	_, err := e.runGitOutput(ctx, args...)
	return err
}

// runGitOutput executes a git command and returns trimmed stdout.
func (e *RealExecutor) runGitOutput(ctx context.Context, args ...string) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	//nolint:gosec // G204: args come from controlled sources
	cmd := exec.CommandContext(cctx, "git", args...)
	if e.workDir != "" {
		cmd.Dir = e.workDir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if cctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("%w: git %s after %s",
				ErrTimeout, strings.Join(args, " "), time.Since(start).Round(time.Millisecond))
		}
		// git reports merge conflicts on stdout with an empty stderr, so
		// both streams feed the error parser.
		output := strings.TrimSpace(strings.TrimSpace(stdout.String()) + "\n" + strings.TrimSpace(stderr.String()))
		if output != "" {
			return "", parseGitError(output, err)
		}
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}

	return strings.TrimSpace(stdout.String()), nil
}

// parseGitError converts git diagnostics (stdout and stderr combined)
// to specific error types.
func parseGitError(output string, originalErr error) error {
	outputLower := strings.ToLower(output)

	// Merge conflict: CONFLICT (content): ... / Automatic merge failed
	if strings.Contains(outputLower, "conflict") ||
		strings.Contains(outputLower, "automatic merge failed") {
		return fmt.Errorf("%w: %s", ErrMergeConflict, output)
	}

	// Branch already checked out: fatal: '<branch>' is already checked out
	if strings.Contains(outputLower, "is already checked out") ||
		strings.Contains(outputLower, "already checked out at") {
		return fmt.Errorf("%w: %s", ErrBranchAlreadyCheckedOut, output)
	}

	// Path already exists: fatal: '<path>' already exists
	if strings.Contains(outputLower, "already exists") {
		return fmt.Errorf("%w: %s", ErrPathAlreadyExists, output)
	}

	// Not a git repository
	if strings.Contains(outputLower, "not a git repository") {
		return fmt.Errorf("%w: %s", ErrNotGitRepo, output)
	}

	return fmt.Errorf("git error: %s: %w", output, originalErr)
}

// IsGitRepo checks if the working directory is a git repository.
func (e *RealExecutor) IsGitRepo() bool {
	return e.runGit(context.Background(), "rev-parse", "--git-dir") == nil
}

// CurrentBranch returns the name of the current branch.
func (e *RealExecutor) CurrentBranch(ctx context.Context) (string, error) {
	out, err := e.runGitOutput(ctx, "branch", "--show-current")
	if err == nil && out != "" {
		return out, nil
	}

	// Fallback: parse symbolic-ref
	out, err = e.runGitOutput(ctx, "symbolic-ref", "--short", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to get current branch: %w", err)
	}
	return out, nil
}

// MainBranch detects the main branch name using multiple strategies.
func (e *RealExecutor) MainBranch(ctx context.Context) (string, error) {
	if branch, err := e.runGitOutput(ctx, "config", "init.defaultBranch"); err == nil && branch != "" {
		if e.BranchExists(ctx, branch) {
			return branch, nil
		}
	}

	// Remote HEAD: refs/remotes/origin/main -> "main"
	if ref, err := e.runGitOutput(ctx, "symbolic-ref", "refs/remotes/origin/HEAD"); err == nil {
		parts := strings.Split(ref, "/")
		if len(parts) > 0 {
			return parts[len(parts)-1], nil
		}
	}

	if err := e.runGit(ctx, "show-ref", "--verify", "--quiet", "refs/heads/main"); err == nil {
		return "main", nil
	}
	if err := e.runGit(ctx, "show-ref", "--verify", "--quiet", "refs/heads/master"); err == nil {
		return "master", nil
	}

	return "main", nil
}

// BranchExists reports whether a local branch exists.
func (e *RealExecutor) BranchExists(ctx context.Context, name string) bool {
	return e.runGit(ctx, "show-ref", "--verify", "--quiet", "refs/heads/"+name) == nil
}

// CreateBranch creates a branch from base, or from HEAD when base is empty.
func (e *RealExecutor) CreateBranch(ctx context.Context, name, base string) error {
	args := []string{"branch", name}
	if base != "" {
		args = append(args, base)
	}
	return e.runGit(ctx, args...)
}

// AddWorktree adds a worktree at path checked out to an existing branch.
func (e *RealExecutor) AddWorktree(ctx context.Context, path, branch string) error {
	return e.runGit(ctx, "worktree", "add", path, branch)
}

// RemoveWorktree removes the worktree at path.
func (e *RealExecutor) RemoveWorktree(ctx context.Context, path string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)
	return e.runGit(ctx, args...)
}

// PruneWorktrees removes stale worktree references.
func (e *RealExecutor) PruneWorktrees(ctx context.Context) error {
	return e.runGit(ctx, "worktree", "prune")
}

// ListWorktrees returns information about all registered worktrees.
func (e *RealExecutor) ListWorktrees(ctx context.Context) ([]WorktreeInfo, error) {
	output, err := e.runGitOutput(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}

	var worktrees []WorktreeInfo
	var current WorktreeInfo
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "worktree "):
			if current.Path != "" {
				worktrees = append(worktrees, current)
			}
			current = WorktreeInfo{Path: strings.TrimPrefix(line, "worktree ")}
		case strings.HasPrefix(line, "HEAD "):
			current.HEAD = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			current.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		}
	}
	if current.Path != "" {
		worktrees = append(worktrees, current)
	}
	return worktrees, nil
}

// Checkout switches the primary checkout to the given branch.
func (e *RealExecutor) Checkout(ctx context.Context, branch string) error {
	return e.runGit(ctx, "checkout", branch)
}

// MergeNoFF merges branch into the current branch with --no-ff.
func (e *RealExecutor) MergeNoFF(ctx context.Context, branch string) error {
	return e.runGit(ctx, "merge", "--no-ff", "--no-edit", branch)
}

// AbortMerge aborts an in-progress merge.
func (e *RealExecutor) AbortMerge(ctx context.Context) error {
	return e.runGit(ctx, "merge", "--abort")
}

// DeleteBranch force-deletes a local branch.
func (e *RealExecutor) DeleteBranch(ctx context.Context, name string) error {
	return e.runGit(ctx, "branch", "-D", name)
}
