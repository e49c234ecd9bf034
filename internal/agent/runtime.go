// Package agent defines the runtime interface the dispatcher uses to
// execute a ticket, plus a production implementation that shells out to
// a headless agent CLI.
package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/zjrosen/ticketd/internal/log"
)

// SessionStatus is the outcome class of an agent session.
type SessionStatus string

const (
	StatusContinue SessionStatus = "continue"
	StatusError    SessionStatus = "error"
	StatusComplete SessionStatus = "complete"
)

// SessionResult is what the dispatcher reads back from a session. Only
// Status and a truncated Response are consumed.
type SessionResult struct {
	Status   SessionStatus
	Response string
}

// Runtime executes one agent session in a working directory with a
// concrete model. Implementations must honor ctx cancellation.
type Runtime interface {
	RunSession(ctx context.Context, workdir, model, prompt string) SessionResult
}

// ErrNoExecutable indicates the configured agent command is not on PATH.
var ErrNoExecutable = errors.New("agent executable not found")

// CLIRuntime runs sessions by invoking a headless agent CLI
// (claude --print style) as a subprocess.
type CLIRuntime struct {
	command string
	timeout time.Duration
}

// NewCLIRuntime creates a runtime invoking the given command. A zero
// timeout means sessions run until the context is done.
func NewCLIRuntime(command string, timeout time.Duration) *CLIRuntime {
	if command == "" {
		command = "claude"
	}
	return &CLIRuntime{command: command, timeout: timeout}
}

// Verify verifies the agent executable is resolvable.
func (r *CLIRuntime) Verify() error {
	if _, err := exec.LookPath(r.command); err != nil {
		return fmt.Errorf("%w: %s", ErrNoExecutable, r.command)
	}
	return nil
}

// RunSession invokes the agent CLI headlessly in workdir. A non-zero
// exit maps to StatusError with the stderr tail as the response; the
// literal marker "COMPLETE" at the end of output maps to StatusComplete.
func (r *CLIRuntime) RunSession(ctx context.Context, workdir, model, prompt string) SessionResult {
	cctx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	args := []string{"--print"}
	if model != "" {
		args = append(args, "--model", model)
	}
	args = append(args, "--", prompt)

	//nolint:gosec // G204: command comes from validated config
	cmd := exec.CommandContext(cctx, r.command, args...)
	cmd.Dir = workdir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start).Round(time.Second)

	if err != nil {
		response := strings.TrimSpace(stderr.String())
		if response == "" {
			response = err.Error()
		}
		if cctx.Err() == context.DeadlineExceeded {
			response = fmt.Sprintf("session timed out after %s", elapsed)
		}
		log.Warn(log.CatDispatch, "Agent session failed",
			"workdir", workdir, "model", model, "elapsed", elapsed)
		return SessionResult{Status: StatusError, Response: response}
	}

	response := strings.TrimSpace(stdout.String())
	status := StatusContinue
	if strings.HasSuffix(response, "COMPLETE") {
		status = StatusComplete
	}
	return SessionResult{Status: status, Response: response}
}
