package agent

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/ticketd/internal/ticket"
)

func TestCLIRuntime_SuccessfulSession(t *testing.T) {
	// "echo" prints its args and exits 0, standing in for the agent CLI.
	r := NewCLIRuntime("echo", 0)

	res := r.RunSession(context.Background(), t.TempDir(), "claude-sonnet-4-6", "do the thing")
	require.Equal(t, StatusContinue, res.Status)
	require.Contains(t, res.Response, "do the thing")
}

func TestCLIRuntime_CompleteMarker(t *testing.T) {
	r := NewCLIRuntime("echo", 0)

	res := r.RunSession(context.Background(), t.TempDir(), "", "COMPLETE")
	require.Equal(t, StatusComplete, res.Status)
}

func TestCLIRuntime_FailureMapsToError(t *testing.T) {
	r := NewCLIRuntime("false", 0)

	res := r.RunSession(context.Background(), t.TempDir(), "m", "p")
	require.Equal(t, StatusError, res.Status)
	require.NotEmpty(t, res.Response)
}

func TestCLIRuntime_Timeout(t *testing.T) {
	// A stand-in agent that ignores its flags and hangs.
	dir := t.TempDir()
	script := filepath.Join(dir, "slow-agent.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nsleep 5\n"), 0755))

	r := NewCLIRuntime(script, 50*time.Millisecond)

	res := r.RunSession(context.Background(), dir, "", "p")
	require.Equal(t, StatusError, res.Status)
	require.Contains(t, res.Response, "timed out")
}

func TestCLIRuntime_Verify(t *testing.T) {
	require.NoError(t, NewCLIRuntime("echo", 0).Verify())
	require.ErrorIs(t, NewCLIRuntime("definitely-not-a-command-xyz", 0).Verify(), ErrNoExecutable)
}

func TestPromptFor(t *testing.T) {
	coding := ticket.New("ENG-1", "Add retry")
	coding.Description = "Retries for the fetcher"

	p := PromptFor(coding, true)
	require.Contains(t, p, "ENG-1")
	require.Contains(t, p, "Commit your work")

	review := ticket.Ticket{Key: "ENG-2", Title: "Review PR", Labels: []string{"review"}}
	require.Contains(t, PromptFor(review, false), "Review the work")

	planning := ticket.Ticket{Key: "ENG-3", Title: "Plan Q3", Labels: []string{"planning"}}
	require.Contains(t, PromptFor(planning, false), "Triage and plan")

	sweep := PromptFor(ticket.PollPlaceholder(), false)
	require.True(t, strings.Contains(sweep, "Check the issue tracker"))
}
