package dispatch

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/zjrosen/ticketd/internal/agent"
	"github.com/zjrosen/ticketd/internal/journal"
	"github.com/zjrosen/ticketd/internal/log"
	"github.com/zjrosen/ticketd/internal/pool"
	"github.com/zjrosen/ticketd/internal/ticket"
	"github.com/zjrosen/ticketd/internal/worktree"
)

// runPipeline executes one ticket on one worker from claim to release.
// Errors never propagate out; the pipeline records them and releases
// its resources.
func (d *Dispatcher) runPipeline(ctx context.Context, t ticket.Ticket, workerID string, pt pool.Type, model string) {
	ctx, span := d.tracer.Start(ctx, "dispatch.pipeline")
	span.SetAttributes(
		attribute.String("ticket.key", t.Key),
		attribute.String("pool", string(pt)),
		attribute.String("worker.id", workerID),
		attribute.String("model", model),
	)
	defer span.End()

	start := time.Now()
	isolated := pt.RequiresIsolation()

	// Mirror the claim on the tracker side, best-effort.
	if !t.IsPollPlaceholder() {
		if err := d.client.ClaimTicket(ctx, t.Key); err != nil {
			log.Warn(log.CatTracker, "Tracker claim failed", "ticket", t.Key, "error", err.Error())
		}
		if err := d.client.TransitionTicket(ctx, t.Key, ticket.StatusInProgress); err != nil {
			log.Warn(log.CatTracker, "Tracker transition failed",
				"ticket", t.Key, "status", ticket.StatusInProgress, "error", err.Error())
		}
	}

	var (
		result agent.SessionResult
		merged bool
	)

	if isolated {
		result, merged = d.runIsolated(ctx, t, workerID, model)
	} else {
		workdir := d.projectDir
		prompt := agent.PromptFor(t, false)
		result = d.runtime.RunSession(ctx, workdir, model, prompt)
	}

	success := result.Status != agent.StatusError
	elapsed := time.Since(start)
	spanStatus(span, success, result.Response)
	span.SetAttributes(attribute.Bool("merged", merged))

	d.finish(ctx, t, workerID, pt, model, result, merged, success, start, elapsed)
}

// runIsolated runs a coding-pool session inside a dedicated worktree,
// merging the branch back on success. The worktree and port are always
// released, whatever happened.
func (d *Dispatcher) runIsolated(ctx context.Context, t ticket.Ticket, workerID, model string) (agent.SessionResult, bool) {
	branch := worktree.BranchFor(t.Key, t.Title)

	path, err := d.worktrees.CreateWorktree(ctx, workerID, branch)
	if err != nil {
		log.ErrorErr(log.CatWorktree, "Failed to create worktree", err,
			"ticket", t.Key, "workerID", workerID)
		return agent.SessionResult{
			Status:   agent.StatusError,
			Response: "worktree creation failed: " + err.Error(),
		}, false
	}

	// Port allocation is best-effort; sessions that need a dev server
	// read it from the environment, others never notice.
	var port *int
	if p, err := d.worktrees.AllocatePort(); err == nil {
		port = &p
	} else {
		log.Warn(log.CatWorktree, "No port available for worker", "workerID", workerID)
	}
	d.pools.SetWorktree(workerID, path, port)

	defer func() {
		if err := d.worktrees.RemoveWorktree(ctx, workerID); err != nil {
			log.ErrorErr(log.CatWorktree, "Failed to remove worktree", err, "workerID", workerID)
		}
		if port != nil {
			d.worktrees.ReleasePort(*port)
		}
		d.pools.SetWorktree(workerID, "", nil)
	}()

	result := d.runtime.RunSession(ctx, path, model, agent.PromptFor(t, true))
	if result.Status == agent.StatusError {
		return result, false
	}

	merged, err := d.worktrees.MergeToMain(ctx, branch)
	if err != nil {
		log.ErrorErr(log.CatWorktree, "Merge failed", err, "ticket", t.Key, "branch", branch)
		return result, false
	}
	if !merged {
		log.Warn(log.CatWorktree, "Merge conflict, branch left for manual resolution",
			"ticket", t.Key, "branch", branch)
		if d.metrics != nil {
			d.metrics.RecordMergeConflict()
		}
	}
	return result, merged
}

// finish records the outcome and returns the worker and ticket to the
// pools, then applies the worker cooldown.
func (d *Dispatcher) finish(ctx context.Context, t ticket.Ticket, workerID string, pt pool.Type,
	model string, result agent.SessionResult, merged, success bool, start time.Time, elapsed time.Duration) {

	response := truncateResponse(result.Response)

	switch result.Status {
	case agent.StatusComplete:
		log.Info(log.CatDispatch, "Session reported complete",
			"ticket", t.Key, "workerID", workerID, "elapsed", elapsed.Round(time.Second).String())
	case agent.StatusError:
		log.Error(log.CatDispatch, "Session failed",
			"ticket", t.Key, "workerID", workerID, "response", response)
	default:
		log.Info(log.CatDispatch, "Session finished",
			"ticket", t.Key, "workerID", workerID, "elapsed", elapsed.Round(time.Second).String())
	}

	if d.journal != nil && !t.IsPollPlaceholder() {
		err := d.journal.Record(ctx, journal.Run{
			TicketKey:  t.Key,
			WorkerID:   workerID,
			Pool:       string(pt),
			Model:      model,
			Status:     string(result.Status),
			Response:   response,
			Merged:     merged,
			StartedAt:  start,
			FinishedAt: start.Add(elapsed),
		})
		if err != nil {
			log.ErrorErr(log.CatJournal, "Failed to record run", err, "ticket", t.Key)
		}
	}

	if d.metrics != nil {
		if success {
			d.metrics.RecordCompleted(string(pt), elapsed.Seconds())
		} else {
			d.metrics.RecordFailed(string(pt), elapsed.Seconds())
		}
	}

	if success && !t.IsPollPlaceholder() {
		if err := d.client.TransitionTicket(ctx, t.Key, ticket.StatusDone); err != nil {
			log.Warn(log.CatTracker, "Tracker transition failed",
				"ticket", t.Key, "status", ticket.StatusDone, "error", err.Error())
		}
	}

	d.pools.ReleaseTicket(t.Key)
	d.removeActive(t.Key)

	// Cooldown before the worker slot goes back to idle.
	if d.cooldown > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(d.cooldown):
		}
	}
	d.pools.FinishWork(workerID, success)
}
