package agent

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"foundry/internal/budget"
	"foundry/internal/domain"
	"foundry/internal/repo"
)

// Runtime wraps executor invocations with AgentRun bookkeeping: one run row
// per attempt, opened before execution and closed exactly once after, with
// the usage record written in the close transaction.
type Runtime struct {
	DB     *sql.DB
	Repo   repo.Repo
	Budget budget.Guard
	Log    zerolog.Logger
	Now    func() time.Time
}

func NewRuntime(db *sql.DB, guard budget.Guard, log zerolog.Logger) Runtime {
	return Runtime{DB: db, Repo: repo.Repo{DB: db}, Budget: guard, Log: log, Now: time.Now}
}

func (rt Runtime) now() time.Time {
	if rt.Now == nil {
		return time.Now()
	}
	return rt.Now()
}

// Invoke runs one attempt. The returned error is the executor's; run
// bookkeeping failures are folded into it. The run is closed with status
// success, cancelled (ctx cancelled) or failed, and closed runs are never
// rewritten: CloseAgentRunTx compare-and-swaps on status running.
func (rt Runtime) Invoke(ctx context.Context, ag domain.Agent, job domain.Job, exec Executor) (domain.AgentRun, Result, error) {
	var ref domain.JobRef
	// Malformed payloads still execute; the refs only scope the run row.
	_ = json.Unmarshal([]byte(job.Payload), &ref)

	run := domain.AgentRun{
		ID:        uuid.New().String(),
		AgentID:   ag.ID,
		JobID:     &job.ID,
		ProjectID: nilIfEmpty(ref.ProjectID),
		TicketID:  nilIfEmpty(ref.TicketID),
		IdeaID:    nilIfEmpty(ref.IdeaID),
		Status:    domain.RunRunning,
		Input:     job.Payload,
		Model:     ag.Model,
		StartedAt: rt.now().UTC().Format(time.RFC3339),
	}
	if err := rt.Repo.InsertAgentRun(ctx, run); err != nil {
		return run, Result{}, err
	}
	rt.logLine(ctx, run.ID, "info", "run started: agent="+ag.ID+" job="+job.ID+" type="+job.Type)

	res, execErr := exec.Execute(ctx, job)

	status := domain.RunSuccess
	switch {
	case execErr == nil:
	case errors.Is(execErr, context.Canceled):
		status = domain.RunCancelled
	default:
		status = domain.RunFailed
	}

	run.Status = status
	run.TokensInput = res.TokensInput
	run.TokensOutput = res.TokensOutput
	run.TokensUsed = res.TokensInput + res.TokensOutput
	run.CostUSD = res.CostUSD
	if run.CostUSD == 0 && run.TokensUsed > 0 {
		run.CostUSD = Cost(ag.Model, res.TokensInput, res.TokensOutput)
	}
	if execErr == nil && res.Output != "" {
		run.Output = &res.Output
	}
	if execErr != nil {
		msg := execErr.Error()
		run.Error = &msg
	}
	completed := rt.now().UTC().Format(time.RFC3339)
	run.CompletedAt = &completed

	// The close must outlive the invocation context: a cancelled or timed out
	// executor still gets its run closed and its usage recorded.
	closeCtx := context.WithoutCancel(ctx)
	if err := rt.close(closeCtx, run); err != nil {
		rt.Log.Error().Err(err).Str("run_id", run.ID).Msg("close agent run")
		if execErr == nil {
			return run, res, err
		}
		return run, res, execErr
	}
	rt.logLine(closeCtx, run.ID, levelFor(status), "run closed: status="+status)
	return run, res, execErr
}

func (rt Runtime) close(ctx context.Context, run domain.AgentRun) error {
	tx, err := rt.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	closed, err := rt.Repo.CloseAgentRunTx(ctx, tx, run)
	if err != nil {
		return err
	}
	if !closed {
		// Already closed; usage was written by the first closer.
		return nil
	}
	if err := rt.Budget.Record(ctx, tx, run); err != nil {
		return err
	}
	return tx.Commit()
}

// logLine appends to run_logs best-effort; a lost log line never fails a run.
func (rt Runtime) logLine(ctx context.Context, runID, level, msg string) {
	ts := rt.now().UTC().Format(time.RFC3339)
	if err := rt.Repo.AppendRunLog(ctx, runID, ts, level, msg); err != nil {
		rt.Log.Warn().Err(err).Str("run_id", runID).Msg("append run log")
	}
}

func levelFor(status string) string {
	if status == domain.RunSuccess {
		return "info"
	}
	return "error"
}

func nilIfEmpty(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
