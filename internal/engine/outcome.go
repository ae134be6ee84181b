package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"foundry/internal/budget"
	"foundry/internal/domain"
	"foundry/internal/events"
)

// RefineOutcome is what the clarifier reports for idea.refine.
type RefineOutcome struct {
	Analysis  string          `json:"analysis,omitempty"`
	Questions []QuestionDraft `json:"questions,omitempty"`
}

type QuestionDraft struct {
	Question string `json:"question"`
	Context  string `json:"context,omitempty"`
}

// DevelopOutcome is what the developer reports for ticket.develop. Subtasks
// is the plan (used only when the ticket has none yet); Completed names
// subtask ids finished during the cycle.
type DevelopOutcome struct {
	Summary   string   `json:"summary,omitempty"`
	Subtasks  []string `json:"subtasks,omitempty"`
	Completed []string `json:"completed,omitempty"`
}

// StageOutcome is the shared shape for ticket.build and ticket.test.
type StageOutcome struct {
	OK     bool   `json:"ok"`
	Passed int    `json:"passed,omitempty"`
	Failed int    `json:"failed,omitempty"`
	Log    string `json:"log,omitempty"`
	Error  string `json:"error,omitempty"`
}

// OutcomeError marks an executor result that completed but cannot be applied;
// the dispatcher fails the job (retryable) instead of completing it.
type OutcomeError struct {
	JobID string
	Err   error
}

func (o *OutcomeError) Error() string { return fmt.Sprintf("job %s outcome: %v", o.JobID, o.Err) }
func (o *OutcomeError) Unwrap() error { return o.Err }

// ApplyJobOutcome completes a job and applies its pipeline effects in one
// transaction. A job that is no longer running (cancelled mid-flight, or a
// duplicate report) is left alone and its outcome discarded. Pipeline writes
// are guarded against stale outcomes: the entity must still be in the status
// the job was dispatched from.
func (e Engine) ApplyJobOutcome(ctx context.Context, job domain.Job, output, actor string) error {
	apply, err := e.parseOutcome(job, output, actor)
	if err != nil {
		return &OutcomeError{JobID: job.ID, Err: err}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	done, err := e.Queue.CompleteTx(ctx, tx, job.ID, output)
	if err != nil {
		return err
	}
	if !done {
		return nil
	}
	if apply != nil {
		if err := apply(ctx, tx); err != nil {
			return err
		}
	}
	return tx.Commit()
}

type applyFunc func(ctx context.Context, tx *sql.Tx) error

// parseOutcome validates the result shape up front so malformed output fails
// the job before anything is written.
func (e Engine) parseOutcome(job domain.Job, output, actor string) (applyFunc, error) {
	var ref domain.JobRef
	if err := json.Unmarshal([]byte(job.Payload), &ref); err != nil {
		return nil, fmt.Errorf("job payload: %w", err)
	}
	if output == "" {
		output = "{}"
	}
	switch job.Type {
	case domain.JobIdeaRefine:
		var out RefineOutcome
		if err := json.Unmarshal([]byte(output), &out); err != nil {
			return nil, err
		}
		return func(ctx context.Context, tx *sql.Tx) error {
			return e.applyRefineOutcomeTx(ctx, tx, ref.IdeaID, out, job, actor)
		}, nil
	case domain.JobTicketDevelop:
		var out DevelopOutcome
		if err := json.Unmarshal([]byte(output), &out); err != nil {
			return nil, err
		}
		return func(ctx context.Context, tx *sql.Tx) error {
			return e.applyDevelopOutcomeTx(ctx, tx, ref.TicketID, out, job, actor)
		}, nil
	case domain.JobTicketBuild:
		var out StageOutcome
		if err := json.Unmarshal([]byte(output), &out); err != nil {
			return nil, err
		}
		return func(ctx context.Context, tx *sql.Tx) error {
			return e.applyBuildOutcomeTx(ctx, tx, ref.TicketID, out, job, actor)
		}, nil
	case domain.JobTicketTest:
		var out StageOutcome
		if err := json.Unmarshal([]byte(output), &out); err != nil {
			return nil, err
		}
		return func(ctx context.Context, tx *sql.Tx) error {
			return e.applyTestOutcomeTx(ctx, tx, ref.TicketID, out, job, actor)
		}, nil
	}
	// Unknown types never reach the runtime; completing without pipeline
	// effects keeps the queue honest if one slips through.
	return nil, nil
}

func (e Engine) applyRefineOutcomeTx(ctx context.Context, tx *sql.Tx, ideaID string, out RefineOutcome, job domain.Job, actor string) error {
	if ideaID == "" {
		return nil
	}
	idea, err := e.Repo.GetIdeaTx(ctx, tx, ideaID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if idea.Status != domain.IdeaRefining {
		return nil
	}
	now := e.stamp()
	if out.Analysis != "" {
		if err := e.Repo.SetIdeaAnalysisTx(ctx, tx, idea.ID, out.Analysis, now); err != nil {
			return err
		}
	}
	if len(out.Questions) == 0 {
		// Nothing to clarify: the idea stays refining, ready for approval.
		return e.Events.Append(ctx, tx, events.Event{
			Type:       "idea.analyzed",
			EntityKind: "idea",
			EntityID:   idea.ID,
			JobID:      job.ID,
			Actor:      actor,
		})
	}
	for _, draft := range out.Questions {
		if draft.Question == "" {
			continue
		}
		q := domain.Question{
			ID:        uuid.New().String(),
			IdeaID:    idea.ID,
			Text:      draft.Question,
			Context:   draft.Context,
			Status:    domain.QuestionPending,
			CreatedAt: now,
		}
		if err := e.Repo.InsertQuestionTx(ctx, tx, q); err != nil {
			return err
		}
	}
	if err := ensureIdeaTransition(idea.ID, idea.Status, domain.IdeaQuestions); err != nil {
		return err
	}
	if err := e.Repo.UpdateIdeaStatusTx(ctx, tx, idea.ID, domain.IdeaQuestions, now); err != nil {
		return err
	}
	return e.Events.Append(ctx, tx, events.Event{
		Type:       "idea.questions",
		EntityKind: "idea",
		EntityID:   idea.ID,
		FromStatus: idea.Status,
		ToStatus:   domain.IdeaQuestions,
		JobID:      job.ID,
		Actor:      actor,
		Payload:    events.Payload{"count": len(out.Questions)},
	})
}

func (e Engine) applyDevelopOutcomeTx(ctx context.Context, tx *sql.Tx, ticketID string, out DevelopOutcome, job domain.Job, actor string) error {
	t, ok, err := e.ticketForOutcomeTx(ctx, tx, ticketID)
	if err != nil || !ok {
		return err
	}
	now := e.stamp()
	if out.Summary != "" {
		result, err := mergeJSONKey(t.ResultJSON, "summary", out.Summary)
		if err != nil {
			return err
		}
		if err := e.Repo.SetTicketResultTx(ctx, tx, t.ID, result, now); err != nil {
			return err
		}
		t.ResultJSON = &result
	}
	existing, err := e.Repo.ListSubtasksTx(ctx, tx, t.ID)
	if err != nil {
		return err
	}
	created := 0
	if len(existing) == 0 {
		for i, title := range out.Subtasks {
			if title == "" {
				continue
			}
			s := domain.Subtask{
				ID:         uuid.New().String(),
				TicketID:   t.ID,
				Title:      title,
				Status:     domain.SubtaskPending,
				OrderIndex: i,
				CreatedAt:  now,
			}
			if err := e.Repo.InsertSubtaskTx(ctx, tx, s); err != nil {
				return err
			}
			created++
		}
	}
	for _, id := range out.Completed {
		s, err := e.Repo.GetSubtaskTx(ctx, tx, id)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if s.TicketID != t.ID {
			continue
		}
		if s.Status != domain.SubtaskPending && s.Status != domain.SubtaskInProgress {
			continue
		}
		if err := e.Repo.UpdateSubtaskStatusTx(ctx, tx, s.ID, domain.SubtaskDone, &now); err != nil {
			return err
		}
		err = e.Events.Append(ctx, tx, events.Event{
			Type:       "subtask.done",
			EntityKind: "subtask",
			EntityID:   s.ID,
			FromStatus: s.Status,
			ToStatus:   domain.SubtaskDone,
			JobID:      job.ID,
			Actor:      actor,
			Payload:    events.Payload{"ticket_id": t.ID},
		})
		if err != nil {
			return err
		}
	}
	next, err := e.enqueueStageTx(ctx, tx, t, domain.JobTicketBuild)
	if err != nil {
		return err
	}
	err = e.Events.Append(ctx, tx, events.Event{
		Type:       "ticket.developed",
		EntityKind: "ticket",
		EntityID:   t.ID,
		JobID:      job.ID,
		Actor:      actor,
		Payload:    events.Payload{"dev_cycle": t.DevCycles, "subtasks_created": created, "next_job_id": next.ID},
	})
	if err != nil {
		return err
	}
	return e.maybeReadyForReviewTx(ctx, tx, t, actor)
}

func (e Engine) applyBuildOutcomeTx(ctx context.Context, tx *sql.Tx, ticketID string, out StageOutcome, job domain.Job, actor string) error {
	t, ok, err := e.ticketForOutcomeTx(ctx, tx, ticketID)
	if err != nil || !ok {
		return err
	}
	if !out.OK {
		return e.fixLoopTx(ctx, tx, t, "build failed: "+stageCause(out), job, actor)
	}
	next, err := e.enqueueStageTx(ctx, tx, t, domain.JobTicketTest)
	if err != nil {
		return err
	}
	return e.Events.Append(ctx, tx, events.Event{
		Type:       "ticket.built",
		EntityKind: "ticket",
		EntityID:   t.ID,
		JobID:      job.ID,
		Actor:      actor,
		Payload:    events.Payload{"next_job_id": next.ID},
	})
}

func (e Engine) applyTestOutcomeTx(ctx context.Context, tx *sql.Tx, ticketID string, out StageOutcome, job domain.Job, actor string) error {
	t, ok, err := e.ticketForOutcomeTx(ctx, tx, ticketID)
	if err != nil || !ok {
		return err
	}
	now := e.stamp()
	if !out.OK {
		if err := e.Repo.SetTicketTestsPassedTx(ctx, tx, t.ID, false, now); err != nil {
			return err
		}
		t.TestsPassed = false
		return e.fixLoopTx(ctx, tx, t, "tests failed: "+stageCause(out), job, actor)
	}
	if err := e.Repo.SetTicketTestsPassedTx(ctx, tx, t.ID, true, now); err != nil {
		return err
	}
	t.TestsPassed = true
	err = e.Events.Append(ctx, tx, events.Event{
		Type:       "ticket.tests_passed",
		EntityKind: "ticket",
		EntityID:   t.ID,
		JobID:      job.ID,
		Actor:      actor,
		Payload:    events.Payload{"passed": out.Passed, "failed": out.Failed},
	})
	if err != nil {
		return err
	}
	return e.maybeReadyForReviewTx(ctx, tx, t, actor)
}

// ticketForOutcomeTx loads the ticket and filters stale outcomes: only an
// in-progress ticket accepts pipeline effects.
func (e Engine) ticketForOutcomeTx(ctx context.Context, tx *sql.Tx, ticketID string) (domain.Ticket, bool, error) {
	if ticketID == "" {
		return domain.Ticket{}, false, nil
	}
	t, err := e.Repo.GetTicketTx(ctx, tx, ticketID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Ticket{}, false, nil
	}
	if err != nil {
		return domain.Ticket{}, false, err
	}
	if t.Status != domain.TicketInProgress {
		return domain.Ticket{}, false, nil
	}
	return t, true, nil
}

// fixLoopTx handles a failed build or test stage: another development cycle
// while the ceiling allows, blocked after.
func (e Engine) fixLoopTx(ctx context.Context, tx *sql.Tx, t domain.Ticket, cause string, job domain.Job, actor string) error {
	cycles := t.DevCycles + 1
	now := e.stamp()
	if err := e.Repo.SetTicketDevCyclesTx(ctx, tx, t.ID, cycles, now); err != nil {
		return err
	}
	t.DevCycles = cycles
	if cycles >= e.Config.Pipeline.MaxDevCycles {
		return e.blockTicketTx(ctx, tx, t, cause, job, actor)
	}
	next, err := e.enqueueDevelopTx(ctx, tx, t, cause)
	if err != nil {
		return err
	}
	return e.Events.Append(ctx, tx, events.Event{
		Type:       "ticket.fix_cycle",
		EntityKind: "ticket",
		EntityID:   t.ID,
		JobID:      job.ID,
		Actor:      actor,
		Payload:    events.Payload{"dev_cycle": cycles, "error": cause, "next_job_id": next.ID},
	})
}

func (e Engine) blockTicketTx(ctx context.Context, tx *sql.Tx, t domain.Ticket, cause string, job domain.Job, actor string) error {
	if err := ensureTicketTransition(t.ID, t.Status, domain.TicketBlocked); err != nil {
		return err
	}
	now := e.stamp()
	if err := e.Repo.UpdateTicketStatusTx(ctx, tx, t.ID, domain.TicketBlocked, now, nil); err != nil {
		return err
	}
	result, err := mergeJSONKey(t.ResultJSON, "last_error", cause)
	if err != nil {
		return err
	}
	if err := e.Repo.SetTicketResultTx(ctx, tx, t.ID, result, now); err != nil {
		return err
	}
	return e.Events.Append(ctx, tx, events.Event{
		Type:       "ticket.blocked",
		EntityKind: "ticket",
		EntityID:   t.ID,
		FromStatus: t.Status,
		ToStatus:   domain.TicketBlocked,
		JobID:      job.ID,
		Actor:      actor,
		Payload:    events.Payload{"error": cause, "dev_cycles": t.DevCycles},
	})
}

func stageCause(out StageOutcome) string {
	if out.Error != "" {
		return out.Error
	}
	if out.Log != "" {
		return out.Log
	}
	return "no detail reported"
}

// FailJob records a failed attempt and, when attempts are exhausted, applies
// the pipeline's blocked transition in the same transaction. Returns the
// job's resulting status.
func (e Engine) FailJob(ctx context.Context, job domain.Job, cause string) (string, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()
	status, err := e.Queue.FailTx(ctx, tx, job.ID, cause)
	if err != nil {
		return "", err
	}
	if status == domain.JobFailed {
		if err := e.applyJobExhaustedTx(ctx, tx, job, cause); err != nil {
			return "", err
		}
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return status, nil
}

// FailJobPermanently fails a job without burning retries (unregistered type,
// budget denial) and applies the blocked transition.
func (e Engine) FailJobPermanently(ctx context.Context, job domain.Job, cause string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.failPermanentlyTx(ctx, tx, job, cause); err != nil {
		return err
	}
	return tx.Commit()
}

// DenyJob is the budget-denial path: permanent failure, blocked transition
// and a budget.denied event, one transaction.
func (e Engine) DenyJob(ctx context.Context, job domain.Job, agentID string, denial *budget.Denial) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	err = e.Events.Append(ctx, tx, events.Event{
		Type:       "budget.denied",
		EntityKind: "job",
		EntityID:   job.ID,
		JobID:      job.ID,
		Actor:      "dispatcher",
		Payload: events.Payload{
			"agent_id":  agentID,
			"scope":     denial.Scope,
			"limit_usd": denial.LimitUSD,
			"spent_usd": denial.SpentUSD,
			"estimated": denial.Estimated,
		},
	})
	if err != nil {
		return err
	}
	if err := e.failPermanentlyTx(ctx, tx, job, "budget_exceeded: "+denial.Error()); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) failPermanentlyTx(ctx context.Context, tx *sql.Tx, job domain.Job, cause string) error {
	ok, err := e.Queue.FailPermanentlyTx(ctx, tx, job.ID, cause)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return e.applyJobExhaustedTx(ctx, tx, job, cause)
}

// applyJobExhaustedTx applies the pipeline consequence of a terminal job
// failure. Ideas have no blocked state and surface through needs-attention;
// tickets move to blocked with the error recorded.
func (e Engine) applyJobExhaustedTx(ctx context.Context, tx *sql.Tx, job domain.Job, cause string) error {
	switch job.Type {
	case domain.JobTicketDevelop, domain.JobTicketBuild, domain.JobTicketTest:
	default:
		return nil
	}
	var ref domain.JobRef
	if err := json.Unmarshal([]byte(job.Payload), &ref); err != nil {
		return nil
	}
	t, ok, err := e.ticketForOutcomeTx(ctx, tx, ref.TicketID)
	if err != nil || !ok {
		return err
	}
	return e.blockTicketTx(ctx, tx, t, cause, job, "dispatcher")
}

// ReleaseJob and CancelJob pass through to the queue so callers outside the
// dispatcher go through one surface.
func (e Engine) CancelJob(ctx context.Context, id string) error {
	return e.Queue.Cancel(ctx, id)
}

func (e Engine) RetryJob(ctx context.Context, id string) error {
	return e.Queue.Requeue(ctx, id)
}

func (e Engine) PruneJobs(ctx context.Context, olderThan time.Duration) (int, error) {
	return e.Queue.Prune(ctx, olderThan)
}
