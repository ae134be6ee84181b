package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"foundry/internal/domain"
	"foundry/internal/events"
	"foundry/internal/queue"
)

var ticketTypes = map[string]bool{
	"feature":  true,
	"bugfix":   true,
	"refactor": true,
	"chore":    true,
}

// TicketCreateOptions are parameters for creating a ticket directly, without
// going through an idea.
type TicketCreateOptions struct {
	ProjectID string
	Type      string
	Title     string
	Priority  int
	SpecJSON  string
	Actor     string
}

func (e Engine) CreateTicket(ctx context.Context, opts TicketCreateOptions) (domain.Ticket, error) {
	if opts.Title == "" {
		return domain.Ticket{}, invalidInput("title is required")
	}
	if opts.Type == "" {
		opts.Type = "feature"
	}
	if !ticketTypes[opts.Type] {
		return domain.Ticket{}, invalidInput(fmt.Sprintf("unknown ticket type %q", opts.Type))
	}
	if opts.SpecJSON != "" && !json.Valid([]byte(opts.SpecJSON)) {
		return domain.Ticket{}, invalidInput("spec must be valid JSON")
	}
	project, err := e.resolveProject(ctx, opts.ProjectID)
	if err != nil {
		return domain.Ticket{}, err
	}
	now := e.stamp()
	t := domain.Ticket{
		ID:        uuid.New().String(),
		ProjectID: project.ID,
		Type:      opts.Type,
		Title:     opts.Title,
		Status:    domain.TicketQueued,
		Priority:  opts.Priority,
		SpecJSON:  nilIfEmpty(opts.SpecJSON),
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Ticket{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTicketTx(ctx, tx, t); err != nil {
		return domain.Ticket{}, err
	}
	err = e.Events.Append(ctx, tx, events.Event{
		Type:       "ticket.created",
		EntityKind: "ticket",
		EntityID:   t.ID,
		ToStatus:   t.Status,
		Actor:      opts.Actor,
		Payload:    events.Payload{"title": t.Title, "type": t.Type, "priority": t.Priority},
	})
	if err != nil {
		return domain.Ticket{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Ticket{}, err
	}
	return t, nil
}

// developPayload is the ticket.develop job input. Context carries reviewer
// feedback or the previous cycle's build/test error.
type developPayload struct {
	domain.JobRef
	Title    string          `json:"title"`
	Type     string          `json:"type"`
	Spec     json.RawMessage `json:"spec,omitempty"`
	DevCycle int             `json:"dev_cycle"`
	Context  string          `json:"context,omitempty"`
	Subtasks []subtaskRef    `json:"subtasks,omitempty"`
}

type subtaskRef struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Status string `json:"status"`
}

// stagePayload is the ticket.build / ticket.test job input.
type stagePayload struct {
	domain.JobRef
	Title string `json:"title"`
}

func (e Engine) enqueueDevelopTx(ctx context.Context, tx *sql.Tx, t domain.Ticket, devContext string) (domain.Job, error) {
	subtasks, err := e.Repo.ListSubtasksTx(ctx, tx, t.ID)
	if err != nil {
		return domain.Job{}, err
	}
	p := developPayload{
		JobRef:   ticketRef(t),
		Title:    t.Title,
		Type:     t.Type,
		DevCycle: t.DevCycles,
		Context:  devContext,
	}
	if t.SpecJSON != nil {
		p.Spec = json.RawMessage(*t.SpecJSON)
	}
	for _, s := range subtasks {
		p.Subtasks = append(p.Subtasks, subtaskRef{ID: s.ID, Title: s.Title, Status: s.Status})
	}
	b, err := json.Marshal(p)
	if err != nil {
		return domain.Job{}, err
	}
	return e.Queue.EnqueueTx(ctx, tx, domain.JobTicketDevelop, string(b), queue.Options{
		Priority:    t.Priority,
		MaxAttempts: e.Config.Queue.MaxAttempts,
	})
}

func (e Engine) enqueueStageTx(ctx context.Context, tx *sql.Tx, t domain.Ticket, jobType string) (domain.Job, error) {
	b, err := json.Marshal(stagePayload{JobRef: ticketRef(t), Title: t.Title})
	if err != nil {
		return domain.Job{}, err
	}
	return e.Queue.EnqueueTx(ctx, tx, jobType, string(b), queue.Options{
		Priority:    t.Priority,
		MaxAttempts: e.Config.Queue.MaxAttempts,
	})
}

func ticketRef(t domain.Ticket) domain.JobRef {
	ref := domain.JobRef{ProjectID: t.ProjectID, TicketID: t.ID}
	if t.IdeaID != nil {
		ref.IdeaID = *t.IdeaID
	}
	return ref
}

// StartTicket moves a queued ticket into development: assigns the developer
// agent and enqueues ticket.develop in the same transaction.
func (e Engine) StartTicket(ctx context.Context, ticketID, actor string) (domain.Ticket, error) {
	agent, ok := e.Config.AgentByType(domain.AgentDeveloper)
	if !ok {
		return domain.Ticket{}, invalidInput("no developer agent configured")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Ticket{}, err
	}
	defer tx.Rollback()
	t, err := e.Repo.GetTicketTx(ctx, tx, ticketID)
	if err != nil {
		return domain.Ticket{}, err
	}
	if err := ensureTicketTransition(t.ID, t.Status, domain.TicketInProgress); err != nil {
		return domain.Ticket{}, err
	}
	now := e.stamp()
	if err := e.Repo.SetTicketAssignedAgentTx(ctx, tx, t.ID, agent.ID, now); err != nil {
		return domain.Ticket{}, err
	}
	if err := e.Repo.UpdateTicketStatusTx(ctx, tx, t.ID, domain.TicketInProgress, now, nil); err != nil {
		return domain.Ticket{}, err
	}
	job, err := e.enqueueDevelopTx(ctx, tx, t, "")
	if err != nil {
		return domain.Ticket{}, err
	}
	err = e.Events.Append(ctx, tx, events.Event{
		Type:       "ticket.started",
		EntityKind: "ticket",
		EntityID:   t.ID,
		FromStatus: t.Status,
		ToStatus:   domain.TicketInProgress,
		JobID:      job.ID,
		Actor:      actor,
		Payload:    events.Payload{"assigned_agent": agent.ID},
	})
	if err != nil {
		return domain.Ticket{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Ticket{}, err
	}
	t.Status = domain.TicketInProgress
	t.AssignedAgent = &agent.ID
	t.UpdatedAt = now
	return t, nil
}

// ApproveTicket is the human sign-off on a ticket in review.
func (e Engine) ApproveTicket(ctx context.Context, ticketID, note, actor string) (domain.Ticket, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Ticket{}, err
	}
	defer tx.Rollback()
	t, err := e.Repo.GetTicketTx(ctx, tx, ticketID)
	if err != nil {
		return domain.Ticket{}, err
	}
	if err := ensureTicketTransition(t.ID, t.Status, domain.TicketDone); err != nil {
		return domain.Ticket{}, err
	}
	now := e.stamp()
	if err := e.Repo.UpdateTicketStatusTx(ctx, tx, t.ID, domain.TicketDone, now, &now); err != nil {
		return domain.Ticket{}, err
	}
	if note != "" {
		result, err := mergeJSONKey(t.ResultJSON, "approval", note)
		if err != nil {
			return domain.Ticket{}, err
		}
		if err := e.Repo.SetTicketResultTx(ctx, tx, t.ID, result, now); err != nil {
			return domain.Ticket{}, err
		}
		t.ResultJSON = &result
	}
	err = e.Events.Append(ctx, tx, events.Event{
		Type:       "ticket.done",
		EntityKind: "ticket",
		EntityID:   t.ID,
		FromStatus: t.Status,
		ToStatus:   domain.TicketDone,
		Actor:      actor,
	})
	if err != nil {
		return domain.Ticket{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Ticket{}, err
	}
	t.Status = domain.TicketDone
	t.UpdatedAt = now
	t.CompletedAt = &now
	return t, nil
}

// RequestChanges sends a ticket in review back to development with the
// reviewer's feedback as the next cycle's context.
func (e Engine) RequestChanges(ctx context.Context, ticketID, feedback, actor string) (domain.Ticket, error) {
	if feedback == "" {
		return domain.Ticket{}, invalidInput("feedback is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Ticket{}, err
	}
	defer tx.Rollback()
	t, err := e.Repo.GetTicketTx(ctx, tx, ticketID)
	if err != nil {
		return domain.Ticket{}, err
	}
	if err := ensureTicketTransition(t.ID, t.Status, domain.TicketInProgress); err != nil {
		return domain.Ticket{}, err
	}
	now := e.stamp()
	if err := e.Repo.UpdateTicketStatusTx(ctx, tx, t.ID, domain.TicketInProgress, now, nil); err != nil {
		return domain.Ticket{}, err
	}
	// The previous cycle's test pass no longer vouches for the reworked code.
	if err := e.Repo.SetTicketTestsPassedTx(ctx, tx, t.ID, false, now); err != nil {
		return domain.Ticket{}, err
	}
	// Review round-trips do not count against the fix-cycle ceiling.
	job, err := e.enqueueDevelopTx(ctx, tx, t, "reviewer feedback: "+feedback)
	if err != nil {
		return domain.Ticket{}, err
	}
	err = e.Events.Append(ctx, tx, events.Event{
		Type:       "ticket.changes_requested",
		EntityKind: "ticket",
		EntityID:   t.ID,
		FromStatus: t.Status,
		ToStatus:   domain.TicketInProgress,
		JobID:      job.ID,
		Actor:      actor,
		Payload:    events.Payload{"feedback": feedback},
	})
	if err != nil {
		return domain.Ticket{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Ticket{}, err
	}
	t.Status = domain.TicketInProgress
	t.TestsPassed = false
	t.UpdatedAt = now
	return t, nil
}

// RequeueTicket puts a blocked ticket back in line with fresh fix-cycle and
// test state; the recorded guidance reaches the agent on the next start.
func (e Engine) RequeueTicket(ctx context.Context, ticketID, guidance, actor string) (domain.Ticket, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Ticket{}, err
	}
	defer tx.Rollback()
	t, err := e.Repo.GetTicketTx(ctx, tx, ticketID)
	if err != nil {
		return domain.Ticket{}, err
	}
	if err := ensureTicketTransition(t.ID, t.Status, domain.TicketQueued); err != nil {
		return domain.Ticket{}, err
	}
	now := e.stamp()
	if err := e.Repo.UpdateTicketStatusTx(ctx, tx, t.ID, domain.TicketQueued, now, nil); err != nil {
		return domain.Ticket{}, err
	}
	if err := e.Repo.SetTicketDevCyclesTx(ctx, tx, t.ID, 0, now); err != nil {
		return domain.Ticket{}, err
	}
	if err := e.Repo.SetTicketTestsPassedTx(ctx, tx, t.ID, false, now); err != nil {
		return domain.Ticket{}, err
	}
	if guidance != "" {
		result, err := mergeJSONKey(t.ResultJSON, "guidance", guidance)
		if err != nil {
			return domain.Ticket{}, err
		}
		if err := e.Repo.SetTicketResultTx(ctx, tx, t.ID, result, now); err != nil {
			return domain.Ticket{}, err
		}
		t.ResultJSON = &result
	}
	err = e.Events.Append(ctx, tx, events.Event{
		Type:       "ticket.requeued",
		EntityKind: "ticket",
		EntityID:   t.ID,
		FromStatus: t.Status,
		ToStatus:   domain.TicketQueued,
		Actor:      actor,
		Payload:    events.Payload{"guidance": guidance},
	})
	if err != nil {
		return domain.Ticket{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Ticket{}, err
	}
	t.Status = domain.TicketQueued
	t.DevCycles = 0
	t.TestsPassed = false
	t.UpdatedAt = now
	return t, nil
}

// CancelTicket closes a ticket from any non-terminal state and cancels its
// open jobs in the same transaction.
func (e Engine) CancelTicket(ctx context.Context, ticketID, reason, actor string) (domain.Ticket, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Ticket{}, err
	}
	defer tx.Rollback()
	t, err := e.Repo.GetTicketTx(ctx, tx, ticketID)
	if err != nil {
		return domain.Ticket{}, err
	}
	if err := ensureTicketTransition(t.ID, t.Status, domain.TicketCancelled); err != nil {
		return domain.Ticket{}, err
	}
	now := e.stamp()
	if err := e.Repo.UpdateTicketStatusTx(ctx, tx, t.ID, domain.TicketCancelled, now, &now); err != nil {
		return domain.Ticket{}, err
	}
	if reason != "" {
		result, err := mergeJSONKey(t.ResultJSON, "cancellation_reason", reason)
		if err != nil {
			return domain.Ticket{}, err
		}
		if err := e.Repo.SetTicketResultTx(ctx, tx, t.ID, result, now); err != nil {
			return domain.Ticket{}, err
		}
		t.ResultJSON = &result
	}
	cancelled, err := e.Queue.CancelByRefTx(ctx, tx, "ticket_id", t.ID)
	if err != nil {
		return domain.Ticket{}, err
	}
	err = e.Events.Append(ctx, tx, events.Event{
		Type:       "ticket.cancelled",
		EntityKind: "ticket",
		EntityID:   t.ID,
		FromStatus: t.Status,
		ToStatus:   domain.TicketCancelled,
		Actor:      actor,
		Payload:    events.Payload{"reason": reason, "jobs_cancelled": cancelled},
	})
	if err != nil {
		return domain.Ticket{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Ticket{}, err
	}
	t.Status = domain.TicketCancelled
	t.UpdatedAt = now
	t.CompletedAt = &now
	return t, nil
}

// AddSubtask appends a subtask at the next order index.
func (e Engine) AddSubtask(ctx context.Context, ticketID, title, actor string) (domain.Subtask, error) {
	if title == "" {
		return domain.Subtask{}, invalidInput("title is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Subtask{}, err
	}
	defer tx.Rollback()
	t, err := e.Repo.GetTicketTx(ctx, tx, ticketID)
	if err != nil {
		return domain.Subtask{}, err
	}
	if t.Status == domain.TicketDone || t.Status == domain.TicketCancelled {
		return domain.Subtask{}, invalidInput(fmt.Sprintf("cannot add subtask to %s ticket", t.Status))
	}
	index, err := e.Repo.NextSubtaskIndexTx(ctx, tx, t.ID)
	if err != nil {
		return domain.Subtask{}, err
	}
	s := domain.Subtask{
		ID:         uuid.New().String(),
		TicketID:   t.ID,
		Title:      title,
		Status:     domain.SubtaskPending,
		OrderIndex: index,
		CreatedAt:  e.stamp(),
	}
	if err := e.Repo.InsertSubtaskTx(ctx, tx, s); err != nil {
		return domain.Subtask{}, err
	}
	err = e.Events.Append(ctx, tx, events.Event{
		Type:       "subtask.added",
		EntityKind: "subtask",
		EntityID:   s.ID,
		ToStatus:   s.Status,
		Actor:      actor,
		Payload:    events.Payload{"ticket_id": t.ID, "title": s.Title, "order_index": s.OrderIndex},
	})
	if err != nil {
		return domain.Subtask{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Subtask{}, err
	}
	return s, nil
}

func (e Engine) StartSubtask(ctx context.Context, subtaskID, actor string) (domain.Subtask, error) {
	return e.setSubtaskStatus(ctx, subtaskID, domain.SubtaskInProgress, actor)
}

func (e Engine) CompleteSubtask(ctx context.Context, subtaskID, actor string) (domain.Subtask, error) {
	return e.setSubtaskStatus(ctx, subtaskID, domain.SubtaskDone, actor)
}

func (e Engine) SkipSubtask(ctx context.Context, subtaskID, actor string) (domain.Subtask, error) {
	return e.setSubtaskStatus(ctx, subtaskID, domain.SubtaskSkipped, actor)
}

func (e Engine) BlockSubtask(ctx context.Context, subtaskID, actor string) (domain.Subtask, error) {
	return e.setSubtaskStatus(ctx, subtaskID, domain.SubtaskBlocked, actor)
}

func (e Engine) UnblockSubtask(ctx context.Context, subtaskID, actor string) (domain.Subtask, error) {
	return e.setSubtaskStatus(ctx, subtaskID, domain.SubtaskPending, actor)
}

// setSubtaskStatus applies one subtask transition; resolving transitions run
// the review rollup in the same transaction.
func (e Engine) setSubtaskStatus(ctx context.Context, subtaskID, to, actor string) (domain.Subtask, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Subtask{}, err
	}
	defer tx.Rollback()
	s, err := e.Repo.GetSubtaskTx(ctx, tx, subtaskID)
	if err != nil {
		return domain.Subtask{}, err
	}
	if err := ensureSubtaskTransition(s.ID, s.Status, to); err != nil {
		return domain.Subtask{}, err
	}
	var completedAt *string
	if to == domain.SubtaskDone || to == domain.SubtaskSkipped {
		now := e.stamp()
		completedAt = &now
	}
	if err := e.Repo.UpdateSubtaskStatusTx(ctx, tx, s.ID, to, completedAt); err != nil {
		return domain.Subtask{}, err
	}
	err = e.Events.Append(ctx, tx, events.Event{
		Type:       "subtask." + to,
		EntityKind: "subtask",
		EntityID:   s.ID,
		FromStatus: s.Status,
		ToStatus:   to,
		Actor:      actor,
		Payload:    events.Payload{"ticket_id": s.TicketID},
	})
	if err != nil {
		return domain.Subtask{}, err
	}
	if to == domain.SubtaskDone || to == domain.SubtaskSkipped {
		t, err := e.Repo.GetTicketTx(ctx, tx, s.TicketID)
		if err != nil {
			return domain.Subtask{}, err
		}
		if err := e.maybeReadyForReviewTx(ctx, tx, t, actor); err != nil {
			return domain.Subtask{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Subtask{}, err
	}
	s.Status = to
	s.CompletedAt = completedAt
	return s, nil
}

// maybeReadyForReviewTx promotes an in-progress ticket to review once both
// gates hold: tests passed and no open subtasks. Runs inside the transaction
// that satisfied the last gate, whichever it was.
func (e Engine) maybeReadyForReviewTx(ctx context.Context, tx *sql.Tx, t domain.Ticket, actor string) error {
	if t.Status != domain.TicketInProgress || !t.TestsPassed {
		return nil
	}
	open, err := e.Repo.CountOpenSubtasksTx(ctx, tx, t.ID)
	if err != nil {
		return err
	}
	if open > 0 {
		return nil
	}
	if err := ensureTicketTransition(t.ID, t.Status, domain.TicketReview); err != nil {
		return err
	}
	if err := e.Repo.UpdateTicketStatusTx(ctx, tx, t.ID, domain.TicketReview, e.stamp(), nil); err != nil {
		return err
	}
	return e.Events.Append(ctx, tx, events.Event{
		Type:       "ticket.review",
		EntityKind: "ticket",
		EntityID:   t.ID,
		FromStatus: t.Status,
		ToStatus:   domain.TicketReview,
		Actor:      actor,
	})
}
