// Package engine owns the idea and ticket pipelines: every status change runs
// through a transition guard inside one transaction together with its job
// enqueues and its event, so entity state and queue state cannot drift apart.
package engine

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"foundry/internal/config"
	"foundry/internal/domain"
	"foundry/internal/events"
	"foundry/internal/queue"
	"foundry/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Queue  queue.Queue
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	ev := events.Writer{DB: db}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Queue:  queue.Queue{DB: db, Events: ev},
		Events: ev,
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// ValidationError marks bad input as opposed to bad state; the API maps it
// to 400 where transition violations map to 409.
type ValidationError struct {
	Msg string
}

func (v *ValidationError) Error() string { return v.Msg }

func invalidInput(msg string) error {
	return &ValidationError{Msg: msg}
}

// CreateProject registers a project. The workspace usually holds exactly one;
// multi-project workspaces must name the project on scoped calls.
func (e Engine) CreateProject(ctx context.Context, name, description, actor string) (domain.Project, error) {
	if name == "" {
		return domain.Project{}, invalidInput("project name is required")
	}
	p := domain.Project{
		ID:          uuid.New().String(),
		Name:        name,
		Description: description,
		Status:      "active",
		CreatedAt:   e.stamp(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO projects(id,name,description,status,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.Name, nullable(p.Description), p.Status, p.CreatedAt); err != nil {
		return domain.Project{}, err
	}
	err = e.Events.Append(ctx, tx, events.Event{
		Type:       "project.created",
		EntityKind: "project",
		EntityID:   p.ID,
		Actor:      actor,
		Payload:    events.Payload{"name": p.Name},
	})
	if err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// SyncAgents mirrors the configured agent roster into the store so runs and
// tickets can reference agents by id. Called at startup by serve and worker.
func (e Engine) SyncAgents(ctx context.Context) error {
	if e.Config == nil {
		return invalidInput("config not loaded")
	}
	now := e.stamp()
	for _, a := range e.Config.Agents {
		err := e.Repo.UpsertAgent(ctx, domain.Agent{
			ID:               a.ID,
			Name:             a.Name,
			Type:             a.Type,
			Model:            a.Model,
			TimeoutSeconds:   a.TimeoutSeconds,
			MaxConcurrency:   a.MaxConcurrency,
			EstimatedCostUSD: a.EstimatedCostUSD,
			CreatedAt:        now,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// resolveProject returns the scoped project, falling back to the single
// project of the workspace when the id is empty.
func (e Engine) resolveProject(ctx context.Context, projectID string) (domain.Project, error) {
	if projectID != "" {
		return e.Repo.GetProject(ctx, projectID)
	}
	return e.Repo.SingleProject(ctx)
}

func ensureIdeaTransition(id, from, to string) error {
	switch from {
	case domain.IdeaPending:
		if to == domain.IdeaRefining || to == domain.IdeaRejected {
			return nil
		}
	case domain.IdeaRefining:
		if to == domain.IdeaQuestions || to == domain.IdeaApproved || to == domain.IdeaRejected {
			return nil
		}
	case domain.IdeaQuestions:
		if to == domain.IdeaRefining || to == domain.IdeaRejected {
			return nil
		}
	case domain.IdeaApproved:
		if to == domain.IdeaConverted || to == domain.IdeaRejected {
			return nil
		}
	}
	return &domain.TransitionError{Entity: "idea", ID: id, From: from, To: to}
}

func ensureTicketTransition(id, from, to string) error {
	switch from {
	case domain.TicketQueued:
		if to == domain.TicketInProgress || to == domain.TicketCancelled {
			return nil
		}
	case domain.TicketInProgress:
		if to == domain.TicketReview || to == domain.TicketBlocked || to == domain.TicketCancelled {
			return nil
		}
	case domain.TicketReview:
		if to == domain.TicketDone || to == domain.TicketInProgress || to == domain.TicketCancelled {
			return nil
		}
	case domain.TicketBlocked:
		if to == domain.TicketQueued || to == domain.TicketCancelled {
			return nil
		}
	}
	return &domain.TransitionError{Entity: "ticket", ID: id, From: from, To: to}
}

func ensureSubtaskTransition(id, from, to string) error {
	switch from {
	case domain.SubtaskPending:
		if to == domain.SubtaskInProgress || to == domain.SubtaskDone || to == domain.SubtaskSkipped || to == domain.SubtaskBlocked {
			return nil
		}
	case domain.SubtaskInProgress:
		if to == domain.SubtaskDone || to == domain.SubtaskSkipped || to == domain.SubtaskBlocked {
			return nil
		}
	case domain.SubtaskBlocked:
		if to == domain.SubtaskPending || to == domain.SubtaskInProgress {
			return nil
		}
	}
	return &domain.TransitionError{Entity: "subtask", ID: id, From: from, To: to}
}

// --- helpers ---

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
