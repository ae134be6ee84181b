package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"foundry/internal/domain"
	"foundry/internal/events"
	"foundry/internal/queue"
)

// ErrQuestionsPending gates approval while clarification is outstanding.
var ErrQuestionsPending = errors.New("idea has pending questions")

// IdeaSubmitOptions are parameters for submitting an idea.
type IdeaSubmitOptions struct {
	ProjectID   string
	Title       string
	Description string
	Priority    int
	Actor       string
}

// refinePayload is the idea.refine job input: everything the clarifier needs
// to analyze the idea, including answers gathered in earlier rounds.
type refinePayload struct {
	domain.JobRef
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Analysis    string       `json:"analysis,omitempty"`
	Answers     []answerPair `json:"answers,omitempty"`
}

type answerPair struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

func refineAnswers(questions []domain.Question) []answerPair {
	var pairs []answerPair
	for _, q := range questions {
		if q.Answer == nil {
			continue
		}
		pairs = append(pairs, answerPair{Question: q.Text, Answer: *q.Answer})
	}
	return pairs
}

func marshalRefinePayload(idea domain.Idea, answered []domain.Question) (string, error) {
	p := refinePayload{
		JobRef:      domain.JobRef{ProjectID: idea.ProjectID, IdeaID: idea.ID},
		Title:       idea.Title,
		Description: idea.Description,
		Answers:     refineAnswers(answered),
	}
	if idea.Analysis != nil {
		p.Analysis = *idea.Analysis
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// SubmitIdea creates the idea and immediately hands it to the clarifier: the
// insert, the refining transition and the idea.refine enqueue commit together.
func (e Engine) SubmitIdea(ctx context.Context, opts IdeaSubmitOptions) (domain.Idea, error) {
	if opts.Title == "" {
		return domain.Idea{}, invalidInput("title is required")
	}
	project, err := e.resolveProject(ctx, opts.ProjectID)
	if err != nil {
		return domain.Idea{}, err
	}
	now := e.stamp()
	idea := domain.Idea{
		ID:          uuid.New().String(),
		ProjectID:   project.ID,
		Title:       opts.Title,
		Description: opts.Description,
		Status:      domain.IdeaPending,
		Priority:    opts.Priority,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Idea{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertIdeaTx(ctx, tx, idea); err != nil {
		return domain.Idea{}, err
	}
	err = e.Events.Append(ctx, tx, events.Event{
		Type:       "idea.submitted",
		EntityKind: "idea",
		EntityID:   idea.ID,
		ToStatus:   idea.Status,
		Actor:      opts.Actor,
		Payload:    events.Payload{"title": idea.Title, "priority": idea.Priority},
	})
	if err != nil {
		return domain.Idea{}, err
	}
	if err := e.moveIdeaToRefining(ctx, tx, idea, opts.Actor, nil); err != nil {
		return domain.Idea{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Idea{}, err
	}
	idea.Status = domain.IdeaRefining
	idea.UpdatedAt = now
	return idea, nil
}

// moveIdeaToRefining applies the refining transition and enqueues the refine
// job in the caller's transaction. answered carries prior clarifications.
func (e Engine) moveIdeaToRefining(ctx context.Context, tx *sql.Tx, idea domain.Idea, actor string, answered []domain.Question) error {
	if err := ensureIdeaTransition(idea.ID, idea.Status, domain.IdeaRefining); err != nil {
		return err
	}
	if err := e.Repo.UpdateIdeaStatusTx(ctx, tx, idea.ID, domain.IdeaRefining, e.stamp()); err != nil {
		return err
	}
	payload, err := marshalRefinePayload(idea, answered)
	if err != nil {
		return err
	}
	job, err := e.Queue.EnqueueTx(ctx, tx, domain.JobIdeaRefine, payload, queue.Options{
		Priority:    idea.Priority,
		MaxAttempts: e.Config.Queue.MaxAttempts,
	})
	if err != nil {
		return err
	}
	return e.Events.Append(ctx, tx, events.Event{
		Type:       "idea.refining",
		EntityKind: "idea",
		EntityID:   idea.ID,
		FromStatus: idea.Status,
		ToStatus:   domain.IdeaRefining,
		JobID:      job.ID,
		Actor:      actor,
	})
}

// AnswerQuestion records an answer. Resolving the last pending question sends
// the idea back to the clarifier with all answers in the payload, in the same
// transaction.
func (e Engine) AnswerQuestion(ctx context.Context, questionID, answer, actor string) (domain.Question, error) {
	if answer == "" {
		return domain.Question{}, invalidInput("answer is required")
	}
	return e.resolveQuestion(ctx, questionID, domain.QuestionAnswered, &answer, actor)
}

// SkipQuestion resolves a question without an answer.
func (e Engine) SkipQuestion(ctx context.Context, questionID, actor string) (domain.Question, error) {
	return e.resolveQuestion(ctx, questionID, domain.QuestionSkipped, nil, actor)
}

func (e Engine) resolveQuestion(ctx context.Context, questionID, status string, answer *string, actor string) (domain.Question, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Question{}, err
	}
	defer tx.Rollback()
	q, err := e.Repo.GetQuestionTx(ctx, tx, questionID)
	if err != nil {
		return domain.Question{}, err
	}
	answeredAt := e.stamp()
	ok, err := e.Repo.ResolveQuestionTx(ctx, tx, questionID, status, answer, answeredAt)
	if err != nil {
		return domain.Question{}, err
	}
	if !ok {
		return q, &domain.TransitionError{Entity: "question", ID: questionID, From: q.Status, To: status}
	}
	q.Status = status
	q.Answer = answer
	q.AnsweredAt = &answeredAt
	err = e.Events.Append(ctx, tx, events.Event{
		Type:       "question." + status,
		EntityKind: "question",
		EntityID:   q.ID,
		FromStatus: domain.QuestionPending,
		ToStatus:   status,
		Actor:      actor,
	})
	if err != nil {
		return domain.Question{}, err
	}
	pending, err := e.Repo.CountPendingQuestionsTx(ctx, tx, q.IdeaID)
	if err != nil {
		return domain.Question{}, err
	}
	if pending == 0 {
		idea, err := e.Repo.GetIdeaTx(ctx, tx, q.IdeaID)
		if err != nil {
			return domain.Question{}, err
		}
		// A rejected idea keeps its resolved questions but never resumes.
		if idea.Status == domain.IdeaQuestions {
			answered, err := e.Repo.ListAnsweredQuestionsTx(ctx, tx, idea.ID)
			if err != nil {
				return domain.Question{}, err
			}
			if err := e.moveIdeaToRefining(ctx, tx, idea, actor, answered); err != nil {
				return domain.Question{}, err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Question{}, err
	}
	return q, nil
}

// ApproveIdea converts a refined idea into a queued ticket. Approval, ticket
// creation and conversion are one transaction; approving an already converted
// idea returns its ticket unchanged.
func (e Engine) ApproveIdea(ctx context.Context, ideaID, actor string) (domain.Ticket, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Ticket{}, err
	}
	defer tx.Rollback()
	idea, err := e.Repo.GetIdeaTx(ctx, tx, ideaID)
	if err != nil {
		return domain.Ticket{}, err
	}
	if idea.Status == domain.IdeaConverted {
		return e.Repo.TicketByIdeaTx(ctx, tx, ideaID)
	}
	pending, err := e.Repo.CountPendingQuestionsTx(ctx, tx, ideaID)
	if err != nil {
		return domain.Ticket{}, err
	}
	if pending > 0 {
		return domain.Ticket{}, ErrQuestionsPending
	}
	if err := ensureIdeaTransition(idea.ID, idea.Status, domain.IdeaApproved); err != nil {
		return domain.Ticket{}, err
	}
	now := e.stamp()
	if err := e.Repo.UpdateIdeaStatusTx(ctx, tx, idea.ID, domain.IdeaApproved, now); err != nil {
		return domain.Ticket{}, err
	}
	err = e.Events.Append(ctx, tx, events.Event{
		Type:       "idea.approved",
		EntityKind: "idea",
		EntityID:   idea.ID,
		FromStatus: idea.Status,
		ToStatus:   domain.IdeaApproved,
		Actor:      actor,
	})
	if err != nil {
		return domain.Ticket{}, err
	}

	answered, err := e.Repo.ListAnsweredQuestionsTx(ctx, tx, idea.ID)
	if err != nil {
		return domain.Ticket{}, err
	}
	spec, err := marshalTicketSpec(idea, answered)
	if err != nil {
		return domain.Ticket{}, err
	}
	ticket := domain.Ticket{
		ID:        uuid.New().String(),
		ProjectID: idea.ProjectID,
		IdeaID:    &idea.ID,
		Type:      "feature",
		Title:     idea.Title,
		Status:    domain.TicketQueued,
		Priority:  idea.Priority,
		SpecJSON:  &spec,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.Repo.InsertTicketTx(ctx, tx, ticket); err != nil {
		return domain.Ticket{}, err
	}
	err = e.Events.Append(ctx, tx, events.Event{
		Type:       "ticket.created",
		EntityKind: "ticket",
		EntityID:   ticket.ID,
		ToStatus:   ticket.Status,
		Actor:      actor,
		Payload:    events.Payload{"idea_id": idea.ID, "title": ticket.Title},
	})
	if err != nil {
		return domain.Ticket{}, err
	}

	if err := ensureIdeaTransition(idea.ID, domain.IdeaApproved, domain.IdeaConverted); err != nil {
		return domain.Ticket{}, err
	}
	if err := e.Repo.UpdateIdeaStatusTx(ctx, tx, idea.ID, domain.IdeaConverted, now); err != nil {
		return domain.Ticket{}, err
	}
	err = e.Events.Append(ctx, tx, events.Event{
		Type:       "idea.converted",
		EntityKind: "idea",
		EntityID:   idea.ID,
		FromStatus: domain.IdeaApproved,
		ToStatus:   domain.IdeaConverted,
		Actor:      actor,
		Payload:    events.Payload{"ticket_id": ticket.ID},
	})
	if err != nil {
		return domain.Ticket{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Ticket{}, err
	}
	return ticket, nil
}

// ticketSpec is the frozen input contract for the development agent, built
// from the idea at conversion time.
type ticketSpec struct {
	IdeaID      string       `json:"idea_id"`
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Analysis    string       `json:"analysis,omitempty"`
	Answers     []answerPair `json:"answers,omitempty"`
}

func marshalTicketSpec(idea domain.Idea, answered []domain.Question) (string, error) {
	spec := ticketSpec{
		IdeaID:      idea.ID,
		Title:       idea.Title,
		Description: idea.Description,
		Answers:     refineAnswers(answered),
	}
	if idea.Analysis != nil {
		spec.Analysis = *idea.Analysis
	}
	b, err := json.Marshal(spec)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// RejectIdea closes an idea from any state short of converted or rejected.
func (e Engine) RejectIdea(ctx context.Context, ideaID, reason, actor string) (domain.Idea, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Idea{}, err
	}
	defer tx.Rollback()
	idea, err := e.Repo.GetIdeaTx(ctx, tx, ideaID)
	if err != nil {
		return domain.Idea{}, err
	}
	if err := ensureIdeaTransition(idea.ID, idea.Status, domain.IdeaRejected); err != nil {
		return domain.Idea{}, err
	}
	now := e.stamp()
	if err := e.Repo.UpdateIdeaStatusTx(ctx, tx, idea.ID, domain.IdeaRejected, now); err != nil {
		return domain.Idea{}, err
	}
	if reason != "" {
		meta, err := mergeJSONKey(idea.MetadataJSON, "rejection_reason", reason)
		if err != nil {
			return domain.Idea{}, err
		}
		if err := e.Repo.SetIdeaMetadataTx(ctx, tx, idea.ID, meta, now); err != nil {
			return domain.Idea{}, err
		}
		idea.MetadataJSON = &meta
	}
	err = e.Events.Append(ctx, tx, events.Event{
		Type:       "idea.rejected",
		EntityKind: "idea",
		EntityID:   idea.ID,
		FromStatus: idea.Status,
		ToStatus:   domain.IdeaRejected,
		Actor:      actor,
		Payload:    events.Payload{"reason": reason},
	})
	if err != nil {
		return domain.Idea{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Idea{}, err
	}
	idea.Status = domain.IdeaRejected
	idea.UpdatedAt = now
	return idea, nil
}

// mergeJSONKey sets one key in a JSON object column, preserving the rest.
func mergeJSONKey(existing *string, key, value string) (string, error) {
	obj := map[string]any{}
	if existing != nil && *existing != "" {
		if err := json.Unmarshal([]byte(*existing), &obj); err != nil {
			return "", err
		}
	}
	obj[key] = value
	b, err := json.Marshal(obj)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
