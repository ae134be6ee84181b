package engine

import (
	"context"

	"foundry/internal/domain"
)

// Attention aggregates everything waiting on a human: clarifier questions,
// blocked tickets, tickets awaiting review, and jobs out of retries. Pure
// read side; nothing here mutates state.
type Attention struct {
	PendingQuestions []domain.Question `json:"pending_questions,omitempty"`
	BlockedTickets   []domain.Ticket   `json:"blocked_tickets,omitempty"`
	ReviewTickets    []domain.Ticket   `json:"review_tickets,omitempty"`
	FailedJobs       []domain.Job      `json:"failed_jobs,omitempty"`
}

func (a Attention) Empty() bool {
	return len(a.PendingQuestions) == 0 && len(a.BlockedTickets) == 0 &&
		len(a.ReviewTickets) == 0 && len(a.FailedJobs) == 0
}

func (e Engine) NeedsAttention(ctx context.Context, projectID string) (Attention, error) {
	var a Attention
	questions, err := e.Repo.ListQuestions(ctx, "", domain.QuestionPending, 0)
	if err != nil {
		return a, err
	}
	a.PendingQuestions = questions
	blocked, err := e.Repo.ListTickets(ctx, projectID, domain.TicketBlocked, 0)
	if err != nil {
		return a, err
	}
	a.BlockedTickets = blocked
	review, err := e.Repo.ListTickets(ctx, projectID, domain.TicketReview, 0)
	if err != nil {
		return a, err
	}
	a.ReviewTickets = review
	failed, err := e.Queue.List(ctx, domain.JobFailed, "", 0)
	if err != nil {
		return a, err
	}
	a.FailedJobs = failed
	return a, nil
}
