package server

import (
	"foundry/internal/domain"
)

// Request payloads

type CreateProjectRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type SubmitIdeaRequest struct {
	ProjectID   string `json:"project_id,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Priority    int    `json:"priority,omitempty"`
}

type RejectIdeaRequest struct {
	Reason string `json:"reason,omitempty"`
}

type AnswerQuestionRequest struct {
	Answer string `json:"answer"`
}

type CreateTicketRequest struct {
	ProjectID string         `json:"project_id,omitempty"`
	Type      string         `json:"type,omitempty" enum:"feature,bugfix,refactor,chore"`
	Title     string         `json:"title"`
	Priority  int            `json:"priority,omitempty"`
	Spec      map[string]any `json:"spec,omitempty"`
}

type ApproveTicketRequest struct {
	Note string `json:"note,omitempty"`
}

type RequestChangesRequest struct {
	Feedback string `json:"feedback"`
}

type CancelTicketRequest struct {
	Reason string `json:"reason,omitempty"`
}

type RequeueTicketRequest struct {
	Guidance string `json:"guidance,omitempty"`
}

type AddSubtaskRequest struct {
	Title string `json:"title"`
}

// Composite responses. Single entities reuse the domain structs directly;
// these bundle the child rows the detail endpoints return alongside.

type IdeaDetail struct {
	domain.Idea
	Questions []domain.Question `json:"questions"`
}

type TicketDetail struct {
	domain.Ticket
	Subtasks []domain.Subtask `json:"subtasks"`
}

type RunDetail struct {
	domain.AgentRun
	Logs []domain.RunLog `json:"logs"`
}

type StatusResponse struct {
	Ideas   map[string]int `json:"ideas"`
	Tickets map[string]int `json:"tickets"`
	Jobs    map[string]int `json:"jobs"`
}

type BudgetWindowResponse struct {
	Scope        string  `json:"scope" enum:"agent_run,project_day,global_day,global_month"`
	LimitUSD     float64 `json:"limit_usd"`
	SpentUSD     float64 `json:"spent_usd"`
	RemainingUSD float64 `json:"remaining_usd"`
}

type BudgetResponse struct {
	Windows []BudgetWindowResponse `json:"windows"`
}
