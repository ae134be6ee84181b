package domain

import "errors"

// ErrNotFound is returned by the repo and the queue when a row does not exist.
var ErrNotFound = errors.New("not found")

// Job statuses.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobDone      = "done"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
)

// Job types understood by the dispatcher.
const (
	JobIdeaRefine    = "idea.refine"
	JobTicketDevelop = "ticket.develop"
	JobTicketBuild   = "ticket.build"
	JobTicketTest    = "ticket.test"
)

// Idea statuses.
const (
	IdeaPending   = "pending"
	IdeaRefining  = "refining"
	IdeaQuestions = "questions"
	IdeaApproved  = "approved"
	IdeaRejected  = "rejected"
	IdeaConverted = "converted"
)

// Question statuses.
const (
	QuestionPending  = "pending"
	QuestionAnswered = "answered"
	QuestionSkipped  = "skipped"
)

// Ticket statuses.
const (
	TicketQueued     = "queued"
	TicketInProgress = "in_progress"
	TicketReview     = "review"
	TicketBlocked    = "blocked"
	TicketDone       = "done"
	TicketCancelled  = "cancelled"
)

// Subtask statuses.
const (
	SubtaskPending    = "pending"
	SubtaskInProgress = "in_progress"
	SubtaskDone       = "done"
	SubtaskSkipped    = "skipped"
	SubtaskBlocked    = "blocked"
)

// AgentRun statuses.
const (
	RunRunning   = "running"
	RunSuccess   = "success"
	RunFailed    = "failed"
	RunCancelled = "cancelled"
)

// Agent types.
const (
	AgentClarifier = "clarifier"
	AgentDeveloper = "developer"
	AgentBuilder   = "builder"
	AgentTester    = "tester"
)

type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Idea struct {
	ID           string  `json:"id"`
	ProjectID    string  `json:"project_id"`
	Title        string  `json:"title"`
	Description  string  `json:"description,omitempty"`
	Status       string  `json:"status" enum:"pending,refining,questions,approved,rejected,converted"`
	Priority     int     `json:"priority"`
	Analysis     *string `json:"analysis,omitempty"`
	MetadataJSON *string `json:"metadata_json,omitempty"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	UpdatedAt    string  `json:"updated_at" format:"date-time"`
}

type Question struct {
	ID         string  `json:"id"`
	IdeaID     string  `json:"idea_id"`
	Text       string  `json:"question"`
	Context    string  `json:"context,omitempty"`
	Status     string  `json:"status" enum:"pending,answered,skipped"`
	Answer     *string `json:"answer,omitempty"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	AnsweredAt *string `json:"answered_at,omitempty" format:"date-time"`
}

type Ticket struct {
	ID            string  `json:"id"`
	ProjectID     string  `json:"project_id"`
	IdeaID        *string `json:"idea_id,omitempty"`
	Type          string  `json:"type" enum:"feature,bugfix,refactor,chore"`
	Title         string  `json:"title"`
	Status        string  `json:"status" enum:"queued,in_progress,review,blocked,done,cancelled"`
	Priority      int     `json:"priority"`
	AssignedAgent *string `json:"assigned_agent,omitempty"`
	SpecJSON      *string `json:"spec_json,omitempty"`
	ResultJSON    *string `json:"result_json,omitempty"`
	DevCycles     int     `json:"dev_cycles"`
	TestsPassed   bool    `json:"tests_passed"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	UpdatedAt     string  `json:"updated_at" format:"date-time"`
	CompletedAt   *string `json:"completed_at,omitempty" format:"date-time"`
}

type Subtask struct {
	ID          string  `json:"id"`
	TicketID    string  `json:"ticket_id"`
	Title       string  `json:"title"`
	Status      string  `json:"status" enum:"pending,in_progress,done,skipped,blocked"`
	OrderIndex  int     `json:"order_index"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

type Agent struct {
	ID               string  `json:"id"`
	Name             string  `json:"name"`
	Type             string  `json:"type" enum:"clarifier,developer,builder,tester"`
	Model            string  `json:"model"`
	TimeoutSeconds   int     `json:"timeout_seconds"`
	MaxConcurrency   int     `json:"max_concurrency"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
}

type Job struct {
	ID          string  `json:"id"`
	Type        string  `json:"type"`
	Payload     string  `json:"payload_json"`
	Status      string  `json:"status" enum:"pending,running,done,failed,cancelled"`
	Priority    int     `json:"priority"`
	Attempts    int     `json:"attempts"`
	MaxAttempts int     `json:"max_attempts"`
	ScheduledAt string  `json:"scheduled_at" format:"date-time"`
	StartedAt   *string `json:"started_at,omitempty" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
	Error       *string `json:"error,omitempty"`
	Result      *string `json:"result_json,omitempty"`
}

// JobRef is the common job payload envelope linking a job back to the
// pipeline entities it works on. Job-type specific payloads embed it.
type JobRef struct {
	ProjectID string `json:"project_id,omitempty"`
	IdeaID    string `json:"idea_id,omitempty"`
	TicketID  string `json:"ticket_id,omitempty"`
}

type AgentRun struct {
	ID           string  `json:"id"`
	AgentID      string  `json:"agent_id"`
	JobID        *string `json:"job_id,omitempty"`
	ProjectID    *string `json:"project_id,omitempty"`
	TicketID     *string `json:"ticket_id,omitempty"`
	IdeaID       *string `json:"idea_id,omitempty"`
	Status       string  `json:"status" enum:"running,success,failed,cancelled"`
	Input        string  `json:"input_json,omitempty"`
	Output       *string `json:"output_json,omitempty"`
	Error        *string `json:"error,omitempty"`
	Model        string  `json:"model,omitempty"`
	TokensInput  int     `json:"tokens_input"`
	TokensOutput int     `json:"tokens_output"`
	TokensUsed   int     `json:"tokens_used"`
	CostUSD      float64 `json:"cost_usd"`
	StartedAt    string  `json:"started_at" format:"date-time"`
	CompletedAt  *string `json:"completed_at,omitempty" format:"date-time"`
}

type RunLog struct {
	ID      int64  `json:"id"`
	RunID   string `json:"run_id"`
	TS      string `json:"ts" format:"date-time"`
	Level   string `json:"level"`
	Message string `json:"message"`
}

type UsageRecord struct {
	ID           int64   `json:"id"`
	RunID        string  `json:"run_id"`
	ProjectID    *string `json:"project_id,omitempty"`
	AgentID      string  `json:"agent_id"`
	Model        string  `json:"model,omitempty"`
	TokensInput  int     `json:"tokens_input"`
	TokensOutput int     `json:"tokens_output"`
	CostUSD      float64 `json:"cost_usd"`
	RecordedAt   string  `json:"recorded_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	FromStatus string `json:"from_status,omitempty"`
	ToStatus   string `json:"to_status,omitempty"`
	JobID      string `json:"job_id,omitempty"`
	Actor      string `json:"actor,omitempty"`
	Payload    string `json:"payload_json,omitempty"`
}
