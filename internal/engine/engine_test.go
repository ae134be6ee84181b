package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"foundry/internal/config"
	"foundry/internal/db"
	"foundry/internal/domain"
	"foundry/internal/engine"
	"foundry/internal/migrate"
	"foundry/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("proj-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	eng.Queue.Now = eng.Now
	ctx := context.Background()
	err = (repo.Repo{DB: conn}).InsertProject(ctx, domain.Project{
		ID: "proj-1", Name: "proj-1", Status: "active", CreatedAt: "2024-01-01T00:00:00Z",
	})
	if err != nil {
		t.Fatalf("seed project: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

// claimJob claims the next due job and asserts its type.
func claimJob(t *testing.T, env testEnv, jobType string) domain.Job {
	t.Helper()
	jobs, err := env.Engine.Queue.Claim(env.Ctx, 1)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("no due %s job", jobType)
	}
	if jobs[0].Type != jobType {
		t.Fatalf("claimed %s job, want %s", jobs[0].Type, jobType)
	}
	return jobs[0]
}

func applyOutcome(t *testing.T, env testEnv, job domain.Job, output string) {
	t.Helper()
	if err := env.Engine.ApplyJobOutcome(env.Ctx, job, output, "agent"); err != nil {
		t.Fatalf("apply %s outcome: %v", job.Type, err)
	}
}

func TestSubmitIdeaStartsRefinement(t *testing.T) {
	env := newTestEnv(t)
	idea, err := env.Engine.SubmitIdea(env.Ctx, engine.IdeaSubmitOptions{
		Title:       "Dark mode",
		Description: "Theme toggle for the dashboard",
		Priority:    5,
		Actor:       "tester",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if idea.Status != domain.IdeaRefining {
		t.Fatalf("idea status %q, want refining", idea.Status)
	}
	jobs, err := env.Engine.Queue.List(env.Ctx, domain.JobPending, domain.JobIdeaRefine, 0)
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("%d refine jobs, want 1", len(jobs))
	}
	if jobs[0].Priority != 5 {
		t.Fatalf("job priority %d, want the idea's", jobs[0].Priority)
	}
	var payload struct {
		IdeaID string `json:"idea_id"`
		Title  string `json:"title"`
	}
	if err := json.Unmarshal([]byte(jobs[0].Payload), &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.IdeaID != idea.ID || payload.Title != "Dark mode" {
		t.Fatalf("payload %+v does not reference the idea", payload)
	}
	var count int
	row := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT count(*) FROM events WHERE entity_id=?`, idea.ID)
	if err := row.Scan(&count); err != nil {
		t.Fatalf("count events: %v", err)
	}
	if count < 2 {
		t.Fatalf("%d events for submit+refining, want at least 2", count)
	}
	if _, err := env.Engine.SubmitIdea(env.Ctx, engine.IdeaSubmitOptions{Actor: "tester"}); err == nil {
		t.Fatalf("expected error for missing title")
	}
}

func TestRefineOutcomeRaisesQuestions(t *testing.T) {
	env := newTestEnv(t)
	idea, err := env.Engine.SubmitIdea(env.Ctx, engine.IdeaSubmitOptions{Title: "Search", Actor: "tester"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	job := claimJob(t, env, domain.JobIdeaRefine)
	applyOutcome(t, env, job, `{"analysis":"needs scoping","questions":[{"question":"Which fields?","context":"index size"},{"question":"Fuzzy matching?"}]}`)

	got, err := env.Engine.Repo.GetIdea(env.Ctx, idea.ID)
	if err != nil {
		t.Fatalf("get idea: %v", err)
	}
	if got.Status != domain.IdeaQuestions {
		t.Fatalf("idea status %q, want questions", got.Status)
	}
	if got.Analysis == nil || *got.Analysis != "needs scoping" {
		t.Fatalf("analysis not stored: %v", got.Analysis)
	}
	questions, err := env.Engine.Repo.ListQuestions(env.Ctx, idea.ID, domain.QuestionPending, 0)
	if err != nil {
		t.Fatalf("list questions: %v", err)
	}
	if len(questions) != 2 {
		t.Fatalf("%d pending questions, want 2", len(questions))
	}
	if _, err := env.Engine.ApproveIdea(env.Ctx, idea.ID, "tester"); !errors.Is(err, engine.ErrQuestionsPending) {
		t.Fatalf("approve with pending questions: %v", err)
	}
}

func TestAnsweringLastQuestionResumesRefinement(t *testing.T) {
	env := newTestEnv(t)
	idea, err := env.Engine.SubmitIdea(env.Ctx, engine.IdeaSubmitOptions{Title: "Export", Actor: "tester"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	job := claimJob(t, env, domain.JobIdeaRefine)
	applyOutcome(t, env, job, `{"questions":[{"question":"CSV or JSON?"},{"question":"Row limit?"}]}`)
	questions, err := env.Engine.Repo.ListQuestions(env.Ctx, idea.ID, domain.QuestionPending, 0)
	if err != nil || len(questions) != 2 {
		t.Fatalf("expected 2 pending questions: %v", err)
	}

	// first answer leaves one question open, the idea stays put
	q, err := env.Engine.AnswerQuestion(env.Ctx, questions[0].ID, "CSV", "tester")
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if q.Status != domain.QuestionAnswered || q.Answer == nil || *q.Answer != "CSV" {
		t.Fatalf("answered question %+v", q)
	}
	got, _ := env.Engine.Repo.GetIdea(env.Ctx, idea.ID)
	if got.Status != domain.IdeaQuestions {
		t.Fatalf("idea moved early: %q", got.Status)
	}

	// resolving the last question resumes refinement with the answers on board
	if _, err := env.Engine.SkipQuestion(env.Ctx, questions[1].ID, "tester"); err != nil {
		t.Fatalf("skip: %v", err)
	}
	got, _ = env.Engine.Repo.GetIdea(env.Ctx, idea.ID)
	if got.Status != domain.IdeaRefining {
		t.Fatalf("idea status %q, want refining", got.Status)
	}
	job = claimJob(t, env, domain.JobIdeaRefine)
	var payload struct {
		Answers []struct {
			Question string `json:"question"`
			Answer   string `json:"answer"`
		} `json:"answers"`
	}
	if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if len(payload.Answers) != 1 || payload.Answers[0].Answer != "CSV" {
		t.Fatalf("payload answers %+v, want the one answered question", payload.Answers)
	}

	// analysis-only outcome leaves the idea approvable
	applyOutcome(t, env, job, `{"analysis":"ship a csv exporter"}`)
	ticket, err := env.Engine.ApproveIdea(env.Ctx, idea.ID, "tester")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if ticket.Status != domain.TicketQueued || ticket.IdeaID == nil || *ticket.IdeaID != idea.ID {
		t.Fatalf("ticket %+v not queued from idea", ticket)
	}
	if ticket.SpecJSON == nil || !strings.Contains(*ticket.SpecJSON, "csv exporter") {
		t.Fatalf("spec missing analysis: %v", ticket.SpecJSON)
	}
	got, _ = env.Engine.Repo.GetIdea(env.Ctx, idea.ID)
	if got.Status != domain.IdeaConverted {
		t.Fatalf("idea status %q, want converted", got.Status)
	}

	// approving again returns the same ticket
	again, err := env.Engine.ApproveIdea(env.Ctx, idea.ID, "tester")
	if err != nil {
		t.Fatalf("second approve: %v", err)
	}
	if again.ID != ticket.ID {
		t.Fatalf("second approve created ticket %s, want %s", again.ID, ticket.ID)
	}
}

func TestRejectIdeaRecordsReason(t *testing.T) {
	env := newTestEnv(t)
	idea, err := env.Engine.SubmitIdea(env.Ctx, engine.IdeaSubmitOptions{Title: "Blockchain sync", Actor: "tester"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	rejected, err := env.Engine.RejectIdea(env.Ctx, idea.ID, "out of scope", "tester")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != domain.IdeaRejected {
		t.Fatalf("idea status %q, want rejected", rejected.Status)
	}
	if rejected.MetadataJSON == nil || !strings.Contains(*rejected.MetadataJSON, "out of scope") {
		t.Fatalf("reason not recorded: %v", rejected.MetadataJSON)
	}
	var te *domain.TransitionError
	if _, err := env.Engine.RejectIdea(env.Ctx, idea.ID, "", "tester"); !errors.As(err, &te) {
		t.Fatalf("second reject: %v", err)
	}
}

func TestTicketPipelineToApproval(t *testing.T) {
	env := newTestEnv(t)
	ticket, err := env.Engine.CreateTicket(env.Ctx, engine.TicketCreateOptions{Title: "Add pagination", Actor: "tester"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if ticket.Status != domain.TicketQueued || ticket.Type != "feature" {
		t.Fatalf("ticket %+v, want queued feature", ticket)
	}
	ticket, err = env.Engine.StartTicket(env.Ctx, ticket.ID, "tester")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if ticket.Status != domain.TicketInProgress || ticket.AssignedAgent == nil {
		t.Fatalf("started ticket %+v", ticket)
	}

	// the develop outcome plans subtasks and hands off to the build stage
	job := claimJob(t, env, domain.JobTicketDevelop)
	applyOutcome(t, env, job, `{"summary":"implemented paging","subtasks":["backend cursor","ui controls"]}`)
	subtasks, err := env.Engine.Repo.ListSubtasks(env.Ctx, ticket.ID)
	if err != nil {
		t.Fatalf("list subtasks: %v", err)
	}
	if len(subtasks) != 2 {
		t.Fatalf("%d subtasks created, want 2", len(subtasks))
	}

	job = claimJob(t, env, domain.JobTicketBuild)
	applyOutcome(t, env, job, `{"ok":true}`)
	job = claimJob(t, env, domain.JobTicketTest)
	applyOutcome(t, env, job, `{"ok":true,"passed":12}`)

	// tests pass but open subtasks hold the ticket back
	got, _ := env.Engine.Repo.GetTicket(env.Ctx, ticket.ID)
	if !got.TestsPassed {
		t.Fatalf("tests_passed not set")
	}
	if got.Status != domain.TicketInProgress {
		t.Fatalf("ticket status %q, want in_progress while subtasks stay open", got.Status)
	}
	if _, err := env.Engine.CompleteSubtask(env.Ctx, subtasks[0].ID, "tester"); err != nil {
		t.Fatalf("complete subtask: %v", err)
	}
	got, _ = env.Engine.Repo.GetTicket(env.Ctx, ticket.ID)
	if got.Status != domain.TicketInProgress {
		t.Fatalf("ticket moved with one subtask open: %q", got.Status)
	}

	// skipping counts as closing; both gates now hold
	skipped, err := env.Engine.SkipSubtask(env.Ctx, subtasks[1].ID, "tester")
	if err != nil {
		t.Fatalf("skip subtask: %v", err)
	}
	if skipped.CompletedAt == nil {
		t.Fatalf("skipped subtask has no completed_at")
	}
	got, _ = env.Engine.Repo.GetTicket(env.Ctx, ticket.ID)
	if got.Status != domain.TicketReview {
		t.Fatalf("ticket status %q, want review", got.Status)
	}

	done, err := env.Engine.ApproveTicket(env.Ctx, ticket.ID, "looks good", "tester")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if done.Status != domain.TicketDone || done.CompletedAt == nil {
		t.Fatalf("approved ticket %+v", done)
	}
	if done.ResultJSON == nil || !strings.Contains(*done.ResultJSON, "looks good") {
		t.Fatalf("approval note not recorded: %v", done.ResultJSON)
	}
	var te *domain.TransitionError
	if _, err := env.Engine.ApproveTicket(env.Ctx, ticket.ID, "", "tester"); !errors.As(err, &te) {
		t.Fatalf("approve done ticket: %v", err)
	}
}

func TestBuildFailureEntersFixLoopAndBlocks(t *testing.T) {
	env := newTestEnv(t)
	ticket, err := env.Engine.CreateTicket(env.Ctx, engine.TicketCreateOptions{Title: "Refactor auth", Type: "refactor", Actor: "tester"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.Engine.StartTicket(env.Ctx, ticket.ID, "tester"); err != nil {
		t.Fatalf("start: %v", err)
	}

	// each build failure buys another development cycle until the ceiling
	for cycle := 1; cycle < env.Engine.Config.Pipeline.MaxDevCycles; cycle++ {
		job := claimJob(t, env, domain.JobTicketDevelop)
		applyOutcome(t, env, job, `{}`)
		job = claimJob(t, env, domain.JobTicketBuild)
		applyOutcome(t, env, job, `{"ok":false,"error":"compile error"}`)
		got, _ := env.Engine.Repo.GetTicket(env.Ctx, ticket.ID)
		if got.DevCycles != cycle {
			t.Fatalf("dev_cycles %d after failure %d", got.DevCycles, cycle)
		}
		if got.Status != domain.TicketInProgress {
			t.Fatalf("ticket status %q before the ceiling", got.Status)
		}
		next, err := env.Engine.Queue.List(env.Ctx, domain.JobPending, domain.JobTicketDevelop, 0)
		if err != nil || len(next) != 1 {
			t.Fatalf("expected a follow-up develop job: %v", err)
		}
		var payload struct {
			Context  string `json:"context"`
			DevCycle int    `json:"dev_cycle"`
		}
		if err := json.Unmarshal([]byte(next[0].Payload), &payload); err != nil {
			t.Fatalf("payload: %v", err)
		}
		if !strings.Contains(payload.Context, "build failed: compile error") {
			t.Fatalf("fix context %q missing the cause", payload.Context)
		}
		if payload.DevCycle != cycle {
			t.Fatalf("payload dev_cycle %d, want %d", payload.DevCycle, cycle)
		}
	}

	// the failure that reaches the ceiling blocks the ticket instead
	job := claimJob(t, env, domain.JobTicketDevelop)
	applyOutcome(t, env, job, `{}`)
	job = claimJob(t, env, domain.JobTicketBuild)
	applyOutcome(t, env, job, `{"ok":false,"error":"compile error"}`)
	got, _ := env.Engine.Repo.GetTicket(env.Ctx, ticket.ID)
	if got.Status != domain.TicketBlocked {
		t.Fatalf("ticket status %q, want blocked at the ceiling", got.Status)
	}
	if got.ResultJSON == nil || !strings.Contains(*got.ResultJSON, "build failed") {
		t.Fatalf("last_error not recorded: %v", got.ResultJSON)
	}
	if pending, _ := env.Engine.Queue.List(env.Ctx, domain.JobPending, "", 0); len(pending) != 0 {
		t.Fatalf("%d jobs still pending after block", len(pending))
	}

	// requeue resets the loop state and records the guidance
	requeued, err := env.Engine.RequeueTicket(env.Ctx, ticket.ID, "pin the compiler version", "tester")
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if requeued.Status != domain.TicketQueued || requeued.DevCycles != 0 || requeued.TestsPassed {
		t.Fatalf("requeued ticket %+v", requeued)
	}
	if requeued.ResultJSON == nil || !strings.Contains(*requeued.ResultJSON, "pin the compiler") {
		t.Fatalf("guidance not recorded: %v", requeued.ResultJSON)
	}
}

func TestTestFailureResetsTestsPassed(t *testing.T) {
	env := newTestEnv(t)
	ticket, err := env.Engine.CreateTicket(env.Ctx, engine.TicketCreateOptions{Title: "Fix timezone bug", Type: "bugfix", Actor: "tester"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.Engine.StartTicket(env.Ctx, ticket.ID, "tester"); err != nil {
		t.Fatalf("start: %v", err)
	}
	job := claimJob(t, env, domain.JobTicketDevelop)
	applyOutcome(t, env, job, `{}`)
	job = claimJob(t, env, domain.JobTicketBuild)
	applyOutcome(t, env, job, `{"ok":true}`)
	job = claimJob(t, env, domain.JobTicketTest)
	applyOutcome(t, env, job, `{"ok":false,"failed":2,"error":"2 tests failed"}`)

	got, _ := env.Engine.Repo.GetTicket(env.Ctx, ticket.ID)
	if got.TestsPassed {
		t.Fatalf("tests_passed survived a failing run")
	}
	if got.DevCycles != 1 {
		t.Fatalf("dev_cycles %d, want 1", got.DevCycles)
	}
	next, err := env.Engine.Queue.List(env.Ctx, domain.JobPending, domain.JobTicketDevelop, 0)
	if err != nil || len(next) != 1 {
		t.Fatalf("expected a fix develop job: %v", err)
	}
	if !strings.Contains(next[0].Payload, "tests failed: 2 tests failed") {
		t.Fatalf("fix context missing: %s", next[0].Payload)
	}
}

func TestRequestChangesRestartsDevelopment(t *testing.T) {
	env := newTestEnv(t)
	ticket, err := env.Engine.CreateTicket(env.Ctx, engine.TicketCreateOptions{Title: "CSV export", Actor: "tester"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.Engine.StartTicket(env.Ctx, ticket.ID, "tester"); err != nil {
		t.Fatalf("start: %v", err)
	}
	// no subtasks planned, so a green pipeline goes straight to review
	job := claimJob(t, env, domain.JobTicketDevelop)
	applyOutcome(t, env, job, `{"summary":"done"}`)
	job = claimJob(t, env, domain.JobTicketBuild)
	applyOutcome(t, env, job, `{"ok":true}`)
	job = claimJob(t, env, domain.JobTicketTest)
	applyOutcome(t, env, job, `{"ok":true}`)
	got, _ := env.Engine.Repo.GetTicket(env.Ctx, ticket.ID)
	if got.Status != domain.TicketReview {
		t.Fatalf("ticket status %q, want review", got.Status)
	}

	reworked, err := env.Engine.RequestChanges(env.Ctx, ticket.ID, "handle quoted commas", "tester")
	if err != nil {
		t.Fatalf("request changes: %v", err)
	}
	if reworked.Status != domain.TicketInProgress || reworked.TestsPassed {
		t.Fatalf("reworked ticket %+v", reworked)
	}
	// review round-trips do not consume fix cycles
	if reworked.DevCycles != 0 {
		t.Fatalf("dev_cycles %d after review feedback, want 0", reworked.DevCycles)
	}
	next, err := env.Engine.Queue.List(env.Ctx, domain.JobPending, domain.JobTicketDevelop, 0)
	if err != nil || len(next) != 1 {
		t.Fatalf("expected a rework develop job: %v", err)
	}
	if !strings.Contains(next[0].Payload, "reviewer feedback: handle quoted commas") {
		t.Fatalf("feedback missing from payload: %s", next[0].Payload)
	}
	if _, err := env.Engine.RequestChanges(env.Ctx, ticket.ID, "", "tester"); err == nil {
		t.Fatalf("expected error for empty feedback")
	}
}

func TestCancelTicketCancelsOpenJobs(t *testing.T) {
	env := newTestEnv(t)
	ticket, err := env.Engine.CreateTicket(env.Ctx, engine.TicketCreateOptions{Title: "Spike", Type: "chore", Actor: "tester"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.Engine.StartTicket(env.Ctx, ticket.ID, "tester"); err != nil {
		t.Fatalf("start: %v", err)
	}
	job := claimJob(t, env, domain.JobTicketDevelop)

	cancelled, err := env.Engine.CancelTicket(env.Ctx, ticket.ID, "superseded", "tester")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != domain.TicketCancelled || cancelled.CompletedAt == nil {
		t.Fatalf("cancelled ticket %+v", cancelled)
	}
	gotJob, _ := env.Engine.Queue.Get(env.Ctx, job.ID)
	if gotJob.Status != domain.JobCancelled {
		t.Fatalf("job status %q, want cancelled with its ticket", gotJob.Status)
	}

	// the in-flight agent's outcome arrives late and is discarded
	if err := env.Engine.ApplyJobOutcome(env.Ctx, job, `{"subtasks":["stale plan"]}`, "agent"); err != nil {
		t.Fatalf("apply stale outcome: %v", err)
	}
	subtasks, _ := env.Engine.Repo.ListSubtasks(env.Ctx, ticket.ID)
	if len(subtasks) != 0 {
		t.Fatalf("stale outcome created %d subtasks", len(subtasks))
	}
	var ve *engine.ValidationError
	if _, err := env.Engine.AddSubtask(env.Ctx, ticket.ID, "late addition", "tester"); !errors.As(err, &ve) {
		t.Fatalf("add subtask to cancelled ticket: %v", err)
	}
}

func TestReviewGateRequiresReviewStatus(t *testing.T) {
	env := newTestEnv(t)
	ticket, err := env.Engine.CreateTicket(env.Ctx, engine.TicketCreateOptions{Title: "Queued only", Actor: "tester"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	var te *domain.TransitionError
	if _, err := env.Engine.ApproveTicket(env.Ctx, ticket.ID, "", "tester"); !errors.As(err, &te) {
		t.Fatalf("approve queued ticket: %v", err)
	}
	if _, err := env.Engine.RequestChanges(env.Ctx, ticket.ID, "nope", "tester"); !errors.As(err, &te) {
		t.Fatalf("request changes on queued ticket: %v", err)
	}
}

func TestExhaustedJobBlocksTicket(t *testing.T) {
	env := newTestEnv(t)
	// a single attempt makes the first failure terminal
	env.Engine.Config.Queue.MaxAttempts = 1
	ticket, err := env.Engine.CreateTicket(env.Ctx, engine.TicketCreateOptions{Title: "Flaky build", Actor: "tester"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.Engine.StartTicket(env.Ctx, ticket.ID, "tester"); err != nil {
		t.Fatalf("start: %v", err)
	}
	job := claimJob(t, env, domain.JobTicketDevelop)
	status, err := env.Engine.FailJob(env.Ctx, job, "agent crashed")
	if err != nil {
		t.Fatalf("fail job: %v", err)
	}
	if status != domain.JobFailed {
		t.Fatalf("job status %q, want failed", status)
	}
	got, _ := env.Engine.Repo.GetTicket(env.Ctx, ticket.ID)
	if got.Status != domain.TicketBlocked {
		t.Fatalf("ticket status %q, want blocked after exhaustion", got.Status)
	}
	if got.ResultJSON == nil || !strings.Contains(*got.ResultJSON, "agent crashed") {
		t.Fatalf("cause not recorded: %v", got.ResultJSON)
	}
}

func TestMalformedOutcomeFailsJob(t *testing.T) {
	env := newTestEnv(t)
	idea, err := env.Engine.SubmitIdea(env.Ctx, engine.IdeaSubmitOptions{Title: "Webhooks", Actor: "tester"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	job := claimJob(t, env, domain.JobIdeaRefine)
	var oe *engine.OutcomeError
	if err := env.Engine.ApplyJobOutcome(env.Ctx, job, `not json`, "agent"); !errors.As(err, &oe) {
		t.Fatalf("malformed outcome: %v", err)
	}
	// nothing was applied; the job is still running for the dispatcher to fail
	gotJob, _ := env.Engine.Queue.Get(env.Ctx, job.ID)
	if gotJob.Status != domain.JobRunning {
		t.Fatalf("job status %q after rejected outcome", gotJob.Status)
	}
	got, _ := env.Engine.Repo.GetIdea(env.Ctx, idea.ID)
	if got.Status != domain.IdeaRefining {
		t.Fatalf("idea status %q changed by rejected outcome", got.Status)
	}
}

func TestSubtaskBlockAndUnblock(t *testing.T) {
	env := newTestEnv(t)
	ticket, err := env.Engine.CreateTicket(env.Ctx, engine.TicketCreateOptions{Title: "Docs", Type: "chore", Actor: "tester"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	sub, err := env.Engine.AddSubtask(env.Ctx, ticket.ID, "write the guide", "tester")
	if err != nil {
		t.Fatalf("add subtask: %v", err)
	}
	if sub.OrderIndex != 0 {
		t.Fatalf("first subtask index %d", sub.OrderIndex)
	}
	if _, err := env.Engine.StartSubtask(env.Ctx, sub.ID, "tester"); err != nil {
		t.Fatalf("start subtask: %v", err)
	}
	if _, err := env.Engine.BlockSubtask(env.Ctx, sub.ID, "tester"); err != nil {
		t.Fatalf("block subtask: %v", err)
	}
	// a blocked subtask cannot resolve without being unblocked first
	var te *domain.TransitionError
	if _, err := env.Engine.CompleteSubtask(env.Ctx, sub.ID, "tester"); !errors.As(err, &te) {
		t.Fatalf("complete blocked subtask: %v", err)
	}
	if _, err := env.Engine.UnblockSubtask(env.Ctx, sub.ID, "tester"); err != nil {
		t.Fatalf("unblock subtask: %v", err)
	}
	done, err := env.Engine.CompleteSubtask(env.Ctx, sub.ID, "tester")
	if err != nil {
		t.Fatalf("complete subtask: %v", err)
	}
	if done.Status != domain.SubtaskDone || done.CompletedAt == nil {
		t.Fatalf("completed subtask %+v", done)
	}
}
