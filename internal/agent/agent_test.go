package agent_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"foundry/internal/agent"
	"foundry/internal/budget"
	"foundry/internal/db"
	"foundry/internal/domain"
	"foundry/internal/events"
	"foundry/internal/logging"
	"foundry/internal/migrate"
	"foundry/internal/queue"
)

func almostEqual(a, b float64) bool {
	diff := a - b
	return diff > -1e-9 && diff < 1e-9
}

func TestCostPricesByModelFamily(t *testing.T) {
	cases := []struct {
		model   string
		in, out int
		wantUSD float64
	}{
		{"opus", 1_000_000, 1_000_000, 90},
		{"claude-opus-4-20250514", 1_000_000, 0, 15},
		{"sonnet", 2_000_000, 0, 6},
		{"claude-haiku-3", 4_000_000, 800_000, 2},
		{"SONNET", 0, 1_000_000, 15},
		{"gpt-9", 1_000_000, 1_000_000, 0},
	}
	for _, c := range cases {
		if got := agent.Cost(c.model, c.in, c.out); !almostEqual(got, c.wantUSD) {
			t.Fatalf("Cost(%q, %d, %d) = %f, want %f", c.model, c.in, c.out, got, c.wantUSD)
		}
	}
}

func TestRegistryBindings(t *testing.T) {
	reg := agent.NewRegistry()
	noop := agent.Func(func(ctx context.Context, job domain.Job) (agent.Result, error) {
		return agent.Result{}, nil
	})
	if err := reg.Register(domain.JobIdeaRefine, "clarifier", noop); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register(domain.JobIdeaRefine, "other", noop); err == nil {
		t.Fatalf("expected error re-registering a type")
	}
	if err := reg.Register("", "clarifier", noop); err == nil {
		t.Fatalf("expected error for empty job type")
	}
	if err := reg.Register(domain.JobTicketDevelop, "developer", nil); err == nil {
		t.Fatalf("expected error for nil executor")
	}
	if err := reg.Register(domain.JobTicketDevelop, "developer", noop); err != nil {
		t.Fatalf("register: %v", err)
	}
	b, ok := reg.Lookup(domain.JobIdeaRefine)
	if !ok || b.AgentID != "clarifier" {
		t.Fatalf("lookup: %+v ok=%v", b, ok)
	}
	if _, ok := reg.Lookup(domain.JobTicketBuild); ok {
		t.Fatalf("lookup resolved an unregistered type")
	}
	types := reg.Types()
	if len(types) != 2 || types[0] != domain.JobIdeaRefine || types[1] != domain.JobTicketDevelop {
		t.Fatalf("types %v, want sorted registered types", types)
	}
}

type runtimeEnv struct {
	Runtime agent.Runtime
	Queue   queue.Queue
	Ctx     context.Context
}

func newRuntimeEnv(t *testing.T) runtimeEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	rt := agent.NewRuntime(conn, budget.New(conn, budget.Ceilings{}), logging.Nop())
	rt.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	err = rt.Repo.UpsertAgent(context.Background(), domain.Agent{
		ID: "clarifier", Name: "Clarifier", Type: "clarifier", Model: "sonnet",
		CreatedAt: "2024-01-01T00:00:00Z",
	})
	if err != nil {
		t.Fatalf("seed agent: %v", err)
	}
	return runtimeEnv{
		Runtime: rt,
		Queue:   queue.New(conn, events.Writer{DB: conn}),
		Ctx:     context.Background(),
	}
}

func (e runtimeEnv) claimedJob(t *testing.T, payload string) domain.Job {
	t.Helper()
	if _, err := e.Queue.Enqueue(e.Ctx, domain.JobIdeaRefine, payload, queue.Options{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	jobs, err := e.Queue.Claim(e.Ctx, 1)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("claim: %v", err)
	}
	return jobs[0]
}

func TestInvokeRecordsSuccessfulRun(t *testing.T) {
	env := newRuntimeEnv(t)
	job := env.claimedJob(t, `{"project_id":"proj-1","idea_id":"idea-9"}`)
	ag := domain.Agent{ID: "clarifier", Model: "sonnet"}
	exec := agent.Func(func(ctx context.Context, j domain.Job) (agent.Result, error) {
		return agent.Result{Output: `{"analysis":"done"}`, TokensInput: 1000, TokensOutput: 2000}, nil
	})
	run, res, err := env.Runtime.Invoke(env.Ctx, ag, job, exec)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if res.Output != `{"analysis":"done"}` {
		t.Fatalf("result output %q", res.Output)
	}
	if run.Status != domain.RunSuccess || run.TokensUsed != 3000 {
		t.Fatalf("run %+v", run)
	}
	// tokens-only results are priced from the model table
	if !almostEqual(run.CostUSD, agent.Cost("sonnet", 1000, 2000)) {
		t.Fatalf("cost %f", run.CostUSD)
	}

	stored, err := env.Runtime.Repo.GetAgentRun(env.Ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if stored.Status != domain.RunSuccess || stored.CompletedAt == nil {
		t.Fatalf("stored run %+v", stored)
	}
	if stored.Output == nil || *stored.Output != `{"analysis":"done"}` {
		t.Fatalf("stored output %v", stored.Output)
	}
	if stored.ProjectID == nil || *stored.ProjectID != "proj-1" || stored.IdeaID == nil || *stored.IdeaID != "idea-9" {
		t.Fatalf("stored refs %+v", stored)
	}

	// the close transaction wrote the ledger row
	spent, err := env.Runtime.Repo.SumUsage(env.Ctx, "2024-01-01T00:00:00Z", "proj-1", "")
	if err != nil {
		t.Fatalf("sum usage: %v", err)
	}
	if !almostEqual(spent, run.CostUSD) {
		t.Fatalf("ledger spend %f, want %f", spent, run.CostUSD)
	}

	logs, err := env.Runtime.Repo.ListRunLogs(env.Ctx, run.ID)
	if err != nil || len(logs) != 2 {
		t.Fatalf("run logs %d: %v", len(logs), err)
	}
}

func TestInvokeRecordsFailure(t *testing.T) {
	env := newRuntimeEnv(t)
	job := env.claimedJob(t, `{"idea_id":"idea-1"}`)
	boom := errors.New("agent exploded")
	exec := agent.Func(func(ctx context.Context, j domain.Job) (agent.Result, error) {
		return agent.Result{Output: `{"partial":true}`, TokensInput: 50, TokensOutput: 10}, boom
	})
	run, _, err := env.Runtime.Invoke(env.Ctx, domain.Agent{ID: "clarifier", Model: "sonnet"}, job, exec)
	if !errors.Is(err, boom) {
		t.Fatalf("invoke err %v, want the executor's", err)
	}
	stored, err := env.Runtime.Repo.GetAgentRun(env.Ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if stored.Status != domain.RunFailed {
		t.Fatalf("run status %q, want failed", stored.Status)
	}
	// failed runs never publish partial output, but their tokens still count
	if stored.Output != nil {
		t.Fatalf("failed run kept output %v", stored.Output)
	}
	if stored.Error == nil || *stored.Error != "agent exploded" {
		t.Fatalf("stored error %v", stored.Error)
	}
	if stored.TokensUsed != 60 {
		t.Fatalf("tokens %d, want 60", stored.TokensUsed)
	}
}

func TestInvokeRecordsCancellation(t *testing.T) {
	env := newRuntimeEnv(t)
	job := env.claimedJob(t, `{}`)
	ctx, cancel := context.WithCancel(env.Ctx)
	exec := agent.Func(func(ctx context.Context, j domain.Job) (agent.Result, error) {
		cancel()
		<-ctx.Done()
		return agent.Result{}, ctx.Err()
	})
	run, _, err := env.Runtime.Invoke(ctx, domain.Agent{ID: "clarifier", Model: "sonnet"}, job, exec)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("invoke err %v, want context.Canceled", err)
	}
	// the close outlives the cancelled context
	stored, err := env.Runtime.Repo.GetAgentRun(env.Ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if stored.Status != domain.RunCancelled || stored.CompletedAt == nil {
		t.Fatalf("stored run %+v", stored)
	}
}

func TestInvokeKeepsExecutorCost(t *testing.T) {
	env := newRuntimeEnv(t)
	job := env.claimedJob(t, `{}`)
	exec := agent.Func(func(ctx context.Context, j domain.Job) (agent.Result, error) {
		return agent.Result{Output: `{}`, TokensInput: 10, TokensOutput: 10, CostUSD: 0.42}, nil
	})
	run, _, err := env.Runtime.Invoke(env.Ctx, domain.Agent{ID: "clarifier", Model: "sonnet"}, job, exec)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if !almostEqual(run.CostUSD, 0.42) {
		t.Fatalf("cost %f, want the executor's own figure", run.CostUSD)
	}
}
