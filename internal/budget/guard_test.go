package budget_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"foundry/internal/budget"
	"foundry/internal/db"
	"foundry/internal/domain"
	"foundry/internal/migrate"
	"foundry/internal/repo"
)

type budgetEnv struct {
	Guard  budget.Guard
	Repo   repo.Repo
	Ctx    context.Context
	now    time.Time
	runSeq int
}

func newBudgetEnv(t *testing.T, c budget.Ceilings) *budgetEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	env := &budgetEnv{
		Guard: budget.New(conn, c),
		Repo:  repo.Repo{DB: conn},
		Ctx:   context.Background(),
		now:   time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	env.Guard.Now = func() time.Time { return env.now }
	// roster row satisfies the agent_runs foreign key
	err = env.Repo.UpsertAgent(env.Ctx, domain.Agent{
		ID: "clarifier", Name: "Clarifier", Type: "clarifier", Model: "sonnet",
		CreatedAt: "2024-01-01T00:00:00Z",
	})
	if err != nil {
		t.Fatalf("seed agent: %v", err)
	}
	return env
}

// spend writes a closed run and its ledger row at the env's current time.
func (e *budgetEnv) spend(t *testing.T, projectID string, cost float64) domain.AgentRun {
	t.Helper()
	e.runSeq++
	run := domain.AgentRun{
		ID:        fmt.Sprintf("run-%d", e.runSeq),
		AgentID:   "clarifier",
		Status:    domain.RunSuccess,
		CostUSD:   cost,
		StartedAt: e.now.UTC().Format(time.RFC3339),
	}
	if projectID != "" {
		run.ProjectID = &projectID
	}
	if err := e.Repo.InsertAgentRun(e.Ctx, run); err != nil {
		t.Fatalf("insert run: %v", err)
	}
	tx, err := e.Repo.DB.BeginTx(e.Ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := e.Guard.Record(e.Ctx, tx, run); err != nil {
		tx.Rollback()
		t.Fatalf("record: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return run
}

func TestAuthorizeAllowsWithinCeilings(t *testing.T) {
	env := newBudgetEnv(t, budget.Ceilings{AgentRunUSD: 2, ProjectDayUSD: 20, GlobalDayUSD: 50, GlobalMonthUSD: 500})
	if err := env.Guard.Authorize(env.Ctx, budget.Scope{ProjectID: "proj-1"}, 0.5); err != nil {
		t.Fatalf("authorize: %v", err)
	}
	// landing exactly on a ceiling passes
	if err := env.Guard.Authorize(env.Ctx, budget.Scope{ProjectID: "proj-1"}, 2.0); err != nil {
		t.Fatalf("authorize at the per-run ceiling: %v", err)
	}
}

func TestAgentRunCeilingChecksEstimateAlone(t *testing.T) {
	env := newBudgetEnv(t, budget.Ceilings{AgentRunUSD: 1})
	err := env.Guard.Authorize(env.Ctx, budget.Scope{ProjectID: "proj-1"}, 1.5)
	var d *budget.Denial
	if !errors.As(err, &d) {
		t.Fatalf("expected denial, got %v", err)
	}
	if d.Scope != budget.ScopeAgentRun || d.LimitUSD != 1 || d.Estimated != 1.5 {
		t.Fatalf("denial %+v", d)
	}
}

func TestProjectDayCeilingCountsProjectSpend(t *testing.T) {
	env := newBudgetEnv(t, budget.Ceilings{ProjectDayUSD: 20, GlobalDayUSD: 50})
	env.spend(t, "proj-1", 19)
	if err := env.Guard.Authorize(env.Ctx, budget.Scope{ProjectID: "proj-1"}, 0.5); err != nil {
		t.Fatalf("authorize under ceiling: %v", err)
	}
	if err := env.Guard.Authorize(env.Ctx, budget.Scope{ProjectID: "proj-1"}, 1.0); err != nil {
		t.Fatalf("authorize exactly at ceiling: %v", err)
	}
	err := env.Guard.Authorize(env.Ctx, budget.Scope{ProjectID: "proj-1"}, 1.5)
	var d *budget.Denial
	if !errors.As(err, &d) {
		t.Fatalf("expected denial, got %v", err)
	}
	if d.Scope != budget.ScopeProjectDay || d.SpentUSD != 19 {
		t.Fatalf("denial %+v", d)
	}
	// other projects have their own window
	if err := env.Guard.Authorize(env.Ctx, budget.Scope{ProjectID: "proj-2"}, 1.5); err != nil {
		t.Fatalf("authorize other project: %v", err)
	}
	// a scope without a project skips the project window entirely
	if err := env.Guard.Authorize(env.Ctx, budget.Scope{}, 1.5); err != nil {
		t.Fatalf("authorize without project: %v", err)
	}
}

func TestGlobalDayWindowResetsAtMidnightUTC(t *testing.T) {
	env := newBudgetEnv(t, budget.Ceilings{GlobalDayUSD: 10, GlobalMonthUSD: 500})
	env.now = time.Date(2024, 1, 1, 23, 0, 0, 0, time.UTC)
	env.spend(t, "proj-1", 8)

	var d *budget.Denial
	if err := env.Guard.Authorize(env.Ctx, budget.Scope{}, 3); !errors.As(err, &d) {
		t.Fatalf("expected day denial, got %v", err)
	}
	if d.Scope != budget.ScopeGlobalDay {
		t.Fatalf("denial scope %q, want global_day", d.Scope)
	}

	// past midnight yesterday's spend leaves the window
	env.now = time.Date(2024, 1, 2, 0, 30, 0, 0, time.UTC)
	if err := env.Guard.Authorize(env.Ctx, budget.Scope{}, 3); err != nil {
		t.Fatalf("authorize next day: %v", err)
	}
}

func TestGlobalMonthWindow(t *testing.T) {
	env := newBudgetEnv(t, budget.Ceilings{GlobalMonthUSD: 10})
	env.now = time.Date(2024, 1, 5, 9, 0, 0, 0, time.UTC)
	env.spend(t, "proj-1", 8)

	env.now = time.Date(2024, 1, 28, 9, 0, 0, 0, time.UTC)
	var d *budget.Denial
	if err := env.Guard.Authorize(env.Ctx, budget.Scope{}, 3); !errors.As(err, &d) {
		t.Fatalf("expected month denial, got %v", err)
	}
	if d.Scope != budget.ScopeGlobalMonth || d.SpentUSD != 8 {
		t.Fatalf("denial %+v", d)
	}

	env.now = time.Date(2024, 2, 1, 0, 30, 0, 0, time.UTC)
	if err := env.Guard.Authorize(env.Ctx, budget.Scope{}, 3); err != nil {
		t.Fatalf("authorize next month: %v", err)
	}
}

func TestRecordIsExactlyOncePerRun(t *testing.T) {
	env := newBudgetEnv(t, budget.Ceilings{})
	run := env.spend(t, "proj-1", 1)
	tx, err := env.Repo.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	if err := env.Guard.Record(env.Ctx, tx, run); err == nil {
		t.Fatalf("expected unique violation on duplicate record")
	}
}

func TestUsageReportsWindows(t *testing.T) {
	env := newBudgetEnv(t, budget.Ceilings{ProjectDayUSD: 20, GlobalDayUSD: 50, GlobalMonthUSD: 0})
	env.spend(t, "proj-1", 5)

	u, err := env.Guard.Usage(env.Ctx, budget.Scope{ProjectID: "proj-1"})
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if len(u.Windows) != 3 {
		t.Fatalf("%d windows, want 3", len(u.Windows))
	}
	day := u.Windows[0]
	if day.Scope != budget.ScopeProjectDay || day.SpentUSD != 5 || day.RemainingUSD != 15 {
		t.Fatalf("project window %+v", day)
	}
	global := u.Windows[1]
	if global.Scope != budget.ScopeGlobalDay || global.RemainingUSD != 45 {
		t.Fatalf("global day window %+v", global)
	}
	// an unlimited ceiling reports limit 0 and no remaining figure
	month := u.Windows[2]
	if month.Scope != budget.ScopeGlobalMonth || month.LimitUSD != 0 || month.RemainingUSD != 0 || month.SpentUSD != 5 {
		t.Fatalf("month window %+v", month)
	}

	// without a project scope the project window is omitted
	u, err = env.Guard.Usage(env.Ctx, budget.Scope{})
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if len(u.Windows) != 2 || u.Windows[0].Scope != budget.ScopeGlobalDay {
		t.Fatalf("unscoped windows %+v", u.Windows)
	}

	// remaining never goes negative
	env.spend(t, "proj-1", 100)
	u, err = env.Guard.Usage(env.Ctx, budget.Scope{ProjectID: "proj-1"})
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if u.Windows[0].RemainingUSD != 0 {
		t.Fatalf("remaining %f, want zero floor", u.Windows[0].RemainingUSD)
	}
}
