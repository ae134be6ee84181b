// Package budget enforces nested cost ceilings over the usage ledger. The
// guard is a pre-flight check: concurrent in-flight runs can overshoot a
// ceiling by at most their combined estimates, which is accepted.
package budget

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"foundry/internal/domain"
	"foundry/internal/repo"
)

// Scope names for Denial and the usage report.
const (
	ScopeAgentRun    = "agent_run"
	ScopeProjectDay  = "project_day"
	ScopeGlobalDay   = "global_day"
	ScopeGlobalMonth = "global_month"
)

// Ceilings are USD limits per scope. Zero means unlimited.
type Ceilings struct {
	AgentRunUSD    float64
	ProjectDayUSD  float64
	GlobalDayUSD   float64
	GlobalMonthUSD float64
}

// Scope identifies whose spend an authorization counts against.
type Scope struct {
	ProjectID string
	AgentID   string
}

// Denial reports which ceiling rejected the run. It is an error so callers
// can branch on it with errors.As.
type Denial struct {
	Scope     string
	LimitUSD  float64
	SpentUSD  float64
	Estimated float64
}

func (d *Denial) Error() string {
	return fmt.Sprintf("budget exceeded: %s ceiling $%.2f, spent $%.2f, estimated $%.2f", d.Scope, d.LimitUSD, d.SpentUSD, d.Estimated)
}

type Guard struct {
	Repo     repo.Repo
	Ceilings Ceilings
	Now      func() time.Time
}

func New(db *sql.DB, c Ceilings) Guard {
	return Guard{Repo: repo.Repo{DB: db}, Ceilings: c, Now: time.Now}
}

func (g Guard) now() time.Time {
	if g.Now == nil {
		return time.Now()
	}
	return g.Now()
}

// dayStart and monthStart bound the rolling windows. Windows are calendar
// periods in UTC, not sliding intervals.
func dayStart(t time.Time) string {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).Format(time.RFC3339)
}

func monthStart(t time.Time) string {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).Format(time.RFC3339)
}

// Authorize admits a run whose estimated cost fits under every applicable
// ceiling. Checks run tightest-first; the first ceiling that
// spent + estimate would exceed produces the denial. Equality is allowed:
// a run that lands exactly on the ceiling passes.
func (g Guard) Authorize(ctx context.Context, scope Scope, estimateUSD float64) error {
	now := g.now()
	if c := g.Ceilings.AgentRunUSD; c > 0 && estimateUSD > c {
		return &Denial{Scope: ScopeAgentRun, LimitUSD: c, Estimated: estimateUSD}
	}
	if c := g.Ceilings.ProjectDayUSD; c > 0 && scope.ProjectID != "" {
		spent, err := g.Repo.SumUsage(ctx, dayStart(now), scope.ProjectID, "")
		if err != nil {
			return err
		}
		if spent+estimateUSD > c {
			return &Denial{Scope: ScopeProjectDay, LimitUSD: c, SpentUSD: spent, Estimated: estimateUSD}
		}
	}
	if c := g.Ceilings.GlobalDayUSD; c > 0 {
		spent, err := g.Repo.SumUsage(ctx, dayStart(now), "", "")
		if err != nil {
			return err
		}
		if spent+estimateUSD > c {
			return &Denial{Scope: ScopeGlobalDay, LimitUSD: c, SpentUSD: spent, Estimated: estimateUSD}
		}
	}
	if c := g.Ceilings.GlobalMonthUSD; c > 0 {
		spent, err := g.Repo.SumUsage(ctx, monthStart(now), "", "")
		if err != nil {
			return err
		}
		if spent+estimateUSD > c {
			return &Denial{Scope: ScopeGlobalMonth, LimitUSD: c, SpentUSD: spent, Estimated: estimateUSD}
		}
	}
	return nil
}

// Record appends the usage row for a closed run inside the caller's
// transaction. usage_records.run_id is UNIQUE, so a duplicate close attempt
// fails the transaction instead of double-counting.
func (g Guard) Record(ctx context.Context, tx *sql.Tx, run domain.AgentRun) error {
	var projectID string
	if run.ProjectID != nil {
		projectID = *run.ProjectID
	}
	return g.Repo.InsertUsageTx(ctx, tx, domain.UsageRecord{
		RunID:        run.ID,
		ProjectID:    nilIfEmpty(projectID),
		AgentID:      run.AgentID,
		Model:        run.Model,
		TokensInput:  run.TokensInput,
		TokensOutput: run.TokensOutput,
		CostUSD:      run.CostUSD,
		RecordedAt:   g.now().UTC().Format(time.RFC3339),
	})
}

// Window is one scope's spend against its ceiling for the usage report.
type Window struct {
	Scope        string  `json:"scope"`
	LimitUSD     float64 `json:"limit_usd"`
	SpentUSD     float64 `json:"spent_usd"`
	RemainingUSD float64 `json:"remaining_usd"`
}

// Usage is the read side for the CLI and API.
type Usage struct {
	Windows []Window `json:"windows"`
}

// Usage reports spend per window. Project-day appears only when the scope
// names a project. Remaining is zero-floored; an unlimited ceiling reports
// remaining 0 with limit 0.
func (g Guard) Usage(ctx context.Context, scope Scope) (Usage, error) {
	now := g.now()
	var u Usage
	add := func(name, since, projectID string, limit float64) error {
		spent, err := g.Repo.SumUsage(ctx, since, projectID, "")
		if err != nil {
			return err
		}
		w := Window{Scope: name, LimitUSD: limit, SpentUSD: spent}
		if limit > 0 {
			w.RemainingUSD = limit - spent
			if w.RemainingUSD < 0 {
				w.RemainingUSD = 0
			}
		}
		u.Windows = append(u.Windows, w)
		return nil
	}
	if scope.ProjectID != "" {
		if err := add(ScopeProjectDay, dayStart(now), scope.ProjectID, g.Ceilings.ProjectDayUSD); err != nil {
			return Usage{}, err
		}
	}
	if err := add(ScopeGlobalDay, dayStart(now), "", g.Ceilings.GlobalDayUSD); err != nil {
		return Usage{}, err
	}
	if err := add(ScopeGlobalMonth, monthStart(now), "", g.Ceilings.GlobalMonthUSD); err != nil {
		return Usage{}, err
	}
	return u, nil
}

func nilIfEmpty(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
