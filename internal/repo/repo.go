package repo

import (
	"context"
	"database/sql"
	"fmt"

	"foundry/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

// ErrNotFound aliases the domain sentinel so existing errors.Is checks work
// against either name.
var ErrNotFound = domain.ErrNotFound

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func scanProject(row *sql.Row) (domain.Project, error) {
	var p domain.Project
	var desc sql.NullString
	err := row.Scan(&p.ID, &p.Name, &desc, &p.Status, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if desc.Valid {
		p.Description = desc.String
	}
	return p, err
}

func (r Repo) InsertProject(ctx context.Context, p domain.Project) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO projects(id,name,description,status,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.Name, nullable(p.Description), p.Status, p.CreatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return scanProject(r.DB.QueryRowContext(ctx, `SELECT id,name,description,status,created_at FROM projects WHERE id=?`, id))
}

// SingleProject returns the only project in the workspace. With zero projects
// it returns ErrNotFound; with several, callers must pass --project.
func (r Repo) SingleProject(ctx context.Context) (domain.Project, error) {
	projects, err := r.ListProjects(ctx)
	if err != nil {
		return domain.Project{}, err
	}
	if len(projects) == 0 {
		return domain.Project{}, ErrNotFound
	}
	if len(projects) > 1 {
		return domain.Project{}, fmt.Errorf("multiple projects exist; specify --project")
	}
	return projects[0], nil
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,description,status,created_at FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		var desc sql.NullString
		if err := rows.Scan(&p.ID, &p.Name, &desc, &p.Status, &p.CreatedAt); err != nil {
			return nil, err
		}
		if desc.Valid {
			p.Description = desc.String
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// UpsertAgent keeps the persisted roster in sync with config; the worker
// upserts the roster on start.
func (r Repo) UpsertAgent(ctx context.Context, a domain.Agent) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO agents(id,name,type,model,timeout_seconds,max_concurrency,estimated_cost_usd,created_at)
VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, type=excluded.type, model=excluded.model,
timeout_seconds=excluded.timeout_seconds, max_concurrency=excluded.max_concurrency,
estimated_cost_usd=excluded.estimated_cost_usd`,
		a.ID, a.Name, a.Type, a.Model, a.TimeoutSeconds, a.MaxConcurrency, a.EstimatedCostUSD, a.CreatedAt)
	return err
}

func (r Repo) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	var a domain.Agent
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,type,model,timeout_seconds,max_concurrency,estimated_cost_usd,created_at FROM agents WHERE id=?`, id).
		Scan(&a.ID, &a.Name, &a.Type, &a.Model, &a.TimeoutSeconds, &a.MaxConcurrency, &a.EstimatedCostUSD, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,type,model,timeout_seconds,max_concurrency,estimated_cost_usd,created_at FROM agents ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Agent
	for rows.Next() {
		var a domain.Agent
		if err := rows.Scan(&a.ID, &a.Name, &a.Type, &a.Model, &a.TimeoutSeconds, &a.MaxConcurrency, &a.EstimatedCostUSD, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) statusCounts(ctx context.Context, table string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM `+table+` GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		res[status] = n
	}
	return res, rows.Err()
}

func (r Repo) IdeaStatusCounts(ctx context.Context) (map[string]int, error) {
	return r.statusCounts(ctx, "ideas")
}

func (r Repo) TicketStatusCounts(ctx context.Context) (map[string]int, error) {
	return r.statusCounts(ctx, "tickets")
}
