// Package app assembles the workspace pieces every command needs: the
// database, migrations, config, and the engine built on top of them.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"foundry/internal/budget"
	"foundry/internal/config"
	"foundry/internal/db"
	"foundry/internal/domain"
	"foundry/internal/engine"
	"foundry/internal/migrate"
	"foundry/internal/repo"
)

// Context is an opened workspace.
type Context struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Engine    engine.Engine
	Guard     budget.Guard
	Log       zerolog.Logger
}

// Open loads the workspace config and opens the database with pending
// migrations applied. The config must exist; run Init first for a fresh
// directory.
func Open(ctx context.Context, workspace string, log zerolog.Logger) (*Context, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	a := &Context{
		Workspace: workspace,
		Config:    cfg,
		DB:        conn,
		Engine:    engine.New(conn, cfg),
		Guard: budget.New(conn, budget.Ceilings{
			AgentRunUSD:    cfg.Budget.AgentRunUSD,
			ProjectDayUSD:  cfg.Budget.ProjectDayUSD,
			GlobalDayUSD:   cfg.Budget.GlobalDayUSD,
			GlobalMonthUSD: cfg.Budget.GlobalMonthUSD,
		}),
		Log: log,
	}
	if err := a.ensureProject(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return a, nil
}

// Init seeds a fresh workspace: default config, database, schema, project
// row, and the agent roster. Idempotent; an existing config is left alone.
func Init(ctx context.Context, workspace string, log zerolog.Logger) (*Context, error) {
	if _, err := config.Load(workspace); err != nil {
		cfg := config.Default(projectNameFor(workspace))
		if _, werr := db.EnsureWorkspace(workspace); werr != nil {
			return nil, werr
		}
		if werr := cfg.Save(workspace); werr != nil {
			return nil, fmt.Errorf("write config: %w", werr)
		}
		log.Info().Str("path", config.Path(workspace)).Msg("wrote default config")
	}
	a, err := Open(ctx, workspace, log)
	if err != nil {
		return nil, err
	}
	if err := a.Engine.SyncAgents(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("sync agents: %w", err)
	}
	return a, nil
}

// ensureProject inserts the configured project row if it is missing, so a
// database wiped out from under an existing config heals on next open.
func (a *Context) ensureProject(ctx context.Context) error {
	r := repo.Repo{DB: a.DB}
	_, err := r.GetProject(ctx, a.Config.Project.ID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	return r.InsertProject(ctx, domain.Project{
		ID:        a.Config.Project.ID,
		Name:      a.Config.Project.Name,
		Status:    "active",
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *Context) Close() error {
	return a.DB.Close()
}

// projectNameFor derives a stable default project id from the workspace
// directory name.
func projectNameFor(workspace string) string {
	abs, err := filepath.Abs(workspace)
	if err != nil {
		return "default"
	}
	name := filepath.Base(abs)
	if name == "." || name == string(filepath.Separator) || name == "" {
		return "default"
	}
	return name
}
