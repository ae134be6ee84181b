package repo

import (
	"context"
	"database/sql"
	"strings"

	"foundry/internal/domain"
)

const runColumns = `id,agent_id,job_id,project_id,ticket_id,idea_id,status,input_json,output_json,error,model,tokens_input,tokens_output,tokens_used,cost_usd,started_at,completed_at`

func scanRun(scan func(dest ...any) error) (domain.AgentRun, error) {
	var run domain.AgentRun
	var jobID, projectID, ticketID, ideaID, input, output, errMsg, model, completedAt sql.NullString
	err := scan(&run.ID, &run.AgentID, &jobID, &projectID, &ticketID, &ideaID, &run.Status,
		&input, &output, &errMsg, &model, &run.TokensInput, &run.TokensOutput, &run.TokensUsed,
		&run.CostUSD, &run.StartedAt, &completedAt)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	if err != nil {
		return run, err
	}
	run.JobID = stringPtr(jobID)
	run.ProjectID = stringPtr(projectID)
	run.TicketID = stringPtr(ticketID)
	run.IdeaID = stringPtr(ideaID)
	if input.Valid {
		run.Input = input.String
	}
	run.Output = stringPtr(output)
	run.Error = stringPtr(errMsg)
	if model.Valid {
		run.Model = model.String
	}
	run.CompletedAt = stringPtr(completedAt)
	return run, nil
}

func (r Repo) InsertAgentRun(ctx context.Context, run domain.AgentRun) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO agent_runs(`+runColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		run.ID, run.AgentID, nullableStringPtr(run.JobID), nullableStringPtr(run.ProjectID),
		nullableStringPtr(run.TicketID), nullableStringPtr(run.IdeaID), run.Status,
		nullable(run.Input), nullableStringPtr(run.Output), nullableStringPtr(run.Error), nullable(run.Model),
		run.TokensInput, run.TokensOutput, run.TokensUsed, run.CostUSD, run.StartedAt, nullableStringPtr(run.CompletedAt))
	return err
}

// CloseAgentRunTx finalizes a run exactly once. The status guard makes closed
// runs immutable: a second close observes zero affected rows and reports
// false.
func (r Repo) CloseAgentRunTx(ctx context.Context, tx *sql.Tx, run domain.AgentRun) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE agent_runs SET status=?, output_json=?, error=?, tokens_input=?, tokens_output=?, tokens_used=?, cost_usd=?, completed_at=? WHERE id=? AND status=?`,
		run.Status, nullableStringPtr(run.Output), nullableStringPtr(run.Error),
		run.TokensInput, run.TokensOutput, run.TokensUsed, run.CostUSD,
		nullableStringPtr(run.CompletedAt), run.ID, domain.RunRunning)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) GetAgentRun(ctx context.Context, id string) (domain.AgentRun, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM agent_runs WHERE id=?`, id)
	return scanRun(row.Scan)
}

func (r Repo) ListAgentRuns(ctx context.Context, agentID, jobID string, limit int) ([]domain.AgentRun, error) {
	var clauses []string
	var args []any
	if agentID != "" {
		clauses = append(clauses, "agent_id=?")
		args = append(args, agentID)
	}
	if jobID != "" {
		clauses = append(clauses, "job_id=?")
		args = append(args, jobID)
	}
	query := `SELECT ` + runColumns + ` FROM agent_runs`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AgentRun
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// AppendRunLog is best-effort per-run logging outside any transaction.
func (r Repo) AppendRunLog(ctx context.Context, runID, ts, level, message string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO run_logs(run_id,ts,level,message) VALUES (?,?,?,?)`,
		runID, ts, level, message)
	return err
}

func (r Repo) ListRunLogs(ctx context.Context, runID string) ([]domain.RunLog, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,run_id,ts,level,message FROM run_logs WHERE run_id=? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RunLog
	for rows.Next() {
		var l domain.RunLog
		if err := rows.Scan(&l.ID, &l.RunID, &l.TS, &l.Level, &l.Message); err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

func (r Repo) InsertUsageTx(ctx context.Context, tx *sql.Tx, u domain.UsageRecord) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO usage_records(run_id,project_id,agent_id,model,tokens_input,tokens_output,cost_usd,recorded_at) VALUES (?,?,?,?,?,?,?,?)`,
		u.RunID, nullableStringPtr(u.ProjectID), u.AgentID, nullable(u.Model), u.TokensInput, u.TokensOutput, u.CostUSD, u.RecordedAt)
	return err
}

// SumUsage totals ledger cost since a cutoff, optionally narrowed to a
// project or an agent. The cutoff is inclusive.
func (r Repo) SumUsage(ctx context.Context, since, projectID, agentID string) (float64, error) {
	clauses := []string{"recorded_at >= ?"}
	args := []any{since}
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if agentID != "" {
		clauses = append(clauses, "agent_id=?")
		args = append(args, agentID)
	}
	var total float64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(SUM(cost_usd),0) FROM usage_records WHERE `+strings.Join(clauses, " AND "), args...).Scan(&total)
	return total, err
}

func (r Repo) ListEvents(ctx context.Context, entityKind, entityID string, limit int) ([]domain.Event, error) {
	var clauses []string
	var args []any
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	query := `SELECT id,ts,type,entity_kind,entity_id,from_status,to_status,job_id,actor,payload_json FROM events`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

// EventsAfter returns events past a cursor in insertion order. Webhook
// delivery walks the log with this.
func (r Repo) EventsAfter(ctx context.Context, afterID int64, limit int) ([]domain.Event, error) {
	query := `SELECT id,ts,type,entity_kind,entity_id,from_status,to_status,job_id,actor,payload_json FROM events WHERE id > ? ORDER BY id ASC`
	args := []any{afterID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

// LatestEventID returns the current tail of the event log, zero when empty.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}

func collectEvents(rows *sql.Rows) ([]domain.Event, error) {
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entID, from, to, jobID, actor, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entID, &from, &to, &jobID, &actor, &payload); err != nil {
			return nil, err
		}
		e.EntityID = entID.String
		e.FromStatus = from.String
		e.ToStatus = to.String
		e.JobID = jobID.String
		e.Actor = actor.String
		e.Payload = payload.String
		res = append(res, e)
	}
	return res, rows.Err()
}
