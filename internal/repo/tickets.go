package repo

import (
	"context"
	"database/sql"
	"strings"

	"foundry/internal/domain"
)

const ticketColumns = `id,project_id,idea_id,type,title,status,priority,assigned_agent,spec_json,result_json,dev_cycles,tests_passed,created_at,updated_at,completed_at`

func scanTicket(scan func(dest ...any) error) (domain.Ticket, error) {
	var t domain.Ticket
	var ideaID, assigned, spec, result, completedAt sql.NullString
	var testsPassed int
	err := scan(&t.ID, &t.ProjectID, &ideaID, &t.Type, &t.Title, &t.Status, &t.Priority,
		&assigned, &spec, &result, &t.DevCycles, &testsPassed, &t.CreatedAt, &t.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.IdeaID = stringPtr(ideaID)
	t.AssignedAgent = stringPtr(assigned)
	t.SpecJSON = stringPtr(spec)
	t.ResultJSON = stringPtr(result)
	t.TestsPassed = testsPassed != 0
	return t, nil
}

func (r Repo) InsertTicketTx(ctx context.Context, tx *sql.Tx, t domain.Ticket) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tickets(`+ticketColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, nullableStringPtr(t.IdeaID), t.Type, t.Title, t.Status, t.Priority,
		nullableStringPtr(t.AssignedAgent), nullableStringPtr(t.SpecJSON), nullableStringPtr(t.ResultJSON),
		t.DevCycles, boolToInt(t.TestsPassed), t.CreatedAt, t.UpdatedAt, nullableStringPtr(t.CompletedAt))
	return err
}

func (r Repo) GetTicket(ctx context.Context, id string) (domain.Ticket, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id=?`, id)
	return scanTicket(row.Scan)
}

func (r Repo) GetTicketTx(ctx context.Context, tx *sql.Tx, id string) (domain.Ticket, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id=?`, id)
	return scanTicket(row.Scan)
}

// TicketByIdeaTx is the derived Idea→Ticket lookup used by idempotent
// approval.
func (r Repo) TicketByIdeaTx(ctx context.Context, tx *sql.Tx, ideaID string) (domain.Ticket, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE idea_id=? ORDER BY created_at ASC LIMIT 1`, ideaID)
	return scanTicket(row.Scan)
}

func (r Repo) ListTickets(ctx context.Context, projectID, status string, limit int) ([]domain.Ticket, error) {
	var clauses []string
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, status)
	}
	query := `SELECT ` + ticketColumns + ` FROM tickets`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY priority DESC, created_at ASC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Ticket
	for rows.Next() {
		t, err := scanTicket(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) UpdateTicketStatusTx(ctx context.Context, tx *sql.Tx, id, status, updatedAt string, completedAt *string) error {
	res, err := tx.ExecContext(ctx, `UPDATE tickets SET status=?, updated_at=?, completed_at=COALESCE(?, completed_at) WHERE id=?`,
		status, updatedAt, nullableStringPtr(completedAt), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetTicketAssignedAgentTx(ctx context.Context, tx *sql.Tx, id, agentID, updatedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE tickets SET assigned_agent=?, updated_at=? WHERE id=?`, nullable(agentID), updatedAt, id)
	return err
}

func (r Repo) SetTicketResultTx(ctx context.Context, tx *sql.Tx, id, resultJSON, updatedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE tickets SET result_json=?, updated_at=? WHERE id=?`, nullable(resultJSON), updatedAt, id)
	return err
}

func (r Repo) SetTicketDevCyclesTx(ctx context.Context, tx *sql.Tx, id string, cycles int, updatedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE tickets SET dev_cycles=?, updated_at=? WHERE id=?`, cycles, updatedAt, id)
	return err
}

func (r Repo) SetTicketTestsPassedTx(ctx context.Context, tx *sql.Tx, id string, passed bool, updatedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE tickets SET tests_passed=?, updated_at=? WHERE id=?`, boolToInt(passed), updatedAt, id)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const subtaskColumns = `id,ticket_id,title,status,order_index,created_at,completed_at`

func scanSubtask(scan func(dest ...any) error) (domain.Subtask, error) {
	var s domain.Subtask
	var completedAt sql.NullString
	err := scan(&s.ID, &s.TicketID, &s.Title, &s.Status, &s.OrderIndex, &s.CreatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.CompletedAt = stringPtr(completedAt)
	return s, nil
}

func (r Repo) InsertSubtaskTx(ctx context.Context, tx *sql.Tx, s domain.Subtask) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO subtasks(`+subtaskColumns+`) VALUES (?,?,?,?,?,?,?)`,
		s.ID, s.TicketID, s.Title, s.Status, s.OrderIndex, s.CreatedAt, nullableStringPtr(s.CompletedAt))
	return err
}

func (r Repo) GetSubtask(ctx context.Context, id string) (domain.Subtask, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+subtaskColumns+` FROM subtasks WHERE id=?`, id)
	return scanSubtask(row.Scan)
}

func (r Repo) GetSubtaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Subtask, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+subtaskColumns+` FROM subtasks WHERE id=?`, id)
	return scanSubtask(row.Scan)
}

func (r Repo) ListSubtasks(ctx context.Context, ticketID string) ([]domain.Subtask, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+subtaskColumns+` FROM subtasks WHERE ticket_id=? ORDER BY order_index ASC`, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSubtasks(rows)
}

func (r Repo) ListSubtasksTx(ctx context.Context, tx *sql.Tx, ticketID string) ([]domain.Subtask, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+subtaskColumns+` FROM subtasks WHERE ticket_id=? ORDER BY order_index ASC`, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSubtasks(rows)
}

func collectSubtasks(rows *sql.Rows) ([]domain.Subtask, error) {
	var res []domain.Subtask
	for rows.Next() {
		s, err := scanSubtask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) UpdateSubtaskStatusTx(ctx context.Context, tx *sql.Tx, id, status string, completedAt *string) error {
	res, err := tx.ExecContext(ctx, `UPDATE subtasks SET status=?, completed_at=COALESCE(?, completed_at) WHERE id=?`,
		status, nullableStringPtr(completedAt), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) NextSubtaskIndexTx(ctx context.Context, tx *sql.Tx, ticketID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(order_index)+1, 0) FROM subtasks WHERE ticket_id=?`, ticketID).Scan(&n)
	return n, err
}

// CountOpenSubtasksTx counts subtasks that hold the ticket back from review:
// everything not done and not skipped.
func (r Repo) CountOpenSubtasksTx(ctx context.Context, tx *sql.Tx, ticketID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM subtasks WHERE ticket_id=? AND status NOT IN (?,?)`,
		ticketID, domain.SubtaskDone, domain.SubtaskSkipped).Scan(&n)
	return n, err
}
