package repo

import (
	"context"
	"database/sql"
	"strings"

	"foundry/internal/domain"
)

const ideaColumns = `id,project_id,title,description,status,priority,analysis,metadata_json,created_at,updated_at`

func scanIdea(scan func(dest ...any) error) (domain.Idea, error) {
	var i domain.Idea
	var desc, analysis, metadata sql.NullString
	err := scan(&i.ID, &i.ProjectID, &i.Title, &desc, &i.Status, &i.Priority, &analysis, &metadata, &i.CreatedAt, &i.UpdatedAt)
	if err == sql.ErrNoRows {
		return i, ErrNotFound
	}
	if err != nil {
		return i, err
	}
	if desc.Valid {
		i.Description = desc.String
	}
	i.Analysis = stringPtr(analysis)
	i.MetadataJSON = stringPtr(metadata)
	return i, nil
}

func (r Repo) InsertIdeaTx(ctx context.Context, tx *sql.Tx, i domain.Idea) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO ideas(`+ideaColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		i.ID, i.ProjectID, i.Title, nullable(i.Description), i.Status, i.Priority,
		nullableStringPtr(i.Analysis), nullableStringPtr(i.MetadataJSON), i.CreatedAt, i.UpdatedAt)
	return err
}

func (r Repo) GetIdea(ctx context.Context, id string) (domain.Idea, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+ideaColumns+` FROM ideas WHERE id=?`, id)
	return scanIdea(row.Scan)
}

func (r Repo) GetIdeaTx(ctx context.Context, tx *sql.Tx, id string) (domain.Idea, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+ideaColumns+` FROM ideas WHERE id=?`, id)
	return scanIdea(row.Scan)
}

func (r Repo) ListIdeas(ctx context.Context, projectID, status string, limit int) ([]domain.Idea, error) {
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
	query := `SELECT ` + ideaColumns + ` FROM ideas`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Idea
	for rows.Next() {
		i, err := scanIdea(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, i)
	}
	return res, rows.Err()
}

func (r Repo) UpdateIdeaStatusTx(ctx context.Context, tx *sql.Tx, id, status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE ideas SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetIdeaAnalysisTx(ctx context.Context, tx *sql.Tx, id, analysis, updatedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE ideas SET analysis=?, updated_at=? WHERE id=?`, nullable(analysis), updatedAt, id)
	return err
}

func (r Repo) SetIdeaMetadataTx(ctx context.Context, tx *sql.Tx, id, metadataJSON, updatedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE ideas SET metadata_json=?, updated_at=? WHERE id=?`, nullable(metadataJSON), updatedAt, id)
	return err
}

const questionColumns = `id,idea_id,question,context,status,answer,created_at,answered_at`

func scanQuestion(scan func(dest ...any) error) (domain.Question, error) {
	var q domain.Question
	var qctx, answer, answeredAt sql.NullString
	err := scan(&q.ID, &q.IdeaID, &q.Text, &qctx, &q.Status, &answer, &q.CreatedAt, &answeredAt)
	if err == sql.ErrNoRows {
		return q, ErrNotFound
	}
	if err != nil {
		return q, err
	}
	if qctx.Valid {
		q.Context = qctx.String
	}
	q.Answer = stringPtr(answer)
	q.AnsweredAt = stringPtr(answeredAt)
	return q, nil
}

func (r Repo) InsertQuestionTx(ctx context.Context, tx *sql.Tx, q domain.Question) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO questions(`+questionColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		q.ID, q.IdeaID, q.Text, nullable(q.Context), q.Status, nullableStringPtr(q.Answer), q.CreatedAt, nullableStringPtr(q.AnsweredAt))
	return err
}

func (r Repo) GetQuestion(ctx context.Context, id string) (domain.Question, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+questionColumns+` FROM questions WHERE id=?`, id)
	return scanQuestion(row.Scan)
}

func (r Repo) GetQuestionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Question, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+questionColumns+` FROM questions WHERE id=?`, id)
	return scanQuestion(row.Scan)
}

// ResolveQuestionTx flips a pending question to answered or skipped. The
// status guard in the WHERE clause makes concurrent resolutions race-safe:
// only one caller observes rows affected.
func (r Repo) ResolveQuestionTx(ctx context.Context, tx *sql.Tx, id, status string, answer *string, answeredAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE questions SET status=?, answer=?, answered_at=? WHERE id=? AND status=?`,
		status, nullableStringPtr(answer), answeredAt, id, domain.QuestionPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) CountPendingQuestionsTx(ctx context.Context, tx *sql.Tx, ideaID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM questions WHERE idea_id=? AND status=?`, ideaID, domain.QuestionPending).Scan(&n)
	return n, err
}

// ListAnsweredQuestionsTx reads inside the caller's transaction so a question
// resolved in the same transaction is included.
func (r Repo) ListAnsweredQuestionsTx(ctx context.Context, tx *sql.Tx, ideaID string) ([]domain.Question, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+questionColumns+` FROM questions WHERE idea_id=? AND status=? ORDER BY created_at ASC, id ASC`,
		ideaID, domain.QuestionAnswered)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Question
	for rows.Next() {
		q, err := scanQuestion(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, q)
	}
	return res, rows.Err()
}

func (r Repo) ListQuestions(ctx context.Context, ideaID, status string, limit int) ([]domain.Question, error) {
	var clauses []string
	var args []any
	if ideaID != "" {
		clauses = append(clauses, "idea_id=?")
		args = append(args, ideaID)
	}
	if status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, status)
	}
	query := `SELECT ` + questionColumns + ` FROM questions`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Question
	for rows.Next() {
		q, err := scanQuestion(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, q)
	}
	return res, rows.Err()
}
