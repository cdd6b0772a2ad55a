package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"nlrstudio/internal/domain"
)

// InsertPreviewRunTx records a finished preview. result is stored only for
// succeeded runs so the generated code can be saved later.
func (r Repo) InsertPreviewRunTx(ctx context.Context, tx *sql.Tx, run domain.PreviewRun, result *domain.ValidationResult) error {
	var resultJSON any
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return err
		}
		resultJSON = string(data)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO preview_runs(id,session_id,status,error_kind,message,passed,invalid,result_json,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		run.ID, run.SessionID, run.Status, run.ErrorKind, run.Message, run.Passed, run.Invalid, resultJSON, run.CreatedAt)
	return err
}

func (r Repo) ListPreviewRuns(ctx context.Context, sessionID string, limit int) ([]domain.PreviewRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,session_id,status,error_kind,message,passed,invalid,created_at FROM preview_runs WHERE session_id=? ORDER BY created_at DESC, rowid DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PreviewRun
	for rows.Next() {
		var run domain.PreviewRun
		if err := rows.Scan(&run.ID, &run.SessionID, &run.Status, &run.ErrorKind, &run.Message, &run.Passed, &run.Invalid, &run.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// LatestResult returns the result of the most recent preview if it succeeded.
func (r Repo) LatestResult(ctx context.Context, sessionID string) (*domain.ValidationResult, error) {
	var status string
	var data sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT status,result_json FROM preview_runs WHERE session_id=? ORDER BY created_at DESC, rowid DESC LIMIT 1`, sessionID).Scan(&status, &data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if status != "succeeded" || !data.Valid {
		return nil, ErrNotFound
	}
	var res domain.ValidationResult
	if err := json.Unmarshal([]byte(data.String), &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ClearResultsTx drops the stored results of a session's runs. The run
// history and its counts stay.
func (r Repo) ClearResultsTx(ctx context.Context, tx *sql.Tx, sessionID string) error {
	_, err := tx.ExecContext(ctx, `UPDATE preview_runs SET result_json=NULL WHERE session_id=?`, sessionID)
	return err
}
