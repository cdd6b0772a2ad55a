package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"nlrstudio/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = domain.ErrNotFound

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const sessionColumns = `id,customer_name,instance_name,component_name,attribute_hint,primary_attribute,dataset_name,headers_json,saved_file_name,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (domain.Session, error) {
	var s domain.Session
	var headers string
	err := row.Scan(&s.ID, &s.CustomerName, &s.InstanceName, &s.ComponentName, &s.AttributeHint,
		&s.PrimaryAttribute, &s.DatasetName, &headers, &s.SavedFileName, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal([]byte(headers), &s.Headers); err != nil {
		return s, fmt.Errorf("decode headers of session %s: %w", s.ID, err)
	}
	if s.Headers == nil {
		s.Headers = []string{}
	}
	return s, nil
}

func (r Repo) InsertSessionTx(ctx context.Context, tx *sql.Tx, s domain.Session) error {
	headers, err := json.Marshal(nonNil(s.Headers))
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO sessions(`+sessionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.CustomerName, s.InstanceName, s.ComponentName, s.AttributeHint, s.PrimaryAttribute,
		s.DatasetName, string(headers), s.SavedFileName, s.CreatedAt, s.UpdatedAt)
	return err
}

// UpdateSessionTx writes the session metadata. The stored dataset is left alone.
func (r Repo) UpdateSessionTx(ctx context.Context, tx *sql.Tx, s domain.Session) error {
	headers, err := json.Marshal(nonNil(s.Headers))
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE sessions SET customer_name=?, instance_name=?, component_name=?, attribute_hint=?, primary_attribute=?, dataset_name=?, headers_json=?, saved_file_name=?, updated_at=? WHERE id=?`,
		s.CustomerName, s.InstanceName, s.ComponentName, s.AttributeHint, s.PrimaryAttribute,
		s.DatasetName, string(headers), s.SavedFileName, s.UpdatedAt, s.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetSession(ctx context.Context, id string) (domain.Session, error) {
	return r.GetSessionQ(ctx, r.DB, id)
}

func (r Repo) GetSessionQ(ctx context.Context, q Querier, id string) (domain.Session, error) {
	return scanSession(q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id=?`, id))
}

func (r Repo) ListSessions(ctx context.Context, limit int) ([]domain.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY updated_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) DeleteSession(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM sessions WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetDatasetTx stores the canonical CSV of a session. A nil csv clears it.
func (r Repo) SetDatasetTx(ctx context.Context, tx *sql.Tx, sessionID string, csv []byte) error {
	res, err := tx.ExecContext(ctx, `UPDATE sessions SET dataset_csv=? WHERE id=?`, csv, sessionID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetDataset returns the stored canonical CSV, nil when none was ingested.
func (r Repo) GetDataset(ctx context.Context, sessionID string) ([]byte, error) {
	var csv []byte
	err := r.DB.QueryRowContext(ctx, `SELECT dataset_csv FROM sessions WHERE id=?`, sessionID).Scan(&csv)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return csv, err
}

func (r Repo) ReplaceRulesTx(ctx context.Context, tx *sql.Tx, sessionID string, rules []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM session_rules WHERE session_id=?`, sessionID); err != nil {
		return err
	}
	for i, text := range rules {
		if _, err := tx.ExecContext(ctx, `INSERT INTO session_rules(session_id,position,text) VALUES (?,?,?)`, sessionID, i, text); err != nil {
			return fmt.Errorf("insert rule %d: %w", i, err)
		}
	}
	return nil
}

func (r Repo) ListRules(ctx context.Context, sessionID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT text FROM session_rules WHERE session_id=? ORDER BY position`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return nil, err
		}
		res = append(res, text)
	}
	return res, rows.Err()
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
