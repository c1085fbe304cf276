package sqlite

import (
	"context"
	"database/sql"

	"gryag"
)

// ActivePrompt returns the active record for a scope, or nil when the scope
// has none.
func (s *Store) ActivePrompt(ctx context.Context, chatID int64) (*gryag.PromptRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, chat_id, version, body, active, created_at
		 FROM system_prompts WHERE chat_id = ? AND active = 1`, chatID)
	var r gryag.PromptRecord
	var active int
	err := row.Scan(&r.ID, &r.ChatID, &r.Version, &r.Body, &active, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("active prompt", err)
	}
	r.Active = active != 0
	return &r, nil
}

// SetPrompt stores a new version for the scope, activates it, and returns
// the version number. The prior active record, if any, is deactivated in the
// same transaction.
func (s *Store) SetPrompt(ctx context.Context, chatID int64, body string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storeErr("set prompt", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var version int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM system_prompts WHERE chat_id = ?`,
		chatID).Scan(&version)
	if err != nil {
		return 0, storeErr("set prompt version", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE system_prompts SET active = 0 WHERE chat_id = ? AND active = 1`, chatID); err != nil {
		return 0, storeErr("set prompt deactivate", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO system_prompts (chat_id, version, body, active, created_at)
		 VALUES (?, ?, ?, 1, ?)`,
		chatID, version, body, s.now()); err != nil {
		return 0, storeErr("set prompt insert", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, storeErr("set prompt commit", err)
	}
	s.logger.Debug("sqlite: prompt set", "chat_id", chatID, "version", version)
	return version, nil
}

// ActivateVersion switches the active record of a scope. At most one record
// stays active per scope.
func (s *Store) ActivateVersion(ctx context.Context, chatID int64, version int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("activate version", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`UPDATE system_prompts SET active = 1 WHERE chat_id = ? AND version = ?`,
		chatID, version)
	if err != nil {
		return storeErr("activate version", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return storeErr("activate version", sql.ErrNoRows)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE system_prompts SET active = 0 WHERE chat_id = ? AND version != ?`,
		chatID, version); err != nil {
		return storeErr("activate version deactivate", err)
	}
	if err := tx.Commit(); err != nil {
		return storeErr("activate version commit", err)
	}
	s.logger.Debug("sqlite: prompt activated", "chat_id", chatID, "version", version)
	return nil
}

// History lists a scope's prompt versions, newest first.
func (s *Store) History(ctx context.Context, chatID int64, limit int) ([]gryag.PromptRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, version, body, active, created_at
		 FROM system_prompts WHERE chat_id = ?
		 ORDER BY version DESC LIMIT ?`, chatID, limit)
	if err != nil {
		return nil, storeErr("prompt history", err)
	}
	defer rows.Close()

	var records []gryag.PromptRecord
	for rows.Next() {
		var r gryag.PromptRecord
		var active int
		if err := rows.Scan(&r.ID, &r.ChatID, &r.Version, &r.Body, &active, &r.CreatedAt); err != nil {
			return nil, storeErr("prompt history scan", err)
		}
		r.Active = active != 0
		records = append(records, r)
	}
	return records, rows.Err()
}
