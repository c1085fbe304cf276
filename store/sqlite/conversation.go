package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"gryag"
)

const messageColumns = `id, chat_id, thread_id, user_id, role, text, media, metadata,
	external_message_id, external_user_id, external_reply_to_message_id,
	external_reply_to_user_id, created_at`

// pruneChunk caps how many ids one DELETE statement carries, keeping the
// pruner out of long-running transactions.
const pruneChunk = 500

// AddTurn persists one message row and its FTS entry, returning the internal
// id. Rows are never updated after insert (embedding backfill aside).
func (s *Store) AddTurn(ctx context.Context, msg gryag.Message) (int64, error) {
	start := time.Now()
	s.logger.Debug("sqlite: add turn",
		"chat_id", msg.ChatID, "thread_id", msg.ThreadID,
		"user_id", msg.UserID, "role", msg.Role, "media", len(msg.Media))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storeErr("add turn", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var mediaJSON, metaJSON *string
	if len(msg.Media) > 0 {
		mediaJSON = jsonOrNil(msg.Media)
	}
	if len(msg.Metadata) > 0 {
		metaJSON = jsonOrNil(msg.Metadata)
	}
	createdAt := msg.CreatedAt
	if createdAt == 0 {
		createdAt = s.now()
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages (chat_id, thread_id, user_id, role, text, media, metadata, embedding,
			external_message_id, external_user_id, external_reply_to_message_id,
			external_reply_to_user_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ChatID, msg.ThreadID, msg.UserID, msg.Role, msg.Text, mediaJSON, metaJSON,
		embeddingOrNil(msg.Embedding),
		nullStr(msg.External.MessageID), nullStr(msg.External.UserID),
		nullStr(msg.External.ReplyToMessageID), nullStr(msg.External.ReplyToUserID),
		createdAt,
	)
	if err != nil {
		s.logger.Error("sqlite: add turn failed", "chat_id", msg.ChatID, "error", err, "duration", time.Since(start))
		return 0, storeErr("add turn", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, storeErr("add turn id", err)
	}

	if msg.Text != "" {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages_fts(message_id, text) VALUES (?, ?)`, id, msg.Text); err != nil {
			return 0, storeErr("add turn fts", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, storeErr("add turn commit", err)
	}

	s.logger.Debug("sqlite: add turn ok", "id", id, "duration", time.Since(start))
	return id, nil
}

// Recent returns up to maxTurns user+model pairs (2×maxTurns rows) in
// chronological order. Equal timestamps tie-break by id ascending.
func (s *Store) Recent(ctx context.Context, chatID, threadID int64, maxTurns int) ([]gryag.Message, error) {
	start := time.Now()
	if maxTurns <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE chat_id = ? AND thread_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		chatID, threadID, 2*maxTurns,
	)
	if err != nil {
		s.logger.Error("sqlite: recent failed", "chat_id", chatID, "error", err)
		return nil, storeErr("recent", err)
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, storeErr("recent scan", err)
	}

	// Reverse to chronological order (oldest first). The DESC fetch
	// tie-broke by id DESC, so the reversal restores id ASC on ties.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	s.logger.Debug("sqlite: recent ok", "chat_id", chatID, "count", len(msgs), "duration", time.Since(start))
	return msgs, nil
}

// ByExternalID resolves a message by its transport id. The dedicated column
// is consulted first; legacy rows fall back to the metadata blob.
func (s *Store) ByExternalID(ctx context.Context, externalMessageID string) (*gryag.Message, error) {
	if externalMessageID == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE external_message_id = ? LIMIT 1`,
		externalMessageID)
	msg, err := scanMessage(row)
	if err == nil {
		return &msg, nil
	}
	if err != sql.ErrNoRows {
		return nil, storeErr("by external id", err)
	}

	// Legacy rows kept the id only inside the metadata blob.
	row = s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE external_message_id IS NULL
		   AND json_extract(metadata, '$.message_id') = ? LIMIT 1`,
		externalMessageID)
	msg, err = scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("by external id legacy", err)
	}
	return &msg, nil
}

// DeleteByExternalID removes a message by transport id, same lookup policy
// as ByExternalID. Returns whether a row was deleted.
func (s *Store) DeleteByExternalID(ctx context.Context, externalMessageID string) (bool, error) {
	msg, err := s.ByExternalID(ctx, externalMessageID)
	if err != nil {
		return false, err
	}
	if msg == nil {
		return false, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, storeErr("delete by external id", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages_fts WHERE message_id = ?`, msg.ID); err != nil {
		return false, storeErr("delete fts", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, msg.ID)
	if err != nil {
		return false, storeErr("delete message", err)
	}
	if err := tx.Commit(); err != nil {
		return false, storeErr("delete commit", err)
	}
	n, _ := res.RowsAffected()
	s.logger.Debug("sqlite: delete by external id", "external_id", externalMessageID, "deleted", n > 0)
	return n > 0, nil
}

// Prune deletes messages older than retentionDays, excluding messages
// referenced by any episode and messages with a longer per-message retention
// override. Deletes run in chunks of at most 500 ids; no long transaction is
// held across chunks.
func (s *Store) Prune(ctx context.Context, retentionDays int) (int, error) {
	start := time.Now()
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := s.now() - int64(retentionDays)*86400

	protected, err := s.episodeMessageIDs(ctx)
	if err != nil {
		return 0, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.created_at, COALESCE(i.retention_days, 0)
		 FROM messages m
		 LEFT JOIN message_importance i ON i.message_id = m.id
		 WHERE m.created_at < ?`, cutoff)
	if err != nil {
		return 0, storeErr("prune select", err)
	}
	var victims []int64
	now := s.now()
	for rows.Next() {
		var id, createdAt int64
		var override int
		if err := rows.Scan(&id, &createdAt, &override); err != nil {
			rows.Close()
			return 0, storeErr("prune scan", err)
		}
		if protected[id] {
			continue
		}
		if override > 0 && createdAt >= now-int64(override)*86400 {
			continue
		}
		victims = append(victims, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, storeErr("prune iterate", err)
	}
	rows.Close()

	deleted := 0
	for len(victims) > 0 {
		chunk := victims
		if len(chunk) > pruneChunk {
			chunk = chunk[:pruneChunk]
		}
		victims = victims[len(chunk):]

		placeholders := make([]string, len(chunk))
		args := make([]any, len(chunk))
		for i, id := range chunk {
			placeholders[i] = "?"
			args[i] = id
		}
		in := strings.Join(placeholders, ",")
		if _, err := s.db.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM messages_fts WHERE message_id IN (%s)`, in), args...); err != nil {
			return deleted, storeErr("prune fts", err)
		}
		if _, err := s.db.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM message_importance WHERE message_id IN (%s)`, in), args...); err != nil {
			return deleted, storeErr("prune importance", err)
		}
		res, err := s.db.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM messages WHERE id IN (%s)`, in), args...)
		if err != nil {
			return deleted, storeErr("prune delete", err)
		}
		n, _ := res.RowsAffected()
		deleted += int(n)
	}

	s.logger.Info("sqlite: prune completed",
		"deleted", deleted, "retention_days", retentionDays,
		"protected", len(protected), "duration", time.Since(start))
	return deleted, nil
}

// episodeMessageIDs collects every message id referenced by any episode.
func (s *Store) episodeMessageIDs(ctx context.Context) (map[int64]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT value FROM episodes, json_each(episodes.message_ids)`)
	if err != nil {
		return nil, storeErr("episode message ids", err)
	}
	defer rows.Close()

	ids := map[int64]bool{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, storeErr("episode message ids scan", err)
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

// SetImportance records a per-message importance score and an optional
// retention override in days (0 = none).
func (s *Store) SetImportance(ctx context.Context, messageID int64, importance float64, retentionDays int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO message_importance (message_id, importance, retention_days)
		 VALUES (?, ?, ?)`,
		messageID, importance, retentionDays)
	if err != nil {
		return storeErr("set importance", err)
	}
	s.logger.Debug("sqlite: set importance", "message_id", messageID, "importance", importance, "retention_days", retentionDays)
	return nil
}

// Importance returns importance scores for the given ids; absent ids are
// simply missing from the map.
func (s *Store) Importance(ctx context.Context, messageIDs []int64) (map[int64]float64, error) {
	if len(messageIDs) == 0 {
		return map[int64]float64{}, nil
	}
	placeholders := make([]string, len(messageIDs))
	args := make([]any, len(messageIDs))
	for i, id := range messageIDs {
		placeholders[i] = "?"
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT message_id, importance FROM message_importance WHERE message_id IN (%s)`,
			strings.Join(placeholders, ",")), args...)
	if err != nil {
		return nil, storeErr("importance", err)
	}
	defer rows.Close()

	out := map[int64]float64{}
	for rows.Next() {
		var id int64
		var imp float64
		if err := rows.Scan(&id, &imp); err != nil {
			return nil, storeErr("importance scan", err)
		}
		out[id] = imp
	}
	return out, rows.Err()
}

// SearchKeyword runs FTS5 full-text search over message text within a chat.
// Scores are raw relevance values (-rank); callers normalize.
func (s *Store) SearchKeyword(ctx context.Context, chatID, threadID int64, query string, limit int) ([]gryag.ScoredMessage, error) {
	start := time.Now()
	match := ftsQuery(query)
	if match == "" || limit <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.chat_id, m.thread_id, m.user_id, m.role, m.text, m.media, m.metadata,
			m.external_message_id, m.external_user_id, m.external_reply_to_message_id,
			m.external_reply_to_user_id, m.created_at, f.rank
		 FROM messages_fts f
		 JOIN messages m ON m.id = f.message_id
		 WHERE messages_fts MATCH ? AND m.chat_id = ? AND m.thread_id = ?
		 ORDER BY f.rank LIMIT ?`,
		match, chatID, threadID, limit)
	if err != nil {
		s.logger.Error("sqlite: keyword search failed", "chat_id", chatID, "error", err)
		return nil, storeErr("keyword search", err)
	}
	defer rows.Close()

	var results []gryag.ScoredMessage
	for rows.Next() {
		var m gryag.Message
		var rank float64
		if err := scanMessageInto(rows, &m, &rank); err != nil {
			return nil, storeErr("keyword scan", err)
		}
		// FTS5 rank is negative (closer to 0 = better). Use -rank as score.
		score := -rank
		if score < 0 {
			score = 0
		}
		results = append(results, gryag.ScoredMessage{Message: m, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("keyword iterate", err)
	}
	s.logger.Debug("sqlite: keyword search ok", "chat_id", chatID, "returned", len(results), "duration", time.Since(start))
	return results, nil
}

// ftsQuery quotes each term so user punctuation cannot break FTS5 syntax.
func ftsQuery(query string) string {
	fields := strings.Fields(query)
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ReplaceAll(f, `"`, "")
		if f == "" {
			continue
		}
		terms = append(terms, `"`+f+`"`)
	}
	return strings.Join(terms, " OR ")
}

// SearchSemantic runs brute-force cosine similarity over message embeddings
// within a chat.
func (s *Store) SearchSemantic(ctx context.Context, chatID, threadID int64, embedding []float32, limit int) ([]gryag.ScoredMessage, error) {
	start := time.Now()
	if len(embedding) == 0 || limit <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+`, embedding FROM messages
		 WHERE chat_id = ? AND thread_id = ? AND embedding IS NOT NULL`,
		chatID, threadID)
	if err != nil {
		s.logger.Error("sqlite: semantic search failed", "chat_id", chatID, "error", err)
		return nil, storeErr("semantic search", err)
	}
	defer rows.Close()

	var results []gryag.ScoredMessage
	scanned := 0
	for rows.Next() {
		var m gryag.Message
		var embJSON string
		if err := scanMessageWithEmbedding(rows, &m, &embJSON); err != nil {
			return nil, storeErr("semantic scan", err)
		}
		scanned++
		stored, err := deserializeEmbedding(embJSON)
		if err != nil {
			continue
		}
		results = append(results, gryag.ScoredMessage{Message: m, Score: cosineSimilarity(embedding, stored)})
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("semantic iterate", err)
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	s.logger.Debug("sqlite: semantic search ok",
		"chat_id", chatID, "scanned", scanned, "returned", len(results), "duration", time.Since(start))
	return results, nil
}

// SetEmbedding backfills a message embedding after ingest.
func (s *Store) SetEmbedding(ctx context.Context, messageID int64, embedding []float32) error {
	if len(embedding) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET embedding = ? WHERE id = ?`,
		serializeEmbedding(embedding), messageID)
	if err != nil {
		return storeErr("set embedding", err)
	}
	return nil
}

// --- scanning helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (gryag.Message, error) {
	var m gryag.Message
	err := scanMessageFields(row, &m, nil, nil)
	return m, err
}

func scanMessages(rows *sql.Rows) ([]gryag.Message, error) {
	var msgs []gryag.Message
	for rows.Next() {
		var m gryag.Message
		if err := scanMessageFields(rows, &m, nil, nil); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func scanMessageInto(row rowScanner, m *gryag.Message, rank *float64) error {
	return scanMessageFields(row, m, nil, rank)
}

func scanMessageWithEmbedding(row rowScanner, m *gryag.Message, embJSON *string) error {
	return scanMessageFields(row, m, embJSON, nil)
}

// scanMessageFields scans the messageColumns set, plus an optional trailing
// embedding or rank column.
func scanMessageFields(row rowScanner, m *gryag.Message, embJSON *string, rank *float64) error {
	var media, meta sql.NullString
	var extMsg, extUser, extReplyMsg, extReplyUser sql.NullString

	dest := []any{
		&m.ID, &m.ChatID, &m.ThreadID, &m.UserID, &m.Role, &m.Text, &media, &meta,
		&extMsg, &extUser, &extReplyMsg, &extReplyUser, &m.CreatedAt,
	}
	if embJSON != nil {
		dest = append(dest, embJSON)
	}
	if rank != nil {
		dest = append(dest, rank)
	}
	if err := row.Scan(dest...); err != nil {
		return err
	}
	if media.Valid {
		_ = json.Unmarshal([]byte(media.String), &m.Media)
	}
	if meta.Valid {
		_ = json.Unmarshal([]byte(meta.String), &m.Metadata)
	}
	m.External = gryag.ExternalIDs{
		MessageID:        extMsg.String,
		UserID:           extUser.String,
		ReplyToMessageID: extReplyMsg.String,
		ReplyToUserID:    extReplyUser.String,
	}
	return nil
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
