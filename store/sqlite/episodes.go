package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"gryag"
)

const episodeColumns = `id, chat_id, thread_id, participants, topic, summary, valence,
	tags, message_ids, importance, embedding, created_at`

// AddEpisode persists one episode and returns its id. MessageIDs must be
// non-empty and strictly increasing; referenced messages are protected from
// retention pruning.
func (s *Store) AddEpisode(ctx context.Context, ep gryag.Episode) (int64, error) {
	start := time.Now()
	if len(ep.MessageIDs) == 0 {
		return 0, storeErr("add episode", fmt.Errorf("empty message id list"))
	}
	for i := 1; i < len(ep.MessageIDs); i++ {
		if ep.MessageIDs[i] <= ep.MessageIDs[i-1] {
			return 0, storeErr("add episode", fmt.Errorf("message ids not strictly increasing at index %d", i))
		}
	}
	if !gryag.KnownValence(ep.Valence) {
		ep.Valence = gryag.ValenceNeutral
	}
	if ep.CreatedAt == 0 {
		ep.CreatedAt = s.now()
	}

	var tagsJSON *string
	if len(ep.Tags) > 0 {
		tagsJSON = jsonOrNil(ep.Tags)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO episodes (chat_id, thread_id, participants, topic, summary, valence,
			tags, message_ids, importance, embedding, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ep.ChatID, ep.ThreadID, mustJSON(ep.Participants), ep.Topic, ep.Summary, ep.Valence,
		tagsJSON, mustJSON(ep.MessageIDs), ep.Importance, embeddingOrNil(ep.Embedding), ep.CreatedAt)
	if err != nil {
		s.logger.Error("sqlite: add episode failed", "chat_id", ep.ChatID, "error", err, "duration", time.Since(start))
		return 0, storeErr("add episode", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, storeErr("add episode id", err)
	}
	s.logger.Debug("sqlite: add episode ok",
		"id", id, "chat_id", ep.ChatID, "topic", ep.Topic,
		"messages", len(ep.MessageIDs), "importance", ep.Importance, "duration", time.Since(start))
	return id, nil
}

// SearchEpisodes returns episodes of a chat ranked by cosine similarity to
// the query embedding.
func (s *Store) SearchEpisodes(ctx context.Context, chatID int64, embedding []float32, limit int) ([]gryag.ScoredEpisode, error) {
	start := time.Now()
	if len(embedding) == 0 || limit <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+episodeColumns+` FROM episodes
		 WHERE chat_id = ? AND embedding IS NOT NULL`, chatID)
	if err != nil {
		return nil, storeErr("search episodes", err)
	}
	defer rows.Close()

	var results []gryag.ScoredEpisode
	scanned := 0
	for rows.Next() {
		ep, embJSON, err := scanEpisode(rows)
		if err != nil {
			return nil, storeErr("search episodes scan", err)
		}
		scanned++
		stored, err := deserializeEmbedding(embJSON)
		if err != nil {
			continue
		}
		results = append(results, gryag.ScoredEpisode{Episode: ep, Score: cosineSimilarity(embedding, stored)})
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("search episodes iterate", err)
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	s.logger.Debug("sqlite: search episodes ok",
		"chat_id", chatID, "scanned", scanned, "returned", len(results), "duration", time.Since(start))
	return results, nil
}

// RecentEpisodes lists the newest episodes of a chat.
func (s *Store) RecentEpisodes(ctx context.Context, chatID int64, limit int) ([]gryag.Episode, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+episodeColumns+` FROM episodes
		 WHERE chat_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		chatID, limit)
	if err != nil {
		return nil, storeErr("recent episodes", err)
	}
	defer rows.Close()

	var episodes []gryag.Episode
	for rows.Next() {
		ep, _, err := scanEpisode(rows)
		if err != nil {
			return nil, storeErr("recent episodes scan", err)
		}
		episodes = append(episodes, ep)
	}
	return episodes, rows.Err()
}

func scanEpisode(rows *sql.Rows) (gryag.Episode, string, error) {
	var ep gryag.Episode
	var participants, messageIDs string
	var valence string
	var tags, embJSON sql.NullString
	err := rows.Scan(&ep.ID, &ep.ChatID, &ep.ThreadID, &participants, &ep.Topic, &ep.Summary,
		&valence, &tags, &messageIDs, &ep.Importance, &embJSON, &ep.CreatedAt)
	if err != nil {
		return gryag.Episode{}, "", err
	}
	ep.Valence = gryag.Valence(valence)
	_ = json.Unmarshal([]byte(participants), &ep.Participants)
	_ = json.Unmarshal([]byte(messageIDs), &ep.MessageIDs)
	if tags.Valid {
		_ = json.Unmarshal([]byte(tags.String), &ep.Tags)
	}
	if embJSON.Valid {
		ep.Embedding, _ = deserializeEmbedding(embJSON.String)
	}
	return ep, embJSON.String, nil
}

func mustJSON(v any) string {
	data, _ := json.Marshal(v)
	return string(data)
}
