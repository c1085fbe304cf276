package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"gryag"
)

const factColumns = `id, entity_kind, entity_id, chat_context, category, key, value,
	confidence, evidence_count, evidence, source_message_id, embedding, decay_rate,
	created_at, updated_at, active`

// duplicateThreshold is the embedding cosine above which a candidate is
// treated as the same fact as an existing one in the same entity+category.
const duplicateThreshold = 0.85

// AddFact runs the write path of the quality pipeline:
//
//  1. Exact (entity, category, key) match with the same normalized value
//     reinforces the existing fact.
//  2. Same key with a different value resolves the conflict: the new value
//     wins only when it is newer and its confidence is at least 90% of the
//     old one; the loser is superseded (or the candidate dropped).
//  3. A semantic near-match (cosine >= 0.85 in the same entity+category)
//     reinforces that fact instead, merging evidence.
//  4. Otherwise the fact is inserted.
//
// Every transition appends exactly one version row. The returned FactChange
// is ChangeNone when the candidate was dropped by conflict resolution.
func (s *Store) AddFact(ctx context.Context, f gryag.Fact) (gryag.Fact, gryag.FactChange, error) {
	start := time.Now()
	if !gryag.KnownCategory(f.Category) {
		return gryag.Fact{}, gryag.ChangeNone, storeErr("add fact", fmt.Errorf("unknown category %q", f.Category))
	}
	f.Key = gryag.NormalizeFactKey(f.Key)
	if f.Key == "" || strings.TrimSpace(f.Value) == "" {
		return gryag.Fact{}, gryag.ChangeNone, storeErr("add fact", fmt.Errorf("empty key or value"))
	}
	now := s.now()
	if f.UpdatedAt == 0 {
		f.UpdatedAt = now
	}
	if f.CreatedAt == 0 {
		f.CreatedAt = now
	}
	if f.EvidenceCount <= 0 {
		f.EvidenceCount = 1
	}
	if f.DecayRate == 0 {
		f.DecayRate = s.decayRates[f.Category]
	}

	existing, err := s.activeFactByKey(ctx, f.Entity, f.Category, f.Key)
	if err != nil {
		return gryag.Fact{}, gryag.ChangeNone, err
	}
	if existing != nil {
		if gryag.NormalizeFactValue(f.Category, existing.Value) == gryag.NormalizeFactValue(f.Category, f.Value) {
			updated, err := s.reinforce(ctx, *existing, f)
			if err != nil {
				return gryag.Fact{}, gryag.ChangeNone, err
			}
			s.logger.Debug("sqlite: fact reinforced", "fact_id", updated.ID, "key", f.Key, "duration", time.Since(start))
			return updated, gryag.ChangeReinforced, nil
		}
		return s.resolveConflict(ctx, *existing, f, start)
	}

	// No exact key match: look for a semantic near-duplicate in the same
	// entity+category.
	if len(f.Embedding) > 0 {
		near, err := s.nearestActiveFact(ctx, f.Entity, f.Category, f.Embedding)
		if err != nil {
			return gryag.Fact{}, gryag.ChangeNone, err
		}
		if near != nil {
			merged := f
			merged.Evidence = mergeExcerpts(near.Evidence, f.Evidence)
			updated, err := s.reinforce(ctx, *near, merged)
			if err != nil {
				return gryag.Fact{}, gryag.ChangeNone, err
			}
			s.logger.Debug("sqlite: fact near-match reinforced",
				"fact_id", updated.ID, "key", near.Key, "candidate_key", f.Key, "duration", time.Since(start))
			return updated, gryag.ChangeReinforced, nil
		}
	}

	inserted, err := s.insertFact(ctx, f)
	if err != nil {
		return gryag.Fact{}, gryag.ChangeNone, err
	}
	s.logger.Debug("sqlite: fact created",
		"fact_id", inserted.ID, "entity_kind", f.Entity.Kind, "entity_id", f.Entity.ID,
		"category", f.Category, "key", f.Key, "duration", time.Since(start))
	return inserted, gryag.ChangeCreated, nil
}

// reinforce bumps an existing fact with new evidence: confidence becomes the
// max of the two, the evidence count grows, and a reinforced version row is
// appended.
func (s *Store) reinforce(ctx context.Context, old, candidate gryag.Fact) (gryag.Fact, error) {
	now := s.now()
	newConf := old.Confidence
	if candidate.Confidence > newConf {
		newConf = candidate.Confidence
	}
	evidence := old.Evidence
	if candidate.Evidence != "" && candidate.Evidence != old.Evidence {
		evidence = mergeExcerpts(old.Evidence, candidate.Evidence)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return gryag.Fact{}, storeErr("reinforce", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`UPDATE facts SET confidence = ?, evidence_count = evidence_count + 1,
			evidence = ?, updated_at = ? WHERE id = ?`,
		newConf, evidence, now, old.ID)
	if err != nil {
		return gryag.Fact{}, storeErr("reinforce update", err)
	}
	if err := appendVersion(ctx, tx, old.ID, gryag.ChangeReinforced, newConf-old.Confidence, old.Value, old.Value, now); err != nil {
		return gryag.Fact{}, err
	}
	if err := tx.Commit(); err != nil {
		return gryag.Fact{}, storeErr("reinforce commit", err)
	}

	old.Confidence = newConf
	old.EvidenceCount++
	old.Evidence = evidence
	old.UpdatedAt = now
	return old, nil
}

// resolveConflict applies the same-key different-value rule: the candidate
// wins only when it is newer and carries at least 90% of the old confidence.
func (s *Store) resolveConflict(ctx context.Context, old, candidate gryag.Fact, start time.Time) (gryag.Fact, gryag.FactChange, error) {
	if candidate.UpdatedAt <= old.UpdatedAt || candidate.Confidence < old.Confidence*0.9 {
		s.logger.Debug("sqlite: fact conflict dropped candidate",
			"fact_id", old.ID, "key", old.Key,
			"old_value", old.Value, "new_value", candidate.Value, "duration", time.Since(start))
		return old, gryag.ChangeNone, nil
	}

	now := s.now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return gryag.Fact{}, gryag.ChangeNone, storeErr("conflict", err)
	}
	defer tx.Rollback() //nolint:errcheck

	// The old fact goes inactive with a superseded version; the new value
	// takes over the unique (entity, category, key) slot.
	if _, err := tx.ExecContext(ctx,
		`UPDATE facts SET active = 0, updated_at = ? WHERE id = ?`, now, old.ID); err != nil {
		return gryag.Fact{}, gryag.ChangeNone, storeErr("conflict supersede", err)
	}
	if err := appendVersion(ctx, tx, old.ID, gryag.ChangeSuperseded, 0, old.Value, candidate.Value, now); err != nil {
		return gryag.Fact{}, gryag.ChangeNone, err
	}

	inserted, err := insertFactTx(ctx, tx, candidate, now)
	if err != nil {
		return gryag.Fact{}, gryag.ChangeNone, err
	}
	if err := tx.Commit(); err != nil {
		return gryag.Fact{}, gryag.ChangeNone, storeErr("conflict commit", err)
	}

	s.logger.Debug("sqlite: fact superseded",
		"old_fact_id", old.ID, "new_fact_id", inserted.ID, "key", old.Key,
		"old_value", old.Value, "new_value", candidate.Value, "duration", time.Since(start))
	return inserted, gryag.ChangeSuperseded, nil
}

func (s *Store) insertFact(ctx context.Context, f gryag.Fact) (gryag.Fact, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return gryag.Fact{}, storeErr("insert fact", err)
	}
	defer tx.Rollback() //nolint:errcheck

	inserted, err := insertFactTx(ctx, tx, f, s.now())
	if err != nil {
		return gryag.Fact{}, err
	}
	if err := tx.Commit(); err != nil {
		return gryag.Fact{}, storeErr("insert fact commit", err)
	}
	return inserted, nil
}

func insertFactTx(ctx context.Context, tx *sql.Tx, f gryag.Fact, now int64) (gryag.Fact, error) {
	if f.CreatedAt == 0 {
		f.CreatedAt = now
	}
	if f.UpdatedAt == 0 {
		f.UpdatedAt = now
	}
	f.Active = true

	res, err := tx.ExecContext(ctx,
		`INSERT INTO facts (entity_kind, entity_id, chat_context, category, key, value,
			confidence, evidence_count, evidence, source_message_id, embedding, decay_rate,
			created_at, updated_at, active)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		f.Entity.Kind, f.Entity.ID, f.ChatContext, f.Category, f.Key, f.Value,
		f.Confidence, f.EvidenceCount, f.Evidence, f.SourceMessageID,
		embeddingOrNil(f.Embedding), f.DecayRate, f.CreatedAt, f.UpdatedAt)
	if err != nil {
		return gryag.Fact{}, storeErr("insert fact", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return gryag.Fact{}, storeErr("insert fact id", err)
	}
	f.ID = id
	if err := appendVersion(ctx, tx, id, gryag.ChangeCreated, f.Confidence, "", f.Value, now); err != nil {
		return gryag.Fact{}, err
	}
	return f, nil
}

func appendVersion(ctx context.Context, tx *sql.Tx, factID int64, change gryag.FactChange, delta float64, prior, next string, now int64) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO fact_versions (fact_id, change, confidence_delta, prior_value, new_value, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		factID, change, delta, prior, next, now)
	if err != nil {
		return storeErr("append version", err)
	}
	return nil
}

// UpdateFact force-writes a fact by id, bypassing deduplication and conflict
// resolution. Reserved for explicit admin-initiated updates; it still
// appends a corrected version row.
func (s *Store) UpdateFact(ctx context.Context, f gryag.Fact) error {
	old, err := s.factByID(ctx, f.ID)
	if err != nil {
		return err
	}
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("update fact", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`UPDATE facts SET value = ?, confidence = ?, evidence = ?, embedding = ?, updated_at = ?
		 WHERE id = ?`,
		f.Value, f.Confidence, f.Evidence, embeddingOrNil(f.Embedding), now, f.ID)
	if err != nil {
		return storeErr("update fact", err)
	}
	if err := appendVersion(ctx, tx, f.ID, gryag.ChangeCorrected, f.Confidence-old.Confidence, old.Value, f.Value, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storeErr("update fact commit", err)
	}
	s.logger.Debug("sqlite: fact updated", "fact_id", f.ID, "prior", old.Value, "value", f.Value)
	return nil
}

// ForgetFact soft-deletes one active fact and appends a deleted version.
// Rows are never physically removed.
func (s *Store) ForgetFact(ctx context.Context, entity gryag.EntityRef, category gryag.FactCategory, key string) (bool, error) {
	key = gryag.NormalizeFactKey(key)
	existing, err := s.activeFactByKey(ctx, entity, category, key)
	if err != nil {
		return false, err
	}
	if existing == nil {
		return false, nil
	}
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, storeErr("forget fact", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`UPDATE facts SET active = 0, updated_at = ? WHERE id = ?`, now, existing.ID); err != nil {
		return false, storeErr("forget fact", err)
	}
	if err := appendVersion(ctx, tx, existing.ID, gryag.ChangeDeleted, 0, existing.Value, "", now); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, storeErr("forget fact commit", err)
	}
	s.logger.Debug("sqlite: fact forgotten", "fact_id", existing.ID, "key", key)
	return true, nil
}

// ForgetAll soft-deletes every active fact of an entity, one deleted version
// per fact. Returns the number forgotten.
func (s *Store) ForgetAll(ctx context.Context, entity gryag.EntityRef) (int, error) {
	facts, err := s.Facts(ctx, gryag.FactQuery{Entity: entity})
	if err != nil {
		return 0, err
	}
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storeErr("forget all", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, f := range facts {
		if _, err := tx.ExecContext(ctx,
			`UPDATE facts SET active = 0, updated_at = ? WHERE id = ?`, now, f.ID); err != nil {
			return 0, storeErr("forget all", err)
		}
		if err := appendVersion(ctx, tx, f.ID, gryag.ChangeDeleted, 0, f.Value, "", now); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, storeErr("forget all commit", err)
	}
	s.logger.Debug("sqlite: forgot all facts", "entity_kind", entity.Kind, "entity_id", entity.ID, "count", len(facts))
	return len(facts), nil
}

// Facts lists active facts matching the query, highest effective (decayed)
// confidence first. Decay is applied at read time and never mutates rows.
func (s *Store) Facts(ctx context.Context, q gryag.FactQuery) ([]gryag.Fact, error) {
	query := `SELECT ` + factColumns + ` FROM facts
		WHERE entity_kind = ? AND entity_id = ? AND active = 1`
	args := []any{q.Entity.Kind, q.Entity.ID}
	if q.Category != "" {
		query += ` AND category = ?`
		args = append(args, q.Category)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("get facts", err)
	}
	defer rows.Close()

	facts, err := scanFacts(rows)
	if err != nil {
		return nil, storeErr("get facts scan", err)
	}

	now := s.now()
	if q.MinConfidence > 0 {
		kept := facts[:0]
		for _, f := range facts {
			if f.EffectiveConfidence(now) >= q.MinConfidence {
				kept = append(kept, f)
			}
		}
		facts = kept
	}
	sort.Slice(facts, func(i, j int) bool {
		ei, ej := facts[i].EffectiveConfidence(now), facts[j].EffectiveConfidence(now)
		if ei != ej {
			return ei > ej
		}
		return facts[i].UpdatedAt > facts[j].UpdatedAt
	})
	if q.Limit > 0 && len(facts) > q.Limit {
		facts = facts[:q.Limit]
	}
	return facts, nil
}

// RecentFacts lists the most recently updated active facts of an entity.
func (s *Store) RecentFacts(ctx context.Context, entity gryag.EntityRef, limit int) ([]gryag.Fact, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+factColumns+` FROM facts
		 WHERE entity_kind = ? AND entity_id = ? AND active = 1
		 ORDER BY updated_at DESC, id DESC LIMIT ?`,
		entity.Kind, entity.ID, limit)
	if err != nil {
		return nil, storeErr("recent facts", err)
	}
	defer rows.Close()
	facts, err := scanFacts(rows)
	if err != nil {
		return nil, storeErr("recent facts scan", err)
	}
	return facts, nil
}

// SearchFacts returns active facts of an entity ranked by cosine similarity
// to the query embedding.
func (s *Store) SearchFacts(ctx context.Context, entity gryag.EntityRef, embedding []float32, limit int) ([]gryag.ScoredFact, error) {
	if len(embedding) == 0 || limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+factColumns+` FROM facts
		 WHERE entity_kind = ? AND entity_id = ? AND active = 1 AND embedding IS NOT NULL`,
		entity.Kind, entity.ID)
	if err != nil {
		return nil, storeErr("search facts", err)
	}
	defer rows.Close()

	var results []gryag.ScoredFact
	for rows.Next() {
		f, embJSON, err := scanFact(rows)
		if err != nil {
			return nil, storeErr("search facts scan", err)
		}
		stored, err := deserializeEmbedding(embJSON)
		if err != nil {
			continue
		}
		results = append(results, gryag.ScoredFact{Fact: f, Score: cosineSimilarity(embedding, stored)})
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("search facts iterate", err)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Versions returns the version log for a fact, newest first.
func (s *Store) Versions(ctx context.Context, factID int64, limit int) ([]gryag.FactVersion, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, fact_id, change, confidence_delta, prior_value, new_value, created_at
		 FROM fact_versions WHERE fact_id = ?
		 ORDER BY id DESC LIMIT ?`, factID, limit)
	if err != nil {
		return nil, storeErr("versions", err)
	}
	defer rows.Close()

	var versions []gryag.FactVersion
	for rows.Next() {
		var v gryag.FactVersion
		var change string
		if err := rows.Scan(&v.ID, &v.FactID, &change, &v.ConfidenceDelta, &v.PriorValue, &v.NewValue, &v.CreatedAt); err != nil {
			return nil, storeErr("versions scan", err)
		}
		v.Change = gryag.FactChange(change)
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// activeFactByKey fetches the single active fact for (entity, category, key).
func (s *Store) activeFactByKey(ctx context.Context, entity gryag.EntityRef, category gryag.FactCategory, key string) (*gryag.Fact, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+factColumns+` FROM facts
		 WHERE entity_kind = ? AND entity_id = ? AND category = ? AND key = ? AND active = 1`,
		entity.Kind, entity.ID, category, key)
	f, _, err := scanFactRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("fact by key", err)
	}
	return &f, nil
}

func (s *Store) factByID(ctx context.Context, id int64) (*gryag.Fact, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+factColumns+` FROM facts WHERE id = ?`, id)
	f, _, err := scanFactRow(row)
	if err == sql.ErrNoRows {
		return nil, storeErr("fact by id", fmt.Errorf("fact %d not found", id))
	}
	if err != nil {
		return nil, storeErr("fact by id", err)
	}
	return &f, nil
}

// nearestActiveFact finds an active fact in the same entity+category whose
// embedding clears the duplicate threshold.
func (s *Store) nearestActiveFact(ctx context.Context, entity gryag.EntityRef, category gryag.FactCategory, embedding []float32) (*gryag.Fact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+factColumns+` FROM facts
		 WHERE entity_kind = ? AND entity_id = ? AND category = ? AND active = 1
		   AND embedding IS NOT NULL`,
		entity.Kind, entity.ID, category)
	if err != nil {
		return nil, storeErr("nearest fact", err)
	}
	defer rows.Close()

	var best *gryag.Fact
	bestScore := duplicateThreshold
	for rows.Next() {
		f, embJSON, err := scanFact(rows)
		if err != nil {
			return nil, storeErr("nearest fact scan", err)
		}
		stored, err := deserializeEmbedding(embJSON)
		if err != nil {
			continue
		}
		if score := cosineSimilarity(embedding, stored); score >= bestScore {
			bestScore = score
			fact := f
			best = &fact
		}
	}
	return best, rows.Err()
}

func mergeExcerpts(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "" || a == b || strings.Contains(a, b):
		return a
	}
	return a + " | " + b
}

// --- scanning ---

func scanFact(rows *sql.Rows) (gryag.Fact, string, error) {
	return scanFactRow(rows)
}

func scanFactRow(row rowScanner) (gryag.Fact, string, error) {
	var f gryag.Fact
	var kind string
	var category string
	var embJSON sql.NullString
	var active int
	err := row.Scan(&f.ID, &kind, &f.Entity.ID, &f.ChatContext, &category, &f.Key, &f.Value,
		&f.Confidence, &f.EvidenceCount, &f.Evidence, &f.SourceMessageID, &embJSON,
		&f.DecayRate, &f.CreatedAt, &f.UpdatedAt, &active)
	if err != nil {
		return gryag.Fact{}, "", err
	}
	f.Entity.Kind = gryag.EntityKind(kind)
	f.Category = gryag.FactCategory(category)
	f.Active = active != 0
	if embJSON.Valid {
		f.Embedding, _ = deserializeEmbedding(embJSON.String)
	}
	return f, embJSON.String, nil
}

func scanFacts(rows *sql.Rows) ([]gryag.Fact, error) {
	var facts []gryag.Fact
	for rows.Next() {
		f, _, err := scanFact(rows)
		if err != nil {
			return nil, err
		}
		facts = append(facts, f)
	}
	return facts, rows.Err()
}
