// Package sqlite implements the gryag store interfaces using pure-Go SQLite:
// FTS5 for keyword search and in-process brute-force cosine similarity for
// vector search. Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"gryag"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. When set, the store
// emits debug logs for every operation including timing, row counts, and key
// parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// WithDecayRates overrides the per-category confidence decay rates (per day)
// applied to newly created facts.
func WithDecayRates(rates map[gryag.FactCategory]float64) StoreOption {
	return func(s *Store) {
		for c, r := range rates {
			s.decayRates[c] = r
		}
	}
}

// withClock overrides the clock. Tests only.
func withClock(now func() int64) StoreOption {
	return func(s *Store) { s.now = now }
}

// Store implements gryag.ConversationStore, gryag.FactStore,
// gryag.EpisodeStore, and gryag.PromptStore backed by one SQLite file.
// Embeddings are stored as JSON text; vector search is done in-process.
type Store struct {
	db         *sql.DB
	logger     *slog.Logger
	decayRates map[gryag.FactCategory]float64
	now        func() int64
}

var _ gryag.ConversationStore = (*Store)(nil)
var _ gryag.FactStore = (*Store)(nil)
var _ gryag.EpisodeStore = (*Store)(nil)
var _ gryag.PromptStore = (*Store)(nil)

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// defaultDecayRates: slow-moving categories barely decay; volatile ones
// (preferences, current topics) fade within weeks.
var defaultDecayRates = map[gryag.FactCategory]float64{
	gryag.CategoryPersonal:     0,
	gryag.CategoryLanguage:     0,
	gryag.CategoryRelationship: 0.001,
	gryag.CategoryLocation:     0.002,
	gryag.CategorySkill:        0.002,
	gryag.CategoryTrait:        0.003,
	gryag.CategoryInterest:     0.005,
	gryag.CategoryPreference:   0.01,
	gryag.CategoryStyle:        0.01,
	gryag.CategoryTopic:        0.03,
	gryag.CategoryNorm:         0.005,
	gryag.CategoryCulture:      0.003,
	gryag.CategoryRule:         0,
}

// New creates a Store using a local SQLite file at dbPath. It opens a single
// shared connection pool with SetMaxOpenConns(1) so all goroutines serialize
// through one connection, eliminating SQLITE_BUSY errors from concurrent
// writers.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{
		db:         db,
		logger:     nopLogger,
		decayRates: map[gryag.FactCategory]float64{},
		now:        gryag.NowUnix,
	}
	for c, r := range defaultDecayRates {
		s.decayRates[c] = r
	}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables, indexes, and the FTS index, then applies
// idempotent column-add migrations.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")

	tables := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id INTEGER NOT NULL,
			thread_id INTEGER NOT NULL DEFAULT 0,
			user_id INTEGER NOT NULL,
			role TEXT NOT NULL,
			text TEXT NOT NULL DEFAULT '',
			media TEXT,
			metadata TEXT,
			embedding TEXT,
			external_message_id TEXT,
			external_user_id TEXT,
			external_reply_to_message_id TEXT,
			external_reply_to_user_id TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS message_importance (
			message_id INTEGER PRIMARY KEY,
			importance REAL NOT NULL,
			retention_days INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS facts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			entity_kind TEXT NOT NULL,
			entity_id INTEGER NOT NULL,
			chat_context INTEGER NOT NULL DEFAULT 0,
			category TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			confidence REAL NOT NULL,
			evidence_count INTEGER NOT NULL DEFAULT 1,
			evidence TEXT NOT NULL DEFAULT '',
			source_message_id INTEGER NOT NULL DEFAULT 0,
			embedding TEXT,
			decay_rate REAL NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			active INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS fact_versions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			fact_id INTEGER NOT NULL,
			change TEXT NOT NULL,
			confidence_delta REAL NOT NULL DEFAULT 0,
			prior_value TEXT NOT NULL DEFAULT '',
			new_value TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS episodes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id INTEGER NOT NULL,
			thread_id INTEGER NOT NULL DEFAULT 0,
			participants TEXT NOT NULL,
			topic TEXT NOT NULL,
			summary TEXT NOT NULL,
			valence TEXT NOT NULL,
			tags TEXT,
			message_ids TEXT NOT NULL,
			importance REAL NOT NULL,
			embedding TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS system_prompts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id INTEGER NOT NULL,
			version INTEGER NOT NULL,
			body TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			UNIQUE(chat_id, version)
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	// Migrations (best-effort, silent fail if already applied).
	_, _ = s.db.ExecContext(ctx, "ALTER TABLE messages ADD COLUMN external_message_id TEXT")
	_, _ = s.db.ExecContext(ctx, "ALTER TABLE messages ADD COLUMN external_user_id TEXT")
	_, _ = s.db.ExecContext(ctx, "ALTER TABLE messages ADD COLUMN external_reply_to_message_id TEXT")
	_, _ = s.db.ExecContext(ctx, "ALTER TABLE messages ADD COLUMN external_reply_to_user_id TEXT")
	_, _ = s.db.ExecContext(ctx, "ALTER TABLE facts ADD COLUMN chat_context INTEGER NOT NULL DEFAULT 0")
	_, _ = s.db.ExecContext(ctx, "ALTER TABLE facts ADD COLUMN decay_rate REAL NOT NULL DEFAULT 0")
	_, _ = s.db.ExecContext(ctx, "ALTER TABLE message_importance ADD COLUMN retention_days INTEGER NOT NULL DEFAULT 0")

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_messages_conv ON messages(chat_id, thread_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_external ON messages(external_message_id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_facts_active_key
			ON facts(entity_kind, entity_id, category, key) WHERE active = 1`,
		`CREATE INDEX IF NOT EXISTS idx_facts_entity ON facts(entity_kind, entity_id, active)`,
		`CREATE INDEX IF NOT EXISTS idx_fact_versions_fact ON fact_versions(fact_id)`,
		`CREATE INDEX IF NOT EXISTS idx_episodes_chat ON episodes(chat_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_prompts_scope ON system_prompts(chat_id, active)`,
	}
	for _, ddl := range indexes {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}

	// FTS5 full-text index over message text, kept in sync on insert/delete.
	if _, err := s.db.ExecContext(ctx,
		`CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(message_id UNINDEXED, text)`); err != nil {
		return fmt.Errorf("create fts table: %w", err)
	}

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// EmbeddingDimensions reports the dimensionality of embeddings already stored
// in the database, or 0 when none exist. Startup compares it against the
// configured embedding model: cosine similarity over mismatched lengths is 0,
// so a silent model switch would zero every semantic score.
func (s *Store) EmbeddingDimensions(ctx context.Context) (int, error) {
	queries := []string{
		`SELECT embedding FROM messages WHERE embedding IS NOT NULL ORDER BY id DESC LIMIT 1`,
		`SELECT embedding FROM facts WHERE embedding IS NOT NULL ORDER BY id DESC LIMIT 1`,
		`SELECT embedding FROM episodes WHERE embedding IS NOT NULL ORDER BY id DESC LIMIT 1`,
	}
	for _, q := range queries {
		var raw string
		err := s.db.QueryRowContext(ctx, q).Scan(&raw)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return 0, storeErr("embedding dimensions", err)
		}
		vec, err := deserializeEmbedding(raw)
		if err != nil {
			return 0, storeErr("embedding dimensions", err)
		}
		if len(vec) > 0 {
			return len(vec), nil
		}
	}
	return 0, nil
}

// DB returns the underlying *sql.DB.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the underlying database connection.
func (s *Store) Close() error {
	s.logger.Debug("sqlite: closing store")
	err := s.db.Close()
	if err != nil {
		s.logger.Error("sqlite: close failed", "error", err)
	}
	return err
}

func storeErr(op string, err error) error {
	return &gryag.StoreError{Op: op, Err: err}
}

// --- Vector math and serialization helpers ---

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return dot / denom
}

// serializeEmbedding converts []float32 to a JSON array string.
func serializeEmbedding(embedding []float32) string {
	data, _ := json.Marshal(embedding)
	return string(data)
}

// deserializeEmbedding parses a JSON array string back to []float32.
func deserializeEmbedding(s string) ([]float32, error) {
	var v []float32
	err := json.Unmarshal([]byte(s), &v)
	return v, err
}

func jsonOrNil(v any) *string {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	s := string(data)
	return &s
}

func embeddingOrNil(e []float32) *string {
	if len(e) == 0 {
		return nil
	}
	s := serializeEmbedding(e)
	return &s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
