package gryag

import "context"

// ConversationStore owns message rows: every message the bot observes,
// addressed or not, plus per-message importance overrides.
type ConversationStore interface {
	// AddTurn persists one message and returns its internal id.
	// Rows are never updated after insert (embedding backfill aside).
	AddTurn(ctx context.Context, msg Message) (int64, error)
	// Recent returns up to maxTurns user+model pairs (2×maxTurns rows) in
	// chronological order. Equal timestamps tie-break by id ascending.
	Recent(ctx context.Context, chatID, threadID int64, maxTurns int) ([]Message, error)
	// ByExternalID resolves a message by its transport id. The dedicated
	// column is consulted first; legacy rows fall back to the metadata blob.
	ByExternalID(ctx context.Context, externalMessageID string) (*Message, error)
	// DeleteByExternalID removes a message by transport id, same lookup
	// policy as ByExternalID. Returns whether a row was deleted.
	DeleteByExternalID(ctx context.Context, externalMessageID string) (bool, error)
	// Prune deletes messages older than retentionDays, excluding messages
	// referenced by episodes and messages with a longer per-message
	// retention override. Deletes run in chunks of at most 500 ids.
	Prune(ctx context.Context, retentionDays int) (int, error)
	// SetImportance records a per-message importance score and an optional
	// retention override in days (0 = none).
	SetImportance(ctx context.Context, messageID int64, importance float64, retentionDays int) error
	// Importance returns importance scores for the given ids; absent ids
	// are simply missing from the map (callers default to 1.0).
	Importance(ctx context.Context, messageIDs []int64) (map[int64]float64, error)
	// SearchKeyword runs full-text search over message text within a chat.
	// Scores are raw relevance values; callers normalize to [0, 1].
	SearchKeyword(ctx context.Context, chatID, threadID int64, query string, limit int) ([]ScoredMessage, error)
	// SearchSemantic runs cosine-similarity search over message embeddings
	// within a chat. Scores are cosine similarities.
	SearchSemantic(ctx context.Context, chatID, threadID int64, embedding []float32, limit int) ([]ScoredMessage, error)
	// SetEmbedding backfills a message embedding asynchronously after ingest.
	SetEmbedding(ctx context.Context, messageID int64, embedding []float32) error
}

// FactQuery filters a fact listing.
type FactQuery struct {
	Entity        EntityRef
	Category      FactCategory // empty = all categories
	MinConfidence float64      // on effective (decayed) confidence
	Limit         int          // 0 = no limit
}

// FactStore owns facts and their append-only version log.
type FactStore interface {
	// AddFact runs the write path of the quality pipeline: exact-key and
	// semantic-near-match reinforcement, conflict resolution, otherwise
	// insert. It returns the resulting stored fact and the change applied
	// (ChangeNone when the candidate was dropped by conflict resolution).
	AddFact(ctx context.Context, f Fact) (Fact, FactChange, error)
	// UpdateFact force-writes a fact, bypassing deduplication and conflict
	// resolution. Reserved for explicit admin-initiated updates.
	UpdateFact(ctx context.Context, f Fact) error
	// ForgetFact soft-deletes one active fact and appends a deleted version.
	ForgetFact(ctx context.Context, entity EntityRef, category FactCategory, key string) (bool, error)
	// ForgetAll soft-deletes every active fact of an entity.
	ForgetAll(ctx context.Context, entity EntityRef) (int, error)
	// Facts lists active facts matching the query, highest effective
	// confidence first.
	Facts(ctx context.Context, q FactQuery) ([]Fact, error)
	// RecentFacts lists the most recently updated active facts.
	RecentFacts(ctx context.Context, entity EntityRef, limit int) ([]Fact, error)
	// SearchFacts returns active facts of an entity ranked by cosine
	// similarity to the query embedding.
	SearchFacts(ctx context.Context, entity EntityRef, embedding []float32, limit int) ([]ScoredFact, error)
	// Versions returns the version log for a fact, newest first.
	Versions(ctx context.Context, factID int64, limit int) ([]FactVersion, error)
}

// EpisodeStore owns episode rows.
type EpisodeStore interface {
	// AddEpisode persists one episode and returns its id. MessageIDs must
	// be non-empty and strictly increasing.
	AddEpisode(ctx context.Context, ep Episode) (int64, error)
	// SearchEpisodes returns episodes of a chat ranked by cosine similarity
	// to the query embedding.
	SearchEpisodes(ctx context.Context, chatID int64, embedding []float32, limit int) ([]ScoredEpisode, error)
	// RecentEpisodes lists the newest episodes of a chat.
	RecentEpisodes(ctx context.Context, chatID int64, limit int) ([]Episode, error)
}

// PromptStore owns versioned system-prompt records. chatID GlobalScope
// addresses the global scope.
type PromptStore interface {
	// ActivePrompt returns the active record for a scope, or nil.
	ActivePrompt(ctx context.Context, chatID int64) (*PromptRecord, error)
	// SetPrompt stores a new version for the scope, activates it, and
	// returns the version number.
	SetPrompt(ctx context.Context, chatID int64, body string) (int, error)
	// ActivateVersion switches the active record of a scope.
	ActivateVersion(ctx context.Context, chatID int64, version int) error
	// History lists a scope's versions, newest first.
	History(ctx context.Context, chatID int64, limit int) ([]PromptRecord, error)
}
