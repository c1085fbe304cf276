package gryag

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"
)

// Cosine returns the cosine similarity of two vectors, 0 when either is
// empty or the dimensions differ.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// SearchRequest is one hybrid search over a chat's messages.
type SearchRequest struct {
	ChatID   int64
	ThreadID int64
	UserID   int64 // 0 = any author
	Query    string
	// Embedding, when set, is used directly instead of embedding Query.
	Embedding []float32
	Limit     int
}

// SearchOption configures a SearchEngine.
type SearchOption func(*searchConfig)

type searchConfig struct {
	semanticWeight float64
	keywordWeight  float64
	temporalWeight float64
	halfLifeDays   float64
	maxCandidates  int
	logger         *slog.Logger
	onDegrade      func()
	now            func() int64
}

// WithSearchWeights sets the semantic/keyword/temporal weights. Semantic and
// keyword must sum to 1.0 within 1e-6; NewSearchEngine fails otherwise.
func WithSearchWeights(semantic, keyword, temporal float64) SearchOption {
	return func(c *searchConfig) {
		c.semanticWeight = semantic
		c.keywordWeight = keyword
		c.temporalWeight = temporal
	}
}

// WithHalfLife sets the temporal decay half-life in days. Default 7.
func WithHalfLife(days float64) SearchOption {
	return func(c *searchConfig) {
		if days > 0 {
			c.halfLifeDays = days
		}
	}
}

// WithMaxCandidates caps the per-source candidate fetch. Default 500.
func WithMaxCandidates(n int) SearchOption {
	return func(c *searchConfig) {
		if n > 0 {
			c.maxCandidates = n
		}
	}
}

// WithSearchLogger sets the logger. Default discards.
func WithSearchLogger(l *slog.Logger) SearchOption {
	return func(c *searchConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithDegradeCounter registers a callback fired each time an embedding
// failure degrades a search to keyword-only.
func WithDegradeCounter(fn func()) SearchOption {
	return func(c *searchConfig) { c.onDegrade = fn }
}

// withSearchClock overrides the clock. Tests only.
func withSearchClock(now func() int64) SearchOption {
	return func(c *searchConfig) { c.now = now }
}

// SearchEngine ranks messages by a blend of semantic similarity, keyword
// relevance, recency, and per-message importance.
type SearchEngine struct {
	conv     ConversationStore
	embedder EmbeddingProvider
	cfg      searchConfig
}

// NewSearchEngine builds a SearchEngine. The weight split is validated here;
// an invalid split is a startup error.
func NewSearchEngine(conv ConversationStore, embedder EmbeddingProvider, opts ...SearchOption) (*SearchEngine, error) {
	cfg := searchConfig{
		semanticWeight: 0.5,
		keywordWeight:  0.5,
		temporalWeight: 1.0,
		halfLifeDays:   7,
		maxCandidates:  500,
		logger:         nopLogger,
		now:            NowUnix,
	}
	for _, o := range opts {
		o(&cfg)
	}
	if math.Abs(cfg.semanticWeight+cfg.keywordWeight-1.0) > 1e-6 {
		return nil, fmt.Errorf("search weights: semantic %.3f + keyword %.3f must sum to 1.0",
			cfg.semanticWeight, cfg.keywordWeight)
	}
	return &SearchEngine{conv: conv, embedder: embedder, cfg: cfg}, nil
}

// Search runs the hybrid ranking and returns up to req.Limit messages with
// final scores in [0, 1]. Queries under 3 words skip the semantic leg;
// embedding failures degrade to keyword-only.
func (e *SearchEngine) Search(ctx context.Context, req SearchRequest) ([]ScoredMessage, error) {
	start := time.Now()
	if req.Limit <= 0 {
		req.Limit = 10
	}

	semantic := len(strings.Fields(req.Query)) >= 3
	embedding := req.Embedding
	if semantic && len(embedding) == 0 && e.embedder != nil {
		embs, err := e.embedder.Embed(ctx, []string{req.Query})
		if err != nil || len(embs) == 0 {
			e.cfg.logger.Debug("search degraded to keyword-only", "error", err)
			if e.cfg.onDegrade != nil {
				e.cfg.onDegrade()
			}
			semantic = false
		} else {
			embedding = embs[0]
		}
	}
	if len(embedding) == 0 {
		semantic = false
	}

	kwResults, err := e.conv.SearchKeyword(ctx, req.ChatID, req.ThreadID, req.Query, e.cfg.maxCandidates)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}

	var semResults []ScoredMessage
	if semantic {
		semResults, err = e.conv.SearchSemantic(ctx, req.ChatID, req.ThreadID, embedding, e.cfg.maxCandidates)
		if err != nil {
			e.cfg.logger.Debug("semantic leg failed, keyword-only", "error", err)
			if e.cfg.onDegrade != nil {
				e.cfg.onDegrade()
			}
			semResults = nil
		}
	}

	type candidate struct {
		msg Message
		kw  float64
		sem float64
	}
	merged := make(map[int64]*candidate)

	// Keyword scores normalize against the best hit.
	var kwMax float64
	for _, r := range kwResults {
		if r.Score > kwMax {
			kwMax = r.Score
		}
	}
	for _, r := range kwResults {
		if req.UserID != 0 && r.UserID != req.UserID {
			continue
		}
		c := &candidate{msg: r.Message}
		if kwMax > 0 {
			c.kw = r.Score / kwMax
		}
		merged[r.ID] = c
	}
	for _, r := range semResults {
		if req.UserID != 0 && r.UserID != req.UserID {
			continue
		}
		c, ok := merged[r.ID]
		if !ok {
			c = &candidate{msg: r.Message}
			merged[r.ID] = c
		}
		c.sem = clamp01(r.Score)
	}

	if len(merged) == 0 {
		return nil, nil
	}

	ids := make([]int64, 0, len(merged))
	for id := range merged {
		ids = append(ids, id)
	}
	importance, err := e.conv.Importance(ctx, ids)
	if err != nil {
		e.cfg.logger.Debug("importance lookup failed, defaulting to 1.0", "error", err)
		importance = nil
	}

	now := e.cfg.now()
	results := make([]ScoredMessage, 0, len(merged))
	for id, c := range merged {
		ageDays := float64(now-c.msg.CreatedAt) / 86400
		if ageDays < 0 {
			ageDays = 0
		}
		temporal := math.Exp(-ageDays / e.cfg.halfLifeDays)
		imp := 1.0
		if v, ok := importance[id]; ok {
			imp = v
		}
		score := (c.sem*e.cfg.semanticWeight + c.kw*e.cfg.keywordWeight) *
			math.Pow(temporal, e.cfg.temporalWeight) * imp
		results = append(results, ScoredMessage{Message: c.msg, Score: clamp01(score)})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].CreatedAt != results[j].CreatedAt {
			return results[i].CreatedAt > results[j].CreatedAt
		}
		return results[i].ID > results[j].ID
	})
	if len(results) > req.Limit {
		results = results[:req.Limit]
	}

	e.cfg.logger.Debug("hybrid search",
		"chat_id", req.ChatID, "candidates", len(merged), "results", len(results),
		"semantic", semantic, "duration", time.Since(start))
	return results, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
