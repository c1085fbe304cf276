package gryag

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
)

// ExtractMethod selects the fact extraction tier.
type ExtractMethod string

const (
	// ExtractRules runs only the deterministic high-precision patterns.
	ExtractRules ExtractMethod = "rules"
	// ExtractHybrid combines the rule patterns with light-weight keyword
	// scoring of the remaining messages.
	ExtractHybrid ExtractMethod = "hybrid"
	// ExtractLLM asks the model for candidates, with the rules as a seed.
	ExtractLLM ExtractMethod = "llm"
)

// ExtractStats is per-window telemetry from the quality pipeline.
type ExtractStats struct {
	Candidates int
	Merged     int // duplicates collapsed by semantic dedup
	Persisted  int
	Reinforced int
	Dropped    int // below-confidence candidates and lost conflicts
	Duration   time.Duration
}

const extractPrompt = `You are a memory extraction system for a group chat.
Given messages from ONE user, extract durable facts about that user.
Respond with a JSON array; each element:
{"category": one of ["personal","preference","skill","interest","language","location","relationship","rule","trait","style","topic","norm","culture"],
 "key": "short_snake_case_key",
 "value": "the fact value",
 "confidence": 0.0-1.0,
 "evidence": "short quote from the messages"}
Rules:
- Only facts clearly stated or strongly implied by this user's own messages.
- No facts about other people, the assistant, or general knowledge.
- Return [] if nothing qualifies. Return ONLY the JSON array.`

// Rule patterns, English and Ukrainian. Each maps one capture group to a
// (category, key) pair at fixed confidence.
type extractRule struct {
	re         *regexp.Regexp
	category   FactCategory
	key        string
	confidence float64
}

var extractRules = []extractRule{
	{regexp.MustCompile(`(?i)\bmy name is (\p{L}[\p{L} '-]{1,40})`), CategoryPersonal, "name", 0.95},
	{regexp.MustCompile(`(?i)\bмене (?:звати|звуть) (\p{L}[\p{L} '-]{1,40})`), CategoryPersonal, "name", 0.95},
	{regexp.MustCompile(`(?i)\bi live in ([\p{L}][\p{L} '-]{1,40})`), CategoryLocation, "location", 0.9},
	{regexp.MustCompile(`(?i)\bя (?:живу|мешкаю) (?:в|у) ([\p{L}][\p{L} '-]{1,40})`), CategoryLocation, "location", 0.9},
	{regexp.MustCompile(`(?i)\bi(?:'m| am) from ([\p{L}][\p{L} '-]{1,40})`), CategoryLocation, "hometown", 0.85},
	{regexp.MustCompile(`(?i)\bi work as (?:an? )?([\p{L}][\p{L} '-]{1,40})`), CategoryPersonal, "occupation", 0.85},
	{regexp.MustCompile(`(?i)\bя працюю ([\p{L}][\p{L} '-]{1,40})`), CategoryPersonal, "occupation", 0.8},
	{regexp.MustCompile(`(?i)\bi (?:love|really like) ([\p{L}][\p{L}\d '-]{1,40})`), CategoryPreference, "likes", 0.75},
	{regexp.MustCompile(`(?i)\bя (?:люблю|обожнюю) ([\p{L}][\p{L}\d '-]{1,40})`), CategoryPreference, "likes", 0.75},
	{regexp.MustCompile(`(?i)\bi (?:hate|can't stand) ([\p{L}][\p{L}\d '-]{1,40})`), CategoryPreference, "dislikes", 0.75},
	{regexp.MustCompile(`(?i)\bя ненавиджу ([\p{L}][\p{L}\d '-]{1,40})`), CategoryPreference, "dislikes", 0.75},
	{regexp.MustCompile(`(?i)\bi speak ([\p{L}][\p{L} ,'-]{1,40})`), CategoryLanguage, "speaks", 0.8},
	{regexp.MustCompile(`(?i)\bя розмовляю ([\p{L}][\p{L} ,'-]{1,40})`), CategoryLanguage, "speaks", 0.8},
	{regexp.MustCompile(`(?i)\bmy pronouns are ([\p{L}/ ]{2,20})`), CategoryPersonal, "pronouns", 0.95},
}

// Keywords that raise the hybrid tier's confidence in a first-person
// statement being a durable fact rather than chatter.
var hybridSignals = []string{
	"always", "never", "usually", "every day", "favorite", "favourite",
	"завжди", "ніколи", "зазвичай", "щодня", "улюблен",
}

// ExtractorOption configures a FactExtractor.
type ExtractorOption func(*FactExtractor)

// WithExtractMethod selects the extraction tier (default ExtractHybrid).
func WithExtractMethod(m ExtractMethod) ExtractorOption {
	return func(e *FactExtractor) {
		if m != "" {
			e.method = m
		}
	}
}

// WithExtractMinConfidence drops candidates below this confidence
// (default 0.6).
func WithExtractMinConfidence(c float64) ExtractorOption {
	return func(e *FactExtractor) {
		if c > 0 {
			e.minConfidence = c
		}
	}
}

// WithExtractDupThreshold sets the cosine similarity at which two candidates
// collapse into one (default 0.85).
func WithExtractDupThreshold(t float64) ExtractorOption {
	return func(e *FactExtractor) {
		if t > 0 {
			e.dupThreshold = t
		}
	}
}

// WithExtractorLogger sets the logger. Default discards.
func WithExtractorLogger(l *slog.Logger) ExtractorOption {
	return func(e *FactExtractor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithExtractorTimeout sets the per-window deadline for LLM extraction calls
// (default 30s). Extraction runs in background tasks.
func WithExtractorTimeout(d time.Duration) ExtractorOption {
	return func(e *FactExtractor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithExtractStats registers a callback receiving per-window telemetry.
func WithExtractStats(fn func(ExtractStats)) ExtractorOption {
	return func(e *FactExtractor) { e.onStats = fn }
}

// WithFactChangeCounter registers a callback fired with the pipeline outcome
// of every persisted candidate.
func WithFactChangeCounter(fn func(FactChange)) ExtractorOption {
	return func(e *FactExtractor) { e.onChange = fn }
}

// FactExtractor turns a closed conversation window into persisted facts:
// per-participant candidate extraction, semantic deduplication, then the
// store's conflict-resolving write path.
type FactExtractor struct {
	facts    FactStore
	provider Provider // nil forces the rule tiers
	embedder EmbeddingProvider
	model    string

	method        ExtractMethod
	minConfidence float64
	dupThreshold  float64
	timeout       time.Duration
	logger        *slog.Logger
	onStats       func(ExtractStats)
	onChange      func(FactChange)
}

// NewFactExtractor builds a FactExtractor. provider and embedder may be nil;
// without an embedder semantic dedup degrades to exact-match dedup.
func NewFactExtractor(facts FactStore, provider Provider, embedder EmbeddingProvider, model string, opts ...ExtractorOption) *FactExtractor {
	e := &FactExtractor{
		facts:         facts,
		provider:      provider,
		embedder:      embedder,
		model:         model,
		method:        ExtractHybrid,
		minConfidence: 0.6,
		dupThreshold:  0.85,
		timeout:       30 * time.Second,
		logger:        nopLogger,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// ExtractWindow extracts and persists facts for every non-bot participant of
// a closed window. chatID is recorded as each user fact's chat context.
// Per-entity failures are logged and skipped; the call itself only fails on
// context cancellation.
func (e *FactExtractor) ExtractWindow(ctx context.Context, msgs []Message, chatID int64, botID int64) error {
	start := time.Now()
	stats := ExtractStats{}

	byUser := map[int64][]Message{}
	var order []int64
	for _, m := range msgs {
		if m.UserID == botID || m.Role != RoleUser {
			continue
		}
		if _, seen := byUser[m.UserID]; !seen {
			order = append(order, m.UserID)
		}
		byUser[m.UserID] = append(byUser[m.UserID], m)
	}

	for _, userID := range order {
		if err := ctx.Err(); err != nil {
			return err
		}
		candidates := e.extract(ctx, byUser[userID])
		stats.Candidates += len(candidates)

		kept := candidates[:0]
		for _, c := range candidates {
			if c.Confidence < e.minConfidence {
				stats.Dropped++
				continue
			}
			kept = append(kept, c)
		}

		deduped, merged := e.dedup(ctx, kept)
		stats.Merged += merged

		for _, c := range deduped {
			c.Entity = UserEntity(userID)
			c.ChatContext = chatID
			_, change, err := e.facts.AddFact(ctx, c)
			if err != nil {
				e.logger.Warn("fact persist failed", "user_id", userID, "key", c.Key, "error", err)
				continue
			}
			if e.onChange != nil {
				e.onChange(change)
			}
			switch change {
			case ChangeNone:
				stats.Dropped++
			case ChangeReinforced:
				stats.Reinforced++
			default:
				stats.Persisted++
			}
		}
	}

	stats.Duration = time.Since(start)
	if e.onStats != nil {
		e.onStats(stats)
	}
	e.logger.Debug("window extraction done",
		"chat_id", chatID, "participants", len(byUser),
		"candidates", stats.Candidates, "merged", stats.Merged,
		"persisted", stats.Persisted, "reinforced", stats.Reinforced,
		"dropped", stats.Dropped, "duration", stats.Duration)
	return nil
}

// extract produces candidate facts for one user's messages via the active
// tier. The LLM tier degrades to hybrid on any failure.
func (e *FactExtractor) extract(ctx context.Context, msgs []Message) []Fact {
	switch e.method {
	case ExtractRules:
		return e.ruleExtract(msgs)
	case ExtractLLM:
		if e.provider != nil {
			if facts, err := e.llmExtract(ctx, msgs); err == nil {
				return facts
			} else {
				e.logger.Debug("llm extraction degraded to hybrid", "error", err)
			}
		}
		return e.hybridExtract(msgs)
	default:
		return e.hybridExtract(msgs)
	}
}

// ruleExtract runs the deterministic pattern tier.
func (e *FactExtractor) ruleExtract(msgs []Message) []Fact {
	var out []Fact
	for _, m := range msgs {
		for _, r := range extractRules {
			match := r.re.FindStringSubmatch(m.Text)
			if match == nil {
				continue
			}
			value := strings.TrimSpace(match[1])
			if value == "" {
				continue
			}
			out = append(out, Fact{
				Category:        r.category,
				Key:             r.key,
				Value:           value,
				Confidence:      r.confidence,
				Evidence:        truncateRunes(m.Text, 120),
				SourceMessageID: m.ID,
			})
		}
	}
	return out
}

// hybridExtract is the rule tier plus a keyword boost: a rule match inside a
// message that also carries a durability signal gains confidence.
func (e *FactExtractor) hybridExtract(msgs []Message) []Fact {
	facts := e.ruleExtract(msgs)
	for i := range facts {
		lower := strings.ToLower(facts[i].Evidence)
		for _, sig := range hybridSignals {
			if strings.Contains(lower, sig) {
				facts[i].Confidence = min1(facts[i].Confidence + 0.05)
				break
			}
		}
	}
	return facts
}

// llmExtract asks the model for candidates.
func (e *FactExtractor) llmExtract(ctx context.Context, msgs []Message) ([]Fact, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp, err := e.provider.Generate(ctx, GenerateRequest{
		Model:     e.model,
		System:    extractPrompt,
		UserParts: []Part{TextPart(transcript(msgs))},
	})
	if err != nil {
		return nil, err
	}
	facts := parseExtractedFacts(resp.Text)
	if facts == nil {
		return nil, &LLMError{Provider: e.provider.Name(), Kind: LLMInvalid, Message: "unparseable extraction response"}
	}
	sourceID := int64(0)
	if len(msgs) > 0 {
		sourceID = msgs[len(msgs)-1].ID
	}
	for i := range facts {
		if facts[i].SourceMessageID == 0 {
			facts[i].SourceMessageID = sourceID
		}
	}
	return facts, nil
}

// dedup collapses near-duplicate candidates: exact (category, key) collisions
// always merge; with an embedder, same-category pairs at cosine ≥ threshold
// merge too. The survivor keeps the highest confidence, gains 0.10 (capped at
// 1.0), and absorbs the other's evidence.
func (e *FactExtractor) dedup(ctx context.Context, candidates []Fact) ([]Fact, int) {
	if len(candidates) < 2 {
		return candidates, 0
	}

	embeddings := e.embedCandidates(ctx, candidates)

	merged := 0
	removed := make([]bool, len(candidates))
	for i := 0; i < len(candidates); i++ {
		if removed[i] {
			continue
		}
		for j := i + 1; j < len(candidates); j++ {
			if removed[j] || candidates[i].Category != candidates[j].Category {
				continue
			}
			same := NormalizeFactKey(candidates[i].Key) == NormalizeFactKey(candidates[j].Key) &&
				NormalizeFactValue(candidates[i].Category, candidates[i].Value) == NormalizeFactValue(candidates[j].Category, candidates[j].Value)
			if !same && embeddings != nil && len(embeddings[i]) > 0 && len(embeddings[j]) > 0 {
				same = Cosine(embeddings[i], embeddings[j]) >= e.dupThreshold
			}
			if !same {
				continue
			}
			winner, loser := i, j
			if candidates[j].Confidence > candidates[i].Confidence {
				winner, loser = j, i
			}
			candidates[winner].Confidence = min1(candidates[winner].Confidence + 0.10)
			candidates[winner].Evidence = mergeEvidence(candidates[winner].Evidence, candidates[loser].Evidence)
			if len(embeddings) > 0 && len(embeddings[winner]) > 0 {
				candidates[winner].Embedding = embeddings[winner]
			}
			removed[loser] = true
			merged++
			if winner == j {
				break
			}
		}
	}

	out := make([]Fact, 0, len(candidates)-merged)
	for i, c := range candidates {
		if removed[i] {
			continue
		}
		if embeddings != nil && len(c.Embedding) == 0 && len(embeddings[i]) > 0 {
			c.Embedding = embeddings[i]
		}
		out = append(out, c)
	}
	return out, merged
}

// embedCandidates batch-embeds "category key value" strings. Failures return
// nil; dedup then relies on exact matches only.
func (e *FactExtractor) embedCandidates(ctx context.Context, candidates []Fact) [][]float32 {
	if e.embedder == nil {
		return nil
	}
	texts := make([]string, len(candidates))
	for i, c := range candidates {
		texts[i] = fmt.Sprintf("%s %s %s", c.Category, c.Key, c.Value)
	}
	embs, err := e.embedder.Embed(ctx, texts)
	if err != nil || len(embs) != len(candidates) {
		e.logger.Debug("candidate embedding failed, exact dedup only", "error", err)
		return nil
	}
	return embs
}

func mergeEvidence(a, b string) string {
	if a == "" {
		return b
	}
	if b == "" || strings.Contains(a, b) {
		return a
	}
	return truncateRunes(a+"; "+b, 300)
}

// parseExtractedFacts parses the LLM's extraction response, stripping
// markdown fences. Returns nil when no JSON array is found.
func parseExtractedFacts(response string) []Fact {
	trimmed := strings.TrimSpace(response)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(trimmed, "```")
		trimmed = strings.TrimSpace(trimmed)
	}

	start := strings.Index(trimmed, "[")
	end := strings.LastIndex(trimmed, "]")
	if start == -1 || end == -1 || end < start {
		return nil
	}

	var raw []struct {
		Category   string  `json:"category"`
		Key        string  `json:"key"`
		Value      string  `json:"value"`
		Confidence float64 `json:"confidence"`
		Evidence   string  `json:"evidence"`
	}
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), &raw); err != nil {
		return nil
	}

	facts := make([]Fact, 0, len(raw))
	for _, r := range raw {
		cat := FactCategory(strings.ToLower(r.Category))
		if !KnownCategory(cat) || r.Key == "" || r.Value == "" {
			continue
		}
		facts = append(facts, Fact{
			Category:   cat,
			Key:        r.Key,
			Value:      r.Value,
			Confidence: clamp01(r.Confidence),
			Evidence:   truncateRunes(r.Evidence, 120),
		})
	}
	return facts
}

func min1(v float64) float64 {
	if v > 1 {
		return 1
	}
	return v
}
