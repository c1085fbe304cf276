package gryag

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// LayerRatios splits the token budget across the five context layers.
// The shares must sum to 1.0 within 1e-6.
type LayerRatios struct {
	Immediate  float64
	Recent     float64
	Relevant   float64
	Background float64
	Episodic   float64
}

// DefaultLayerRatios is the 20/30/25/15/10 split.
var DefaultLayerRatios = LayerRatios{
	Immediate:  0.20,
	Recent:     0.30,
	Relevant:   0.25,
	Background: 0.15,
	Episodic:   0.10,
}

func (r LayerRatios) sum() float64 {
	return r.Immediate + r.Recent + r.Relevant + r.Background + r.Episodic
}

// LayerFlags enables or disables individual layers. The zero value enables
// everything.
type LayerFlags struct {
	DisableRecent     bool
	DisableRelevant   bool
	DisableBackground bool
	DisableEpisodic   bool
}

// ContextRequest asks for one assembled context bundle.
type ContextRequest struct {
	ChatID   int64
	ThreadID int64
	UserID   int64
	Query    string
	Budget   int // tokens; 0 uses the builder default
}

// ContextBundle is the assembled five-layer context. Message slices are
// chronological; facts are ordered by effective confidence.
type ContextBundle struct {
	Immediate []Message
	Recent    []Message
	Relevant  []ScoredMessage
	UserFacts []Fact
	ChatFacts []Fact
	Episodes  []ScoredEpisode
}

// EstimatedTokens is the estimator total across every layer, media
// surcharges included.
func (b ContextBundle) EstimatedTokens() int {
	t := EstimateMessages(b.Immediate) + EstimateMessages(b.Recent)
	for _, r := range b.Relevant {
		t += EstimateMessage(r.Message)
	}
	for _, f := range b.UserFacts {
		t += estimateFact(f)
	}
	for _, f := range b.ChatFacts {
		t += estimateFact(f)
	}
	for _, e := range b.Episodes {
		t += estimateEpisode(e.Episode)
	}
	return t
}

func estimateFact(f Fact) int {
	return EstimateText(string(f.Category)) + EstimateText(f.Key) + EstimateText(f.Value) + 2
}

func estimateEpisode(e Episode) int {
	return EstimateText(e.Topic) + EstimateText(e.Summary) + 2
}

// BuilderOption configures a ContextBuilder.
type BuilderOption func(*ContextBuilder)

// WithBudget sets the default token budget (default 8000).
func WithBudget(tokens int) BuilderOption {
	return func(b *ContextBuilder) {
		if tokens > 0 {
			b.budget = tokens
		}
	}
}

// WithLayerRatios overrides the per-layer budget split. NewContextBuilder
// fails when the shares do not sum to 1.0.
func WithLayerRatios(r LayerRatios) BuilderOption {
	return func(b *ContextBuilder) { b.ratios = r }
}

// WithLayerFlags disables individual layers. Disabled layers contribute
// nothing; their budget flows to redistribution.
func WithLayerFlags(f LayerFlags) BuilderOption {
	return func(b *ContextBuilder) { b.flags = f }
}

// WithChatMemory splits the background layer 60% user facts / 40% chat facts.
// Without it the whole background sub-budget goes to user facts.
func WithChatMemory(enabled bool) BuilderOption {
	return func(b *ContextBuilder) { b.chatMemory = enabled }
}

// WithDedupThreshold sets the Jaccard word-set similarity above which two
// relevant snippets count as duplicates (default 0.85).
func WithDedupThreshold(t float64) BuilderOption {
	return func(b *ContextBuilder) {
		if t > 0 {
			b.dedupThreshold = t
		}
	}
}

// WithLayerDeadline bounds each layer fetch (default 5s). A layer that
// misses its deadline contributes nothing.
func WithLayerDeadline(d time.Duration) BuilderOption {
	return func(b *ContextBuilder) {
		if d > 0 {
			b.layerDeadline = d
		}
	}
}

// WithBuilderLogger sets the logger. Default discards.
func WithBuilderLogger(l *slog.Logger) BuilderOption {
	return func(b *ContextBuilder) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithLayerFailureCounter registers a callback fired with the layer name
// each time a layer fetch fails.
func WithLayerFailureCounter(fn func(layer string)) BuilderOption {
	return func(b *ContextBuilder) { b.onLayerFail = fn }
}

// ContextBuilder assembles the five-layer context bundle under a token
// budget: immediate and recent history from the conversation store, relevant
// snippets from hybrid search, background facts, and episodic memories.
type ContextBuilder struct {
	conv     ConversationStore
	facts    FactStore
	episodes EpisodeStore
	search   *SearchEngine
	embedder EmbeddingProvider

	budget         int
	ratios         LayerRatios
	flags          LayerFlags
	chatMemory     bool
	dedupThreshold float64
	layerDeadline  time.Duration
	logger         *slog.Logger
	onLayerFail    func(string)
}

// Layer fetch sizes before budget trimming.
const (
	immediateFetch = 5
	recentFetch    = 15 // turns
	relevantFetch  = 20
	factFetch      = 20
	episodeFetch   = 5
)

// NewContextBuilder builds a ContextBuilder. The ratio split is validated
// here; an invalid split is a startup error.
func NewContextBuilder(conv ConversationStore, facts FactStore, episodes EpisodeStore, search *SearchEngine, embedder EmbeddingProvider, opts ...BuilderOption) (*ContextBuilder, error) {
	b := &ContextBuilder{
		conv:           conv,
		facts:          facts,
		episodes:       episodes,
		search:         search,
		embedder:       embedder,
		budget:         8000,
		ratios:         DefaultLayerRatios,
		dedupThreshold: 0.85,
		layerDeadline:  5 * time.Second,
		logger:         nopLogger,
	}
	for _, o := range opts {
		o(b)
	}
	if math.Abs(b.ratios.sum()-1.0) > 1e-6 {
		return nil, fmt.Errorf("layer ratios sum to %.4f, want 1.0", b.ratios.sum())
	}
	return b, nil
}

// Build assembles the bundle. All layers are fetched in parallel; a layer
// that fails is logged and contributes nothing. The only error returned is
// *BudgetError, when not even the newest immediate message fits.
func (b *ContextBuilder) Build(ctx context.Context, req ContextRequest) (ContextBundle, error) {
	start := time.Now()
	budget := req.Budget
	if budget <= 0 {
		budget = b.budget
	}

	var (
		immediate []Message
		recent    []Message
		relevant  []ScoredMessage
		userFacts []Fact
		chatFacts []Fact
		episodes  []ScoredEpisode
	)

	g, gctx := errgroup.WithContext(ctx)

	fetch := func(layer string, fn func(context.Context) error) {
		g.Go(func() error {
			lctx, cancel := context.WithTimeout(gctx, b.layerDeadline)
			defer cancel()
			if err := fn(lctx); err != nil {
				b.logger.Warn("context layer failed", "layer", layer, "error", err)
				if b.onLayerFail != nil {
					b.onLayerFail(layer)
				}
			}
			// Layer failures never abort the bundle.
			return nil
		})
	}

	fetch("immediate", func(lctx context.Context) error {
		msgs, err := b.conv.Recent(lctx, req.ChatID, req.ThreadID, (immediateFetch+1)/2)
		if err != nil {
			return err
		}
		if len(msgs) > immediateFetch {
			msgs = msgs[len(msgs)-immediateFetch:]
		}
		immediate = msgs
		return nil
	})

	if !b.flags.DisableRecent {
		fetch("recent", func(lctx context.Context) error {
			msgs, err := b.conv.Recent(lctx, req.ChatID, req.ThreadID, recentFetch)
			if err != nil {
				return err
			}
			recent = msgs
			return nil
		})
	}

	if !b.flags.DisableRelevant && b.search != nil && strings.TrimSpace(req.Query) != "" {
		fetch("relevant", func(lctx context.Context) error {
			results, err := b.search.Search(lctx, SearchRequest{
				ChatID:   req.ChatID,
				ThreadID: req.ThreadID,
				Query:    req.Query,
				Limit:    relevantFetch,
			})
			if err != nil {
				return err
			}
			relevant = results
			return nil
		})
	}

	if !b.flags.DisableBackground {
		fetch("background", func(lctx context.Context) error {
			uf, err := b.facts.Facts(lctx, FactQuery{Entity: UserEntity(req.UserID), Limit: factFetch})
			if err != nil {
				return err
			}
			userFacts = uf
			if b.chatMemory {
				cf, err := b.facts.Facts(lctx, FactQuery{Entity: ChatEntity(req.ChatID), Limit: factFetch})
				if err != nil {
					return err
				}
				chatFacts = cf
			}
			return nil
		})
	}

	if !b.flags.DisableEpisodic && b.embedder != nil && strings.TrimSpace(req.Query) != "" {
		fetch("episodic", func(lctx context.Context) error {
			embs, err := b.embedder.Embed(lctx, []string{req.Query})
			if err != nil || len(embs) == 0 {
				return err
			}
			eps, err := b.episodes.SearchEpisodes(lctx, req.ChatID, embs[0], episodeFetch)
			if err != nil {
				return err
			}
			episodes = eps
			return nil
		})
	}

	_ = g.Wait() // individual fetches never return errors

	bundle, err := b.trim(budget, ContextBundle{
		Immediate: immediate,
		Recent:    recent,
		Relevant:  relevant,
		UserFacts: userFacts,
		ChatFacts: chatFacts,
		Episodes:  episodes,
	})
	if err != nil {
		return ContextBundle{}, err
	}

	b.logger.Debug("context assembled",
		"chat_id", req.ChatID, "budget", budget,
		"tokens", bundle.EstimatedTokens(),
		"immediate", len(bundle.Immediate), "recent", len(bundle.Recent),
		"relevant", len(bundle.Relevant),
		"user_facts", len(bundle.UserFacts), "chat_facts", len(bundle.ChatFacts),
		"episodes", len(bundle.Episodes), "duration", time.Since(start))
	return bundle, nil
}

// trim enforces per-layer sub-budgets, deduplicates the relevant layer, and
// greedily redistributes leftover budget to Relevant then Recent.
func (b *ContextBuilder) trim(budget int, raw ContextBundle) (ContextBundle, error) {
	immediateBudget := int(float64(budget) * b.ratios.Immediate)
	recentBudget := int(float64(budget) * b.ratios.Recent)
	relevantBudget := int(float64(budget) * b.ratios.Relevant)
	backgroundBudget := int(float64(budget) * b.ratios.Background)
	episodicBudget := int(float64(budget) * b.ratios.Episodic)

	var out ContextBundle

	// Immediate keeps the newest messages that fit. If there were messages
	// but none fit, the request is unservable.
	out.Immediate = trimMessagesTail(raw.Immediate, immediateBudget)
	if len(raw.Immediate) > 0 && len(out.Immediate) == 0 {
		return ContextBundle{}, &BudgetError{
			Budget: budget,
			Needed: EstimateMessage(raw.Immediate[len(raw.Immediate)-1]),
		}
	}

	// Recent excludes what Immediate already carries.
	inImmediate := map[int64]bool{}
	for _, m := range out.Immediate {
		inImmediate[m.ID] = true
	}
	recentPool := raw.Recent[:0:0]
	for _, m := range raw.Recent {
		if !inImmediate[m.ID] {
			recentPool = append(recentPool, m)
		}
	}
	out.Recent = trimMessagesTail(recentPool, recentBudget)

	// Relevant: semantic dedup first, then budget in score order.
	deduped := b.dedupRelevant(raw.Relevant)
	var relevantRest []ScoredMessage
	out.Relevant, relevantRest = trimScored(deduped, relevantBudget)

	// Background: 60/40 user/chat split of this layer's sub-budget when chat
	// memory is on.
	userBudget := backgroundBudget
	chatBudget := 0
	if b.chatMemory && len(raw.ChatFacts) > 0 {
		userBudget = int(float64(backgroundBudget) * 0.6)
		chatBudget = backgroundBudget - userBudget
	}
	out.UserFacts = trimFacts(raw.UserFacts, userBudget)
	out.ChatFacts = trimFacts(raw.ChatFacts, chatBudget)

	out.Episodes = trimEpisodes(raw.Episodes, episodicBudget)

	// Redistribute leftover budget greedily: Relevant first, then Recent.
	leftover := budget - out.EstimatedTokens()
	if leftover > 0 && len(relevantRest) > 0 {
		var extra []ScoredMessage
		extra, relevantRest = trimScored(relevantRest, leftover)
		out.Relevant = append(out.Relevant, extra...)
		leftover = budget - out.EstimatedTokens()
	}
	if leftover > 0 && len(raw.Recent) > len(out.Recent) {
		inRecent := map[int64]bool{}
		for _, m := range out.Recent {
			inRecent[m.ID] = true
		}
		for i := len(recentPool) - 1; i >= 0 && leftover > 0; i-- {
			m := recentPool[i]
			if inRecent[m.ID] {
				continue
			}
			cost := EstimateMessage(m)
			if cost > leftover {
				continue
			}
			out.Recent = append(out.Recent, m)
			leftover -= cost
		}
		sort.Slice(out.Recent, func(i, j int) bool {
			if out.Recent[i].CreatedAt != out.Recent[j].CreatedAt {
				return out.Recent[i].CreatedAt < out.Recent[j].CreatedAt
			}
			return out.Recent[i].ID < out.Recent[j].ID
		})
	}

	return out, nil
}

// dedupRelevant drops near-duplicate snippets by Jaccard similarity over
// word sets, keeping the highest-scored instance. Input is score-ordered.
func (b *ContextBuilder) dedupRelevant(results []ScoredMessage) []ScoredMessage {
	var kept []ScoredMessage
	var keptWords []map[string]bool
	for _, r := range results {
		words := wordSet(r.Text)
		dup := false
		for _, kw := range keptWords {
			if jaccard(words, kw) >= b.dedupThreshold {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		kept = append(kept, r)
		keptWords = append(keptWords, words)
	}
	return kept
}

func wordSet(s string) map[string]bool {
	set := map[string]bool{}
	for _, w := range strings.Fields(strings.ToLower(s)) {
		set[w] = true
	}
	return set
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for w := range a {
		if b[w] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// trimMessagesTail keeps the newest suffix of a chronological list that fits
// the budget, media surcharges included.
func trimMessagesTail(msgs []Message, budget int) []Message {
	total := 0
	cut := len(msgs)
	for i := len(msgs) - 1; i >= 0; i-- {
		cost := EstimateMessage(msgs[i])
		if total+cost > budget {
			break
		}
		total += cost
		cut = i
	}
	return msgs[cut:]
}

// trimScored keeps the score-ordered prefix that fits; the rest is returned
// for redistribution.
func trimScored(results []ScoredMessage, budget int) (kept, rest []ScoredMessage) {
	total := 0
	for i, r := range results {
		cost := EstimateMessage(r.Message)
		if total+cost > budget {
			return results[:i], results[i:]
		}
		total += cost
	}
	return results, nil
}

func trimFacts(facts []Fact, budget int) []Fact {
	total := 0
	for i, f := range facts {
		cost := estimateFact(f)
		if total+cost > budget {
			return facts[:i]
		}
		total += cost
	}
	return facts
}

func trimEpisodes(eps []ScoredEpisode, budget int) []ScoredEpisode {
	total := 0
	for i, e := range eps {
		cost := estimateEpisode(e.Episode)
		if total+cost > budget {
			return eps[:i]
		}
		total += cost
	}
	return eps
}
