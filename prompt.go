package gryag

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DefaultPersona is the built-in system prompt used when no global prompt
// record has been stored.
const DefaultPersona = "You are gryag, a group-chat assistant. You remember facts about " +
	"the people you talk to and use them to give grounded, concise answers. " +
	"Reply in the language the user wrote in."

// promptCacheTTL is how long a composed prompt stays valid without
// invalidation. Expiry is lazy: a stale entry is recomposed on the next read.
const promptCacheTTL = time.Hour

// PromptOption configures a PromptManager.
type PromptOption func(*PromptManager)

// WithPromptBase overrides the built-in persona text used when no global
// prompt record exists.
func WithPromptBase(text string) PromptOption {
	return func(m *PromptManager) {
		if text != "" {
			m.base = text
		}
	}
}

// WithPersonaRules wires the fact store the bot's learned persona rules are
// read from. botID is the bot's own user id; rules are its active
// rule-category facts.
func WithPersonaRules(facts FactStore, botID int64) PromptOption {
	return func(m *PromptManager) {
		m.facts = facts
		m.botID = botID
	}
}

// WithPromptTTL overrides the cache TTL. Tests only need shorter values;
// production keeps the default hour.
func WithPromptTTL(ttl time.Duration) PromptOption {
	return func(m *PromptManager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithPromptLogger sets the logger. Default discards.
func WithPromptLogger(l *slog.Logger) PromptOption {
	return func(m *PromptManager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithPromptCacheCounters registers callbacks fired on cache hits and misses.
func WithPromptCacheCounters(onHit, onMiss func()) PromptOption {
	return func(m *PromptManager) {
		m.onHit = onHit
		m.onMiss = onMiss
	}
}

// withPromptClock overrides the clock. Tests only.
func withPromptClock(now func() time.Time) PromptOption {
	return func(m *PromptManager) { m.now = now }
}

type promptCacheEntry struct {
	value   string
	expires time.Time
}

// PromptManager composes, versions, and caches the system prompt.
// Composition order: base persona text, then the chat-specific override,
// then learned persona rules. The composed result is cached per chat with a
// one-hour TTL; writes invalidate only the affected scope.
type PromptManager struct {
	store  PromptStore
	facts  FactStore // nil disables persona rules
	botID  int64
	base   string
	ttl    time.Duration
	logger *slog.Logger
	onHit  func()
	onMiss func()
	now    func() time.Time

	mu    sync.Mutex
	cache map[int64]promptCacheEntry
}

// NewPromptManager builds a PromptManager over a PromptStore.
func NewPromptManager(store PromptStore, opts ...PromptOption) *PromptManager {
	m := &PromptManager{
		store:  store,
		base:   DefaultPersona,
		ttl:    promptCacheTTL,
		logger: nopLogger,
		now:    time.Now,
		cache:  map[int64]promptCacheEntry{},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// GetActivePrompt returns the composed system prompt for a chat, serving from
// cache when a fresh entry exists.
func (m *PromptManager) GetActivePrompt(ctx context.Context, chatID int64) (string, error) {
	m.mu.Lock()
	if e, ok := m.cache[chatID]; ok && m.now().Before(e.expires) {
		m.mu.Unlock()
		if m.onHit != nil {
			m.onHit()
		}
		m.logger.Debug("prompt cache hit", "chat_id", chatID)
		return e.value, nil
	}
	m.mu.Unlock()

	if m.onMiss != nil {
		m.onMiss()
	}

	composed, err := m.compose(ctx, chatID)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.cache[chatID] = promptCacheEntry{value: composed, expires: m.now().Add(m.ttl)}
	m.mu.Unlock()
	m.logger.Debug("prompt composed", "chat_id", chatID, "length", len(composed))
	return composed, nil
}

// compose builds the prompt without touching the cache.
func (m *PromptManager) compose(ctx context.Context, chatID int64) (string, error) {
	base := m.base
	global, err := m.store.ActivePrompt(ctx, GlobalScope)
	if err != nil {
		return "", fmt.Errorf("global prompt: %w", err)
	}
	if global != nil && global.Body != "" {
		base = global.Body
	}

	var b strings.Builder
	b.WriteString(base)

	if chatID != GlobalScope {
		override, err := m.store.ActivePrompt(ctx, chatID)
		if err != nil {
			return "", fmt.Errorf("chat prompt: %w", err)
		}
		if override != nil && override.Body != "" {
			b.WriteString("\n\n")
			b.WriteString(override.Body)
		}
	}

	if rules := m.personaRules(ctx); len(rules) > 0 {
		b.WriteString("\n\nRules you have learned about your own behaviour:\n")
		for _, r := range rules {
			fmt.Fprintf(&b, "- %s\n", r)
		}
	}
	return b.String(), nil
}

// personaRules reads the bot's learned rule facts. Failures only lose the
// rules section; the prompt still composes.
func (m *PromptManager) personaRules(ctx context.Context) []string {
	if m.facts == nil {
		return nil
	}
	facts, err := m.facts.Facts(ctx, FactQuery{
		Entity:   UserEntity(m.botID),
		Category: CategoryRule,
		Limit:    10,
	})
	if err != nil {
		m.logger.Debug("persona rules unavailable", "error", err)
		return nil
	}
	rules := make([]string, 0, len(facts))
	for _, f := range facts {
		rules = append(rules, f.Value)
	}
	return rules
}

// SetPrompt stores and activates a new prompt version for a scope, then
// invalidates the affected cache entries.
func (m *PromptManager) SetPrompt(ctx context.Context, chatID int64, body string) (int, error) {
	version, err := m.store.SetPrompt(ctx, chatID, body)
	if err != nil {
		return 0, err
	}
	m.invalidate(chatID)
	return version, nil
}

// ActivateVersion switches the active version of a scope and invalidates the
// affected cache entries.
func (m *PromptManager) ActivateVersion(ctx context.Context, chatID int64, version int) error {
	if err := m.store.ActivateVersion(ctx, chatID, version); err != nil {
		return err
	}
	m.invalidate(chatID)
	return nil
}

// History lists a scope's prompt versions, newest first.
func (m *PromptManager) History(ctx context.Context, chatID int64, limit int) ([]PromptRecord, error) {
	return m.store.History(ctx, chatID, limit)
}

// ClearCache drops every cached prompt.
func (m *PromptManager) ClearCache() {
	m.mu.Lock()
	m.cache = map[int64]promptCacheEntry{}
	m.mu.Unlock()
}

// invalidate drops the affected scope: one chat entry, or everything when
// the global scope changed (every chat inherits the global base).
func (m *PromptManager) invalidate(chatID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if chatID == GlobalScope {
		m.cache = map[int64]promptCacheEntry{}
		return
	}
	delete(m.cache, chatID)
}
