package gryag

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// EpisodeSummary is the summarizer's output for one closed window.
type EpisodeSummary struct {
	Topic     string   `json:"topic"`
	Summary   string   `json:"summary"`
	Valence   Valence  `json:"valence"`
	Tags      []string `json:"tags,omitempty"`
	KeyPoints []string `json:"key_points,omitempty"`
}

const summarizePrompt = `You summarize one bounded slice of a group chat.
Given the messages, respond with a single JSON object:
{"topic": "short topic, a few words",
 "summary": "2-3 sentence summary",
 "valence": "positive" | "negative" | "neutral" | "mixed",
 "tags": ["tag", ...],
 "key_points": ["point", ...]}
Return ONLY the JSON object, no extra text.`

const topicPrompt = `Name the topic of this conversation slice in at most six words.
Respond with the topic only, no punctuation around it.`

const valencePrompt = `Classify the emotional tone of this conversation slice.
Respond with exactly one word: positive, negative, neutral, or mixed.`

// SummarizerOption configures a Summarizer.
type SummarizerOption func(*Summarizer)

// WithSummarizerLogger sets the logger. Default discards.
func WithSummarizerLogger(l *slog.Logger) SummarizerOption {
	return func(s *Summarizer) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithSummarizerTimeout sets the per-call deadline for summarization LLM
// calls (default 30s). Summarization runs in background tasks, independent of
// the user-visible response deadline.
func WithSummarizerTimeout(d time.Duration) SummarizerOption {
	return func(s *Summarizer) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// Summarizer produces topic, summary, valence, and tags for a closed
// conversation window. The LLM path is primary; any transport or parse
// failure falls back to deterministic heuristics, so Summarize never fails.
type Summarizer struct {
	provider Provider
	model    string
	timeout  time.Duration
	logger   *slog.Logger
}

// NewSummarizer builds a Summarizer. provider may be nil, forcing the
// heuristic path (useful in tests and degraded deployments).
func NewSummarizer(provider Provider, model string, opts ...SummarizerOption) *Summarizer {
	s := &Summarizer{
		provider: provider,
		model:    model,
		timeout:  30 * time.Second,
		logger:   nopLogger,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Summarize produces an EpisodeSummary for an ordered window. trigger names
// what closed the window ("boundary" or "timeout") and seeds the fallback
// tags.
func (s *Summarizer) Summarize(ctx context.Context, msgs []Message, trigger string) EpisodeSummary {
	if s.provider != nil {
		sum, err := s.summarizeLLM(ctx, msgs)
		if err == nil {
			return sum
		}
		s.logger.Debug("summarizer falling back to heuristics", "error", err)
	}
	return heuristicSummary(msgs, trigger)
}

// GenerateTopicOnly is the fast path: a topic from the first 5 messages.
func (s *Summarizer) GenerateTopicOnly(ctx context.Context, msgs []Message) string {
	if len(msgs) > 5 {
		msgs = msgs[:5]
	}
	if s.provider != nil {
		text, err := s.ask(ctx, topicPrompt, msgs)
		if err == nil {
			if topic := strings.TrimSpace(text); topic != "" {
				return truncateRunes(topic, 50)
			}
		} else {
			s.logger.Debug("topic generation falling back to heuristics", "error", err)
		}
	}
	return heuristicTopic(msgs)
}

// DetectValence is the fast path for emotional tone.
func (s *Summarizer) DetectValence(ctx context.Context, msgs []Message) Valence {
	if s.provider != nil {
		text, err := s.ask(ctx, valencePrompt, msgs)
		if err == nil {
			v := Valence(strings.ToLower(strings.TrimSpace(text)))
			if KnownValence(v) {
				return v
			}
		} else {
			s.logger.Debug("valence detection falling back to heuristics", "error", err)
		}
	}
	return ValenceNeutral
}

func (s *Summarizer) summarizeLLM(ctx context.Context, msgs []Message) (EpisodeSummary, error) {
	text, err := s.ask(ctx, summarizePrompt, msgs)
	if err != nil {
		return EpisodeSummary{}, err
	}
	sum, ok := parseSummary(text)
	if !ok {
		return EpisodeSummary{}, &LLMError{Provider: s.provider.Name(), Kind: LLMInvalid, Message: "unparseable summary response"}
	}
	return sum, nil
}

// ask sends the window as one user-attributed transcript with a task prompt.
func (s *Summarizer) ask(ctx context.Context, system string, msgs []Message) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.provider.Generate(ctx, GenerateRequest{
		Model:     s.model,
		System:    system,
		UserParts: []Part{TextPart(transcript(msgs))},
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// transcript renders a window as attributed lines for a summarization call.
func transcript(msgs []Message) string {
	var b strings.Builder
	for _, m := range msgs {
		name := m.Metadata["display_name"]
		if name == "" {
			name = fmt.Sprintf("user %d", m.UserID)
		}
		fmt.Fprintf(&b, "%s: %s\n", name, m.Text)
	}
	return b.String()
}

// parseSummary extracts the JSON object from an LLM response, stripping
// markdown fences when present.
func parseSummary(response string) (EpisodeSummary, bool) {
	trimmed := strings.TrimSpace(response)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(trimmed, "```")
		trimmed = strings.TrimSpace(trimmed)
	}

	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start == -1 || end == -1 || end < start {
		return EpisodeSummary{}, false
	}

	var sum EpisodeSummary
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), &sum); err != nil {
		return EpisodeSummary{}, false
	}
	if sum.Topic == "" || sum.Summary == "" || !KnownValence(sum.Valence) {
		return EpisodeSummary{}, false
	}
	return sum, true
}

// heuristicSummary is the deterministic fallback.
func heuristicSummary(msgs []Message, trigger string) EpisodeSummary {
	participants := map[int64]bool{}
	for _, m := range msgs {
		participants[m.UserID] = true
	}
	tags := []string{"timeout"}
	if trigger != "" {
		tags = []string{trigger}
	}
	return EpisodeSummary{
		Topic:   heuristicTopic(msgs),
		Summary: fmt.Sprintf("Conversation with %d participant(s) over %d message(s)", len(participants), len(msgs)),
		Valence: ValenceNeutral,
		Tags:    tags,
	}
}

// heuristicTopic is the first 50 characters of the first non-empty message.
func heuristicTopic(msgs []Message) string {
	for _, m := range msgs {
		if t := strings.TrimSpace(m.Text); t != "" {
			return truncateRunes(t, 50)
		}
	}
	return "Conversation"
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
