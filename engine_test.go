package gryag

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeFrontend feeds scripted messages and records outbound sends.
type fakeFrontend struct {
	in   chan IncomingMessage
	sent chan string
}

var _ Frontend = (*fakeFrontend)(nil)

func newFakeFrontend() *fakeFrontend {
	return &fakeFrontend{
		in:   make(chan IncomingMessage, 8),
		sent: make(chan string, 8),
	}
}

func (f *fakeFrontend) Poll(context.Context) (<-chan IncomingMessage, error) { return f.in, nil }

func (f *fakeFrontend) Send(_ context.Context, _, _ int64, text string) (string, error) {
	f.sent <- text
	return "42", nil
}

func (f *fakeFrontend) SendTyping(context.Context, int64) error { return nil }

// recordingConv collects every persisted row.
type recordingConv struct {
	nopConv
	mu   sync.Mutex
	rows []Message
}

func (s *recordingConv) AddTurn(_ context.Context, msg Message) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, msg)
	return int64(len(s.rows)), nil
}

func (s *recordingConv) messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.rows...)
}

func newTestEngine(t *testing.T, fe *fakeFrontend, provider Provider, conv ConversationStore, cfg EngineConfig, tools *ToolRegistry) *Engine {
	t.Helper()
	builder, err := NewContextBuilder(conv, nopFacts{}, nopEpisodes{}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.5-flash"
	}
	if cfg.Monitor.MinMessages == 0 {
		cfg.Monitor.MinMessages = 100 // keep windows open during the test
	}
	if cfg.ShutdownGrace == 0 {
		cfg.ShutdownGrace = 100 * time.Millisecond
	}
	engine, err := NewEngine(EngineDeps{
		Frontend:      fe,
		Provider:      provider,
		Conversations: conv,
		Facts:         nopFacts{},
		Episodes:      nopEpisodes{},
		Builder:       builder,
		Formatter:     NewFormatter(WithOutputFormat(FormatCompact)),
		Prompts:       NewPromptManager(nopPrompts{}),
		Gate:          NewCapabilityGate(),
		Tools:         tools,
		Detector:      NewBoundaryDetector(nil, BoundaryConfig{}),
		Summarizer:    NewSummarizer(nil, ""),
		Extractor:     NewFactExtractor(nopFacts{}, nil, nil, ""),
	}, cfg)
	if err != nil {
		t.Fatal(err)
	}
	return engine
}

func runEngine(t *testing.T, e *Engine, fe *fakeFrontend) (cancelAndWait func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	return func() {
		cancel()
		close(fe.in)
		select {
		case err := <-done:
			if !errors.Is(err, context.Canceled) {
				t.Errorf("Run returned %v, want context.Canceled", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("engine did not shut down")
		}
	}
}

func waitSent(t *testing.T, fe *fakeFrontend) string {
	t.Helper()
	select {
	case text := <-fe.sent:
		return text
	case <-time.After(5 * time.Second):
		t.Fatal("no reply sent")
		return ""
	}
}

func TestEngineRepliesWhenAddressed(t *testing.T) {
	fe := newFakeFrontend()
	conv := &recordingConv{}
	provider := &scriptProvider{steps: []scriptStep{{resp: GenerateResponse{Text: "hi there"}}}}
	e := newTestEngine(t, fe, provider, conv, EngineConfig{BotID: 99, BotName: "gryag"}, nil)
	stop := runEngine(t, e, fe)

	fe.in <- IncomingMessage{
		ExternalID: "m1", ChatID: 1, UserID: 7,
		DisplayName: "Alice", Text: "hello bot", Addressed: true,
	}
	if got := waitSent(t, fe); got != "hi there" {
		t.Errorf("sent %q, want %q", got, "hi there")
	}
	stop()

	rows := conv.messages()
	if len(rows) != 2 {
		t.Fatalf("stored %d rows, want user + bot", len(rows))
	}
	if rows[0].Role != RoleUser || rows[0].External.UserID != "7" {
		t.Errorf("user row: %+v", rows[0])
	}
	bot := rows[1]
	if bot.Role != RoleModel || bot.UserID != 99 || bot.Text != "hi there" {
		t.Errorf("bot row: %+v", bot)
	}
	if bot.External.MessageID != "42" {
		t.Errorf("bot row external id = %q, want transport id", bot.External.MessageID)
	}
}

func TestEngineIgnoresUnaddressed(t *testing.T) {
	fe := newFakeFrontend()
	conv := &recordingConv{}
	provider := &scriptProvider{}
	e := newTestEngine(t, fe, provider, conv, EngineConfig{BotID: 99}, nil)
	stop := runEngine(t, e, fe)

	fe.in <- IncomingMessage{ExternalID: "m1", ChatID: 1, UserID: 7, Text: "just chatting"}
	stop()

	if len(provider.requests()) != 0 {
		t.Error("provider called for an unaddressed message")
	}
	if rows := conv.messages(); len(rows) != 1 {
		t.Errorf("stored %d rows, want 1 (message still persisted)", len(rows))
	}
}

func TestEngineBannedUser(t *testing.T) {
	fe := newFakeFrontend()
	conv := &recordingConv{}
	provider := &scriptProvider{}
	e := newTestEngine(t, fe, provider, conv, EngineConfig{BotID: 99, Banned: []int64{13}}, nil)
	stop := runEngine(t, e, fe)

	fe.in <- IncomingMessage{ExternalID: "m1", ChatID: 1, UserID: 13, Text: "hey", Addressed: true}
	if got := waitSent(t, fe); got != DefaultTemplates.Banned {
		t.Errorf("sent %q, want banned template", got)
	}
	stop()

	if len(provider.requests()) != 0 {
		t.Error("provider called for a banned user")
	}
}

func TestEngineToolRound(t *testing.T) {
	fe := newFakeFrontend()
	conv := &recordingConv{}
	tools := NewToolRegistry()
	tools.Add(&mockTool{
		name: "recall_facts",
		execute: func(context.Context, ToolContext, json.RawMessage) (any, error) {
			return map[string]any{"facts": []string{"lives in Kyiv"}}, nil
		},
	})
	provider := &scriptProvider{steps: []scriptStep{
		{resp: GenerateResponse{ToolCalls: []ToolCall{{ID: "t1", Name: "recall_facts", Args: json.RawMessage(`{}`)}}}},
		{resp: GenerateResponse{Text: "you live in Kyiv"}},
	}}
	e := newTestEngine(t, fe, provider, conv, EngineConfig{BotID: 99}, tools)
	stop := runEngine(t, e, fe)

	fe.in <- IncomingMessage{ExternalID: "m1", ChatID: 1, UserID: 7, Text: "where do I live?", Addressed: true}
	if got := waitSent(t, fe); got != "you live in Kyiv" {
		t.Errorf("sent %q", got)
	}
	stop()

	reqs := provider.requests()
	if len(reqs) != 2 {
		t.Fatalf("provider called %d times, want 2", len(reqs))
	}
	second := reqs[1]
	if len(second.UserParts) != 1 || second.UserParts[0].ToolResult == nil {
		t.Fatalf("second request user parts: %+v", second.UserParts)
	}
	if got := second.UserParts[0].ToolResult.Content; !strings.Contains(got, "Kyiv") {
		t.Errorf("tool result content: %q", got)
	}
	// The tool exchange lands in history: the original user turn, then the
	// model turn carrying the call.
	n := len(second.History)
	if n < 2 || second.History[n-1].Role != RoleModel || second.History[n-1].Parts[0].ToolCall == nil {
		t.Errorf("history tail: %+v", second.History)
	}
}

func TestEngineErrorTemplates(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"rate limited", &LLMError{Kind: LLMRateLimited}, DefaultTemplates.RateLimited},
		{"budget", &BudgetError{Budget: 10, Needed: 20}, DefaultTemplates.TooLong},
		{"wrapped budget", errors.New("x: " + ""), DefaultTemplates.Error},
		{"other", &LLMError{Kind: LLMTransient}, DefaultTemplates.Error},
	}
	fe := newFakeFrontend()
	e := newTestEngine(t, fe, &scriptProvider{}, &recordingConv{}, EngineConfig{BotID: 99}, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := e.templateFor(tt.err); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewEngineValidation(t *testing.T) {
	_, err := NewEngine(EngineDeps{}, EngineConfig{Model: "m"})
	if err == nil || !strings.Contains(err.Error(), "frontend") {
		t.Errorf("got %v, want frontend requirement", err)
	}

	fe := newFakeFrontend()
	deps := EngineDeps{
		Frontend:      fe,
		Provider:      &scriptProvider{},
		Conversations: nopConv{},
		Facts:         nopFacts{},
		Episodes:      nopEpisodes{},
		Formatter:     NewFormatter(),
		Prompts:       NewPromptManager(nopPrompts{}),
		Gate:          NewCapabilityGate(),
		Detector:      NewBoundaryDetector(nil, BoundaryConfig{}),
		Summarizer:    NewSummarizer(nil, ""),
		Extractor:     NewFactExtractor(nopFacts{}, nil, nil, ""),
	}
	if _, err := NewEngine(deps, EngineConfig{Model: "m"}); err == nil || !strings.Contains(err.Error(), "context builder") {
		t.Errorf("got %v, want builder requirement", err)
	}

	builder, berr := NewContextBuilder(nopConv{}, nopFacts{}, nopEpisodes{}, nil, nil)
	if berr != nil {
		t.Fatal(berr)
	}
	deps.Builder = builder
	if _, err := NewEngine(deps, EngineConfig{}); err == nil || !strings.Contains(err.Error(), "model") {
		t.Errorf("got %v, want model requirement", err)
	}
	if _, err := NewEngine(deps, EngineConfig{Model: "m"}); err != nil {
		t.Errorf("complete deps rejected: %v", err)
	}
}

func TestMessageFromIncoming(t *testing.T) {
	in := IncomingMessage{
		ExternalID: "m9", ChatID: 1, ThreadID: 4, UserID: 123456,
		DisplayName: "Alice", Username: "alice_ua", Timestamp: 777,
		Text:                  "hello",
		ReplyToExternalID:     "m8",
		ReplyToExternalUserID: "555",
	}
	got := messageFromIncoming(in)
	if got.Role != RoleUser || got.ChatID != 1 || got.ThreadID != 4 || got.CreatedAt != 777 {
		t.Errorf("row: %+v", got)
	}
	if got.External.MessageID != "m9" || got.External.UserID != "123456" ||
		got.External.ReplyToMessageID != "m8" || got.External.ReplyToUserID != "555" {
		t.Errorf("external ids: %+v", got.External)
	}
	if got.Metadata["display_name"] != "Alice" || got.Metadata["username"] != "alice_ua" {
		t.Errorf("metadata: %+v", got.Metadata)
	}

	// Zero timestamp falls back to the clock.
	got = messageFromIncoming(IncomingMessage{UserID: 7})
	if got.CreatedAt == 0 {
		t.Error("zero timestamp not defaulted")
	}
}

func TestEngineChainsReleasedAfterDrain(t *testing.T) {
	fe := newFakeFrontend()
	conv := &recordingConv{}
	provider := &scriptProvider{steps: []scriptStep{{resp: GenerateResponse{Text: "ok"}}}}
	e := newTestEngine(t, fe, provider, conv, EngineConfig{BotID: 99}, nil)
	stop := runEngine(t, e, fe)

	fe.in <- IncomingMessage{ExternalID: "m1", ChatID: 1, UserID: 7, Text: "hi", Addressed: true}
	fe.in <- IncomingMessage{ExternalID: "m2", ChatID: 2, UserID: 8, Text: "just chatting"}
	waitSent(t, fe)
	stop()

	deadline := time.Now().Add(2 * time.Second)
	for {
		e.mu.Lock()
		left := len(e.chains)
		e.mu.Unlock()
		if left == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("%d chain entries left after drain", left)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
