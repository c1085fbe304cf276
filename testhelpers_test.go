package gryag

import (
	"context"
	"encoding/json"
	"sync"
)

// nopConv is a ConversationStore with zero-value methods. Embed this in
// test-specific store structs to avoid implementing every method.
type nopConv struct{}

var _ ConversationStore = nopConv{}

func (nopConv) AddTurn(context.Context, Message) (int64, error)                { return 0, nil }
func (nopConv) Recent(context.Context, int64, int64, int) ([]Message, error)   { return nil, nil }
func (nopConv) ByExternalID(context.Context, string) (*Message, error)         { return nil, nil }
func (nopConv) DeleteByExternalID(context.Context, string) (bool, error)       { return false, nil }
func (nopConv) Prune(context.Context, int) (int, error)                        { return 0, nil }
func (nopConv) SetImportance(context.Context, int64, float64, int) error       { return nil }
func (nopConv) Importance(context.Context, []int64) (map[int64]float64, error) { return nil, nil }
func (nopConv) SearchKeyword(context.Context, int64, int64, string, int) ([]ScoredMessage, error) {
	return nil, nil
}
func (nopConv) SearchSemantic(context.Context, int64, int64, []float32, int) ([]ScoredMessage, error) {
	return nil, nil
}
func (nopConv) SetEmbedding(context.Context, int64, []float32) error { return nil }

// nopFacts is a FactStore counterpart of nopConv.
type nopFacts struct{}

var _ FactStore = nopFacts{}

func (nopFacts) AddFact(_ context.Context, f Fact) (Fact, FactChange, error) {
	return f, ChangeCreated, nil
}
func (nopFacts) UpdateFact(context.Context, Fact) error { return nil }
func (nopFacts) ForgetFact(context.Context, EntityRef, FactCategory, string) (bool, error) {
	return false, nil
}
func (nopFacts) ForgetAll(context.Context, EntityRef) (int, error)          { return 0, nil }
func (nopFacts) Facts(context.Context, FactQuery) ([]Fact, error)           { return nil, nil }
func (nopFacts) RecentFacts(context.Context, EntityRef, int) ([]Fact, error) { return nil, nil }
func (nopFacts) SearchFacts(context.Context, EntityRef, []float32, int) ([]ScoredFact, error) {
	return nil, nil
}
func (nopFacts) Versions(context.Context, int64, int) ([]FactVersion, error) { return nil, nil }

// nopEpisodes is an EpisodeStore counterpart of nopConv.
type nopEpisodes struct{}

var _ EpisodeStore = nopEpisodes{}

func (nopEpisodes) AddEpisode(context.Context, Episode) (int64, error) { return 1, nil }
func (nopEpisodes) SearchEpisodes(context.Context, int64, []float32, int) ([]ScoredEpisode, error) {
	return nil, nil
}
func (nopEpisodes) RecentEpisodes(context.Context, int64, int) ([]Episode, error) { return nil, nil }

// nopPrompts is a PromptStore counterpart of nopConv.
type nopPrompts struct{}

var _ PromptStore = nopPrompts{}

func (nopPrompts) ActivePrompt(context.Context, int64) (*PromptRecord, error) { return nil, nil }
func (nopPrompts) SetPrompt(context.Context, int64, string) (int, error)      { return 1, nil }
func (nopPrompts) ActivateVersion(context.Context, int64, int) error          { return nil }
func (nopPrompts) History(context.Context, int64, int) ([]PromptRecord, error) {
	return nil, nil
}

// fakeEmbedder returns canned vectors keyed by input text; texts without an
// entry get a unit vector. A non-nil err fails every call.
type fakeEmbedder struct {
	vectors map[string][]float32
	err     error

	mu    sync.Mutex
	calls int
}

var _ EmbeddingProvider = (*fakeEmbedder)(nil)

func (f *fakeEmbedder) Name() string    { return "fake" }
func (f *fakeEmbedder) Dimensions() int { return 3 }

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if v, ok := f.vectors[t]; ok {
			out[i] = v
			continue
		}
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func (f *fakeEmbedder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// scriptProvider replays canned responses in order and records every request.
type scriptProvider struct {
	mu    sync.Mutex
	steps []scriptStep
	reqs  []GenerateRequest
}

type scriptStep struct {
	resp GenerateResponse
	err  error
}

var _ Provider = (*scriptProvider)(nil)

func (p *scriptProvider) Name() string { return "script" }

func (p *scriptProvider) Generate(_ context.Context, req GenerateRequest) (GenerateResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reqs = append(p.reqs, req)
	if len(p.steps) == 0 {
		return GenerateResponse{}, &LLMError{Provider: "script", Kind: LLMInvalid, Message: "script exhausted"}
	}
	step := p.steps[0]
	p.steps = p.steps[1:]
	return step.resp, step.err
}

func (p *scriptProvider) requests() []GenerateRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]GenerateRequest(nil), p.reqs...)
}

// mockTool is a configurable Tool for registry tests.
type mockTool struct {
	name    string
	admin   bool
	params  json.RawMessage
	execute func(ctx context.Context, tc ToolContext, args json.RawMessage) (any, error)
}

var _ Tool = (*mockTool)(nil)

func (t *mockTool) AdminOnly() bool { return t.admin }

func (t *mockTool) Definition() ToolDefinition {
	return ToolDefinition{Name: t.name, Description: "mock tool", Parameters: t.params}
}

func (t *mockTool) Execute(ctx context.Context, tc ToolContext, args json.RawMessage) (any, error) {
	if t.execute == nil {
		return map[string]any{"ok": true}, nil
	}
	return t.execute(ctx, tc, args)
}

// chatMsg builds a plain user message for boundary and monitor tests.
func chatMsg(id, userID int64, text string, at int64) Message {
	return Message{ID: id, ChatID: 1, UserID: userID, Role: RoleUser, Text: text, CreatedAt: at}
}
