// Package memory implements the model-callable memory tools: remembering,
// recalling, updating, and forgetting facts about users and chats.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"gryag"
)

// Deps are the shared dependencies of all memory tools. Embedder may be nil;
// facts are then stored without embeddings and recalled by listing only.
type Deps struct {
	Facts    gryag.FactStore
	Embedder gryag.EmbeddingProvider
}

// All returns the full memory tool set in registration order.
func All(d Deps) []gryag.Tool {
	return []gryag.Tool{
		&RememberFact{d},
		&RecallFacts{d},
		&UpdateFact{d},
		&ForgetFact{d},
		&ForgetAllFacts{d},
		&UpdatePronouns{d},
	}
}

// entity resolves the subject of a tool call: the calling user by default,
// the chat when scope is "chat".
func entity(tc gryag.ToolContext, scope string) gryag.EntityRef {
	if scope == "chat" {
		return gryag.ChatEntity(tc.ChatID)
	}
	return gryag.UserEntity(tc.UserID)
}

// embed produces a fact embedding, or nil when no embedder is configured or
// the call fails. Embedding failures never fail the tool.
func (d Deps) embed(ctx context.Context, category gryag.FactCategory, key, value string) []float32 {
	if d.Embedder == nil {
		return nil
	}
	embs, err := d.Embedder.Embed(ctx, []string{fmt.Sprintf("%s %s %s", category, key, value)})
	if err != nil || len(embs) == 0 {
		return nil
	}
	return embs[0]
}

func validationErr(tool, msg string) error {
	return &gryag.ToolError{Tool: tool, Kind: gryag.ToolKindValidation, Message: msg}
}

// RememberFact stores one fact about the calling user (or the chat) through
// the quality pipeline: duplicates reinforce, conflicts resolve, otherwise
// the fact is created.
type RememberFact struct {
	deps Deps
}

func (t *RememberFact) AdminOnly() bool { return false }

func (t *RememberFact) Definition() gryag.ToolDefinition {
	return gryag.ToolDefinition{
		Name:        "remember_fact",
		Description: "Remember a durable fact about the user (or the whole chat). Use when someone states something worth remembering about themselves or the group.",
		Parameters: json.RawMessage(`{"type":"object","properties":{
			"category":{"type":"string","description":"One of: personal, preference, skill, interest, language, location, relationship, rule, trait, style, topic, norm, culture"},
			"key":{"type":"string","description":"Short snake_case key, e.g. favorite_food"},
			"value":{"type":"string","description":"The fact value"},
			"confidence":{"type":"number","description":"0.0-1.0, default 0.8"},
			"scope":{"type":"string","description":"\"user\" (default) or \"chat\" for group-level facts"}
		},"required":["category","key","value"]}`),
	}
}

func (t *RememberFact) Execute(ctx context.Context, tc gryag.ToolContext, args json.RawMessage) (any, error) {
	var params struct {
		Category   string  `json:"category"`
		Key        string  `json:"key"`
		Value      string  `json:"value"`
		Confidence float64 `json:"confidence"`
		Scope      string  `json:"scope"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, validationErr("remember_fact", "invalid args: "+err.Error())
	}
	category := gryag.FactCategory(strings.ToLower(params.Category))
	if !gryag.KnownCategory(category) {
		return nil, validationErr("remember_fact", "unknown category: "+params.Category)
	}
	if strings.TrimSpace(params.Value) == "" {
		return nil, validationErr("remember_fact", "empty value")
	}
	if params.Confidence <= 0 || params.Confidence > 1 {
		params.Confidence = 0.8
	}

	fact := gryag.Fact{
		Entity:          entity(tc, params.Scope),
		ChatContext:     tc.ChatID,
		Category:        category,
		Key:             params.Key,
		Value:           params.Value,
		Confidence:      params.Confidence,
		SourceMessageID: tc.MessageID,
		Embedding:       t.deps.embed(ctx, category, params.Key, params.Value),
	}
	stored, change, err := t.deps.Facts.AddFact(ctx, fact)
	if err != nil {
		return nil, err
	}
	status := string(change)
	if change == gryag.ChangeNone {
		status = "kept_existing"
	}
	return map[string]any{
		"status":     status,
		"fact_id":    stored.ID,
		"key":        stored.Key,
		"value":      stored.Value,
		"confidence": stored.Confidence,
	}, nil
}

// RecallFacts lists or semantically searches the calling user's (or chat's)
// active facts.
type RecallFacts struct {
	deps Deps
}

func (t *RecallFacts) AdminOnly() bool { return false }

func (t *RecallFacts) Definition() gryag.ToolDefinition {
	return gryag.ToolDefinition{
		Name:        "recall_facts",
		Description: "Recall remembered facts about the user or the chat, optionally filtered by category or ranked against a free-text query.",
		Parameters: json.RawMessage(`{"type":"object","properties":{
			"category":{"type":"string","description":"Restrict to one category"},
			"query":{"type":"string","description":"Free text to rank facts against"},
			"scope":{"type":"string","description":"\"user\" (default) or \"chat\""},
			"limit":{"type":"integer","description":"Max facts to return, default 10"}
		}}`),
	}
}

func (t *RecallFacts) Execute(ctx context.Context, tc gryag.ToolContext, args json.RawMessage) (any, error) {
	var params struct {
		Category string `json:"category"`
		Query    string `json:"query"`
		Scope    string `json:"scope"`
		Limit    int    `json:"limit"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &params); err != nil {
			return nil, validationErr("recall_facts", "invalid args: "+err.Error())
		}
	}
	if params.Limit <= 0 || params.Limit > 50 {
		params.Limit = 10
	}
	subject := entity(tc, params.Scope)

	type recalled struct {
		Key        string  `json:"key"`
		Value      string  `json:"value"`
		Category   string  `json:"category"`
		Confidence float64 `json:"confidence"`
	}

	if params.Query != "" && t.deps.Embedder != nil {
		embs, err := t.deps.Embedder.Embed(ctx, []string{params.Query})
		if err == nil && len(embs) > 0 {
			scored, err := t.deps.Facts.SearchFacts(ctx, subject, embs[0], params.Limit)
			if err != nil {
				return nil, err
			}
			out := make([]recalled, 0, len(scored))
			for _, f := range scored {
				out = append(out, recalled{f.Key, f.Value, string(f.Category), f.Confidence})
			}
			return map[string]any{"facts": out}, nil
		}
		// Embedding failure degrades to a plain listing.
	}

	facts, err := t.deps.Facts.Facts(ctx, gryag.FactQuery{
		Entity:   subject,
		Category: gryag.FactCategory(strings.ToLower(params.Category)),
		Limit:    params.Limit,
	})
	if err != nil {
		return nil, err
	}
	out := make([]recalled, 0, len(facts))
	for _, f := range facts {
		out = append(out, recalled{f.Key, f.Value, string(f.Category), f.Confidence})
	}
	return map[string]any{"facts": out}, nil
}

// UpdateFact force-corrects a fact by id, bypassing the quality pipeline.
// Admin only.
type UpdateFact struct {
	deps Deps
}

func (t *UpdateFact) AdminOnly() bool { return true }

func (t *UpdateFact) Definition() gryag.ToolDefinition {
	return gryag.ToolDefinition{
		Name:        "update_fact",
		Description: "Forcibly correct a stored fact by id, bypassing conflict resolution. Admin only.",
		Parameters: json.RawMessage(`{"type":"object","properties":{
			"fact_id":{"type":"integer","description":"Id of the fact to correct"},
			"value":{"type":"string","description":"The corrected value"},
			"confidence":{"type":"number","description":"0.0-1.0, default 0.95"}
		},"required":["fact_id","value"]}`),
	}
}

func (t *UpdateFact) Execute(ctx context.Context, tc gryag.ToolContext, args json.RawMessage) (any, error) {
	var params struct {
		FactID     int64   `json:"fact_id"`
		Value      string  `json:"value"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, validationErr("update_fact", "invalid args: "+err.Error())
	}
	if params.FactID <= 0 {
		return nil, validationErr("update_fact", "fact_id must be positive")
	}
	if strings.TrimSpace(params.Value) == "" {
		return nil, validationErr("update_fact", "empty value")
	}
	if params.Confidence <= 0 || params.Confidence > 1 {
		params.Confidence = 0.95
	}

	err := t.deps.Facts.UpdateFact(ctx, gryag.Fact{
		ID:         params.FactID,
		Value:      params.Value,
		Confidence: params.Confidence,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"status": "corrected", "fact_id": params.FactID}, nil
}

// ForgetFact soft-deletes one of the calling user's (or chat's) facts.
type ForgetFact struct {
	deps Deps
}

func (t *ForgetFact) AdminOnly() bool { return false }

func (t *ForgetFact) Definition() gryag.ToolDefinition {
	return gryag.ToolDefinition{
		Name:        "forget_fact",
		Description: "Forget one remembered fact. Use when someone asks to forget something specific about them.",
		Parameters: json.RawMessage(`{"type":"object","properties":{
			"category":{"type":"string","description":"Category of the fact"},
			"key":{"type":"string","description":"Key of the fact"},
			"scope":{"type":"string","description":"\"user\" (default) or \"chat\""}
		},"required":["category","key"]}`),
	}
}

func (t *ForgetFact) Execute(ctx context.Context, tc gryag.ToolContext, args json.RawMessage) (any, error) {
	var params struct {
		Category string `json:"category"`
		Key      string `json:"key"`
		Scope    string `json:"scope"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, validationErr("forget_fact", "invalid args: "+err.Error())
	}
	category := gryag.FactCategory(strings.ToLower(params.Category))
	if !gryag.KnownCategory(category) {
		return nil, validationErr("forget_fact", "unknown category: "+params.Category)
	}

	forgotten, err := t.deps.Facts.ForgetFact(ctx, entity(tc, params.Scope), category, params.Key)
	if err != nil {
		return nil, err
	}
	if !forgotten {
		return map[string]any{"status": "not_found"}, nil
	}
	return map[string]any{"status": "forgotten", "key": params.Key}, nil
}

// ForgetAllFacts wipes every active fact of a user. Admin only.
type ForgetAllFacts struct {
	deps Deps
}

func (t *ForgetAllFacts) AdminOnly() bool { return true }

func (t *ForgetAllFacts) Definition() gryag.ToolDefinition {
	return gryag.ToolDefinition{
		Name:        "forget_all_facts",
		Description: "Forget everything remembered about a user. Admin only; irreversible from the model's point of view.",
		Parameters: json.RawMessage(`{"type":"object","properties":{
			"user_id":{"type":"integer","description":"The user whose facts to wipe; defaults to the calling user"}
		}}`),
	}
}

func (t *ForgetAllFacts) Execute(ctx context.Context, tc gryag.ToolContext, args json.RawMessage) (any, error) {
	var params struct {
		UserID int64 `json:"user_id"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &params); err != nil {
			return nil, validationErr("forget_all_facts", "invalid args: "+err.Error())
		}
	}
	if params.UserID == 0 {
		params.UserID = tc.UserID
	}

	n, err := t.deps.Facts.ForgetAll(ctx, gryag.UserEntity(params.UserID))
	if err != nil {
		return nil, err
	}
	return map[string]any{"status": "forgotten", "count": n}, nil
}

// UpdatePronouns records the calling user's pronouns at high confidence
// through the quality pipeline.
type UpdatePronouns struct {
	deps Deps
}

func (t *UpdatePronouns) AdminOnly() bool { return false }

func (t *UpdatePronouns) Definition() gryag.ToolDefinition {
	return gryag.ToolDefinition{
		Name:        "update_pronouns",
		Description: "Record the user's pronouns. Use whenever someone states their pronouns.",
		Parameters: json.RawMessage(`{"type":"object","properties":{
			"pronouns":{"type":"string","description":"The pronouns as stated, e.g. she/her"}
		},"required":["pronouns"]}`),
	}
}

func (t *UpdatePronouns) Execute(ctx context.Context, tc gryag.ToolContext, args json.RawMessage) (any, error) {
	var params struct {
		Pronouns string `json:"pronouns"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, validationErr("update_pronouns", "invalid args: "+err.Error())
	}
	pronouns := strings.TrimSpace(params.Pronouns)
	if pronouns == "" {
		return nil, validationErr("update_pronouns", "empty pronouns")
	}

	stored, _, err := t.deps.Facts.AddFact(ctx, gryag.Fact{
		Entity:          gryag.UserEntity(tc.UserID),
		ChatContext:     tc.ChatID,
		Category:        gryag.CategoryPersonal,
		Key:             "pronouns",
		Value:           pronouns,
		Confidence:      0.98,
		SourceMessageID: tc.MessageID,
		Embedding:       t.deps.embed(ctx, gryag.CategoryPersonal, "pronouns", pronouns),
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"status": "updated", "pronouns": stored.Value}, nil
}
