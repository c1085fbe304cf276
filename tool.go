package gryag

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// ToolContext is the entity context of the triggering message, resolved by
// the dispatcher before execution.
type ToolContext struct {
	ChatID    int64
	ThreadID  int64
	UserID    int64 // author of the triggering message
	MessageID int64 // internal id of the triggering message, 0 if unsaved
	IsAdmin   bool
}

// Tool is one callable memory tool. Execute returns a JSON-serializable
// result; the dispatcher handles serialization, truncation, and errors.
type Tool interface {
	Definition() ToolDefinition
	// AdminOnly tools fail with ToolKindNotPermitted for non-admin callers.
	AdminOnly() bool
	Execute(ctx context.Context, tc ToolContext, args json.RawMessage) (any, error)
}

// RegistryOption configures a ToolRegistry.
type RegistryOption func(*ToolRegistry)

// WithResultBudget caps serialized tool results in estimated tokens
// (default 300).
func WithResultBudget(tokens int) RegistryOption {
	return func(r *ToolRegistry) {
		if tokens > 0 {
			r.resultBudget = tokens
		}
	}
}

// WithRegistryLogger sets the logger. Default discards.
func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *ToolRegistry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithToolTelemetry registers a callback fired after every execution with
// the tool name, result kind ("ok" or an error kind), and latency.
func WithToolTelemetry(fn func(name, kind string, d time.Duration)) RegistryOption {
	return func(r *ToolRegistry) { r.onCall = fn }
}

// ToolRegistry holds the closed tool set and dispatches model-issued calls.
// Failures never propagate: every outcome, error included, is serialized
// into the tool result handed back to the model.
type ToolRegistry struct {
	tools        map[string]Tool
	order        []string
	resultBudget int
	logger       *slog.Logger
	onCall       func(name, kind string, d time.Duration)
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry(opts ...RegistryOption) *ToolRegistry {
	r := &ToolRegistry{
		tools:        map[string]Tool{},
		resultBudget: 300,
		logger:       nopLogger,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Add registers a tool. Re-registering a name panics; the tool set is fixed
// at startup.
func (r *ToolRegistry) Add(t Tool) {
	name := t.Definition().Name
	if _, ok := r.tools[name]; ok {
		panic("duplicate tool: " + name)
	}
	r.tools[name] = t
	r.order = append(r.order, name)
}

// Definitions returns the declarations advertised to the model, in
// registration order. Admin-only tools are omitted for non-admin callers.
func (r *ToolRegistry) Definitions(isAdmin bool) []ToolDefinition {
	defs := make([]ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		if t.AdminOnly() && !isAdmin {
			continue
		}
		defs = append(defs, t.Definition())
	}
	return defs
}

// Execute dispatches one model-issued call: schema validation, admin gating,
// execution, then compact serialization under the result budget.
func (r *ToolRegistry) Execute(ctx context.Context, tc ToolContext, call ToolCall) ToolResult {
	start := time.Now()
	content, kind := r.execute(ctx, tc, call)

	r.logger.Debug("tool executed",
		"tool", call.Name, "kind", kind, "chat_id", tc.ChatID,
		"user_id", tc.UserID, "duration", time.Since(start))
	if r.onCall != nil {
		r.onCall(call.Name, kind, time.Since(start))
	}
	return ToolResult{ID: call.ID, Name: call.Name, Content: content}
}

func (r *ToolRegistry) execute(ctx context.Context, tc ToolContext, call ToolCall) (content, kind string) {
	t, ok := r.tools[call.Name]
	if !ok {
		return errorPayload("unknown tool: "+call.Name, ToolKindValidation), ToolKindValidation
	}
	if t.AdminOnly() && !tc.IsAdmin {
		return errorPayload("tool requires admin", ToolKindNotPermitted), ToolKindNotPermitted
	}
	if err := validateArgs(t.Definition().Parameters, call.Args); err != nil {
		return errorPayload(err.Error(), ToolKindValidation), ToolKindValidation
	}

	result, err := t.Execute(ctx, tc, call.Args)
	if err != nil {
		k := ToolKindExecution
		if te, ok := asToolError(err); ok {
			k = te.Kind
		}
		return errorPayload(err.Error(), k), k
	}
	return r.serialize(result), "ok"
}

func asToolError(err error) (*ToolError, bool) {
	te, ok := err.(*ToolError)
	return te, ok
}

// serialize renders a result as compact JSON with sorted keys, truncated to
// the result budget.
func (r *ToolRegistry) serialize(result any) string {
	data, err := json.Marshal(normalizeKeys(result))
	if err != nil {
		return errorPayload("unserializable result", ToolKindExecution)
	}
	s := string(data)
	if EstimateText(s) > r.resultBudget {
		s = truncateRunes(s, r.resultBudget*charsPerToken)
	}
	return s
}

// normalizeKeys converts structs to key-sorted maps so the serialized form
// is deterministic regardless of field order.
func normalizeKeys(result any) any {
	data, err := json.Marshal(result)
	if err != nil {
		return result
	}
	var m map[string]any
	if json.Unmarshal(data, &m) != nil {
		return result
	}
	return m // encoding/json emits map keys sorted
}

// errorPayload is the {"error","kind"} result shape for failures.
func errorPayload(msg, kind string) string {
	data, _ := json.Marshal(map[string]string{"error": msg, "kind": kind})
	return string(data)
}

// validateArgs checks args against the subset of JSON Schema the tool
// definitions use: top-level object with typed properties and a required
// list. Unknown argument names are rejected.
func validateArgs(schema, args json.RawMessage) error {
	if len(schema) == 0 {
		return nil
	}
	var s struct {
		Properties map[string]struct {
			Type string `json:"type"`
		} `json:"properties"`
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(schema, &s); err != nil {
		return fmt.Errorf("invalid tool schema: %w", err)
	}

	var got map[string]json.RawMessage
	if len(args) > 0 {
		if err := json.Unmarshal(args, &got); err != nil {
			return fmt.Errorf("arguments must be a JSON object: %w", err)
		}
	}

	for _, name := range s.Required {
		if _, ok := got[name]; !ok {
			return fmt.Errorf("missing required argument %q", name)
		}
	}

	names := make([]string, 0, len(got))
	for name := range got {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		prop, ok := s.Properties[name]
		if !ok {
			return fmt.Errorf("unknown argument %q", name)
		}
		if err := checkType(name, prop.Type, got[name]); err != nil {
			return err
		}
	}
	return nil
}

func checkType(name, typ string, raw json.RawMessage) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("argument %q: %w", name, err)
	}
	ok := true
	switch typ {
	case "string":
		_, ok = v.(string)
	case "number":
		_, ok = v.(float64)
	case "integer":
		f, isNum := v.(float64)
		ok = isNum && f == float64(int64(f))
	case "boolean":
		_, ok = v.(bool)
	case "array":
		_, ok = v.([]any)
	case "object":
		_, ok = v.(map[string]any)
	case "":
		// untyped property, accept anything
	}
	if !ok {
		return fmt.Errorf("argument %q: expected %s", name, typ)
	}
	return nil
}
