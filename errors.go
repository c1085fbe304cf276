package gryag

import (
	"errors"
	"fmt"
)

// StoreError wraps a persistence-layer failure.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store: %s: %v", e.Op, e.Err) }
func (e *StoreError) Unwrap() error { return e.Err }

// LLMErrorKind classifies LLM service failures.
type LLMErrorKind string

const (
	LLMRateLimited LLMErrorKind = "rate_limited"
	LLMTransient   LLMErrorKind = "transient"
	LLMInvalid     LLMErrorKind = "invalid"
)

// LLMError is a generation failure from the external LLM service.
type LLMError struct {
	Provider string
	Kind     LLMErrorKind
	Message  string
}

func (e *LLMError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
}

// EmbeddingError is an embedding failure. Callers degrade gracefully
// (keyword-only search, skipped semantic boundary signals).
type EmbeddingError struct {
	Provider string
	Err      error
}

func (e *EmbeddingError) Error() string { return fmt.Sprintf("%s: embed: %v", e.Provider, e.Err) }
func (e *EmbeddingError) Unwrap() error { return e.Err }

// CapabilityError reports a feature the target model does not support.
type CapabilityError struct {
	Model   string
	Feature string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("model %s does not support %s", e.Model, e.Feature)
}

// BudgetError is returned when the context assembler cannot fit even the
// immediate layer into the token budget.
type BudgetError struct {
	Budget int
	Needed int
}

func (e *BudgetError) Error() string {
	return fmt.Sprintf("context budget exceeded: need %d tokens, budget %d", e.Needed, e.Budget)
}

// Tool error kinds, returned inside tool results rather than raised.
const (
	ToolKindValidation   = "validation"
	ToolKindNotPermitted = "not_permitted"
	ToolKindExecution    = "execution"
)

// ToolError is a tool dispatch failure. The dispatcher serializes it into
// the tool result payload; it never propagates to the generation call.
type ToolError struct {
	Tool    string
	Kind    string
	Message string
}

func (e *ToolError) Error() string { return fmt.Sprintf("tool %s: %s: %s", e.Tool, e.Kind, e.Message) }

// IsRateLimited reports whether err is an LLM rate-limit failure.
func IsRateLimited(err error) bool {
	var le *LLMError
	return errors.As(err, &le) && le.Kind == LLMRateLimited
}

// IsTransient reports whether err is a retryable LLM failure.
func IsTransient(err error) bool {
	var le *LLMError
	return errors.As(err, &le) && le.Kind == LLMTransient
}

// IsInvalidResponse reports whether err is a malformed-response failure.
func IsInvalidResponse(err error) bool {
	var le *LLMError
	return errors.As(err, &le) && le.Kind == LLMInvalid
}
