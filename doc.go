// Package gryag is the memory and context engine behind a group-chat
// assistant. It turns a raw incoming chat message into a bounded,
// structured prompt for an external LLM and into durable updates to a
// long-lived knowledge store.
//
// The root package defines the contracts and composable primitives:
//
//   - [ConversationStore], [FactStore], [EpisodeStore], [PromptStore] — persistence
//   - [Provider], [EmbeddingProvider] — the external LLM service
//   - [SearchEngine] — hybrid lexical + vector + temporal + importance retrieval
//   - [ContextBuilder] — budgeted five-layer context assembly
//   - [BoundaryDetector], [EpisodeMonitor], [Summarizer] — episodic memory
//   - [FactExtractor] — fact extraction with the quality pipeline
//   - [PromptManager] — versioned, cached system prompts
//   - [CapabilityGate] — model-capability-aware media filtering
//   - [ToolRegistry] — the closed set of LLM-callable memory tools
//   - [Engine] — the runtime wiring ingest, generation, and background loops
//
// Implementations live in subpackages: store/sqlite (pure-Go SQLite with
// FTS5 and brute-force vector search), provider/gemini (Gemini REST),
// frontend/telegram (long-polling transport), observer (OpenTelemetry),
// tools/memory (the LLM-callable memory tool set).
//
// See cmd/gryag for the wiring binary.
package gryag
