package gryag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// ResponseTemplates are the short persona-owned replies for failure cases.
// Internal error kinds never leak to the chat.
type ResponseTemplates struct {
	RateLimited string
	Error       string
	TooLong     string
	Banned      string
}

// DefaultTemplates are the stock replies.
var DefaultTemplates = ResponseTemplates{
	RateLimited: "Забагато запитів, зачекай хвилинку.",
	Error:       "Щось пішло не так, спробуй ще раз.",
	TooLong:     "Забагато контексту, не влізло. Почни коротше.",
	Banned:      "Тобі я не відповідаю.",
}

// EngineConfig holds the runtime knobs of the orchestrator. Zero values fall
// back to defaults in NewEngine.
type EngineConfig struct {
	Model   string
	BotID   int64 // internal user id the bot's own rows are stored under
	BotName string

	Admins []int64
	Banned []int64

	RetentionEnabled  bool
	RetentionDays     int           // default 7
	RetentionInterval time.Duration // default 24h

	Monitor MonitorConfig

	MaxToolRounds int           // default 5
	ShutdownGrace time.Duration // default 5s

	Templates ResponseTemplates
}

// EngineDeps are the wired components the engine orchestrates. All fields
// except Tools are required.
type EngineDeps struct {
	Frontend      Frontend
	Provider      Provider
	Embedder      EmbeddingProvider
	Conversations ConversationStore
	Facts         FactStore
	Episodes      EpisodeStore
	Builder       *ContextBuilder
	Formatter     *Formatter
	Prompts       *PromptManager
	Gate          *CapabilityGate
	Tools         *ToolRegistry
	Detector      *BoundaryDetector
	Summarizer    *Summarizer
	Extractor     *FactExtractor
}

func (d EngineDeps) validate() error {
	switch {
	case d.Frontend == nil:
		return fmt.Errorf("engine: frontend is required")
	case d.Provider == nil:
		return fmt.Errorf("engine: provider is required")
	case d.Conversations == nil:
		return fmt.Errorf("engine: conversation store is required")
	case d.Facts == nil:
		return fmt.Errorf("engine: fact store is required")
	case d.Episodes == nil:
		return fmt.Errorf("engine: episode store is required")
	case d.Builder == nil:
		return fmt.Errorf("engine: context builder is required")
	case d.Formatter == nil:
		return fmt.Errorf("engine: formatter is required")
	case d.Prompts == nil:
		return fmt.Errorf("engine: prompt manager is required")
	case d.Gate == nil:
		return fmt.Errorf("engine: capability gate is required")
	case d.Detector == nil:
		return fmt.Errorf("engine: boundary detector is required")
	case d.Summarizer == nil:
		return fmt.Errorf("engine: summarizer is required")
	case d.Extractor == nil:
		return fmt.Errorf("engine: fact extractor is required")
	}
	return nil
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineLogger sets the logger. Default discards.
func WithEngineLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMediaStats registers a callback fired with the media filter outcome of
// every outbound generation call.
func WithMediaStats(fn func(MediaFilterStats)) EngineOption {
	return func(e *Engine) { e.onMediaStats = fn }
}

// Engine is the top-level runtime: it polls the frontend, serializes ingest
// per conversation, assembles context and generates replies for addressed
// messages, and hosts the background loops (episode monitor sweep, retention
// prune, graceful shutdown).
type Engine struct {
	deps    EngineDeps
	cfg     EngineConfig
	monitor *EpisodeMonitor
	logger  *slog.Logger

	admins map[int64]bool
	banned map[int64]bool

	onMediaStats func(MediaFilterStats)

	mu sync.Mutex
	// chains serializes ingest per conversation, preserving arrival order
	// into the store.
	chains   map[windowKey]chan struct{}
	inflight sync.WaitGroup
}

// NewEngine wires the engine. The episode monitor is created here: closed
// windows flow to summarization, episode persistence, and fact extraction in
// per-conversation order.
func NewEngine(deps EngineDeps, cfg EngineConfig, opts ...EngineOption) (*Engine, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("engine: model is required")
	}
	if cfg.BotName == "" {
		cfg.BotName = "gryag"
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}
	if cfg.RetentionInterval <= 0 {
		cfg.RetentionInterval = 24 * time.Hour
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = 5
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 5 * time.Second
	}
	if cfg.Templates == (ResponseTemplates{}) {
		cfg.Templates = DefaultTemplates
	}

	e := &Engine{
		deps:   deps,
		cfg:    cfg,
		logger: nopLogger,
		admins: map[int64]bool{},
		banned: map[int64]bool{},
		chains: map[windowKey]chan struct{}{},
	}
	for _, id := range cfg.Admins {
		e.admins[id] = true
	}
	for _, id := range cfg.Banned {
		e.banned[id] = true
	}
	for _, o := range opts {
		o(e)
	}
	e.monitor = NewEpisodeMonitor(deps.Detector, e.processWindow, cfg.Monitor,
		WithMonitorLogger(e.logger))
	return e, nil
}

// Run polls the frontend until ctx is cancelled, then shuts down gracefully:
// background loops stop, in-flight ingests get a bounded grace, and open
// windows flush through the monitor.
func (e *Engine) Run(ctx context.Context) error {
	incoming, err := e.deps.Frontend.Poll(ctx)
	if err != nil {
		return fmt.Errorf("poll: %w", err)
	}

	var loops sync.WaitGroup
	loops.Add(1)
	go func() {
		defer loops.Done()
		e.monitor.Run(ctx)
	}()
	if e.cfg.RetentionEnabled {
		loops.Add(1)
		go func() {
			defer loops.Done()
			e.retentionLoop(ctx)
		}()
	}

	e.logger.Info("engine started", "model", e.cfg.Model, "bot", e.cfg.BotName)

	for msg := range incoming {
		e.dispatch(ctx, msg)
	}

	// Poll channel closed: ctx is done. Give in-flight ingests a bounded
	// grace, then flush windows so extraction work is not lost.
	e.waitInflight(e.cfg.ShutdownGrace)
	loops.Wait()
	e.logger.Info("engine stopped")
	return ctx.Err()
}

// waitInflight blocks until in-flight ingests finish or the grace expires.
func (e *Engine) waitInflight(grace time.Duration) {
	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		e.logger.Warn("shutdown grace expired with ingests in flight")
	}
}

// dispatch queues one incoming message behind the conversation's previous
// ingest, preserving arrival order per (chat, thread).
func (e *Engine) dispatch(ctx context.Context, msg IncomingMessage) {
	key := windowKey{chatID: msg.ChatID, threadID: msg.ThreadID}

	e.mu.Lock()
	prev := e.chains[key]
	done := make(chan struct{})
	e.chains[key] = done
	e.mu.Unlock()

	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		defer func() {
			close(done)
			// Release the chain entry once this ingest is the tail, so the
			// map does not grow with every conversation ever seen.
			e.mu.Lock()
			if e.chains[key] == done {
				delete(e.chains, key)
			}
			e.mu.Unlock()
		}()
		if prev != nil {
			select {
			case <-prev:
			case <-ctx.Done():
				return
			}
		}
		e.handle(ctx, msg)
	}()
}

// handle is one full ingest: persist, track, backfill embedding, and reply
// when addressed.
func (e *Engine) handle(ctx context.Context, in IncomingMessage) {
	start := time.Now()

	stored := messageFromIncoming(in)
	id, err := e.deps.Conversations.AddTurn(ctx, stored)
	if err != nil {
		e.logger.Error("ingest failed", "chat_id", in.ChatID, "error", err)
		return
	}
	stored.ID = id

	e.monitor.Track(ctx, stored)
	e.backfillEmbedding(ctx, id, stored.Text)

	if !in.Addressed {
		return
	}
	if e.banned[in.UserID] {
		e.send(ctx, in, e.cfg.Templates.Banned)
		return
	}

	if err := e.deps.Frontend.SendTyping(ctx, in.ChatID); err != nil {
		e.logger.Debug("typing indicator failed", "error", err)
	}

	reply, err := e.respond(ctx, in, id)
	if err != nil {
		reply = e.templateFor(err)
		e.logger.Error("response failed", "chat_id", in.ChatID, "error", err)
	}
	if reply == "" {
		return
	}

	extID := e.send(ctx, in, reply)
	botMsg := Message{
		ChatID:    in.ChatID,
		ThreadID:  in.ThreadID,
		UserID:    e.cfg.BotID,
		Role:      RoleModel,
		Text:      reply,
		Metadata:  map[string]string{"display_name": e.cfg.BotName},
		External:  ExternalIDs{MessageID: extID},
		CreatedAt: NowUnix(),
	}
	botID, err := e.deps.Conversations.AddTurn(ctx, botMsg)
	if err != nil {
		e.logger.Error("reply persist failed", "chat_id", in.ChatID, "error", err)
		return
	}
	botMsg.ID = botID
	e.monitor.Track(ctx, botMsg)
	e.backfillEmbedding(ctx, botID, botMsg.Text)

	e.logger.Info("replied",
		"chat_id", in.ChatID, "user_id", in.UserID,
		"duration", time.Since(start))
}

// templateFor maps a generation failure to its user-visible reply.
func (e *Engine) templateFor(err error) string {
	var be *BudgetError
	switch {
	case IsRateLimited(err):
		return e.cfg.Templates.RateLimited
	case errors.As(err, &be):
		return e.cfg.Templates.TooLong
	default:
		return e.cfg.Templates.Error
	}
}

// respond assembles context and runs the generation + tool loop for one
// addressed message.
func (e *Engine) respond(ctx context.Context, in IncomingMessage, messageID int64) (string, error) {
	persona, err := e.deps.Prompts.GetActivePrompt(ctx, in.ChatID)
	if err != nil {
		return "", fmt.Errorf("prompt: %w", err)
	}

	bundle, err := e.deps.Builder.Build(ctx, ContextRequest{
		ChatID:   in.ChatID,
		ThreadID: in.ThreadID,
		UserID:   in.UserID,
		Query:    in.Text,
	})
	if err != nil {
		return "", err
	}

	system := persona
	if sc := e.deps.Formatter.SystemContext(bundle); sc != "" {
		system += "\n\n" + sc
	}
	history := e.deps.Formatter.History(bundle)
	userParts := e.deps.Formatter.UserParts(in)

	caps := e.deps.Gate.Capabilities(e.cfg.Model)
	history, userParts, stats := e.deps.Gate.FilterMedia(e.cfg.Model, history, userParts)
	if e.onMediaStats != nil {
		e.onMediaStats(stats)
	}

	isAdmin := e.admins[in.UserID]
	var defs []ToolDefinition
	if caps.Tools && e.deps.Tools != nil {
		defs = e.deps.Tools.Definitions(isAdmin)
	}
	tc := ToolContext{
		ChatID:    in.ChatID,
		ThreadID:  in.ThreadID,
		UserID:    in.UserID,
		MessageID: messageID,
		IsAdmin:   isAdmin,
	}

	req := GenerateRequest{
		Model:     e.cfg.Model,
		System:    system,
		History:   history,
		UserParts: userParts,
		Tools:     defs,
	}
	for round := 0; ; round++ {
		resp, err := e.deps.Provider.Generate(ctx, req)
		if err != nil {
			return "", err
		}
		if len(resp.ToolCalls) == 0 || len(defs) == 0 || round >= e.cfg.MaxToolRounds {
			return resp.Text, nil
		}

		modelParts := make([]Part, 0, len(resp.ToolCalls)+1)
		if resp.Text != "" {
			modelParts = append(modelParts, TextPart(resp.Text))
		}
		resultParts := make([]Part, 0, len(resp.ToolCalls))
		for i := range resp.ToolCalls {
			call := resp.ToolCalls[i]
			modelParts = append(modelParts, Part{ToolCall: &call})
			result := e.deps.Tools.Execute(ctx, tc, call)
			resultParts = append(resultParts, Part{ToolResult: &result})
		}

		req.History = append(req.History, Turn{Role: RoleUser, Parts: req.UserParts})
		req.History = append(req.History, Turn{Role: RoleModel, Parts: modelParts})
		req.UserParts = resultParts
	}
}

// send delivers text and returns the transport message id ("" on failure).
func (e *Engine) send(ctx context.Context, in IncomingMessage, text string) string {
	if text == "" {
		return ""
	}
	id, err := e.deps.Frontend.Send(ctx, in.ChatID, in.ThreadID, text)
	if err != nil {
		e.logger.Error("send failed", "chat_id", in.ChatID, "error", err)
		return ""
	}
	return id
}

// backfillEmbedding embeds the message text off the ingest path. Failures
// only cost this message its semantic-search leg.
func (e *Engine) backfillEmbedding(ctx context.Context, messageID int64, text string) {
	if e.deps.Embedder == nil || text == "" {
		return
	}
	bctx := context.WithoutCancel(ctx)
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		bctx, cancel := context.WithTimeout(bctx, 30*time.Second)
		defer cancel()
		embs, err := e.deps.Embedder.Embed(bctx, []string{text})
		if err != nil || len(embs) == 0 {
			e.logger.Debug("embedding backfill failed", "message_id", messageID, "error", err)
			return
		}
		if err := e.deps.Conversations.SetEmbedding(bctx, messageID, embs[0]); err != nil {
			e.logger.Debug("embedding store failed", "message_id", messageID, "error", err)
		}
	}()
}

// processWindow handles one closed conversation window: summarize, persist
// the episode, then extract facts. It runs on the monitor's per-conversation
// chain, independent of the user-visible response path.
func (e *Engine) processWindow(ctx context.Context, w ClosedWindow) {
	start := time.Now()
	summary := e.deps.Summarizer.Summarize(ctx, w.Messages, string(w.Trigger))

	ids := make([]int64, 0, len(w.Messages))
	for _, m := range w.Messages {
		if m.ID > 0 {
			ids = append(ids, m.ID)
		}
	}

	ep := Episode{
		ChatID:       w.ChatID,
		ThreadID:     w.ThreadID,
		Participants: w.Participants,
		Topic:        summary.Topic,
		Summary:      summary.Summary,
		Valence:      summary.Valence,
		Tags:         summary.Tags,
		MessageIDs:   ids,
		Importance:   w.Importance(),
		CreatedAt:    NowUnix(),
	}
	if e.deps.Embedder != nil {
		ectx, cancel := context.WithTimeout(ctx, 30*time.Second)
		embs, err := e.deps.Embedder.Embed(ectx, []string{summary.Topic + "\n" + summary.Summary})
		cancel()
		if err == nil && len(embs) > 0 {
			ep.Embedding = embs[0]
		} else {
			e.logger.Debug("episode embedding failed", "chat_id", w.ChatID, "error", err)
		}
	}
	if len(ep.MessageIDs) > 0 {
		if _, err := e.deps.Episodes.AddEpisode(ctx, ep); err != nil {
			e.logger.Error("episode persist failed", "chat_id", w.ChatID, "error", err)
		}
	}

	if err := e.deps.Extractor.ExtractWindow(ctx, w.Messages, w.ChatID, e.cfg.BotID); err != nil {
		e.logger.Error("fact extraction failed", "chat_id", w.ChatID, "error", err)
	}

	e.logger.Debug("window processed",
		"chat_id", w.ChatID, "trigger", w.Trigger,
		"messages", len(w.Messages), "topic", summary.Topic,
		"duration", time.Since(start))
}

// retentionLoop runs the pruner at the configured interval.
func (e *Engine) retentionLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.RetentionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := e.deps.Conversations.Prune(ctx, e.cfg.RetentionDays)
			if err != nil {
				e.logger.Error("retention prune failed", "error", err)
				continue
			}
			if n > 0 {
				e.logger.Info("retention pruned", "messages", n, "days", e.cfg.RetentionDays)
			}
		}
	}
}

// messageFromIncoming maps a transport message to its stored row.
func messageFromIncoming(in IncomingMessage) Message {
	meta := map[string]string{}
	if in.DisplayName != "" {
		meta["display_name"] = in.DisplayName
	}
	if in.Username != "" {
		meta["username"] = in.Username
	}
	ts := in.Timestamp
	if ts == 0 {
		ts = NowUnix()
	}
	return Message{
		ChatID:   in.ChatID,
		ThreadID: in.ThreadID,
		UserID:   in.UserID,
		Role:     RoleUser,
		Text:     in.Text,
		Media:    in.Media,
		Metadata: meta,
		External: ExternalIDs{
			MessageID:        in.ExternalID,
			UserID:           strconv.FormatInt(in.UserID, 10),
			ReplyToMessageID: in.ReplyToExternalID,
			ReplyToUserID:    in.ReplyToExternalUserID,
		},
		CreatedAt: ts,
	}
}
