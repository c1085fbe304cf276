package gryag

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// CloseTrigger names what terminated a conversation window.
type CloseTrigger string

const (
	TriggerBoundary CloseTrigger = "boundary"
	TriggerTimeout  CloseTrigger = "timeout"
	TriggerCapacity CloseTrigger = "capacity"
	TriggerShutdown CloseTrigger = "shutdown"
)

// ClosedWindow is a terminated conversation window handed to the close
// handler (summarizer, then fact extraction).
type ClosedWindow struct {
	ID           string
	ChatID       int64
	ThreadID     int64
	Messages     []Message
	Participants []int64
	FirstAt      int64
	LastAt       int64
	Trigger      CloseTrigger
	// Boundary carries the decision when Trigger is TriggerBoundary.
	Boundary BoundaryDecision
}

// Importance scores the closed window from message count, unique
// participants, and duration, capped at 1.0.
func (w ClosedWindow) Importance() float64 {
	return episodeImportance(len(w.Messages), len(w.Participants), w.LastAt-w.FirstAt)
}

// episodeImportance brackets: a 0.3 base, plus up to 0.2 each for volume,
// breadth, and duration.
func episodeImportance(messages, participants int, durationSeconds int64) float64 {
	score := 0.3
	switch {
	case messages >= 25:
		score += 0.2
	case messages >= 10:
		score += 0.1
	}
	switch {
	case participants >= 4:
		score += 0.2
	case participants >= 2:
		score += 0.1
	}
	switch {
	case durationSeconds >= 1800:
		score += 0.2
	case durationSeconds >= 600:
		score += 0.1
	}
	return clamp01(score)
}

// MonitorConfig holds window thresholds. Zero values fall back to defaults
// in NewEpisodeMonitor.
type MonitorConfig struct {
	MinMessages   int           // minimum window size to summarize (default 5)
	MaxMessages   int           // capacity close (default 50)
	WindowTimeout time.Duration // inactivity close (default 30m)
	SweepInterval time.Duration // background sweep period (default 5m)
}

// MonitorOption configures an EpisodeMonitor.
type MonitorOption func(*EpisodeMonitor)

// WithMonitorLogger sets the logger. Default discards.
func WithMonitorLogger(l *slog.Logger) MonitorOption {
	return func(m *EpisodeMonitor) {
		if l != nil {
			m.logger = l
		}
	}
}

// withMonitorClock overrides the clock. Tests only.
func withMonitorClock(now func() int64) MonitorOption {
	return func(m *EpisodeMonitor) { m.now = now }
}

type windowKey struct {
	chatID   int64
	threadID int64
}

type window struct {
	id           string
	msgs         []Message
	participants map[int64]bool
	firstAt      int64
	lastAt       int64
}

// EpisodeMonitor owns the in-memory conversation windows, one per
// (chat, thread). Windows close on a detected boundary, on inactivity, or at
// capacity; closed windows flow to the handler in per-conversation order, so
// a later window never overtakes an earlier still-processing one.
type EpisodeMonitor struct {
	detector *BoundaryDetector
	cfg      MonitorConfig
	handler  func(context.Context, ClosedWindow)
	logger   *slog.Logger
	now      func() int64

	mu      sync.Mutex
	windows map[windowKey]*window
	// chains serializes close handling per conversation: each closure waits
	// on the previous one's done channel.
	chains map[windowKey]chan struct{}

	inflight sync.WaitGroup
}

// NewEpisodeMonitor builds a monitor. handler receives every closed window
// that reached MinMessages; it runs on a background goroutine.
func NewEpisodeMonitor(detector *BoundaryDetector, handler func(context.Context, ClosedWindow), cfg MonitorConfig, opts ...MonitorOption) *EpisodeMonitor {
	if cfg.MinMessages <= 0 {
		cfg.MinMessages = 5
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = 50
	}
	if cfg.WindowTimeout <= 0 {
		cfg.WindowTimeout = 30 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	m := &EpisodeMonitor{
		detector: detector,
		cfg:      cfg,
		handler:  handler,
		logger:   nopLogger,
		now:      NowUnix,
		windows:  map[windowKey]*window{},
		chains:   map[windowKey]chan struct{}{},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Track appends one message to its conversation window, closing the window
// when a boundary is detected or capacity is reached.
func (m *EpisodeMonitor) Track(ctx context.Context, msg Message) {
	key := windowKey{chatID: msg.ChatID, threadID: msg.ThreadID}

	m.mu.Lock()
	defer m.mu.Unlock()

	w := m.windows[key]
	if w == nil {
		w = &window{
			id:           NewID(),
			participants: map[int64]bool{},
			firstAt:      msg.CreatedAt,
		}
		m.windows[key] = w
	}
	w.msgs = append(w.msgs, msg)
	w.participants[msg.UserID] = true
	w.lastAt = msg.CreatedAt

	if len(w.msgs) >= m.cfg.MaxMessages {
		m.closeLocked(ctx, key, w, len(w.msgs), TriggerCapacity, BoundaryDecision{})
		return
	}
	if len(w.msgs) < m.cfg.MinMessages {
		return
	}
	decision := m.detector.Detect(ctx, w.msgs)
	if !decision.Create {
		return
	}
	// Close up to the boundary position; the tail seeds the next window.
	cut := len(w.msgs)
	if len(decision.Signals) > 0 {
		if pos := decision.Signals[0].Position; pos > 0 && pos < len(w.msgs) {
			cut = pos
		}
	}
	m.closeLocked(ctx, key, w, cut, TriggerBoundary, decision)
}

// closeLocked terminates a window: the first cut messages are handed off,
// the remainder (if any) becomes a fresh window. Caller holds m.mu.
func (m *EpisodeMonitor) closeLocked(ctx context.Context, key windowKey, w *window, cut int, trigger CloseTrigger, decision BoundaryDecision) {
	closedMsgs := w.msgs[:cut]
	rest := w.msgs[cut:]

	closed := ClosedWindow{
		ID:       w.id,
		ChatID:   key.chatID,
		ThreadID: key.threadID,
		Messages: closedMsgs,
		FirstAt:  w.firstAt,
		Trigger:  trigger,
		Boundary: decision,
	}
	seen := map[int64]bool{}
	for _, msg := range closedMsgs {
		if !seen[msg.UserID] {
			seen[msg.UserID] = true
			closed.Participants = append(closed.Participants, msg.UserID)
		}
	}
	if n := len(closedMsgs); n > 0 {
		closed.LastAt = closedMsgs[n-1].CreatedAt
	}

	if len(rest) == 0 {
		delete(m.windows, key)
	} else {
		fresh := &window{
			id:           NewID(),
			msgs:         append([]Message(nil), rest...),
			participants: map[int64]bool{},
			firstAt:      rest[0].CreatedAt,
			lastAt:       rest[len(rest)-1].CreatedAt,
		}
		for _, msg := range rest {
			fresh.participants[msg.UserID] = true
		}
		m.windows[key] = fresh
	}

	if len(closed.Messages) < m.cfg.MinMessages {
		m.logger.Debug("window discarded below minimum",
			"chat_id", key.chatID, "thread_id", key.threadID,
			"messages", len(closed.Messages), "trigger", trigger)
		return
	}
	m.dispatchLocked(ctx, key, closed)
}

// dispatchLocked queues a closed window behind the conversation's previous
// closure. Caller holds m.mu.
func (m *EpisodeMonitor) dispatchLocked(ctx context.Context, key windowKey, closed ClosedWindow) {
	prev := m.chains[key]
	done := make(chan struct{})
	m.chains[key] = done

	m.logger.Debug("window closed",
		"chat_id", key.chatID, "thread_id", key.threadID,
		"messages", len(closed.Messages), "trigger", closed.Trigger,
		"score", closed.Boundary.Score)

	m.inflight.Add(1)
	go func() {
		defer m.inflight.Done()
		defer func() {
			close(done)
			// Drop the chain entry when this closure is the tail.
			m.mu.Lock()
			if m.chains[key] == done {
				delete(m.chains, key)
			}
			m.mu.Unlock()
		}()
		if prev != nil {
			select {
			case <-prev:
			case <-ctx.Done():
				return
			}
		}
		if m.handler != nil {
			m.handler(ctx, closed)
		}
	}()
}

// Run sweeps windows for inactivity until ctx is cancelled. On cancellation
// every remaining window is flushed with TriggerShutdown.
func (m *EpisodeMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.Flush(context.WithoutCancel(ctx))
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// sweep closes every window idle past the timeout.
func (m *EpisodeMonitor) sweep(ctx context.Context) {
	now := m.now()
	cutoff := now - int64(m.cfg.WindowTimeout/time.Second)

	m.mu.Lock()
	defer m.mu.Unlock()
	for key, w := range m.windows {
		if w.lastAt <= cutoff {
			m.closeLocked(ctx, key, w, len(w.msgs), TriggerTimeout, BoundaryDecision{})
		}
	}
}

// Flush closes all remaining windows and waits for in-flight handlers.
func (m *EpisodeMonitor) Flush(ctx context.Context) {
	m.mu.Lock()
	for key, w := range m.windows {
		m.closeLocked(ctx, key, w, len(w.msgs), TriggerShutdown, BoundaryDecision{})
	}
	m.mu.Unlock()
	m.inflight.Wait()
}

// Wait blocks until all dispatched close handlers finish. Tests and
// shutdown paths use it.
func (m *EpisodeMonitor) Wait() { m.inflight.Wait() }
