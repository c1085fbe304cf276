package gryag

import (
	"context"
	"sync"
	"testing"
	"time"
)

// windowCollector records closed windows in arrival order.
type windowCollector struct {
	mu     sync.Mutex
	closed []ClosedWindow
}

func (c *windowCollector) handler(_ context.Context, w ClosedWindow) {
	c.mu.Lock()
	c.closed = append(c.closed, w)
	c.mu.Unlock()
}

func (c *windowCollector) windows() []ClosedWindow {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ClosedWindow(nil), c.closed...)
}

func newTestMonitor(t *testing.T, cfg MonitorConfig, opts ...MonitorOption) (*EpisodeMonitor, *windowCollector) {
	t.Helper()
	c := &windowCollector{}
	d := NewBoundaryDetector(nil, BoundaryConfig{})
	return NewEpisodeMonitor(d, c.handler, cfg, opts...), c
}

func TestMonitorCapacityClose(t *testing.T) {
	m, c := newTestMonitor(t, MonitorConfig{MinMessages: 2, MaxMessages: 3})
	ctx := context.Background()
	for i := int64(1); i <= 3; i++ {
		m.Track(ctx, chatMsg(i, 7, "ok", 1000+i))
	}
	m.Wait()

	closed := c.windows()
	if len(closed) != 1 {
		t.Fatalf("got %d closed windows, want 1", len(closed))
	}
	w := closed[0]
	if w.Trigger != TriggerCapacity || len(w.Messages) != 3 {
		t.Errorf("got trigger %s with %d messages", w.Trigger, len(w.Messages))
	}
	if w.ChatID != 1 || w.FirstAt != 1001 || w.LastAt != 1003 {
		t.Errorf("window bounds: %+v", w)
	}
	if len(w.Participants) != 1 || w.Participants[0] != 7 {
		t.Errorf("participants: %v", w.Participants)
	}
}

func TestMonitorBoundaryCloseSeedsFreshWindow(t *testing.T) {
	m, c := newTestMonitor(t, MonitorConfig{MinMessages: 2, MaxMessages: 50})
	ctx := context.Background()

	m.Track(ctx, chatMsg(1, 7, "so how was the football game", 1000))
	m.Track(ctx, chatMsg(2, 8, "we won, it was great", 1010))
	// Long gap plus a topic marker crosses the threshold; the boundary sits
	// before this message, so it seeds the next window.
	m.Track(ctx, chatMsg(3, 7, "by the way my cat is sick", 9000))
	m.Wait()

	closed := c.windows()
	if len(closed) != 1 {
		t.Fatalf("got %d closed windows, want 1", len(closed))
	}
	w := closed[0]
	if w.Trigger != TriggerBoundary {
		t.Fatalf("trigger = %s, want boundary", w.Trigger)
	}
	if len(w.Messages) != 2 || w.Messages[1].ID != 2 {
		t.Errorf("closed window messages: %+v", w.Messages)
	}
	if !w.Boundary.Create || w.Boundary.Score < 0.6 {
		t.Errorf("boundary decision: %+v", w.Boundary)
	}

	// The tail message lives on in a fresh window with a new id.
	m.mu.Lock()
	fresh := m.windows[windowKey{chatID: 1}]
	m.mu.Unlock()
	if fresh == nil || len(fresh.msgs) != 1 || fresh.msgs[0].ID != 3 {
		t.Fatalf("fresh window: %+v", fresh)
	}
	if fresh.id == w.ID {
		t.Error("fresh window reused the closed window's id")
	}
}

func TestMonitorBelowMinimumDiscarded(t *testing.T) {
	m, c := newTestMonitor(t, MonitorConfig{MinMessages: 5, MaxMessages: 50})
	ctx := context.Background()
	m.Track(ctx, chatMsg(1, 7, "hi", 1000))
	m.Track(ctx, chatMsg(2, 8, "hello", 1010))
	m.Flush(ctx)

	if closed := c.windows(); len(closed) != 0 {
		t.Errorf("window below minimum reached the handler: %+v", closed)
	}
}

func TestMonitorFlushShutdown(t *testing.T) {
	m, c := newTestMonitor(t, MonitorConfig{MinMessages: 2, MaxMessages: 50})
	ctx := context.Background()
	m.Track(ctx, chatMsg(1, 7, "one", 1000))
	m.Track(ctx, chatMsg(2, 8, "two", 1010))
	m.Flush(ctx)

	closed := c.windows()
	if len(closed) != 1 || closed[0].Trigger != TriggerShutdown {
		t.Fatalf("got %+v, want one shutdown-triggered window", closed)
	}
	m.mu.Lock()
	remaining := len(m.windows)
	m.mu.Unlock()
	if remaining != 0 {
		t.Errorf("%d windows left after flush", remaining)
	}
}

func TestMonitorSweepTimeout(t *testing.T) {
	now := int64(100_000)
	m, c := newTestMonitor(t, MonitorConfig{
		MinMessages: 2, MaxMessages: 50, WindowTimeout: 600 * time.Second,
	}, withMonitorClock(func() int64 { return now }))
	ctx := context.Background()

	m.Track(ctx, chatMsg(1, 7, "one", now-700))
	m.Track(ctx, chatMsg(2, 8, "two", now-650))
	m.sweep(ctx)
	m.Wait()

	closed := c.windows()
	if len(closed) != 1 || closed[0].Trigger != TriggerTimeout {
		t.Fatalf("got %+v, want one timeout-triggered window", closed)
	}
}

func TestMonitorSweepKeepsActiveWindows(t *testing.T) {
	now := int64(100_000)
	m, c := newTestMonitor(t, MonitorConfig{
		MinMessages: 2, MaxMessages: 50, WindowTimeout: 600 * time.Second,
	}, withMonitorClock(func() int64 { return now }))
	ctx := context.Background()

	m.Track(ctx, chatMsg(1, 7, "one", now-100))
	m.Track(ctx, chatMsg(2, 8, "two", now-50))
	m.sweep(ctx)
	m.Wait()

	if closed := c.windows(); len(closed) != 0 {
		t.Errorf("active window swept: %+v", closed)
	}
}

func TestMonitorSeparateConversations(t *testing.T) {
	m, c := newTestMonitor(t, MonitorConfig{MinMessages: 2, MaxMessages: 2})
	ctx := context.Background()

	a := chatMsg(1, 7, "one", 1000)
	b := chatMsg(2, 7, "two", 1001)
	other := chatMsg(3, 8, "elsewhere", 1000)
	other.ChatID = 2
	m.Track(ctx, a)
	m.Track(ctx, other)
	m.Track(ctx, b)
	m.Wait()

	closed := c.windows()
	if len(closed) != 1 || closed[0].ChatID != 1 {
		t.Errorf("got %+v, want one capacity close in chat 1", closed)
	}
}

func TestEpisodeImportance(t *testing.T) {
	tests := []struct {
		name         string
		messages     int
		participants int
		duration     int64
		want         float64
	}{
		{"minimal", 3, 1, 0, 0.3},
		{"mid everything", 10, 2, 600, 0.6},
		{"large everything", 25, 4, 1800, 0.9},
		{"all brackets maxed", 100, 10, 100_000, 0.9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := episodeImportance(tt.messages, tt.participants, tt.duration); got != tt.want {
				t.Errorf("got %g, want %g", got, tt.want)
			}
		})
	}
}

func TestMonitorChainsReleasedAfterDrain(t *testing.T) {
	m, c := newTestMonitor(t, MonitorConfig{MinMessages: 2, MaxMessages: 2})
	ctx := context.Background()
	for i := int64(1); i <= 4; i++ {
		m.Track(ctx, chatMsg(i, 7, "ok", 1000+i))
	}
	m.Wait()

	if got := len(c.windows()); got != 2 {
		t.Fatalf("got %d closed windows, want 2", got)
	}
	m.mu.Lock()
	left := len(m.chains)
	m.mu.Unlock()
	if left != 0 {
		t.Errorf("%d chain entries left after handlers drained", left)
	}
}
