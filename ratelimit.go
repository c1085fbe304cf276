package gryag

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// limitedEmbedding wraps an EmbeddingProvider with a concurrency semaphore and
// a minimum interval between batches. Batch contexts (fact deduplication,
// embedding backfill) share one limiter so the embedding backend never sees
// more than the configured number of in-flight calls.
type limitedEmbedding struct {
	inner EmbeddingProvider
	sem   *semaphore.Weighted

	mu          sync.Mutex
	minInterval time.Duration
	lastBatch   time.Time
}

// EmbedLimitOption configures a limited embedding provider.
type EmbedLimitOption func(*limitedEmbedding)

// EmbedConcurrency sets the maximum number of concurrent Embed calls
// (default 5).
func EmbedConcurrency(n int) EmbedLimitOption {
	return func(l *limitedEmbedding) {
		if n > 0 {
			l.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// EmbedMinInterval sets the minimum time between consecutive Embed batches
// (default 1s). Zero disables the interval.
func EmbedMinInterval(d time.Duration) EmbedLimitOption {
	return func(l *limitedEmbedding) { l.minInterval = d }
}

// WithEmbeddingLimit wraps p so that at most N Embed calls run concurrently
// and consecutive batches are spaced by a minimum interval. Compose with other
// wrappers:
//
//	emb = gryag.WithEmbeddingLimit(gryag.WithEmbeddingRetry(inner))
func WithEmbeddingLimit(p EmbeddingProvider, opts ...EmbedLimitOption) EmbeddingProvider {
	l := &limitedEmbedding{
		inner:       p,
		sem:         semaphore.NewWeighted(5),
		minInterval: time.Second,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *limitedEmbedding) Name() string    { return l.inner.Name() }
func (l *limitedEmbedding) Dimensions() int { return l.inner.Dimensions() }

func (l *limitedEmbedding) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer l.sem.Release(1)

	if err := l.waitInterval(ctx); err != nil {
		return nil, err
	}
	return l.inner.Embed(ctx, texts)
}

// waitInterval blocks until the minimum inter-batch interval has elapsed
// since the previous batch started, reserving the new batch slot on return.
func (l *limitedEmbedding) waitInterval(ctx context.Context) error {
	if l.minInterval <= 0 {
		return nil
	}
	for {
		l.mu.Lock()
		now := time.Now()
		next := l.lastBatch.Add(l.minInterval)
		if !now.Before(next) {
			l.lastBatch = now
			l.mu.Unlock()
			return nil
		}
		wait := next.Sub(now)
		l.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

var _ EmbeddingProvider = (*limitedEmbedding)(nil)
