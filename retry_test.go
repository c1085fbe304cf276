package gryag

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// flakyProvider fails with scripted errors before succeeding.
type flakyProvider struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (p *flakyProvider) Name() string { return "flaky" }

func (p *flakyProvider) Generate(context.Context, GenerateRequest) (GenerateResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		return GenerateResponse{}, err
	}
	return GenerateResponse{Text: "ok"}, nil
}

func (p *flakyProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func transientErr() error {
	return &LLMError{Provider: "flaky", Kind: LLMTransient, Message: "overloaded"}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	inner := &flakyProvider{errs: []error{transientErr(), transientErr()}}
	p := WithRetry(inner, RetryBaseDelay(time.Millisecond))

	resp, err := p.Generate(context.Background(), GenerateRequest{Model: "m"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Text != "ok" || inner.callCount() != 3 {
		t.Errorf("text=%q calls=%d, want ok after 3 calls", resp.Text, inner.callCount())
	}
}

func TestRetryInvalidPassesThrough(t *testing.T) {
	inner := &flakyProvider{errs: []error{
		&LLMError{Provider: "flaky", Kind: LLMInvalid, Message: "garbage"},
	}}
	p := WithRetry(inner, RetryBaseDelay(time.Millisecond))

	_, err := p.Generate(context.Background(), GenerateRequest{Model: "m"})
	if !IsInvalidResponse(err) {
		t.Fatalf("got %v, want invalid-response error", err)
	}
	if inner.callCount() != 1 {
		t.Errorf("calls = %d, want 1 (no retry on invalid)", inner.callCount())
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	inner := &flakyProvider{errs: []error{transientErr(), transientErr(), transientErr()}}
	p := WithRetry(inner, RetryMaxAttempts(2), RetryBaseDelay(time.Millisecond))

	_, err := p.Generate(context.Background(), GenerateRequest{Model: "m"})
	if !IsTransient(err) {
		t.Fatalf("got %v, want last transient error", err)
	}
	if inner.callCount() != 2 {
		t.Errorf("calls = %d, want 2", inner.callCount())
	}
}

func TestRetryRateLimitedIsRetryable(t *testing.T) {
	inner := &flakyProvider{errs: []error{
		&LLMError{Provider: "flaky", Kind: LLMRateLimited, Message: "quota"},
	}}
	p := WithRetry(inner, RetryBaseDelay(time.Millisecond))
	if _, err := p.Generate(context.Background(), GenerateRequest{Model: "m"}); err != nil {
		t.Fatal(err)
	}
	if inner.callCount() != 2 {
		t.Errorf("calls = %d, want 2", inner.callCount())
	}
}

func TestRetryStopsOnCancelledContext(t *testing.T) {
	inner := &flakyProvider{errs: []error{transientErr(), transientErr(), transientErr()}}
	p := WithRetry(inner, RetryBaseDelay(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Generate(ctx, GenerateRequest{Model: "m"})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
	if inner.callCount() != 1 {
		t.Errorf("calls = %d, want 1", inner.callCount())
	}
}

// flakyEmbedder mirrors flakyProvider for the embedding wrapper.
type flakyEmbedder struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (e *flakyEmbedder) Name() string    { return "flaky" }
func (e *flakyEmbedder) Dimensions() int { return 3 }

func (e *flakyEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if len(e.errs) > 0 {
		err := e.errs[0]
		e.errs = e.errs[1:]
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func TestEmbeddingRetry(t *testing.T) {
	inner := &flakyEmbedder{errs: []error{transientErr()}}
	e := WithEmbeddingRetry(inner, RetryBaseDelay(time.Millisecond))

	if e.Name() != "flaky" || e.Dimensions() != 3 {
		t.Error("wrapper must delegate Name and Dimensions")
	}
	vecs, err := e.Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatal(err)
	}
	if len(vecs) != 2 || inner.calls != 2 {
		t.Errorf("vecs=%d calls=%d, want 2/2", len(vecs), inner.calls)
	}
}
