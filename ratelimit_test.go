package gryag

import (
	"context"
	"testing"
	"time"
)

func TestEmbeddingLimitPassthrough(t *testing.T) {
	inner := &fakeEmbedder{vectors: map[string][]float32{"hi": {0, 1, 0}}}
	e := WithEmbeddingLimit(inner, EmbedConcurrency(2), EmbedMinInterval(0))

	if e.Name() != "fake" || e.Dimensions() != 3 {
		t.Error("wrapper must delegate Name and Dimensions")
	}
	vecs, err := e.Embed(context.Background(), []string{"hi"})
	if err != nil {
		t.Fatal(err)
	}
	if len(vecs) != 1 || vecs[0][1] != 1 {
		t.Errorf("got %v", vecs)
	}
}

func TestEmbeddingLimitMinInterval(t *testing.T) {
	inner := &fakeEmbedder{}
	e := WithEmbeddingLimit(inner, EmbedMinInterval(40*time.Millisecond))

	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := e.Embed(context.Background(), []string{"x"}); err != nil {
			t.Fatal(err)
		}
	}
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Errorf("three batches finished in %v, want at least two full intervals", elapsed)
	}
}

func TestEmbeddingLimitCancelledContext(t *testing.T) {
	inner := &fakeEmbedder{}
	e := WithEmbeddingLimit(inner, EmbedMinInterval(time.Hour))

	// First batch passes immediately; the second must wait and observe the
	// cancelled context instead.
	if _, err := e.Embed(context.Background(), []string{"x"}); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.Embed(ctx, []string{"y"}); err == nil {
		t.Error("expected context error while waiting for the interval")
	}
	if inner.callCount() != 1 {
		t.Errorf("inner called %d times, want 1", inner.callCount())
	}
}
