package gryag

import "context"

// Provider abstracts the LLM backend.
type Provider interface {
	// Generate sends one generation request and returns the complete
	// response. Tools are included only when the request carries them.
	Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error)
	// Name returns the provider name (e.g. "gemini").
	Name() string
}

// EmbeddingProvider abstracts text embedding.
type EmbeddingProvider interface {
	// Embed returns one fixed-dimension vector per input text.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions returns the embedding vector size.
	Dimensions() int
	// Name returns the provider name.
	Name() string
}
