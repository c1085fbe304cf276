package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"gryag"
)

// EmbeddingOption configures a GeminiEmbedding.
type EmbeddingOption func(*GeminiEmbedding)

// WithEmbedHTTPClient overrides the HTTP client.
func WithEmbedHTTPClient(c *http.Client) EmbeddingOption {
	return func(e *GeminiEmbedding) {
		if c != nil {
			e.httpClient = c
		}
	}
}

// GeminiEmbedding implements gryag.EmbeddingProvider over the Gemini
// embedContent endpoint. Vectors are truncated server-side to the configured
// dimension via outputDimensionality.
type GeminiEmbedding struct {
	apiKey     string
	model      string
	dimensions int
	httpClient *http.Client
}

var _ gryag.EmbeddingProvider = (*GeminiEmbedding)(nil)

// NewEmbedding creates an embedding provider for the given model and vector
// size.
func NewEmbedding(apiKey, model string, dimensions int, opts ...EmbeddingOption) *GeminiEmbedding {
	e := &GeminiEmbedding{
		apiKey:     apiKey,
		model:      model,
		dimensions: dimensions,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Name returns "gemini".
func (e *GeminiEmbedding) Name() string { return "gemini" }

// Dimensions returns the configured vector size.
func (e *GeminiEmbedding) Dimensions() int { return e.dimensions }

// Embed returns one vector per input text. Texts are embedded sequentially;
// concurrency and pacing belong to the caller's rate-limit wrapper.
func (e *GeminiEmbedding) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, 0, len(texts))
	for _, text := range texts {
		v, err := e.embedOne(ctx, text)
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, v)
	}
	return vectors, nil
}

func (e *GeminiEmbedding) embedOne(ctx context.Context, text string) ([]float32, error) {
	body := map[string]any{
		"model": "models/" + e.model,
		"content": map[string]any{
			"parts": []map[string]any{{"text": text}},
		},
		"outputDimensionality": e.dimensions,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &gryag.LLMError{Provider: "gemini", Kind: gryag.LLMInvalid, Message: "marshal embed body: " + err.Error()}
	}

	url := fmt.Sprintf("%s/models/%s:embedContent?key=%s", baseURL, e.model, e.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(payload)))
	if err != nil {
		return nil, &gryag.LLMError{Provider: "gemini", Kind: gryag.LLMTransient, Message: "create embed request: " + err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, &gryag.LLMError{Provider: "gemini", Kind: gryag.LLMTransient, Message: "embed request failed: " + err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &gryag.LLMError{Provider: "gemini", Kind: gryag.LLMTransient, Message: "read embed response: " + err.Error()}
	}
	if err := statusErr(resp.StatusCode, respBody); err != nil {
		return nil, err
	}

	var parsed struct {
		Embedding struct {
			Values []float64 `json:"values"`
		} `json:"embedding"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, &gryag.LLMError{Provider: "gemini", Kind: gryag.LLMInvalid, Message: "parse embed response: " + err.Error()}
	}
	if len(parsed.Embedding.Values) == 0 {
		return nil, &gryag.LLMError{Provider: "gemini", Kind: gryag.LLMInvalid, Message: "empty embedding in response"}
	}

	vector := make([]float32, len(parsed.Embedding.Values))
	for i, v := range parsed.Embedding.Values {
		vector[i] = float32(v)
	}
	return vector, nil
}
