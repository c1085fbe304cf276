// Package gemini implements the gryag LLM and embedding providers over the
// Google Gemini REST API.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"gryag"
)

var baseURL = "https://generativelanguage.googleapis.com/v1beta"

// Option configures a Gemini provider.
type Option func(*Gemini)

// WithHTTPClient overrides the HTTP client (tests and custom transports).
func WithHTTPClient(c *http.Client) Option {
	return func(g *Gemini) {
		if c != nil {
			g.httpClient = c
		}
	}
}

// WithTemperature sets the sampling temperature (default 0.8).
func WithTemperature(t float64) Option {
	return func(g *Gemini) { g.temperature = t }
}

// WithTopP sets nucleus sampling (default 0.9).
func WithTopP(p float64) Option {
	return func(g *Gemini) { g.topP = p }
}

// Gemini implements gryag.Provider for Google Gemini models.
type Gemini struct {
	apiKey     string
	httpClient *http.Client

	temperature float64
	topP        float64
}

var _ gryag.Provider = (*Gemini)(nil)

// New creates a Gemini provider. The model is chosen per request.
func New(apiKey string, opts ...Option) *Gemini {
	g := &Gemini{
		apiKey:      apiKey,
		httpClient:  &http.Client{Timeout: 2 * time.Minute},
		temperature: 0.8,
		topP:        0.9,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Name returns "gemini".
func (g *Gemini) Name() string { return "gemini" }

// Generate sends one generateContent call and returns the complete response.
func (g *Gemini) Generate(ctx context.Context, req gryag.GenerateRequest) (gryag.GenerateResponse, error) {
	body := g.buildBody(req)
	payload, err := json.Marshal(body)
	if err != nil {
		return gryag.GenerateResponse{}, g.invalidErr("marshal body: " + err.Error())
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", baseURL, req.Model, g.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(payload)))
	if err != nil {
		return gryag.GenerateResponse{}, g.transientErr("create request: " + err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return gryag.GenerateResponse{}, g.transientErr("request failed: " + err.Error())
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return gryag.GenerateResponse{}, g.transientErr("read response: " + err.Error())
	}
	if err := statusErr(resp.StatusCode, respBody); err != nil {
		return gryag.GenerateResponse{}, err
	}

	var parsed geminiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return gryag.GenerateResponse{}, g.invalidErr("parse response: " + err.Error())
	}
	if len(parsed.Candidates) == 0 {
		return gryag.GenerateResponse{}, g.invalidErr("no candidates in response")
	}

	var out gryag.GenerateResponse
	var text strings.Builder
	for _, part := range parsed.Candidates[0].Content.Parts {
		if part.Thought {
			continue
		}
		if part.Text != nil {
			text.WriteString(*part.Text)
		}
		if part.FunctionCall != nil {
			out.ToolCalls = append(out.ToolCalls, gryag.ToolCall{
				ID:   part.FunctionCall.Name,
				Name: part.FunctionCall.Name,
				Args: part.FunctionCall.Args,
			})
		}
	}
	out.Text = text.String()
	if parsed.UsageMetadata != nil {
		out.Usage.InputTokens = parsed.UsageMetadata.PromptTokenCount
		out.Usage.OutputTokens = parsed.UsageMetadata.CandidatesTokenCount
	}
	return out, nil
}

// statusErr maps an HTTP failure to the gryag error taxonomy: 429 is a rate
// limit, 5xx transient, everything else a hard invalid call.
func statusErr(status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests:
		return &gryag.LLMError{Provider: "gemini", Kind: gryag.LLMRateLimited, Message: errMessage(status, body)}
	case status >= 500:
		return &gryag.LLMError{Provider: "gemini", Kind: gryag.LLMTransient, Message: errMessage(status, body)}
	default:
		return &gryag.LLMError{Provider: "gemini", Kind: gryag.LLMInvalid, Message: errMessage(status, body)}
	}
}

func errMessage(status int, body []byte) string {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil && envelope.Error.Message != "" {
		return fmt.Sprintf("HTTP %d: %s", status, envelope.Error.Message)
	}
	return fmt.Sprintf("HTTP %d", status)
}

func (g *Gemini) invalidErr(msg string) error {
	return &gryag.LLMError{Provider: "gemini", Kind: gryag.LLMInvalid, Message: msg}
}

func (g *Gemini) transientErr(msg string) error {
	return &gryag.LLMError{Provider: "gemini", Kind: gryag.LLMTransient, Message: msg}
}

// buildBody constructs the generateContent request body from the request's
// system text, history turns, final user parts, and tool declarations.
func (g *Gemini) buildBody(req gryag.GenerateRequest) map[string]any {
	contents := make([]map[string]any, 0, len(req.History)+1)
	for _, turn := range req.History {
		contents = append(contents, map[string]any{
			"role":  turn.Role,
			"parts": buildParts(turn.Parts),
		})
	}
	contents = append(contents, map[string]any{
		"role":  gryag.RoleUser,
		"parts": buildParts(req.UserParts),
	})

	body := map[string]any{
		"contents": contents,
		"generationConfig": map[string]any{
			"temperature": g.temperature,
			"topP":        g.topP,
		},
	}
	if req.System != "" {
		body["systemInstruction"] = map[string]any{
			"parts": []map[string]any{{"text": req.System}},
		}
	}

	if len(req.Tools) > 0 {
		declarations := make([]map[string]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			var params any
			if len(t.Parameters) > 0 {
				if err := json.Unmarshal(t.Parameters, &params); err != nil {
					params = map[string]any{}
				}
			} else {
				params = map[string]any{}
			}
			declarations = append(declarations, map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  params,
			})
		}
		body["tools"] = []map[string]any{{"functionDeclarations": declarations}}
	} else {
		// The capability gate omits tools entirely for models without tool
		// support; make sure the API does not hallucinate function calls.
		body["toolConfig"] = map[string]any{
			"functionCallingConfig": map[string]any{"mode": "NONE"},
		}
	}
	return body
}

// buildParts maps gryag parts to Gemini parts: text, inlineData/fileData
// media, functionCall, and functionResponse.
func buildParts(parts []gryag.Part) []map[string]any {
	out := make([]map[string]any, 0, len(parts))
	for _, p := range parts {
		switch {
		case p.Media != nil:
			if p.Media.Inline() {
				out = append(out, map[string]any{
					"inlineData": map[string]any{
						"mimeType": p.Media.MIME,
						"data":     base64.StdEncoding.EncodeToString(p.Media.Data),
					},
				})
			} else if p.Media.URI != "" {
				out = append(out, map[string]any{
					"fileData": map[string]any{
						"mimeType": p.Media.MIME,
						"fileUri":  p.Media.URI,
					},
				})
			}
			if p.Media.Caption != "" {
				out = append(out, map[string]any{"text": p.Media.Caption})
			}
		case p.ToolCall != nil:
			var args any
			if len(p.ToolCall.Args) > 0 {
				if err := json.Unmarshal(p.ToolCall.Args, &args); err != nil {
					args = map[string]any{}
				}
			} else {
				args = map[string]any{}
			}
			out = append(out, map[string]any{
				"functionCall": map[string]any{
					"name": p.ToolCall.Name,
					"args": args,
				},
			})
		case p.ToolResult != nil:
			out = append(out, map[string]any{
				"functionResponse": map[string]any{
					"name":     p.ToolResult.Name,
					"response": map[string]any{"result": p.ToolResult.Content},
				},
			})
		default:
			out = append(out, map[string]any{"text": p.Text})
		}
	}
	// Gemini requires at least one part.
	if len(out) == 0 {
		out = append(out, map[string]any{"text": ""})
	}
	return out
}

// ---- Response parsing types ----

type geminiResponse struct {
	Candidates    []geminiCandidate `json:"candidates"`
	UsageMetadata *geminiUsage      `json:"usageMetadata"`
}

type geminiCandidate struct {
	Content geminiContent `json:"content"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
	Role  string       `json:"role"`
}

type geminiPart struct {
	Text         *string         `json:"text,omitempty"`
	FunctionCall *geminiFuncCall `json:"functionCall,omitempty"`
	Thought      bool            `json:"thought,omitempty"`
}

type geminiFuncCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type geminiUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}
