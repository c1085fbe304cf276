package gemini

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"gryag"
)

// serve points the package at a test server for the duration of one test.
func serve(t *testing.T, handler http.HandlerFunc) {
	t.Helper()
	srv := httptest.NewServer(handler)
	saved := baseURL
	baseURL = srv.URL
	t.Cleanup(func() {
		baseURL = saved
		srv.Close()
	})
}

func textPart(s string) map[string]any { return map[string]any{"text": s} }

func respond(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		t.Error(err)
	}
}

func TestGenerate(t *testing.T) {
	var gotPath, gotKey string
	var gotBody map[string]any
	serve(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.URL.Query().Get("key")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Error(err)
		}
		respond(t, w, map[string]any{
			"candidates": []map[string]any{{
				"content": map[string]any{
					"role": "model",
					"parts": []map[string]any{
						{"text": "internal reasoning", "thought": true},
						textPart("Привіт, "),
						textPart("Олено!"),
					},
				},
			}},
			"usageMetadata": map[string]any{
				"promptTokenCount":     120,
				"candidatesTokenCount": 8,
			},
		})
	})

	g := New("secret")
	resp, err := g.Generate(context.Background(), gryag.GenerateRequest{
		Model:  "gemini-2.5-flash",
		System: "be helpful",
		History: []gryag.Turn{
			{Role: gryag.RoleUser, Parts: []gryag.Part{gryag.TextPart("hi")}},
			{Role: gryag.RoleModel, Parts: []gryag.Part{gryag.TextPart("hello")}},
		},
		UserParts: []gryag.Part{gryag.TextPart("greet Olena")},
	})
	if err != nil {
		t.Fatal(err)
	}

	if resp.Text != "Привіт, Олено!" {
		t.Errorf("text = %q (thought parts must be skipped)", resp.Text)
	}
	if resp.Usage.InputTokens != 120 || resp.Usage.OutputTokens != 8 {
		t.Errorf("usage: %+v", resp.Usage)
	}

	if gotPath != "/models/gemini-2.5-flash:generateContent" || gotKey != "secret" {
		t.Errorf("request went to %s?key=%s", gotPath, gotKey)
	}
	if _, ok := gotBody["systemInstruction"]; !ok {
		t.Error("system instruction missing from body")
	}
	contents := gotBody["contents"].([]any)
	if len(contents) != 3 {
		t.Fatalf("contents: %v", contents)
	}
	last := contents[2].(map[string]any)
	if last["role"] != gryag.RoleUser {
		t.Errorf("final turn role: %v", last["role"])
	}
}

func TestGenerateToolCalls(t *testing.T) {
	var gotBody map[string]any
	serve(t, func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Error(err)
		}
		respond(t, w, map[string]any{
			"candidates": []map[string]any{{
				"content": map[string]any{
					"parts": []map[string]any{{
						"functionCall": map[string]any{
							"name": "recall_facts",
							"args": map[string]any{"limit": 5},
						},
					}},
				},
			}},
		})
	})

	g := New("k")
	resp, err := g.Generate(context.Background(), gryag.GenerateRequest{
		Model:     "gemini-2.5-flash",
		UserParts: []gryag.Part{gryag.TextPart("what do you know about me")},
		Tools: []gryag.ToolDefinition{{
			Name:        "recall_facts",
			Description: "recall facts",
			Parameters:  json.RawMessage(`{"type":"object"}`),
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("tool calls: %+v", resp.ToolCalls)
	}
	tc := resp.ToolCalls[0]
	if tc.Name != "recall_facts" || tc.ID != "recall_facts" {
		t.Errorf("call: %+v", tc)
	}
	if !strings.Contains(string(tc.Args), `"limit"`) {
		t.Errorf("args: %s", tc.Args)
	}

	tools := gotBody["tools"].([]any)
	decls := tools[0].(map[string]any)["functionDeclarations"].([]any)
	if len(decls) != 1 || decls[0].(map[string]any)["name"] != "recall_facts" {
		t.Errorf("declarations: %v", decls)
	}
	if _, ok := gotBody["toolConfig"]; ok {
		t.Error("toolConfig sent alongside declared tools")
	}
}

func TestGenerateWithoutToolsDisablesFunctionCalling(t *testing.T) {
	var gotBody map[string]any
	serve(t, func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Error(err)
		}
		respond(t, w, map[string]any{
			"candidates": []map[string]any{{
				"content": map[string]any{"parts": []map[string]any{textPart("ok")}},
			}},
		})
	})

	g := New("k")
	if _, err := g.Generate(context.Background(), gryag.GenerateRequest{
		Model:     "gemini-2.5-flash",
		UserParts: []gryag.Part{gryag.TextPart("hi")},
	}); err != nil {
		t.Fatal(err)
	}

	tc := gotBody["toolConfig"].(map[string]any)
	mode := tc["functionCallingConfig"].(map[string]any)["mode"]
	if mode != "NONE" {
		t.Errorf("mode = %v, want NONE", mode)
	}
	if _, ok := gotBody["tools"]; ok {
		t.Error("empty tools key sent")
	}
}

func TestGenerateInvalidResponses(t *testing.T) {
	t.Run("no candidates", func(t *testing.T) {
		serve(t, func(w http.ResponseWriter, r *http.Request) {
			respond(t, w, map[string]any{"candidates": []any{}})
		})
		g := New("k")
		_, err := g.Generate(context.Background(), gryag.GenerateRequest{Model: "m", UserParts: []gryag.Part{gryag.TextPart("hi")}})
		if !gryag.IsInvalidResponse(err) {
			t.Errorf("got %v, want invalid-response error", err)
		}
	})

	t.Run("broken json", func(t *testing.T) {
		serve(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("not json"))
		})
		g := New("k")
		_, err := g.Generate(context.Background(), gryag.GenerateRequest{Model: "m", UserParts: []gryag.Part{gryag.TextPart("hi")}})
		if !gryag.IsInvalidResponse(err) {
			t.Errorf("got %v, want invalid-response error", err)
		}
	})
}

func TestStatusErr(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(error) bool
	}{
		{"ok", 200, "", func(err error) bool { return err == nil }},
		{"rate limited", 429, `{"error":{"message":"quota exceeded"}}`, gryag.IsRateLimited},
		{"server error", 503, "", gryag.IsTransient},
		{"bad request", 400, `{"error":{"message":"bad schema"}}`, gryag.IsInvalidResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := statusErr(tt.status, []byte(tt.body))
			if !tt.check(err) {
				t.Errorf("got %v", err)
			}
		})
	}

	// The API error message surfaces in the taxonomy error.
	err := statusErr(400, []byte(`{"error":{"message":"bad schema"}}`))
	if !strings.Contains(err.Error(), "bad schema") {
		t.Errorf("message lost: %v", err)
	}
	if err := statusErr(400, []byte("garbage")); !strings.Contains(err.Error(), "HTTP 400") {
		t.Errorf("fallback message: %v", err)
	}
}

func TestBuildParts(t *testing.T) {
	t.Run("inline media with caption", func(t *testing.T) {
		parts := buildParts([]gryag.Part{{
			Media: &gryag.Media{Kind: gryag.MediaImage, MIME: "image/png", Data: []byte{1, 2}, Caption: "cat"},
		}})
		if len(parts) != 2 {
			t.Fatalf("parts: %v", parts)
		}
		inline := parts[0]["inlineData"].(map[string]any)
		if inline["mimeType"] != "image/png" || inline["data"] != "AQI=" {
			t.Errorf("inline: %v", inline)
		}
		if parts[1]["text"] != "cat" {
			t.Errorf("caption: %v", parts[1])
		}
	})

	t.Run("uri media", func(t *testing.T) {
		parts := buildParts([]gryag.Part{{
			Media: &gryag.Media{Kind: gryag.MediaVideo, MIME: "video/mp4", URI: "gs://bucket/v.mp4"},
		}})
		file := parts[0]["fileData"].(map[string]any)
		if file["fileUri"] != "gs://bucket/v.mp4" {
			t.Errorf("file data: %v", file)
		}
	})

	t.Run("tool exchange", func(t *testing.T) {
		parts := buildParts([]gryag.Part{
			{ToolCall: &gryag.ToolCall{Name: "recall_facts", Args: json.RawMessage(`{"limit":5}`)}},
			{ToolResult: &gryag.ToolResult{Name: "recall_facts", Content: `{"facts":[]}`}},
		})
		call := parts[0]["functionCall"].(map[string]any)
		if call["name"] != "recall_facts" {
			t.Errorf("call: %v", call)
		}
		fr := parts[1]["functionResponse"].(map[string]any)
		if fr["response"].(map[string]any)["result"] != `{"facts":[]}` {
			t.Errorf("response: %v", fr)
		}
	})

	t.Run("never empty", func(t *testing.T) {
		parts := buildParts(nil)
		if len(parts) != 1 || parts[0]["text"] != "" {
			t.Errorf("parts: %v", parts)
		}
	})
}

func TestEmbed(t *testing.T) {
	var calls int
	var gotBodies []map[string]any
	serve(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.URL.Path != "/models/gemini-embedding-001:embedContent" {
			t.Errorf("path: %s", r.URL.Path)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Error(err)
		}
		gotBodies = append(gotBodies, body)
		respond(t, w, map[string]any{
			"embedding": map[string]any{"values": []float64{0.1, 0.2, 0.3}},
		})
	})

	e := NewEmbedding("k", "gemini-embedding-001", 3)
	if e.Name() != "gemini" || e.Dimensions() != 3 {
		t.Error("identity accessors")
	}

	vecs, err := e.Embed(context.Background(), []string{"first", "second"})
	if err != nil {
		t.Fatal(err)
	}
	if len(vecs) != 2 || calls != 2 {
		t.Fatalf("vecs=%d calls=%d, want one call per text", len(vecs), calls)
	}
	if vecs[0][1] != 0.2 {
		t.Errorf("vector: %v", vecs[0])
	}
	if gotBodies[0]["outputDimensionality"] != float64(3) {
		t.Errorf("dimensionality: %v", gotBodies[0]["outputDimensionality"])
	}
	if gotBodies[0]["model"] != "models/gemini-embedding-001" {
		t.Errorf("model: %v", gotBodies[0]["model"])
	}
}

func TestEmbedEmptyVector(t *testing.T) {
	serve(t, func(w http.ResponseWriter, r *http.Request) {
		respond(t, w, map[string]any{"embedding": map[string]any{"values": []float64{}}})
	})
	e := NewEmbedding("k", "m", 3)
	_, err := e.Embed(context.Background(), []string{"x"})
	if !gryag.IsInvalidResponse(err) {
		t.Errorf("got %v, want invalid-response error", err)
	}
}
