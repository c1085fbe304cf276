package gryag

import (
	"encoding/json"
	"testing"
)

func TestEstimateText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want int
	}{
		{"empty", "", 0},
		{"one rune", "x", 1},
		{"exactly four", "abcd", 1},
		{"five runes", "abcde", 2},
		{"cyrillic counts runes", "привіт", 2},
		{"eight runes", "abcdefgh", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EstimateText(tt.in); got != tt.want {
				t.Errorf("EstimateText(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestEstimateMedia(t *testing.T) {
	tests := []struct {
		name string
		m    Media
		want int
	}{
		{"inline", Media{Kind: MediaImage, Data: []byte{1, 2, 3}}, InlineMediaTokens},
		{"uri", Media{Kind: MediaVideo, URI: "https://example.com/v.mp4"}, URIMediaTokens},
		{"inline with caption", Media{Kind: MediaImage, Data: []byte{1}, Caption: "abcd"}, InlineMediaTokens + 1},
		{"uri with caption", Media{Kind: MediaDocument, URI: "u", Caption: "abcdefgh"}, URIMediaTokens + 2},
		// Media with neither data nor URI still costs the URI surcharge;
		// nothing contributes zero.
		{"empty media", Media{Kind: MediaSticker}, URIMediaTokens},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EstimateMedia(tt.m); got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestEstimateMessage(t *testing.T) {
	msg := Message{
		Text: "hello there", // 11 runes -> 3 tokens
		Media: []Media{
			{Kind: MediaImage, Data: []byte{1}},
			{Kind: MediaAudio, URI: "u"},
		},
	}
	want := 3 + InlineMediaTokens + URIMediaTokens
	if got := EstimateMessage(msg); got != want {
		t.Errorf("got %d, want %d", got, want)
	}

	msgs := []Message{msg, {Text: "abcd"}}
	if got := EstimateMessages(msgs); got != want+1 {
		t.Errorf("EstimateMessages = %d, want %d", got, want+1)
	}
}

func TestEstimatePart(t *testing.T) {
	call := &ToolCall{Name: "recall_facts", Args: json.RawMessage(`{"category":"location"}`)}
	// name 12 runes -> 3, args 23 runes -> 6
	if got, want := EstimatePart(Part{ToolCall: call}), 9; got != want {
		t.Errorf("tool call part = %d, want %d", got, want)
	}

	result := &ToolResult{Name: "recall_facts", Content: `{"facts":[]}`}
	// name 3, content 12 runes -> 3
	if got, want := EstimatePart(Part{ToolResult: result}), 6; got != want {
		t.Errorf("tool result part = %d, want %d", got, want)
	}

	media := Media{Kind: MediaImage, URI: "u"}
	if got, want := EstimatePart(Part{Text: "abcd", Media: &media}), 1+URIMediaTokens; got != want {
		t.Errorf("text+media part = %d, want %d", got, want)
	}
}

func TestEstimateTurns(t *testing.T) {
	turns := []Turn{
		{Role: RoleUser, Parts: []Part{TextPart("abcd"), TextPart("efgh")}},
		{Role: RoleModel, Parts: []Part{TextPart("ijkl")}},
	}
	if got, want := EstimateTurns(turns), 3; got != want {
		t.Errorf("got %d, want %d", got, want)
	}
}
