package gryag

import (
	"context"
	"strings"
	"testing"
)

func TestSummarizeHeuristicFallback(t *testing.T) {
	s := NewSummarizer(nil, "")
	msgs := []Message{
		chatMsg(1, 7, "the deploy broke everything again", 1000),
		chatMsg(2, 8, "rollback is running", 1010),
		chatMsg(3, 7, "ok it recovered", 1020),
	}
	sum := s.Summarize(context.Background(), msgs, "boundary")
	if sum.Topic != "the deploy broke everything again" {
		t.Errorf("topic = %q", sum.Topic)
	}
	if sum.Summary != "Conversation with 2 participant(s) over 3 message(s)" {
		t.Errorf("summary = %q", sum.Summary)
	}
	if sum.Valence != ValenceNeutral {
		t.Errorf("valence = %s", sum.Valence)
	}
	if len(sum.Tags) != 1 || sum.Tags[0] != "boundary" {
		t.Errorf("tags = %v", sum.Tags)
	}
}

func TestSummarizeLLMPath(t *testing.T) {
	p := &scriptProvider{steps: []scriptStep{{resp: GenerateResponse{
		Text: "```json\n{\"topic\":\"Deploy incident\",\"summary\":\"The deploy broke and was rolled back.\",\"valence\":\"negative\",\"tags\":[\"ops\"]}\n```",
	}}}}
	s := NewSummarizer(p, "gemini-2.5-flash")
	sum := s.Summarize(context.Background(), []Message{chatMsg(1, 7, "x", 1000)}, "boundary")
	if sum.Topic != "Deploy incident" || sum.Valence != ValenceNegative {
		t.Errorf("got %+v", sum)
	}

	reqs := p.requests()
	if len(reqs) != 1 || reqs[0].Model != "gemini-2.5-flash" {
		t.Fatalf("requests: %+v", reqs)
	}
	if !strings.Contains(reqs[0].System, "JSON object") {
		t.Errorf("system prompt: %q", reqs[0].System)
	}
}

func TestSummarizeLLMFailureFallsBack(t *testing.T) {
	p := &scriptProvider{steps: []scriptStep{{err: &LLMError{Provider: "script", Kind: LLMTransient, Message: "down"}}}}
	s := NewSummarizer(p, "m")
	sum := s.Summarize(context.Background(), []Message{chatMsg(1, 7, "hello world", 1000)}, "timeout")
	if sum.Topic != "hello world" || sum.Tags[0] != "timeout" {
		t.Errorf("fallback summary: %+v", sum)
	}
}

func TestParseSummary(t *testing.T) {
	tests := []struct {
		name string
		in   string
		ok   bool
	}{
		{"plain", `{"topic":"t","summary":"s","valence":"neutral"}`, true},
		{"fenced", "```json\n{\"topic\":\"t\",\"summary\":\"s\",\"valence\":\"mixed\"}\n```", true},
		{"surrounding prose", `Here you go: {"topic":"t","summary":"s","valence":"positive"} hope that helps`, true},
		{"missing topic", `{"summary":"s","valence":"neutral"}`, false},
		{"unknown valence", `{"topic":"t","summary":"s","valence":"angry"}`, false},
		{"no json", "sorry, I cannot do that", false},
		{"broken json", `{"topic":"t",`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := parseSummary(tt.in)
			if ok != tt.ok {
				t.Errorf("ok = %v, want %v", ok, tt.ok)
			}
		})
	}
}

func TestGenerateTopicOnly(t *testing.T) {
	t.Run("llm", func(t *testing.T) {
		p := &scriptProvider{steps: []scriptStep{{resp: GenerateResponse{Text: "  Weekend plans  \n"}}}}
		s := NewSummarizer(p, "m")
		if got := s.GenerateTopicOnly(context.Background(), []Message{chatMsg(1, 7, "x", 0)}); got != "Weekend plans" {
			t.Errorf("got %q", got)
		}
	})

	t.Run("heuristic truncates", func(t *testing.T) {
		s := NewSummarizer(nil, "")
		long := strings.Repeat("a", 80)
		got := s.GenerateTopicOnly(context.Background(), []Message{chatMsg(1, 7, long, 0)})
		if got != strings.Repeat("a", 50) {
			t.Errorf("got %d runes, want 50", len(got))
		}
	})

	t.Run("empty window", func(t *testing.T) {
		s := NewSummarizer(nil, "")
		if got := s.GenerateTopicOnly(context.Background(), nil); got != "Conversation" {
			t.Errorf("got %q", got)
		}
	})

	t.Run("only first five messages sent", func(t *testing.T) {
		p := &scriptProvider{steps: []scriptStep{{resp: GenerateResponse{Text: "topic"}}}}
		s := NewSummarizer(p, "m")
		var msgs []Message
		for i := int64(1); i <= 8; i++ {
			msgs = append(msgs, chatMsg(i, 7, "line", 1000+i))
		}
		s.GenerateTopicOnly(context.Background(), msgs)
		sent := p.requests()[0].UserParts[0].Text
		if got := strings.Count(sent, "line"); got != 5 {
			t.Errorf("transcript carries %d messages, want 5", got)
		}
	})
}

func TestDetectValence(t *testing.T) {
	tests := []struct {
		name string
		resp string
		want Valence
	}{
		{"positive", "Positive\n", ValencePositive},
		{"mixed", " mixed ", ValenceMixed},
		{"garbage", "I would say it is quite cheerful", ValenceNeutral},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &scriptProvider{steps: []scriptStep{{resp: GenerateResponse{Text: tt.resp}}}}
			s := NewSummarizer(p, "m")
			if got := s.DetectValence(context.Background(), []Message{chatMsg(1, 7, "x", 0)}); got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}

	t.Run("nil provider", func(t *testing.T) {
		s := NewSummarizer(nil, "")
		if got := s.DetectValence(context.Background(), nil); got != ValenceNeutral {
			t.Errorf("got %s", got)
		}
	})
}

func TestTranscriptAttribution(t *testing.T) {
	msgs := []Message{
		{UserID: 7, Text: "hi", Metadata: map[string]string{"display_name": "Alice"}},
		{UserID: 8, Text: "hello"},
	}
	got := transcript(msgs)
	if got != "Alice: hi\nuser 8: hello\n" {
		t.Errorf("got %q", got)
	}
}
