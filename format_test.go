package gryag

import (
	"strings"
	"testing"
)

func TestCompactUserParts(t *testing.T) {
	f := NewFormatter(WithOutputFormat(FormatCompact))

	t.Run("plain text", func(t *testing.T) {
		parts := f.UserParts(IncomingMessage{
			UserID: 123456, DisplayName: "Alice", Text: "hello",
		})
		if len(parts) != 1 {
			t.Fatalf("expected 1 part, got %d", len(parts))
		}
		want := "Alice#3456: hello\n[RESPOND]"
		if parts[0].Text != want {
			t.Errorf("got %q, want %q", parts[0].Text, want)
		}
	})

	t.Run("reply and media", func(t *testing.T) {
		parts := f.UserParts(IncomingMessage{
			UserID: 123456, DisplayName: "Alice", Text: "look",
			ReplyToExternalUserID: "987654",
			Media:                 []Media{{Kind: MediaImage, URI: "u"}},
		})
		if len(parts) != 2 {
			t.Fatalf("expected text + media parts, got %d", len(parts))
		}
		want := "Alice#3456 → user#7654: [Image] look\n[RESPOND]"
		if parts[0].Text != want {
			t.Errorf("got %q, want %q", parts[0].Text, want)
		}
		if parts[1].Media == nil || parts[1].Media.Kind != MediaImage {
			t.Errorf("media part missing: %+v", parts[1])
		}
	})

	t.Run("short external id kept whole", func(t *testing.T) {
		parts := f.UserParts(IncomingMessage{UserID: 99, DisplayName: "Bob", Text: "hi"})
		if want := "Bob#99: hi\n[RESPOND]"; parts[0].Text != want {
			t.Errorf("got %q, want %q", parts[0].Text, want)
		}
	})
}

func TestCompactHistory(t *testing.T) {
	f := NewFormatter(WithOutputFormat(FormatCompact), WithBotName("gryag"))
	bundle := ContextBundle{
		Recent: []Message{
			{
				ID: 1, UserID: 123456, Role: RoleUser, Text: "nice photo",
				Metadata:  map[string]string{"display_name": "Alice"},
				External:  ExternalIDs{UserID: "123456"},
				Media:     []Media{{Kind: MediaImage, URI: "u"}},
				CreatedAt: 100,
			},
			{ID: 2, UserID: 99, Role: RoleModel, Text: "дякую", CreatedAt: 110},
		},
	}

	turns := f.History(bundle)
	if len(turns) != 1 || turns[0].Role != RoleUser {
		t.Fatalf("compact history should be one user turn, got %+v", turns)
	}
	want := "Alice#3456: [Image] nice photo\ngryag: дякую\n"
	if turns[0].Parts[0].Text != want {
		t.Errorf("got %q, want %q", turns[0].Parts[0].Text, want)
	}
	if len(turns[0].Parts) != 2 || turns[0].Parts[1].Media == nil {
		t.Errorf("expected media appended to the turn, got %+v", turns[0].Parts)
	}
}

func TestCompactReplyChain(t *testing.T) {
	f := NewFormatter(WithOutputFormat(FormatCompact))
	bundle := ContextBundle{
		Recent: []Message{{
			ID: 1, UserID: 123456, Role: RoleUser, Text: "same here",
			Metadata: map[string]string{
				"display_name":          "Alice",
				"reply_to_display_name": "Bob",
			},
			External:  ExternalIDs{UserID: "123456", ReplyToUserID: "555111"},
			CreatedAt: 100,
		}},
	}
	turns := f.History(bundle)
	want := "Alice#3456 → Bob#5111: same here\n"
	if turns[0].Parts[0].Text != want {
		t.Errorf("got %q, want %q", turns[0].Parts[0].Text, want)
	}
}

func TestStructuredHistory(t *testing.T) {
	f := NewFormatter()
	bundle := ContextBundle{
		Recent: []Message{
			{
				ID: 1, UserID: 7, Role: RoleUser, Text: "first",
				Metadata:  map[string]string{"display_name": "Alice"},
				External:  ExternalIDs{UserID: "123456"},
				CreatedAt: 100,
			},
			{
				ID: 2, UserID: 8, Role: RoleUser, Text: "second",
				Metadata:  map[string]string{"display_name": "Bob"},
				External:  ExternalIDs{UserID: "99"},
				CreatedAt: 110,
			},
			{ID: 3, UserID: 1, Role: RoleModel, Text: "reply", CreatedAt: 120},
		},
	}
	turns := f.History(bundle)
	if len(turns) != 2 {
		t.Fatalf("expected consecutive user messages merged into one turn, got %d turns", len(turns))
	}
	if turns[0].Role != RoleUser || len(turns[0].Parts) != 4 {
		t.Fatalf("user turn: got %+v", turns[0])
	}
	if want := "[from Alice#3456, at 100]"; turns[0].Parts[0].Text != want {
		t.Errorf("header = %q, want %q", turns[0].Parts[0].Text, want)
	}
	if turns[1].Role != RoleModel || len(turns[1].Parts) != 1 || turns[1].Parts[0].Text != "reply" {
		t.Errorf("model turn: got %+v", turns[1])
	}
}

func TestStructuredUserParts(t *testing.T) {
	f := NewFormatter()
	parts := f.UserParts(IncomingMessage{
		UserID: 123456, DisplayName: "Alice", Text: "hello", Timestamp: 100,
	})
	if len(parts) != 2 {
		t.Fatalf("expected header + body, got %d parts", len(parts))
	}
	if want := "[from Alice#3456, at 100]"; parts[0].Text != want {
		t.Errorf("header = %q, want %q", parts[0].Text, want)
	}
	if parts[1].Text != "hello" {
		t.Errorf("body = %q", parts[1].Text)
	}
}

func TestMergeHistoryDeduplicates(t *testing.T) {
	f := NewFormatter(WithOutputFormat(FormatCompact))
	shared := Message{
		ID: 5, UserID: 7, Role: RoleUser, Text: "overlap",
		External: ExternalIDs{UserID: "7"}, CreatedAt: 200,
	}
	bundle := ContextBundle{
		Recent:    []Message{shared},
		Immediate: []Message{shared},
	}
	turns := f.History(bundle)
	if got := strings.Count(turns[0].Parts[0].Text, "overlap"); got != 1 {
		t.Errorf("message rendered %d times, want 1", got)
	}
}

func TestSystemContext(t *testing.T) {
	f := NewFormatter()
	bundle := ContextBundle{
		UserFacts: []Fact{{Category: CategoryLocation, Key: "location", Value: "Kyiv"}},
		ChatFacts: []Fact{{Category: CategoryNorm, Key: "language", Value: "Ukrainian"}},
		Relevant: []ScoredMessage{{
			Message: Message{
				UserID: 7, Role: RoleUser, Text: "I moved last year",
				Metadata: map[string]string{"display_name": "Alice"},
				External: ExternalIDs{UserID: "123456"},
			},
			Score: 0.9,
		}},
		Episodes: []ScoredEpisode{{
			Episode: Episode{Topic: "Server move", Summary: "Discussed the migration."},
			Score:   0.8,
		}},
	}
	got := f.SystemContext(bundle)
	for _, want := range []string{
		"What you know about this user:\n- location/location: Kyiv\n",
		"What you know about this chat:\n- norm/language: Ukrainian\n",
		"Possibly relevant earlier messages:\n- Alice#3456: I moved last year\n",
		"Past conversations you remember:\n- Server move: Discussed the migration.\n",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("missing section %q in:\n%s", want, got)
		}
	}

	if got := f.SystemContext(ContextBundle{}); got != "" {
		t.Errorf("empty bundle should render empty context, got %q", got)
	}
}

func TestMediaTag(t *testing.T) {
	tests := []struct {
		kind MediaKind
		want string
	}{
		{MediaImage, "[Image]"},
		{MediaVideo, "[Video]"},
		{MediaAudio, "[Audio]"},
		{MediaDocument, "[Document]"},
		{MediaSticker, "[Sticker]"},
		{MediaAnimation, "[Animation]"},
		{MediaKind("other"), "[Media]"},
	}
	for _, tt := range tests {
		if got := mediaTag(tt.kind); got != tt.want {
			t.Errorf("mediaTag(%s) = %q, want %q", tt.kind, got, tt.want)
		}
	}
}

func TestUserLabelTruncation(t *testing.T) {
	long := strings.Repeat("a", 80)
	got := userLabel(long, "123456")
	want := strings.Repeat("a", 60) + "#3456"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if got := userLabel("", "42"); got != "user#42" {
		t.Errorf("empty display: got %q, want %q", got, "user#42")
	}
}
