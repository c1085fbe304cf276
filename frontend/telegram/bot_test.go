package telegram

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplitMessage(t *testing.T) {
	t.Run("short text passes through", func(t *testing.T) {
		chunks := splitMessage("hello")
		if len(chunks) != 1 || chunks[0] != "hello" {
			t.Errorf("got %v", chunks)
		}
	})

	t.Run("exactly at limit stays whole", func(t *testing.T) {
		text := strings.Repeat("a", maxMessageLength)
		if chunks := splitMessage(text); len(chunks) != 1 {
			t.Errorf("got %d chunks", len(chunks))
		}
	})

	t.Run("prefers newline boundaries", func(t *testing.T) {
		first := strings.Repeat("a", 4000)
		second := strings.Repeat("b", 500)
		chunks := splitMessage(first + "\n" + second)
		if len(chunks) != 2 {
			t.Fatalf("got %d chunks", len(chunks))
		}
		if chunks[0] != first+"\n" || chunks[1] != second {
			t.Errorf("split away from the newline: %d/%d", len(chunks[0]), len(chunks[1]))
		}
	})

	t.Run("hard split without newlines", func(t *testing.T) {
		text := strings.Repeat("a", maxMessageLength+100)
		chunks := splitMessage(text)
		if len(chunks) != 2 || len(chunks[0]) != maxMessageLength || len(chunks[1]) != 100 {
			t.Errorf("got %d chunks of %d/%d", len(chunks), len(chunks[0]), len(chunks[len(chunks)-1]))
		}
	})

	t.Run("reassembles losslessly", func(t *testing.T) {
		text := strings.Repeat("line of text\n", 1000)
		if got := strings.Join(splitMessage(text), ""); got != text {
			t.Error("chunks do not reassemble to the original")
		}
	})

	t.Run("hard split lands on rune boundaries", func(t *testing.T) {
		// One ASCII byte up front puts every 2-byte Cyrillic rune on an odd
		// offset, so a byte-indexed cut at 4096 would land mid-rune.
		text := "a" + strings.Repeat("к", 3000)
		chunks := splitMessage(text)
		if len(chunks) < 2 {
			t.Fatalf("got %d chunks", len(chunks))
		}
		for i, c := range chunks {
			if !utf8.ValidString(c) {
				t.Errorf("chunk %d is not valid UTF-8 (len=%d)", i, len(c))
			}
			if len(c) > maxMessageLength {
				t.Errorf("chunk %d exceeds the limit: %d bytes", i, len(c))
			}
		}
		if got := strings.Join(chunks, ""); got != text {
			t.Error("chunks do not reassemble to the original")
		}
	})
}

func TestIsAddressed(t *testing.T) {
	b := NewBot("token", 99, "gryag_bot")
	tests := []struct {
		name string
		msg  TGMessage
		want bool
	}{
		{
			"private chat",
			TGMessage{Chat: TGChat{Type: "private"}, Text: "anything"},
			true,
		},
		{
			"group without mention",
			TGMessage{Chat: TGChat{Type: "group"}, Text: "just chatting"},
			false,
		},
		{
			"mention",
			TGMessage{Chat: TGChat{Type: "group"}, Text: "hey @gryag_bot what's up"},
			true,
		},
		{
			"mention case insensitive",
			TGMessage{Chat: TGChat{Type: "supergroup"}, Text: "@Gryag_Bot hi"},
			true,
		},
		{
			"mention in caption",
			TGMessage{Chat: TGChat{Type: "group"}, Caption: "@gryag_bot look"},
			true,
		},
		{
			"reply to the bot",
			TGMessage{
				Chat:           TGChat{Type: "group"},
				Text:           "no",
				ReplyToMessage: &TGMessage{From: &TGUser{ID: 99}},
			},
			true,
		},
		{
			"reply to someone else",
			TGMessage{
				Chat:           TGChat{Type: "group"},
				Text:           "no",
				ReplyToMessage: &TGMessage{From: &TGUser{ID: 7}},
			},
			false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := b.isAddressed(&tt.msg); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}

	t.Run("no username configured", func(t *testing.T) {
		anon := NewBot("token", 99, "")
		m := TGMessage{Chat: TGChat{Type: "group"}, Text: "@gryag_bot hi"}
		if anon.isAddressed(&m) {
			t.Error("mention matched with empty username")
		}
	})
}

func TestMapToIncoming(t *testing.T) {
	b := NewBot("token", 99, "gryag_bot", WithMediaDownload(false))

	m := &TGMessage{
		MessageID:       123,
		MessageThreadID: 4,
		IsTopicMessage:  true,
		From:            &TGUser{ID: 7, FirstName: "Olena", LastName: "P", Username: "olena_ua"},
		Chat:            TGChat{ID: -100500, Type: "supergroup"},
		Date:            1700000000,
		Text:            "hi @gryag_bot",
		ReplyToMessage: &TGMessage{
			MessageID: 120,
			From:      &TGUser{ID: 5},
		},
	}

	got := b.mapToIncoming(context.Background(), m)
	if got.ExternalID != "123" || got.ChatID != -100500 || got.ThreadID != 4 || got.UserID != 7 {
		t.Errorf("ids: %+v", got)
	}
	if got.DisplayName != "Olena P" || got.Username != "olena_ua" {
		t.Errorf("names: %+v", got)
	}
	if got.Timestamp != 1700000000 || got.Text != "hi @gryag_bot" {
		t.Errorf("payload: %+v", got)
	}
	if got.ReplyToExternalID != "120" || got.ReplyToExternalUserID != "5" {
		t.Errorf("reply ids: %+v", got)
	}
	if !got.Addressed {
		t.Error("mention not detected")
	}
	if got.Media != nil {
		t.Errorf("media collected with downloads off: %+v", got.Media)
	}
}

func TestMapToIncomingFallbacks(t *testing.T) {
	b := NewBot("token", 99, "gryag_bot", WithMediaDownload(false))

	t.Run("caption becomes text", func(t *testing.T) {
		m := &TGMessage{
			MessageID: 1,
			From:      &TGUser{ID: 7, FirstName: "A"},
			Chat:      TGChat{ID: 1, Type: "group"},
			Caption:   "look at this",
		}
		if got := b.mapToIncoming(context.Background(), m); got.Text != "look at this" {
			t.Errorf("text = %q", got.Text)
		}
	})

	t.Run("username stands in for empty name", func(t *testing.T) {
		m := &TGMessage{
			MessageID: 1,
			From:      &TGUser{ID: 7, Username: "ghost"},
			Chat:      TGChat{ID: 1, Type: "group"},
			Text:      "hi",
		}
		if got := b.mapToIncoming(context.Background(), m); got.DisplayName != "ghost" {
			t.Errorf("display name = %q", got.DisplayName)
		}
	})

	t.Run("thread id only for topic messages", func(t *testing.T) {
		m := &TGMessage{
			MessageID:       1,
			MessageThreadID: 9, // set on replies too, but not a topic
			From:            &TGUser{ID: 7, FirstName: "A"},
			Chat:            TGChat{ID: 1, Type: "group"},
			Text:            "hi",
		}
		if got := b.mapToIncoming(context.Background(), m); got.ThreadID != 0 {
			t.Errorf("thread id = %d, want 0", got.ThreadID)
		}
	})
}
