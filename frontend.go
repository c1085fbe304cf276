package gryag

import "context"

// Frontend abstracts the messaging transport (Telegram, CLI, tests).
type Frontend interface {
	// Poll returns a channel of incoming messages. The channel closes when
	// ctx is cancelled.
	Poll(ctx context.Context) (<-chan IncomingMessage, error)
	// Send sends a message to a chat (optionally into a thread) and returns
	// the transport-assigned message id as a string.
	Send(ctx context.Context, chatID, threadID int64, text string) (string, error)
	// SendTyping shows a typing indicator.
	SendTyping(ctx context.Context, chatID int64) error
}
