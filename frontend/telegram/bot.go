// Package telegram implements the gryag Frontend over the Telegram Bot API
// using long polling.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"gryag"
)

const (
	maxMessageLength = 4096
	apiBaseURL       = "https://api.telegram.org/bot"

	// Attachments larger than this are dropped rather than inlined; the
	// capability gate and token budget make huge payloads pointless anyway.
	maxInlineBytes = 4 << 20

	pollTimeout = 30 * time.Second
)

// Option configures the bot.
type Option func(*Bot)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(b *Bot) {
		if c != nil {
			b.httpClient = c
		}
	}
}

// WithLogger sets a structured logger. Defaults to a no-op logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bot) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithMediaDownload toggles attachment downloading. Enabled by default; when
// off, messages arrive text-only.
func WithMediaDownload(enabled bool) Option {
	return func(b *Bot) { b.downloadMedia = enabled }
}

// Bot implements gryag.Frontend for Telegram.
type Bot struct {
	token         string
	botID         int64
	botUsername   string
	httpClient    *http.Client
	logger        *slog.Logger
	downloadMedia bool
}

var _ gryag.Frontend = (*Bot)(nil)

// NewBot creates a Telegram bot. botID and botUsername identify the bot's own
// account for addressing detection (getMe supplies both; see Identify).
func NewBot(token string, botID int64, botUsername string, opts ...Option) *Bot {
	b := &Bot{
		token:       token,
		botID:       botID,
		botUsername: strings.TrimPrefix(botUsername, "@"),
		// Long poll requests block up to pollTimeout server-side.
		httpClient:    &http.Client{Timeout: pollTimeout + 15*time.Second},
		logger:        slog.New(discardHandler{}),
		downloadMedia: true,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Identify fetches the bot's own id and username via getMe and stores them
// for addressing detection. Call once at startup when they were not supplied.
func (b *Bot) Identify(ctx context.Context) error {
	var me TGUser
	if err := b.callAPI(ctx, "getMe", map[string]any{}, &me); err != nil {
		return fmt.Errorf("telegram: getMe: %w", err)
	}
	b.botID = me.ID
	b.botUsername = me.Username
	b.logger.Debug("telegram: identified", "bot_id", me.ID, "username", me.Username)
	return nil
}

// BotID returns the bot's own Telegram user id.
func (b *Bot) BotID() int64 { return b.botID }

// Poll starts long-polling for updates. The returned channel closes when ctx
// is cancelled.
func (b *Bot) Poll(ctx context.Context) (<-chan gryag.IncomingMessage, error) {
	ch := make(chan gryag.IncomingMessage)
	go b.pollLoop(ctx, ch)
	return ch, nil
}

func (b *Bot) pollLoop(ctx context.Context, ch chan<- gryag.IncomingMessage) {
	defer close(ch)
	var offset int64

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		updates, err := b.getUpdates(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("telegram: poll error", "error", err)
			select {
			case <-time.After(2 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			if u.Message == nil || u.Message.From == nil {
				continue
			}
			if u.Message.From.ID == b.botID {
				continue
			}
			msg := b.mapToIncoming(ctx, u.Message)
			select {
			case ch <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (b *Bot) getUpdates(ctx context.Context, offset int64) ([]Update, error) {
	body := map[string]any{
		"offset":          offset,
		"timeout":         int(pollTimeout / time.Second),
		"allowed_updates": []string{"message"},
	}
	var result []Update
	if err := b.callAPI(ctx, "getUpdates", body, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// Send sends a message, splitting text over Telegram's 4096-char limit into
// multiple messages. Returns the id of the last sent message.
func (b *Bot) Send(ctx context.Context, chatID, threadID int64, text string) (string, error) {
	chunks := splitMessage(text)

	var lastMsgID string
	for _, chunk := range chunks {
		body := map[string]any{
			"chat_id": chatID,
			"text":    chunk,
		}
		if threadID != 0 {
			body["message_thread_id"] = threadID
		}
		var result TGMessage
		if err := b.callAPI(ctx, "sendMessage", body, &result); err != nil {
			return "", err
		}
		lastMsgID = strconv.FormatInt(result.MessageID, 10)
	}
	return lastMsgID, nil
}

// SendTyping shows a typing indicator.
func (b *Bot) SendTyping(ctx context.Context, chatID int64) error {
	body := map[string]any{
		"chat_id": chatID,
		"action":  "typing",
	}
	return b.callAPI(ctx, "sendChatAction", body, nil)
}

// callAPI posts JSON to a Bot API method and decodes the result envelope.
func (b *Bot) callAPI(ctx context.Context, method string, reqBody any, result any) error {
	url := apiBaseURL + b.token + "/" + method

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("telegram: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("telegram: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: HTTP request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("telegram: read response: %w", err)
	}

	var envelope struct {
		OK          bool            `json:"ok"`
		Description string          `json:"description,omitempty"`
		ErrorCode   int             `json:"error_code,omitempty"`
		Result      json.RawMessage `json:"result,omitempty"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("telegram: decode response: %w (body: %s)", err, string(respBody))
	}
	if !envelope.OK {
		return &apiError{Code: envelope.ErrorCode, Description: envelope.Description}
	}
	if result != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("telegram: decode result: %w", err)
		}
	}
	return nil
}

// apiError is a Telegram API error response.
type apiError struct {
	Code        int
	Description string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("telegram API error %d: %s", e.Code, e.Description)
}

// mapToIncoming converts a Telegram message to the transport-neutral shape.
func (b *Bot) mapToIncoming(ctx context.Context, m *TGMessage) gryag.IncomingMessage {
	msg := gryag.IncomingMessage{
		ExternalID: strconv.FormatInt(m.MessageID, 10),
		ChatID:     m.Chat.ID,
		UserID:     m.From.ID,
		Username:   m.From.Username,
		Timestamp:  m.Date,
		Text:       m.Text,
	}
	if m.IsTopicMessage {
		msg.ThreadID = m.MessageThreadID
	}
	msg.DisplayName = strings.TrimSpace(m.From.FirstName + " " + m.From.LastName)
	if msg.DisplayName == "" {
		msg.DisplayName = m.From.Username
	}
	if msg.Text == "" && m.Caption != "" {
		msg.Text = m.Caption
	}

	if m.ReplyToMessage != nil {
		msg.ReplyToExternalID = strconv.FormatInt(m.ReplyToMessage.MessageID, 10)
		if m.ReplyToMessage.From != nil {
			msg.ReplyToExternalUserID = strconv.FormatInt(m.ReplyToMessage.From.ID, 10)
		}
	}

	msg.Addressed = b.isAddressed(m)
	msg.Media = b.collectMedia(ctx, m)
	return msg
}

// isAddressed reports whether the bot should respond: private chats,
// replies to the bot's own messages, and @username mentions.
func (b *Bot) isAddressed(m *TGMessage) bool {
	if m.Chat.Type == "private" {
		return true
	}
	if m.ReplyToMessage != nil && m.ReplyToMessage.From != nil && m.ReplyToMessage.From.ID == b.botID {
		return true
	}
	if b.botUsername == "" {
		return false
	}
	mention := "@" + strings.ToLower(b.botUsername)
	text := strings.ToLower(m.Text + " " + m.Caption)
	return strings.Contains(text, mention)
}

// collectMedia maps attachments to media descriptors, downloading each file
// up to maxInlineBytes. Oversized or failed downloads are dropped.
func (b *Bot) collectMedia(ctx context.Context, m *TGMessage) []gryag.Media {
	if !b.downloadMedia {
		return nil
	}
	type attachment struct {
		kind   gryag.MediaKind
		fileID string
		mime   string
		size   int64
	}
	var attachments []attachment

	if len(m.Photo) > 0 {
		// Telegram lists photo sizes smallest first; take the largest.
		p := m.Photo[len(m.Photo)-1]
		attachments = append(attachments, attachment{gryag.MediaImage, p.FileID, "image/jpeg", p.FileSize})
	}
	if m.Video != nil {
		attachments = append(attachments, attachment{gryag.MediaVideo, m.Video.FileID, m.Video.MimeType, m.Video.FileSize})
	}
	if m.Audio != nil {
		attachments = append(attachments, attachment{gryag.MediaAudio, m.Audio.FileID, m.Audio.MimeType, m.Audio.FileSize})
	}
	if m.Voice != nil {
		attachments = append(attachments, attachment{gryag.MediaAudio, m.Voice.FileID, m.Voice.MimeType, m.Voice.FileSize})
	}
	if m.Document != nil {
		attachments = append(attachments, attachment{gryag.MediaDocument, m.Document.FileID, m.Document.MimeType, m.Document.FileSize})
	}
	if m.Sticker != nil {
		attachments = append(attachments, attachment{gryag.MediaSticker, m.Sticker.FileID, "image/webp", m.Sticker.FileSize})
	}
	if m.Animation != nil {
		attachments = append(attachments, attachment{gryag.MediaAnimation, m.Animation.FileID, m.Animation.MimeType, m.Animation.FileSize})
	}

	var media []gryag.Media
	for _, a := range attachments {
		if a.size > maxInlineBytes {
			b.logger.Debug("telegram: attachment too large, dropped",
				"kind", a.kind, "size", a.size)
			continue
		}
		data, err := b.downloadFile(ctx, a.fileID)
		if err != nil {
			b.logger.Warn("telegram: attachment download failed",
				"kind", a.kind, "error", err)
			continue
		}
		media = append(media, gryag.Media{
			Kind:    a.kind,
			MIME:    a.mime,
			Size:    int64(len(data)),
			Data:    data,
			Caption: m.Caption,
		})
	}
	return media
}

// downloadFile fetches a file's bytes. Two-step: getFile for the path, then
// a plain GET against the file endpoint.
func (b *Bot) downloadFile(ctx context.Context, fileID string) ([]byte, error) {
	var file TGFile
	if err := b.callAPI(ctx, "getFile", map[string]any{"file_id": fileID}, &file); err != nil {
		return nil, err
	}
	if file.FilePath == "" {
		return nil, fmt.Errorf("telegram: empty file_path for file_id %s", fileID)
	}

	url := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", b.token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("telegram: create download request: %w", err)
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram: download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("telegram: download file HTTP %d: %s", resp.StatusCode, string(body))
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxInlineBytes+1))
}

// splitMessage splits text into chunks within Telegram's message length
// limit, preferring newline boundaries. Hard splits never land inside a
// multi-byte rune.
func splitMessage(text string) []string {
	if len(text) <= maxMessageLength {
		return []string{text}
	}

	var chunks []string
	remaining := text
	for len(remaining) > 0 {
		if len(remaining) <= maxMessageLength {
			chunks = append(chunks, remaining)
			break
		}
		splitAt := remaining[:maxMessageLength]
		splitPos := strings.LastIndex(splitAt, "\n")
		if splitPos == -1 {
			splitPos = maxMessageLength
			for splitPos > 0 && !utf8.RuneStart(remaining[splitPos]) {
				splitPos--
			}
			if splitPos == 0 {
				splitPos = maxMessageLength
			}
		} else {
			splitPos++
		}
		chunks = append(chunks, remaining[:splitPos])
		remaining = remaining[splitPos:]
	}
	return chunks
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
