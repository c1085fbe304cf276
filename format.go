package gryag

import (
	"fmt"
	"sort"
	"strings"
)

// OutputFormat selects how assembled history is rendered for the model.
type OutputFormat string

const (
	FormatStructured OutputFormat = "structured"
	FormatCompact    OutputFormat = "compact"
)

// KnownFormat reports whether f is a supported output format.
func KnownFormat(f OutputFormat) bool {
	return f == FormatStructured || f == FormatCompact
}

// maxDisplayName caps rendered display names.
const maxDisplayName = 60

// respondMarker terminates a compact prompt, telling the model it is its
// turn to speak.
const respondMarker = "[RESPOND]"

// FormatterOption configures a Formatter.
type FormatterOption func(*Formatter)

// WithBotName sets the name bot turns are rendered under (default "gryag").
func WithBotName(name string) FormatterOption {
	return func(f *Formatter) {
		if name != "" {
			f.botName = name
		}
	}
}

// WithOutputFormat selects the rendering shape (default FormatStructured).
func WithOutputFormat(format OutputFormat) FormatterOption {
	return func(f *Formatter) {
		if KnownFormat(format) {
			f.format = format
		}
	}
}

// Formatter renders an assembled context bundle into the model-facing shape:
// either structured turns with metadata headers, or one compact transcript
// line per message. Both shapes share the token estimator, so budget
// invariants hold regardless of the flag.
type Formatter struct {
	botName string
	format  OutputFormat
}

// NewFormatter builds a Formatter.
func NewFormatter(opts ...FormatterOption) *Formatter {
	f := &Formatter{botName: "gryag", format: FormatStructured}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Format reports the active output format.
func (f *Formatter) Format() OutputFormat { return f.format }

// History renders the bundle's immediate+recent messages as model history
// turns. In compact mode the whole transcript collapses into a single user
// turn carrying the attributed lines plus any media.
func (f *Formatter) History(bundle ContextBundle) []Turn {
	msgs := mergeHistory(bundle)
	if f.format == FormatCompact {
		return f.compactTurns(msgs)
	}
	return f.structuredTurns(msgs)
}

// UserParts renders the addressed message as the final turn's parts.
func (f *Formatter) UserParts(msg IncomingMessage) []Part {
	var parts []Part
	if f.format == FormatCompact {
		var b strings.Builder
		f.writeCompactIncoming(&b, msg)
		b.WriteString(respondMarker)
		parts = append(parts, TextPart(b.String()))
	} else {
		parts = append(parts, TextPart(incomingHeader(msg)))
		if msg.Text != "" {
			parts = append(parts, TextPart(msg.Text))
		}
	}
	for i := range msg.Media {
		m := msg.Media[i]
		parts = append(parts, Part{Media: &m})
	}
	return parts
}

// SystemContext concatenates the background and episodic layers into the
// system-side context string appended after the persona prompt.
func (f *Formatter) SystemContext(bundle ContextBundle) string {
	var b strings.Builder

	writeFacts := func(title string, facts []Fact) {
		if len(facts) == 0 {
			return
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(title)
		b.WriteString("\n")
		for _, fact := range facts {
			fmt.Fprintf(&b, "- %s/%s: %s\n", fact.Category, fact.Key, fact.Value)
		}
	}
	writeFacts("What you know about this user:", bundle.UserFacts)
	writeFacts("What you know about this chat:", bundle.ChatFacts)

	if len(bundle.Relevant) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("Possibly relevant earlier messages:\n")
		for _, r := range bundle.Relevant {
			fmt.Fprintf(&b, "- %s: %s\n", messageLabel(r.Message, f.botName), r.Text)
		}
	}

	if len(bundle.Episodes) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("Past conversations you remember:\n")
		for _, e := range bundle.Episodes {
			fmt.Fprintf(&b, "- %s: %s\n", e.Topic, e.Summary)
		}
	}
	return b.String()
}

// mergeHistory combines immediate and recent into one chronological,
// deduplicated slice (recent excludes immediate already; this guards custom
// bundles too).
func mergeHistory(bundle ContextBundle) []Message {
	seen := map[int64]bool{}
	merged := make([]Message, 0, len(bundle.Recent)+len(bundle.Immediate))
	for _, m := range bundle.Recent {
		if !seen[m.ID] {
			seen[m.ID] = true
			merged = append(merged, m)
		}
	}
	for _, m := range bundle.Immediate {
		if !seen[m.ID] {
			seen[m.ID] = true
			merged = append(merged, m)
		}
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].CreatedAt != merged[j].CreatedAt {
			return merged[i].CreatedAt < merged[j].CreatedAt
		}
		return merged[i].ID < merged[j].ID
	})
	return merged
}

// structuredTurns renders alternating user/model turns. Consecutive
// same-role messages share one turn; each message contributes a metadata
// header part, a body part, and its media parts.
func (f *Formatter) structuredTurns(msgs []Message) []Turn {
	var turns []Turn
	for _, m := range msgs {
		role := RoleUser
		if m.Role == RoleModel {
			role = RoleModel
		}
		var parts []Part
		if role == RoleUser {
			parts = append(parts, TextPart(messageHeader(m)))
		}
		if m.Text != "" {
			parts = append(parts, TextPart(m.Text))
		}
		for i := range m.Media {
			md := m.Media[i]
			parts = append(parts, Part{Media: &md})
		}
		if len(parts) == 0 {
			continue
		}
		if n := len(turns); n > 0 && turns[n-1].Role == role {
			turns[n-1].Parts = append(turns[n-1].Parts, parts...)
			continue
		}
		turns = append(turns, Turn{Role: role, Parts: parts})
	}
	return turns
}

// compactTurns renders the transcript as one user turn: attributed lines,
// media tags inline, and the raw media attached for models that consume it.
func (f *Formatter) compactTurns(msgs []Message) []Turn {
	if len(msgs) == 0 {
		return nil
	}
	var b strings.Builder
	var media []Media
	for _, m := range msgs {
		f.writeCompactLine(&b, m)
		media = append(media, m.Media...)
	}
	parts := []Part{TextPart(b.String())}
	for i := range media {
		md := media[i]
		parts = append(parts, Part{Media: &md})
	}
	return []Turn{{Role: RoleUser, Parts: parts}}
}

// writeCompactLine emits one "Display#Suffix: text" line, with reply chains
// as "A → B: text" and media as bracketed tags before the text.
func (f *Formatter) writeCompactLine(b *strings.Builder, m Message) {
	b.WriteString(messageLabel(m, f.botName))
	if m.Role != RoleModel {
		if target := replyLabel(m.Metadata["reply_to_display_name"], m.External.ReplyToUserID); target != "" {
			b.WriteString(" → ")
			b.WriteString(target)
		}
	}
	b.WriteString(":")
	for _, md := range m.Media {
		b.WriteString(" ")
		b.WriteString(mediaTag(md.Kind))
	}
	if m.Text != "" {
		b.WriteString(" ")
		b.WriteString(m.Text)
	}
	b.WriteString("\n")
}

func (f *Formatter) writeCompactIncoming(b *strings.Builder, msg IncomingMessage) {
	b.WriteString(userLabel(msg.DisplayName, fmt.Sprintf("%d", msg.UserID)))
	if target := replyLabel("", msg.ReplyToExternalUserID); target != "" {
		b.WriteString(" → ")
		b.WriteString(target)
	}
	b.WriteString(":")
	for _, md := range msg.Media {
		b.WriteString(" ")
		b.WriteString(mediaTag(md.Kind))
	}
	if msg.Text != "" {
		b.WriteString(" ")
		b.WriteString(msg.Text)
	}
	b.WriteString("\n")
}

// messageLabel is the line prefix for a stored message: the bot name for
// model rows, "Display#Suffix" otherwise.
func messageLabel(m Message, botName string) string {
	if m.Role == RoleModel {
		return botName
	}
	id := m.External.UserID
	if id == "" {
		id = fmt.Sprintf("%d", m.UserID)
	}
	return userLabel(m.Metadata["display_name"], id)
}

// userLabel renders "Display#Suffix". The suffix is the last 4 characters of
// the external user id, enough to disambiguate same-named users.
func userLabel(display, externalUserID string) string {
	if display == "" {
		display = "user"
	}
	display = truncateRunes(display, maxDisplayName)
	return display + "#" + idSuffix(externalUserID)
}

func replyLabel(display, externalUserID string) string {
	if externalUserID == "" {
		return ""
	}
	return userLabel(display, externalUserID)
}

func idSuffix(id string) string {
	const n = 4
	r := []rune(id)
	if len(r) <= n {
		return id
	}
	return string(r[len(r)-n:])
}

// messageHeader is the structured-mode metadata part for one message.
func messageHeader(m Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[from %s", messageLabel(m, "gryag"))
	if m.External.ReplyToMessageID != "" {
		fmt.Fprintf(&b, ", reply to %s", replyLabel(m.Metadata["reply_to_display_name"], m.External.ReplyToUserID))
	}
	fmt.Fprintf(&b, ", at %d]", m.CreatedAt)
	return b.String()
}

func incomingHeader(msg IncomingMessage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[from %s", userLabel(msg.DisplayName, fmt.Sprintf("%d", msg.UserID)))
	if msg.ReplyToExternalUserID != "" {
		fmt.Fprintf(&b, ", reply to %s", replyLabel("", msg.ReplyToExternalUserID))
	}
	fmt.Fprintf(&b, ", at %d]", msg.Timestamp)
	return b.String()
}

// mediaTag maps a media kind to its bracketed transcript tag.
func mediaTag(kind MediaKind) string {
	switch kind {
	case MediaImage:
		return "[Image]"
	case MediaVideo:
		return "[Video]"
	case MediaAudio:
		return "[Audio]"
	case MediaDocument:
		return "[Document]"
	case MediaSticker:
		return "[Sticker]"
	case MediaAnimation:
		return "[Animation]"
	}
	return "[Media]"
}
