package gryag

import "unicode/utf8"

// Token estimation constants. The estimator is shared by every formatter and
// by the context assembler's budget checks; both output formats must produce
// identical estimates for the same content.
const (
	charsPerToken = 4

	// InlineMediaTokens is the surcharge for a media part carried as inline
	// bytes (roughly one Gemini image tile).
	InlineMediaTokens = 258

	// URIMediaTokens is the surcharge for a media part referenced by URI.
	URIMediaTokens = 100
)

// EstimateText estimates tokens for a text string: one token per 4 runes,
// rounded up. Empty text is 0 tokens.
func EstimateText(s string) int {
	n := utf8.RuneCountInString(s)
	if n == 0 {
		return 0
	}
	return (n + charsPerToken - 1) / charsPerToken
}

// EstimateMedia estimates tokens for one media item. No media kind ever
// contributes zero tokens.
func EstimateMedia(m Media) int {
	t := EstimateText(m.Caption)
	if m.Inline() {
		return t + InlineMediaTokens
	}
	return t + URIMediaTokens
}

// EstimateMessage estimates tokens for a stored message: text plus media
// surcharges.
func EstimateMessage(msg Message) int {
	t := EstimateText(msg.Text)
	for _, m := range msg.Media {
		t += EstimateMedia(m)
	}
	return t
}

// EstimateMessages sums EstimateMessage over msgs.
func EstimateMessages(msgs []Message) int {
	var t int
	for _, m := range msgs {
		t += EstimateMessage(m)
	}
	return t
}

// EstimatePart estimates tokens for one turn part.
func EstimatePart(p Part) int {
	t := EstimateText(p.Text)
	if p.Media != nil {
		t += EstimateMedia(*p.Media)
	}
	if p.ToolCall != nil {
		t += EstimateText(p.ToolCall.Name) + EstimateText(string(p.ToolCall.Args))
	}
	if p.ToolResult != nil {
		t += EstimateText(p.ToolResult.Name) + EstimateText(p.ToolResult.Content)
	}
	return t
}

// EstimateParts sums EstimatePart over parts.
func EstimateParts(parts []Part) int {
	var t int
	for _, p := range parts {
		t += EstimatePart(p)
	}
	return t
}

// EstimateTurns sums part estimates over a turn list.
func EstimateTurns(turns []Turn) int {
	var t int
	for _, turn := range turns {
		t += EstimateParts(turn.Parts)
	}
	return t
}
