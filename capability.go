package gryag

import "strings"

// Capabilities describes what a model identifier supports. Detection is a
// pure function of the identifier string; no network calls.
type Capabilities struct {
	Tools         bool
	Images        bool
	Audio         bool
	Video         bool
	MaxMediaItems int
}

// Supports reports whether the model accepts media of the given kind.
func (c Capabilities) Supports(kind MediaKind) bool {
	switch kind {
	case MediaImage, MediaSticker, MediaAnimation:
		return c.Images
	case MediaAudio:
		return c.Audio
	case MediaVideo:
		return c.Video
	case MediaDocument:
		return c.Images
	}
	return false
}

// GateOption configures a CapabilityGate.
type GateOption func(*CapabilityGate)

// WithToolDenyList marks model identifiers (substring match) whose tool
// support is forced off regardless of family detection.
func WithToolDenyList(models []string) GateOption {
	return func(g *CapabilityGate) { g.toolDeny = append(g.toolDeny, models...) }
}

// WithMediaDenyList marks model identifiers whose audio/video support is
// forced off.
func WithMediaDenyList(models []string) GateOption {
	return func(g *CapabilityGate) { g.mediaDeny = append(g.mediaDeny, models...) }
}

// WithMaxMediaItems caps the number of media items sent per request
// (history plus current turn). Default 28.
func WithMaxMediaItems(n int) GateOption {
	return func(g *CapabilityGate) {
		if n > 0 {
			g.maxMedia = n
		}
	}
}

// CapabilityGate resolves model capabilities and filters outbound media.
type CapabilityGate struct {
	toolDeny  []string
	mediaDeny []string
	maxMedia  int
}

// NewCapabilityGate builds a gate with the given overrides.
func NewCapabilityGate(opts ...GateOption) *CapabilityGate {
	g := &CapabilityGate{maxMedia: 28}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Capabilities resolves the capability set for a model identifier.
// Any identifier containing "flash", "1.5" or "2." is a multimodal family
// with audio and video support; everything else is assumed text+image only.
func (g *CapabilityGate) Capabilities(model string) Capabilities {
	id := strings.ToLower(model)
	c := Capabilities{
		Tools:         true,
		Images:        true,
		MaxMediaItems: g.maxMedia,
	}
	if strings.Contains(id, "flash") || strings.Contains(id, "1.5") || strings.Contains(id, "2.") {
		c.Audio = true
		c.Video = true
	}
	for _, d := range g.mediaDeny {
		if d != "" && strings.Contains(id, strings.ToLower(d)) {
			c.Audio = false
			c.Video = false
		}
	}
	for _, d := range g.toolDeny {
		if d != "" && strings.Contains(id, strings.ToLower(d)) {
			c.Tools = false
		}
	}
	return c
}

// MediaFilterStats counts filtering outcomes for one outbound request.
type MediaFilterStats struct {
	Included int
	// Dropped counts removed items by reason: "unsupported_kind" or "cap".
	Dropped map[string]int
}

// FilterMedia removes media the model cannot accept from history and the
// current turn, then enforces the per-request media cap. Current-turn media
// is always preserved ahead of history; within history, the most recent
// turns keep their media first. Turns are modified in place.
func (g *CapabilityGate) FilterMedia(model string, history []Turn, current []Part) ([]Turn, []Part, MediaFilterStats) {
	caps := g.Capabilities(model)
	stats := MediaFilterStats{Dropped: map[string]int{}}

	dropUnsupported := func(parts []Part) []Part {
		out := parts[:0]
		for _, p := range parts {
			if p.Media != nil && !caps.Supports(p.Media.Kind) {
				stats.Dropped["unsupported_kind"]++
				if p.Media.Caption != "" {
					out = append(out, TextPart(p.Media.Caption))
				}
				continue
			}
			out = append(out, p)
		}
		return out
	}

	current = dropUnsupported(current)
	for i := range history {
		history[i].Parts = dropUnsupported(history[i].Parts)
	}

	// Current-turn media always goes through; the cap squeezes history only.
	budget := caps.MaxMediaItems
	for _, p := range current {
		if p.Media != nil {
			budget--
			stats.Included++
		}
	}

	// Walk history newest-first so recent media survives the cap.
	for i := len(history) - 1; i >= 0; i-- {
		parts := history[i].Parts[:0]
		for _, p := range history[i].Parts {
			if p.Media == nil {
				parts = append(parts, p)
				continue
			}
			if budget > 0 {
				budget--
				stats.Included++
				parts = append(parts, p)
				continue
			}
			stats.Dropped["cap"]++
			if p.Media.Caption != "" {
				parts = append(parts, TextPart(p.Media.Caption))
			}
		}
		history[i].Parts = parts
	}

	return history, current, stats
}
