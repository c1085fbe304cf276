package gryag

import (
	"context"
	"regexp"
	"sort"
	"strings"
)

// SignalType tags the cause of a boundary signal.
type SignalType string

const (
	SignalTemporal    SignalType = "temporal"
	SignalTopicMarker SignalType = "topic_marker"
	SignalSemantic    SignalType = "semantic"
)

// BoundarySignal is one detected indication that an episode ends before the
// message at Position.
type BoundarySignal struct {
	Type     SignalType
	Strength float64 // in [0, 1]
	Position int     // index of the message after the boundary
}

// BoundaryDecision is the combined verdict for the strongest signal cluster.
type BoundaryDecision struct {
	Create  bool
	Score   float64
	Signals []BoundarySignal
}

// BoundaryConfig holds the detection thresholds. Zero values fall back to
// defaults in NewBoundaryDetector.
type BoundaryConfig struct {
	ShortGapSeconds  int64   // below this: no temporal signal (default 120)
	MediumGapSeconds int64   // below this: strength 0.4 (default 900)
	LongGapSeconds   int64   // below this: 0.7, above: 1.0 (default 3600)
	Threshold        float64 // combined score needed to create (default 0.6)
}

// Topic-shift markers, English and Ukrainian. Case-insensitive with Unicode
// folding.
var topicMarkers = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(by the way|btw|anyway|anyhow|speaking of|on another (note|topic)|change of (topic|subject)|unrelated, but|moving on)\b`),
	regexp.MustCompile(`(?i)(до речі|між іншим|до слова|нова тема|змінимо тему|поговорімо про|а взагалі|о, ще)`),
}

const (
	// Cosine similarity at or above this produces no semantic signal.
	semanticHighSimilarity = 0.7
	// Signals within this many seconds cluster to one boundary position.
	clusterWindowSeconds = 60
	topicMarkerStrength  = 0.8

	weightSemantic = 0.40
	weightTemporal = 0.35
	weightMarker   = 0.25
)

// BoundaryDetector finds episode boundaries in an ordered message sequence.
// Detection is deterministic for a fixed (messages, config) pair.
type BoundaryDetector struct {
	cfg      BoundaryConfig
	embedder EmbeddingProvider // nil disables on-demand embedding
}

// NewBoundaryDetector builds a detector. embedder may be nil, in which case
// semantic signals use only embeddings already attached to messages.
func NewBoundaryDetector(embedder EmbeddingProvider, cfg BoundaryConfig) *BoundaryDetector {
	if cfg.ShortGapSeconds <= 0 {
		cfg.ShortGapSeconds = 120
	}
	if cfg.MediumGapSeconds <= 0 {
		cfg.MediumGapSeconds = 900
	}
	if cfg.LongGapSeconds <= 0 {
		cfg.LongGapSeconds = 3600
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.6
	}
	return &BoundaryDetector{cfg: cfg, embedder: embedder}
}

// Signals emits every boundary signal found between consecutive messages.
func (d *BoundaryDetector) Signals(ctx context.Context, msgs []Message) []BoundarySignal {
	var signals []BoundarySignal
	embeddings := d.resolveEmbeddings(ctx, msgs)

	for i := 1; i < len(msgs); i++ {
		a, b := msgs[i-1], msgs[i]

		if gap := b.CreatedAt - a.CreatedAt; gap >= d.cfg.ShortGapSeconds {
			var strength float64
			switch {
			case gap < d.cfg.MediumGapSeconds:
				strength = 0.4
			case gap < d.cfg.LongGapSeconds:
				strength = 0.7
			default:
				strength = 1.0
			}
			signals = append(signals, BoundarySignal{Type: SignalTemporal, Strength: strength, Position: i})
		}

		if matchesTopicMarker(b.Text) {
			signals = append(signals, BoundarySignal{Type: SignalTopicMarker, Strength: topicMarkerStrength, Position: i})
		}

		if wordCount(a.Text) >= 3 && wordCount(b.Text) >= 3 {
			ea, eb := embeddings[i-1], embeddings[i]
			if len(ea) > 0 && len(eb) > 0 {
				if s := Cosine(ea, eb); s < semanticHighSimilarity {
					signals = append(signals, BoundarySignal{Type: SignalSemantic, Strength: clamp01(1 - s), Position: i})
				}
			}
		}
	}
	return signals
}

// Detect scores the strongest signal cluster against the threshold.
func (d *BoundaryDetector) Detect(ctx context.Context, msgs []Message) BoundaryDecision {
	signals := d.Signals(ctx, msgs)
	if len(signals) == 0 {
		return BoundaryDecision{}
	}

	best := BoundaryDecision{}
	for _, cluster := range clusterSignals(signals, msgs) {
		score := scoreCluster(cluster)
		if score > best.Score {
			best = BoundaryDecision{Score: score, Signals: cluster}
		}
	}
	best.Create = best.Score >= d.cfg.Threshold
	return best
}

// resolveEmbeddings returns one embedding per message, preferring stored
// vectors and batch-embedding the rest when an embedder is available.
// Embedding failures leave entries empty; the semantic leg silently skips.
func (d *BoundaryDetector) resolveEmbeddings(ctx context.Context, msgs []Message) [][]float32 {
	out := make([][]float32, len(msgs))
	var missing []int
	for i, m := range msgs {
		if len(m.Embedding) > 0 {
			out[i] = m.Embedding
		} else if wordCount(m.Text) >= 3 {
			missing = append(missing, i)
		}
	}
	if len(missing) == 0 || d.embedder == nil {
		return out
	}
	texts := make([]string, len(missing))
	for j, i := range missing {
		texts[j] = msgs[i].Text
	}
	embs, err := d.embedder.Embed(ctx, texts)
	if err != nil || len(embs) != len(missing) {
		return out
	}
	for j, i := range missing {
		out[i] = embs[j]
	}
	return out
}

// clusterSignals groups signals whose boundary timestamps fall within the
// 60-second cluster window, scanning in position order.
func clusterSignals(signals []BoundarySignal, msgs []Message) [][]BoundarySignal {
	sort.Slice(signals, func(i, j int) bool {
		if signals[i].Position != signals[j].Position {
			return signals[i].Position < signals[j].Position
		}
		return signals[i].Type < signals[j].Type
	})

	at := func(s BoundarySignal) int64 { return msgs[s.Position].CreatedAt }

	var clusters [][]BoundarySignal
	var current []BoundarySignal
	for _, s := range signals {
		if len(current) > 0 && at(s)-at(current[0]) > clusterWindowSeconds {
			clusters = append(clusters, current)
			current = nil
		}
		current = append(current, s)
	}
	if len(current) > 0 {
		clusters = append(clusters, current)
	}
	return clusters
}

// scoreCluster combines per-type maxima with fixed weights and a multi-signal
// bonus, capped at 1.0.
func scoreCluster(cluster []BoundarySignal) float64 {
	var sem, temp, marker float64
	types := map[SignalType]bool{}
	for _, s := range cluster {
		types[s.Type] = true
		switch s.Type {
		case SignalSemantic:
			if s.Strength > sem {
				sem = s.Strength
			}
		case SignalTemporal:
			if s.Strength > temp {
				temp = s.Strength
			}
		case SignalTopicMarker:
			if s.Strength > marker {
				marker = s.Strength
			}
		}
	}
	score := sem*weightSemantic + temp*weightTemporal + marker*weightMarker
	switch len(types) {
	case 2:
		score *= 1.20
	case 3:
		score *= 1.30
	}
	return clamp01(score)
}

func matchesTopicMarker(text string) bool {
	for _, re := range topicMarkers {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

func wordCount(s string) int { return len(strings.Fields(s)) }
