package observer

import (
	"context"
	"time"

	"gryag"

	"go.opentelemetry.io/otel/metric"
)

// Hook constructors bridging the engine's plain callbacks to OTEL counters.
// Each returns a function matching the corresponding gryag option signature.

// ToolTelemetryHook feeds tool.executions and tool.duration; pass to
// gryag.WithToolTelemetry.
func (i *Instruments) ToolTelemetryHook() func(name, kind string, d time.Duration) {
	return func(name, kind string, d time.Duration) {
		ctx := context.Background()
		i.ToolExecutions.Add(ctx, 1, metric.WithAttributes(
			AttrToolName.String(name),
			AttrToolStatus.String(kind),
		))
		i.ToolDuration.Record(ctx, float64(d.Milliseconds()), metric.WithAttributes(
			AttrToolName.String(name),
		))
	}
}

// MediaStatsHook feeds context.media.included and context.media.dropped by
// reason; pass to gryag.WithMediaStats.
func (i *Instruments) MediaStatsHook() func(gryag.MediaFilterStats) {
	return func(stats gryag.MediaFilterStats) {
		ctx := context.Background()
		if stats.Included > 0 {
			i.MediaIncluded.Add(ctx, int64(stats.Included))
		}
		for reason, n := range stats.Dropped {
			i.MediaDropped.Add(ctx, int64(n), metric.WithAttributes(
				AttrDropReason.String(reason),
			))
		}
	}
}

// DegradeHook feeds search.degradations; pass to gryag.WithDegradeCounter.
func (i *Instruments) DegradeHook() func() {
	return func() {
		i.SearchDegradations.Add(context.Background(), 1)
	}
}

// LayerFailureHook feeds context.layer.failures; pass to
// gryag.WithLayerFailureCounter.
func (i *Instruments) LayerFailureHook() func(layer string) {
	return func(layer string) {
		i.ContextLayerFails.Add(context.Background(), 1, metric.WithAttributes(
			AttrContextLayer.String(layer),
		))
	}
}

// PromptCacheHook feeds prompt.cache by outcome; pass both returned
// functions to gryag.WithPromptCacheCounters.
func (i *Instruments) PromptCacheHook() (onHit, onMiss func()) {
	hit := metric.WithAttributes(AttrCacheOutcome.String("hit"))
	miss := metric.WithAttributes(AttrCacheOutcome.String("miss"))
	return func() {
			i.PromptCache.Add(context.Background(), 1, hit)
		}, func() {
			i.PromptCache.Add(context.Background(), 1, miss)
		}
}

// FactChangeHook feeds facts.changes by change kind; pass to
// gryag.WithFactChangeCounter.
func (i *Instruments) FactChangeHook() func(change gryag.FactChange) {
	return func(change gryag.FactChange) {
		kind := string(change)
		if kind == "" {
			kind = "none"
		}
		i.FactChanges.Add(context.Background(), 1, metric.WithAttributes(
			AttrFactChange.String(kind),
		))
	}
}
