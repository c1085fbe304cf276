// Package observer provides OTEL-based observability for gryag.
//
// It wraps Provider and EmbeddingProvider with instrumented versions that
// emit traces, metrics, and logs via OpenTelemetry, and exposes counters the
// engine hooks feed (tool executions, media filtering, search degradations,
// prompt cache hits, fact pipeline outcomes). Users export to any
// OTEL-compatible backend by setting standard OTEL env vars.
package observer

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "gryag/observer"

// Instruments holds all OTEL instruments used by the wrappers and engine
// hooks.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger otellog.Logger

	// LLM and embedding
	TokenUsage    metric.Int64Counter
	CostTotal     metric.Float64Counter
	LLMRequests   metric.Int64Counter
	EmbedRequests metric.Int64Counter
	LLMDuration   metric.Float64Histogram
	EmbedDuration metric.Float64Histogram

	// Engine
	ToolExecutions     metric.Int64Counter
	ToolDuration       metric.Float64Histogram
	MediaDropped       metric.Int64Counter
	MediaIncluded      metric.Int64Counter
	SearchDegradations metric.Int64Counter
	ContextLayerFails  metric.Int64Counter
	FactChanges        metric.Int64Counter
	PromptCache        metric.Int64Counter

	Cost *CostCalculator
}

// Init sets up OTEL trace, metric, and log providers with OTLP HTTP
// exporters. Configuration comes from standard OTEL env vars
// (OTEL_EXPORTER_OTLP_ENDPOINT, etc.). Returns a shutdown function that must
// be called on application exit.
func Init(ctx context.Context, pricing map[string]ModelPricing) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("gryag")),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	logExp, err := otlploghttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)

	inst, err := newInstruments(pricing)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		_ = lp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
			lp.Shutdown(ctx),
		)
	}
	return inst, shutdown, nil
}

func newInstruments(pricing map[string]ModelPricing) (*Instruments, error) {
	tracer := otel.Tracer(scopeName)
	meter := otel.Meter(scopeName)
	logger := global.GetLoggerProvider().Logger(scopeName)

	tokenUsage, err := meter.Int64Counter("llm.token.usage",
		metric.WithDescription("Total tokens consumed"),
		metric.WithUnit("{token}"))
	if err != nil {
		return nil, err
	}
	costTotal, err := meter.Float64Counter("llm.cost.total",
		metric.WithDescription("Cumulative LLM cost in USD"),
		metric.WithUnit("USD"))
	if err != nil {
		return nil, err
	}
	llmRequests, err := meter.Int64Counter("llm.requests",
		metric.WithDescription("LLM request count"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}
	embedRequests, err := meter.Int64Counter("embedding.requests",
		metric.WithDescription("Embedding request count"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}
	llmDuration, err := meter.Float64Histogram("llm.duration",
		metric.WithDescription("LLM call duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	embedDuration, err := meter.Float64Histogram("embedding.duration",
		metric.WithDescription("Embedding call duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	toolExecutions, err := meter.Int64Counter("tool.executions",
		metric.WithDescription("Tool execution count"),
		metric.WithUnit("{execution}"))
	if err != nil {
		return nil, err
	}
	toolDuration, err := meter.Float64Histogram("tool.duration",
		metric.WithDescription("Tool execution duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	mediaDropped, err := meter.Int64Counter("context.media.dropped",
		metric.WithDescription("Media attachments excluded from model input"),
		metric.WithUnit("{attachment}"))
	if err != nil {
		return nil, err
	}
	mediaIncluded, err := meter.Int64Counter("context.media.included",
		metric.WithDescription("Media attachments sent to the model"),
		metric.WithUnit("{attachment}"))
	if err != nil {
		return nil, err
	}
	searchDegradations, err := meter.Int64Counter("search.degradations",
		metric.WithDescription("Hybrid searches that fell back to keyword-only ranking"),
		metric.WithUnit("{search}"))
	if err != nil {
		return nil, err
	}
	layerFails, err := meter.Int64Counter("context.layer.failures",
		metric.WithDescription("Context layer fetches that failed and were skipped"),
		metric.WithUnit("{failure}"))
	if err != nil {
		return nil, err
	}
	factChanges, err := meter.Int64Counter("facts.changes",
		metric.WithDescription("Fact pipeline outcomes by change kind"),
		metric.WithUnit("{change}"))
	if err != nil {
		return nil, err
	}
	promptCache, err := meter.Int64Counter("prompt.cache",
		metric.WithDescription("Prompt cache lookups by outcome"),
		metric.WithUnit("{lookup}"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:             tracer,
		Meter:              meter,
		Logger:             logger,
		TokenUsage:         tokenUsage,
		CostTotal:          costTotal,
		LLMRequests:        llmRequests,
		EmbedRequests:      embedRequests,
		LLMDuration:        llmDuration,
		EmbedDuration:      embedDuration,
		ToolExecutions:     toolExecutions,
		ToolDuration:       toolDuration,
		MediaDropped:       mediaDropped,
		MediaIncluded:      mediaIncluded,
		SearchDegradations: searchDegradations,
		ContextLayerFails:  layerFails,
		FactChanges:        factChanges,
		PromptCache:        promptCache,
		Cost:               NewCostCalculator(pricing),
	}, nil
}
