package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gryag"
	"gryag/frontend/telegram"
	"gryag/internal/config"
	"gryag/observer"
	"gryag/provider/gemini"
	"gryag/store/sqlite"
	"gryag/tools/memory"
)

func main() {
	// 1. Load config
	cfg, err := config.Load(os.Getenv("GRYAG_CONFIG"))
	if err != nil {
		log.Fatal(err)
	}

	level := slog.LevelInfo
	if os.Getenv("GRYAG_DEBUG") != "" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Observability (optional)
	var inst *observer.Instruments
	if cfg.Observer.Enabled {
		pricing := make(map[string]observer.ModelPricing, len(cfg.Observer.Pricing))
		for model, p := range cfg.Observer.Pricing {
			pricing[model] = observer.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
		}
		var shutdown func(context.Context) error
		inst, shutdown, err = observer.Init(ctx, pricing)
		if err != nil {
			log.Fatalf("observer init: %v", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = shutdown(sctx)
		}()
	}

	// 3. Providers: Gemini wrapped with observability, retry, and rate limits
	var llm gryag.Provider = gemini.New(cfg.LLM.APIKey)
	var emb gryag.EmbeddingProvider = gemini.NewEmbedding(
		cfg.Embedding.APIKey, cfg.Embedding.Model, cfg.Embedding.Dimensions)
	if inst != nil {
		llm = observer.WrapProvider(llm, inst)
		emb = observer.WrapEmbedding(emb, cfg.Embedding.Model, inst)
	}
	llm = gryag.WithRetry(llm, gryag.RetryLogger(logger))
	emb = gryag.WithEmbeddingLimit(emb,
		gryag.EmbedConcurrency(cfg.Embedding.Concurrency),
		gryag.EmbedMinInterval(time.Duration(cfg.Embedding.MinIntervalMS)*time.Millisecond))

	// 4. Store
	decayRates := make(map[gryag.FactCategory]float64, len(cfg.Facts.DecayRates))
	for cat, rate := range cfg.Facts.DecayRates {
		decayRates[gryag.FactCategory(cat)] = rate
	}
	store := sqlite.New(cfg.Database.Path,
		sqlite.WithLogger(logger),
		sqlite.WithDecayRates(decayRates))
	if err := store.Init(ctx); err != nil {
		log.Fatalf("store init: %v", err)
	}
	defer store.Close()
	if dims, err := store.EmbeddingDimensions(ctx); err != nil {
		log.Fatalf("store: %v", err)
	} else if dims > 0 && dims != cfg.Embedding.Dimensions {
		log.Fatalf("embedding dimensions mismatch: database holds %d-dimensional vectors, config requests %d", dims, cfg.Embedding.Dimensions)
	}

	// 5. Search + context assembly
	searchOpts := []gryag.SearchOption{
		gryag.WithSearchWeights(cfg.Search.SemanticWeight, cfg.Search.KeywordWeight, cfg.Search.TemporalWeight),
		gryag.WithHalfLife(cfg.Search.HalfLifeDays),
		gryag.WithMaxCandidates(cfg.Search.MaxCandidates),
		gryag.WithSearchLogger(logger),
	}
	if inst != nil {
		searchOpts = append(searchOpts, gryag.WithDegradeCounter(inst.DegradeHook()))
	}
	search, err := gryag.NewSearchEngine(store, emb, searchOpts...)
	if err != nil {
		log.Fatal(err)
	}

	builderOpts := []gryag.BuilderOption{
		gryag.WithBudget(cfg.Context.TokenBudget),
		gryag.WithLayerRatios(gryag.LayerRatios{
			Immediate:  cfg.Context.RatioImmediate,
			Recent:     cfg.Context.RatioRecent,
			Relevant:   cfg.Context.RatioRelevant,
			Background: cfg.Context.RatioBackground,
			Episodic:   cfg.Context.RatioEpisodic,
		}),
		gryag.WithLayerFlags(gryag.LayerFlags{
			DisableRelevant:   !cfg.Context.EnableRelevant,
			DisableBackground: !cfg.Context.EnableFacts,
			DisableEpisodic:   !cfg.Context.EnableEpisodes,
		}),
		gryag.WithChatMemory(cfg.Context.ChatMemory),
		gryag.WithDedupThreshold(cfg.Context.DedupThreshold),
		gryag.WithBuilderLogger(logger),
	}
	if inst != nil {
		builderOpts = append(builderOpts, gryag.WithLayerFailureCounter(inst.LayerFailureHook()))
	}
	builder, err := gryag.NewContextBuilder(store, store, store, search, emb, builderOpts...)
	if err != nil {
		log.Fatal(err)
	}

	format := gryag.FormatStructured
	if cfg.Context.OutputFormat == "compact" {
		format = gryag.FormatCompact
	}
	formatter := gryag.NewFormatter(gryag.WithOutputFormat(format))

	promptOpts := []gryag.PromptOption{
		gryag.WithPersonaRules(store, cfg.Telegram.BotID),
		gryag.WithPromptLogger(logger),
	}
	if inst != nil {
		onHit, onMiss := inst.PromptCacheHook()
		promptOpts = append(promptOpts, gryag.WithPromptCacheCounters(onHit, onMiss))
	}
	prompts := gryag.NewPromptManager(store, promptOpts...)

	gate := gryag.NewCapabilityGate(
		gryag.WithToolDenyList(cfg.LLM.ToolDenyModels),
		gryag.WithMediaDenyList(cfg.LLM.MediaDenyModels),
		gryag.WithMaxMediaItems(cfg.LLM.MaxMediaItems))

	// 6. Memory tools
	registryOpts := []gryag.RegistryOption{gryag.WithRegistryLogger(logger)}
	if inst != nil {
		registryOpts = append(registryOpts, gryag.WithToolTelemetry(inst.ToolTelemetryHook()))
	}
	registry := gryag.NewToolRegistry(registryOpts...)
	for _, t := range memory.All(memory.Deps{Facts: store, Embedder: emb}) {
		registry.Add(t)
	}

	// 7. Episodic memory + fact extraction
	detector := gryag.NewBoundaryDetector(emb, gryag.BoundaryConfig{
		ShortGapSeconds:  cfg.Episodes.ShortGapSeconds,
		MediumGapSeconds: cfg.Episodes.MediumGapSeconds,
		LongGapSeconds:   cfg.Episodes.LongGapSeconds,
		Threshold:        cfg.Episodes.BoundaryThreshold,
	})
	summarizer := gryag.NewSummarizer(llm, cfg.LLM.Model, gryag.WithSummarizerLogger(logger))

	extractorOpts := []gryag.ExtractorOption{
		gryag.WithExtractMethod(gryag.ExtractMethod(cfg.Facts.ExtractMethod)),
		gryag.WithExtractMinConfidence(cfg.Facts.MinConfidence),
		gryag.WithExtractDupThreshold(cfg.Facts.DuplicateThreshold),
		gryag.WithExtractorLogger(logger),
	}
	if inst != nil {
		extractorOpts = append(extractorOpts, gryag.WithFactChangeCounter(inst.FactChangeHook()))
	}
	extractor := gryag.NewFactExtractor(store, llm, emb, cfg.LLM.Model, extractorOpts...)

	// 8. Frontend
	bot := telegram.NewBot(cfg.Telegram.Token, cfg.Telegram.BotID, cfg.Telegram.BotUsername,
		telegram.WithLogger(logger),
		telegram.WithMediaDownload(cfg.Telegram.DownloadMedia))
	if cfg.Telegram.BotID == 0 {
		if err := bot.Identify(ctx); err != nil {
			log.Fatalf("telegram identify: %v", err)
		}
	}

	templates := gryag.DefaultTemplates
	if cfg.Templates.RateLimited != "" {
		templates.RateLimited = cfg.Templates.RateLimited
	}
	if cfg.Templates.Error != "" {
		templates.Error = cfg.Templates.Error
	}
	if cfg.Templates.TooLong != "" {
		templates.TooLong = cfg.Templates.TooLong
	}
	if cfg.Templates.Banned != "" {
		templates.Banned = cfg.Templates.Banned
	}

	// 9. Engine
	engineOpts := []gryag.EngineOption{gryag.WithEngineLogger(logger)}
	if inst != nil {
		engineOpts = append(engineOpts, gryag.WithMediaStats(inst.MediaStatsHook()))
	}
	engine, err := gryag.NewEngine(gryag.EngineDeps{
		Frontend:      bot,
		Provider:      llm,
		Embedder:      emb,
		Conversations: store,
		Facts:         store,
		Episodes:      store,
		Builder:       builder,
		Formatter:     formatter,
		Prompts:       prompts,
		Gate:          gate,
		Tools:         registry,
		Detector:      detector,
		Summarizer:    summarizer,
		Extractor:     extractor,
	}, gryag.EngineConfig{
		Model:             cfg.LLM.Model,
		BotID:             bot.BotID(),
		BotName:           cfg.Telegram.BotUsername,
		Admins:            cfg.Engine.Admins,
		Banned:            cfg.Engine.Banned,
		RetentionEnabled:  cfg.Retention.Enabled,
		RetentionDays:     cfg.Retention.Days,
		RetentionInterval: time.Duration(cfg.Retention.IntervalSeconds) * time.Second,
		Monitor: gryag.MonitorConfig{
			MinMessages:   cfg.Episodes.MinMessages,
			MaxMessages:   cfg.Episodes.WindowMaxMessages,
			WindowTimeout: cfg.Episodes.WindowTimeoutDuration(),
			SweepInterval: cfg.Episodes.MonitorIntervalDuration(),
		},
		MaxToolRounds: cfg.Engine.MaxToolRounds,
		ShutdownGrace: time.Duration(cfg.Engine.ShutdownGrace) * time.Second,
		Templates:     templates,
	}, engineOpts...)
	if err != nil {
		log.Fatal(err)
	}

	logger.Info("gryag starting", "model", cfg.LLM.Model, "db", cfg.Database.Path)
	if err := engine.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatal(err)
	}
}
