// Package config loads runtime configuration: defaults, then gryag.toml,
// then GRYAG_* environment overrides (env wins). Validation failures are
// fatal at startup.
package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Telegram  TelegramConfig  `toml:"telegram"`
	LLM       LLMConfig       `toml:"llm"`
	Embedding EmbeddingConfig `toml:"embedding"`
	Database  DatabaseConfig  `toml:"database"`
	Context   ContextConfig   `toml:"context"`
	Search    SearchConfig    `toml:"search"`
	Episodes  EpisodeConfig   `toml:"episodes"`
	Facts     FactConfig      `toml:"facts"`
	Retention RetentionConfig `toml:"retention"`
	Engine    EngineConfig    `toml:"engine"`
	Observer  ObserverConfig  `toml:"observer"`
	Templates TemplateConfig  `toml:"templates"`
}

type TelegramConfig struct {
	Token         string `toml:"token"`
	BotID         int64  `toml:"bot_id"`
	BotUsername   string `toml:"bot_username"`
	DownloadMedia bool   `toml:"download_media"`
}

type LLMConfig struct {
	APIKey string `toml:"api_key"`
	Model  string `toml:"model"`
	// Substring deny lists feeding the capability gate.
	ToolDenyModels  []string `toml:"tool_deny_models"`
	MediaDenyModels []string `toml:"media_deny_models"`
	MaxMediaItems   int      `toml:"max_media_items"`
}

type EmbeddingConfig struct {
	APIKey        string `toml:"api_key"`
	Model         string `toml:"model"`
	Dimensions    int    `toml:"dimensions"`
	Concurrency   int    `toml:"concurrency"`
	MinIntervalMS int    `toml:"min_interval_ms"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

type ContextConfig struct {
	TokenBudget     int     `toml:"token_budget"`
	RatioImmediate  float64 `toml:"ratio_immediate"`
	RatioRecent     float64 `toml:"ratio_recent"`
	RatioRelevant   float64 `toml:"ratio_relevant"`
	RatioBackground float64 `toml:"ratio_background"`
	RatioEpisodic   float64 `toml:"ratio_episodic"`
	EnableRelevant  bool    `toml:"enable_relevant"`
	EnableFacts     bool    `toml:"enable_facts"`
	EnableEpisodes  bool    `toml:"enable_episodes"`
	ChatMemory      bool    `toml:"chat_memory"`
	DedupThreshold  float64 `toml:"deduplication_similarity_threshold"`
	OutputFormat    string  `toml:"output_format"` // "structured" or "compact"
}

type SearchConfig struct {
	SemanticWeight float64 `toml:"semantic_weight"`
	KeywordWeight  float64 `toml:"keyword_weight"`
	TemporalWeight float64 `toml:"temporal_weight"`
	HalfLifeDays   float64 `toml:"half_life_days"`
	MaxCandidates  int     `toml:"max_search_candidates"`
}

type EpisodeConfig struct {
	ShortGapSeconds   int64   `toml:"short_gap"`
	MediumGapSeconds  int64   `toml:"medium_gap"`
	LongGapSeconds    int64   `toml:"long_gap"`
	BoundaryThreshold float64 `toml:"boundary_threshold"`
	MinMessages       int     `toml:"min_messages"`
	WindowTimeout     int     `toml:"window_timeout"`      // seconds
	WindowMaxMessages int     `toml:"window_max_messages"` //
	MonitorInterval   int     `toml:"monitor_interval"`    // seconds
}

type FactConfig struct {
	ExtractMethod      string             `toml:"extract_method"` // rules, hybrid, llm
	MinConfidence      float64            `toml:"min_confidence"`
	DuplicateThreshold float64            `toml:"duplicate_threshold"`
	DecayRates         map[string]float64 `toml:"decay_rates"` // per category, per day
}

type RetentionConfig struct {
	Enabled         bool `toml:"enabled"`
	Days            int  `toml:"retention_days"`
	IntervalSeconds int  `toml:"retention_prune_interval_seconds"`
}

type EngineConfig struct {
	Admins        []int64 `toml:"admins"`
	Banned        []int64 `toml:"banned"`
	MaxToolRounds int     `toml:"max_tool_rounds"`
	ShutdownGrace int     `toml:"shutdown_grace"` // seconds
}

type ObserverConfig struct {
	Enabled bool                       `toml:"enabled"`
	Pricing map[string]ObserverPricing `toml:"pricing"`
}

type ObserverPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

// TemplateConfig overrides the built-in user-visible response templates.
// Empty fields keep the defaults.
type TemplateConfig struct {
	RateLimited string `toml:"rate_limited"`
	Error       string `toml:"error"`
	TooLong     string `toml:"too_long"`
	Banned      string `toml:"banned"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Telegram: TelegramConfig{DownloadMedia: true},
		LLM:      LLMConfig{Model: "gemini-2.5-flash", MaxMediaItems: 28},
		Embedding: EmbeddingConfig{
			Model: "gemini-embedding-001", Dimensions: 768,
			Concurrency: 4, MinIntervalMS: 50,
		},
		Database: DatabaseConfig{Path: "gryag.db"},
		Context: ContextConfig{
			TokenBudget:    8000,
			RatioImmediate: 0.20, RatioRecent: 0.30, RatioRelevant: 0.25,
			RatioBackground: 0.15, RatioEpisodic: 0.10,
			EnableRelevant: true, EnableFacts: true, EnableEpisodes: true,
			ChatMemory: true, DedupThreshold: 0.85,
			OutputFormat: "compact",
		},
		Search: SearchConfig{
			SemanticWeight: 0.6, KeywordWeight: 0.4, TemporalWeight: 0.2,
			HalfLifeDays: 7, MaxCandidates: 500,
		},
		Episodes: EpisodeConfig{
			ShortGapSeconds: 120, MediumGapSeconds: 900, LongGapSeconds: 3600,
			BoundaryThreshold: 0.6, MinMessages: 5,
			WindowTimeout: 1800, WindowMaxMessages: 50, MonitorInterval: 300,
		},
		Facts: FactConfig{
			ExtractMethod: "hybrid", MinConfidence: 0.6, DuplicateThreshold: 0.85,
		},
		Retention: RetentionConfig{Enabled: true, Days: 7, IntervalSeconds: 86400},
		Engine:    EngineConfig{MaxToolRounds: 5, ShutdownGrace: 5},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins), then
// validates.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = "gryag.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	// Env overrides
	if v := os.Getenv("GRYAG_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("GRYAG_BOT_USERNAME"); v != "" {
		cfg.Telegram.BotUsername = v
	}
	if v := os.Getenv("GRYAG_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("GRYAG_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("GRYAG_EMBEDDING_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v := os.Getenv("GRYAG_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("GRYAG_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Retention.Days = n
		}
	}
	if v := os.Getenv("GRYAG_ADMINS"); v != "" {
		cfg.Engine.Admins = parseIDList(v)
	}
	if v := os.Getenv("GRYAG_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}

	// Fallbacks
	if cfg.Embedding.APIKey == "" {
		cfg.Embedding.APIKey = cfg.LLM.APIKey
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate enforces the startup invariants. Any failure here is fatal.
func (c Config) Validate() error {
	if c.Telegram.Token == "" {
		return fmt.Errorf("config: telegram.token is required")
	}
	if c.LLM.APIKey == "" {
		return fmt.Errorf("config: llm.api_key is required")
	}
	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("config: embedding.dimensions must be positive")
	}
	if c.Context.TokenBudget <= 0 {
		return fmt.Errorf("config: context.token_budget must be positive")
	}
	if got := c.Search.SemanticWeight + c.Search.KeywordWeight; math.Abs(got-1.0) > 1e-6 {
		return fmt.Errorf("config: semantic_weight + keyword_weight must equal 1.0, got %g", got)
	}
	ratioSum := c.Context.RatioImmediate + c.Context.RatioRecent + c.Context.RatioRelevant +
		c.Context.RatioBackground + c.Context.RatioEpisodic
	if math.Abs(ratioSum-1.0) > 1e-6 {
		return fmt.Errorf("config: context layer ratios must sum to 1.0, got %g", ratioSum)
	}
	switch c.Context.OutputFormat {
	case "structured", "compact":
	default:
		return fmt.Errorf("config: unknown output_format %q", c.Context.OutputFormat)
	}
	switch c.Facts.ExtractMethod {
	case "rules", "hybrid", "llm":
	default:
		return fmt.Errorf("config: unknown extract_method %q", c.Facts.ExtractMethod)
	}
	if c.Retention.Enabled && c.Retention.Days <= 0 {
		return fmt.Errorf("config: retention_days must be positive when retention is enabled")
	}
	return nil
}

// WindowTimeoutDuration returns the episode window inactivity timeout.
func (c EpisodeConfig) WindowTimeoutDuration() time.Duration {
	return time.Duration(c.WindowTimeout) * time.Second
}

// MonitorIntervalDuration returns the monitor sweep interval.
func (c EpisodeConfig) MonitorIntervalDuration() time.Duration {
	return time.Duration(c.MonitorInterval) * time.Second
}

func parseIDList(s string) []int64 {
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if id, err := strconv.ParseInt(part, 10, 64); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}
