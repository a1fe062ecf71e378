package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSystemPrompt frames every generation call when no prompt file or
// SYSTEM_PROMPT override is given.
const DefaultSystemPrompt = `You are "The Weaver", a collaborative storyteller. Take each prompt and continue the story with fidelity to the user's vision, matching the requested tone, perspective and themes.
Remember and reference prior events, characters and plot threads so the narrative stays cohesive.
Your output is the story itself. Nothing more.`

// Config contains all runtime settings for the story service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool
	LogFormat        string
	LogLevel         string

	DatabaseURL     string
	SQLitePath      string
	RedisURL        string
	SummaryCacheTTL time.Duration

	GenerationMode            string
	GenerationAPIKey          string
	GenerationBaseURL         string
	GenerationModel           string
	SummaryModel              string
	GenerationMaxOutputTokens int
	GenerationTemperature     float64
	GenerationInputCostPer1M  float64
	GenerationTimeout         time.Duration
	GenerationMaxAttempts     int
	CondenseTimeout           time.Duration
	HTTPReferer               string
	AppTitle                  string

	PromptsFile    string
	SystemPrompt   string
	SummaryPrompt  string
	CompressPrompt string

	ShortTurnCount        int
	RecentTurnCount       int
	SummaryMaxTokens      int
	SummaryAddendumTokens int
	CompressTriggerTokens int
	CompressTargetTokens  int
	MaxInputTokens        int
	EmergencyRecentTurns  int
	TokenEstimator        string

	MinRequestInterval time.Duration
	RetentionPeriod    time.Duration
	RetentionSchedule  string
}

// promptsFile is the optional YAML document named by APP_PROMPTS_FILE.
// Unset fields keep their defaults; environment variables win over it.
type promptsFile struct {
	SystemPrompt   string `yaml:"system_prompt"`
	SummaryPrompt  string `yaml:"summary_prompt"`
	CompressPrompt string `yaml:"compress_prompt"`
	Tuning         struct {
		ShortTurnCount        *int `yaml:"short_turn_count"`
		RecentTurnCount       *int `yaml:"recent_turn_count"`
		SummaryMaxTokens      *int `yaml:"summary_max_tokens"`
		SummaryAddendumTokens *int `yaml:"summary_addendum_tokens"`
		CompressTriggerTokens *int `yaml:"compress_trigger_tokens"`
		CompressTargetTokens  *int `yaml:"compress_target_tokens"`
		MaxInputTokens        *int `yaml:"max_input_tokens"`
		EmergencyRecentTurns  *int `yaml:"emergency_recent_turns"`
	} `yaml:"tuning"`
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "storyweaver"),
		LogFormat:        strings.ToLower(envOrDefault("APP_LOG_FORMAT", "text")),
		LogLevel:         strings.ToLower(envOrDefault("APP_LOG_LEVEL", "info")),
		ShutdownTimeout:  15 * time.Second,

		DatabaseURL:     stringsTrimSpace("DATABASE_URL"),
		SQLitePath:      stringsTrimSpace("SQLITE_PATH"),
		RedisURL:        stringsTrimSpace("REDIS_URL"),
		SummaryCacheTTL: 0,

		GenerationMode:            envOrDefault("GENERATION_MODE", "auto"),
		GenerationAPIKey:          firstNonEmpty(stringsTrimSpace("GENERATION_API_KEY"), stringsTrimSpace("OPENROUTER_API_KEY")),
		GenerationBaseURL:         envOrDefault("GENERATION_BASE_URL", "https://openrouter.ai/api/v1"),
		GenerationModel:           envOrDefault("GENERATION_MODEL", "x-ai/grok-4-fast"),
		GenerationMaxOutputTokens: 4000,
		GenerationTemperature:     0.8,
		GenerationInputCostPer1M:  0.20,
		GenerationTimeout:         120 * time.Second,
		GenerationMaxAttempts:     2,
		CondenseTimeout:           60 * time.Second,
		HTTPReferer:               stringsTrimSpace("GENERATION_HTTP_REFERER"),
		AppTitle:                  envOrDefault("GENERATION_APP_TITLE", "storyweaver"),

		PromptsFile:    stringsTrimSpace("APP_PROMPTS_FILE"),
		SystemPrompt:   DefaultSystemPrompt,
		SummaryPrompt:  "",
		CompressPrompt: "",

		ShortTurnCount:        10,
		RecentTurnCount:       10,
		SummaryMaxTokens:      2000,
		SummaryAddendumTokens: 1000,
		CompressTriggerTokens: 2500,
		CompressTargetTokens:  800,
		MaxInputTokens:        50000,
		EmergencyRecentTurns:  10,
		TokenEstimator:        strings.ToLower(envOrDefault("TOKEN_ESTIMATOR", "chars")),

		MinRequestInterval: 2 * time.Second,
		RetentionPeriod:    720 * time.Hour,
		RetentionSchedule:  envOrDefault("RETENTION_SCHEDULE", "@every 168h"),
	}
	cfg.SummaryModel = envOrDefault("SUMMARY_MODEL", cfg.GenerationModel)
	if s := strings.ToLower(cfg.RetentionSchedule); s == "off" || s == "none" {
		cfg.RetentionSchedule = ""
	}

	if cfg.PromptsFile != "" {
		if err := applyPromptsFile(&cfg, cfg.PromptsFile); err != nil {
			return Config{}, err
		}
	}
	cfg.SystemPrompt = envOrDefault("SYSTEM_PROMPT", cfg.SystemPrompt)
	cfg.SummaryPrompt = envOrDefault("SUMMARY_PROMPT", cfg.SummaryPrompt)
	cfg.CompressPrompt = envOrDefault("COMPRESS_PROMPT", cfg.CompressPrompt)

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"SUMMARY_CACHE_TTL", &cfg.SummaryCacheTTL},
		{"GENERATION_TIMEOUT", &cfg.GenerationTimeout},
		{"CONDENSE_TIMEOUT", &cfg.CondenseTimeout},
		{"MIN_REQUEST_INTERVAL", &cfg.MinRequestInterval},
		{"RETENTION_PERIOD", &cfg.RetentionPeriod},
	}
	for _, d := range durations {
		if *d.dst, err = durationFromEnv(d.key, *d.dst); err != nil {
			return Config{}, err
		}
	}
	ints := []struct {
		key string
		dst *int
	}{
		{"GENERATION_MAX_OUTPUT_TOKENS", &cfg.GenerationMaxOutputTokens},
		{"GENERATION_MAX_ATTEMPTS", &cfg.GenerationMaxAttempts},
		{"SHORT_TURN_COUNT", &cfg.ShortTurnCount},
		{"RECENT_TURN_COUNT", &cfg.RecentTurnCount},
		{"SUMMARY_MAX_TOKENS", &cfg.SummaryMaxTokens},
		{"SUMMARY_ADDENDUM_TOKENS", &cfg.SummaryAddendumTokens},
		{"COMPRESS_TRIGGER_TOKENS", &cfg.CompressTriggerTokens},
		{"COMPRESS_TARGET_TOKENS", &cfg.CompressTargetTokens},
		{"MAX_INPUT_TOKENS", &cfg.MaxInputTokens},
		{"EMERGENCY_RECENT_TURNS", &cfg.EmergencyRecentTurns},
	}
	for _, n := range ints {
		if *n.dst, err = intFromEnv(n.key, *n.dst); err != nil {
			return Config{}, err
		}
	}
	cfg.GenerationTemperature, err = floatFromEnv("GENERATION_TEMPERATURE", cfg.GenerationTemperature)
	if err != nil {
		return Config{}, err
	}
	cfg.GenerationInputCostPer1M, err = floatFromEnv("GENERATION_INPUT_COST_PER_1M", cfg.GenerationInputCostPer1M)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch {
	case c.RecentTurnCount < 1:
		return errors.New("RECENT_TURN_COUNT must be >= 1")
	case c.ShortTurnCount < c.RecentTurnCount:
		return fmt.Errorf("SHORT_TURN_COUNT (%d) must be >= RECENT_TURN_COUNT (%d)", c.ShortTurnCount, c.RecentTurnCount)
	case c.CompressTargetTokens <= 0:
		return errors.New("COMPRESS_TARGET_TOKENS must be positive")
	case c.CompressTargetTokens >= c.CompressTriggerTokens:
		return fmt.Errorf("COMPRESS_TARGET_TOKENS (%d) must be < COMPRESS_TRIGGER_TOKENS (%d)", c.CompressTargetTokens, c.CompressTriggerTokens)
	case c.SummaryMaxTokens <= 0 || c.SummaryAddendumTokens <= 0:
		return errors.New("SUMMARY_MAX_TOKENS and SUMMARY_ADDENDUM_TOKENS must be positive")
	case c.MaxInputTokens <= 0:
		return errors.New("MAX_INPUT_TOKENS must be positive")
	case c.EmergencyRecentTurns <= 0:
		return errors.New("EMERGENCY_RECENT_TURNS must be positive")
	case c.GenerationMaxOutputTokens <= 0:
		return errors.New("GENERATION_MAX_OUTPUT_TOKENS must be positive")
	case c.GenerationMaxAttempts < 1:
		return errors.New("GENERATION_MAX_ATTEMPTS must be >= 1")
	case c.GenerationInputCostPer1M < 0:
		return errors.New("GENERATION_INPUT_COST_PER_1M must be >= 0")
	case c.MinRequestInterval < 0:
		return errors.New("MIN_REQUEST_INTERVAL must be >= 0")
	case c.RetentionPeriod <= 0:
		return errors.New("RETENTION_PERIOD must be positive")
	case c.SummaryCacheTTL < 0:
		return errors.New("SUMMARY_CACHE_TTL must be >= 0")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("APP_LOG_FORMAT must be text or json, got %q", c.LogFormat)
	}
	switch c.TokenEstimator {
	case "chars", "tiktoken":
	default:
		return fmt.Errorf("TOKEN_ESTIMATOR must be chars or tiktoken, got %q", c.TokenEstimator)
	}
	return nil
}

func applyPromptsFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("APP_PROMPTS_FILE read error: %w", err)
	}
	var f promptsFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("APP_PROMPTS_FILE parse error: %w", err)
	}
	if s := trimSpace(f.SystemPrompt); s != "" {
		cfg.SystemPrompt = s
	}
	if s := trimSpace(f.SummaryPrompt); s != "" {
		cfg.SummaryPrompt = s
	}
	if s := trimSpace(f.CompressPrompt); s != "" {
		cfg.CompressPrompt = s
	}
	overrides := []struct {
		src *int
		dst *int
	}{
		{f.Tuning.ShortTurnCount, &cfg.ShortTurnCount},
		{f.Tuning.RecentTurnCount, &cfg.RecentTurnCount},
		{f.Tuning.SummaryMaxTokens, &cfg.SummaryMaxTokens},
		{f.Tuning.SummaryAddendumTokens, &cfg.SummaryAddendumTokens},
		{f.Tuning.CompressTriggerTokens, &cfg.CompressTriggerTokens},
		{f.Tuning.CompressTargetTokens, &cfg.CompressTargetTokens},
		{f.Tuning.MaxInputTokens, &cfg.MaxInputTokens},
		{f.Tuning.EmergencyRecentTurns, &cfg.EmergencyRecentTurns},
	}
	for _, o := range overrides {
		if o.src != nil {
			*o.dst = *o.src
		}
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func stringsTrimSpace(key string) string {
	return trimSpace(os.Getenv(key))
}

func trimSpace(v string) string {
	return strings.TrimSpace(v)
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
