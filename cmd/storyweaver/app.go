package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/antoniostano/storyweaver/internal/chat"
	"github.com/antoniostano/storyweaver/internal/condense"
	"github.com/antoniostano/storyweaver/internal/config"
	"github.com/antoniostano/storyweaver/internal/contextmgr"
	"github.com/antoniostano/storyweaver/internal/llm"
	"github.com/antoniostano/storyweaver/internal/memory"
	"github.com/antoniostano/storyweaver/internal/observability"
	"github.com/antoniostano/storyweaver/internal/ratelimit"
	"github.com/antoniostano/storyweaver/internal/reliability"
	"github.com/antoniostano/storyweaver/internal/retention"
	"github.com/antoniostano/storyweaver/internal/tokens"
)

// app holds the wired components shared by the subcommands.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	metrics  *observability.Metrics
	store    memory.Store
	client   llm.Client
	chat     *chat.Service
	janitor  *retention.Janitor
	backend  string
	clientID string
}

func newLogger(w io.Writer, format, level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func limitsFromConfig(cfg config.Config) contextmgr.Limits {
	return contextmgr.Limits{
		ShortTurnCount:        cfg.ShortTurnCount,
		RecentCount:           cfg.RecentTurnCount,
		CompressTriggerTokens: cfg.CompressTriggerTokens,
		CompressTargetTokens:  cfg.CompressTargetTokens,
		MaxTotalTokens:        cfg.MaxInputTokens,
	}
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := memory.NewStore(ctx, memory.Options{
		DatabaseURL:     cfg.DatabaseURL,
		SQLitePath:      cfg.SQLitePath,
		RedisURL:        cfg.RedisURL,
		SummaryCacheTTL: cfg.SummaryCacheTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("store init: %w", err)
	}

	estimator, err := tokens.New(cfg.TokenEstimator)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("token estimator init: %w", err)
	}

	client, err := llm.NewClient(llm.Config{
		Mode:           cfg.GenerationMode,
		APIKey:         cfg.GenerationAPIKey,
		BaseURL:        cfg.GenerationBaseURL,
		RequestTimeout: cfg.GenerationTimeout,
		Referer:        cfg.HTTPReferer,
		AppTitle:       cfg.AppTitle,
		Retry: reliability.Policy{
			MaxAttempts: cfg.GenerationMaxAttempts,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    5 * time.Second,
		},
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("generation client init: %w", err)
	}

	condenser := condense.NewLLMService(client, condense.Config{
		Model:          cfg.SummaryModel,
		SummaryPrompt:  cfg.SummaryPrompt,
		CompressPrompt: cfg.CompressPrompt,
		CallTimeout:    cfg.CondenseTimeout,
	})
	builder := contextmgr.NewBuilder(store, condenser, contextmgr.Options{
		BaseInstruction:      cfg.SystemPrompt,
		Estimator:            estimator,
		Logger:               logger.With("component", "contextmgr"),
		Metrics:              metrics,
		SummaryMaxTokens:     cfg.SummaryMaxTokens,
		AddendumMaxTokens:    cfg.SummaryAddendumTokens,
		EmergencyRecentTurns: cfg.EmergencyRecentTurns,
	})
	svc := chat.NewService(store, builder, client, ratelimit.NewCooldown(cfg.MinRequestInterval), estimator, chat.Config{
		BaseInstruction: cfg.SystemPrompt,
		DefaultModel:    cfg.GenerationModel,
		MaxOutputTokens: cfg.GenerationMaxOutputTokens,
		Temperature:     cfg.GenerationTemperature,
		InputCostPer1M:  cfg.GenerationInputCostPer1M,
		Limits:          limitsFromConfig(cfg),
	}, logger.With("component", "chat"), metrics)

	janitor, err := retention.NewJanitor(store, retention.Config{
		Period:   cfg.RetentionPeriod,
		Schedule: cfg.RetentionSchedule,
	}, logger.With("component", "retention"), metrics)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("retention init: %w", err)
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		store:    store,
		client:   client,
		chat:     svc,
		janitor:  janitor,
		backend:  memory.Backend(store),
		clientID: llm.Mode(client),
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}
