// Package app 组装问诊核心：模型、分类器、渲染管线、状态机与会话编排。
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/z-clinic/backend/internal/config"
	"github.com/zhouzirui/z-clinic/backend/internal/metrics"
	"github.com/zhouzirui/z-clinic/backend/internal/model/locale"
	"github.com/zhouzirui/z-clinic/backend/internal/render"
	"github.com/zhouzirui/z-clinic/backend/internal/sanitize"
	"github.com/zhouzirui/z-clinic/backend/internal/service/ai"
	"github.com/zhouzirui/z-clinic/backend/internal/service/chat"
	"github.com/zhouzirui/z-clinic/backend/internal/service/intake"
	"github.com/zhouzirui/z-clinic/backend/internal/service/topic"
	"github.com/zhouzirui/z-clinic/backend/internal/service/turn"
)

// App holds the wired core shared by the HTTP server and the CLI.
type App struct {
	Orchestrator *turn.Orchestrator
	Texts        locale.Store
	// Metrics is nil when metrics are disabled.
	Metrics *metrics.Metrics
	// ModelEnabled is false when every remote step answers with the stage fallback.
	ModelEnabled bool
}

// Build wires every service from cfg. A missing or broken model
// configuration degrades to canned fallbacks instead of failing.
func Build(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*App, error) {
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(prometheus.NewRegistry())
	}

	texts := locale.NewMemoryStore(locale.Seed())

	chatModel, err := NewChatModel(ctx, cfg.AI, m)
	switch {
	case errors.Is(err, ai.ErrModelDisabled):
		log.Warn().Str("provider", string(cfg.AI.Provider)).Msg("model not configured, remote steps use fallback replies")
	case err != nil:
		chatModel = nil
		log.Error().Err(err).Msg("failed to initialize chat model, remote steps use fallback replies")
	default:
		log.Info().Str("provider", string(cfg.AI.Provider)).Str("model", cfg.AI.Model).Msg("chat model initialized")
	}

	deps := turn.Deps{
		Sessions: chat.NewService(chat.Config{
			MessageCap:      cfg.Intake.MessageCap,
			DefaultLanguage: cfg.Intake.DefaultLanguage,
		}),
		Machine: intake.New(intake.Config{KeepDemographics: cfg.Intake.KeepDemographics}),
		Pipeline: render.NewPipeline(
			render.NewTrustList(cfg.Intake.TrustedDomains...),
			texts,
			sanitize.New(sanitize.WithFallbackHook(func(err error) {
				m.RecordSanitizerFallback()
				log.Warn().Err(err).Msg("sanitizer fell back to escaped text")
			})),
		),
		Texts:   texts,
		Metrics: m,
		Logger:  log,
	}

	enabled := false
	if chatModel != nil {
		svc, err := ai.NewService(ctx, chatModel, ai.Config{StreamResponse: cfg.AI.StreamResponse}, log)
		if err != nil {
			return nil, fmt.Errorf("init ai service: %w", err)
		}
		deps.Responder = svc
		enabled = true
	}

	classifier, err := topic.NewService(ctx, chatModel, topic.Config{Enabled: cfg.AI.ClassifierEnabled}, log, m)
	if err != nil {
		return nil, fmt.Errorf("init topic classifier: %w", err)
	}
	deps.Classifier = classifier
	if classifier.Enabled() {
		log.Info().Msg("topic classifier enabled")
	} else {
		log.Info().Msg("topic classifier uses keyword heuristics")
	}

	return &App{
		Orchestrator: turn.New(deps),
		Texts:        texts,
		Metrics:      m,
		ModelEnabled: enabled,
	}, nil
}

// NewChatModel builds the configured provider. It returns ai.ErrModelDisabled
// when the configuration lacks credentials or a model name.
func NewChatModel(ctx context.Context, cfg config.AIConfig, m *metrics.Metrics) (model.BaseChatModel, error) {
	if !cfg.Enabled() {
		return nil, ai.ErrModelDisabled
	}
	onRetry := func(int, time.Duration) {
		m.RecordRateLimitRetry()
	}
	if cfg.Provider == config.ProviderArk {
		cm, err := cfg.NewArkModel(ctx)
		if err != nil {
			return nil, err
		}
		return ai.WithRateLimitRetry(cm, ai.RetryPolicy{
			Retries:     cfg.RateLimitRetries,
			Backoff:     cfg.RateLimitBackoff,
			RateLimited: config.IsArkRateLimited,
			OnRetry:     onRetry,
		}), nil
	}
	om, err := ai.NewOpenAIModel(ai.OpenAIConfig{
		BaseURL:          cfg.BaseURL,
		APIKey:           cfg.APIKey,
		Model:            cfg.Model,
		Temperature:      cfg.Float32Temperature(),
		MaxTokens:        cfg.MaxTokens,
		RateLimitRetries: cfg.RateLimitRetries,
		RateLimitBackoff: cfg.RateLimitBackoff,
		OnRetry:          onRetry,
	})
	if err != nil {
		return nil, err
	}
	return om, nil
}
