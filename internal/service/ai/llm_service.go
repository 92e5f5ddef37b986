package ai

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/z-clinic/backend/internal/model/chat"
	"github.com/zhouzirui/z-clinic/backend/internal/model/intake"
	"github.com/zhouzirui/z-clinic/backend/internal/model/locale"
	"github.com/zhouzirui/z-clinic/backend/internal/render"
)

// HistoryLimit is the number of transcript messages sent with a request.
const HistoryLimit = 10

// Request carries everything a stage request needs.
type Request struct {
	SessionID string
	Kind      Kind
	Language  locale.Language
	Patient   intake.PatientContext
	Symptoms  []string
	// History excludes the utterance in Query.
	History []chat.Message
	Query   string
}

// Config 控制 AI 服务的行为。
type Config struct {
	StreamResponse bool
}

// Service issues the stage-specific requests through an eino chain.
type Service struct {
	prompts *PromptManager
	cfg     Config
	chain   compose.Runnable[map[string]any, *schema.Message]
	log     zerolog.Logger
}

// NewService compiles the request chain around chatModel.
func NewService(ctx context.Context, chatModel model.BaseChatModel, cfg Config, log zerolog.Logger) (*Service, error) {
	if chatModel == nil {
		return nil, ErrModelDisabled
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return &Service{
		prompts: NewPromptManager(),
		cfg:     cfg,
		chain:   runnable,
		log:     log.With().Str("component", "ai").Logger(),
	}, nil
}

// StreamingEnabled 指示是否开启流式输出。
func (s *Service) StreamingEnabled() bool {
	return s.cfg.StreamResponse
}

// RequestMoreDetail asks the patient to elaborate on the first complaint.
func (s *Service) RequestMoreDetail(ctx context.Context, req Request) (*schema.StreamReader[*schema.Message], error) {
	req.Kind = KindMoreDetail
	return s.Respond(ctx, req)
}

// RequestDeepDive asks one focused follow-up question.
func (s *Service) RequestDeepDive(ctx context.Context, req Request) (*schema.StreamReader[*schema.Message], error) {
	req.Kind = KindDeepDive
	return s.Respond(ctx, req)
}

// RequestFinalDiagnosis asks for the assessment with directive lines.
func (s *Service) RequestFinalDiagnosis(ctx context.Context, req Request) (*schema.StreamReader[*schema.Message], error) {
	req.Kind = KindFinalDiagnosis
	return s.Respond(ctx, req)
}

// Respond runs the chain for req. With streaming disabled the single
// completion is wrapped in a one-element stream so callers consume both
// modes the same way.
func (s *Service) Respond(ctx context.Context, req Request) (*schema.StreamReader[*schema.Message], error) {
	input, err := s.buildChainInput(req)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	if !s.StreamingEnabled() {
		msg, err := s.chain.Invoke(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to run AI chain: %w", err)
		}
		s.log.Debug().Str("session", req.SessionID).Str("kind", string(req.Kind)).
			Dur("duration", time.Since(started)).Int("length", len(msg.Content)).Msg("completion received")
		return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
	}

	sr, err := s.chain.Stream(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to stream AI chain output: %w", err)
	}
	s.log.Debug().Str("session", req.SessionID).Str("kind", string(req.Kind)).
		Dur("duration", time.Since(started)).Msg("stream opened")
	return sr, nil
}

func (s *Service) buildChainInput(req Request) (map[string]any, error) {
	system, err := s.prompts.BuildSystemPrompt(req)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"system":  system,
		"history": buildHistoryMessages(req.History),
		"query":   req.Query,
	}, nil
}

func buildHistoryMessages(messages []chat.Message) []*schema.Message {
	if len(messages) == 0 {
		return nil
	}

	startIdx := 0
	if len(messages) > HistoryLimit {
		startIdx = len(messages) - HistoryLimit
	}

	history := make([]*schema.Message, 0, len(messages)-startIdx)
	for _, msg := range messages[startIdx:] {
		switch msg.Sender {
		case chat.SenderUser:
			history = append(history, schema.UserMessage(msg.Text))
		case chat.SenderBot:
			if text := render.PlainText(msg.Text); strings.TrimSpace(text) != "" {
				history = append(history, schema.AssistantMessage(text, nil))
			}
		}
	}

	return history
}
