package topic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/z-clinic/backend/internal/analysis/policy"
	"github.com/zhouzirui/z-clinic/backend/internal/metrics"
	"github.com/zhouzirui/z-clinic/backend/internal/render"
)

// Config 控制话题分类服务的行为。
type Config struct {
	Enabled bool
}

// Source 标记判定来自远端模型还是本地规则。
type Source string

const (
	SourceRemote    Source = "remote"
	SourceHeuristic Source = "heuristic"
)

// Decision is the classifier outcome for one utterance.
type Decision struct {
	Verdict policy.Verdict
	Source  Source
	Reason  string
}

// Permits reports whether the turn may proceed. Anything but an explicit
// non-medical verdict is permitted.
func (d Decision) Permits() bool {
	return d.Verdict.Permits()
}

// Service 使用大模型判断输入是否属于医疗话题，失败时回退到关键词规则。
type Service struct {
	enabled    bool
	classifier compose.Runnable[map[string]any, *schema.Message]
	fallback   func(text string) policy.Verdict
	metrics    *metrics.Metrics
	log        zerolog.Logger
}

// NewService creates the classifier. chatModel 可重用现有的大模型实例；为 nil 时仅使用本地规则。
func NewService(ctx context.Context, chatModel model.BaseChatModel, cfg Config, log zerolog.Logger, m *metrics.Metrics) (*Service, error) {
	svc := &Service{
		enabled:  cfg.Enabled && chatModel != nil,
		fallback: policy.ClassifyTopic,
		metrics:  m,
		log:      log.With().Str("component", "topic").Logger(),
	}

	if !svc.enabled {
		return svc, nil
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage(topicSystemPrompt),
		schema.UserMessage(topicUserPrompt),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile topic classifier chain: %w", err)
	}

	svc.classifier = runnable
	return svc, nil
}

// Enabled 返回远端分类是否启用。
func (s *Service) Enabled() bool {
	return s != nil && s.enabled && s.classifier != nil
}

// Classify judges utterance, using the last bot message as context so short
// replies to an intake question are read as part of the consultation.
func (s *Service) Classify(ctx context.Context, utterance, lastBot string) Decision {
	decision := s.classify(ctx, utterance, lastBot)
	s.metrics.RecordVerdict(string(decision.Source), string(decision.Verdict))
	return decision
}

func (s *Service) classify(ctx context.Context, utterance, lastBot string) Decision {
	if !s.Enabled() {
		return s.fallbackDecision(utterance, "classifier disabled")
	}

	input := map[string]any{
		"assistant_question": orNone(render.PlainText(lastBot)),
		"user_message":       strings.TrimSpace(utterance),
	}

	msg, err := s.classifier.Invoke(ctx, input)
	if err != nil {
		s.log.Warn().Err(err).Msg("classifier invoke failed, use fallback")
		return s.fallbackDecision(utterance, "invoke failed")
	}
	if msg == nil || strings.TrimSpace(msg.Content) == "" {
		return s.fallbackDecision(utterance, "empty output")
	}

	result, err := parseClassifierOutput(msg.Content)
	if err != nil {
		s.log.Warn().Err(err).Msg("classifier output parse failed, use fallback")
		return s.fallbackDecision(utterance, "unparseable output")
	}

	verdict, ok := parseVerdict(result.Verdict)
	if !ok {
		return s.fallbackDecision(utterance, "unknown verdict")
	}

	return Decision{
		Verdict: verdict,
		Source:  SourceRemote,
		Reason:  strings.TrimSpace(result.Reason),
	}
}

func (s *Service) fallbackDecision(utterance, reason string) Decision {
	return Decision{
		Verdict: s.fallback(utterance),
		Source:  SourceHeuristic,
		Reason:  reason,
	}
}

// parseClassifierOutput accepts the bare MEDICAL / NON_MEDICAL token and
// tolerates a JSON object {verdict, reason}.
func parseClassifierOutput(content string) (*classifierPayload, error) {
	trimmed := strings.TrimSpace(content)
	if token := bareVerdict(trimmed); token != "" {
		return &classifierPayload{Verdict: token}, nil
	}
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start == -1 || end == -1 || end <= start {
		return nil, fmt.Errorf("missing json object")
	}

	payload := &classifierPayload{}
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func parseVerdict(raw string) (policy.Verdict, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "medical":
		return policy.VerdictMedical, true
	case "non_medical", "non-medical", "nonmedical":
		return policy.VerdictNonMedical, true
	default:
		return "", false
	}
}

// bareVerdict returns the verdict token when the first line is exactly one.
func bareVerdict(content string) string {
	line, _, _ := strings.Cut(content, "\n")
	token := strings.Trim(strings.TrimSpace(line), "\"'`.")
	if _, ok := parseVerdict(token); ok {
		return token
	}
	return ""
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(none)"
	}
	return s
}

type classifierPayload struct {
	Verdict string `json:"verdict"`
	Reason  string `json:"reason"`
}

const topicSystemPrompt = "You screen messages sent to a medical intake assistant. Decide whether the user's message belongs to a health consultation. Answers to the assistant's previous question (an age, a gender, a duration, yes/no, a short description) count as medical.\nAnswer with exactly one token: MEDICAL or NON_MEDICAL. No other text."

const topicUserPrompt = "Assistant's previous message:\n{assistant_question}\n\nUser message:\n{user_message}"
