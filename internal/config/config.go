package config

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	arkmodel "github.com/volcengine/volcengine-go-sdk/service/arkruntime/model"

	"github.com/zhouzirui/z-clinic/backend/internal/model/locale"
)

// Provider 选择远端模型的接入方式。
type Provider string

const (
	ProviderOpenAI Provider = "openai"
	ProviderArk    Provider = "ark"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server  ServerConfig
	AI      AIConfig
	Intake  IntakeConfig
	Log     LogConfig
	Metrics MetricsConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	intake, err := loadIntakeConfig()
	if err != nil {
		return nil, err
	}

	logCfg, err := loadLogConfig()
	if err != nil {
		return nil, err
	}

	metricsEnabled, err := parseBoolEnv("METRICS_ENABLED", true)
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:  server,
		AI:      ai,
		Intake:  intake,
		Log:     logCfg,
		Metrics: MetricsConfig{Enabled: metricsEnabled},
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr           string
	AllowedOrigins []string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port, AllowedOrigins: parseListEnv("CORS_ALLOWED_ORIGINS")}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port, AllowedOrigins: parseListEnv("CORS_ALLOWED_ORIGINS")}, nil
}

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	Provider          Provider
	APIKey            string
	AccessKey         string
	SecretKey         string
	Model             string
	BaseURL           string
	Region            string
	Temperature       *float64
	TopP              *float64
	MaxTokens         *int
	StreamResponse    bool
	RateLimitRetries  int
	RateLimitBackoff  time.Duration
	ClassifierEnabled bool
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	if c.Model == "" {
		return false
	}
	if c.Provider == ProviderArk {
		return c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != "")
	}
	return c.BaseURL != ""
}

// Float32Temperature converts the optional temperature for eino options.
func (c AIConfig) Float32Temperature() *float32 {
	return toFloat32(c.Temperature)
}

// NewArkModel 使用 ark 配置创建一个模型实例。OpenAI 兼容的模型由 ai 包自行构建。
func (c AIConfig) NewArkModel(ctx context.Context) (model.BaseChatModel, error) {
	if c.Provider != ProviderArk {
		return nil, fmt.Errorf("provider %q is not ark", c.Provider)
	}
	if !c.Enabled() {
		return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + AI_MODEL 或 AK/SK 组合")
	}

	var maxTokens *int
	if c.MaxTokens != nil {
		val := *c.MaxTokens
		maxTokens = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   maxTokens,
		Temperature: toFloat32(c.Temperature),
		TopP:        toFloat32(c.TopP),
		// 429 由调用方按 AI_RATE_LIMIT_* 重试
		RetryTimes:  &noArkRetries,
	}

	cm, err := ark.NewChatModel(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("init ark chat model: %w", err)
	}
	return cm, nil
}

var noArkRetries = 0

// IsArkRateLimited reports whether an ark error carries an HTTP 429.
func IsArkRateLimited(err error) bool {
	var apiErr *arkmodel.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests
	}
	var reqErr *arkmodel.RequestError
	return errors.As(err, &reqErr) && reqErr.HTTPStatusCode == http.StatusTooManyRequests
}

func loadAIConfig() (AIConfig, error) {
	provider := Provider(strings.ToLower(getEnvOrDefault("AI_PROVIDER", string(ProviderOpenAI))))
	switch provider {
	case ProviderOpenAI, ProviderArk:
	default:
		return AIConfig{}, fmt.Errorf("invalid AI_PROVIDER value %q", provider)
	}

	temperature, err := parseOptionalFloatEnv("AI_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("AI_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("AI_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	stream, err := parseBoolEnv("AI_STREAM", true)
	if err != nil {
		return AIConfig{}, err
	}

	classifier, err := parseBoolEnv("AI_CLASSIFIER_ENABLED", true)
	if err != nil {
		return AIConfig{}, err
	}

	retries := 3
	if override, err := parseOptionalIntEnv("AI_RATE_LIMIT_RETRIES"); err != nil {
		return AIConfig{}, err
	} else if override != nil {
		retries = max(*override, 0)
	}

	backoff := 800 * time.Millisecond
	if override, err := parseOptionalIntEnv("AI_RATE_LIMIT_BACKOFF_MS"); err != nil {
		return AIConfig{}, err
	} else if override != nil && *override > 0 {
		backoff = time.Duration(*override) * time.Millisecond
	}

	cfg := AIConfig{
		Provider:          provider,
		APIKey:            strings.TrimSpace(os.Getenv("AI_API_KEY")),
		Model:             strings.TrimSpace(os.Getenv("AI_MODEL")),
		BaseURL:           getEnvOrDefault("AI_BASE_URL", "https://api.openai.com/v1"),
		Temperature:       temperature,
		TopP:              topP,
		MaxTokens:         maxTokens,
		StreamResponse:    stream,
		RateLimitRetries:  retries,
		RateLimitBackoff:  backoff,
		ClassifierEnabled: classifier,
	}

	if provider == ProviderArk {
		cfg.APIKey = getEnvOrDefault("ARK_API_KEY", cfg.APIKey)
		cfg.AccessKey = strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY"))
		cfg.SecretKey = strings.TrimSpace(os.Getenv("ARK_SECRET_KEY"))
		cfg.BaseURL = getEnvOrDefault("AI_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3")
		cfg.Region = getEnvOrDefault("ARK_REGION", "cn-beijing")
	}

	return cfg, nil
}

// IntakeConfig 描述问诊流程的会话策略。
type IntakeConfig struct {
	MessageCap       int
	DefaultLanguage  locale.Language
	KeepDemographics bool
	TrustedDomains   []string
}

func loadIntakeConfig() (IntakeConfig, error) {
	messageCap := 30
	if override, err := parseOptionalIntEnv("INTAKE_MESSAGE_CAP"); err != nil {
		return IntakeConfig{}, err
	} else if override != nil {
		messageCap = *override
	}

	raw := getEnvOrDefault("INTAKE_DEFAULT_LANGUAGE", string(locale.English))
	lang, ok := locale.Parse(raw)
	if !ok {
		return IntakeConfig{}, fmt.Errorf("invalid INTAKE_DEFAULT_LANGUAGE value %q", raw)
	}

	keep, err := parseBoolEnv("INTAKE_KEEP_DEMOGRAPHICS", true)
	if err != nil {
		return IntakeConfig{}, err
	}

	return IntakeConfig{
		MessageCap:       messageCap,
		DefaultLanguage:  lang,
		KeepDemographics: keep,
		TrustedDomains:   parseListEnv("INTAKE_TRUSTED_DOMAINS"),
	}, nil
}

// LogConfig 描述日志输出。
type LogConfig struct {
	Level  string
	Pretty bool
}

func loadLogConfig() (LogConfig, error) {
	pretty, err := parseBoolEnv("LOG_PRETTY", false)
	if err != nil {
		return LogConfig{}, err
	}
	return LogConfig{
		Level:  getEnvOrDefault("LOG_LEVEL", "info"),
		Pretty: pretty,
	}, nil
}

// MetricsConfig 控制 /metrics 暴露。
type MetricsConfig struct {
	Enabled bool
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseListEnv(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func toFloat32(v *float64) *float32 {
	if v == nil {
		return nil
	}
	val := float32(*v)
	return &val
}
