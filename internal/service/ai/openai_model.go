package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/z-clinic/backend/internal/stream"
)

const chatCompletionsPath = "/chat/completions"

// OpenAIConfig configures the OpenAI-compatible chat model.
type OpenAIConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature *float32
	MaxTokens   *int

	// RateLimitRetries is the number of extra attempts after an HTTP 429.
	RateLimitRetries int
	// RateLimitBackoff is the first wait; every retry doubles it.
	RateLimitBackoff time.Duration

	HTTPClient *http.Client
	// OnRetry observes every 429 retry before its wait.
	OnRetry func(attempt int, wait time.Duration)
}

// OpenAIModel implements eino's BaseChatModel over the chat completions
// endpoint. Streams are decoded by the internal stream package.
type OpenAIModel struct {
	baseURL     string
	apiKey      string
	model       string
	temperature *float32
	maxTokens   *int
	retry       RetryPolicy
	httpClient  *http.Client
}

var _ model.BaseChatModel = (*OpenAIModel)(nil)

// NewOpenAIModel validates cfg and builds the client.
func NewOpenAIModel(cfg OpenAIConfig) (*OpenAIModel, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("openai: base url required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("openai: model required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		}}
	}

	return &OpenAIModel{
		baseURL:     baseURL,
		apiKey:      strings.TrimSpace(cfg.APIKey),
		model:       strings.TrimSpace(cfg.Model),
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		retry: RetryPolicy{
			Retries: cfg.RateLimitRetries,
			Backoff: cfg.RateLimitBackoff,
			OnRetry: cfg.OnRetry,
		}.normalized(),
		httpClient: httpClient,
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float32      `json:"temperature,omitempty"`
	Stream      bool          `json:"stream"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Generate performs one non-streaming completion.
func (m *OpenAIModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	resp, err := m.post(ctx, m.buildRequest(input, opts, false), "application/json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
		return nil, ErrEmptyCompletion
	}
	return schema.AssistantMessage(out.Choices[0].Message.Content, nil), nil
}

// Stream opens a streaming completion. Each content delta becomes one
// assistant message chunk. Closing the returned reader releases the body.
func (m *OpenAIModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	resp, err := m.post(ctx, m.buildRequest(input, opts, true), "text/event-stream")
	if err != nil {
		return nil, err
	}

	sr, sw := schema.Pipe[*schema.Message](8)
	go func() {
		defer sw.Close()
		for tok, err := range stream.Decode(ctx, resp.Body) {
			if err != nil {
				sw.Send(nil, err)
				return
			}
			if closed := sw.Send(schema.AssistantMessage(tok, nil), nil); closed {
				return
			}
		}
	}()
	return sr, nil
}

func (m *OpenAIModel) buildRequest(input []*schema.Message, opts []model.Option, streaming bool) chatCompletionRequest {
	name := m.model
	options := model.GetCommonOptions(&model.Options{
		Temperature: m.temperature,
		MaxTokens:   m.maxTokens,
		Model:       &name,
	}, opts...)

	req := chatCompletionRequest{
		Model:       m.model,
		Temperature: options.Temperature,
		Stream:      streaming,
		MaxTokens:   options.MaxTokens,
		Stop:        options.Stop,
	}
	if options.Model != nil && *options.Model != "" {
		req.Model = *options.Model
	}
	for _, msg := range input {
		if msg == nil {
			continue
		}
		req.Messages = append(req.Messages, chatMessage{Role: string(msg.Role), Content: msg.Content})
	}
	return req
}

// post sends the request, retrying HTTP 429 with doubling backoff. Any other
// non-2xx status fails immediately.
func (m *OpenAIModel) post(ctx context.Context, body chatCompletionRequest, accept string) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	var resp *http.Response
	err = m.retry.do(ctx, func() error {
		r, err := m.send(ctx, payload, accept)
		resp = r
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (m *OpenAIModel) send(ctx context.Context, payload []byte, accept string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+chatCompletionsPath, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", accept)
	if m.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+m.apiKey)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	resp.Body.Close()
	return nil, &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
}
