package ai

import (
	"context"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

const defaultRateLimitBackoff = 800 * time.Millisecond

// RetryPolicy retries rate-limited requests with doubling backoff.
type RetryPolicy struct {
	// Retries is the number of extra attempts after a rate-limited one.
	Retries int
	// Backoff is the first wait; every retry doubles it.
	Backoff time.Duration
	// RateLimited classifies an error; nil means IsRateLimited.
	RateLimited func(error) bool
	// OnRetry observes every retry before its wait.
	OnRetry func(attempt int, wait time.Duration)
}

func (p RetryPolicy) normalized() RetryPolicy {
	p.Retries = max(p.Retries, 0)
	if p.Backoff <= 0 {
		p.Backoff = defaultRateLimitBackoff
	}
	if p.RateLimited == nil {
		p.RateLimited = IsRateLimited
	}
	return p
}

// do runs fn until it succeeds, fails with a non-rate-limit error or the
// retries run out.
func (p RetryPolicy) do(ctx context.Context, fn func() error) error {
	wait := p.Backoff
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !p.RateLimited(err) || attempt >= p.Retries {
			return err
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, wait)
		}
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
		wait *= 2
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// retryingModel applies a RetryPolicy to a provider that does not retry
// HTTP 429 itself. Only opening a stream is retried; a stream that already
// delivered content is never replayed.
type retryingModel struct {
	inner  model.BaseChatModel
	policy RetryPolicy
}

// WithRateLimitRetry wraps inner so rate-limited calls are retried per p.
func WithRateLimitRetry(inner model.BaseChatModel, p RetryPolicy) model.BaseChatModel {
	return &retryingModel{inner: inner, policy: p.normalized()}
}

func (m *retryingModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	var out *schema.Message
	err := m.policy.do(ctx, func() error {
		msg, err := m.inner.Generate(ctx, input, opts...)
		out = msg
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (m *retryingModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	var out *schema.StreamReader[*schema.Message]
	err := m.policy.do(ctx, func() error {
		sr, err := m.inner.Stream(ctx, input, opts...)
		out = sr
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
