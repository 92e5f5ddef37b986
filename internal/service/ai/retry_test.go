package ai

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

var errProviderBusy = errors.New("provider busy")

// flakyModel fails the first failures calls with err.
type flakyModel struct {
	failures int
	err      error
	calls    int
}

func (m *flakyModel) Generate(context.Context, []*schema.Message, ...model.Option) (*schema.Message, error) {
	m.calls++
	if m.calls <= m.failures {
		return nil, m.err
	}
	return schema.AssistantMessage("ok", nil), nil
}

func (m *flakyModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := m.Generate(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
}

func TestWithRateLimitRetryUsesClassifier(t *testing.T) {
	inner := &flakyModel{failures: 2, err: errProviderBusy}
	var waits []time.Duration
	m := WithRateLimitRetry(inner, RetryPolicy{
		Retries:     3,
		Backoff:     time.Millisecond,
		RateLimited: func(err error) bool { return errors.Is(err, errProviderBusy) },
		OnRetry:     func(_ int, wait time.Duration) { waits = append(waits, wait) },
	})

	sr, err := m.Stream(context.Background(), []*schema.Message{schema.UserMessage("hi")})
	if err != nil {
		t.Fatalf("Stream err: %v", err)
	}
	defer sr.Close()
	msg, err := sr.Recv()
	if err != nil || msg.Content != "ok" {
		t.Fatalf("Recv = %v, %v", msg, err)
	}
	if inner.calls != 3 {
		t.Fatalf("calls = %d, want 3", inner.calls)
	}
	if len(waits) != 2 || waits[0] != time.Millisecond || waits[1] != 2*time.Millisecond {
		t.Fatalf("waits = %v", waits)
	}
}

func TestWithRateLimitRetryStopsOnOtherErrors(t *testing.T) {
	inner := &flakyModel{failures: 5, err: &HTTPError{StatusCode: 500}}
	m := WithRateLimitRetry(inner, RetryPolicy{Retries: 3, Backoff: time.Millisecond})

	if _, err := m.Generate(context.Background(), nil); err == nil {
		t.Fatal("expected error")
	}
	if inner.calls != 1 {
		t.Fatalf("non rate-limit error retried: %d calls", inner.calls)
	}

	limited := &flakyModel{failures: 5, err: &HTTPError{StatusCode: 429}}
	m = WithRateLimitRetry(limited, RetryPolicy{Retries: 2, Backoff: time.Millisecond})
	if _, err := m.Generate(context.Background(), nil); !IsRateLimited(err) {
		t.Fatalf("expected 429 after retries, got %v", err)
	}
	if limited.calls != 3 {
		t.Fatalf("calls = %d, want 3", limited.calls)
	}
}
