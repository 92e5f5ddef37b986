package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/z-clinic/backend/internal/metrics"
	"github.com/zhouzirui/z-clinic/backend/internal/model/locale"
	chatservice "github.com/zhouzirui/z-clinic/backend/internal/service/chat"
	"github.com/zhouzirui/z-clinic/backend/internal/service/turn"
)

func newTestRouter(m *metrics.Metrics) http.Handler {
	texts := locale.NewMemoryStore(locale.Seed())
	orch := turn.New(turn.Deps{
		Sessions: chatservice.NewService(chatservice.Config{}),
		Texts:    texts,
		Metrics:  m,
		Logger:   zerolog.Nop(),
	})
	return NewRouter(orch, texts, Options{Metrics: m, Logger: zerolog.Nop()})
}

func TestHealthz(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestRouter(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body["status"] != "ok" {
		t.Fatalf("unexpected body %s (%v)", rec.Body.String(), err)
	}
}

func TestMetricsRouteOnlyWhenEnabled(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestRouter(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without metrics, got %d", rec.Code)
	}

	r := newTestRouter(metrics.New(prometheus.NewRegistry()))
	create := httptest.NewRecorder()
	r.ServeHTTP(create, httptest.NewRequest(http.MethodPost, "/api/session", strings.NewReader(`{"language":"en"}`)))
	if create.Code != http.StatusCreated {
		t.Fatalf("create session: %d", create.Code)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "sessions_created_total") {
		t.Fatalf("metrics output missing session counter:\n%s", rec.Body.String())
	}
}

func TestAPIRoutesMounted(t *testing.T) {
	r := newTestRouter(nil)
	for _, path := range []string{"/api/languages", "/api/languages/en/messages"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rec.Code)
		}
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/session/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
