package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cloudwego/eino/schema"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/z-clinic/backend/internal/analysis/policy"
	"github.com/zhouzirui/z-clinic/backend/internal/model/intake"
	"github.com/zhouzirui/z-clinic/backend/internal/model/locale"
	"github.com/zhouzirui/z-clinic/backend/internal/service/ai"
	chatservice "github.com/zhouzirui/z-clinic/backend/internal/service/chat"
	"github.com/zhouzirui/z-clinic/backend/internal/service/topic"
	"github.com/zhouzirui/z-clinic/backend/internal/service/turn"
)

type chunkResponder []string

func (c chunkResponder) reply() (*schema.StreamReader[*schema.Message], error) {
	msgs := make([]*schema.Message, 0, len(c))
	for _, chunk := range c {
		msgs = append(msgs, schema.AssistantMessage(chunk, nil))
	}
	return schema.StreamReaderFromArray(msgs), nil
}

func (c chunkResponder) RequestMoreDetail(context.Context, ai.Request) (*schema.StreamReader[*schema.Message], error) {
	return c.reply()
}

func (c chunkResponder) RequestDeepDive(context.Context, ai.Request) (*schema.StreamReader[*schema.Message], error) {
	return c.reply()
}

func (c chunkResponder) RequestFinalDiagnosis(context.Context, ai.Request) (*schema.StreamReader[*schema.Message], error) {
	return c.reply()
}

type medicalOnly struct{}

func (medicalOnly) Classify(context.Context, string, string) topic.Decision {
	return topic.Decision{Verdict: policy.VerdictMedical, Source: topic.SourceRemote}
}

func setup(t *testing.T) (*chi.Mux, *turn.Orchestrator) {
	t.Helper()
	orch := turn.New(turn.Deps{
		Sessions:   chatservice.NewService(chatservice.Config{}),
		Responder:  chunkResponder{"Where ", "does it ", "**hurt**?"},
		Classifier: medicalOnly{},
		Logger:     zerolog.Nop(),
	})
	r := chi.NewRouter()
	New(orch, zerolog.Nop()).RegisterRoutes(r)
	return r, orch
}

func openSession(t *testing.T, orch *turn.Orchestrator) string {
	t.Helper()
	session, _, err := orch.Open(context.Background(), locale.English)
	if err != nil {
		t.Fatalf("Open err: %v", err)
	}
	return session.ID()
}

type event struct {
	name string
	resp StreamResponse
}

func parseEvents(t *testing.T, body string) []event {
	t.Helper()
	var out []event
	for _, block := range strings.Split(strings.TrimSpace(body), "\n\n") {
		var ev event
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				ev.name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev.resp); err != nil {
					t.Fatalf("bad data line %q: %v", line, err)
				}
			}
		}
		out = append(out, ev)
	}
	return out
}

func post(r http.Handler, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestTurnStreamsMessagesThenResult(t *testing.T) {
	r, orch := setup(t)
	id := openSession(t, orch)

	rec := post(r, "/session/"+id+"/turn", `{"text":"I have a headache"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	events := parseEvents(t, rec.Body.String())
	if len(events) < 3 {
		t.Fatalf("expected user, bot and result events, got %d", len(events))
	}
	first := events[0].resp.Message
	if events[0].name != EventMessage || first == nil || first.Text != "I have a headache" {
		t.Fatalf("first event should echo the user message: %+v", events[0])
	}

	last := events[len(events)-1]
	if last.name != EventResult || last.resp.Result == nil || !last.resp.Finished {
		t.Fatalf("last event should be the result: %+v", last)
	}
	if res := last.resp.Result; res.Outcome != turn.OutcomeHandled || res.Stage != intake.StageSymptomConfirmation {
		t.Fatalf("unexpected result: %+v", res)
	}

	final := events[len(events)-2].resp.Message
	if final == nil || final.IsStreaming || !strings.Contains(final.Text, "<strong>hurt</strong>") {
		t.Fatalf("bot message not finalised: %+v", final)
	}
	for _, ev := range events[1 : len(events)-2] {
		if ev.resp.Message == nil || ev.resp.Message.ID != final.ID || !ev.resp.Message.IsStreaming {
			t.Fatalf("intermediate updates must target the streaming bubble: %+v", ev.resp.Message)
		}
	}
}

func TestTurnWithoutTextSubmitsInputBuffer(t *testing.T) {
	r, orch := setup(t)
	id := openSession(t, orch)
	if err := orch.Sessions().SetInput(context.Background(), id, "my stomach hurts"); err != nil {
		t.Fatalf("SetInput err: %v", err)
	}

	events := parseEvents(t, post(r, "/session/"+id+"/turn", `{}`).Body.String())
	if msg := events[0].resp.Message; msg == nil || msg.Text != "my stomach hurts" {
		t.Fatalf("input buffer not submitted: %+v", events[0])
	}
	if snap, _ := orch.Sessions().Snapshot(context.Background(), id); snap.Input != "" {
		t.Fatalf("input buffer not cleared: %q", snap.Input)
	}
}

func TestRejectedTurnOnlySendsResult(t *testing.T) {
	r, orch := setup(t)
	id := openSession(t, orch)

	events := parseEvents(t, post(r, "/session/"+id+"/turn", `{"text":"   "}`).Body.String())
	if len(events) != 1 || events[0].name != EventResult {
		t.Fatalf("expected a single result event, got %+v", events)
	}
	if res := events[0].resp.Result; res.Accepted || res.Outcome != turn.OutcomeRejectedEmpty {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestDemographicsIncomplete(t *testing.T) {
	r, orch := setup(t)
	id := openSession(t, orch)

	events := parseEvents(t, post(r, "/session/"+id+"/demographics", `{"age":"40"}`).Body.String())
	last := events[len(events)-1]
	if last.resp.Result == nil || last.resp.Result.Outcome != turn.OutcomeRejectedForm {
		t.Fatalf("unexpected result: %+v", last)
	}
}

func TestUnknownSessionIs404(t *testing.T) {
	r, _ := setup(t)
	if rec := post(r, "/session/missing/turn", `{"text":"hi"}`); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestLegacyStreamRequiresMessage(t *testing.T) {
	r, orch := setup(t)
	id := openSession(t, orch)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stream/"+id, nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stream/"+id+"?message=I+feel+dizzy", nil))
	events := parseEvents(t, rec.Body.String())
	if last := events[len(events)-1]; last.name != EventResult || last.resp.Result.Outcome != turn.OutcomeHandled {
		t.Fatalf("unexpected final event: %+v", last)
	}
}
