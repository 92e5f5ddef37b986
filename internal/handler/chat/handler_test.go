package chat

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/z-clinic/backend/internal/model/chat"
	"github.com/zhouzirui/z-clinic/backend/internal/model/locale"
	chatservice "github.com/zhouzirui/z-clinic/backend/internal/service/chat"
	"github.com/zhouzirui/z-clinic/backend/internal/service/turn"
)

func setupRouter() *chi.Mux {
	orch := turn.New(turn.Deps{
		Sessions: chatservice.NewService(chatservice.Config{MessageCap: 5}),
		Logger:   zerolog.Nop(),
	})
	r := chi.NewRouter()
	New(orch).RegisterRoutes(r)
	return r
}

func do(t *testing.T, r http.Handler, method, path string, body any) (*httptest.ResponseRecorder, sessionResponse) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	var out sessionResponse
	if resp.Code < 300 {
		_ = json.Unmarshal(resp.Body.Bytes(), &out)
	}
	return resp, out
}

func createSession(t *testing.T, r http.Handler, lang string) sessionResponse {
	t.Helper()
	resp, out := do(t, r, http.MethodPost, "/session", map[string]string{"language": lang})
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.Code, resp.Body.String())
	}
	return out
}

func TestCreateSessionGreets(t *testing.T) {
	r := setupRouter()
	out := createSession(t, r, "ar-SA")

	if out.Session.Language != locale.Arabic {
		t.Fatalf("language = %q", out.Session.Language)
	}
	if out.Welcome == nil || out.Welcome.Sender != chat.SenderBot || out.Welcome.Text == "" {
		t.Fatalf("missing welcome: %+v", out.Welcome)
	}
	if len(out.Session.Messages) != 1 || out.Session.MessageCount != 0 || out.Session.MessageCap != 5 {
		t.Fatalf("unexpected snapshot: %+v", out.Session)
	}
}

func TestCreateSessionInvalidLanguage(t *testing.T) {
	r := setupRouter()
	if resp, _ := do(t, r, http.MethodPost, "/session", map[string]string{"language": "fr"}); resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestCreateSessionEmptyBodyUsesDefault(t *testing.T) {
	r := setupRouter()
	req := httptest.NewRequest(http.MethodPost, "/session", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.Code)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	r := setupRouter()
	if resp, _ := do(t, r, http.MethodGet, "/session/missing", nil); resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func TestVoiceAppendsToInput(t *testing.T) {
	r := setupRouter()
	id := createSession(t, r, "en").Session.ID

	if resp, _ := do(t, r, http.MethodPut, "/session/"+id+"/input", map[string]string{"text": "I have"}); resp.Code != http.StatusOK {
		t.Fatalf("set input: %d", resp.Code)
	}
	resp, _ := do(t, r, http.MethodPost, "/session/"+id+"/voice", map[string]string{"transcript": " a cough "})
	if resp.Code != http.StatusOK {
		t.Fatalf("voice: %d", resp.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil || body["input"] != "I have a cough" {
		t.Fatalf("input = %v (%v)", body, err)
	}

	_, got := do(t, r, http.MethodGet, "/session/"+id, nil)
	if got.Session.Input != "I have a cough" || got.Session.MessageCount != 0 {
		t.Fatalf("voice changed turn state: %+v", got.Session)
	}
}

func TestResetGreetsAgain(t *testing.T) {
	r := setupRouter()
	created := createSession(t, r, "en")

	resp, out := do(t, r, http.MethodPost, "/session/"+created.Session.ID+"/reset", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("reset: %d", resp.Code)
	}
	if out.Welcome == nil || out.Welcome.ID == created.Welcome.ID {
		t.Fatalf("expected a fresh welcome, got %+v", out.Welcome)
	}
	if len(out.Session.Messages) != 1 || out.Session.Messages[0].ID != out.Welcome.ID {
		t.Fatalf("reset left messages behind: %+v", out.Session.Messages)
	}
}

func TestSetLanguage(t *testing.T) {
	r := setupRouter()
	id := createSession(t, r, "en").Session.ID

	resp, out := do(t, r, http.MethodPut, "/session/"+id+"/language", map[string]string{"language": "ar"})
	if resp.Code != http.StatusOK || out.Session.Language != locale.Arabic {
		t.Fatalf("set language: %d %+v", resp.Code, out.Session)
	}
	if resp, _ := do(t, r, http.MethodPut, "/session/"+id+"/language", map[string]string{"language": "de"}); resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
	if resp, _ := do(t, r, http.MethodPut, "/session/missing/language", map[string]string{"language": "en"}); resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}
