package stream

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/z-clinic/backend/internal/model/chat"
	chatService "github.com/zhouzirui/z-clinic/backend/internal/service/chat"
	"github.com/zhouzirui/z-clinic/backend/internal/service/turn"
	"github.com/zhouzirui/z-clinic/backend/pkg/utils"
)

// SSE 事件类型
const (
	EventMessage = "message"
	EventResult  = "result"
	EventError   = "error"
)

// Handler manages turn submissions streamed back via Server-Sent Events
type Handler struct {
	orch *turn.Orchestrator
	log  zerolog.Logger
}

// New creates a new stream handler
func New(orch *turn.Orchestrator, log zerolog.Logger) *Handler {
	return &Handler{
		orch: orch,
		log:  log.With().Str("component", "sse").Logger(),
	}
}

// StreamResponse represents one SSE payload
type StreamResponse struct {
	Event     string        `json:"event"`
	SessionID string        `json:"sessionId"`
	Message   *chat.Message `json:"message,omitempty"`
	Result    *turn.Result  `json:"result,omitempty"`
	Finished  bool          `json:"finished,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// submitFunc runs one submission into sink.
type submitFunc func(ctx context.Context, sink turn.Sink) (turn.Result, error)

// RegisterRoutes 注册流式对话路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/session/{sessionID}/turn", h.handleTurn)
	r.Post("/session/{sessionID}/demographics", h.handleDemographics)
	r.Get("/stream/{sessionID}", h.handleLegacyStream)
}

// handleTurn 提交一条自由文本；text 为空时提交输入框内容
func (h *Handler) handleTurn(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Text *string `json:"text"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sessionID := chi.URLParam(r, "sessionID")
	h.serve(w, r, sessionID, func(ctx context.Context, sink turn.Sink) (turn.Result, error) {
		if payload.Text == nil {
			return h.orch.SubmitInput(ctx, sessionID, sink)
		}
		return h.orch.SubmitTurn(ctx, sessionID, *payload.Text, sink)
	})
}

// handleDemographics 提交年龄性别表单
func (h *Handler) handleDemographics(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Age    string `json:"age"`
		Gender string `json:"gender"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sessionID := chi.URLParam(r, "sessionID")
	h.serve(w, r, sessionID, func(ctx context.Context, sink turn.Sink) (turn.Result, error) {
		return h.orch.SubmitDemographics(ctx, sessionID, payload.Age, payload.Gender, sink)
	})
}

// handleLegacyStream keeps the EventSource-friendly GET form.
func (h *Handler) handleLegacyStream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	message := r.URL.Query().Get("message")
	if message == "" {
		utils.RespondError(w, http.StatusBadRequest, "message query parameter is required")
		return
	}
	h.serve(w, r, sessionID, func(ctx context.Context, sink turn.Sink) (turn.Result, error) {
		return h.orch.SubmitTurn(ctx, sessionID, message, sink)
	})
}

// serve 打开 SSE 流，逐条推送消息更新，最后推送结果事件
func (h *Handler) serve(w http.ResponseWriter, r *http.Request, sessionID string, submit submitFunc) {
	if _, err := h.orch.Sessions().GetSession(r.Context(), sessionID); err != nil {
		if errors.Is(err, chatService.ErrSessionNotFound) {
			utils.RespondError(w, http.StatusNotFound, err.Error())
			return
		}
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	sink := func(msg chat.Message) {
		h.send(w, flusher, StreamResponse{Event: EventMessage, SessionID: sessionID, Message: &msg})
	}

	res, err := submit(r.Context(), sink)
	if err != nil {
		h.log.Error().Err(err).Str("session", sessionID).Msg("turn failed")
		h.send(w, flusher, StreamResponse{Event: EventError, SessionID: sessionID, Error: err.Error(), Finished: true})
		return
	}

	h.send(w, flusher, StreamResponse{Event: EventResult, SessionID: sessionID, Result: &res, Finished: true})
	h.log.Debug().Str("session", sessionID).Str("outcome", string(res.Outcome)).Str("stage", string(res.Stage)).Msg("turn streamed")
}

func (h *Handler) send(w http.ResponseWriter, flusher http.Flusher, resp StreamResponse) {
	utils.SendSSEEvent(w, flusher, resp.Event, resp)
}
