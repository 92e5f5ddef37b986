package chat

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/z-clinic/backend/internal/model/chat"
	"github.com/zhouzirui/z-clinic/backend/internal/model/locale"
	chatService "github.com/zhouzirui/z-clinic/backend/internal/service/chat"
	"github.com/zhouzirui/z-clinic/backend/internal/service/turn"
	"github.com/zhouzirui/z-clinic/backend/pkg/utils"
)

// Handler 会话管理的HTTP处理器
type Handler struct {
	orch *turn.Orchestrator
}

// New 创建会话处理器
func New(orch *turn.Orchestrator) *Handler {
	return &Handler{orch: orch}
}

// sessionResponse 会话快照，附带本次操作产生的欢迎语
type sessionResponse struct {
	Session chat.Session  `json:"session"`
	Welcome *chat.Message `json:"welcome,omitempty"`
}

// RegisterRoutes 注册会话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/session", h.handleCreateSession)
	r.Route("/session/{sessionID}", func(r chi.Router) {
		r.Get("/", h.handleGetSession)
		r.Post("/reset", h.handleReset)
		r.Put("/input", h.handleSetInput)
		r.Post("/voice", h.handleVoice)
		r.Put("/language", h.handleSetLanguage)
	})
}

// handleCreateSession 创建会话并返回欢迎语
func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Language string `json:"language"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	session, welcome, err := h.orch.Open(r.Context(), locale.Language(payload.Language))
	if err != nil {
		respondServiceError(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusCreated, sessionResponse{Session: session.Snapshot(), Welcome: &welcome})
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	snap, err := h.orch.Sessions().Snapshot(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, sessionResponse{Session: snap})
}

// handleReset 清空会话并重新问候
func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	welcome, err := h.orch.Reset(r.Context(), sessionID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	h.respondSnapshot(w, r, sessionID, &welcome)
}

func (h *Handler) handleSetInput(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Text string `json:"text"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sessionID := chi.URLParam(r, "sessionID")
	if err := h.orch.Sessions().SetInput(r.Context(), sessionID, payload.Text); err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{"input": payload.Text})
}

// handleVoice 把语音转写追加到输入框，不触发对话轮次
func (h *Handler) handleVoice(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Transcript string `json:"transcript"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	input, err := h.orch.Sessions().AppendVoice(r.Context(), chi.URLParam(r, "sessionID"), payload.Transcript)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{"input": input})
}

func (h *Handler) handleSetLanguage(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Language string `json:"language"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	lang, ok := locale.Parse(payload.Language)
	if !ok {
		utils.RespondError(w, http.StatusBadRequest, chatService.ErrUnsupportedLanguage.Error())
		return
	}

	sessionID := chi.URLParam(r, "sessionID")
	if err := h.orch.Sessions().SetLanguage(r.Context(), sessionID, lang); err != nil {
		respondServiceError(w, err)
		return
	}
	h.respondSnapshot(w, r, sessionID, nil)
}

func (h *Handler) respondSnapshot(w http.ResponseWriter, r *http.Request, sessionID string, welcome *chat.Message) {
	snap, err := h.orch.Sessions().Snapshot(r.Context(), sessionID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, sessionResponse{Session: snap, Welcome: welcome})
}

// respondServiceError 把会话服务错误映射为HTTP状态码
func respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chatService.ErrSessionNotFound):
		utils.RespondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, chatService.ErrUnsupportedLanguage):
		utils.RespondError(w, http.StatusBadRequest, err.Error())
	default:
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
	}
}
