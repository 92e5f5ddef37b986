package locale

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/z-clinic/backend/internal/model/locale"
	"github.com/zhouzirui/z-clinic/backend/pkg/utils"
)

// Handler 语言包的HTTP处理器
type Handler struct {
	texts locale.Store
}

// New 创建语言包处理器
func New(texts locale.Store) *Handler {
	return &Handler{texts: texts}
}

// RegisterRoutes 注册语言相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/languages", h.handleListLanguages)
	r.Get("/languages/{lang}/messages", h.handleMessages)
}

// handleListLanguages 列出支持的界面语言
func (h *Handler) handleListLanguages(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.texts.List())
}

// handleMessages 返回某语言的固定文案，供前端渲染表单和提示
func (h *Handler) handleMessages(w http.ResponseWriter, r *http.Request) {
	lang, ok := locale.Parse(chi.URLParam(r, "lang"))
	if !ok {
		utils.RespondError(w, http.StatusNotFound, "unsupported language")
		return
	}
	pack, ok := h.texts.Find(lang)
	if !ok {
		utils.RespondError(w, http.StatusNotFound, "unsupported language")
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"language":  pack.Language,
		"direction": pack.Direction,
		"messages":  pack.Messages,
	})
}
