package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/z-clinic/backend/internal/handler/chat"
	localeHandler "github.com/zhouzirui/z-clinic/backend/internal/handler/locale"
	"github.com/zhouzirui/z-clinic/backend/internal/handler/stream"
	"github.com/zhouzirui/z-clinic/backend/internal/handler/ws"
	"github.com/zhouzirui/z-clinic/backend/internal/metrics"
	middlewarePkg "github.com/zhouzirui/z-clinic/backend/internal/middleware"
	"github.com/zhouzirui/z-clinic/backend/internal/model/locale"
	"github.com/zhouzirui/z-clinic/backend/internal/service/turn"
	"github.com/zhouzirui/z-clinic/backend/pkg/utils"
)

// Options 路由可选项
type Options struct {
	// AllowedOrigins 为空时使用本地开发地址
	AllowedOrigins []string
	// Metrics 为 nil 时不暴露 /metrics
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
}

// NewRouter wires HTTP routes to core services.
func NewRouter(orch *turn.Orchestrator, texts locale.Store, opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(opts.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS(opts.AllowedOrigins...))

	started := time.Now()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]any{
			"status":   "ok",
			"sessions": orch.Sessions().Count(),
			"uptime":   time.Since(started).Round(time.Second).String(),
		})
	})
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())
	}

	chatHandler := chat.New(orch)
	streamHandler := stream.New(orch, opts.Logger)
	wsHandler := ws.New(orch, opts.Logger)
	languages := localeHandler.New(texts)

	r.Route("/api", func(api chi.Router) {
		languages.RegisterRoutes(api)
		chatHandler.RegisterRoutes(api)
		streamHandler.RegisterRoutes(api)
		wsHandler.RegisterRoutes(api)
	})

	return r
}

// requestLogger 用 zerolog 记录每个请求
func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	logger := log.With().Str("component", "http").Logger()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info().
					Str("request_id", middleware.GetReqID(r.Context())).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Int("bytes", ww.BytesWritten()).
					Dur("duration", time.Since(start)).
					Msg("request")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
