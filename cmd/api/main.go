package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/z-clinic/backend/internal/app"
	"github.com/zhouzirui/z-clinic/backend/internal/config"
	"github.com/zhouzirui/z-clinic/backend/internal/handler"
	"github.com/zhouzirui/z-clinic/backend/internal/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	l := logger.Init(logger.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty})
	if envErr != nil {
		l.Debug().Err(envErr).Msg("no .env file, using system environment variables only")
	}

	core, err := app.Build(ctx, cfg, l)
	if err != nil {
		l.Fatal().Err(err).Msg("failed to initialize services")
	}

	router := handler.NewRouter(core.Orchestrator, core.Texts, handler.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Metrics:        core.Metrics,
		Logger:         l,
	})

	startServer(ctx, cfg.Server, router, l)
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler, l zerolog.Logger) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	l.Info().Str("addr", addr).Msg("z-clinic backend listening")
	if err := runServer(ctx, srv); err != nil {
		l.Fatal().Err(err).Msg("server error")
	}
	l.Info().Msg("server stopped")
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
