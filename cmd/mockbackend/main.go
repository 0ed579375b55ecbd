package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relyce/chatstream/internal/config"
	"github.com/relyce/chatstream/internal/history"
	"github.com/relyce/chatstream/internal/mockbackend"
	"github.com/relyce/chatstream/pkg/logger"
)

func main() {
	logger.Init(os.Stderr)
	l := logger.With(logger.APP)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := mockbackend.Options{Responder: mockbackend.Echo{Delay: 40 * time.Millisecond}}
	// Like a real backend, replies are stored where clients read history.
	if config.GetHistoryBackend() == config.HistoryBackendRedis {
		src := history.New(ctx)
		defer src.Close()
		opts.History = src
	}

	srv := &http.Server{
		Addr:              config.GetMockBackendAddr(),
		Handler:           setupRouter(opts),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	l.Info().Str("addr", srv.Addr).Msg("Server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		l.Fatal().Err(err).Msg("ListenAndServe error")
	}
	l.Info().Msg("Server stopped")
}

func setupRouter(opts mockbackend.Options) http.Handler {
	return mockbackend.New(opts)
}
