package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/livecue/go/internal/config"
	"github.com/mcdev12/livecue/go/internal/show/agent"
	"github.com/mcdev12/livecue/go/internal/show/engine"
)

func setupServer(cfg *config.Config, eng *engine.Engine, services *Services) *http.Server {
	handler := agent.NewHandler(eng, services.Submitter, services.Client)
	health := agent.NewHealthChecker(eng, services.Submitter, services.StorePing)
	server := agent.NewServer(cfg.HTTP, handler, health)
	server.ReadHeaderTimeout = 10 * time.Second
	server.IdleTimeout = 120 * time.Second
	return server
}

// serve runs the HTTP server until ctx is cancelled, then shuts it down
func serve(ctx context.Context, server *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
		return err
	}
	return nil
}
