package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mcdev12/livecue/go/internal/config"
	"github.com/mcdev12/livecue/go/internal/show/engine"
	"github.com/mcdev12/livecue/go/internal/show/transport"
)

func init() {
	rootCmd.AddCommand(agentCmd)
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Connect to show control and serve the presentation API",
	Args:  cobra.NoArgs,
	RunE:  runAgent,
}

// showChannel is the transport the agent runs
type showChannel interface {
	engine.Transport
	Run(ctx context.Context) error
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	services, err := setupServices(ctx, cfg)
	if err != nil {
		return err
	}
	defer services.Close()

	eng := engine.New(cfg.EngineConfig(), services.Clock, services.Submitter)
	channel := setupTransport(cfg, eng, services)
	eng.SetTransport(channel)
	server := setupServer(cfg, eng, services)

	log.Info().
		Str("event_id", cfg.Event.EventID).
		Str("transport", cfg.Transport.Kind).
		Str("http_addr", cfg.HTTP.Addr).
		Msg("starting livecue agent")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(gctx) })
	g.Go(func() error { return channel.Run(gctx) })
	g.Go(func() error { return serve(gctx, server) })

	err = g.Wait()
	services.Submitter.Wait()
	if err != nil && ctx.Err() == nil {
		return err
	}
	log.Info().Msg("livecue agent shutdown complete")
	return nil
}

func setupTransport(cfg *config.Config, eng *engine.Engine, services *Services) showChannel {
	if cfg.Transport.Kind == config.TransportNATS {
		return transport.NewNATSChannel(cfg.NATSConfig(), eng, services.Clock)
	}
	return transport.NewWebSocketClient(cfg.WebSocketConfig(), eng, services.Clock)
}
