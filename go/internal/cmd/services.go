package main

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/livecue/go/clients/engagement_client"
	"github.com/mcdev12/livecue/go/internal/config"
	"github.com/mcdev12/livecue/go/internal/show/agent"
	"github.com/mcdev12/livecue/go/internal/show/backlog"
	"github.com/mcdev12/livecue/go/internal/show/submission"
)

type Services struct {
	Clock     clockwork.Clock
	Store     backlog.Store
	Backlog   *backlog.Backlog
	Client    *engagement_client.EngagementClient
	Submitter *submission.Submitter
	StorePing agent.Pinger

	closers []func() error
}

// Close releases database and Redis connections
func (s *Services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			log.Warn().Err(err).Msg("failed to close resource")
		}
	}
}

func setupServices(ctx context.Context, cfg *config.Config) (*Services, error) {
	// Wire up dependency injection chain
	// Store → Backlog → Endpoint client → Submitter
	services := &Services{Clock: clockwork.NewRealClock()}

	store, err := setupStore(ctx, cfg, services)
	if err != nil {
		services.Close()
		return nil, err
	}
	services.Store = store

	queue, err := backlog.Open(ctx, store, services.Clock)
	if err != nil {
		services.Close()
		return nil, err
	}
	services.Backlog = queue

	client := engagement_client.NewEngagementClient(cfg.Endpoints.BaseURL, engagement_client.Options{
		PollPath:        cfg.Endpoints.PollPath,
		CollectiblePath: cfg.Endpoints.CollectiblePath,
		Timeout:         cfg.Endpoints.Timeout,
		Clock:           services.Clock,
	})
	client.SetCredentials(engagement_client.Credentials{
		CSRFToken:    cfg.Endpoints.CSRFToken,
		SessionToken: cfg.Endpoints.SessionToken,
	})
	services.Client = client

	services.Submitter = submission.New(client, queue, services.Clock)

	log.Info().
		Str("store", cfg.Backlog.Store).
		Int("pending", queue.Len()).
		Str("endpoint", cfg.Endpoints.BaseURL).
		Msg("services ready")
	return services, nil
}

func setupStore(ctx context.Context, cfg *config.Config, services *Services) (backlog.Store, error) {
	key := cfg.Backlog.Key
	switch cfg.Backlog.Store {
	case config.StoreFile:
		return backlog.NewFileStore(cfg.Backlog.Path, key), nil

	case config.StoreRedis:
		client, err := backlog.NewRedisClient(ctx, cfg.Backlog.Redis.Addr, cfg.Backlog.Redis.Password, cfg.Backlog.Redis.DB)
		if err != nil {
			return nil, err
		}
		services.closers = append(services.closers, client.Close)
		services.StorePing = agent.PingFunc(func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
		return backlog.NewRedisStore(client, key), nil

	case config.StorePostgres:
		store, database, err := setupPostgresStore(ctx, cfg.Backlog.Database, key)
		if err != nil {
			return nil, err
		}
		services.closers = append(services.closers, database.Close)
		services.StorePing = agent.PingFunc(database.PingContext)
		return store, nil

	case config.StoreMemory:
		return backlog.NewMemoryStore(), nil

	default:
		return nil, fmt.Errorf("unsupported backlog store %q", cfg.Backlog.Store)
	}
}
