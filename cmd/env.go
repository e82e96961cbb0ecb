package main

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/aviswerdlow/substack-intelligence-sub001/internal/company"
	"github.com/aviswerdlow/substack-intelligence-sub001/internal/extractor"
	"github.com/aviswerdlow/substack-intelligence-sub001/internal/lock"
	"github.com/aviswerdlow/substack-intelligence-sub001/internal/pipeline"
	"github.com/aviswerdlow/substack-intelligence-sub001/internal/source"
	"github.com/aviswerdlow/substack-intelligence-sub001/internal/status"
	"github.com/aviswerdlow/substack-intelligence-sub001/internal/store"
	anthropicpkg "github.com/aviswerdlow/substack-intelligence-sub001/pkg/anthropic"
)

// syncEnv holds the initialized store, clients and coordinator shared by
// the sync/batch/status/serve commands.
type syncEnv struct {
	Store store.Store
	Redis *redis.Client
	Coord *pipeline.Coordinator
}

// Close releases resources held by the environment.
func (e *syncEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
	if e.Redis != nil {
		_ = e.Redis.Close()
	}
}

// initStore opens the configured database backend.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		return store.NewSQLite(cfg.Store.DatabaseURL)
	case "postgres", "":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unknown store driver: %s", cfg.Store.Driver)
	}
}

// initEnv wires the full pipeline. Callers should defer env.Close().
func initEnv(ctx context.Context) (*syncEnv, error) {
	if cfg.Anthropic.Key == "" {
		return nil, eris.New("anthropic key is required (SUBSTACK_ANTHROPIC_KEY)")
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "init store")
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "redis ping")
	}

	var connector source.Connector
	if cfg.Gmail.Configured() {
		connector, err = source.NewGmail(ctx, source.GmailCredentials{
			ClientID:     cfg.Gmail.ClientID,
			ClientSecret: cfg.Gmail.ClientSecret,
			RefreshToken: cfg.Gmail.RefreshToken,
		}, cfg.Gmail.Query)
		if err != nil {
			_ = st.Close()
			_ = rdb.Close()
			return nil, eris.Wrap(err, "init gmail connector")
		}
	} else {
		zap.L().Warn("gmail not configured, syncs will process backlog only")
	}

	ex := extractor.NewClaude(
		anthropicpkg.NewClient(cfg.Anthropic.Key),
		cfg.Anthropic.Model,
		cfg.Anthropic.MaxTokens,
		cfg.Anthropic.RPS,
	)

	emitter := pipeline.NewRedisEmitter(rdb)
	runner := pipeline.NewRunner(st, ex, company.NewResolver(st), emitter, cfg.Sync)
	coord := pipeline.NewCoordinator(
		st,
		connector,
		lock.NewStore(rdb, cfg.Sync.LockTTL()),
		status.NewTracker(rdb),
		runner,
		emitter,
		cfg.Sync,
	)

	return &syncEnv{Store: st, Redis: rdb, Coord: coord}, nil
}
