package app

import (
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-recon/internal/erp"
	"github.com/odyssey-erp/odyssey-recon/internal/estimates"
	"github.com/odyssey-erp/odyssey-recon/internal/nfe"
	"github.com/odyssey-erp/odyssey-recon/internal/procurement"
	"github.com/odyssey-erp/odyssey-recon/internal/reconcile"
	"github.com/odyssey-erp/odyssey-recon/internal/shared"
)

// MatchDefaults returns the persistor options configured for scheduled runs.
func (c *Config) MatchDefaults() estimates.Options {
	opts := estimates.DefaultOptions()
	if c == nil {
		return opts
	}
	if c.MatchDays > 0 {
		opts.Days = c.MatchDays
	}
	if c.MatchMinScore > 0 {
		opts.MinScore = c.MatchMinScore
	}
	return opts
}

// NewPersistor wires the estimate persistor over PostgreSQL. redisClient may
// be nil, in which case runs are not serialized.
func NewPersistor(cfg *Config, pool *pgxpool.Pool, redisClient *redis.Client, logger *slog.Logger) *estimates.Persistor {
	orders := procurement.NewRepository(pool)
	selector := reconcile.NewSelector(orders, nfe.NewRepository(pool), cfg.MatchCandidateLimit, logger)
	matcher := reconcile.NewMatcher(selector, logger)

	var locker estimates.Locker
	if redisClient != nil {
		locker = shared.NewLocker(redisClient)
	}
	return estimates.NewPersistor(orders, estimates.NewRepository(pool), matcher, locker, logger, estimates.Config{
		FlushEvery: cfg.MatchFlushEvery,
		LockTTL:    cfg.EstimatesLockTTL,
	})
}

// NewSynchronizer wires the fiscal API client and the invoice store.
func NewSynchronizer(cfg *Config, pool *pgxpool.Pool, redisClient *redis.Client, logger *slog.Logger) (*nfe.Synchronizer, error) {
	if err := cfg.RequireFiscalAPI(); err != nil {
		return nil, err
	}
	client, err := nfe.NewClient(nfe.ClientConfig{
		BaseURL: cfg.NFEAPIURL,
		APIKey:  cfg.NFEAPIKey,
		Timeout: cfg.NFEAPITimeout,
	})
	if err != nil {
		return nil, err
	}
	syncer := nfe.NewSynchronizer(client, nfe.NewRepository(pool), logger)
	if redisClient != nil {
		syncer = syncer.WithLocker(shared.NewLocker(redisClient), 0)
	}
	return syncer, nil
}

// NewIngester wires the ERP export loader.
func NewIngester(pool *pgxpool.Pool, logger *slog.Logger) *erp.Service {
	return erp.NewService(erp.NewPgUnitOfWork(pool), logger)
}
