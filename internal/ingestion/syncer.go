package ingestion

import (
	"context"
	"errors"
	"time"

	"safe-replies/internal/models"
	"safe-replies/internal/repository"
	"safe-replies/internal/token"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Syncer periodically deep-syncs every connected account.
type Syncer struct {
	service     *Service
	accounts    repository.AccountRepository
	interval    time.Duration
	concurrency int
	logger      *zap.Logger
}

// NewSyncer creates a syncer.
func NewSyncer(service *Service, accounts repository.AccountRepository, interval time.Duration, concurrency int, logger *zap.Logger) *Syncer {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Syncer{
		service:     service,
		accounts:    accounts,
		interval:    interval,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Run syncs all accounts on start and then on every tick until ctx is done.
func (s *Syncer) Run(ctx context.Context) {
	s.logger.Info("Account syncer started", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.SyncAll(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Account syncer stopped")
			return
		case <-ticker.C:
			s.SyncAll(ctx)
		}
	}
}

// SyncAll syncs every account with bounded concurrency. A failing account
// does not affect the others.
func (s *Syncer) SyncAll(ctx context.Context) {
	accounts, err := s.accounts.ListAccounts(ctx)
	if err != nil {
		s.logger.Error("Failed to list accounts for sync", zap.Error(err))
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, account := range accounts {
		g.Go(func() error {
			if _, err := s.SyncAccount(gctx, account); err != nil {
				s.logger.Warn("Account sync failed", zap.Int64("account_id", account.ID), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// SyncAccount refreshes the account's posts, makes sure webhooks are
// subscribed and backfills comments.
func (s *Syncer) SyncAccount(ctx context.Context, account *models.Account) (*BackfillStats, error) {
	logger := s.logger.With(zap.Int64("account_id", account.ID))

	n, err := s.service.RefreshPosts(ctx, account)
	switch {
	case errors.Is(err, token.ErrNoAccessToken):
		return nil, err
	case err != nil:
		logger.Warn("Failed to refresh posts", zap.Error(err))
	default:
		logger.Debug("Posts refreshed", zap.Int("count", n))
	}
	if err := s.service.EnsureSubscribed(ctx, account); err != nil {
		logger.Warn("Failed to subscribe webhooks", zap.Error(err))
	}
	return s.service.Backfill(ctx, account)
}
