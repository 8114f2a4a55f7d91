// Package suspicious aggregates per-account abuse signal for commenters and
// runs the manual "under attack" emergency flow.
package suspicious

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"safe-replies/internal/alerts"
	"safe-replies/internal/enforcement"
	"safe-replies/internal/models"
	"safe-replies/internal/repository"

	"go.uber.org/zap"
)

var (
	// ErrSelfComment means the commenter is the account owner.
	ErrSelfComment = errors.New("commenter is the account owner")
	// ErrNotFound means no suspicious record matches the commenter.
	ErrNotFound = errors.New("suspicious account not found")
	// ErrEmptyIdentity means neither commenter id nor username was given.
	ErrEmptyIdentity = errors.New("commenter id or username required")
)

// Config controls repeat-offender escalation.
type Config struct {
	AutoBlockAfter int
	AutoBlockRisk  float64
}

// Deleter deletes comments on behalf of a principal.
type Deleter interface {
	Delete(ctx context.Context, p models.Principal, commentID int64) enforcement.Result
}

// AttackReport summarises an under-attack run.
type AttackReport struct {
	CommentsDeleted int `json:"comments_deleted"`
	PostsAffected   int `json:"posts_affected"`
	Failed          int `json:"failed"`
}

// Aggregator maintains SuspiciousAccount rows.
type Aggregator struct {
	repo     repository.SuspiciousRepository
	comments repository.CommentRepository
	accounts repository.AccountRepository
	deleter  Deleter
	notifier alerts.Notifier
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

// NewAggregator creates an aggregator.
func NewAggregator(
	repo repository.SuspiciousRepository,
	comments repository.CommentRepository,
	accounts repository.AccountRepository,
	deleter Deleter,
	notifier alerts.Notifier,
	cfg Config,
	logger *zap.Logger,
) *Aggregator {
	return &Aggregator{
		repo:     repo,
		comments: comments,
		accounts: accounts,
		deleter:  deleter,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Record folds one moderation log into the commenter's record. Benign logs
// only update an existing record. Self-comments are never recorded.
func (a *Aggregator) Record(ctx context.Context, comment *models.Comment, account *models.Account, log *models.ModerationLog) (*models.SuspiciousAccount, error) {
	username := models.NormalizeUsername(comment.CommenterUsername)
	if account.IsSelf(username) {
		return nil, nil
	}
	if comment.CommenterID == "" && username == "" {
		return nil, nil
	}

	now := a.now()
	escalated := false
	s, err := a.repo.UpsertSuspicious(ctx, account.ID, comment.CommenterID, username, func(s *models.SuspiciousAccount) *models.SuspiciousAccount {
		if s == nil {
			if log.Category == models.CategoryBenign {
				return nil
			}
			s = &models.SuspiciousAccount{AccountID: account.ID, FirstSeenAt: now}
		}
		fillIdentity(s, comment.CommenterID, username)

		s.Increment(log.Category)
		s.TotalComments++
		s.AverageRisk += (float64(log.RiskScore) - s.AverageRisk) / float64(s.TotalComments)
		if log.RiskScore > s.HighestRisk {
			s.HighestRisk = log.RiskScore
		}
		s.LastSeenAt = now
		s.Velocity = velocity(s.TotalViolations, s.FirstSeenAt, now)

		if a.shouldEscalate(s) {
			s.AutoDeleteEnabled = true
			escalated = true
		}
		return s
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record suspicious account: %w", err)
	}
	if escalated {
		a.logger.Info("Commenter escalated to auto-delete",
			zap.Int64("account_id", account.ID),
			zap.Int64("suspicious_id", s.ID),
			zap.Int("violations", s.TotalViolations),
			zap.Float64("average_risk", s.AverageRisk))
	}
	return s, nil
}

func (a *Aggregator) shouldEscalate(s *models.SuspiciousAccount) bool {
	if s.AutoDeleteEnabled || a.cfg.AutoBlockAfter <= 0 {
		return false
	}
	return s.TotalViolations >= a.cfg.AutoBlockAfter && s.AverageRisk >= a.cfg.AutoBlockRisk
}

// velocity is violations per hour since first seen, with a one hour floor.
func velocity(violations int, first, now time.Time) float64 {
	hours := math.Max(now.Sub(first).Hours(), 1)
	return float64(violations) / hours
}

func fillIdentity(s *models.SuspiciousAccount, commenterID, username string) {
	if commenterID != "" && s.CommenterID == nil {
		s.CommenterID = &commenterID
	}
	if username != "" && s.CommenterUsername == nil {
		s.CommenterUsername = &username
	}
}

// UnderAttack blocks a commenter on the account and deletes every comment
// of theirs that is still live, continuing past individual failures.
func (a *Aggregator) UnderAttack(ctx context.Context, p models.Principal, accountID int64, username string) (*AttackReport, error) {
	account, err := enforcement.OwnedAccount(ctx, a.accounts, p, accountID)
	if err != nil {
		return nil, err
	}
	username = models.NormalizeUsername(username)
	if username == "" {
		return nil, ErrEmptyIdentity
	}
	if account.IsSelf(username) {
		return nil, ErrSelfComment
	}

	now := a.now()
	_, err = a.repo.UpsertSuspicious(ctx, accountID, "", username, func(s *models.SuspiciousAccount) *models.SuspiciousAccount {
		if s == nil {
			s = &models.SuspiciousAccount{AccountID: accountID, FirstSeenAt: now, LastSeenAt: now}
		}
		fillIdentity(s, "", username)
		s.IsBlocked = true
		s.AutoDeleteEnabled = true
		s.BlockedAt = &now
		return s
	})
	if err != nil {
		return nil, fmt.Errorf("failed to save suspicious account: %w", err)
	}

	comments, err := a.comments.ListActiveByCommenter(ctx, accountID, username)
	if err != nil {
		return nil, fmt.Errorf("failed to list comments: %w", err)
	}

	report := &AttackReport{}
	posts := make(map[int64]struct{})
	for _, c := range comments {
		res := a.deleter.Delete(ctx, p, c.ID)
		if !res.Success {
			report.Failed++
			a.logger.Warn("Failed to delete comment during under-attack run",
				zap.Int64("comment_id", c.ID), zap.Error(res.Err))
			continue
		}
		report.CommentsDeleted++
		posts[c.PostID] = struct{}{}
	}
	report.PostsAffected = len(posts)

	a.logger.Info("Under-attack run finished",
		zap.Int64("account_id", accountID),
		zap.String("commenter", username),
		zap.Int("deleted", report.CommentsDeleted),
		zap.Int("posts", report.PostsAffected),
		zap.Int("failed", report.Failed))

	if a.notifier != nil {
		text := fmt.Sprintf("@%s is under attack by @%s: %d comments deleted on %d posts, %d failed.",
			account.Username, username, report.CommentsDeleted, report.PostsAffected, report.Failed)
		if err := a.notifier.Notify(ctx, alerts.Alert{Kind: alerts.KindUnderAttack, AccountID: accountID, Text: text}); err != nil {
			a.logger.Warn("Failed to send under-attack alert", zap.Error(err))
		}
	}
	return report, nil
}

// Lookup returns the record for a commenter on an account, or nil.
func (a *Aggregator) Lookup(ctx context.Context, p models.Principal, accountID int64, commenterID, username string) (*models.SuspiciousAccount, error) {
	if _, err := enforcement.OwnedAccount(ctx, a.accounts, p, accountID); err != nil {
		return nil, err
	}
	username = models.NormalizeUsername(username)
	if commenterID == "" && username == "" {
		return nil, ErrEmptyIdentity
	}
	return a.repo.FindByCommenter(ctx, accountID, commenterID, username)
}

// IsAutoDelete reports whether the commenter is marked for automatic
// deletion on the account.
func (a *Aggregator) IsAutoDelete(ctx context.Context, accountID int64, commenterID, username string) (bool, error) {
	username = models.NormalizeUsername(username)
	if commenterID == "" && username == "" {
		return false, nil
	}
	s, err := a.repo.FindByCommenter(ctx, accountID, commenterID, username)
	if err != nil {
		return false, err
	}
	return s != nil && s.AutoDeleteEnabled, nil
}

// Watchlist sets the watchlist flag, creating the record if needed.
func (a *Aggregator) Watchlist(ctx context.Context, p models.Principal, accountID int64, username string, on bool) (*models.SuspiciousAccount, error) {
	return a.update(ctx, p, accountID, username, on, func(s *models.SuspiciousAccount) {
		s.IsWatchlisted = on
	})
}

// Unblock clears the block and auto-delete flags.
func (a *Aggregator) Unblock(ctx context.Context, p models.Principal, accountID int64, username string) (*models.SuspiciousAccount, error) {
	return a.update(ctx, p, accountID, username, false, func(s *models.SuspiciousAccount) {
		s.IsBlocked = false
		s.AutoDeleteEnabled = false
		s.BlockedAt = nil
	})
}

// SetHidden hides the record from dashboard views. It does not touch the
// commenter's comments.
func (a *Aggregator) SetHidden(ctx context.Context, p models.Principal, accountID int64, username string, hidden bool) (*models.SuspiciousAccount, error) {
	return a.update(ctx, p, accountID, username, false, func(s *models.SuspiciousAccount) {
		s.IsHidden = hidden
	})
}

func (a *Aggregator) update(ctx context.Context, p models.Principal, accountID int64, username string, create bool, fn func(*models.SuspiciousAccount)) (*models.SuspiciousAccount, error) {
	account, err := enforcement.OwnedAccount(ctx, a.accounts, p, accountID)
	if err != nil {
		return nil, err
	}
	username = models.NormalizeUsername(username)
	if username == "" {
		return nil, ErrEmptyIdentity
	}
	if account.IsSelf(username) {
		return nil, ErrSelfComment
	}
	now := a.now()
	missing := false
	s, err := a.repo.UpsertSuspicious(ctx, accountID, "", username, func(s *models.SuspiciousAccount) *models.SuspiciousAccount {
		if s == nil {
			if !create {
				missing = true
				return nil
			}
			s = &models.SuspiciousAccount{AccountID: accountID, CommenterUsername: &username, FirstSeenAt: now, LastSeenAt: now}
		}
		fn(s)
		return s
	})
	if err != nil {
		return nil, fmt.Errorf("failed to save suspicious account: %w", err)
	}
	if missing {
		return nil, ErrNotFound
	}
	return s, nil
}
