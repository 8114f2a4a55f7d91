package ingestion

import (
	"context"
	"errors"
	"fmt"

	"safe-replies/internal/alerts"
	"safe-replies/internal/metrics"
	"safe-replies/internal/models"
	"safe-replies/internal/platform"
	"safe-replies/internal/repository"
	"safe-replies/internal/token"

	"go.uber.org/zap"
)

// BackfillStats counts the outcome of one account backfill.
type BackfillStats struct {
	Posts   int `json:"posts"`
	Stored  int `json:"stored"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// Backfill fetches the comments of every tracked post of the account and
// stores the missing ones. Failures are counted per post.
func (s *Service) Backfill(ctx context.Context, account *models.Account) (*BackfillStats, error) {
	logger := s.logger.With(zap.Int64("account_id", account.ID), zap.String("platform", string(account.Platform)))

	adapter, cred, err := s.credentials(ctx, account)
	if err != nil {
		s.metrics.RecordBackfill(metrics.StatusError)
		return nil, err
	}

	posts, err := s.posts.ListPostsByAccount(ctx, account.ID, s.maxPosts)
	if err != nil {
		s.metrics.RecordBackfill(metrics.StatusError)
		return nil, fmt.Errorf("failed to list posts: %w", err)
	}

	stats := &BackfillStats{}
	for _, post := range posts {
		raws, err := adapter.FetchComments(ctx, cred.Token, post.PlatformPostID)
		if err != nil {
			stats.Failed++
			logger.Warn("Failed to fetch comments", zap.Int64("post_id", post.ID), zap.Error(err))
			if errors.Is(err, platform.ErrInvalidToken) {
				s.tokens.Invalidate(account.ID)
				break
			}
			continue
		}
		stats.Posts++
		s.storePostComments(ctx, account, post, raws, stats)
	}

	if err := s.accounts.UpdateLastSyncedAt(ctx, account.ID); err != nil {
		logger.Error("Failed to update last synced time", zap.Error(err))
	}
	s.metrics.RecordBackfill(metrics.StatusSuccess)
	logger.Info("Backfill finished",
		zap.Int("posts", stats.Posts),
		zap.Int("stored", stats.Stored),
		zap.Int("skipped", stats.Skipped),
		zap.Int("failed", stats.Failed))
	return stats, nil
}

// storePostComments stores top-level comments first so replies in the same
// batch can resolve their parents without a lookup.
func (s *Service) storePostComments(ctx context.Context, account *models.Account, post *models.Post, raws []platform.RawComment, stats *BackfillStats) {
	var top, replies []platform.RawComment
	for _, raw := range raws {
		if raw.ParentID == "" || raw.ParentID == post.PlatformPostID {
			top = append(top, raw)
		} else {
			replies = append(replies, raw)
		}
	}

	known := make(map[string]int64, len(raws))
	for _, batch := range [][]platform.RawComment{top, replies} {
		for _, raw := range batch {
			id, err := s.storeBackfilled(ctx, account, post, raw, known, stats)
			if err != nil {
				stats.Failed++
				s.metrics.RecordIngest(SourceBackfill, "error")
				s.logger.Warn("Failed to store backfilled comment",
					zap.String("platform_comment_id", raw.ID),
					zap.Int64("post_id", post.ID),
					zap.Error(err))
				continue
			}
			known[raw.ID] = id
		}
	}
}

func (s *Service) storeBackfilled(ctx context.Context, account *models.Account, post *models.Post, raw platform.RawComment, known map[string]int64, stats *BackfillStats) (int64, error) {
	if raw.ID == "" {
		return 0, ErrInvalidEvent
	}
	parentID, err := s.resolveParent(ctx, post, raw.ParentID, known)
	if err != nil {
		return 0, err
	}
	if raw.ParentID != "" && raw.ParentID != post.PlatformPostID && parentID == nil {
		s.logger.Debug("Reply parent not found, storing as top-level",
			zap.String("platform_comment_id", raw.ID),
			zap.String("platform_parent_id", raw.ParentID))
	}

	comment := newComment(post, raw, parentID)
	created, err := s.comments.InsertComment(ctx, comment)
	if err != nil {
		return 0, fmt.Errorf("failed to store comment: %w", err)
	}
	if created {
		stats.Stored++
		s.metrics.RecordIngest(SourceBackfill, "created")
	} else {
		stats.Skipped++
		s.metrics.RecordIngest(SourceBackfill, "duplicate")
		update := repository.CommentEnrichment{CommentedAt: raw.Timestamp, Hidden: raw.Hidden, ParentCommentID: parentID}
		if err := s.comments.UpdateEnrichment(ctx, comment.ID, update); err != nil {
			return comment.ID, fmt.Errorf("failed to refresh comment: %w", err)
		}
	}
	if _, err := s.enqueue(ctx, account, comment, created, SourceBackfill); err != nil {
		return comment.ID, err
	}
	return comment.ID, nil
}

// RefreshPosts fetches the account's recent media and upserts them so new
// posts are tracked.
func (s *Service) RefreshPosts(ctx context.Context, account *models.Account) (int, error) {
	adapter, cred, err := s.credentials(ctx, account)
	if err != nil {
		return 0, err
	}
	media, err := adapter.FetchMedia(ctx, cred.Token, account.PlatformAccountID, s.maxPosts)
	if err != nil {
		if errors.Is(err, platform.ErrInvalidToken) {
			s.tokens.Invalidate(account.ID)
		}
		return 0, fmt.Errorf("failed to fetch media: %w", err)
	}
	for _, m := range media {
		post := &models.Post{
			AccountID:      account.ID,
			Platform:       account.Platform,
			PlatformPostID: m.ID,
			Caption:        m.Caption,
			Permalink:      m.Permalink,
			LikeCount:      m.LikeCount,
			CommentsCount:  m.CommentsCount,
			PostedAt:       m.Timestamp,
		}
		if err := s.posts.UpsertPost(ctx, post); err != nil {
			return 0, fmt.Errorf("failed to store post %s: %w", m.ID, err)
		}
	}
	return len(media), nil
}

// EnsureSubscribed subscribes the app to the account's webhooks once.
func (s *Service) EnsureSubscribed(ctx context.Context, account *models.Account) error {
	if account.WebhookSubscribed {
		return nil
	}
	return s.SetSubscription(ctx, account, true)
}

// SetSubscription subscribes or unsubscribes the account's webhooks.
func (s *Service) SetSubscription(ctx context.Context, account *models.Account, on bool) error {
	adapter, cred, err := s.credentials(ctx, account)
	if err != nil {
		return err
	}
	if on {
		err = adapter.Subscribe(ctx, cred.Token, account.PlatformAccountID)
	} else {
		err = adapter.Unsubscribe(ctx, cred.Token, account.PlatformAccountID)
	}
	if err != nil {
		return fmt.Errorf("failed to change webhook subscription: %w", err)
	}
	if err := s.accounts.SetWebhookSubscribed(ctx, account.ID, on); err != nil {
		return fmt.Errorf("failed to store subscription state: %w", err)
	}
	account.WebhookSubscribed = on
	return nil
}

func (s *Service) credentials(ctx context.Context, account *models.Account) (platform.Adapter, token.Credential, error) {
	adapter, err := s.platforms.For(account.Platform)
	if err != nil {
		return nil, token.Credential{}, err
	}
	cred, err := s.tokens.Resolve(ctx, account)
	if err != nil {
		if errors.Is(err, token.ErrNoAccessToken) {
			s.alertReconnect(ctx, account)
		}
		return nil, token.Credential{}, err
	}
	return adapter, cred, nil
}

func (s *Service) alertReconnect(ctx context.Context, account *models.Account) {
	if s.notifier == nil {
		return
	}
	text := fmt.Sprintf("%s account @%s has no access token. Reconnect it to resume syncing.", account.Platform, account.Username)
	if err := s.notifier.Notify(ctx, alerts.Alert{Kind: alerts.KindReconnect, AccountID: account.ID, Text: text}); err != nil {
		s.logger.Warn("Failed to send reconnect alert", zap.Error(err))
	}
}
