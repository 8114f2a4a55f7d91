// Package ingestion stores platform comments arriving through webhooks and
// periodic backfill, and hands new ones to the moderation queue.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"safe-replies/internal/alerts"
	"safe-replies/internal/metrics"
	"safe-replies/internal/models"
	"safe-replies/internal/platform"
	"safe-replies/internal/repository"
	"safe-replies/internal/token"

	"go.uber.org/zap"
)

// Sources of ingested comments.
const (
	SourceWebhook  = "webhook"
	SourceBackfill = "backfill"
)

// ErrInvalidEvent means the event lacks a comment or media id.
var ErrInvalidEvent = errors.New("invalid comment event")

// Event is one comment pushed by a webhook or read during backfill.
type Event struct {
	Platform models.Platform
	Comment  platform.RawComment
	Source   string
}

// CommentRef identifies a stored comment. Created is false when the row
// already existed.
type CommentRef struct {
	CommentID int64 `json:"comment_id"`
	PostID    int64 `json:"post_id"`
	Created   bool  `json:"created"`
	Enqueued  bool  `json:"enqueued"`
}

// Enqueuer schedules classification of a stored comment.
type Enqueuer interface {
	EnqueueComment(ctx context.Context, commentID int64, source string) (bool, error)
}

// CredentialResolver resolves account credentials.
type CredentialResolver interface {
	Resolve(ctx context.Context, account *models.Account) (token.Credential, error)
	Invalidate(accountID int64)
}

// Service reconciles platform comments with local rows.
type Service struct {
	accounts   repository.AccountRepository
	posts      repository.PostRepository
	comments   repository.CommentRepository
	moderation repository.ModerationRepository
	tokens     CredentialResolver
	platforms  platform.Registry
	queue      Enqueuer
	notifier   alerts.Notifier
	metrics    *metrics.Metrics
	logger     *zap.Logger

	enrichTimeout time.Duration
	maxPosts      int
	enrichments   sync.WaitGroup
}

// Options tunes the service.
type Options struct {
	EnrichTimeout time.Duration
	MaxPosts      int
}

// NewService creates an ingestion service.
func NewService(
	accounts repository.AccountRepository,
	posts repository.PostRepository,
	comments repository.CommentRepository,
	moderation repository.ModerationRepository,
	tokens CredentialResolver,
	platforms platform.Registry,
	queue Enqueuer,
	notifier alerts.Notifier,
	m *metrics.Metrics,
	opts Options,
	logger *zap.Logger,
) *Service {
	if opts.EnrichTimeout <= 0 {
		opts.EnrichTimeout = 30 * time.Second
	}
	if opts.MaxPosts <= 0 {
		opts.MaxPosts = 25
	}
	return &Service{
		accounts:      accounts,
		posts:         posts,
		comments:      comments,
		moderation:    moderation,
		tokens:        tokens,
		platforms:     platforms,
		queue:         queue,
		notifier:      notifier,
		metrics:       m,
		logger:        logger,
		enrichTimeout: opts.EnrichTimeout,
		maxPosts:      opts.MaxPosts,
	}
}

// Ingest stores the event once per local post tracking its media. Failures
// on one post do not stop the others.
func (s *Service) Ingest(ctx context.Context, ev Event) ([]CommentRef, error) {
	raw := ev.Comment
	if raw.ID == "" || raw.MediaID == "" {
		return nil, ErrInvalidEvent
	}
	posts, err := s.posts.GetPostsByPlatformPostID(ctx, ev.Platform, raw.MediaID)
	if err != nil {
		return nil, fmt.Errorf("failed to find posts for media %s: %w", raw.MediaID, err)
	}
	if len(posts) == 0 {
		s.metrics.RecordIngest(ev.Source, "untracked")
		s.logger.Debug("Comment on untracked media", zap.String("media_id", raw.MediaID))
		return nil, nil
	}

	var refs []CommentRef
	var errs []error
	for _, post := range posts {
		ref, err := s.ingestForPost(ctx, post, raw, ev.Source)
		if err != nil {
			s.metrics.RecordIngest(ev.Source, "error")
			s.logger.Error("Failed to ingest comment",
				zap.String("platform_comment_id", raw.ID),
				zap.Int64("post_id", post.ID),
				zap.Error(err))
			errs = append(errs, err)
			continue
		}
		refs = append(refs, *ref)
		if ev.Source == SourceWebhook {
			s.enrichLater(post, ref.CommentID, raw.ID)
		}
	}
	return refs, errors.Join(errs...)
}

func (s *Service) ingestForPost(ctx context.Context, post *models.Post, raw platform.RawComment, source string) (*CommentRef, error) {
	account, err := s.accounts.GetAccountByID(ctx, post.AccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	if account == nil {
		return nil, fmt.Errorf("account %d of post %d not found", post.AccountID, post.ID)
	}

	parentID, err := s.resolveParent(ctx, post, raw.ParentID, nil)
	if err != nil {
		return nil, err
	}
	comment := newComment(post, raw, parentID)
	created, err := s.comments.InsertComment(ctx, comment)
	if err != nil {
		return nil, fmt.Errorf("failed to store comment: %w", err)
	}

	ref := &CommentRef{CommentID: comment.ID, PostID: post.ID, Created: created}
	if created {
		s.metrics.RecordIngest(source, "created")
	} else {
		s.metrics.RecordIngest(source, "duplicate")
	}

	enqueued, err := s.enqueue(ctx, account, comment, created, source)
	if err != nil {
		return ref, err
	}
	ref.Enqueued = enqueued
	return ref, nil
}

// enqueue schedules classification of a stored comment. Owner comments are
// never queued. A duplicate is queued again only while it has no moderation
// log and is not settled, which recovers a comment whose first enqueue
// failed; the in-flight job index keeps a pending job from doubling.
func (s *Service) enqueue(ctx context.Context, account *models.Account, comment *models.Comment, created bool, source string) (bool, error) {
	if account.IsSelf(comment.CommenterUsername) {
		if created {
			s.logger.Debug("Skipping moderation of owner comment", zap.Int64("comment_id", comment.ID))
		}
		return false, nil
	}
	if !created {
		if comment.Deleted() || comment.Allowed() {
			return false, nil
		}
		log, err := s.moderation.LatestLog(ctx, comment.ID)
		if err != nil {
			return false, fmt.Errorf("failed to read moderation log of comment %d: %w", comment.ID, err)
		}
		if log != nil {
			return false, nil
		}
	}
	enqueued, err := s.queue.EnqueueComment(ctx, comment.ID, source)
	if err != nil {
		return false, fmt.Errorf("failed to enqueue comment %d: %w", comment.ID, err)
	}
	if enqueued && !created {
		s.logger.Info("Re-enqueued unclassified comment", zap.Int64("comment_id", comment.ID), zap.String("source", source))
	}
	return enqueued, nil
}

// resolveParent maps a platform parent id to a local comment on the same
// post. known caches ids stored earlier in the same batch. A parent that
// cannot be found leaves the comment top-level.
func (s *Service) resolveParent(ctx context.Context, post *models.Post, platformParentID string, known map[string]int64) (*int64, error) {
	if platformParentID == "" || platformParentID == post.PlatformPostID {
		return nil, nil
	}
	if id, ok := known[platformParentID]; ok {
		return &id, nil
	}
	parent, err := s.comments.GetByPlatformID(ctx, post.ID, platformParentID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up parent comment: %w", err)
	}
	if parent == nil {
		return nil, nil
	}
	return &parent.ID, nil
}

func newComment(post *models.Post, raw platform.RawComment, parentID *int64) *models.Comment {
	c := &models.Comment{
		PostID:            post.ID,
		Platform:          post.Platform,
		PlatformCommentID: raw.ID,
		ParentCommentID:   parentID,
		Text:              raw.Text,
		CommenterID:       raw.From.ID,
		CommenterUsername: raw.From.Username,
		CommentedAt:       raw.Timestamp,
		IsHidden:          raw.Hidden,
	}
	if raw.LegacyID != "" {
		legacy := raw.LegacyID
		c.LegacyID = &legacy
	}
	return c
}

// enrichLater re-fetches a webhook comment in the background to fill
// fields webhooks omit. It never enqueues.
func (s *Service) enrichLater(post *models.Post, commentID int64, platformCommentID string) {
	s.enrichments.Add(1)
	go func() {
		defer s.enrichments.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("Recovered from panic in enrichment", zap.Any("panic", r), zap.Int64("comment_id", commentID))
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), s.enrichTimeout)
		defer cancel()
		if err := s.enrich(ctx, post, commentID, platformCommentID); err != nil {
			s.logger.Warn("Comment enrichment failed", zap.Int64("comment_id", commentID), zap.Error(err))
		}
	}()
}

// WaitEnrichments blocks until detached enrichment tasks have finished.
func (s *Service) WaitEnrichments() {
	s.enrichments.Wait()
}

func (s *Service) enrich(ctx context.Context, post *models.Post, commentID int64, platformCommentID string) error {
	account, err := s.accounts.GetAccountByID(ctx, post.AccountID)
	if err != nil {
		return fmt.Errorf("failed to load account %d: %w", post.AccountID, err)
	}
	if account == nil {
		return fmt.Errorf("account %d not found", post.AccountID)
	}
	adapter, err := s.platforms.For(account.Platform)
	if err != nil {
		return err
	}
	cred, err := s.tokens.Resolve(ctx, account)
	if err != nil {
		return err
	}
	raw, err := adapter.FetchComment(ctx, cred.Token, platformCommentID)
	if err != nil {
		if errors.Is(err, platform.ErrInvalidToken) {
			s.tokens.Invalidate(account.ID)
		}
		return fmt.Errorf("failed to fetch comment: %w", err)
	}

	update := repository.CommentEnrichment{CommentedAt: raw.Timestamp, Hidden: raw.Hidden}
	if update.ParentCommentID, err = s.resolveParent(ctx, post, raw.ParentID, nil); err != nil {
		return err
	}
	return s.comments.UpdateEnrichment(ctx, commentID, update)
}
