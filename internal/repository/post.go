package repository

import (
	"context"
	"database/sql"
	"errors"

	"safe-replies/internal/models"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

type PostRepository interface {
	GetPostByID(ctx context.Context, id int64) (*models.Post, error)
	// GetPostsByPlatformPostID returns every local post for a platform post
	// id. One platform post can be connected to more than one account.
	GetPostsByPlatformPostID(ctx context.Context, platform models.Platform, platformPostID string) ([]*models.Post, error)
	ListPostsByAccount(ctx context.Context, accountID int64, limit int) ([]*models.Post, error)
	UpsertPost(ctx context.Context, post *models.Post) error
}

type postRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

func NewPostRepository(db *sqlx.DB, logger *zap.Logger) PostRepository {
	return &postRepository{db: db, logger: logger}
}

const postColumns = `id, account_id, platform, platform_post_id, caption, permalink,
	like_count, comments_count, posted_at, metrics_refreshed_at, created_at`

func (r *postRepository) GetPostByID(ctx context.Context, id int64) (*models.Post, error) {
	var post models.Post
	err := r.db.GetContext(ctx, &post, `SELECT `+postColumns+` FROM posts WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &post, nil
}

func (r *postRepository) GetPostsByPlatformPostID(ctx context.Context, platform models.Platform, platformPostID string) ([]*models.Post, error) {
	var posts []*models.Post
	query := `SELECT ` + postColumns + ` FROM posts WHERE platform = $1 AND platform_post_id = $2 ORDER BY id`
	if err := r.db.SelectContext(ctx, &posts, query, platform, platformPostID); err != nil {
		return nil, err
	}
	return posts, nil
}

func (r *postRepository) ListPostsByAccount(ctx context.Context, accountID int64, limit int) ([]*models.Post, error) {
	var posts []*models.Post
	query := `SELECT ` + postColumns + ` FROM posts WHERE account_id = $1
		ORDER BY posted_at DESC NULLS LAST, id DESC LIMIT $2`
	if err := r.db.SelectContext(ctx, &posts, query, accountID, limit); err != nil {
		return nil, err
	}
	return posts, nil
}

// UpsertPost inserts a post or refreshes its cached metrics.
func (r *postRepository) UpsertPost(ctx context.Context, post *models.Post) error {
	query := `
		INSERT INTO posts (account_id, platform, platform_post_id, caption, permalink, like_count, comments_count, posted_at, metrics_refreshed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (platform, platform_post_id, account_id) DO UPDATE SET
			caption = EXCLUDED.caption,
			permalink = EXCLUDED.permalink,
			like_count = EXCLUDED.like_count,
			comments_count = EXCLUDED.comments_count,
			metrics_refreshed_at = NOW()
		RETURNING id, created_at, metrics_refreshed_at`
	return r.db.QueryRowxContext(ctx, query, post.AccountID, post.Platform, post.PlatformPostID, post.Caption,
		post.Permalink, post.LikeCount, post.CommentsCount, post.PostedAt).StructScan(post)
}
