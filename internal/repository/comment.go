package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"safe-replies/internal/models"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// CommentEnrichment carries fields refreshed from the platform after a
// comment was first stored.
type CommentEnrichment struct {
	CommentedAt     *time.Time
	Hidden          *bool
	ParentCommentID *int64
}

type CommentRepository interface {
	// InsertComment stores a comment unless (platform_comment_id, post_id)
	// already exists. created is false for duplicates, in which case the
	// stored row is loaded into comment.
	InsertComment(ctx context.Context, comment *models.Comment) (created bool, err error)
	GetCommentByID(ctx context.Context, id int64) (*models.Comment, error)
	// GetByPlatformID is always post-scoped: a reply may only link to a
	// parent stored for the same post.
	GetByPlatformID(ctx context.Context, postID int64, platformCommentID string) (*models.Comment, error)
	UpdateEnrichment(ctx context.Context, id int64, e CommentEnrichment) error
	MarkDeleted(ctx context.Context, id int64) error
	SetHidden(ctx context.Context, id int64, hidden bool) error
	MarkFlagged(ctx context.Context, id int64) error
	SetBlocked(ctx context.Context, id int64) error
	SetRestricted(ctx context.Context, id int64) error
	SetReported(ctx context.Context, id int64) error
	// ListActiveByCommenter lists non-deleted comments on the account's posts
	// whose commenter username matches case-insensitively.
	ListActiveByCommenter(ctx context.Context, accountID int64, username string) ([]*models.Comment, error)
}

type commentRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

func NewCommentRepository(db *sqlx.DB, logger *zap.Logger) CommentRepository {
	return &commentRepository{db: db, logger: logger}
}

const commentColumns = `id, post_id, platform, platform_comment_id, legacy_id, parent_comment_id, text,
	commenter_id, commenter_username, commented_at, created_at, hidden_at, deleted_at,
	is_hidden, is_deleted, is_blocked, is_restricted, is_reported, is_allowed, is_flagged`

func (r *commentRepository) InsertComment(ctx context.Context, comment *models.Comment) (bool, error) {
	query := `
		INSERT INTO comments (post_id, platform, platform_comment_id, legacy_id, parent_comment_id, text,
			commenter_id, commenter_username, commented_at, is_hidden, hidden_at)
		VALUES (:post_id, :platform, :platform_comment_id, :legacy_id, :parent_comment_id, :text,
			:commenter_id, :commenter_username, :commented_at, :is_hidden, :hidden_at)
		ON CONFLICT (platform_comment_id, post_id) DO NOTHING
		RETURNING id, created_at`

	rows, err := r.db.NamedQueryContext(ctx, query, comment)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	if rows.Next() {
		if err := rows.Scan(&comment.ID, &comment.CreatedAt); err != nil {
			return false, err
		}
		return true, rows.Err()
	}
	if err := rows.Err(); err != nil {
		return false, err
	}

	existing, err := r.GetByPlatformID(ctx, comment.PostID, comment.PlatformCommentID)
	if err != nil {
		return false, err
	}
	if existing != nil {
		*comment = *existing
	}
	return false, nil
}

func (r *commentRepository) GetCommentByID(ctx context.Context, id int64) (*models.Comment, error) {
	var comment models.Comment
	err := r.db.GetContext(ctx, &comment, `SELECT `+commentColumns+` FROM comments WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &comment, nil
}

func (r *commentRepository) GetByPlatformID(ctx context.Context, postID int64, platformCommentID string) (*models.Comment, error) {
	var comment models.Comment
	query := `SELECT ` + commentColumns + ` FROM comments WHERE post_id = $1 AND platform_comment_id = $2`
	err := r.db.GetContext(ctx, &comment, query, postID, platformCommentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &comment, nil
}

func (r *commentRepository) UpdateEnrichment(ctx context.Context, id int64, e CommentEnrichment) error {
	query := `
		UPDATE comments SET
			commented_at = COALESCE($2, commented_at),
			is_hidden = COALESCE($3, is_hidden),
			hidden_at = CASE WHEN $3::boolean IS TRUE AND hidden_at IS NULL THEN NOW() ELSE hidden_at END,
			parent_comment_id = COALESCE(parent_comment_id, $4)
		WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id, e.CommentedAt, e.Hidden, e.ParentCommentID)
	return err
}

func (r *commentRepository) MarkDeleted(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE comments SET is_deleted = TRUE, deleted_at = COALESCE(deleted_at, NOW()) WHERE id = $1`, id)
	return err
}

func (r *commentRepository) SetHidden(ctx context.Context, id int64, hidden bool) error {
	query := `UPDATE comments SET is_hidden = $2,
		hidden_at = CASE WHEN $2 THEN COALESCE(hidden_at, NOW()) ELSE NULL END
		WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id, hidden)
	return err
}

func (r *commentRepository) MarkFlagged(ctx context.Context, id int64) error {
	return r.setFlag(ctx, "is_flagged", id)
}

func (r *commentRepository) SetBlocked(ctx context.Context, id int64) error {
	return r.setFlag(ctx, "is_blocked", id)
}

func (r *commentRepository) SetRestricted(ctx context.Context, id int64) error {
	return r.setFlag(ctx, "is_restricted", id)
}

func (r *commentRepository) SetReported(ctx context.Context, id int64) error {
	return r.setFlag(ctx, "is_reported", id)
}

// setFlag only receives column names from this file.
func (r *commentRepository) setFlag(ctx context.Context, column string, id int64) error {
	_, err := r.db.ExecContext(ctx, `UPDATE comments SET `+column+` = TRUE WHERE id = $1`, id)
	return err
}

func (r *commentRepository) ListActiveByCommenter(ctx context.Context, accountID int64, username string) ([]*models.Comment, error) {
	var comments []*models.Comment
	query := `
		SELECT ` + prefixed("c.", commentColumns) + `
		FROM comments c
		JOIN posts p ON p.id = c.post_id
		WHERE p.account_id = $1
		  AND lower(c.commenter_username) = lower($2)
		  AND c.is_deleted IS NOT TRUE
		ORDER BY c.id`
	if err := r.db.SelectContext(ctx, &comments, query, accountID, username); err != nil {
		return nil, err
	}
	return comments, nil
}
