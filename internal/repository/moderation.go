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

type ModerationRepository interface {
	// AppendLog inserts a moderation log. Logs are never updated.
	AppendLog(ctx context.Context, log *models.ModerationLog) error
	LatestLog(ctx context.Context, commentID int64) (*models.ModerationLog, error)
	// GetSettings returns nil when the tenant never saved settings.
	GetSettings(ctx context.Context, tenant models.Tenant) (*models.ModerationSettings, error)
	ListActiveFilters(ctx context.Context, tenant models.Tenant) ([]*models.CustomFilter, error)
	RecordAttempt(ctx context.Context, attempt *models.EnforcementAttempt) error
	// CountSystemActionsSince counts successful automated actions on the
	// account's comments since the given time.
	CountSystemActionsSince(ctx context.Context, accountID int64, since time.Time) (int, error)
}

type moderationRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

func NewModerationRepository(db *sqlx.DB, logger *zap.Logger) ModerationRepository {
	return &moderationRepository{db: db, logger: logger}
}

// tenantFilter returns the owner column and id for tenant-scoped tables.
func tenantFilter(t models.Tenant) (string, int64) {
	if t.ClientID != nil {
		return "client_id", *t.ClientID
	}
	if t.UserID != nil {
		return "user_id", *t.UserID
	}
	return "user_id", 0
}

func (r *moderationRepository) AppendLog(ctx context.Context, log *models.ModerationLog) error {
	query := `
		INSERT INTO moderation_logs (comment_id, category, severity, confidence, risk_score, model, action,
			rationale, formula, is_degraded_mode)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at`
	return r.db.QueryRowxContext(ctx, query, log.CommentID, log.Category, log.Severity, log.Confidence,
		log.RiskScore, log.Model, log.Action, log.Rationale, log.Formula, log.IsDegradedMode).
		Scan(&log.ID, &log.CreatedAt)
}

func (r *moderationRepository) LatestLog(ctx context.Context, commentID int64) (*models.ModerationLog, error) {
	var log models.ModerationLog
	query := `
		SELECT id, comment_id, category, severity, confidence, risk_score, model, action, rationale,
			formula, is_degraded_mode, created_at
		FROM moderation_logs
		WHERE comment_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1`
	if err := r.db.GetContext(ctx, &log, query, commentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &log, nil
}

func (r *moderationRepository) GetSettings(ctx context.Context, tenant models.Tenant) (*models.ModerationSettings, error) {
	column, id := tenantFilter(tenant)
	var settings models.ModerationSettings
	query := `SELECT id, user_id, client_id, global_threshold, hide_threshold, rules, daily_action_cap
		FROM moderation_settings WHERE ` + column + ` = $1`
	if err := r.db.GetContext(ctx, &settings, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &settings, nil
}

func (r *moderationRepository) ListActiveFilters(ctx context.Context, tenant models.Tenant) ([]*models.CustomFilter, error) {
	column, id := tenantFilter(tenant)
	var filters []*models.CustomFilter
	query := `SELECT id, user_id, client_id, pattern, is_regex, category, auto_delete, auto_hide, auto_flag, is_active
		FROM custom_filters WHERE ` + column + ` = $1 AND is_active ORDER BY id`
	if err := r.db.SelectContext(ctx, &filters, query, id); err != nil {
		return nil, err
	}
	return filters, nil
}

func (r *moderationRepository) RecordAttempt(ctx context.Context, attempt *models.EnforcementAttempt) error {
	query := `
		INSERT INTO enforcement_attempts (comment_id, action, success, error_kind, error, system)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`
	return r.db.QueryRowxContext(ctx, query, attempt.CommentID, attempt.Action, attempt.Success,
		attempt.ErrorKind, attempt.Error, attempt.System).Scan(&attempt.ID, &attempt.CreatedAt)
}

func (r *moderationRepository) CountSystemActionsSince(ctx context.Context, accountID int64, since time.Time) (int, error) {
	var count int
	query := `
		SELECT COUNT(*)
		FROM enforcement_attempts ea
		JOIN comments c ON c.id = ea.comment_id
		JOIN posts p ON p.id = c.post_id
		WHERE p.account_id = $1 AND ea.system AND ea.success AND ea.created_at >= $2`
	if err := r.db.GetContext(ctx, &count, query, accountID, since); err != nil {
		return 0, err
	}
	return count, nil
}
