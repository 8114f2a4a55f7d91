package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"safe-replies/internal/models"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// GlobalThreatUpdate mutates a locked aggregate. newReporter is true when
// the reporting tenant had not reported this commenter before.
type GlobalThreatUpdate func(g *models.GlobalThreat, newReporter bool)

type ThreatRepository interface {
	// FindActiveKnownThreat matches a tenant's active known threat by
	// platform user id or username (case-insensitive, without '@').
	FindActiveKnownThreat(ctx context.Context, tenant models.Tenant, commenterID, username string) (*models.KnownThreat, error)
	GetGlobalThreat(ctx context.Context, commenterHash string) (*models.GlobalThreat, error)
	// UpdateGlobalThreat creates the aggregate if needed, registers the
	// reporter and applies fn under a row lock in one transaction.
	UpdateGlobalThreat(ctx context.Context, commenterHash, reporterHash string, fn GlobalThreatUpdate) (*models.GlobalThreat, error)
}

type threatRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

func NewThreatRepository(db *sqlx.DB, logger *zap.Logger) ThreatRepository {
	return &threatRepository{db: db, logger: logger}
}

const globalThreatColumns = `commenter_hash, total_agencies, blackmail_count, threat_count, defamation_count,
	harassment_count, spam_count, total_violations, highest_risk, average_risk, is_global_threat,
	first_reported_at, last_reported_at`

func (r *threatRepository) FindActiveKnownThreat(ctx context.Context, tenant models.Tenant, commenterID, username string) (*models.KnownThreat, error) {
	column, id := tenantFilter(tenant)
	var kt models.KnownThreat
	query := `SELECT id, user_id, client_id, username, platform_user_id, auto_block_direct, auto_flag_references,
			escalate_immediately, is_active, notes, created_at
		FROM known_threats
		WHERE ` + column + ` = $1 AND is_active
		  AND (($2 <> '' AND platform_user_id = $2)
		    OR ($3 <> '' AND lower(ltrim(username, '@')) = lower(ltrim($3, '@'))))
		ORDER BY escalate_immediately DESC, id
		LIMIT 1`
	if err := r.db.GetContext(ctx, &kt, query, id, commenterID, username); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &kt, nil
}

func (r *threatRepository) GetGlobalThreat(ctx context.Context, commenterHash string) (*models.GlobalThreat, error) {
	var g models.GlobalThreat
	query := `SELECT ` + globalThreatColumns + ` FROM global_threat_network WHERE commenter_hash = $1`
	if err := r.db.GetContext(ctx, &g, query, commenterHash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &g, nil
}

func (r *threatRepository) UpdateGlobalThreat(ctx context.Context, commenterHash, reporterHash string, fn GlobalThreatUpdate) (*models.GlobalThreat, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO global_threat_network (commenter_hash) VALUES ($1) ON CONFLICT DO NOTHING`, commenterHash); err != nil {
		return nil, fmt.Errorf("failed to create global threat: %w", err)
	}

	var g models.GlobalThreat
	if err := tx.GetContext(ctx, &g,
		`SELECT `+globalThreatColumns+` FROM global_threat_network WHERE commenter_hash = $1 FOR UPDATE`, commenterHash); err != nil {
		return nil, fmt.Errorf("failed to lock global threat: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO global_threat_reporters (commenter_hash, reporter_hash) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		commenterHash, reporterHash)
	if err != nil {
		return nil, fmt.Errorf("failed to register reporter: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}

	fn(&g, affected > 0)

	query := `
		UPDATE global_threat_network SET
			total_agencies = :total_agencies,
			blackmail_count = :blackmail_count,
			threat_count = :threat_count,
			defamation_count = :defamation_count,
			harassment_count = :harassment_count,
			spam_count = :spam_count,
			total_violations = :total_violations,
			highest_risk = :highest_risk,
			average_risk = :average_risk,
			is_global_threat = :is_global_threat,
			last_reported_at = NOW()
		WHERE commenter_hash = :commenter_hash`
	if _, err := tx.NamedExecContext(ctx, query, &g); err != nil {
		return nil, fmt.Errorf("failed to update global threat: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &g, nil
}
