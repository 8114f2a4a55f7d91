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

// SuspiciousUpdate receives the locked matching record, or nil when none
// matches, and returns the record to store. Returning nil writes nothing.
type SuspiciousUpdate func(s *models.SuspiciousAccount) *models.SuspiciousAccount

type SuspiciousRepository interface {
	// FindByCommenter matches by commenter id OR username (case-insensitive)
	// within the account. Either argument may be empty.
	FindByCommenter(ctx context.Context, accountID int64, commenterID, username string) (*models.SuspiciousAccount, error)
	// UpsertSuspicious runs find-or-create for the commenter and applies fn
	// in one transaction. Upserts for the same account are serialised, so
	// concurrent violations by one commenter land on a single row.
	UpsertSuspicious(ctx context.Context, accountID int64, commenterID, username string, fn SuspiciousUpdate) (*models.SuspiciousAccount, error)
}

type suspiciousRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

func NewSuspiciousRepository(db *sqlx.DB, logger *zap.Logger) SuspiciousRepository {
	return &suspiciousRepository{db: db, logger: logger}
}

const suspiciousColumns = `id, account_id, commenter_id, commenter_username, blackmail_count, threat_count,
	defamation_count, harassment_count, spam_count, total_violations, total_comments, average_risk,
	highest_risk, velocity, first_seen_at, last_seen_at, is_blocked, auto_delete_enabled, is_watchlisted,
	is_hidden, blocked_at`

// suspiciousMatch takes $1 account id, $2 commenter id, $3 username. An id
// match wins over a username match.
const suspiciousMatch = ` FROM suspicious_accounts
		WHERE account_id = $1
		  AND (($2 <> '' AND commenter_id = $2) OR ($3 <> '' AND lower(commenter_username) = lower($3)))
		ORDER BY (commenter_id = $2) IS TRUE DESC, id
		LIMIT 1`

func (r *suspiciousRepository) FindByCommenter(ctx context.Context, accountID int64, commenterID, username string) (*models.SuspiciousAccount, error) {
	if commenterID == "" && username == "" {
		return nil, nil
	}
	var s models.SuspiciousAccount
	if err := r.db.GetContext(ctx, &s, `SELECT `+suspiciousColumns+suspiciousMatch, accountID, commenterID, username); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

func (r *suspiciousRepository) UpsertSuspicious(ctx context.Context, accountID int64, commenterID, username string, fn SuspiciousUpdate) (*models.SuspiciousAccount, error) {
	if commenterID == "" && username == "" {
		return nil, nil
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// Rows match on id OR username, so the lock is per account rather than
	// per row: it also covers the insert of a first violation.
	if _, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended('suspicious_accounts/' || $1::text, 0))`, accountID); err != nil {
		return nil, fmt.Errorf("failed to lock suspicious accounts: %w", err)
	}

	var existing *models.SuspiciousAccount
	var locked models.SuspiciousAccount
	err = tx.GetContext(ctx, &locked, `SELECT `+suspiciousColumns+suspiciousMatch+` FOR UPDATE`, accountID, commenterID, username)
	switch {
	case err == nil:
		existing = &locked
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("failed to find suspicious account: %w", err)
	}

	s := fn(existing)
	if s == nil {
		return nil, nil
	}
	s.AccountID = accountID
	if existing == nil {
		err = insertSuspicious(ctx, tx, s)
	} else {
		s.ID = existing.ID
		err = updateSuspicious(ctx, tx, s)
	}
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s, nil
}

func insertSuspicious(ctx context.Context, ext sqlx.ExtContext, s *models.SuspiciousAccount) error {
	query := `
		INSERT INTO suspicious_accounts (account_id, commenter_id, commenter_username, blackmail_count, threat_count,
			defamation_count, harassment_count, spam_count, total_violations, total_comments, average_risk,
			highest_risk, velocity, first_seen_at, last_seen_at, is_blocked, auto_delete_enabled, is_watchlisted,
			is_hidden, blocked_at)
		VALUES (:account_id, :commenter_id, :commenter_username, :blackmail_count, :threat_count,
			:defamation_count, :harassment_count, :spam_count, :total_violations, :total_comments, :average_risk,
			:highest_risk, :velocity, :first_seen_at, :last_seen_at, :is_blocked, :auto_delete_enabled, :is_watchlisted,
			:is_hidden, :blocked_at)
		RETURNING id`
	rows, err := sqlx.NamedQueryContext(ctx, ext, query, s)
	if err != nil {
		return fmt.Errorf("failed to insert suspicious account: %w", err)
	}
	defer rows.Close()
	if rows.Next() {
		if err := rows.Scan(&s.ID); err != nil {
			return err
		}
	}
	return rows.Err()
}

func updateSuspicious(ctx context.Context, ext sqlx.ExtContext, s *models.SuspiciousAccount) error {
	query := `
		UPDATE suspicious_accounts SET
			commenter_id = :commenter_id,
			commenter_username = :commenter_username,
			blackmail_count = :blackmail_count,
			threat_count = :threat_count,
			defamation_count = :defamation_count,
			harassment_count = :harassment_count,
			spam_count = :spam_count,
			total_violations = :total_violations,
			total_comments = :total_comments,
			average_risk = :average_risk,
			highest_risk = :highest_risk,
			velocity = :velocity,
			last_seen_at = :last_seen_at,
			is_blocked = :is_blocked,
			auto_delete_enabled = :auto_delete_enabled,
			is_watchlisted = :is_watchlisted,
			is_hidden = :is_hidden,
			blocked_at = :blocked_at
		WHERE id = :id`
	if _, err := sqlx.NamedExecContext(ctx, ext, query, s); err != nil {
		return fmt.Errorf("failed to update suspicious account: %w", err)
	}
	return nil
}
