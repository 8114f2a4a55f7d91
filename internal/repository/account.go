package repository

import (
	"context"
	"database/sql"
	"errors"

	"safe-replies/internal/models"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

type AccountRepository interface {
	GetAccountByID(ctx context.Context, id int64) (*models.Account, error)
	ListAccounts(ctx context.Context) ([]*models.Account, error)
	GetClientByID(ctx context.Context, id int64) (*models.Client, error)
	UpdatePageAccessToken(ctx context.Context, accountID int64, sealedToken string) error
	UpdateLastSyncedAt(ctx context.Context, accountID int64) error
	SetWebhookSubscribed(ctx context.Context, accountID int64, subscribed bool) error
}

type accountRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

func NewAccountRepository(db *sqlx.DB, logger *zap.Logger) AccountRepository {
	return &accountRepository{db: db, logger: logger}
}

const accountColumns = `id, platform, platform_account_id, username, user_id, client_id,
	page_access_token, access_token, webhook_subscribed, last_synced_at, created_at`

func (r *accountRepository) GetAccountByID(ctx context.Context, id int64) (*models.Account, error) {
	var account models.Account
	err := r.db.GetContext(ctx, &account, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &account, nil
}

func (r *accountRepository) ListAccounts(ctx context.Context) ([]*models.Account, error) {
	var accounts []*models.Account
	err := r.db.SelectContext(ctx, &accounts, `SELECT `+accountColumns+` FROM accounts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return accounts, nil
}

func (r *accountRepository) GetClientByID(ctx context.Context, id int64) (*models.Client, error) {
	var client models.Client
	err := r.db.GetContext(ctx, &client, `SELECT id, agency_id, name, created_at FROM clients WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &client, nil
}

// UpdatePageAccessToken stores a refreshed page credential. Concurrent
// refreshes are last-writer-wins.
func (r *accountRepository) UpdatePageAccessToken(ctx context.Context, accountID int64, sealedToken string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE accounts SET page_access_token = $1 WHERE id = $2`, sealedToken, accountID)
	return err
}

func (r *accountRepository) UpdateLastSyncedAt(ctx context.Context, accountID int64) error {
	_, err := r.db.ExecContext(ctx, `UPDATE accounts SET last_synced_at = NOW() WHERE id = $1`, accountID)
	return err
}

func (r *accountRepository) SetWebhookSubscribed(ctx context.Context, accountID int64, subscribed bool) error {
	_, err := r.db.ExecContext(ctx, `UPDATE accounts SET webhook_subscribed = $1 WHERE id = $2`, subscribed, accountID)
	return err
}
