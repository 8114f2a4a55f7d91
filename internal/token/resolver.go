// Package token resolves the platform credential used for an account.
package token

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"safe-replies/internal/crypto"
	"safe-replies/internal/models"
	"safe-replies/internal/repository"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// ErrNoAccessToken means the account has neither a page credential nor a
// legacy credential. The account must be reconnected.
var ErrNoAccessToken = errors.New("no access token for account")

// Source tells which stored credential was used.
type Source string

const (
	SourcePage   Source = "page"
	SourceLegacy Source = "legacy"
)

// Credential is a resolved plaintext access token.
type Credential struct {
	Token  string
	Source Source
}

// Resolver picks the credential for an account. The page credential wins
// over the legacy one.
type Resolver struct {
	accounts repository.AccountRepository
	keys     *crypto.KeyManager
	cache    *cache.Cache
	logger   *zap.Logger
}

// NewResolver creates a resolver caching plaintext credentials for ttl.
func NewResolver(accounts repository.AccountRepository, keys *crypto.KeyManager, ttl time.Duration, logger *zap.Logger) *Resolver {
	return &Resolver{
		accounts: accounts,
		keys:     keys,
		cache:    cache.New(ttl, ttl*2),
		logger:   logger,
	}
}

func cacheKey(accountID int64) string {
	return strconv.FormatInt(accountID, 10)
}

// Resolve returns the credential to use for account.
func (r *Resolver) Resolve(ctx context.Context, account *models.Account) (Credential, error) {
	if v, ok := r.cache.Get(cacheKey(account.ID)); ok {
		return v.(Credential), nil
	}

	var cred Credential
	switch {
	case account.PageAccessToken != "":
		cred.Source = SourcePage
		cred.Token = account.PageAccessToken
	case account.AccessToken != "":
		cred.Source = SourceLegacy
		cred.Token = account.AccessToken
	default:
		return Credential{}, fmt.Errorf("account %d: %w", account.ID, ErrNoAccessToken)
	}

	plain, err := r.keys.OpenToken(cred.Token)
	if err != nil {
		return Credential{}, fmt.Errorf("failed to open %s token for account %d: %w", cred.Source, account.ID, err)
	}
	cred.Token = plain

	if cred.Source == SourceLegacy {
		r.logger.Debug("Using legacy access token", zap.Int64("account_id", account.ID))
	}
	r.cache.SetDefault(cacheKey(account.ID), cred)
	return cred, nil
}

// Refresh seals and stores a new page credential. Concurrent refreshes are
// last-writer-wins; storing the same token twice is harmless.
func (r *Resolver) Refresh(ctx context.Context, accountID int64, pageToken string) error {
	sealed, err := r.keys.SealToken(pageToken)
	if err != nil {
		return fmt.Errorf("failed to seal page token: %w", err)
	}
	if err := r.accounts.UpdatePageAccessToken(ctx, accountID, sealed); err != nil {
		return fmt.Errorf("failed to store page token: %w", err)
	}
	r.cache.Delete(cacheKey(accountID))
	r.logger.Info("Page access token refreshed", zap.Int64("account_id", accountID))
	return nil
}

// Invalidate drops a cached credential, for example after the platform
// rejected it.
func (r *Resolver) Invalidate(accountID int64) {
	r.cache.Delete(cacheKey(accountID))
}
