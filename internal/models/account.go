package models

import (
	"strings"
	"time"
)

// Platform identifies the social network an account lives on.
type Platform string

const (
	PlatformInstagram Platform = "instagram"
	PlatformFacebook  Platform = "facebook"
)

// Account is a connected Instagram account or Facebook page.
// Exactly one of UserID and ClientID is set.
type Account struct {
	ID                int64      `db:"id" json:"id"`
	Platform          Platform   `db:"platform" json:"platform"`
	PlatformAccountID string     `db:"platform_account_id" json:"platform_account_id"`
	Username          string     `db:"username" json:"username"`
	UserID            *int64     `db:"user_id" json:"user_id,omitempty"`
	ClientID          *int64     `db:"client_id" json:"client_id,omitempty"`
	PageAccessToken   string     `db:"page_access_token" json:"-"` // sealed
	AccessToken       string     `db:"access_token" json:"-"`      // sealed, legacy
	WebhookSubscribed bool       `db:"webhook_subscribed" json:"webhook_subscribed"`
	LastSyncedAt      *time.Time `db:"last_synced_at" json:"last_synced_at,omitempty"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
}

// Post is a media item or page post owned by one Account.
type Post struct {
	ID                 int64      `db:"id" json:"id"`
	AccountID          int64      `db:"account_id" json:"account_id"`
	Platform           Platform   `db:"platform" json:"platform"`
	PlatformPostID     string     `db:"platform_post_id" json:"platform_post_id"`
	Caption            string     `db:"caption" json:"caption"`
	Permalink          string     `db:"permalink" json:"permalink"`
	LikeCount          int        `db:"like_count" json:"like_count"`
	CommentsCount      int        `db:"comments_count" json:"comments_count"`
	PostedAt           *time.Time `db:"posted_at" json:"posted_at,omitempty"`
	MetricsRefreshedAt *time.Time `db:"metrics_refreshed_at" json:"metrics_refreshed_at,omitempty"`
	CreatedAt          time.Time  `db:"created_at" json:"created_at"`
}

// Tenant identifies the owner of tenant-scoped rows (settings, filters,
// known threats). Exactly one field is set.
type Tenant struct {
	UserID   *int64
	ClientID *int64
}

// Tenant returns the tenant root owning the account.
func (a *Account) Tenant() Tenant {
	return Tenant{UserID: a.UserID, ClientID: a.ClientID}
}

// NormalizeUsername lowercases a username and strips a leading '@'.
func NormalizeUsername(s string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "@"))
}

// IsSelf reports whether username is the account's own username.
func (a *Account) IsSelf(username string) bool {
	u := NormalizeUsername(username)
	return u != "" && u == NormalizeUsername(a.Username)
}
