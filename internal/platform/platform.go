// Package platform talks to the Instagram and Facebook Graph APIs.
package platform

import (
	"context"
	"errors"
	"fmt"
	"time"

	"safe-replies/internal/models"
)

var (
	// ErrInvalidSignature means a webhook body failed HMAC verification.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrTransient covers network failures and 5xx responses.
	ErrTransient = errors.New("transient platform error")
	// ErrRateLimited means the platform throttled the app or the account.
	ErrRateLimited = errors.New("platform rate limit reached")
	// ErrNotFound means the object no longer exists on the platform.
	ErrNotFound = errors.New("platform object not found")
	// ErrInvalidToken means the access token was rejected.
	ErrInvalidToken = errors.New("platform access token rejected")
	// ErrPermission means the token lacks the permission for the call.
	ErrPermission = errors.New("platform permission denied")
	// ErrUnsupported means the platform has no endpoint for the operation.
	ErrUnsupported = errors.New("operation not supported by platform")
)

// Author identifies a commenter as the platform reports it.
type Author struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// RawComment is a comment as fetched from, or pushed by, the platform.
type RawComment struct {
	ID        string
	Text      string
	From      Author
	MediaID   string
	ParentID  string
	Timestamp *time.Time
	Hidden    *bool
	LegacyID  string
}

// Media is a post as listed by the platform.
type Media struct {
	ID            string
	Caption       string
	Permalink     string
	LikeCount     int
	CommentsCount int
	Timestamp     *time.Time
}

// Adapter is the outbound surface to one platform. Every call is a
// blocking network call bounded by ctx and the client timeout.
type Adapter interface {
	Platform() models.Platform
	FetchMedia(ctx context.Context, token, accountID string, limit int) ([]Media, error)
	// FetchComments follows pagination and expands replies.
	FetchComments(ctx context.Context, token, mediaID string) ([]RawComment, error)
	FetchComment(ctx context.Context, token, commentID string) (*RawComment, error)
	DeleteComment(ctx context.Context, token, commentID string) error
	HideComment(ctx context.Context, token, commentID string, hide bool) error
	BlockUser(ctx context.Context, token, accountID, userID string) error
	RestrictUser(ctx context.Context, token, accountID, userID string) error
	ReportUser(ctx context.Context, token, accountID, userID string) error
	Subscribe(ctx context.Context, token, accountID string) error
	Unsubscribe(ctx context.Context, token, accountID string) error
}

// Registry maps a platform to its adapter.
type Registry map[models.Platform]Adapter

// NewRegistry indexes adapters by platform.
func NewRegistry(adapters ...Adapter) Registry {
	r := Registry{}
	for _, a := range adapters {
		r[a.Platform()] = a
	}
	return r
}

// For returns the adapter for p.
func (r Registry) For(p models.Platform) (Adapter, error) {
	a, ok := r[p]
	if !ok {
		return nil, fmt.Errorf("no adapter for platform %q", p)
	}
	return a, nil
}
