package testutil

import (
	"encoding/base64"
	"strings"
	"testing"

	"safe-replies/internal/crypto"
	"safe-replies/internal/models"
)

// OwnerUserID owns the fixture account.
const OwnerUserID int64 = 1

// KeyManager returns a key manager with a fixed test master key.
func KeyManager(t testing.TB) *crypto.KeyManager {
	t.Helper()
	km, err := crypto.NewKeyManager(base64.StdEncoding.EncodeToString([]byte(strings.Repeat("m", 32))))
	if err != nil {
		t.Fatalf("failed to create key manager: %v", err)
	}
	return km
}

// Int64 returns a pointer to v.
func Int64(v int64) *int64 { return &v }

// String returns a pointer to s.
func String(s string) *string { return &s }

// Fixture is one connected Instagram account with one tracked post.
type Fixture struct {
	Store   *Store
	Keys    *crypto.KeyManager
	Adapter *FakeAdapter
	Account *models.Account
	Post    *models.Post
}

// NewFixture creates the account "brand" owned by OwnerUserID with a sealed
// page token and the post "media-1".
func NewFixture(t testing.TB) *Fixture {
	t.Helper()
	store := NewStore()
	km := KeyManager(t)

	sealed, err := km.SealToken("page-token")
	if err != nil {
		t.Fatalf("failed to seal token: %v", err)
	}

	account := store.AddAccount(&models.Account{
		Platform:          models.PlatformInstagram,
		PlatformAccountID: "ig-account-1",
		Username:          "brand",
		UserID:            Int64(OwnerUserID),
		PageAccessToken:   sealed,
	})
	post := store.AddPost(&models.Post{
		AccountID:      account.ID,
		Platform:       models.PlatformInstagram,
		PlatformPostID: "media-1",
	})

	return &Fixture{
		Store:   store,
		Keys:    km,
		Adapter: NewFakeAdapter(),
		Account: account,
		Post:    post,
	}
}

// Owner is the principal owning the fixture account.
func (f *Fixture) Owner() models.Principal {
	return models.Principal{UserID: OwnerUserID}
}

// AddComment stores a top-level comment on the fixture post.
func (f *Fixture) AddComment(platformCommentID, username, text string) *models.Comment {
	return f.Store.AddComment(&models.Comment{
		PostID:            f.Post.ID,
		Platform:          models.PlatformInstagram,
		PlatformCommentID: platformCommentID,
		Text:              text,
		CommenterID:       "id-" + username,
		CommenterUsername: username,
	})
}

// AddForeignComment stores a comment on a post of another user's account.
func (f *Fixture) AddForeignComment(platformCommentID string) *models.Comment {
	sealed, _ := f.Keys.SealToken("other-token")
	other := f.Store.AddAccount(&models.Account{
		Platform:          models.PlatformInstagram,
		PlatformAccountID: "ig-account-other",
		Username:          "other",
		UserID:            Int64(OwnerUserID + 100),
		PageAccessToken:   sealed,
	})
	post := f.Store.AddPost(&models.Post{
		AccountID:      other.ID,
		Platform:       models.PlatformInstagram,
		PlatformPostID: "media-other",
	})
	return f.Store.AddComment(&models.Comment{
		PostID:            post.ID,
		Platform:          models.PlatformInstagram,
		PlatformCommentID: platformCommentID,
		CommenterUsername: "someone",
	})
}
