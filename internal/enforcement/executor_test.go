package enforcement

import (
	"context"
	"errors"
	"testing"
	"time"

	"safe-replies/internal/alerts"
	"safe-replies/internal/models"
	"safe-replies/internal/platform"
	"safe-replies/internal/testutil"
	"safe-replies/internal/token"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newExecutor(t *testing.T) (*Executor, *testutil.Fixture) {
	t.Helper()
	f := testutil.NewFixture(t)
	resolver := token.NewResolver(f.Store, f.Keys, time.Minute, zap.NewNop())
	e := NewExecutor(f.Store, f.Store, f.Store, f.Store, resolver, platform.NewRegistry(f.Adapter), nil, nil, zap.NewNop())
	return e, f
}

func TestDeleteRefusesCommentIDEqualToPostID(t *testing.T) {
	e, f := newExecutor(t)
	c := f.AddComment(f.Post.PlatformPostID, "alice", "text")

	res := e.Delete(context.Background(), f.Owner(), c.ID)

	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, ErrUnsafeOperation)
	assert.Zero(t, f.Adapter.CallCount())
	assert.False(t, f.Store.Comment(c.ID).Deleted())
	require.Len(t, f.Store.Attempts, 1)
	assert.Equal(t, "unsafe_operation", f.Store.Attempts[0].ErrorKind)
}

func TestHideRefusesEmptyCommentID(t *testing.T) {
	e, f := newExecutor(t)
	c := f.AddComment("", "alice", "text")

	res := e.Hide(context.Background(), f.Owner(), c.ID, true)

	assert.ErrorIs(t, res.Err, ErrUnsafeOperation)
	assert.Zero(t, f.Adapter.CallCount())
}

func TestBulkDeleteSkipsForeignComments(t *testing.T) {
	e, f := newExecutor(t)
	c1 := f.AddComment("c1", "alice", "one")
	c2 := f.AddComment("c2", "bob", "two")
	foreign := f.AddForeignComment("c3")

	res := e.BulkDelete(context.Background(), f.Owner(), []int64{c1.ID, foreign.ID, c2.ID})

	assert.Equal(t, 2, res.SuccessCount)
	assert.Equal(t, 1, res.FailedCount)
	assert.Contains(t, res.Failures, foreign.ID)
	assert.True(t, f.Store.Comment(c1.ID).Deleted())
	assert.True(t, f.Store.Comment(c2.ID).Deleted())
	assert.False(t, f.Store.Comment(foreign.ID).Deleted())
	assert.Equal(t, []string{"delete:c1", "delete:c2"}, f.Adapter.CallsSnapshot())
}

func TestDeleteIsIdempotent(t *testing.T) {
	e, f := newExecutor(t)
	c := f.AddComment("c1", "alice", "text")

	first := e.Delete(context.Background(), f.Owner(), c.ID)
	second := e.Delete(context.Background(), f.Owner(), c.ID)

	assert.True(t, first.Success)
	assert.True(t, second.Success)
	assert.True(t, second.Skipped)
	assert.Equal(t, 1, f.Adapter.CallCount())
}

func TestDeleteIsNotStartedOnceContextIsDone(t *testing.T) {
	e, f := newExecutor(t)
	c := f.AddComment("c1", "alice", "text")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := e.Delete(ctx, f.Owner(), c.ID)

	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Zero(t, f.Adapter.CallCount())
	assert.False(t, f.Store.Comment(c.ID).Deleted())
	assert.Empty(t, f.Store.Attempts)
}

func TestDeleteTreatsPlatformNotFoundAsDone(t *testing.T) {
	e, f := newExecutor(t)
	c := f.AddComment("c1", "alice", "text")
	f.Adapter.SetError("delete:c1", platform.ErrNotFound)

	res := e.Delete(context.Background(), f.Owner(), c.ID)

	assert.True(t, res.Success)
	assert.True(t, f.Store.Comment(c.ID).Deleted())
}

func TestHideAndUnhide(t *testing.T) {
	e, f := newExecutor(t)
	c := f.AddComment("c1", "alice", "text")

	require.True(t, e.Hide(context.Background(), f.Owner(), c.ID, true).Success)
	assert.True(t, f.Store.Comment(c.ID).Hidden())

	require.True(t, e.Hide(context.Background(), f.Owner(), c.ID, false).Success)
	assert.False(t, f.Store.Comment(c.ID).Hidden())
	assert.Equal(t, []string{"hide:c1", "unhide:c1"}, f.Adapter.CallsSnapshot())
}

func TestPlatformFailureLeavesCommentUntouched(t *testing.T) {
	e, f := newExecutor(t)
	c := f.AddComment("c1", "alice", "text")
	f.Adapter.SetError("delete", platform.ErrTransient)

	res := e.Delete(context.Background(), f.Owner(), c.ID)

	assert.ErrorIs(t, res.Err, platform.ErrTransient)
	assert.False(t, f.Store.Comment(c.ID).Deleted())
	require.Len(t, f.Store.Attempts, 1)
	assert.False(t, f.Store.Attempts[0].Success)
	assert.Equal(t, "transient", f.Store.Attempts[0].ErrorKind)
}

type fakeNotifier struct {
	kinds []string
}

func (n *fakeNotifier) Notify(_ context.Context, a alerts.Alert) error {
	n.kinds = append(n.kinds, string(a.Kind))
	return nil
}

func TestMissingTokenAlertsReconnect(t *testing.T) {
	e, f := newExecutor(t)
	n := &fakeNotifier{}
	e.notifier = n
	f.Store.Accounts[f.Account.ID].PageAccessToken = ""
	c := f.AddComment("c1", "alice", "text")

	res := e.Delete(context.Background(), f.Owner(), c.ID)

	assert.ErrorIs(t, res.Err, token.ErrNoAccessToken)
	assert.Zero(t, f.Adapter.CallCount())
	assert.Equal(t, []string{string(alerts.KindReconnect)}, n.kinds)
}

func TestDailyCapLimitsSystemActions(t *testing.T) {
	e, f := newExecutor(t)
	f.Store.Settings = append(f.Store.Settings, &models.ModerationSettings{
		UserID:         testutil.Int64(testutil.OwnerUserID),
		DailyActionCap: 1,
	})
	system := models.SystemPrincipal(f.Account, nil)
	c1 := f.AddComment("c1", "alice", "one")
	c2 := f.AddComment("c2", "alice", "two")

	require.True(t, e.Delete(context.Background(), system, c1.ID).Success)
	res := e.Delete(context.Background(), system, c2.ID)
	assert.ErrorIs(t, res.Err, ErrLimitReached)

	// manual actions are not capped
	assert.True(t, e.Delete(context.Background(), f.Owner(), c2.ID).Success)
}

func TestAgencyOwnsClientAccounts(t *testing.T) {
	e, f := newExecutor(t)
	client := f.Store.AddClient(&models.Client{AgencyID: 7, Name: "acme"})
	f.Store.Accounts[f.Account.ID].UserID = nil
	f.Store.Accounts[f.Account.ID].ClientID = &client.ID
	c := f.AddComment("c1", "alice", "text")

	agency := int64(7)
	assert.True(t, e.Delete(context.Background(), models.Principal{UserID: 7, AgencyID: &agency}, c.ID).Success)

	other := int64(8)
	c2 := f.AddComment("c2", "alice", "text")
	res := e.Delete(context.Background(), models.Principal{UserID: 8, AgencyID: &other}, c2.ID)
	assert.ErrorIs(t, res.Err, ErrForbidden)
}

func TestBlockCommenterNeedsCommenterID(t *testing.T) {
	e, f := newExecutor(t)
	c := f.AddComment("c1", "alice", "text")

	require.True(t, e.BlockCommenter(context.Background(), f.Owner(), c.ID).Success)
	assert.Equal(t, []string{"block:id-alice"}, f.Adapter.CallsSnapshot())

	anon := f.Store.AddComment(&models.Comment{PostID: f.Post.ID, PlatformCommentID: "c2"})
	res := e.BlockCommenter(context.Background(), f.Owner(), anon.ID)
	assert.ErrorIs(t, res.Err, ErrNoCommenter)
}

func TestErrorKind(t *testing.T) {
	assert.Equal(t, "", ErrorKind(nil))
	assert.Equal(t, "rate_limited", ErrorKind(errors.Join(errors.New("x"), platform.ErrRateLimited)))
	assert.Equal(t, "unknown", ErrorKind(errors.New("boom")))
}
