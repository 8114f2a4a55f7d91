package suspicious

import (
	"context"
	"sync"
	"testing"
	"time"

	"safe-replies/internal/alerts"
	"safe-replies/internal/enforcement"
	"safe-replies/internal/models"
	"safe-replies/internal/platform"
	"safe-replies/internal/testutil"
	"safe-replies/internal/token"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeNotifier struct {
	alerts []alerts.Alert
}

func (n *fakeNotifier) Notify(_ context.Context, a alerts.Alert) error {
	n.alerts = append(n.alerts, a)
	return nil
}

func newAggregator(t *testing.T) (*Aggregator, *testutil.Fixture, *fakeNotifier) {
	t.Helper()
	f := testutil.NewFixture(t)
	resolver := token.NewResolver(f.Store, f.Keys, time.Minute, zap.NewNop())
	executor := enforcement.NewExecutor(f.Store, f.Store, f.Store, f.Store, resolver, platform.NewRegistry(f.Adapter), nil, nil, zap.NewNop())
	n := &fakeNotifier{}
	agg := NewAggregator(f.Store, f.Store, f.Store, executor, n, Config{AutoBlockAfter: 3, AutoBlockRisk: 70}, zap.NewNop())
	return agg, f, n
}

func logOf(category models.Category, risk int) *models.ModerationLog {
	return &models.ModerationLog{Category: category, RiskScore: risk}
}

func TestRecordCreatesAndCounts(t *testing.T) {
	agg, f, _ := newAggregator(t)
	c := f.AddComment("c1", "troll", "text")

	s, err := agg.Record(context.Background(), c, f.Account, logOf(models.CategoryHarassment, 60))
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, 1, s.HarassmentCount)
	assert.Equal(t, 1, s.TotalViolations)
	assert.Equal(t, 60, s.HighestRisk)
	assert.InDelta(t, 60.0, s.AverageRisk, 0.001)

	s, err = agg.Record(context.Background(), c, f.Account, logOf(models.CategoryThreat, 90))
	require.NoError(t, err)
	assert.Equal(t, 1, s.ThreatCount)
	assert.Equal(t, 2, s.TotalViolations)
	assert.Equal(t, 90, s.HighestRisk)
	assert.InDelta(t, 75.0, s.AverageRisk, 0.001)
	require.Len(t, f.Store.Suspicious, 1)
}

func TestRecordMatchesByIDOrUsername(t *testing.T) {
	agg, f, _ := newAggregator(t)
	first := f.Store.AddComment(&models.Comment{PostID: f.Post.ID, PlatformCommentID: "c1", CommenterID: "42"})
	_, err := agg.Record(context.Background(), first, f.Account, logOf(models.CategorySpam, 50))
	require.NoError(t, err)

	second := f.Store.AddComment(&models.Comment{PostID: f.Post.ID, PlatformCommentID: "c2", CommenterID: "42", CommenterUsername: "Spammer"})
	_, err = agg.Record(context.Background(), second, f.Account, logOf(models.CategorySpam, 50))
	require.NoError(t, err)

	third := f.Store.AddComment(&models.Comment{PostID: f.Post.ID, PlatformCommentID: "c3", CommenterUsername: "spammer"})
	s, err := agg.Record(context.Background(), third, f.Account, logOf(models.CategorySpam, 50))
	require.NoError(t, err)

	require.Len(t, f.Store.Suspicious, 1)
	assert.Equal(t, 3, s.SpamCount)
}

func TestRecordExcludesSelfComments(t *testing.T) {
	agg, f, _ := newAggregator(t)
	for _, name := range []string{"brand", "BRAND", "@Brand", " @brand "} {
		c := f.AddComment("self-"+name, name, "text")
		s, err := agg.Record(context.Background(), c, f.Account, logOf(models.CategoryThreat, 95))
		require.NoError(t, err)
		assert.Nil(t, s, name)
	}
	assert.Empty(t, f.Store.Suspicious)
}

func TestRecordIgnoresBenignForUnknownCommenter(t *testing.T) {
	agg, f, _ := newAggregator(t)
	c := f.AddComment("c1", "fan", "love it")

	s, err := agg.Record(context.Background(), c, f.Account, logOf(models.CategoryBenign, 0))
	require.NoError(t, err)
	assert.Nil(t, s)
	assert.Empty(t, f.Store.Suspicious)
}

func TestRecordEscalatesRepeatOffender(t *testing.T) {
	agg, f, _ := newAggregator(t)
	c := f.AddComment("c1", "troll", "text")

	var s *models.SuspiciousAccount
	var err error
	for i := 0; i < 3; i++ {
		s, err = agg.Record(context.Background(), c, f.Account, logOf(models.CategoryHarassment, 80))
		require.NoError(t, err)
	}
	assert.True(t, s.AutoDeleteEnabled)

	auto, err := agg.IsAutoDelete(context.Background(), f.Account.ID, "", "@TROLL")
	require.NoError(t, err)
	assert.True(t, auto)
}

func TestUnderAttackDeletesLiveComments(t *testing.T) {
	agg, f, n := newAggregator(t)
	c1 := f.AddComment("c1", "attacker", "one")
	c2 := f.AddComment("c2", "Attacker", "two")
	other := f.AddComment("c3", "fan", "nice")
	post2 := f.Store.AddPost(&models.Post{AccountID: f.Account.ID, Platform: models.PlatformInstagram, PlatformPostID: "media-2"})
	c4 := f.Store.AddComment(&models.Comment{PostID: post2.ID, PlatformCommentID: "c4", CommenterUsername: "attacker"})
	f.Adapter.SetError("delete:c4", platform.ErrPermission)

	report, err := agg.UnderAttack(context.Background(), f.Owner(), f.Account.ID, "@attacker")
	require.NoError(t, err)

	assert.Equal(t, 2, report.CommentsDeleted)
	assert.Equal(t, 1, report.PostsAffected)
	assert.Equal(t, 1, report.Failed)
	assert.True(t, f.Store.Comment(c1.ID).Deleted())
	assert.True(t, f.Store.Comment(c2.ID).Deleted())
	assert.False(t, f.Store.Comment(other.ID).Deleted())
	assert.False(t, f.Store.Comment(c4.ID).Deleted())

	require.Len(t, f.Store.Suspicious, 1)
	s := f.Store.Suspicious[0]
	assert.True(t, s.IsBlocked)
	assert.True(t, s.AutoDeleteEnabled)
	require.Len(t, n.alerts, 1)
	assert.Equal(t, alerts.KindUnderAttack, n.alerts[0].Kind)
}

func TestUnderAttackChecksOwnership(t *testing.T) {
	agg, f, _ := newAggregator(t)

	_, err := agg.UnderAttack(context.Background(), models.Principal{UserID: 999}, f.Account.ID, "attacker")
	assert.ErrorIs(t, err, enforcement.ErrForbidden)
	assert.Empty(t, f.Store.Suspicious)
}

func TestUnderAttackRefusesSelf(t *testing.T) {
	agg, f, _ := newAggregator(t)

	_, err := agg.UnderAttack(context.Background(), f.Owner(), f.Account.ID, "@Brand")
	assert.ErrorIs(t, err, ErrSelfComment)
}

func TestManualControls(t *testing.T) {
	agg, f, _ := newAggregator(t)
	ctx := context.Background()

	_, err := agg.Unblock(ctx, f.Owner(), f.Account.ID, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)

	s, err := agg.Watchlist(ctx, f.Owner(), f.Account.ID, "@Watcher", true)
	require.NoError(t, err)
	assert.True(t, s.IsWatchlisted)
	assert.Equal(t, "watcher", *s.CommenterUsername)

	s, err = agg.SetHidden(ctx, f.Owner(), f.Account.ID, "watcher", true)
	require.NoError(t, err)
	assert.True(t, s.IsHidden)
	assert.True(t, s.IsWatchlisted)

	_, err = agg.UnderAttack(ctx, f.Owner(), f.Account.ID, "watcher")
	require.NoError(t, err)
	s, err = agg.Unblock(ctx, f.Owner(), f.Account.ID, "watcher")
	require.NoError(t, err)
	assert.False(t, s.IsBlocked)
	assert.False(t, s.AutoDeleteEnabled)
	assert.Nil(t, s.BlockedAt)

	found, err := agg.Lookup(ctx, f.Owner(), f.Account.ID, "", "WATCHER")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, s.ID, found.ID)
}

// slowLookups delays reads by a database round trip.
type slowLookups struct {
	*testutil.Store
}

func (s slowLookups) FindByCommenter(ctx context.Context, accountID int64, commenterID, username string) (*models.SuspiciousAccount, error) {
	time.Sleep(5 * time.Millisecond)
	return s.Store.FindByCommenter(ctx, accountID, commenterID, username)
}

func TestRecordConcurrentViolationsShareOneRow(t *testing.T) {
	f := testutil.NewFixture(t)
	agg := NewAggregator(slowLookups{f.Store}, f.Store, f.Store, nil, nil, Config{AutoBlockAfter: 5, AutoBlockRisk: 50}, zap.NewNop())
	c := f.AddComment("c1", "troll", "text")

	const n = 10
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := agg.Record(context.Background(), c, f.Account, logOf(models.CategorySpam, 60))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Len(t, f.Store.Suspicious, 1)
	s := f.Store.Suspicious[0]
	assert.Equal(t, n, s.TotalViolations)
	assert.Equal(t, n, s.SpamCount)
	assert.Equal(t, n, s.TotalComments)
	assert.True(t, s.AutoDeleteEnabled)
}
