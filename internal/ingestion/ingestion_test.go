package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"safe-replies/internal/models"
	"safe-replies/internal/platform"
	"safe-replies/internal/queue"
	"safe-replies/internal/testutil"
	"safe-replies/internal/token"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newService(t *testing.T) (*Service, *testutil.Fixture) {
	t.Helper()
	f := testutil.NewFixture(t)
	resolver := token.NewResolver(f.Store, f.Keys, time.Minute, zap.NewNop())
	q := queue.New(f.Store, queue.Options{Workers: 1}, nil, zap.NewNop())
	s := NewService(f.Store, f.Store, f.Store, f.Store, resolver, platform.NewRegistry(f.Adapter), q, nil, nil,
		Options{EnrichTimeout: time.Second, MaxPosts: 10}, zap.NewNop())
	return s, f
}

// flakyEnqueuer fails while err is set and forwards to next otherwise.
type flakyEnqueuer struct {
	next  Enqueuer
	err   error
	calls int
}

func (e *flakyEnqueuer) EnqueueComment(ctx context.Context, commentID int64, source string) (bool, error) {
	e.calls++
	if e.err != nil {
		return false, e.err
	}
	return e.next.EnqueueComment(ctx, commentID, source)
}

func newFlakyService(t *testing.T) (*Service, *testutil.Fixture, *flakyEnqueuer) {
	t.Helper()
	f := testutil.NewFixture(t)
	resolver := token.NewResolver(f.Store, f.Keys, time.Minute, zap.NewNop())
	q := &flakyEnqueuer{next: queue.New(f.Store, queue.Options{Workers: 1}, nil, zap.NewNop())}
	s := NewService(f.Store, f.Store, f.Store, f.Store, resolver, platform.NewRegistry(f.Adapter), q, nil, nil,
		Options{EnrichTimeout: time.Second, MaxPosts: 10}, zap.NewNop())
	return s, f, q
}

func instagramWebhook(t *testing.T, commentID, parentID, username, mediaID string) []byte {
	t.Helper()
	value := map[string]any{
		"id":    commentID,
		"text":  "hello from " + username,
		"from":  map[string]string{"id": "id-" + username, "username": username},
		"media": map[string]string{"id": mediaID},
	}
	if parentID != "" {
		value["parent_id"] = parentID
	}
	body, err := json.Marshal(map[string]any{
		"object": "instagram",
		"entry": []any{map[string]any{
			"id":      "ig-account-1",
			"time":    1700000000,
			"changes": []any{map[string]any{"field": "comments", "value": value}},
		}},
	})
	require.NoError(t, err)
	return body
}

func TestWebhookIsIdempotent(t *testing.T) {
	s, f := newService(t)
	body := instagramWebhook(t, "c1", "", "spammer1", "media-1")

	first, err := s.HandleWebhook(context.Background(), body)
	require.NoError(t, err)
	second, err := s.HandleWebhook(context.Background(), body)
	require.NoError(t, err)
	s.WaitEnrichments()

	assert.Equal(t, 1, first.Created)
	assert.Equal(t, 0, second.Created)
	assert.Equal(t, 1, f.Store.CommentCount())
	assert.Equal(t, 1, f.Store.JobCount())
}

func TestWebhookLinksReplyOnSamePost(t *testing.T) {
	s, f := newService(t)
	ctx := context.Background()

	_, err := s.HandleWebhook(ctx, instagramWebhook(t, "c1", "", "spammer1", "media-1"))
	require.NoError(t, err)
	_, err = s.HandleWebhook(ctx, instagramWebhook(t, "c2", "c1", "fan", "media-1"))
	require.NoError(t, err)
	s.WaitEnrichments()

	parent, err := f.Store.GetByPlatformID(ctx, f.Post.ID, "c1")
	require.NoError(t, err)
	reply, err := f.Store.GetByPlatformID(ctx, f.Post.ID, "c2")
	require.NoError(t, err)
	require.NotNil(t, reply.ParentCommentID)
	assert.Equal(t, parent.ID, *reply.ParentCommentID)

	// deleting the parent leaves the reply in place
	require.NoError(t, f.Store.MarkDeleted(ctx, parent.ID))
	reply = f.Store.Comment(reply.ID)
	assert.False(t, reply.Deleted())
	assert.Equal(t, parent.ID, *reply.ParentCommentID)
}

func TestParentIsNeverOnAnotherPost(t *testing.T) {
	s, f := newService(t)
	ctx := context.Background()
	otherPost := f.Store.AddPost(&models.Post{AccountID: f.Account.ID, Platform: models.PlatformInstagram, PlatformPostID: "media-2"})
	f.Store.AddComment(&models.Comment{PostID: otherPost.ID, PlatformCommentID: "p1"})

	refs, err := s.Ingest(ctx, Event{
		Platform: models.PlatformInstagram,
		Source:   SourceBackfill,
		Comment:  platform.RawComment{ID: "r1", MediaID: "media-1", ParentID: "p1", From: platform.Author{Username: "fan"}},
	})
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Nil(t, f.Store.Comment(refs[0].CommentID).ParentCommentID)
}

func TestIngestOncePerMatchingPost(t *testing.T) {
	s, f := newService(t)
	second := f.Store.AddAccount(&models.Account{
		Platform:          models.PlatformInstagram,
		PlatformAccountID: "ig-account-1",
		Username:          "brand",
		UserID:            testutil.Int64(2),
		PageAccessToken:   f.Account.PageAccessToken,
	})
	f.Store.AddPost(&models.Post{AccountID: second.ID, Platform: models.PlatformInstagram, PlatformPostID: "media-1"})

	refs, err := s.Ingest(context.Background(), Event{
		Platform: models.PlatformInstagram,
		Source:   SourceBackfill,
		Comment:  platform.RawComment{ID: "c1", MediaID: "media-1", From: platform.Author{Username: "troll"}},
	})
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.NotEqual(t, refs[0].PostID, refs[1].PostID)
	assert.Equal(t, 2, f.Store.JobCount())
}

func TestIngestIgnoresUntrackedMedia(t *testing.T) {
	s, f := newService(t)

	refs, err := s.Ingest(context.Background(), Event{
		Platform: models.PlatformInstagram,
		Comment:  platform.RawComment{ID: "c1", MediaID: "unknown"},
	})
	require.NoError(t, err)
	assert.Empty(t, refs)
	assert.Zero(t, f.Store.CommentCount())
}

func TestOwnerCommentsAreStoredButNotQueued(t *testing.T) {
	s, f := newService(t)

	refs, err := s.Ingest(context.Background(), Event{
		Platform: models.PlatformInstagram,
		Source:   SourceWebhook,
		Comment:  platform.RawComment{ID: "c1", MediaID: "media-1", From: platform.Author{Username: "@Brand"}},
	})
	s.WaitEnrichments()
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.True(t, refs[0].Created)
	assert.False(t, refs[0].Enqueued)
	assert.Zero(t, f.Store.JobCount())
}

func TestEnrichmentFillsMissingFields(t *testing.T) {
	s, f := newService(t)
	ctx := context.Background()
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	_, err := s.HandleWebhook(ctx, instagramWebhook(t, "c1", "", "fan", "media-1"))
	require.NoError(t, err)
	s.WaitEnrichments()

	f.Adapter.Single["c2"] = &platform.RawComment{ID: "c2", ParentID: "c1", Timestamp: &ts, Hidden: models.Bool(true)}
	_, err = s.HandleWebhook(ctx, instagramWebhook(t, "c2", "", "troll", "media-1"))
	require.NoError(t, err)
	s.WaitEnrichments()

	parent, _ := f.Store.GetByPlatformID(ctx, f.Post.ID, "c1")
	reply, _ := f.Store.GetByPlatformID(ctx, f.Post.ID, "c2")
	require.NotNil(t, reply.ParentCommentID)
	assert.Equal(t, parent.ID, *reply.ParentCommentID)
	assert.True(t, reply.Hidden())
	assert.Equal(t, ts, *reply.CommentedAt)
	assert.Equal(t, 2, f.Store.JobCount())
}

func TestBackfillStoresTopLevelBeforeReplies(t *testing.T) {
	s, f := newService(t)
	ctx := context.Background()
	f.Adapter.Comments["media-1"] = []platform.RawComment{
		{ID: "r1", ParentID: "c1", From: platform.Author{Username: "fan"}},
		{ID: "c1", From: platform.Author{Username: "troll"}},
		{ID: "r2", ParentID: "gone", From: platform.Author{Username: "fan"}},
	}

	stats, err := s.Backfill(ctx, f.Account)
	require.NoError(t, err)
	assert.Equal(t, &BackfillStats{Posts: 1, Stored: 3}, stats)

	c1, _ := f.Store.GetByPlatformID(ctx, f.Post.ID, "c1")
	r1, _ := f.Store.GetByPlatformID(ctx, f.Post.ID, "r1")
	r2, _ := f.Store.GetByPlatformID(ctx, f.Post.ID, "r2")
	require.NotNil(t, r1.ParentCommentID)
	assert.Equal(t, c1.ID, *r1.ParentCommentID)
	assert.Nil(t, r2.ParentCommentID)
	assert.NotNil(t, f.Store.Accounts[f.Account.ID].LastSyncedAt)

	stats, err = s.Backfill(ctx, f.Account)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Skipped)
	assert.Zero(t, stats.Stored)
	assert.Equal(t, 3, f.Store.JobCount())
}

func TestBackfillCountsPostFailures(t *testing.T) {
	s, f := newService(t)
	f.Store.AddPost(&models.Post{AccountID: f.Account.ID, Platform: models.PlatformInstagram, PlatformPostID: "media-2"})
	f.Adapter.SetError("comments:media-2", platform.ErrTransient)
	f.Adapter.Comments["media-1"] = []platform.RawComment{{ID: "c1"}}

	stats, err := s.Backfill(context.Background(), f.Account)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Posts)
	assert.Equal(t, 1, stats.Stored)
	assert.Equal(t, 1, stats.Failed)
}

func TestBackfillWithoutCredential(t *testing.T) {
	s, f := newService(t)
	f.Account.PageAccessToken = ""

	_, err := s.Backfill(context.Background(), f.Account)
	assert.ErrorIs(t, err, token.ErrNoAccessToken)
	assert.Zero(t, f.Adapter.CallCount())
}

func TestParseFacebookFeed(t *testing.T) {
	body := []byte(`{"object":"page","entry":[{"id":"page-1","changes":[
		{"field":"feed","value":{"item":"comment","verb":"add","comment_id":"p_1_c","post_id":"p_1","parent_id":"p_1","message":"hi","created_time":1700000000,"from":{"id":"9","name":"Jo"}}},
		{"field":"feed","value":{"item":"comment","verb":"edited","comment_id":"p_1_d","post_id":"p_1"}},
		{"field":"feed","value":{"item":"reaction","verb":"add","post_id":"p_1"}}
	]}]}`)

	events, ignored, err := ParseWebhook(body)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 2, ignored)
	ev := events[0]
	assert.Equal(t, models.PlatformFacebook, ev.Platform)
	assert.Equal(t, "p_1", ev.Comment.MediaID)
	assert.Equal(t, "Jo", ev.Comment.From.Username)
	require.NotNil(t, ev.Comment.Timestamp)
	assert.Equal(t, int64(1700000000), ev.Comment.Timestamp.Unix())
}

func TestParseWebhookRejectsGarbage(t *testing.T) {
	_, _, err := ParseWebhook([]byte("not json"))
	assert.Error(t, err)
}

func TestSyncAccountTracksNewPosts(t *testing.T) {
	s, f := newService(t)
	syncer := NewSyncer(s, f.Store, time.Hour, 2, zap.NewNop())
	f.Adapter.Media = []platform.Media{{ID: "media-1", LikeCount: 3}, {ID: "media-2", Caption: "new"}}
	f.Adapter.Comments["media-2"] = []platform.RawComment{{ID: "n1", From: platform.Author{Username: "fan"}}}

	stats, err := syncer.SyncAccount(context.Background(), f.Account)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Posts)
	assert.Equal(t, 1, stats.Stored)

	posts, err := f.Store.GetPostsByPlatformPostID(context.Background(), models.PlatformInstagram, "media-2")
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Contains(t, f.Adapter.CallsSnapshot(), "subscribe:ig-account-1")
	assert.True(t, f.Store.Accounts[f.Account.ID].WebhookSubscribed)
}

func TestRedeliveryEnqueuesCommentWhoseEnqueueFailed(t *testing.T) {
	s, f, q := newFlakyService(t)
	ctx := context.Background()
	body := instagramWebhook(t, "c1", "", "troll", "media-1")

	q.err = errors.New("queue unavailable")
	_, err := s.HandleWebhook(ctx, body)
	require.Error(t, err)
	s.WaitEnrichments()
	assert.Equal(t, 1, f.Store.CommentCount())
	assert.Zero(t, f.Store.JobCount())

	q.err = nil
	stats, err := s.HandleWebhook(ctx, body)
	require.NoError(t, err)
	s.WaitEnrichments()
	assert.Zero(t, stats.Created)
	assert.Equal(t, 2, q.calls)
	assert.Equal(t, 1, f.Store.CommentCount())
	assert.Equal(t, 1, f.Store.JobCount())
}

func TestBackfillEnqueuesCommentWhoseEnqueueFailed(t *testing.T) {
	s, f, q := newFlakyService(t)
	ctx := context.Background()
	f.Adapter.Comments["media-1"] = []platform.RawComment{{ID: "c1", From: platform.Author{Username: "troll"}}}

	q.err = errors.New("queue unavailable")
	_, err := s.Backfill(ctx, f.Account)
	require.NoError(t, err)
	assert.Zero(t, f.Store.JobCount())

	q.err = nil
	stats, err := s.Backfill(ctx, f.Account)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 1, f.Store.JobCount())
}

func TestDuplicateOfClassifiedCommentIsNotEnqueued(t *testing.T) {
	s, f, q := newFlakyService(t)
	ctx := context.Background()
	body := instagramWebhook(t, "c1", "", "troll", "media-1")

	_, err := s.HandleWebhook(ctx, body)
	require.NoError(t, err)
	s.WaitEnrichments()
	require.Equal(t, 1, f.Store.JobCount())
	f.Store.Jobs[0].Status = models.JobDone

	c1, err := f.Store.GetByPlatformID(ctx, f.Post.ID, "c1")
	require.NoError(t, err)
	require.NoError(t, f.Store.AppendLog(ctx, &models.ModerationLog{CommentID: c1.ID, Category: models.CategorySpam}))

	_, err = s.HandleWebhook(ctx, body)
	require.NoError(t, err)
	s.WaitEnrichments()
	assert.Equal(t, 1, q.calls)
	assert.Equal(t, 1, f.Store.JobCount())
}

func TestDuplicateOfDeletedCommentIsNotEnqueued(t *testing.T) {
	s, f, q := newFlakyService(t)
	ctx := context.Background()
	body := instagramWebhook(t, "c1", "", "troll", "media-1")

	q.err = errors.New("queue unavailable")
	_, err := s.HandleWebhook(ctx, body)
	require.Error(t, err)
	s.WaitEnrichments()

	c1, err := f.Store.GetByPlatformID(ctx, f.Post.ID, "c1")
	require.NoError(t, err)
	require.NoError(t, f.Store.MarkDeleted(ctx, c1.ID))

	q.err = nil
	_, err = s.HandleWebhook(ctx, body)
	require.NoError(t, err)
	assert.Equal(t, 1, q.calls)
	assert.Zero(t, f.Store.JobCount())
}
