package testutil

import (
	"context"
	"sync"

	"safe-replies/internal/models"
	"safe-replies/internal/platform"
)

// FakeAdapter is a platform.Adapter recording every call. Errors can be
// injected per call key ("delete:<comment-id>") or per method ("delete").
type FakeAdapter struct {
	mu sync.Mutex

	PlatformName models.Platform
	Media        []platform.Media
	Comments     map[string][]platform.RawComment
	Single       map[string]*platform.RawComment
	Errs         map[string]error
	Calls        []string
}

var _ platform.Adapter = (*FakeAdapter)(nil)

// NewFakeAdapter returns an Instagram fake with no data.
func NewFakeAdapter() *FakeAdapter {
	return &FakeAdapter{
		PlatformName: models.PlatformInstagram,
		Comments:     map[string][]platform.RawComment{},
		Single:       map[string]*platform.RawComment{},
		Errs:         map[string]error{},
	}
}

// CallCount returns the number of recorded calls.
func (f *FakeAdapter) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Calls)
}

// CallsSnapshot returns a copy of the recorded calls.
func (f *FakeAdapter) CallsSnapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Calls...)
}

// SetError injects an error for a call key or method.
func (f *FakeAdapter) SetError(key string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Errs[key] = err
}

func (f *FakeAdapter) record(method, arg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := method + ":" + arg
	f.Calls = append(f.Calls, key)
	if err, ok := f.Errs[key]; ok {
		return err
	}
	return f.Errs[method]
}

func (f *FakeAdapter) Platform() models.Platform { return f.PlatformName }

func (f *FakeAdapter) FetchMedia(_ context.Context, _, accountID string, _ int) ([]platform.Media, error) {
	if err := f.record("media", accountID); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]platform.Media(nil), f.Media...), nil
}

func (f *FakeAdapter) FetchComments(_ context.Context, _, mediaID string) ([]platform.RawComment, error) {
	if err := f.record("comments", mediaID); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]platform.RawComment(nil), f.Comments[mediaID]...), nil
}

func (f *FakeAdapter) FetchComment(_ context.Context, _, commentID string) (*platform.RawComment, error) {
	if err := f.record("comment", commentID); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	rc, ok := f.Single[commentID]
	if !ok {
		return nil, platform.ErrNotFound
	}
	cp := *rc
	return &cp, nil
}

func (f *FakeAdapter) DeleteComment(_ context.Context, _, commentID string) error {
	return f.record("delete", commentID)
}

func (f *FakeAdapter) HideComment(_ context.Context, _, commentID string, hide bool) error {
	if hide {
		return f.record("hide", commentID)
	}
	return f.record("unhide", commentID)
}

func (f *FakeAdapter) BlockUser(_ context.Context, _, _, userID string) error {
	return f.record("block", userID)
}

func (f *FakeAdapter) RestrictUser(_ context.Context, _, _, userID string) error {
	return f.record("restrict", userID)
}

func (f *FakeAdapter) ReportUser(_ context.Context, _, _, userID string) error {
	return f.record("report", userID)
}

func (f *FakeAdapter) Subscribe(_ context.Context, _, accountID string) error {
	return f.record("subscribe", accountID)
}

func (f *FakeAdapter) Unsubscribe(_ context.Context, _, accountID string) error {
	return f.record("unsubscribe", accountID)
}
