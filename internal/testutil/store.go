// Package testutil provides in-memory repositories and fixtures shared by
// service tests.
package testutil

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"safe-replies/internal/models"
	"safe-replies/internal/repository"
)

// Store is an in-memory implementation of every repository interface. It
// honours the same uniqueness and scoping rules as the Postgres schema.
type Store struct {
	mu sync.Mutex

	nextID int64
	now    func() time.Time

	Accounts   map[int64]*models.Account
	Clients    map[int64]*models.Client
	Posts      map[int64]*models.Post
	Comments   map[int64]*models.Comment
	Logs       []*models.ModerationLog
	Settings   []*models.ModerationSettings
	Filters    []*models.CustomFilter
	Attempts   []*models.EnforcementAttempt
	Suspicious []*models.SuspiciousAccount
	Known      []*models.KnownThreat
	Global     map[string]*models.GlobalThreat
	Reporters  map[string]map[string]bool
	Jobs       []*models.ModerationJob
}

var (
	_ repository.AccountRepository    = (*Store)(nil)
	_ repository.PostRepository       = (*Store)(nil)
	_ repository.CommentRepository    = (*Store)(nil)
	_ repository.ModerationRepository = (*Store)(nil)
	_ repository.SuspiciousRepository = (*Store)(nil)
	_ repository.ThreatRepository     = (*Store)(nil)
	_ repository.JobRepository        = (*Store)(nil)
)

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		now:       time.Now,
		Accounts:  map[int64]*models.Account{},
		Clients:   map[int64]*models.Client{},
		Posts:     map[int64]*models.Post{},
		Comments:  map[int64]*models.Comment{},
		Global:    map[string]*models.GlobalThreat{},
		Reporters: map[string]map[string]bool{},
	}
}

// SetClock overrides the store clock.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

// AddAccount stores an account and assigns its id.
func (s *Store) AddAccount(a *models.Account) *models.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == 0 {
		a.ID = s.id()
	}
	s.Accounts[a.ID] = a
	return a
}

// AddClient stores a client and assigns its id.
func (s *Store) AddClient(c *models.Client) *models.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == 0 {
		c.ID = s.id()
	}
	s.Clients[c.ID] = c
	return c
}

// AddPost stores a post and assigns its id.
func (s *Store) AddPost(p *models.Post) *models.Post {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == 0 {
		p.ID = s.id()
	}
	s.Posts[p.ID] = p
	return p
}

// AddComment stores a comment directly, bypassing duplicate checks.
func (s *Store) AddComment(c *models.Comment) *models.Comment {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == 0 {
		c.ID = s.id()
	}
	s.Comments[c.ID] = c
	return c
}

// CommentCount returns the number of stored comments.
func (s *Store) CommentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Comments)
}

// Comment returns a copy of a stored comment.
func (s *Store) Comment(id int64) *models.Comment {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.Comments[id]
	if !ok {
		return nil
	}
	cp := *c
	return &cp
}

// LogsFor returns every moderation log of a comment in insertion order.
func (s *Store) LogsFor(commentID int64) []*models.ModerationLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.ModerationLog
	for _, l := range s.Logs {
		if l.CommentID == commentID {
			out = append(out, l)
		}
	}
	return out
}

// JobCount returns the number of queued jobs in any status.
func (s *Store) JobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Jobs)
}

// AccountRepository

func (s *Store) GetAccountByID(_ context.Context, id int64) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.Accounts[id]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (s *Store) ListAccounts(_ context.Context) ([]*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Account
	for _, a := range s.Accounts {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetClientByID(_ context.Context, id int64) (*models.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.Clients[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (s *Store) UpdatePageAccessToken(_ context.Context, accountID int64, sealedToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.Accounts[accountID]; ok {
		a.PageAccessToken = sealedToken
	}
	return nil
}

func (s *Store) UpdateLastSyncedAt(_ context.Context, accountID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.Accounts[accountID]; ok {
		now := s.now()
		a.LastSyncedAt = &now
	}
	return nil
}

func (s *Store) SetWebhookSubscribed(_ context.Context, accountID int64, subscribed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.Accounts[accountID]; ok {
		a.WebhookSubscribed = subscribed
	}
	return nil
}

// PostRepository

func (s *Store) GetPostByID(_ context.Context, id int64) (*models.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.Posts[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (s *Store) GetPostsByPlatformPostID(_ context.Context, platform models.Platform, platformPostID string) ([]*models.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Post
	for _, p := range s.Posts {
		if p.Platform == platform && p.PlatformPostID == platformPostID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ListPostsByAccount(_ context.Context, accountID int64, limit int) ([]*models.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Post
	for _, p := range s.Posts {
		if p.AccountID == accountID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) UpsertPost(_ context.Context, post *models.Post) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, p := range s.Posts {
		if p.Platform == post.Platform && p.PlatformPostID == post.PlatformPostID && p.AccountID == post.AccountID {
			p.Caption = post.Caption
			p.Permalink = post.Permalink
			p.LikeCount = post.LikeCount
			p.CommentsCount = post.CommentsCount
			p.MetricsRefreshedAt = &now
			post.ID = p.ID
			post.CreatedAt = p.CreatedAt
			post.MetricsRefreshedAt = &now
			return nil
		}
	}
	post.ID = s.id()
	post.CreatedAt = now
	post.MetricsRefreshedAt = &now
	cp := *post
	s.Posts[post.ID] = &cp
	return nil
}

// CommentRepository

func (s *Store) InsertComment(_ context.Context, comment *models.Comment) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.Comments {
		if c.PostID == comment.PostID && c.PlatformCommentID == comment.PlatformCommentID {
			*comment = *c
			return false, nil
		}
	}
	if comment.ParentCommentID != nil {
		parent, ok := s.Comments[*comment.ParentCommentID]
		if !ok || parent.PostID != comment.PostID {
			return false, errForeignKey
		}
	}
	comment.ID = s.id()
	comment.CreatedAt = s.now()
	cp := *comment
	s.Comments[comment.ID] = &cp
	return true, nil
}

func (s *Store) GetCommentByID(_ context.Context, id int64) (*models.Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.Comments[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (s *Store) GetByPlatformID(_ context.Context, postID int64, platformCommentID string) (*models.Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.Comments {
		if c.PostID == postID && c.PlatformCommentID == platformCommentID {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *Store) UpdateEnrichment(_ context.Context, id int64, e repository.CommentEnrichment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.Comments[id]
	if !ok {
		return nil
	}
	if e.CommentedAt != nil {
		c.CommentedAt = e.CommentedAt
	}
	if e.Hidden != nil {
		c.IsHidden = models.Bool(*e.Hidden)
		if *e.Hidden && c.HiddenAt == nil {
			now := s.now()
			c.HiddenAt = &now
		}
	}
	if c.ParentCommentID == nil && e.ParentCommentID != nil {
		parent, ok := s.Comments[*e.ParentCommentID]
		if !ok || parent.PostID != c.PostID {
			return errForeignKey
		}
		c.ParentCommentID = e.ParentCommentID
	}
	return nil
}

func (s *Store) MarkDeleted(_ context.Context, id int64) error {
	return s.mutate(id, func(c *models.Comment, now time.Time) {
		c.IsDeleted = models.Bool(true)
		if c.DeletedAt == nil {
			c.DeletedAt = &now
		}
	})
}

func (s *Store) SetHidden(_ context.Context, id int64, hidden bool) error {
	return s.mutate(id, func(c *models.Comment, now time.Time) {
		c.IsHidden = models.Bool(hidden)
		if !hidden {
			c.HiddenAt = nil
		} else if c.HiddenAt == nil {
			c.HiddenAt = &now
		}
	})
}

func (s *Store) MarkFlagged(_ context.Context, id int64) error {
	return s.mutate(id, func(c *models.Comment, _ time.Time) { c.IsFlagged = models.Bool(true) })
}

func (s *Store) SetBlocked(_ context.Context, id int64) error {
	return s.mutate(id, func(c *models.Comment, _ time.Time) { c.IsBlocked = models.Bool(true) })
}

func (s *Store) SetRestricted(_ context.Context, id int64) error {
	return s.mutate(id, func(c *models.Comment, _ time.Time) { c.IsRestricted = models.Bool(true) })
}

func (s *Store) SetReported(_ context.Context, id int64) error {
	return s.mutate(id, func(c *models.Comment, _ time.Time) { c.IsReported = models.Bool(true) })
}

func (s *Store) mutate(id int64, fn func(c *models.Comment, now time.Time)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.Comments[id]; ok {
		fn(c, s.now())
	}
	return nil
}

func (s *Store) ListActiveByCommenter(_ context.Context, accountID int64, username string) ([]*models.Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Comment
	for _, c := range s.Comments {
		p, ok := s.Posts[c.PostID]
		if !ok || p.AccountID != accountID || c.Deleted() {
			continue
		}
		if strings.EqualFold(c.CommenterUsername, username) {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ModerationRepository

func (s *Store) AppendLog(_ context.Context, log *models.ModerationLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	log.ID = s.id()
	log.CreatedAt = s.now()
	cp := *log
	s.Logs = append(s.Logs, &cp)
	return nil
}

func (s *Store) LatestLog(_ context.Context, commentID int64) (*models.ModerationLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *models.ModerationLog
	for _, l := range s.Logs {
		if l.CommentID != commentID {
			continue
		}
		if latest == nil || l.CreatedAt.After(latest.CreatedAt) ||
			(l.CreatedAt.Equal(latest.CreatedAt) && l.ID > latest.ID) {
			latest = l
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (s *Store) GetSettings(_ context.Context, tenant models.Tenant) (*models.ModerationSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.Settings {
		if sameTenant(st.UserID, st.ClientID, tenant) {
			cp := *st
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *Store) ListActiveFilters(_ context.Context, tenant models.Tenant) ([]*models.CustomFilter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.CustomFilter
	for _, f := range s.Filters {
		if f.IsActive && sameTenant(f.UserID, f.ClientID, tenant) {
			cp := *f
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) RecordAttempt(_ context.Context, attempt *models.EnforcementAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	attempt.ID = s.id()
	attempt.CreatedAt = s.now()
	cp := *attempt
	s.Attempts = append(s.Attempts, &cp)
	return nil
}

func (s *Store) CountSystemActionsSince(_ context.Context, accountID int64, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, a := range s.Attempts {
		if !a.System || !a.Success || a.CreatedAt.Before(since) {
			continue
		}
		c, ok := s.Comments[a.CommentID]
		if !ok {
			continue
		}
		if p, ok := s.Posts[c.PostID]; ok && p.AccountID == accountID {
			count++
		}
	}
	return count, nil
}

// SuspiciousRepository

func (s *Store) FindByCommenter(_ context.Context, accountID int64, commenterID, username string) (*models.SuspiciousAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.matchSuspicious(accountID, commenterID, username); i >= 0 {
		cp := *s.Suspicious[i]
		return &cp, nil
	}
	return nil, nil
}

// matchSuspicious prefers an id match over a username match.
func (s *Store) matchSuspicious(accountID int64, commenterID, username string) int {
	byName := -1
	for i, sa := range s.Suspicious {
		if sa.AccountID != accountID {
			continue
		}
		if commenterID != "" && sa.CommenterID != nil && *sa.CommenterID == commenterID {
			return i
		}
		if byName < 0 && username != "" && sa.CommenterUsername != nil && strings.EqualFold(*sa.CommenterUsername, username) {
			byName = i
		}
	}
	return byName
}

func (s *Store) UpsertSuspicious(_ context.Context, accountID int64, commenterID, username string, fn repository.SuspiciousUpdate) (*models.SuspiciousAccount, error) {
	if commenterID == "" && username == "" {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing *models.SuspiciousAccount
	i := s.matchSuspicious(accountID, commenterID, username)
	if i >= 0 {
		cp := *s.Suspicious[i]
		existing = &cp
	}
	sa := fn(existing)
	if sa == nil {
		return nil, nil
	}
	sa.AccountID = accountID
	if existing == nil {
		sa.ID = s.id()
	} else {
		sa.ID = existing.ID
		sa.FirstSeenAt = existing.FirstSeenAt
	}
	cp := *sa
	if i >= 0 {
		s.Suspicious[i] = &cp
	} else {
		s.Suspicious = append(s.Suspicious, &cp)
	}
	return sa, nil
}

// ThreatRepository

func (s *Store) FindActiveKnownThreat(_ context.Context, tenant models.Tenant, commenterID, username string) (*models.KnownThreat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := strings.TrimPrefix(username, "@")
	for _, kt := range s.Known {
		if !kt.IsActive || !sameTenant(kt.UserID, kt.ClientID, tenant) {
			continue
		}
		idMatch := commenterID != "" && kt.PlatformUserID != nil && *kt.PlatformUserID == commenterID
		nameMatch := name != "" && kt.Username != nil && strings.EqualFold(strings.TrimPrefix(*kt.Username, "@"), name)
		if idMatch || nameMatch {
			cp := *kt
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *Store) GetGlobalThreat(_ context.Context, commenterHash string) (*models.GlobalThreat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.Global[commenterHash]
	if !ok {
		return nil, nil
	}
	cp := *g
	return &cp, nil
}

func (s *Store) UpdateGlobalThreat(_ context.Context, commenterHash, reporterHash string, fn repository.GlobalThreatUpdate) (*models.GlobalThreat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	g, ok := s.Global[commenterHash]
	if !ok {
		g = &models.GlobalThreat{CommenterHash: commenterHash, FirstReportedAt: now}
		s.Global[commenterHash] = g
	}
	if s.Reporters[commenterHash] == nil {
		s.Reporters[commenterHash] = map[string]bool{}
	}
	newReporter := !s.Reporters[commenterHash][reporterHash]
	s.Reporters[commenterHash][reporterHash] = true

	fn(g, newReporter)
	g.LastReportedAt = now
	cp := *g
	return &cp, nil
}

// JobRepository

func (s *Store) Enqueue(_ context.Context, job *models.ModerationJob) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.CommentID != nil {
		for _, j := range s.Jobs {
			if j.CommentID != nil && *j.CommentID == *job.CommentID &&
				(j.Status == models.JobPending || j.Status == models.JobRunning) {
				return false, nil
			}
		}
	}
	now := s.now()
	cp := *job
	cp.Status = models.JobPending
	cp.AvailableAt = now
	cp.CreatedAt = now
	cp.UpdatedAt = now
	if cp.Payload == nil {
		cp.Payload = json.RawMessage("{}")
	}
	s.Jobs = append(s.Jobs, &cp)
	return true, nil
}

func (s *Store) Claim(_ context.Context, lease time.Duration, limit int) ([]*models.ModerationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var out []*models.ModerationJob
	for _, j := range s.Jobs {
		if len(out) >= limit {
			break
		}
		runnable := (j.Status == models.JobPending && !j.AvailableAt.After(now)) ||
			(j.Status == models.JobRunning && j.LockedUntil != nil && j.LockedUntil.Before(now))
		if !runnable {
			continue
		}
		until := now.Add(lease)
		j.Status = models.JobRunning
		j.Attempts++
		j.LockedUntil = &until
		j.UpdatedAt = now
		cp := *j
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) Complete(_ context.Context, id string, attempt int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.runningJob(id, attempt)
	if j == nil {
		return repository.ErrLeaseLost
	}
	j.Status = models.JobDone
	j.LockedUntil = nil
	return nil
}

func (s *Store) Fail(_ context.Context, id string, attempt int, lastError string, retryAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.runningJob(id, attempt)
	if j == nil {
		return repository.ErrLeaseLost
	}
	msg := lastError
	j.LastError = &msg
	j.LockedUntil = nil
	if retryAt == nil {
		j.Status = models.JobFailed
	} else {
		j.Status = models.JobPending
		j.AvailableAt = *retryAt
	}
	return nil
}

func (s *Store) runningJob(id string, attempt int) *models.ModerationJob {
	for _, j := range s.Jobs {
		if j.ID == id && j.Status == models.JobRunning && j.Attempts == attempt {
			return j
		}
	}
	return nil
}

func (s *Store) Stats(_ context.Context) (*models.QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := &models.QueueStats{}
	for _, j := range s.Jobs {
		switch j.Status {
		case models.JobPending:
			stats.Pending++
		case models.JobRunning:
			stats.Running++
		case models.JobDone:
			stats.Done++
		case models.JobFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

func sameTenant(userID, clientID *int64, t models.Tenant) bool {
	if t.ClientID != nil {
		return clientID != nil && *clientID == *t.ClientID
	}
	if t.UserID != nil {
		return userID != nil && *userID == *t.UserID
	}
	return false
}
