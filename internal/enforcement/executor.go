// Package enforcement executes moderation actions against the platforms.
package enforcement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"safe-replies/internal/alerts"
	"safe-replies/internal/metrics"
	"safe-replies/internal/models"
	"safe-replies/internal/platform"
	"safe-replies/internal/repository"
	"safe-replies/internal/token"

	"go.uber.org/zap"
)

var (
	// ErrUnsafeOperation means the comment id equals the owning post id.
	// Calling the comment endpoint with a post id could remove every
	// comment of the post, so the action is refused and never retried.
	ErrUnsafeOperation = errors.New("unsafe operation: comment id equals post id")
	// ErrForbidden means the principal does not own the comment's account.
	ErrForbidden = errors.New("forbidden")
	// ErrCommentNotFound means the comment does not exist or was deleted.
	ErrCommentNotFound = errors.New("comment not found")
	// ErrLimitReached means the daily automated action cap was reached.
	ErrLimitReached = errors.New("daily action limit reached")
	// ErrAccountNotFound means the account does not exist.
	ErrAccountNotFound = errors.New("account not found")
	// ErrNoCommenter means the platform never reported a commenter id.
	ErrNoCommenter = errors.New("commenter id unknown")
)

// maxActionDuration bounds one started action, platform retries included.
const maxActionDuration = 30 * time.Second

// Action is an enforcement operation.
type Action string

const (
	ActionDelete   Action = "delete"
	ActionHide     Action = "hide"
	ActionUnhide   Action = "unhide"
	ActionBlock    Action = "block"
	ActionRestrict Action = "restrict"
	ActionReport   Action = "report"
)

// Result is the outcome of one action.
type Result struct {
	Success bool
	// Skipped is true when the comment already was in the target state and
	// no platform call was made.
	Skipped bool
	Err     error
}

// BulkResult aggregates a batch. Failures maps comment id to reason.
type BulkResult struct {
	SuccessCount int              `json:"success_count"`
	FailedCount  int              `json:"failed_count"`
	Failures     map[int64]string `json:"failures,omitempty"`
}

// CredentialResolver resolves account credentials.
type CredentialResolver interface {
	Resolve(ctx context.Context, account *models.Account) (token.Credential, error)
	Invalidate(accountID int64)
}

// Executor runs enforcement actions. Every action checks ownership, even
// for system principals.
type Executor struct {
	comments    repository.CommentRepository
	posts       repository.PostRepository
	accounts    repository.AccountRepository
	moderation  repository.ModerationRepository
	tokens      CredentialResolver
	platforms   platform.Registry
	notifier    alerts.Notifier
	metrics     *metrics.Metrics
	logger      *zap.Logger
	callTimeout time.Duration
	now         func() time.Time
}

// NewExecutor creates an executor.
func NewExecutor(
	comments repository.CommentRepository,
	posts repository.PostRepository,
	accounts repository.AccountRepository,
	moderation repository.ModerationRepository,
	tokens CredentialResolver,
	platforms platform.Registry,
	notifier alerts.Notifier,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Executor {
	return &Executor{
		comments:    comments,
		posts:       posts,
		accounts:    accounts,
		moderation:  moderation,
		tokens:      tokens,
		platforms:   platforms,
		notifier:    notifier,
		metrics:     m,
		logger:      logger,
		callTimeout: 30 * time.Second,
		now:         time.Now,
	}
}

// target is a comment with everything needed to act on it.
type target struct {
	comment *models.Comment
	post    *models.Post
	account *models.Account
	client  *models.Client
}

func (e *Executor) load(ctx context.Context, commentID int64) (*target, error) {
	comment, err := e.comments.GetCommentByID(ctx, commentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load comment: %w", err)
	}
	if comment == nil {
		return nil, ErrCommentNotFound
	}
	post, err := e.posts.GetPostByID(ctx, comment.PostID)
	if err != nil {
		return nil, fmt.Errorf("failed to load post: %w", err)
	}
	if post == nil {
		return nil, ErrCommentNotFound
	}
	account, err := e.accounts.GetAccountByID(ctx, post.AccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	if account == nil {
		return nil, ErrCommentNotFound
	}
	t := &target{comment: comment, post: post, account: account}
	if account.ClientID != nil {
		t.client, err = e.accounts.GetClientByID(ctx, *account.ClientID)
		if err != nil {
			return nil, fmt.Errorf("failed to load client: %w", err)
		}
	}
	return t, nil
}

// Owns reports whether p may act on the account: direct owner, or the
// agency of the account's client.
func Owns(p models.Principal, account *models.Account, client *models.Client) bool {
	if account.UserID != nil && *account.UserID == p.UserID {
		return true
	}
	if account.ClientID != nil && client != nil && client.ID == *account.ClientID &&
		p.AgencyID != nil && client.AgencyID == *p.AgencyID {
		return true
	}
	return false
}

// OwnedAccount loads an account and checks that p owns it.
func OwnedAccount(ctx context.Context, accounts repository.AccountRepository, p models.Principal, accountID int64) (*models.Account, error) {
	account, err := accounts.GetAccountByID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	if account == nil {
		return nil, ErrAccountNotFound
	}
	var client *models.Client
	if account.ClientID != nil {
		if client, err = accounts.GetClientByID(ctx, *account.ClientID); err != nil {
			return nil, fmt.Errorf("failed to load client: %w", err)
		}
	}
	if !Owns(p, account, client) {
		return nil, ErrForbidden
	}
	return account, nil
}

// Execute runs one action. An action is not started once ctx is done; once
// started it ignores ctx and runs for at most maxActionDuration.
func (e *Executor) Execute(ctx context.Context, p models.Principal, commentID int64, action Action) Result {
	if err := ctx.Err(); err != nil {
		return e.fail(action, err)
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), maxActionDuration)
	defer cancel()
	logger := e.logger.With(zap.Int64("comment_id", commentID), zap.String("action", string(action)), zap.Bool("system", p.System))

	t, err := e.load(ctx, commentID)
	if err != nil {
		return e.fail(action, err)
	}
	if !Owns(p, t.account, t.client) {
		logger.Warn("Ownership check failed", zap.Int64("user_id", p.UserID), zap.Int64("account_id", t.account.ID))
		return e.fail(action, ErrForbidden)
	}

	if done, err := alreadyApplied(t.comment, action); err != nil {
		return e.fail(action, err)
	} else if done {
		e.metrics.RecordEnforcement(string(action), metrics.StatusSkipped)
		return Result{Success: true, Skipped: true}
	}

	err = e.apply(ctx, p, t, action)
	e.record(ctx, p, t.comment.ID, action, err)
	if err != nil {
		if errors.Is(err, ErrUnsafeOperation) {
			logger.Error("Refused unsafe enforcement", zap.String("platform_comment_id", t.comment.PlatformCommentID))
		} else {
			logger.Warn("Enforcement failed", zap.Error(err))
		}
		return e.fail(action, err)
	}

	e.metrics.RecordEnforcement(string(action), metrics.StatusSuccess)
	logger.Info("Enforcement applied")
	return Result{Success: true}
}

func (e *Executor) fail(action Action, err error) Result {
	e.metrics.RecordEnforcement(string(action), metrics.StatusError)
	return Result{Err: err}
}

// alreadyApplied implements idempotence: the action is a no-op when the
// comment already reflects it.
func alreadyApplied(c *models.Comment, action Action) (bool, error) {
	switch action {
	case ActionDelete:
		return c.Deleted(), nil
	case ActionHide:
		return c.Hidden() || c.Deleted(), nil
	case ActionUnhide:
		if c.Deleted() {
			return false, ErrCommentNotFound
		}
		return !c.Hidden(), nil
	case ActionBlock:
		return c.IsBlocked != nil && *c.IsBlocked, nil
	case ActionRestrict:
		return c.IsRestricted != nil && *c.IsRestricted, nil
	case ActionReport:
		return c.IsReported != nil && *c.IsReported, nil
	}
	return false, fmt.Errorf("unknown action %q", action)
}

// CheckSafe refuses a comment-level call whose id is empty or equals the
// owning post's platform id.
func CheckSafe(comment *models.Comment, post *models.Post) error {
	if comment.PlatformCommentID == "" || comment.PlatformCommentID == post.PlatformPostID {
		return ErrUnsafeOperation
	}
	return nil
}

func (e *Executor) apply(ctx context.Context, p models.Principal, t *target, action Action) error {
	switch action {
	case ActionDelete, ActionHide, ActionUnhide:
		if err := CheckSafe(t.comment, t.post); err != nil {
			return err
		}
	}

	if p.System && (action == ActionDelete || action == ActionHide) {
		if err := e.checkDailyCap(ctx, t.account); err != nil {
			return err
		}
	}

	adapter, err := e.platforms.For(t.account.Platform)
	if err != nil {
		return err
	}
	cred, err := e.tokens.Resolve(ctx, t.account)
	if err != nil {
		if errors.Is(err, token.ErrNoAccessToken) {
			e.alertReconnect(ctx, t.account)
		}
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()

	c := t.comment
	switch action {
	case ActionDelete:
		err = adapter.DeleteComment(callCtx, cred.Token, c.PlatformCommentID)
		if errors.Is(err, platform.ErrNotFound) {
			// already gone on the platform
			err = nil
		}
		if err == nil {
			err = e.comments.MarkDeleted(ctx, c.ID)
		}
	case ActionHide, ActionUnhide:
		hide := action == ActionHide
		err = adapter.HideComment(callCtx, cred.Token, c.PlatformCommentID, hide)
		if err == nil {
			err = e.comments.SetHidden(ctx, c.ID, hide)
		}
	case ActionBlock, ActionRestrict, ActionReport:
		if c.CommenterID == "" {
			return ErrNoCommenter
		}
		err = e.userAction(callCtx, adapter, cred.Token, t, action)
	}

	if errors.Is(err, platform.ErrInvalidToken) {
		e.tokens.Invalidate(t.account.ID)
	}
	return err
}

func (e *Executor) userAction(ctx context.Context, adapter platform.Adapter, tok string, t *target, action Action) error {
	accountID := t.account.PlatformAccountID
	userID := t.comment.CommenterID
	switch action {
	case ActionBlock:
		if err := adapter.BlockUser(ctx, tok, accountID, userID); err != nil {
			return err
		}
		return e.comments.SetBlocked(ctx, t.comment.ID)
	case ActionRestrict:
		if err := adapter.RestrictUser(ctx, tok, accountID, userID); err != nil {
			return err
		}
		return e.comments.SetRestricted(ctx, t.comment.ID)
	default:
		if err := adapter.ReportUser(ctx, tok, accountID, userID); err != nil {
			return err
		}
		return e.comments.SetReported(ctx, t.comment.ID)
	}
}

func (e *Executor) checkDailyCap(ctx context.Context, account *models.Account) error {
	settings, err := e.moderation.GetSettings(ctx, account.Tenant())
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}
	if settings == nil || settings.DailyActionCap <= 0 {
		return nil
	}
	now := e.now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	count, err := e.moderation.CountSystemActionsSince(ctx, account.ID, dayStart)
	if err != nil {
		return fmt.Errorf("failed to count actions: %w", err)
	}
	if count >= settings.DailyActionCap {
		return ErrLimitReached
	}
	return nil
}

func (e *Executor) alertReconnect(ctx context.Context, account *models.Account) {
	if e.notifier == nil {
		return
	}
	text := fmt.Sprintf("%s account @%s has no access token. Reconnect it to resume enforcement.", account.Platform, account.Username)
	if err := e.notifier.Notify(ctx, alerts.Alert{Kind: alerts.KindReconnect, AccountID: account.ID, Text: text}); err != nil {
		e.logger.Warn("Failed to send reconnect alert", zap.Error(err))
	}
}

func (e *Executor) record(ctx context.Context, p models.Principal, commentID int64, action Action, err error) {
	attempt := &models.EnforcementAttempt{
		CommentID: commentID,
		Action:    string(action),
		Success:   err == nil,
		System:    p.System,
	}
	if err != nil {
		attempt.ErrorKind = ErrorKind(err)
		attempt.Error = err.Error()
	}
	if rerr := e.moderation.RecordAttempt(ctx, attempt); rerr != nil {
		e.logger.Error("Failed to record enforcement attempt", zap.Int64("comment_id", commentID), zap.Error(rerr))
	}
}

// ErrorKind is a stable label for an enforcement error.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnsafeOperation):
		return "unsafe_operation"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrCommentNotFound):
		return "comment_not_found"
	case errors.Is(err, ErrAccountNotFound):
		return "account_not_found"
	case errors.Is(err, ErrLimitReached):
		return "limit_reached"
	case errors.Is(err, ErrNoCommenter):
		return "no_commenter"
	case errors.Is(err, token.ErrNoAccessToken):
		return "no_access_token"
	case errors.Is(err, platform.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, platform.ErrTransient):
		return "transient"
	case errors.Is(err, platform.ErrInvalidToken):
		return "invalid_token"
	case errors.Is(err, platform.ErrPermission):
		return "permission"
	case errors.Is(err, platform.ErrUnsupported):
		return "unsupported"
	case errors.Is(err, platform.ErrNotFound):
		return "platform_not_found"
	}
	return "unknown"
}

// Delete deletes a comment.
func (e *Executor) Delete(ctx context.Context, p models.Principal, commentID int64) Result {
	return e.Execute(ctx, p, commentID, ActionDelete)
}

// Hide hides or unhides a comment.
func (e *Executor) Hide(ctx context.Context, p models.Principal, commentID int64, hide bool) Result {
	if hide {
		return e.Execute(ctx, p, commentID, ActionHide)
	}
	return e.Execute(ctx, p, commentID, ActionUnhide)
}

func (e *Executor) BlockCommenter(ctx context.Context, p models.Principal, commentID int64) Result {
	return e.Execute(ctx, p, commentID, ActionBlock)
}

func (e *Executor) RestrictCommenter(ctx context.Context, p models.Principal, commentID int64) Result {
	return e.Execute(ctx, p, commentID, ActionRestrict)
}

func (e *Executor) ReportCommenter(ctx context.Context, p models.Principal, commentID int64) Result {
	return e.Execute(ctx, p, commentID, ActionReport)
}

// BulkDelete deletes comments one by one and continues past failures.
func (e *Executor) BulkDelete(ctx context.Context, p models.Principal, commentIDs []int64) BulkResult {
	return e.bulk(ctx, p, commentIDs, ActionDelete)
}

// BulkHide hides comments one by one and continues past failures.
func (e *Executor) BulkHide(ctx context.Context, p models.Principal, commentIDs []int64) BulkResult {
	return e.bulk(ctx, p, commentIDs, ActionHide)
}

func (e *Executor) bulk(ctx context.Context, p models.Principal, commentIDs []int64, action Action) BulkResult {
	res := BulkResult{Failures: map[int64]string{}}
	for _, id := range commentIDs {
		r := e.Execute(ctx, p, id, action)
		if r.Success {
			res.SuccessCount++
			continue
		}
		res.FailedCount++
		res.Failures[id] = r.Err.Error()
	}
	e.logger.Info("Bulk enforcement finished",
		zap.String("action", string(action)),
		zap.Int("success", res.SuccessCount),
		zap.Int("failed", res.FailedCount))
	return res
}
