// Package decision turns a stored comment into a moderation decision and
// hands it to enforcement.
package decision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"safe-replies/internal/classifier"
	"safe-replies/internal/enforcement"
	"safe-replies/internal/metrics"
	"safe-replies/internal/models"
	"safe-replies/internal/queue"
	"safe-replies/internal/repository"

	"go.uber.org/zap"
)

// ErrCommentNotFound means the job references a comment that no longer
// exists.
var ErrCommentNotFound = errors.New("comment not found")

// Skip reasons reported in Outcome.
const (
	SkipTerminal  = "terminal"
	SkipSelf      = "self_comment"
	SkipUnchanged = "unchanged"
)

// Enforcer executes actions on behalf of a principal.
type Enforcer interface {
	Execute(ctx context.Context, p models.Principal, commentID int64, action enforcement.Action) enforcement.Result
}

// Aggregator keeps per-commenter abuse records.
type Aggregator interface {
	Record(ctx context.Context, comment *models.Comment, account *models.Account, log *models.ModerationLog) (*models.SuspiciousAccount, error)
	IsAutoDelete(ctx context.Context, accountID int64, commenterID, username string) (bool, error)
}

// Reporter feeds the cross-tenant threat network.
type Reporter interface {
	Report(ctx context.Context, tenantKey, commenterID string, category models.Category, risk int) (models.ThreatSignal, error)
}

// Config holds the degraded-mode floors and the reporting threshold.
type Config struct {
	DegradedGlobal int
	DegradedHide   int
	ReportRisk     int
}

// Outcome is what Process did with a comment.
type Outcome struct {
	Log        *models.ModerationLog
	Skipped    string
	Escalation string
	Enforced   bool
	EnforceErr error
}

// Engine is the moderation decision engine.
type Engine struct {
	comments   repository.CommentRepository
	posts      repository.PostRepository
	accounts   repository.AccountRepository
	moderation repository.ModerationRepository
	threats    repository.ThreatRepository
	classifier classifier.Classifier
	heuristic  classifier.Classifier
	enforcer   Enforcer
	aggregator Aggregator
	reporter   Reporter
	filters    *filterMatcher
	cfg        Config
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// NewEngine creates a decision engine. aggregator and reporter may be nil.
func NewEngine(
	comments repository.CommentRepository,
	posts repository.PostRepository,
	accounts repository.AccountRepository,
	moderation repository.ModerationRepository,
	threats repository.ThreatRepository,
	cls classifier.Classifier,
	enforcer Enforcer,
	aggregator Aggregator,
	reporter Reporter,
	cfg Config,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		comments:   comments,
		posts:      posts,
		accounts:   accounts,
		moderation: moderation,
		threats:    threats,
		classifier: cls,
		heuristic:  classifier.Heuristic{},
		enforcer:   enforcer,
		aggregator: aggregator,
		reporter:   reporter,
		filters:    newFilterMatcher(),
		cfg:        cfg,
		metrics:    m,
		logger:     logger,
	}
}

// HandleJob is the queue handler for classify_comment jobs.
func (e *Engine) HandleJob(ctx context.Context, job *models.ModerationJob) error {
	var payload models.ClassifyPayload
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return queue.Permanent(fmt.Errorf("failed to decode payload: %w", err))
		}
	}
	commentID := payload.CommentID
	if commentID == 0 && job.CommentID != nil {
		commentID = *job.CommentID
	}
	if commentID == 0 {
		return queue.Permanent(errors.New("job has no comment id"))
	}

	_, err := e.Process(ctx, commentID)
	if errors.Is(err, ErrCommentNotFound) {
		return queue.Permanent(err)
	}
	return err
}

type subject struct {
	comment *models.Comment
	post    *models.Post
	account *models.Account
	client  *models.Client
}

func (e *Engine) load(ctx context.Context, commentID int64) (*subject, error) {
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
	s := &subject{comment: comment, post: post, account: account}
	if account.ClientID != nil {
		if s.client, err = e.accounts.GetClientByID(ctx, *account.ClientID); err != nil {
			return nil, fmt.Errorf("failed to load client: %w", err)
		}
	}
	return s, nil
}

// Process classifies one comment, records the decision and enforces it.
// Running it again for an unchanged result performs no enforcement.
func (e *Engine) Process(ctx context.Context, commentID int64) (*Outcome, error) {
	s, err := e.load(ctx, commentID)
	if err != nil {
		return nil, err
	}
	c := s.comment
	logger := e.logger.With(zap.Int64("comment_id", c.ID), zap.Int64("account_id", s.account.ID))

	if c.Deleted() || c.Allowed() {
		return &Outcome{Skipped: SkipTerminal}, nil
	}
	if s.account.IsSelf(c.CommenterUsername) {
		return &Outcome{Skipped: SkipSelf}, nil
	}

	tenant := s.account.Tenant()
	log, hide, err := e.evaluate(ctx, s, tenant, logger)
	if err != nil {
		return nil, err
	}
	out := &Outcome{Log: log}

	reason, block, err := e.escalation(ctx, s, tenant)
	if err != nil {
		logger.Warn("Escalation lookup failed", zap.Error(err))
	} else if reason != "" && log.Action != models.ActionDelete {
		out.Escalation = reason
		log.Action = models.ActionDelete
		log.Formula += " | escalated: " + reason
	}

	latest, err := e.moderation.LatestLog(ctx, c.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load latest log: %w", err)
	}
	if latest != nil && sameDecision(latest, log) && reflects(c, log.Action, hide) {
		out.Skipped = SkipUnchanged
		out.Log = latest
		return out, nil
	}

	if err := e.moderation.AppendLog(ctx, log); err != nil {
		return nil, fmt.Errorf("failed to append moderation log: %w", err)
	}
	e.metrics.RecordDecision(string(log.Action), string(log.Category), log.IsDegradedMode)
	logger.Info("Comment classified",
		zap.String("category", string(log.Category)),
		zap.Int("risk", log.RiskScore),
		zap.String("action", string(log.Action)),
		zap.String("model", log.Model),
		zap.Bool("degraded", log.IsDegradedMode))

	out.Enforced, out.EnforceErr = e.enforce(ctx, s, log.Action, hide)
	if out.EnforceErr != nil {
		logger.Warn("Enforcement failed after classification", zap.Error(out.EnforceErr))
	}
	if block && reason != "" {
		p := models.SystemPrincipal(s.account, s.client)
		if res := e.enforcer.Execute(ctx, p, c.ID, enforcement.ActionBlock); res.Err != nil {
			logger.Warn("Failed to block known threat", zap.Error(res.Err))
		}
	}

	e.feedAggregates(ctx, s, log, logger)
	return out, nil
}

// evaluate runs custom filters and, when none applies, the classifier. The
// returned log is not yet persisted. hide tells whether a FLAG also hides.
func (e *Engine) evaluate(ctx context.Context, s *subject, tenant models.Tenant, logger *zap.Logger) (*models.ModerationLog, bool, error) {
	filters, err := e.moderation.ListActiveFilters(ctx, tenant)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load filters: %w", err)
	}
	f, badPattern := e.filters.Match(filters, s.comment.Text)
	if badPattern != nil {
		logger.Warn("Invalid custom filter pattern", zap.Error(badPattern))
	}
	if f != nil {
		action, hide := filterAction(f)
		return &models.ModerationLog{
			CommentID:  s.comment.ID,
			Category:   models.ParseCategory(string(f.Category)),
			Severity:   100,
			Confidence: 1,
			RiskScore:  100,
			Model:      CustomFilterModel,
			Action:     action,
			Rationale:  fmt.Sprintf("matched custom filter %d", f.ID),
			Formula:    fmt.Sprintf("custom_filter=%d auto_delete=%t auto_hide=%t auto_flag=%t => %s", f.ID, f.AutoDelete, f.AutoHide, f.AutoFlag, action),
		}, hide, nil
	}

	in := classifier.Input{
		Text:              s.comment.Text,
		CommenterUsername: s.comment.CommenterUsername,
		PostCaption:       s.post.Caption,
		Platform:          string(s.account.Platform),
	}
	if s.comment.ParentCommentID != nil {
		if parent, err := e.comments.GetCommentByID(ctx, *s.comment.ParentCommentID); err == nil && parent != nil {
			in.ParentText = parent.Text
		}
	}

	degraded := false
	res, err := e.classifier.Classify(ctx, in)
	if err != nil {
		logger.Warn("Classifier unavailable, using heuristic", zap.Error(err))
		degraded = true
		if res, err = e.heuristic.Classify(ctx, in); err != nil {
			return nil, false, fmt.Errorf("heuristic failed: %w", err)
		}
	}

	settings, err := e.moderation.GetSettings(ctx, tenant)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load settings: %w", err)
	}
	if settings == nil {
		settings = models.DefaultSettings()
	}
	t := Thresholds{Global: settings.GlobalThreshold, Hide: settings.HideThreshold}
	if degraded {
		t.Global = max(t.Global, e.cfg.DegradedGlobal)
		t.Hide = max(t.Hide, e.cfg.DegradedHide)
	}

	category := models.ParseCategory(string(res.Category))
	action, formula := Decide(category, res.RiskScore, settings.Rule(category), t)
	return &models.ModerationLog{
		CommentID:      s.comment.ID,
		Category:       category,
		Severity:       res.Severity,
		Confidence:     res.Confidence,
		RiskScore:      res.RiskScore,
		Model:          res.Model,
		Action:         action,
		Rationale:      res.Rationale,
		Formula:        formula,
		IsDegradedMode: degraded,
	}, false, nil
}

// escalation returns a non-empty reason when the commenter must be deleted
// regardless of score. block is set when a known threat also asks for the
// commenter to be blocked.
func (e *Engine) escalation(ctx context.Context, s *subject, tenant models.Tenant) (reason string, block bool, err error) {
	c := s.comment
	username := models.NormalizeUsername(c.CommenterUsername)
	if e.threats != nil {
		known, err := e.threats.FindActiveKnownThreat(ctx, tenant, c.CommenterID, username)
		if err != nil {
			return "", false, err
		}
		if known != nil && known.EscalateImmediately {
			return "known_threat", known.AutoBlockDirect, nil
		}
	}
	if e.aggregator != nil {
		auto, err := e.aggregator.IsAutoDelete(ctx, s.account.ID, c.CommenterID, username)
		if err != nil {
			return "", false, err
		}
		if auto {
			return "suspicious_account", false, nil
		}
	}
	return "", false, nil
}

func sameDecision(a, b *models.ModerationLog) bool {
	return a.Category == b.Category && a.RiskScore == b.RiskScore && a.Action == b.Action && a.Model == b.Model
}

// reflects reports whether the comment already carries the effect of action.
func reflects(c *models.Comment, action models.Action, hide bool) bool {
	switch action {
	case models.ActionDelete:
		return c.Deleted()
	case models.ActionFlag:
		if hide {
			return c.Hidden()
		}
		return c.Flagged() || c.Hidden()
	default:
		return true
	}
}

// enforce applies the decision with the account's system principal.
func (e *Engine) enforce(ctx context.Context, s *subject, action models.Action, hide bool) (bool, error) {
	p := models.SystemPrincipal(s.account, s.client)
	switch action {
	case models.ActionDelete:
		res := e.enforcer.Execute(ctx, p, s.comment.ID, enforcement.ActionDelete)
		return res.Success, res.Err
	case models.ActionFlag:
		if err := e.comments.MarkFlagged(ctx, s.comment.ID); err != nil {
			return false, fmt.Errorf("failed to flag comment: %w", err)
		}
		if !hide {
			return true, nil
		}
		res := e.enforcer.Execute(ctx, p, s.comment.ID, enforcement.ActionHide)
		return res.Success, res.Err
	}
	return false, nil
}

func (e *Engine) feedAggregates(ctx context.Context, s *subject, log *models.ModerationLog, logger *zap.Logger) {
	if log.Category == models.CategoryBenign {
		return
	}
	if e.aggregator != nil {
		if _, err := e.aggregator.Record(ctx, s.comment, s.account, log); err != nil {
			logger.Error("Failed to update suspicious account", zap.Error(err))
		}
	}
	if e.reporter != nil && log.Action != models.ActionBenign && log.RiskScore >= e.cfg.ReportRisk {
		if _, err := e.reporter.Report(ctx, s.account.TenantKey(), s.comment.CommenterID, log.Category, log.RiskScore); err != nil {
			logger.Error("Failed to report global threat", zap.Error(err))
		}
	}
}

// Reclassify re-runs the decision for a comment the principal owns.
func (e *Engine) Reclassify(ctx context.Context, p models.Principal, commentID int64) (*Outcome, error) {
	s, err := e.load(ctx, commentID)
	if err != nil {
		return nil, err
	}
	if !enforcement.Owns(p, s.account, s.client) {
		return nil, enforcement.ErrForbidden
	}
	return e.Process(ctx, commentID)
}
