package decision

import (
	"context"
	"errors"
	"testing"
	"time"

	"safe-replies/internal/classifier"
	"safe-replies/internal/enforcement"
	"safe-replies/internal/models"
	"safe-replies/internal/platform"
	"safe-replies/internal/queue"
	"safe-replies/internal/suspicious"
	"safe-replies/internal/testutil"
	"safe-replies/internal/threat"
	"safe-replies/internal/token"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubClassifier struct {
	result *classifier.Result
	err    error
	calls  int
}

func (s *stubClassifier) Classify(context.Context, classifier.Input) (*classifier.Result, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	r := *s.result
	return &r, nil
}

type harness struct {
	*testutil.Fixture
	engine     *Engine
	classifier *stubClassifier
	aggregator *suspicious.Aggregator
}

func newHarness(t *testing.T, result *classifier.Result) *harness {
	t.Helper()
	f := testutil.NewFixture(t)
	resolver := token.NewResolver(f.Store, f.Keys, time.Minute, zap.NewNop())
	executor := enforcement.NewExecutor(f.Store, f.Store, f.Store, f.Store, resolver, platform.NewRegistry(f.Adapter), nil, nil, zap.NewNop())
	agg := suspicious.NewAggregator(f.Store, f.Store, f.Store, executor, nil, suspicious.Config{AutoBlockAfter: 100, AutoBlockRisk: 100}, zap.NewNop())
	correlator := threat.NewCorrelator(f.Store, f.Keys, nil, time.Minute, zap.NewNop())
	cls := &stubClassifier{result: result}
	engine := NewEngine(f.Store, f.Store, f.Store, f.Store, f.Store, cls, executor, agg, correlator,
		Config{DegradedGlobal: 90, DegradedHide: 60, ReportRisk: 70}, nil, zap.NewNop())
	return &harness{Fixture: f, engine: engine, classifier: cls, aggregator: agg}
}

func TestSpamBelowThresholdIsNotDeleted(t *testing.T) {
	h := newHarness(t, &classifier.Result{
		Category: models.CategorySpam, Severity: 40, Confidence: 0.6, RiskScore: 50, Model: "ml-service",
	})
	c := h.AddComment("c1", "spammer1", "buy followers cheap")

	out, err := h.engine.Process(context.Background(), c.ID)
	require.NoError(t, err)

	assert.Equal(t, models.ActionFlag, out.Log.Action)
	assert.NotContains(t, h.Adapter.CallsSnapshot(), "delete:c1")
	stored := h.Store.Comment(c.ID)
	assert.False(t, stored.Deleted())
	assert.True(t, stored.Flagged())
	require.Len(t, h.Store.LogsFor(c.ID), 1)
	assert.False(t, h.Store.LogsFor(c.ID)[0].IsDegradedMode)
}

func TestHighRiskThreatIsDeleted(t *testing.T) {
	h := newHarness(t, &classifier.Result{
		Category: models.CategoryThreat, Severity: 95, Confidence: 0.9, RiskScore: 92, Model: "ml-service",
	})
	c := h.AddComment("c1", "attacker", "i will find you")

	out, err := h.engine.Process(context.Background(), c.ID)
	require.NoError(t, err)

	assert.Equal(t, models.ActionDelete, out.Log.Action)
	assert.True(t, out.Enforced)
	assert.True(t, h.Store.Comment(c.ID).Deleted())
	assert.Equal(t, []string{"delete:c1"}, h.Adapter.CallsSnapshot())
	require.Len(t, h.Store.Attempts, 1)
	assert.True(t, h.Store.Attempts[0].System)

	// fed the suspicious record and the global network
	require.Len(t, h.Store.Suspicious, 1)
	assert.Equal(t, 1, h.Store.Suspicious[0].ThreatCount)
	assert.Len(t, h.Store.Global, 1)
	for hash := range h.Store.Global {
		assert.Equal(t, threat.Hash("id-attacker"), hash)
	}
}

func TestProcessIsIdempotent(t *testing.T) {
	h := newHarness(t, &classifier.Result{
		Category: models.CategoryHarassment, Severity: 70, Confidence: 1, RiskScore: 65, Model: "ml-service",
	})
	h.Store.Filters = append(h.Store.Filters, &models.CustomFilter{
		ID: 1, UserID: testutil.Int64(testutil.OwnerUserID), Pattern: "loser", AutoHide: true, IsActive: true,
		Category: models.CategoryHarassment,
	})
	c := h.AddComment("c1", "troll", "what a LOSER")

	first, err := h.engine.Process(context.Background(), c.ID)
	require.NoError(t, err)
	second, err := h.engine.Process(context.Background(), c.ID)
	require.NoError(t, err)

	assert.Empty(t, first.Skipped)
	assert.Equal(t, SkipUnchanged, second.Skipped)
	assert.Equal(t, []string{"hide:c1"}, h.Adapter.CallsSnapshot())
	assert.Len(t, h.Store.LogsFor(c.ID), 1)
	assert.Zero(t, h.classifier.calls)
}

func TestDeletedCommentIsTerminal(t *testing.T) {
	h := newHarness(t, &classifier.Result{Category: models.CategoryThreat, RiskScore: 99})
	c := h.AddComment("c1", "attacker", "text")
	require.NoError(t, h.Store.MarkDeleted(context.Background(), c.ID))

	out, err := h.engine.Process(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, SkipTerminal, out.Skipped)
	assert.Zero(t, h.Adapter.CallCount())
	assert.Zero(t, h.classifier.calls)
}

func TestOwnerCommentIsSkipped(t *testing.T) {
	h := newHarness(t, &classifier.Result{Category: models.CategoryThreat, RiskScore: 99})
	c := h.AddComment("c1", "@BRAND", "thanks all")

	out, err := h.engine.Process(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, SkipSelf, out.Skipped)
	assert.Empty(t, h.Store.Suspicious)
}

func TestDegradedModeUsesHeuristic(t *testing.T) {
	h := newHarness(t, nil)
	h.classifier.err = classifier.ErrUnavailable
	c := h.AddComment("c1", "attacker", "I will kill you")

	out, err := h.engine.Process(context.Background(), c.ID)
	require.NoError(t, err)

	assert.True(t, out.Log.IsDegradedMode)
	assert.Equal(t, classifier.HeuristicModel, out.Log.Model)
	assert.Equal(t, models.CategoryThreat, out.Log.Category)
	assert.Equal(t, models.ActionDelete, out.Log.Action)
}

func TestDegradedModeRaisesThresholds(t *testing.T) {
	h := newHarness(t, nil)
	h.classifier.err = errors.New("connection refused")
	c := h.AddComment("c1", "rude", "you are an idiot")

	out, err := h.engine.Process(context.Background(), c.ID)
	require.NoError(t, err)

	// heuristic harassment risk 60 stays under the degraded delete floor
	assert.Equal(t, models.ActionFlag, out.Log.Action)
	assert.Contains(t, out.Log.Formula, "global=90")
	assert.Zero(t, h.Adapter.CallCount())
}

func TestKnownThreatEscalates(t *testing.T) {
	h := newHarness(t, &classifier.Result{Category: models.CategoryBenign, Model: "ml-service"})
	h.Store.Known = append(h.Store.Known, &models.KnownThreat{
		ID: 1, UserID: testutil.Int64(testutil.OwnerUserID), Username: testutil.String("stalker"),
		EscalateImmediately: true, AutoBlockDirect: true, IsActive: true,
	})
	c := h.AddComment("c1", "stalker", "hi again")

	out, err := h.engine.Process(context.Background(), c.ID)
	require.NoError(t, err)

	assert.Equal(t, "known_threat", out.Escalation)
	assert.Equal(t, models.ActionDelete, out.Log.Action)
	assert.True(t, h.Store.Comment(c.ID).Deleted())
	assert.Equal(t, []string{"delete:c1", "block:id-stalker"}, h.Adapter.CallsSnapshot())
}

func TestSuspiciousAutoDeleteEscalates(t *testing.T) {
	h := newHarness(t, &classifier.Result{Category: models.CategorySpam, RiskScore: 10, Model: "ml-service"})
	_, err := h.aggregator.UnderAttack(context.Background(), h.Owner(), h.Account.ID, "attacker")
	require.NoError(t, err)
	c := h.AddComment("c1", "Attacker", "new comment")

	out, err := h.engine.Process(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, "suspicious_account", out.Escalation)
	assert.True(t, h.Store.Comment(c.ID).Deleted())
}

func TestEnforcementFailureKeepsLog(t *testing.T) {
	h := newHarness(t, &classifier.Result{Category: models.CategoryThreat, Severity: 95, Confidence: 1, RiskScore: 95, Model: "ml-service"})
	h.Adapter.SetError("delete", platform.ErrPermission)
	c := h.AddComment("c1", "attacker", "text")

	out, err := h.engine.Process(context.Background(), c.ID)
	require.NoError(t, err)

	assert.ErrorIs(t, out.EnforceErr, platform.ErrPermission)
	require.Len(t, h.Store.LogsFor(c.ID), 1)
	assert.Equal(t, models.ActionDelete, h.Store.LogsFor(c.ID)[0].Action)
	assert.False(t, h.Store.Comment(c.ID).Deleted())
}

func TestHandleJobMissingCommentIsPermanent(t *testing.T) {
	h := newHarness(t, &classifier.Result{})
	missing := int64(404)

	err := h.engine.HandleJob(context.Background(), &models.ModerationJob{CommentID: &missing})
	assert.True(t, queue.IsPermanent(err))
}

func TestDecide(t *testing.T) {
	rule := models.CategoryRule{Threshold: 80, AutoDelete: true}
	th := Thresholds{Global: 70, Hide: 50}

	action, _ := Decide(models.CategoryThreat, 85, rule, th)
	assert.Equal(t, models.ActionDelete, action)

	action, _ = Decide(models.CategoryThreat, 75, rule, th)
	assert.Equal(t, models.ActionFlag, action)

	action, _ = Decide(models.CategoryThreat, 90, models.CategoryRule{Threshold: 80}, th)
	assert.Equal(t, models.ActionFlag, action)

	action, _ = Decide(models.CategoryBenign, 95, rule, th)
	assert.Equal(t, models.ActionFlag, action)

	action, formula := Decide(models.CategorySpam, 10, rule, th)
	assert.Equal(t, models.ActionBenign, action)
	assert.Contains(t, formula, "=> BENIGN")
}

func TestFilterMatcherSkipsInvalidRegex(t *testing.T) {
	m := newFilterMatcher()
	filters := []*models.CustomFilter{
		{ID: 1, Pattern: "([", IsRegex: true, AutoFlag: true, IsActive: true},
		{ID: 2, Pattern: `promo\s+code`, IsRegex: true, AutoDelete: true, IsActive: true},
	}

	f, err := m.Match(filters, "use PROMO  code now")
	require.NotNil(t, f)
	assert.Equal(t, int64(2), f.ID)
	assert.Error(t, err)

	f, _ = m.Match(filters, "nothing here")
	assert.Nil(t, f)
}
