package threat

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"safe-replies/internal/alerts"
	"safe-replies/internal/crypto"
	"safe-replies/internal/models"
	"safe-replies/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingNotifier struct {
	alerts []alerts.Alert
}

func (r *recordingNotifier) Notify(_ context.Context, a alerts.Alert) error {
	r.alerts = append(r.alerts, a)
	return nil
}

func newCorrelator(t *testing.T) (*Correlator, *testutil.Store, *recordingNotifier) {
	t.Helper()
	km, err := crypto.NewKeyManager(base64.StdEncoding.EncodeToString([]byte(strings.Repeat("t", 32))))
	require.NoError(t, err)
	store := testutil.NewStore()
	n := &recordingNotifier{}
	return NewCorrelator(store, km, n, time.Minute, zap.NewNop()), store, n
}

func TestHashIsDeterministicSHA256Hex(t *testing.T) {
	assert.Equal(t, Hash("17841400000"), Hash("17841400000"))
	assert.NotEqual(t, Hash("a"), Hash("b"))
	assert.Len(t, Hash("a"), 64)
}

func TestLookupUnknownCommenter(t *testing.T) {
	c, _, _ := newCorrelator(t)
	signal, err := c.Lookup(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, models.ThreatSignal{}, signal)
}

func TestRepeatReportsDoNotInflateAgencies(t *testing.T) {
	c, _, _ := newCorrelator(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := c.Report(ctx, "u:1", "commenter-9", models.CategoryHarassment, 60)
		require.NoError(t, err)
	}

	signal, err := c.Lookup(ctx, "commenter-9")
	require.NoError(t, err)
	assert.True(t, signal.HasBeenReported)
	assert.Equal(t, 1, signal.ReportedByAgencies)
	assert.False(t, signal.IsGlobalThreat)
}

func TestThreeAgenciesMakeGlobalThreat(t *testing.T) {
	c, _, n := newCorrelator(t)
	ctx := context.Background()

	for _, tenant := range []string{"u:1", "c:2", "u:3"} {
		_, err := c.Report(ctx, tenant, "commenter-9", models.CategoryBlackmail, 75)
		require.NoError(t, err)
	}

	signal, err := c.Lookup(ctx, "commenter-9")
	require.NoError(t, err)
	assert.Equal(t, 3, signal.ReportedByAgencies)
	assert.True(t, signal.IsGlobalThreat)

	require.Len(t, n.alerts, 1)
	assert.Equal(t, alerts.KindGlobalThreat, n.alerts[0].Kind)
	assert.NotContains(t, n.alerts[0].Text, "commenter-9")
}

func TestTwoAgenciesWithHighRiskMakeGlobalThreat(t *testing.T) {
	assert.False(t, IsGlobal(2, 89))
	assert.True(t, IsGlobal(2, 90))
	assert.False(t, IsGlobal(1, 100))
	assert.True(t, IsGlobal(3, 0))
}

func TestBenignIsNotReported(t *testing.T) {
	c, store, _ := newCorrelator(t)
	_, err := c.Report(context.Background(), "u:1", "commenter-9", models.CategoryBenign, 10)
	require.NoError(t, err)
	assert.Empty(t, store.Global)
}

func TestStoredStateHoldsNoRawIdentifiers(t *testing.T) {
	c, store, _ := newCorrelator(t)
	ctx := context.Background()
	raw := "raw-commenter-id-123"
	tenant := "u:42"

	_, err := c.Report(ctx, tenant, raw, models.CategoryThreat, 95)
	require.NoError(t, err)

	for hash, g := range store.Global {
		assert.Equal(t, Hash(raw), hash)
		data, err := json.Marshal(g)
		require.NoError(t, err)
		assert.NotContains(t, string(data), raw)
		assert.NotContains(t, string(data), hash)
	}
	for _, reporters := range store.Reporters {
		for reporter := range reporters {
			assert.NotEqual(t, tenant, reporter)
		}
	}

	signal, err := c.Lookup(ctx, raw)
	require.NoError(t, err)
	data, err := json.Marshal(signal)
	require.NoError(t, err)
	assert.NotContains(t, string(data), raw)
	assert.JSONEq(t, `{"has_been_reported": true, "reported_by_agencies": 1, "is_global_threat": false}`, string(data))
}
