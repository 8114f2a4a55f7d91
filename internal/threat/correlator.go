// Package threat correlates commenters across tenants through one-way
// hashes. Only hashes and aggregate counters are ever stored.
package threat

import (
	"context"
	"fmt"
	"time"

	"safe-replies/internal/alerts"
	"safe-replies/internal/crypto"
	"safe-replies/internal/models"
	"safe-replies/internal/repository"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// Global-threat rule: reported by at least globalAgencies tenants, or by
// at least escalatedAgencies with a risk of escalatedRisk or more.
const (
	globalAgencies    = 3
	escalatedAgencies = 2
	escalatedRisk     = 90
)

// Hash is the deterministic identity hash used at read and write time.
func Hash(commenterID string) string {
	return crypto.HashIdentity(commenterID)
}

// Correlator reads and writes the global threat network.
type Correlator struct {
	repo     repository.ThreatRepository
	keys     *crypto.KeyManager
	cache    *cache.Cache
	notifier alerts.Notifier
	logger   *zap.Logger
}

// NewCorrelator creates a correlator. Lookups are cached for ttl.
func NewCorrelator(repo repository.ThreatRepository, keys *crypto.KeyManager, notifier alerts.Notifier, ttl time.Duration, logger *zap.Logger) *Correlator {
	return &Correlator{
		repo:     repo,
		keys:     keys,
		cache:    cache.New(ttl, ttl*2),
		notifier: notifier,
		logger:   logger,
	}
}

// Lookup returns what the network knows about a commenter. The result only
// carries derived flags.
func (c *Correlator) Lookup(ctx context.Context, commenterID string) (models.ThreatSignal, error) {
	if commenterID == "" {
		return models.ThreatSignal{}, nil
	}
	hash := Hash(commenterID)
	if v, ok := c.cache.Get(hash); ok {
		return v.(models.ThreatSignal), nil
	}

	g, err := c.repo.GetGlobalThreat(ctx, hash)
	if err != nil {
		return models.ThreatSignal{}, fmt.Errorf("failed to read global threat: %w", err)
	}
	signal := signalOf(g)
	c.cache.SetDefault(hash, signal)
	return signal, nil
}

func signalOf(g *models.GlobalThreat) models.ThreatSignal {
	if g == nil {
		return models.ThreatSignal{}
	}
	return models.ThreatSignal{
		HasBeenReported:    true,
		ReportedByAgencies: g.TotalAgencies,
		IsGlobalThreat:     g.IsGlobalThreat,
	}
}

// IsGlobal applies the global-threat rule.
func IsGlobal(agencies, highestRisk int) bool {
	return agencies >= globalAgencies || (agencies >= escalatedAgencies && highestRisk >= escalatedRisk)
}

// Report adds one violation by a commenter against the tenant identified by
// tenantKey. A tenant counts once per commenter however often it reports.
func (c *Correlator) Report(ctx context.Context, tenantKey, commenterID string, category models.Category, risk int) (models.ThreatSignal, error) {
	if commenterID == "" || tenantKey == "" || category == models.CategoryBenign {
		return models.ThreatSignal{}, nil
	}
	hash := Hash(commenterID)
	reporter := c.keys.ReporterHash(tenantKey)

	var becameGlobal bool
	g, err := c.repo.UpdateGlobalThreat(ctx, hash, reporter, func(g *models.GlobalThreat, newReporter bool) {
		wasGlobal := g.IsGlobalThreat
		if newReporter {
			g.TotalAgencies++
		}
		switch category {
		case models.CategoryBlackmail:
			g.BlackmailCount++
		case models.CategoryThreat:
			g.ThreatCount++
		case models.CategoryDefamation:
			g.DefamationCount++
		case models.CategoryHarassment:
			g.HarassmentCount++
		case models.CategorySpam:
			g.SpamCount++
		}
		g.TotalViolations++
		g.AverageRisk += (float64(risk) - g.AverageRisk) / float64(g.TotalViolations)
		if risk > g.HighestRisk {
			g.HighestRisk = risk
		}
		g.IsGlobalThreat = IsGlobal(g.TotalAgencies, g.HighestRisk)
		becameGlobal = g.IsGlobalThreat && !wasGlobal
	})
	if err != nil {
		return models.ThreatSignal{}, fmt.Errorf("failed to record global threat: %w", err)
	}

	c.cache.Delete(hash)
	signal := signalOf(g)

	if becameGlobal && c.notifier != nil {
		// only a short hash prefix leaves the service
		text := fmt.Sprintf("Commenter %s… is now a global threat (%d agencies, highest risk %d).",
			hash[:12], g.TotalAgencies, g.HighestRisk)
		if err := c.notifier.Notify(ctx, alerts.Alert{Kind: alerts.KindGlobalThreat, Text: text}); err != nil {
			c.logger.Warn("Failed to send global threat alert", zap.Error(err))
		}
	}
	return signal, nil
}
