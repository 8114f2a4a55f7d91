package classifier

import (
	"context"
	"strings"

	"safe-replies/internal/models"
)

// HeuristicModel is recorded on moderation logs produced in degraded mode.
const HeuristicModel = "heuristic"

type keywordRule struct {
	category models.Category
	severity int
	phrases  []string
}

var heuristicRules = []keywordRule{
	{models.CategoryThreat, 90, []string{"kill you", "hurt you", "find where you live", "you will regret", "watch your back", "you're dead", "you are dead"}},
	{models.CategoryBlackmail, 85, []string{"pay me", "or else i", "send money", "leak your", "expose you", "i have your photos", "unless you pay"}},
	{models.CategoryDefamation, 65, []string{"scammer", "fraud", "liar", "stole from", "is a thief", "criminal"}},
	{models.CategoryHarassment, 60, []string{"idiot", "stupid", "ugly", "loser", "nobody likes you", "shut up"}},
	{models.CategorySpam, 55, []string{"buy followers", "free followers", "check my profile", "dm me for", "click the link", "crypto", "promo code"}},
}

// Heuristic is a keyword scorer used when no provider is reachable. The
// decision engine pairs it with stricter thresholds.
type Heuristic struct{}

// Classify never fails.
func (Heuristic) Classify(_ context.Context, in Input) (*Result, error) {
	text := strings.ToLower(in.Text)

	best := Result{Category: models.CategoryBenign, Model: HeuristicModel, Confidence: 0.5}
	matches := 0
	var matched []string
	for _, rule := range heuristicRules {
		for _, phrase := range rule.phrases {
			if !strings.Contains(text, phrase) {
				continue
			}
			matches++
			matched = append(matched, phrase)
			if rule.severity > best.Severity {
				best.Category = rule.category
				best.Severity = rule.severity
			}
		}
	}

	if matches == 0 {
		best.Rationale = "no keyword matched"
		return &best, nil
	}

	best.RiskScore = clampInt(best.Severity+5*(matches-1), 0, 100)
	best.Rationale = "matched: " + strings.Join(matched, ", ")
	return &best, nil
}
