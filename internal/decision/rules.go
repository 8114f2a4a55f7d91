package decision

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"safe-replies/internal/models"

	"github.com/patrickmn/go-cache"
)

// CustomFilterModel is recorded when a custom filter decided the action.
const CustomFilterModel = "custom-filter"

// Thresholds are the effective limits for one decision.
type Thresholds struct {
	Global int
	Hide   int
}

// Decide applies the threshold rule: DELETE when the category auto-deletes
// and the risk reaches both the category and global thresholds, FLAG when it
// reaches the hide threshold, BENIGN otherwise. The returned formula
// describes the evaluation.
func Decide(category models.Category, risk int, rule models.CategoryRule, t Thresholds) (models.Action, string) {
	action := models.ActionBenign
	switch {
	case category != models.CategoryBenign && rule.AutoDelete && risk >= rule.Threshold && risk >= t.Global:
		action = models.ActionDelete
	case risk >= t.Hide:
		action = models.ActionFlag
	}
	formula := fmt.Sprintf("category=%s risk=%d category_threshold=%d auto_delete=%t global=%d hide=%d => %s",
		category, risk, rule.Threshold, rule.AutoDelete, t.Global, t.Hide, action)
	return action, formula
}

// filterMatcher matches comment text against tenant filters. Compiled
// patterns are cached; invalid patterns never match.
type filterMatcher struct {
	patterns *cache.Cache
}

func newFilterMatcher() *filterMatcher {
	return &filterMatcher{patterns: cache.New(time.Hour, 2*time.Hour)}
}

type compiled struct {
	re  *regexp.Regexp
	err error
}

func (m *filterMatcher) regex(pattern string) (*regexp.Regexp, error) {
	if v, ok := m.patterns.Get(pattern); ok {
		c := v.(compiled)
		return c.re, c.err
	}
	re, err := regexp.Compile("(?i)" + pattern)
	m.patterns.SetDefault(pattern, compiled{re: re, err: err})
	return re, err
}

// Match returns the first filter carrying an automatic action whose pattern
// matches text.
func (m *filterMatcher) Match(filters []*models.CustomFilter, text string) (*models.CustomFilter, error) {
	lower := strings.ToLower(text)
	var badPattern error
	for _, f := range filters {
		if !f.IsActive || !(f.AutoDelete || f.AutoHide || f.AutoFlag) || f.Pattern == "" {
			continue
		}
		if f.IsRegex {
			re, err := m.regex(f.Pattern)
			if err != nil {
				badPattern = fmt.Errorf("filter %d: %w", f.ID, err)
				continue
			}
			if re.MatchString(text) {
				return f, badPattern
			}
			continue
		}
		if strings.Contains(lower, strings.ToLower(f.Pattern)) {
			return f, badPattern
		}
	}
	return nil, badPattern
}

// filterAction maps a filter's flags to an action. Delete wins over hide,
// hide over flag.
func filterAction(f *models.CustomFilter) (models.Action, bool) {
	switch {
	case f.AutoDelete:
		return models.ActionDelete, false
	case f.AutoHide:
		return models.ActionFlag, true
	default:
		return models.ActionFlag, false
	}
}
