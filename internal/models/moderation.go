package models

import "time"

// Category is an abuse category returned by classification.
type Category string

const (
	CategoryBlackmail  Category = "blackmail"
	CategoryThreat     Category = "threat"
	CategoryDefamation Category = "defamation"
	CategoryHarassment Category = "harassment"
	CategorySpam       Category = "spam"
	CategoryBenign     Category = "benign"
)

// AbuseCategories lists every non-benign category.
var AbuseCategories = []Category{
	CategoryBlackmail,
	CategoryThreat,
	CategoryDefamation,
	CategoryHarassment,
	CategorySpam,
}

// ParseCategory normalises a category label. Unknown labels map to benign.
func ParseCategory(s string) Category {
	c := Category(s)
	for _, known := range AbuseCategories {
		if c == known {
			return c
		}
	}
	return CategoryBenign
}

// Action is a moderation decision.
type Action string

const (
	ActionDelete Action = "DELETE"
	ActionHide   Action = "HIDE"
	ActionFlag   Action = "FLAG"
	ActionBenign Action = "BENIGN"
)

// ModerationLog is one classification result for a comment. Rows are
// append-only; the newest row per comment is the current rationale.
type ModerationLog struct {
	ID             int64     `db:"id" json:"id"`
	CommentID      int64     `db:"comment_id" json:"comment_id"`
	Category       Category  `db:"category" json:"category"`
	Severity       int       `db:"severity" json:"severity"`
	Confidence     float64   `db:"confidence" json:"confidence"`
	RiskScore      int       `db:"risk_score" json:"risk_score"`
	Model          string    `db:"model" json:"model"`
	Action         Action    `db:"action" json:"action"`
	Rationale      string    `db:"rationale" json:"rationale"`
	Formula        string    `db:"formula" json:"formula"`
	IsDegradedMode bool      `db:"is_degraded_mode" json:"is_degraded_mode"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// CategoryRule is the per-category auto-action configuration.
type CategoryRule struct {
	Threshold  int  `json:"threshold"`
	AutoDelete bool `json:"auto_delete"`
}

// ModerationSettings holds a tenant's thresholds. Exactly one of UserID and
// ClientID is set.
type ModerationSettings struct {
	ID              int64   `db:"id" json:"id"`
	UserID          *int64  `db:"user_id" json:"user_id,omitempty"`
	ClientID        *int64  `db:"client_id" json:"client_id,omitempty"`
	GlobalThreshold int     `db:"global_threshold" json:"global_threshold"`
	HideThreshold   int     `db:"hide_threshold" json:"hide_threshold"`
	Rules           RuleSet `db:"rules" json:"rules"`
	DailyActionCap  int     `db:"daily_action_cap" json:"daily_action_cap"`
}

// Rule returns the configured rule for a category; unknown categories get a
// rule that can never auto-delete.
func (s *ModerationSettings) Rule(c Category) CategoryRule {
	if r, ok := s.Rules[c]; ok {
		return r
	}
	return CategoryRule{Threshold: 101}
}

// DefaultSettings are used when a tenant never saved settings.
func DefaultSettings() *ModerationSettings {
	return &ModerationSettings{
		GlobalThreshold: 70,
		HideThreshold:   50,
		Rules: RuleSet{
			CategoryBlackmail:  {Threshold: 70, AutoDelete: true},
			CategoryThreat:     {Threshold: 70, AutoDelete: true},
			CategoryDefamation: {Threshold: 80, AutoDelete: true},
			CategoryHarassment: {Threshold: 75, AutoDelete: true},
			CategorySpam:       {Threshold: 85, AutoDelete: false},
		},
	}
}

// CustomFilter is a tenant keyword filter evaluated before classification.
type CustomFilter struct {
	ID         int64    `db:"id" json:"id"`
	UserID     *int64   `db:"user_id" json:"user_id,omitempty"`
	ClientID   *int64   `db:"client_id" json:"client_id,omitempty"`
	Pattern    string   `db:"pattern" json:"pattern"`
	IsRegex    bool     `db:"is_regex" json:"is_regex"`
	Category   Category `db:"category" json:"category"`
	AutoDelete bool     `db:"auto_delete" json:"auto_delete"`
	AutoHide   bool     `db:"auto_hide" json:"auto_hide"`
	AutoFlag   bool     `db:"auto_flag" json:"auto_flag"`
	IsActive   bool     `db:"is_active" json:"is_active"`
}

// EnforcementAttempt records the outcome of one platform action.
type EnforcementAttempt struct {
	ID        int64     `db:"id" json:"id"`
	CommentID int64     `db:"comment_id" json:"comment_id"`
	Action    string    `db:"action" json:"action"`
	Success   bool      `db:"success" json:"success"`
	ErrorKind string    `db:"error_kind" json:"error_kind,omitempty"`
	Error     string    `db:"error" json:"error,omitempty"`
	System    bool      `db:"system" json:"system"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
