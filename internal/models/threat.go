package models

import "time"

// SuspiciousAccount aggregates abuse signal for one commenter on one Account.
// The commenter is matched by id or username because platforms supply them
// inconsistently.
type SuspiciousAccount struct {
	ID                int64      `db:"id" json:"id"`
	AccountID         int64      `db:"account_id" json:"account_id"`
	CommenterID       *string    `db:"commenter_id" json:"commenter_id,omitempty"`
	CommenterUsername *string    `db:"commenter_username" json:"commenter_username,omitempty"`
	BlackmailCount    int        `db:"blackmail_count" json:"blackmail_count"`
	ThreatCount       int        `db:"threat_count" json:"threat_count"`
	DefamationCount   int        `db:"defamation_count" json:"defamation_count"`
	HarassmentCount   int        `db:"harassment_count" json:"harassment_count"`
	SpamCount         int        `db:"spam_count" json:"spam_count"`
	TotalViolations   int        `db:"total_violations" json:"total_violations"`
	TotalComments     int        `db:"total_comments" json:"total_comments"`
	AverageRisk       float64    `db:"average_risk" json:"average_risk"`
	HighestRisk       int        `db:"highest_risk" json:"highest_risk"`
	Velocity          float64    `db:"velocity" json:"velocity"`
	FirstSeenAt       time.Time  `db:"first_seen_at" json:"first_seen_at"`
	LastSeenAt        time.Time  `db:"last_seen_at" json:"last_seen_at"`
	IsBlocked         bool       `db:"is_blocked" json:"is_blocked"`
	AutoDeleteEnabled bool       `db:"auto_delete_enabled" json:"auto_delete_enabled"`
	IsWatchlisted     bool       `db:"is_watchlisted" json:"is_watchlisted"`
	IsHidden          bool       `db:"is_hidden" json:"is_hidden"`
	BlockedAt         *time.Time `db:"blocked_at" json:"blocked_at,omitempty"`
}

// Increment bumps the counter for a category. Benign is not counted.
func (s *SuspiciousAccount) Increment(c Category) {
	switch c {
	case CategoryBlackmail:
		s.BlackmailCount++
	case CategoryThreat:
		s.ThreatCount++
	case CategoryDefamation:
		s.DefamationCount++
	case CategoryHarassment:
		s.HarassmentCount++
	case CategorySpam:
		s.SpamCount++
	default:
		return
	}
	s.TotalViolations++
}

// KnownThreat is a tenant-scoped manual threat record.
type KnownThreat struct {
	ID                  int64     `db:"id" json:"id"`
	UserID              *int64    `db:"user_id" json:"user_id,omitempty"`
	ClientID            *int64    `db:"client_id" json:"client_id,omitempty"`
	Username            *string   `db:"username" json:"username,omitempty"`
	PlatformUserID      *string   `db:"platform_user_id" json:"platform_user_id,omitempty"`
	AutoBlockDirect     bool      `db:"auto_block_direct" json:"auto_block_direct"`
	AutoFlagReferences  bool      `db:"auto_flag_references" json:"auto_flag_references"`
	EscalateImmediately bool      `db:"escalate_immediately" json:"escalate_immediately"`
	IsActive            bool      `db:"is_active" json:"is_active"`
	Notes               string    `db:"notes" json:"notes"`
	CreatedAt           time.Time `db:"created_at" json:"created_at"`
}

// GlobalThreat is the cross-tenant aggregate for one hashed commenter id.
// It never holds a raw commenter id or username.
type GlobalThreat struct {
	CommenterHash   string    `db:"commenter_hash" json:"-"`
	TotalAgencies   int       `db:"total_agencies" json:"total_agencies"`
	BlackmailCount  int       `db:"blackmail_count" json:"blackmail_count"`
	ThreatCount     int       `db:"threat_count" json:"threat_count"`
	DefamationCount int       `db:"defamation_count" json:"defamation_count"`
	HarassmentCount int       `db:"harassment_count" json:"harassment_count"`
	SpamCount       int       `db:"spam_count" json:"spam_count"`
	TotalViolations int       `db:"total_violations" json:"total_violations"`
	HighestRisk     int       `db:"highest_risk" json:"highest_risk"`
	AverageRisk     float64   `db:"average_risk" json:"average_risk"`
	IsGlobalThreat  bool      `db:"is_global_threat" json:"is_global_threat"`
	FirstReportedAt time.Time `db:"first_reported_at" json:"first_reported_at"`
	LastReportedAt  time.Time `db:"last_reported_at" json:"last_reported_at"`
}

// ThreatSignal is what a tenant may learn about a commenter from the global
// network.
type ThreatSignal struct {
	HasBeenReported    bool `json:"has_been_reported"`
	ReportedByAgencies int  `json:"reported_by_agencies"`
	IsGlobalThreat     bool `json:"is_global_threat"`
}
