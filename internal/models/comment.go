package models

import "time"

// Comment is a comment or reply stored for a Post.
// (PlatformCommentID, PostID) is unique. Moderation flags are tri-state:
// nil means the comment has not been reviewed for that flag.
type Comment struct {
	ID                int64      `db:"id" json:"id"`
	PostID            int64      `db:"post_id" json:"post_id"`
	Platform          Platform   `db:"platform" json:"platform"`
	PlatformCommentID string     `db:"platform_comment_id" json:"platform_comment_id"`
	LegacyID          *string    `db:"legacy_id" json:"legacy_id,omitempty"`
	ParentCommentID   *int64     `db:"parent_comment_id" json:"parent_comment_id,omitempty"`
	Text              string     `db:"text" json:"text"`
	CommenterID       string     `db:"commenter_id" json:"commenter_id"`
	CommenterUsername string     `db:"commenter_username" json:"commenter_username"`
	CommentedAt       *time.Time `db:"commented_at" json:"commented_at,omitempty"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	HiddenAt          *time.Time `db:"hidden_at" json:"hidden_at,omitempty"`
	DeletedAt         *time.Time `db:"deleted_at" json:"deleted_at,omitempty"`
	IsHidden          *bool      `db:"is_hidden" json:"is_hidden"`
	IsDeleted         *bool      `db:"is_deleted" json:"is_deleted"`
	IsBlocked         *bool      `db:"is_blocked" json:"is_blocked"`
	IsRestricted      *bool      `db:"is_restricted" json:"is_restricted"`
	IsReported        *bool      `db:"is_reported" json:"is_reported"`
	IsAllowed         *bool      `db:"is_allowed" json:"is_allowed"`
	IsFlagged         *bool      `db:"is_flagged" json:"is_flagged"`
}

// Deleted reports whether the comment has been deleted.
func (c *Comment) Deleted() bool { return c.IsDeleted != nil && *c.IsDeleted }

// Hidden reports whether the comment is currently hidden.
func (c *Comment) Hidden() bool { return c.IsHidden != nil && *c.IsHidden }

// Allowed reports whether a reviewer explicitly allowed the comment.
func (c *Comment) Allowed() bool { return c.IsAllowed != nil && *c.IsAllowed }

// Flagged reports whether the comment is flagged for review.
func (c *Comment) Flagged() bool { return c.IsFlagged != nil && *c.IsFlagged }

// IsReply reports whether the comment is linked to a parent.
func (c *Comment) IsReply() bool { return c.ParentCommentID != nil }

// State is the moderation state of a comment derived from its flags.
type State string

const (
	StateUnclassified State = "UNCLASSIFIED"
	StateClassified   State = "CLASSIFIED"
	StateDeleted      State = "DELETED"
	StateHidden       State = "HIDDEN"
	StateFlagged      State = "FLAGGED"
	StateAllowed      State = "ALLOWED"
)

// CurrentState derives the state machine position. classified tells whether
// a moderation log exists for the comment.
func (c *Comment) CurrentState(classified bool) State {
	switch {
	case c.Deleted():
		return StateDeleted
	case c.Allowed():
		return StateAllowed
	case c.Hidden():
		return StateHidden
	case c.Flagged():
		return StateFlagged
	case classified:
		return StateClassified
	default:
		return StateUnclassified
	}
}

// Terminal reports whether no automated transition may leave the state.
func (s State) Terminal() bool {
	return s == StateDeleted || s == StateAllowed
}

// Bool returns a pointer to b, for tri-state flags.
func Bool(b bool) *bool { return &b }
