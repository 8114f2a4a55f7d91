package models

import (
	"encoding/json"
	"time"
)

// JobStatus is the lifecycle state of a queued job.
type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

// Job types carried by the moderation queue.
const (
	JobClassifyComment = "classify_comment"
)

// ModerationJob is a row of the moderation queue.
type ModerationJob struct {
	ID          string          `db:"id" json:"id"`
	JobType     string          `db:"job_type" json:"job_type"`
	CommentID   *int64          `db:"comment_id" json:"comment_id,omitempty"`
	Payload     json.RawMessage `db:"payload" json:"payload"`
	Status      JobStatus       `db:"status" json:"status"`
	Attempts    int             `db:"attempts" json:"attempts"`
	AvailableAt time.Time       `db:"available_at" json:"available_at"`
	LockedUntil *time.Time      `db:"locked_until" json:"locked_until,omitempty"`
	LastError   *string         `db:"last_error" json:"last_error,omitempty"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at" json:"updated_at"`
}

// ClassifyPayload is the payload of a classify_comment job.
type ClassifyPayload struct {
	CommentID int64  `json:"comment_id"`
	Source    string `json:"source"` // webhook, backfill, reclassify
}

// QueueStats summarises queue state.
type QueueStats struct {
	Pending int `db:"pending" json:"pending"`
	Running int `db:"running" json:"running"`
	Done    int `db:"done" json:"done"`
	Failed  int `db:"failed" json:"failed"`
}
