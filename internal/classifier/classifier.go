// Package classifier scores comment text for abuse. The scoring model is an
// external collaborator; this package only adapts its input and output.
package classifier

import (
	"context"
	"errors"
	"math"

	"safe-replies/internal/models"
)

// ErrUnavailable means no provider produced a usable result. Callers switch
// to degraded mode.
var ErrUnavailable = errors.New("classification unavailable")

// Input is the comment and its context.
type Input struct {
	Text              string `json:"text"`
	CommenterUsername string `json:"commenter_username,omitempty"`
	PostCaption       string `json:"post_caption,omitempty"`
	ParentText        string `json:"parent_text,omitempty"`
	Platform          string `json:"platform,omitempty"`
}

// Result is a classification outcome.
type Result struct {
	Category   models.Category `json:"category"`
	Severity   int             `json:"severity"`
	Confidence float64         `json:"confidence"`
	RiskScore  int             `json:"risk_score"`
	Model      string          `json:"model"`
	Rationale  string          `json:"rationale"`
}

// Classifier classifies one comment.
type Classifier interface {
	Classify(ctx context.Context, in Input) (*Result, error)
}

// normalize maps unknown categories to benign, clamps ranges and derives a
// risk score when the provider did not return one.
func normalize(r *Result) *Result {
	r.Category = models.ParseCategory(string(r.Category))
	r.Severity = clampInt(r.Severity, 0, 100)
	r.Confidence = math.Max(0, math.Min(1, r.Confidence))
	if r.RiskScore == 0 && r.Severity > 0 {
		r.RiskScore = int(math.Round(float64(r.Severity) * r.Confidence))
	}
	r.RiskScore = clampInt(r.RiskScore, 0, 100)
	return r
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
