package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"safe-replies/internal/models"
	"safe-replies/internal/platform"

	"go.uber.org/zap"
)

// WebhookPayload is the body of a Meta webhook delivery.
type WebhookPayload struct {
	Object string         `json:"object"`
	Entry  []WebhookEntry `json:"entry"`
}

// WebhookEntry groups the changes for one account or page.
type WebhookEntry struct {
	ID      string          `json:"id"`
	Time    int64           `json:"time"`
	Changes []WebhookChange `json:"changes"`
}

// WebhookChange is a single change notification.
type WebhookChange struct {
	Field string          `json:"field"`
	Value json.RawMessage `json:"value"`
}

// instagramComment is the value of an Instagram "comments" change.
type instagramComment struct {
	ID       string          `json:"id"`
	Text     string          `json:"text"`
	ParentID string          `json:"parent_id"`
	From     platform.Author `json:"from"`
	Media    struct {
		ID string `json:"id"`
	} `json:"media"`
}

// pageFeedChange is the value of a Facebook page "feed" change.
type pageFeedChange struct {
	Item        string `json:"item"`
	Verb        string `json:"verb"`
	CommentID   string `json:"comment_id"`
	PostID      string `json:"post_id"`
	ParentID    string `json:"parent_id"`
	Message     string `json:"message"`
	CreatedTime int64  `json:"created_time"`
	From        struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"from"`
}

// WebhookStats counts what a delivery produced.
type WebhookStats struct {
	Events  int
	Created int
	Ignored int
	Failed  int
}

// ParseWebhook decodes a delivery into comment events. Changes that are not
// new comments are skipped.
func ParseWebhook(body []byte) ([]Event, int, error) {
	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, 0, fmt.Errorf("failed to decode webhook payload: %w", err)
	}

	var events []Event
	ignored := 0
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			ev, ok, err := parseChange(payload.Object, change)
			if err != nil || !ok {
				ignored++
				continue
			}
			events = append(events, ev)
		}
	}
	return events, ignored, nil
}

func parseChange(object string, change WebhookChange) (Event, bool, error) {
	switch {
	case object == "instagram" && change.Field == "comments":
		var v instagramComment
		if err := json.Unmarshal(change.Value, &v); err != nil {
			return Event{}, false, err
		}
		return Event{
			Platform: models.PlatformInstagram,
			Source:   SourceWebhook,
			Comment: platform.RawComment{
				ID:       v.ID,
				Text:     v.Text,
				From:     v.From,
				MediaID:  v.Media.ID,
				ParentID: v.ParentID,
			},
		}, v.ID != "", nil

	case object == "page" && change.Field == "feed":
		var v pageFeedChange
		if err := json.Unmarshal(change.Value, &v); err != nil {
			return Event{}, false, err
		}
		if v.Item != "comment" || v.Verb != "add" {
			return Event{}, false, nil
		}
		raw := platform.RawComment{
			ID:       v.CommentID,
			Text:     v.Message,
			From:     platform.Author{ID: v.From.ID, Username: v.From.Name},
			MediaID:  v.PostID,
			ParentID: v.ParentID,
		}
		if v.CreatedTime > 0 {
			t := time.Unix(v.CreatedTime, 0).UTC()
			raw.Timestamp = &t
		}
		return Event{Platform: models.PlatformFacebook, Source: SourceWebhook, Comment: raw}, v.CommentID != "", nil
	}
	return Event{}, false, nil
}

// HandleWebhook ingests every comment of a verified delivery. One failing
// event does not stop the rest.
func (s *Service) HandleWebhook(ctx context.Context, body []byte) (*WebhookStats, error) {
	events, ignored, err := ParseWebhook(body)
	if err != nil {
		return nil, err
	}

	stats := &WebhookStats{Events: len(events), Ignored: ignored}
	var errs []error
	for _, ev := range events {
		refs, err := s.Ingest(ctx, ev)
		for _, ref := range refs {
			if ref.Created {
				stats.Created++
			}
		}
		if err != nil {
			stats.Failed++
			errs = append(errs, fmt.Errorf("comment %s: %w", ev.Comment.ID, err))
		}
	}

	s.logger.Info("Webhook processed",
		zap.Int("events", stats.Events),
		zap.Int("created", stats.Created),
		zap.Int("ignored", stats.Ignored),
		zap.Int("failed", stats.Failed))
	return stats, errors.Join(errs...)
}
