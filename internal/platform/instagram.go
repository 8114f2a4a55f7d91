package platform

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"

	"safe-replies/internal/metrics"
	"safe-replies/internal/models"

	"go.uber.org/zap"
)

const igCommentFields = "id,text,timestamp,username,from{id,username},hidden,parent_id,media{id}"

type igComment struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
	Username  string `json:"username"`
	From      *struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"from"`
	Hidden   *bool  `json:"hidden"`
	ParentID string `json:"parent_id"`
	Media    *struct {
		ID string `json:"id"`
	} `json:"media"`
}

func (c igComment) raw() RawComment {
	rc := RawComment{
		ID:        c.ID,
		Text:      c.Text,
		ParentID:  c.ParentID,
		Timestamp: parseTime(c.Timestamp),
		Hidden:    c.Hidden,
		From:      Author{Username: c.Username},
	}
	if c.From != nil {
		rc.From.ID = c.From.ID
		if rc.From.Username == "" {
			rc.From.Username = c.From.Username
		}
	}
	if c.Media != nil {
		rc.MediaID = c.Media.ID
	}
	return rc
}

// Instagram is the Instagram Graph API adapter.
type Instagram struct {
	*graphClient
}

var _ Adapter = (*Instagram)(nil)

// NewInstagram creates an Instagram adapter.
func NewInstagram(opts Options, m *metrics.Metrics, logger *zap.Logger) *Instagram {
	return &Instagram{graphClient: newGraphClient(models.PlatformInstagram, opts, m, logger)}
}

func (a *Instagram) FetchMedia(ctx context.Context, token, accountID string, limit int) ([]Media, error) {
	params := url.Values{}
	params.Set("fields", "id,caption,permalink,like_count,comments_count,timestamp")
	params.Set("limit", strconv.Itoa(limit))

	var p struct {
		Data []struct {
			ID            string `json:"id"`
			Caption       string `json:"caption"`
			Permalink     string `json:"permalink"`
			LikeCount     int    `json:"like_count"`
			CommentsCount int    `json:"comments_count"`
			Timestamp     string `json:"timestamp"`
		} `json:"data"`
	}
	if err := a.get(ctx, token, accountID+"/media", params, &p); err != nil {
		return nil, err
	}
	media := make([]Media, 0, len(p.Data))
	for _, m := range p.Data {
		media = append(media, Media{
			ID:            m.ID,
			Caption:       m.Caption,
			Permalink:     m.Permalink,
			LikeCount:     m.LikeCount,
			CommentsCount: m.CommentsCount,
			Timestamp:     parseTime(m.Timestamp),
		})
	}
	return media, nil
}

func (a *Instagram) FetchComments(ctx context.Context, token, mediaID string) ([]RawComment, error) {
	params := url.Values{}
	params.Set("fields", igCommentFields)
	params.Set("limit", "50")

	var comments []RawComment
	var withReplies []string
	err := a.list(ctx, token, mediaID+"/comments", params, func(item json.RawMessage) error {
		var c igComment
		if err := json.Unmarshal(item, &c); err != nil {
			return err
		}
		rc := c.raw()
		rc.MediaID = mediaID
		comments = append(comments, rc)
		withReplies = append(withReplies, rc.ID)
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, parentID := range withReplies {
		err := a.list(ctx, token, parentID+"/replies", params, func(item json.RawMessage) error {
			var c igComment
			if err := json.Unmarshal(item, &c); err != nil {
				return err
			}
			rc := c.raw()
			rc.MediaID = mediaID
			if rc.ParentID == "" {
				rc.ParentID = parentID
			}
			comments = append(comments, rc)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return comments, nil
}

func (a *Instagram) FetchComment(ctx context.Context, token, commentID string) (*RawComment, error) {
	params := url.Values{}
	params.Set("fields", igCommentFields)
	var c igComment
	if err := a.get(ctx, token, commentID, params, &c); err != nil {
		return nil, err
	}
	rc := c.raw()
	return &rc, nil
}

func (a *Instagram) DeleteComment(ctx context.Context, token, commentID string) error {
	return a.delete(ctx, token, commentID)
}

func (a *Instagram) HideComment(ctx context.Context, token, commentID string, hide bool) error {
	form := url.Values{}
	form.Set("hide", strconv.FormatBool(hide))
	return a.post(ctx, token, commentID, form, nil)
}

func (a *Instagram) BlockUser(ctx context.Context, token, accountID, userID string) error {
	return a.userAction(ctx, token, accountID, "blocked", userID)
}

func (a *Instagram) RestrictUser(ctx context.Context, token, accountID, userID string) error {
	return a.userAction(ctx, token, accountID, "restricted", userID)
}

func (a *Instagram) ReportUser(ctx context.Context, token, accountID, userID string) error {
	return a.userAction(ctx, token, accountID, "reported", userID)
}

func (a *Instagram) Subscribe(ctx context.Context, token, accountID string) error {
	return a.subscribe(ctx, token, accountID, "comments,mentions")
}

func (a *Instagram) Unsubscribe(ctx context.Context, token, accountID string) error {
	return a.unsubscribe(ctx, token, accountID)
}
