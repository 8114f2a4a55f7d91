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

const fbCommentFields = "id,message,created_time,from{id,name},is_hidden,parent{id}"

type fbComment struct {
	ID          string `json:"id"`
	Message     string `json:"message"`
	CreatedTime string `json:"created_time"`
	From        *struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"from"`
	IsHidden *bool `json:"is_hidden"`
	Parent   *struct {
		ID string `json:"id"`
	} `json:"parent"`
}

func (c fbComment) raw() RawComment {
	rc := RawComment{
		ID:        c.ID,
		Text:      c.Message,
		Timestamp: parseTime(c.CreatedTime),
		Hidden:    c.IsHidden,
	}
	if c.From != nil {
		rc.From = Author{ID: c.From.ID, Username: c.From.Name}
	}
	if c.Parent != nil {
		rc.ParentID = c.Parent.ID
	}
	return rc
}

// Facebook is the Facebook Pages Graph API adapter.
type Facebook struct {
	*graphClient
}

var _ Adapter = (*Facebook)(nil)

// NewFacebook creates a Facebook adapter.
func NewFacebook(opts Options, m *metrics.Metrics, logger *zap.Logger) *Facebook {
	return &Facebook{graphClient: newGraphClient(models.PlatformFacebook, opts, m, logger)}
}

func (a *Facebook) FetchMedia(ctx context.Context, token, pageID string, limit int) ([]Media, error) {
	params := url.Values{}
	params.Set("fields", "id,message,permalink_url,created_time,comments.summary(true).limit(0),reactions.summary(true).limit(0)")
	params.Set("limit", strconv.Itoa(limit))

	type summary struct {
		Summary struct {
			TotalCount int `json:"total_count"`
		} `json:"summary"`
	}
	var p struct {
		Data []struct {
			ID           string  `json:"id"`
			Message      string  `json:"message"`
			PermalinkURL string  `json:"permalink_url"`
			CreatedTime  string  `json:"created_time"`
			Comments     summary `json:"comments"`
			Reactions    summary `json:"reactions"`
		} `json:"data"`
	}
	if err := a.get(ctx, token, pageID+"/posts", params, &p); err != nil {
		return nil, err
	}
	media := make([]Media, 0, len(p.Data))
	for _, m := range p.Data {
		media = append(media, Media{
			ID:            m.ID,
			Caption:       m.Message,
			Permalink:     m.PermalinkURL,
			LikeCount:     m.Reactions.Summary.TotalCount,
			CommentsCount: m.Comments.Summary.TotalCount,
			Timestamp:     parseTime(m.CreatedTime),
		})
	}
	return media, nil
}

func (a *Facebook) FetchComments(ctx context.Context, token, postID string) ([]RawComment, error) {
	params := url.Values{}
	params.Set("fields", fbCommentFields)
	params.Set("limit", "100")

	var comments []RawComment
	var topLevel []string
	err := a.list(ctx, token, postID+"/comments", params, func(item json.RawMessage) error {
		var c fbComment
		if err := json.Unmarshal(item, &c); err != nil {
			return err
		}
		rc := c.raw()
		rc.MediaID = postID
		comments = append(comments, rc)
		topLevel = append(topLevel, rc.ID)
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, parentID := range topLevel {
		err := a.list(ctx, token, parentID+"/comments", params, func(item json.RawMessage) error {
			var c fbComment
			if err := json.Unmarshal(item, &c); err != nil {
				return err
			}
			rc := c.raw()
			rc.MediaID = postID
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

func (a *Facebook) FetchComment(ctx context.Context, token, commentID string) (*RawComment, error) {
	params := url.Values{}
	params.Set("fields", fbCommentFields)
	var c fbComment
	if err := a.get(ctx, token, commentID, params, &c); err != nil {
		return nil, err
	}
	rc := c.raw()
	return &rc, nil
}

func (a *Facebook) DeleteComment(ctx context.Context, token, commentID string) error {
	return a.delete(ctx, token, commentID)
}

func (a *Facebook) HideComment(ctx context.Context, token, commentID string, hide bool) error {
	form := url.Values{}
	form.Set("is_hidden", strconv.FormatBool(hide))
	return a.post(ctx, token, commentID, form, nil)
}

func (a *Facebook) BlockUser(ctx context.Context, token, pageID, userID string) error {
	return a.userAction(ctx, token, pageID, "blocked", userID)
}

// RestrictUser has no Pages API equivalent.
func (a *Facebook) RestrictUser(ctx context.Context, token, pageID, userID string) error {
	return ErrUnsupported
}

// ReportUser has no Pages API equivalent.
func (a *Facebook) ReportUser(ctx context.Context, token, pageID, userID string) error {
	return ErrUnsupported
}

func (a *Facebook) Subscribe(ctx context.Context, token, pageID string) error {
	return a.subscribe(ctx, token, pageID, "feed")
}

func (a *Facebook) Unsubscribe(ctx context.Context, token, pageID string) error {
	return a.unsubscribe(ctx, token, pageID)
}
