package platform

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"safe-replies/internal/metrics"
	"safe-replies/internal/models"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// maxPages bounds cursor pagination for one listing.
const maxPages = 50

// Options configures a Graph API client.
type Options struct {
	BaseURL              string
	APIVersion           string
	AppSecret            string
	RequestsPerSecond    float64
	Burst                int
	MaxRetries           uint64
	Timeout              time.Duration
	RetryInitialInterval time.Duration
}

// APIError is an error object returned by the Graph API.
type APIError struct {
	StatusCode int    `json:"-"`
	Message    string `json:"message"`
	Type       string `json:"type"`
	Code       int    `json:"code"`
	Subcode    int    `json:"error_subcode"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("graph api error (status %d, code %d/%d): %s", e.StatusCode, e.Code, e.Subcode, e.Message)
}

// Unwrap classifies the error into one of the package sentinels.
func (e *APIError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusTooManyRequests, e.Code == 4, e.Code == 17, e.Code == 32, e.Code == 613:
		return ErrRateLimited
	case e.Code == 190, e.StatusCode == http.StatusUnauthorized:
		return ErrInvalidToken
	case e.Code == 10, e.Code >= 200 && e.Code < 300, e.StatusCode == http.StatusForbidden:
		return ErrPermission
	case e.Code == 100 && e.Subcode == 33, e.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case e.StatusCode >= 500, e.Code == 1, e.Code == 2:
		return ErrTransient
	}
	return nil
}

type errorEnvelope struct {
	Error *APIError `json:"error"`
}

type page struct {
	Data   []json.RawMessage `json:"data"`
	Paging struct {
		Next string `json:"next"`
	} `json:"paging"`
}

// graphClient is shared by the Instagram and Facebook adapters. It throttles
// every request with a token bucket and retries transient failures with
// exponential backoff. Other errors are returned immediately.
type graphClient struct {
	platform        models.Platform
	baseURL         string
	appSecret       string
	httpClient      *http.Client
	limiter         *rate.Limiter
	maxRetries      uint64
	initialInterval time.Duration
	metrics         *metrics.Metrics
	logger          *zap.Logger
}

func newGraphClient(platform models.Platform, opts Options, m *metrics.Metrics, logger *zap.Logger) *graphClient {
	if opts.RetryInitialInterval == 0 {
		opts.RetryInitialInterval = 500 * time.Millisecond
	}
	if opts.RequestsPerSecond == 0 {
		opts.RequestsPerSecond = 5
	}
	if opts.Burst == 0 {
		opts.Burst = 1
	}
	if opts.Timeout == 0 {
		opts.Timeout = 15 * time.Second
	}
	base := strings.TrimRight(opts.BaseURL, "/")
	if opts.APIVersion != "" {
		base += "/" + opts.APIVersion
	}
	return &graphClient{
		platform:        platform,
		baseURL:         base,
		appSecret:       opts.AppSecret,
		httpClient:      &http.Client{Timeout: opts.Timeout},
		limiter:         rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.Burst),
		maxRetries:      opts.MaxRetries,
		initialInterval: opts.RetryInitialInterval,
		metrics:         m,
		logger:          logger.With(zap.String("platform", string(platform))),
	}
}

// Platform returns the platform served by the client.
func (c *graphClient) Platform() models.Platform {
	return c.platform
}

// authParams adds the token and, when an app secret is configured, the
// appsecret_proof the Graph API accepts for server-side calls.
func (c *graphClient) authParams(token string, params url.Values) url.Values {
	if params == nil {
		params = url.Values{}
	}
	params.Set("access_token", token)
	if c.appSecret != "" {
		mac := hmac.New(sha256.New, []byte(c.appSecret))
		mac.Write([]byte(token))
		params.Set("appsecret_proof", hex.EncodeToString(mac.Sum(nil)))
	}
	return params
}

func (c *graphClient) get(ctx context.Context, token, path string, params url.Values, out any) error {
	u := c.baseURL + "/" + strings.TrimLeft(path, "/") + "?" + c.authParams(token, params).Encode()
	return c.do(ctx, http.MethodGet, u, path, nil, out)
}

func (c *graphClient) post(ctx context.Context, token, path string, form url.Values, out any) error {
	u := c.baseURL + "/" + strings.TrimLeft(path, "/")
	return c.do(ctx, http.MethodPost, u, path, c.authParams(token, form), out)
}

func (c *graphClient) delete(ctx context.Context, token, path string) error {
	u := c.baseURL + "/" + strings.TrimLeft(path, "/") + "?" + c.authParams(token, nil).Encode()
	return c.do(ctx, http.MethodDelete, u, path, nil, nil)
}

// list reads every page of an edge, following the opaque paging.next URL.
func (c *graphClient) list(ctx context.Context, token, path string, params url.Values, each func(json.RawMessage) error) error {
	var p page
	if err := c.get(ctx, token, path, params, &p); err != nil {
		return err
	}
	for pages := 1; ; pages++ {
		for _, item := range p.Data {
			if err := each(item); err != nil {
				return err
			}
		}
		next := p.Paging.Next
		if next == "" || len(p.Data) == 0 {
			return nil
		}
		if pages >= maxPages {
			c.logger.Warn("Pagination limit reached", zap.String("path", path), zap.Int("pages", pages))
			return nil
		}
		p = page{}
		if err := c.do(ctx, http.MethodGet, next, path, nil, &p); err != nil {
			return err
		}
	}
}

// do performs a request with throttling and retry. label is a token-free
// description of the request used in logs and metrics.
func (c *graphClient) do(ctx context.Context, method, rawURL, label string, form url.Values, out any) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(b, c.maxRetries), ctx)

	op := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		err := c.once(ctx, method, rawURL, form, out)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrTransient) || errors.Is(err, ErrRateLimited) {
			return err
		}
		return backoff.Permanent(err)
	}

	notify := func(err error, wait time.Duration) {
		c.logger.Warn("Retrying Graph API request",
			zap.String("method", method),
			zap.String("path", label),
			zap.Duration("wait", wait),
			zap.Error(err))
	}

	return backoff.RetryNotify(op, policy, notify)
}

func (c *graphClient) once(ctx context.Context, method, rawURL string, form url.Values, out any) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.RecordPlatformRequest(string(c.platform), method, metrics.StatusError, time.Since(start))
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrTransient, redact(err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		c.metrics.RecordPlatformRequest(string(c.platform), method, metrics.StatusError, time.Since(start))
		return fmt.Errorf("%w: failed to read response: %v", ErrTransient, err)
	}

	if resp.StatusCode >= 400 {
		c.metrics.RecordPlatformRequest(string(c.platform), method, metrics.StatusError, time.Since(start))
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var env errorEnvelope
		if json.Unmarshal(data, &env) == nil && env.Error != nil {
			apiErr = env.Error
			apiErr.StatusCode = resp.StatusCode
		} else {
			apiErr.Message = truncate(string(data), 200)
		}
		return apiErr
	}

	c.metrics.RecordPlatformRequest(string(c.platform), method, metrics.StatusSuccess, time.Since(start))
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// userAction posts a commenter to an account sub-resource such as
// /{account-id}/blocked.
func (c *graphClient) userAction(ctx context.Context, token, accountID, edge, userID string) error {
	form := url.Values{}
	form.Set("user", userID)
	return c.post(ctx, token, accountID+"/"+edge, form, nil)
}

func (c *graphClient) subscribe(ctx context.Context, token, accountID, fields string) error {
	form := url.Values{}
	form.Set("subscribed_fields", fields)
	return c.post(ctx, token, accountID+"/subscribed_apps", form, nil)
}

func (c *graphClient) unsubscribe(ctx context.Context, token, accountID string) error {
	return c.delete(ctx, token, accountID+"/subscribed_apps")
}

// redact strips the query string, and with it the access token, from
// url.Error messages.
func redact(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		if u, perr := url.Parse(ue.URL); perr == nil {
			u.RawQuery = ""
			return &url.Error{Op: ue.Op, URL: u.String(), Err: ue.Err}
		}
	}
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, layout := range []string{"2006-01-02T15:04:05-0700", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}
