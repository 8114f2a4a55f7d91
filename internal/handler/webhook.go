package handler

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"safe-replies/internal/ingestion"
	"safe-replies/internal/metrics"
	"safe-replies/internal/platform"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxWebhookBody = 1 << 20

// WebhookProcessor ingests a verified webhook body.
type WebhookProcessor interface {
	HandleWebhook(ctx context.Context, body []byte) (*ingestion.WebhookStats, error)
}

type WebhookHandler interface {
	Verify(c *gin.Context)
	Receive(c *gin.Context)
	// Wait blocks until detached webhook processing has finished.
	Wait()
}

type webhookHandler struct {
	processor   WebhookProcessor
	appSecret   string
	verifyToken string
	timeout     time.Duration
	metrics     *metrics.Metrics
	logger      *zap.Logger
	inflight    sync.WaitGroup
}

func NewWebhookHandler(processor WebhookProcessor, appSecret, verifyToken string, m *metrics.Metrics, logger *zap.Logger) WebhookHandler {
	return &webhookHandler{
		processor:   processor,
		appSecret:   appSecret,
		verifyToken: verifyToken,
		timeout:     2 * time.Minute,
		metrics:     m,
		logger:      logger,
	}
}

// Verify handles GET /webhooks/meta, the subscription handshake.
func (h *webhookHandler) Verify(c *gin.Context) {
	if c.Query("hub.mode") != "subscribe" || h.verifyToken == "" || c.Query("hub.verify_token") != h.verifyToken {
		c.JSON(http.StatusForbidden, gin.H{"error": "verification failed"})
		return
	}
	c.String(http.StatusOK, c.Query("hub.challenge"))
}

// Receive handles POST /webhooks/meta. The signature is checked on the raw
// body; processing continues after the response is sent.
func (h *webhookHandler) Receive(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		h.metrics.RecordWebhook(metrics.StatusError)
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}
	if err := platform.VerifySignature(h.appSecret, body, c.GetHeader(platform.SignatureHeader)); err != nil {
		h.metrics.RecordWebhook("unauthorized")
		h.logger.Warn("Rejected webhook with invalid signature", zap.String("remote", c.ClientIP()))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	h.metrics.RecordWebhook(metrics.StatusSuccess)
	c.String(http.StatusOK, "EVENT_RECEIVED")

	h.inflight.Add(1)
	go func() {
		defer h.inflight.Done()
		defer func() {
			if r := recover(); r != nil {
				h.logger.Error("Recovered from panic in webhook processing", zap.Any("panic", r))
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
		defer cancel()
		if _, err := h.processor.HandleWebhook(ctx, body); err != nil {
			h.logger.Error("Webhook processing failed", zap.Error(err))
		}
	}()
}

func (h *webhookHandler) Wait() {
	h.inflight.Wait()
}
