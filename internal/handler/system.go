package handler

import (
	"context"
	"net/http"
	"time"

	"safe-replies/internal/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Pinger reports database liveness.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// StatsSource returns queue counts.
type StatsSource interface {
	Stats(ctx context.Context) (*models.QueueStats, error)
}

// ThreatLookup returns the cross-tenant signal for a raw commenter id.
type ThreatLookup interface {
	Lookup(ctx context.Context, commenterID string) (models.ThreatSignal, error)
}

type SystemHandler interface {
	Health(c *gin.Context)
	QueueStats(c *gin.Context)
	CommenterThreat(c *gin.Context)
}

type systemHandler struct {
	db      Pinger
	queue   StatsSource
	threats ThreatLookup
	logger  *zap.Logger
}

func NewSystemHandler(db Pinger, queue StatsSource, threats ThreatLookup, logger *zap.Logger) SystemHandler {
	return &systemHandler{db: db, queue: queue, threats: threats, logger: logger}
}

// Health handles GET /health
func (h *systemHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if h.db != nil {
		if err := h.db.PingContext(ctx); err != nil {
			h.logger.Error("Health check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "database": "down"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// QueueStats handles GET /api/queue/stats
func (h *systemHandler) QueueStats(c *gin.Context) {
	stats, err := h.queue.Stats(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to get queue stats", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve queue stats"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// CommenterThreat handles GET /api/commenters/:id/threat. Only derived
// flags are returned.
func (h *systemHandler) CommenterThreat(c *gin.Context) {
	if _, ok := principal(c); !ok {
		return
	}
	commenterID := c.Param("id")
	if commenterID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "commenter id required"})
		return
	}
	signal, err := h.threats.Lookup(c.Request.Context(), commenterID)
	if err != nil {
		h.logger.Error("Threat lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to look up commenter"})
		return
	}
	c.JSON(http.StatusOK, signal)
}
