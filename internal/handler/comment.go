package handler

import (
	"context"
	"net/http"

	"safe-replies/internal/decision"
	"safe-replies/internal/enforcement"
	"safe-replies/internal/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Executor is the enforcement surface used by the comment routes.
type Executor interface {
	Execute(ctx context.Context, p models.Principal, commentID int64, action enforcement.Action) enforcement.Result
	BulkDelete(ctx context.Context, p models.Principal, commentIDs []int64) enforcement.BulkResult
	BulkHide(ctx context.Context, p models.Principal, commentIDs []int64) enforcement.BulkResult
}

// Reclassifier re-runs moderation for one comment.
type Reclassifier interface {
	Reclassify(ctx context.Context, p models.Principal, commentID int64) (*decision.Outcome, error)
}

type CommentHandler interface {
	BulkDelete(c *gin.Context)
	BulkHide(c *gin.Context)
	Action(action enforcement.Action) gin.HandlerFunc
	Reclassify(c *gin.Context)
}

type commentHandler struct {
	executor     Executor
	reclassifier Reclassifier
	logger       *zap.Logger
}

func NewCommentHandler(executor Executor, reclassifier Reclassifier, logger *zap.Logger) CommentHandler {
	return &commentHandler{executor: executor, reclassifier: reclassifier, logger: logger}
}

// BulkRequest lists comments for a bulk operation.
type BulkRequest struct {
	CommentIDs []int64 `json:"comment_ids" binding:"required,min=1,max=500"`
}

// BulkDelete handles POST /api/comments/bulk-delete
func (h *commentHandler) BulkDelete(c *gin.Context) {
	h.bulk(c, h.executor.BulkDelete)
}

// BulkHide handles POST /api/comments/bulk-hide
func (h *commentHandler) BulkHide(c *gin.Context) {
	h.bulk(c, h.executor.BulkHide)
}

func (h *commentHandler) bulk(c *gin.Context, run func(context.Context, models.Principal, []int64) enforcement.BulkResult) {
	p, ok := principal(c)
	if !ok {
		return
	}
	var req BulkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res := run(c.Request.Context(), p, req.CommentIDs)
	c.JSON(http.StatusOK, res)
}

// Action handles POST /api/comments/:id/{delete,hide,unhide,block,restrict,report}
func (h *commentHandler) Action(action enforcement.Action) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := principal(c)
		if !ok {
			return
		}
		id, ok := idParam(c)
		if !ok {
			return
		}
		res := h.executor.Execute(c.Request.Context(), p, id, action)
		if res.Err != nil {
			h.logger.Info("Comment action failed",
				zap.Int64("comment_id", id),
				zap.String("action", string(action)),
				zap.Error(res.Err))
			abortWithError(c, res.Err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "skipped": res.Skipped})
	}
}

// Reclassify handles POST /api/comments/:id/reclassify
func (h *commentHandler) Reclassify(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	id, ok := idParam(c)
	if !ok {
		return
	}
	out, err := h.reclassifier.Reclassify(c.Request.Context(), p, id)
	if err != nil {
		h.logger.Error("Reclassification failed", zap.Int64("comment_id", id), zap.Error(err))
		abortWithError(c, err)
		return
	}
	resp := gin.H{"log": out.Log, "skipped": out.Skipped, "enforced": out.Enforced}
	if out.EnforceErr != nil {
		_, reason := statusFor(out.EnforceErr)
		resp["enforcement_error"] = reason
	}
	c.JSON(http.StatusOK, resp)
}
