package handler

import (
	"errors"
	"net/http"
	"strconv"

	"safe-replies/internal/decision"
	"safe-replies/internal/enforcement"
	"safe-replies/internal/middleware"
	"safe-replies/internal/models"
	"safe-replies/internal/platform"
	"safe-replies/internal/suspicious"
	"safe-replies/internal/token"

	"github.com/gin-gonic/gin"
)

// statusFor maps a domain error to an HTTP status and a caller-facing reason.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, enforcement.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, enforcement.ErrCommentNotFound), errors.Is(err, decision.ErrCommentNotFound):
		return http.StatusNotFound, "comment not found"
	case errors.Is(err, enforcement.ErrAccountNotFound):
		return http.StatusNotFound, "account not found"
	case errors.Is(err, suspicious.ErrNotFound):
		return http.StatusNotFound, "suspicious account not found"
	case errors.Is(err, enforcement.ErrUnsafeOperation):
		return http.StatusUnprocessableEntity, "unsafe operation refused"
	case errors.Is(err, enforcement.ErrLimitReached):
		return http.StatusTooManyRequests, "limit reached"
	case errors.Is(err, enforcement.ErrNoCommenter):
		return http.StatusUnprocessableEntity, "commenter unknown"
	case errors.Is(err, suspicious.ErrSelfComment):
		return http.StatusUnprocessableEntity, "cannot target the account owner"
	case errors.Is(err, suspicious.ErrEmptyIdentity):
		return http.StatusBadRequest, "username required"
	case errors.Is(err, token.ErrNoAccessToken):
		return http.StatusConflict, "no access token"
	case errors.Is(err, platform.ErrUnsupported):
		return http.StatusNotImplemented, "not supported by platform"
	case errors.Is(err, platform.ErrRateLimited):
		return http.StatusTooManyRequests, "platform rate limit"
	case errors.Is(err, platform.ErrInvalidToken), errors.Is(err, platform.ErrPermission),
		errors.Is(err, platform.ErrTransient), errors.Is(err, platform.ErrNotFound):
		return http.StatusBadGateway, "platform error"
	}
	return http.StatusInternalServerError, "internal error"
}

func abortWithError(c *gin.Context, err error) {
	status, reason := statusFor(err)
	c.AbortWithStatusJSON(status, gin.H{"error": reason})
}

func principal(c *gin.Context) (models.Principal, bool) {
	p, ok := middleware.Principal(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
	}
	return p, ok
}

func idParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid ID"})
		return 0, false
	}
	return id, true
}
