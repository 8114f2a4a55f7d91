package handler

import (
	"context"
	"net/http"

	"safe-replies/internal/enforcement"
	"safe-replies/internal/ingestion"
	"safe-replies/internal/models"
	"safe-replies/internal/repository"
	"safe-replies/internal/suspicious"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AccountSyncer runs a deep sync of one account.
type AccountSyncer interface {
	SyncAccount(ctx context.Context, account *models.Account) (*ingestion.BackfillStats, error)
}

// SuspiciousService is the manual commenter control surface.
type SuspiciousService interface {
	UnderAttack(ctx context.Context, p models.Principal, accountID int64, username string) (*suspicious.AttackReport, error)
	Watchlist(ctx context.Context, p models.Principal, accountID int64, username string, on bool) (*models.SuspiciousAccount, error)
	Unblock(ctx context.Context, p models.Principal, accountID int64, username string) (*models.SuspiciousAccount, error)
	SetHidden(ctx context.Context, p models.Principal, accountID int64, username string, hidden bool) (*models.SuspiciousAccount, error)
	Lookup(ctx context.Context, p models.Principal, accountID int64, commenterID, username string) (*models.SuspiciousAccount, error)
}

type AccountHandler interface {
	Sync(c *gin.Context)
	UnderAttack(c *gin.Context)
	GetSuspicious(c *gin.Context)
	Watchlist(c *gin.Context)
	Unblock(c *gin.Context)
	HideSuspicious(c *gin.Context)
}

type accountHandler struct {
	accounts   repository.AccountRepository
	syncer     AccountSyncer
	suspicious SuspiciousService
	logger     *zap.Logger
}

func NewAccountHandler(accounts repository.AccountRepository, syncer AccountSyncer, suspicious SuspiciousService, logger *zap.Logger) AccountHandler {
	return &accountHandler{accounts: accounts, syncer: syncer, suspicious: suspicious, logger: logger}
}

// CommenterRequest names a commenter of the account.
type CommenterRequest struct {
	Username string `json:"username" binding:"required"`
	Enabled  *bool  `json:"enabled"`
}

// Sync handles POST /api/accounts/:id/sync
func (h *accountHandler) Sync(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	id, ok := idParam(c)
	if !ok {
		return
	}
	account, err := enforcement.OwnedAccount(c.Request.Context(), h.accounts, p, id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	stats, err := h.syncer.SyncAccount(c.Request.Context(), account)
	if err != nil {
		h.logger.Warn("Manual sync failed", zap.Int64("account_id", id), zap.Error(err))
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

// UnderAttack handles POST /api/accounts/:id/under-attack
func (h *accountHandler) UnderAttack(c *gin.Context) {
	p, id, req, ok := h.commenterRequest(c)
	if !ok {
		return
	}
	report, err := h.suspicious.UnderAttack(c.Request.Context(), p, id, req.Username)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// GetSuspicious handles GET /api/accounts/:id/suspicious?username=&commenter_id=
func (h *accountHandler) GetSuspicious(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	id, ok := idParam(c)
	if !ok {
		return
	}
	s, err := h.suspicious.Lookup(c.Request.Context(), p, id, c.Query("commenter_id"), c.Query("username"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	if s == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "suspicious account not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"suspicious_account": s})
}

// Watchlist handles POST /api/accounts/:id/suspicious/watchlist
func (h *accountHandler) Watchlist(c *gin.Context) {
	p, id, req, ok := h.commenterRequest(c)
	if !ok {
		return
	}
	h.respond(c)(h.suspicious.Watchlist(c.Request.Context(), p, id, req.Username, enabled(req)))
}

// Unblock handles POST /api/accounts/:id/suspicious/unblock
func (h *accountHandler) Unblock(c *gin.Context) {
	p, id, req, ok := h.commenterRequest(c)
	if !ok {
		return
	}
	h.respond(c)(h.suspicious.Unblock(c.Request.Context(), p, id, req.Username))
}

// HideSuspicious handles POST /api/accounts/:id/suspicious/hide
func (h *accountHandler) HideSuspicious(c *gin.Context) {
	p, id, req, ok := h.commenterRequest(c)
	if !ok {
		return
	}
	h.respond(c)(h.suspicious.SetHidden(c.Request.Context(), p, id, req.Username, enabled(req)))
}

func enabled(req *CommenterRequest) bool {
	return req.Enabled == nil || *req.Enabled
}

func (h *accountHandler) commenterRequest(c *gin.Context) (models.Principal, int64, *CommenterRequest, bool) {
	p, ok := principal(c)
	if !ok {
		return p, 0, nil, false
	}
	id, ok := idParam(c)
	if !ok {
		return p, 0, nil, false
	}
	var req CommenterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return p, 0, nil, false
	}
	return p, id, &req, true
}

func (h *accountHandler) respond(c *gin.Context) func(*models.SuspiciousAccount, error) {
	return func(s *models.SuspiciousAccount, err error) {
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"suspicious_account": s})
	}
}
