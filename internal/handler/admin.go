package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/taskmgr818/treeforge/internal/auth"
	"github.com/taskmgr818/treeforge/internal/credit"
	"github.com/taskmgr818/treeforge/internal/model"
	"github.com/taskmgr818/treeforge/internal/service"
)

// AdminHandler handles admin-only endpoints.
type AdminHandler struct {
	wf        *service.Workflow
	userSvc   auth.UserService
	creditSvc credit.Service
	errs      *Handler
}

// NewAdminHandler creates a new AdminHandler. h supplies error mapping.
func NewAdminHandler(wf *service.Workflow, userSvc auth.UserService, creditSvc credit.Service, h *Handler) *AdminHandler {
	return &AdminHandler{
		wf:        wf,
		userSvc:   userSvc,
		creditSvc: creditSvc,
		errs:      h,
	}
}

// RegisterRoutes registers admin routes on the admin group.
func (h *AdminHandler) RegisterRoutes(admin *gin.RouterGroup) {
	admin.GET("/users/:id", h.GetUser)
	admin.PUT("/users/:id/enabled", h.SetUserEnabled)
	admin.POST("/users/:id/credits", h.AddCredits)
	admin.POST("/trees/retry-scoring", h.RetryScoring)
	admin.POST("/trees/:id/halt", h.HaltTree)
}

// UserProfile is a user with their contribution points.
type UserProfile struct {
	*auth.User
	Points int64 `json:"points"`
}

// ─────────────────────────────────────────────
// GET /api/v1/admin/users/:id
// ─────────────────────────────────────────────

// GetUser retrieves a user and their points.
func (h *AdminHandler) GetUser(c *gin.Context) {
	userID, ok := parseID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	user, err := h.userSvc.GetByID(ctx, userID)
	if err != nil {
		h.errs.writeError(c, err)
		return
	}
	var points int64
	if acc, err := h.creditSvc.GetAccount(ctx, userID); err == nil {
		points = acc.Points
	}
	c.JSON(http.StatusOK, UserProfile{User: user, Points: points})
}

// ─────────────────────────────────────────────
// PUT /api/v1/admin/users/:id/enabled
// ─────────────────────────────────────────────

// SetUserEnabled enables or disables a worker. Disabling releases their
// outstanding tasks.
func (h *AdminHandler) SetUserEnabled(c *gin.Context) {
	userID, ok := parseID(c)
	if !ok {
		return
	}
	var req model.EnabledRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.wf.SetUserEnabled(c.Request.Context(), userID, *req.Enabled); err != nil {
		h.errs.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "enabled": *req.Enabled})
}

// ─────────────────────────────────────────────
// POST /api/v1/admin/users/:id/credits
// ─────────────────────────────────────────────

type AddCreditsRequest struct {
	Amount int64  `json:"amount" binding:"required,min=1"`
	Remark string `json:"remark"`
}

// AddCredits grants points to a user.
func (h *AdminHandler) AddCredits(c *gin.Context) {
	userID, ok := parseID(c)
	if !ok {
		return
	}
	var req AddCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()

	if _, err := h.userSvc.GetByID(ctx, userID); err != nil {
		h.errs.writeError(c, err)
		return
	}
	remark := req.Remark
	if remark == "" {
		remark = "operator grant"
	}
	acc, err := h.creditSvc.Grant(ctx, userID, req.Amount, remark)
	if err != nil {
		h.errs.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "points": acc.Points})
}

// ─────────────────────────────────────────────
// POST /api/v1/admin/trees/...
// ─────────────────────────────────────────────

// RetryScoring re-runs aggregation for every SCORING_FAILED tree now.
func (h *AdminHandler) RetryScoring(c *gin.Context) {
	n, err := h.wf.RetryScoring(c.Request.Context())
	if err != nil {
		h.errs.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"recovered": n})
}

// HaltTree stops a tree.
func (h *AdminHandler) HaltTree(c *gin.Context) {
	treeID, ok := parseID(c)
	if !ok {
		return
	}
	if err := h.wf.HaltTree(c.Request.Context(), treeID); err != nil {
		h.errs.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
