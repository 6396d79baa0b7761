package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/taskmgr818/treeforge/internal/auth"
	appctx "github.com/taskmgr818/treeforge/internal/context"
	"github.com/taskmgr818/treeforge/internal/model"
	"github.com/taskmgr818/treeforge/internal/node"
	"github.com/taskmgr818/treeforge/internal/prompt"
	"github.com/taskmgr818/treeforge/internal/service"
	"github.com/taskmgr818/treeforge/internal/store"
	"github.com/taskmgr818/treeforge/internal/task"
	"github.com/taskmgr818/treeforge/internal/tree"
	"github.com/taskmgr818/treeforge/internal/ws"
	"go.uber.org/zap"
)

// msgTaskUnavailable is returned for every lost claim race.
const msgTaskUnavailable = "task unavailable, request another"

// Handler holds HTTP/WS endpoint handlers.
type Handler struct {
	wf       *service.Workflow
	hub      *ws.Hub
	store    *store.Store
	nodeAuth *node.Authenticator
	log      *zap.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates the handler set. hub and nodeAuth may be nil when
// scoring is disabled; /ws then answers 503.
func NewHandler(wf *service.Workflow, hub *ws.Hub, st *store.Store, nodeAuth *node.Authenticator, log *zap.Logger) *Handler {
	return &Handler{
		wf:       wf,
		hub:      hub,
		store:    st,
		nodeAuth: nodeAuth,
		log:      log.Named("handler"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// RegisterRoutes registers all routes on the Gin engine. apiKeyMiddleware
// protects the worker-facing endpoints.
func (h *Handler) RegisterRoutes(r *gin.Engine, apiKeyMiddleware ...gin.HandlerFunc) {
	// ── Public endpoints (no auth) ──
	r.GET("/api/v1/health", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// ── WebSocket for scoring workers (uses its own node token auth) ──
	r.GET("/ws", h.WebSocket)

	// ── Protected business endpoints ──
	api := r.Group("/api/v1")
	for _, mw := range apiKeyMiddleware {
		api.Use(mw)
	}
	{
		api.POST("/tasks/request", h.RequestTask)
		api.POST("/tasks/:id/ack", h.AckTask)
		api.POST("/tasks/submit", h.Submit)
		api.POST("/scores", h.AttachScore)
		api.GET("/messages/:id", h.GetMessage)
		api.GET("/messages/:id/conversation", h.GetConversation)
	}
}

// ─────────────────────────────────────────────
// POST /api/v1/tasks/request
// ─────────────────────────────────────────────

// RequestTask issues the most useful task for the calling worker.
func (h *Handler) RequestTask(c *gin.Context) {
	var req model.TaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	t, err := h.wf.RequestTask(c.Request.Context(), appctx.MustGetClient(c), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, model.NewTaskResponse(t))
}

// ─────────────────────────────────────────────
// POST /api/v1/tasks/:id/ack
// ─────────────────────────────────────────────

// AckTask binds the frontend's handle to an issued task.
func (h *Handler) AckTask(c *gin.Context) {
	taskID, ok := parseID(c)
	if !ok {
		return
	}
	var req model.AckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.wf.AckTask(c.Request.Context(), appctx.MustGetClient(c), taskID, req.Handle); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ─────────────────────────────────────────────
// POST /api/v1/tasks/submit
// ─────────────────────────────────────────────

// Submit records a worker's answer to a task.
func (h *Handler) Submit(c *gin.Context) {
	var req model.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := h.wf.Submit(c.Request.Context(), appctx.MustGetClient(c), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// ─────────────────────────────────────────────
// POST /api/v1/scores
// ─────────────────────────────────────────────

// AttachScore accepts a scoring result pushed over HTTP. Repeated and late
// callbacks overwrite the stored result.
func (h *Handler) AttachScore(c *gin.Context) {
	var req model.ScoreCallback
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.wf.AttachScore(c.Request.Context(), req); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ─────────────────────────────────────────────
// GET /api/v1/messages/:id[/conversation]
// ─────────────────────────────────────────────

func (h *Handler) GetMessage(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	msg, err := h.wf.Message(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

func (h *Handler) GetConversation(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	msgs, err := h.wf.Conversation(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// ─────────────────────────────────────────────
// GET /ws  (Scoring worker WebSocket)
// ─────────────────────────────────────────────

// WebSocket upgrades the connection and registers the scoring worker.
// Header: X-Auth-Token: <NodeID>:<Signature>
// Signature is ED25519 signed NodeID (Base64 encoded).
func (h *Handler) WebSocket(c *gin.Context) {
	if h.hub == nil || h.nodeAuth == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "scoring disabled"})
		return
	}
	authToken := c.GetHeader("X-Auth-Token")
	if authToken == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "X-Auth-Token header required"})
		return
	}

	nodeID, err := h.nodeAuth.VerifyAuthToken(authToken)
	if err != nil {
		h.log.Warn("node auth failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid authentication token"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade", zap.Error(err))
		return
	}
	ws.NewClient(nodeID, conn, h.hub).Run(c.Request.Context())
}

// ─────────────────────────────────────────────
// GET /api/v1/health
// ─────────────────────────────────────────────

// Health returns basic server health info.
func (h *Handler) Health(c *gin.Context) {
	nodes := 0
	if h.hub != nil {
		nodes = h.hub.ClientCount()
	}
	if err := h.store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"connected_nodes": nodes,
	})
}

// ─────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────

func parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return uuid.Nil, false
	}
	return id, true
}

// writeError maps domain errors to HTTP status codes.
func (h *Handler) writeError(c *gin.Context, err error) {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": msg})
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, task.ErrConflict), errors.Is(err, task.ErrTaskAlreadyConsumed):
		return http.StatusConflict, msgTaskUnavailable
	case errors.Is(err, task.ErrTaskExpired):
		return http.StatusGone, msgTaskUnavailable
	case errors.Is(err, task.ErrAlreadyBound), errors.Is(err, prompt.ErrDuplicateContent):
		return http.StatusConflict, err.Error()
	case errors.Is(err, model.ErrInvalidPayload), errors.Is(err, prompt.ErrWrongTaskType),
		errors.Is(err, service.ErrUserRequired):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, task.ErrTaskNotFound), errors.Is(err, prompt.ErrMessageNotFound),
		errors.Is(err, tree.ErrTreeNotFound), errors.Is(err, auth.ErrUserNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, auth.ErrUserDisabled):
		return http.StatusForbidden, err.Error()
	case errors.Is(err, tree.ErrNoTaskAvailable):
		return http.StatusServiceUnavailable, err.Error()
	case errors.Is(err, tree.ErrTransitionInvariantViolation):
		return http.StatusInternalServerError, "state transition refused"
	}
	return http.StatusInternalServerError, "internal error"
}
