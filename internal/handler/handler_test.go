package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taskmgr818/treeforge/internal/auth"
	"github.com/taskmgr818/treeforge/internal/config"
	"github.com/taskmgr818/treeforge/internal/credit"
	"github.com/taskmgr818/treeforge/internal/middleware"
	"github.com/taskmgr818/treeforge/internal/model"
	"github.com/taskmgr818/treeforge/internal/prompt"
	"github.com/taskmgr818/treeforge/internal/service"
	"github.com/taskmgr818/treeforge/internal/store/storetest"
	"github.com/taskmgr818/treeforge/internal/task"
	"github.com/taskmgr818/treeforge/internal/tree"
	"go.uber.org/zap"
)

const adminToken = "admin-secret"

type server struct {
	t      *testing.T
	router *gin.Engine
	apiKey string
}

func newServer(t *testing.T) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st := storetest.Open(t)
	log := zap.NewNop()
	cfg := config.Default().TreeManager
	tasks := task.NewRepository(st.DB(), log)
	prompts := prompt.NewRepository(st.DB(), tasks, prompt.LabelPolicy{Valid: cfg.ValidLabels, Mandatory: cfg.MandatoryLabels}, log)
	trees := tree.NewManager(st.DB(), tasks, prompts, cfg, nil, log)
	users := auth.NewUserService(st.DB())
	creditSvc := credit.NewService(st.DB())
	clients := auth.NewClientService(st.DB())

	client, err := clients.EnsureClient(context.Background(), "", "test", "web", true)
	require.NoError(t, err)

	wf := service.NewWorkflow(st, users, creditSvc, tasks, prompts, trees, nil, service.ScoringModels{}, log)
	h := NewHandler(wf, nil, st, nil, log)

	r := gin.New()
	h.RegisterRoutes(r, middleware.APIKeyAuth(clients))
	admin := r.Group("/api/v1/admin", middleware.AdminTokenAuth(adminToken))
	NewAdminHandler(wf, users, creditSvc, h).RegisterRoutes(admin)

	return &server{t: t, router: r, apiKey: client.APIKey}
}

func (s *server) do(method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *server) api(method, path string, body interface{}) *httptest.ResponseRecorder {
	return s.do(method, path, body, map[string]string{middleware.APIKeyHeader: s.apiKey})
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

func TestRequiresAPIKey(t *testing.T) {
	s := newServer(t)
	w := s.do(http.MethodPost, "/api/v1/tasks/request", model.TaskRequest{Lang: "en"}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(http.MethodPost, "/api/v1/tasks/request", model.TaskRequest{Lang: "en"},
		map[string]string{"Authorization": "Bearer sk-wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(http.MethodPost, "/api/v1/tasks/request", model.TaskRequest{Lang: "en"},
		map[string]string{"Authorization": "Bearer " + s.apiKey})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	s := newServer(t)
	user := &model.UserRef{ID: "carol", AuthMethod: "local"}

	w := s.api(http.MethodPost, "/api/v1/tasks/request", model.TaskRequest{Lang: "en", User: user})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var issued model.TaskResponse
	decode(t, w, &issued)
	assert.Equal(t, model.TaskTypeInitialPrompt, issued.Type)

	w = s.api(http.MethodPost, fmt.Sprintf("/api/v1/tasks/%s/ack", issued.ID), model.AckRequest{Handle: "frontend-1"})
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	w = s.api(http.MethodPost, fmt.Sprintf("/api/v1/tasks/%s/ack", issued.ID), model.AckRequest{Handle: "frontend-2"})
	assert.Equal(t, http.StatusConflict, w.Code)

	submit := model.SubmitRequest{
		Type:    model.SubmissionTextReply,
		Handle:  "frontend-1",
		User:    user,
		Payload: json.RawMessage(`{"text":"What is entropy?","lang":"en"}`),
	}
	w = s.api(http.MethodPost, "/api/v1/tasks/submit", submit)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp model.SubmitResponse
	decode(t, w, &resp)
	require.NotNil(t, resp.MessageID)

	w = s.api(http.MethodPost, "/api/v1/tasks/submit", submit)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "task unavailable, request another")

	w = s.api(http.MethodGet, "/api/v1/messages/"+resp.MessageID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var msg model.Message
	decode(t, w, &msg)
	assert.Equal(t, "What is entropy?", msg.Text)

	w = s.api(http.MethodGet, "/api/v1/messages/"+resp.MessageID.String()+"/conversation", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var conv struct {
		Messages []model.Message `json:"messages"`
	}
	decode(t, w, &conv)
	assert.Len(t, conv.Messages, 1)

	w = s.api(http.MethodPost, "/api/v1/scores", model.ScoreCallback{
		MessageID: *resp.MessageID, Kind: model.ScoreKindToxicity, Model: "toxic-bert", Score: 0.4,
	})
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestBadRequests(t *testing.T) {
	s := newServer(t)

	w := s.api(http.MethodPost, "/api/v1/tasks/request", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.api(http.MethodPost, "/api/v1/tasks/request", model.TaskRequest{Lang: "en", Type: "write_poem"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.api(http.MethodGet, "/api/v1/messages/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.api(http.MethodGet, "/api/v1/messages/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.api(http.MethodPost, "/api/v1/tasks/submit", model.SubmitRequest{
		Type: model.SubmissionTextReply, Handle: "nobody", Payload: json.RawMessage(`{"text":"x","lang":"en"}`),
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminDisablesUser(t *testing.T) {
	s := newServer(t)
	user := &model.UserRef{ID: "dave", AuthMethod: "local"}

	w := s.api(http.MethodPost, "/api/v1/tasks/request", model.TaskRequest{Lang: "en", User: user})
	require.Equal(t, http.StatusOK, w.Code)
	var issued model.TaskResponse
	decode(t, w, &issued)

	// The admin API is keyed by user id; read it off the submitted prompt.
	var userID uuid.UUID
	{
		w := s.api(http.MethodPost, fmt.Sprintf("/api/v1/tasks/%s/ack", issued.ID), model.AckRequest{Handle: "h-dave"})
		require.Equal(t, http.StatusNoContent, w.Code)
		w = s.api(http.MethodPost, "/api/v1/tasks/submit", model.SubmitRequest{
			Type: model.SubmissionTextReply, Handle: "h-dave", User: user,
			Payload: json.RawMessage(`{"text":"Hi","lang":"en"}`),
		})
		require.Equal(t, http.StatusOK, w.Code)
		var resp model.SubmitResponse
		decode(t, w, &resp)
		w = s.api(http.MethodGet, "/api/v1/messages/"+resp.MessageID.String(), nil)
		var msg model.Message
		decode(t, w, &msg)
		require.NotNil(t, msg.UserID)
		userID = *msg.UserID
	}

	enabled := false
	path := "/api/v1/admin/users/" + userID.String() + "/enabled"
	w = s.do(http.MethodPut, path, model.EnabledRequest{Enabled: &enabled}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(http.MethodPut, path, model.EnabledRequest{Enabled: &enabled},
		map[string]string{"Authorization": "Bearer " + adminToken})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.api(http.MethodPost, "/api/v1/tasks/request", model.TaskRequest{Lang: "en", User: user})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(http.MethodGet, "/api/v1/admin/users/"+userID.String(), nil,
		map[string]string{"Authorization": "Bearer " + adminToken})
	require.Equal(t, http.StatusOK, w.Code)
	var profile struct {
		Enabled bool  `json:"enabled"`
		Points  int64 `json:"points"`
	}
	decode(t, w, &profile)
	assert.False(t, profile.Enabled)
	assert.Equal(t, credit.PointsFor(model.TaskTypeInitialPrompt), profile.Points)

	w = s.do(http.MethodPost, "/api/v1/admin/trees/retry-scoring", nil,
		map[string]string{"Authorization": "Bearer " + adminToken})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("wrapped: %w", task.ErrConflict), http.StatusConflict},
		{task.ErrTaskAlreadyConsumed, http.StatusConflict},
		{task.ErrTaskExpired, http.StatusGone},
		{prompt.ErrDuplicateContent, http.StatusConflict},
		{model.ErrInvalidPayload, http.StatusBadRequest},
		{service.ErrUserRequired, http.StatusBadRequest},
		{task.ErrTaskNotFound, http.StatusNotFound},
		{auth.ErrUserDisabled, http.StatusForbidden},
		{tree.ErrNoTaskAvailable, http.StatusServiceUnavailable},
		{tree.ErrTransitionInvariantViolation, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		code, _ := statusFor(tc.err)
		assert.Equal(t, tc.code, code, tc.err.Error())
	}
}
