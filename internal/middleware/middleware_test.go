package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taskmgr818/treeforge/internal/auth"
	appctx "github.com/taskmgr818/treeforge/internal/context"
	"github.com/taskmgr818/treeforge/internal/store/storetest"
	"go.uber.org/zap"
)

func init() { gin.SetMode(gin.TestMode) }

func newRouter(t *testing.T) *gin.Engine {
	st := storetest.Open(t)
	clients := auth.NewClientService(st.DB())
	_, err := clients.EnsureClient(context.Background(), "sk-good", "test", "web", false)
	require.NoError(t, err)

	r := gin.New()
	r.Use(Logger(zap.NewNop()), CORS())
	r.GET("/who", APIKeyAuth(clients), func(c *gin.Context) {
		c.String(http.StatusOK, appctx.MustGetClient(c).Description)
	})
	r.GET("/admin", AdminTokenAuth("root"), func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/closed", AdminTokenAuth(""), func(c *gin.Context) { c.Status(http.StatusNoContent) })
	return r
}

func do(r http.Handler, method, path string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAPIKeyAuth(t *testing.T) {
	r := newRouter(t)

	w := do(r, http.MethodGet, "/who", map[string]string{APIKeyHeader: "sk-good"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "test", w.Body.String())

	w = do(r, http.MethodGet, "/who", map[string]string{"Authorization": "Bearer sk-good"})
	assert.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/who", nil).Code)
	assert.Equal(t, http.StatusUnauthorized,
		do(r, http.MethodGet, "/who", map[string]string{APIKeyHeader: "sk-bad"}).Code)
}

func TestAdminTokenAuth(t *testing.T) {
	r := newRouter(t)

	assert.Equal(t, http.StatusNoContent,
		do(r, http.MethodGet, "/admin", map[string]string{"Authorization": "Bearer root"}).Code)
	assert.Equal(t, http.StatusUnauthorized,
		do(r, http.MethodGet, "/admin", map[string]string{"Authorization": "Bearer nope"}).Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/admin", nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable,
		do(r, http.MethodGet, "/closed", map[string]string{"Authorization": "Bearer root"}).Code)
}

func TestCORSPreflight(t *testing.T) {
	r := newRouter(t)
	w := do(r, http.MethodOptions, "/who", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
