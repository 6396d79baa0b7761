// Package context carries request-scoped values between middleware and
// handlers.
package context

import (
	"github.com/gin-gonic/gin"
	"github.com/taskmgr818/treeforge/internal/auth"
)

// CtxKeyClient holds the authenticated API client.
const CtxKeyClient = "auth_client"

// SetClient stores the authenticated API client on c.
func SetClient(c *gin.Context, client *auth.APIClient) {
	c.Set(CtxKeyClient, client)
}

// Client returns the authenticated API client, if any.
func Client(c *gin.Context) (*auth.APIClient, bool) {
	v, ok := c.Get(CtxKeyClient)
	if !ok {
		return nil, false
	}
	client, ok := v.(*auth.APIClient)
	return client, ok
}

// MustGetClient extracts the authenticated API client from the Gin context.
// Panics if not present (should only be called after APIKeyAuth middleware).
func MustGetClient(c *gin.Context) *auth.APIClient {
	client, ok := Client(c)
	if !ok {
		panic("MustGetClient called without APIKeyAuth middleware")
	}
	return client
}
