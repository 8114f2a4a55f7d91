package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testSecret = []byte("test-secret")

func newRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(AuthMiddleware(testSecret, zap.NewNop()))
	r.GET("/me", func(c *gin.Context) {
		p, ok := Principal(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.JSON(http.StatusOK, gin.H{"user_id": p.UserID, "agency": p.AgencyID != nil})
	})
	return r
}

func get(r http.Handler, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuthMiddlewareAcceptsValidToken(t *testing.T) {
	tok, _, err := NewToken(testSecret, 7, "agency1", RoleAgency, time.Hour)
	require.NoError(t, err)

	w := get(newRouter(), "Bearer "+tok)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"user_id":7,"agency":true}`, w.Body.String())
}

func TestAuthMiddlewareRejects(t *testing.T) {
	wrong, _, err := NewToken([]byte("other"), 7, "u", "user", time.Hour)
	require.NoError(t, err)
	expired, _, err := NewToken(testSecret, 7, "u", "user", -time.Minute)
	require.NoError(t, err)

	r := newRouter()
	assert.Equal(t, http.StatusUnauthorized, get(r, "").Code)
	assert.Equal(t, http.StatusUnauthorized, get(r, "Token abc").Code)
	assert.Equal(t, http.StatusUnauthorized, get(r, "Bearer "+wrong).Code)

	w := get(r, "Bearer "+expired)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "Token expired")
}
