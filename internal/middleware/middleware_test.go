package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/javajoker/settlement-backend/internal/utils"
)

func newEngine(handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	handlers = append(handlers, func(c *gin.Context) {
		userID, _ := utils.GetUserIDFromContext(c)
		c.String(http.StatusOK, userID)
	})
	r.GET("/protected", handlers...)
	return r
}

func request(r *gin.Engine, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuthRequired(t *testing.T) {
	utils.SetJWTSecret("middleware-test-secret")
	r := newEngine(AuthRequired())

	assert.Equal(t, http.StatusUnauthorized, request(r, "").Code)
	assert.Equal(t, http.StatusUnauthorized, request(r, "Token abc").Code)
	assert.Equal(t, http.StatusUnauthorized, request(r, "Bearer abc").Code)

	userID := uuid.New()
	token, err := utils.GenerateJWT(userID, "seller", 1)
	require.NoError(t, err)

	w := request(r, "Bearer "+token)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, userID.String(), w.Body.String())
}

func TestAdminRequired(t *testing.T) {
	utils.SetJWTSecret("middleware-test-secret")
	r := newEngine(AuthRequired(), AdminRequired())

	seller, err := utils.GenerateJWT(uuid.New(), "seller", 1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, request(r, "Bearer "+seller).Code)

	admin, err := utils.GenerateJWT(uuid.New(), utils.RoleAdmin, 1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, request(r, "Bearer "+admin).Code)
}

func TestRateLimiter(t *testing.T) {
	limiter := NewRateLimiter(rate.Limit(0.001), 2)
	r := newEngine(limiter.Middleware())

	assert.Equal(t, http.StatusOK, request(r, "").Code)
	assert.Equal(t, http.StatusOK, request(r, "").Code)
	assert.Equal(t, http.StatusTooManyRequests, request(r, "").Code)
}

func TestExtractResource(t *testing.T) {
	id := uuid.New()

	assert.Equal(t, "revenue", extractResourceType("/v1/revenue/batch/"+id.String()+"/process"))
	assert.Equal(t, "health", extractResourceType("/health"))
	assert.Equal(t, id.String(), extractResourceID("/v1/revenue/batch/"+id.String()+"/process"))
	assert.Equal(t, "", extractResourceID("/v1/order/status"))
}
