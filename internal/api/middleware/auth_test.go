package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baseplate/timeseries/internal/core/ngsi"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const secret = "test-secret"

// newEngine mounts the middleware chain in front of a handler echoing the
// resolved tenant.
func newEngine(auth *AuthMiddleware) *gin.Engine {
	r := gin.New()
	r.Use(RequestContext(zerolog.Nop(), nil), auth.Authenticate(), auth.RequireTenant())
	r.GET("/test", func(c *gin.Context) {
		t := GetTenant(c)
		c.JSON(http.StatusOK, gin.H{"service": t.Service, "path": t.ServicePath, "correlator": GetCorrelator(c)})
	})
	return r
}

func do(r *gin.Engine, headers map[string]string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestAuthenticate_Disabled(t *testing.T) {
	w := do(newEngine(NewAuthMiddleware("")), map[string]string{HeaderService: "eu", HeaderServicePath: "/a"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"service":"eu"`)
	assert.Contains(t, w.Body.String(), `"path":"/a"`)
	assert.NotEmpty(t, w.Header().Get(HeaderCorrelator))
}

func TestAuthenticate_MissingHeader(t *testing.T) {
	w := do(newEngine(NewAuthMiddleware(secret)), nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthenticate_WrongScheme(t *testing.T) {
	w := do(newEngine(NewAuthMiddleware(secret)), map[string]string{"Authorization": "ApiKey abc"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthenticate_BadSignature(t *testing.T) {
	token, err := SignToken("other-secret", nil, time.Hour)
	require.NoError(t, err)
	w := do(newEngine(NewAuthMiddleware(secret)), map[string]string{"Authorization": "Bearer " + token})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthenticate_Expired(t *testing.T) {
	token, err := SignToken(secret, nil, -time.Minute)
	require.NoError(t, err)
	w := do(newEngine(NewAuthMiddleware(secret)), map[string]string{"Authorization": "Bearer " + token})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireTenant(t *testing.T) {
	token, err := SignToken(secret, []string{"EU"}, time.Hour)
	require.NoError(t, err)
	r := newEngine(NewAuthMiddleware(secret))

	w := do(r, map[string]string{"Authorization": "Bearer " + token, HeaderService: "eu"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(r, map[string]string{"Authorization": "Bearer " + token, HeaderService: "us"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	open, err := SignToken(secret, nil, time.Hour)
	require.NoError(t, err)
	w = do(r, map[string]string{"Authorization": "Bearer " + open, HeaderService: "us"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequestContext_KeepsCorrelator(t *testing.T) {
	w := do(newEngine(NewAuthMiddleware("")), map[string]string{HeaderCorrelator: "abc-123"})
	assert.Equal(t, "abc-123", w.Header().Get(HeaderCorrelator))
	assert.Contains(t, w.Body.String(), `"correlator":"abc-123"`)
}

func TestGetTenant_FromHeadersWithoutMiddleware(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/test", nil)
	c.Request.Header.Set(HeaderService, "eu")

	assert.Equal(t, ngsi.Tenant{Service: "eu"}, GetTenant(c))
	assert.Nil(t, GetTenants(c))
}
