package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newEngine(mw gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(mw)
	r.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})
	return r
}

func get(r *gin.Engine, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimitRejectsBurstOverflow(t *testing.T) {
	r := newEngine(RateLimit(RateLimitConfig{RequestsPerSecond: 1, Burst: 2}))

	assert.Equal(t, http.StatusOK, get(r, nil).Code)
	assert.Equal(t, http.StatusOK, get(r, nil).Code)

	w := get(r, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "rate_limited")
}

func TestRateLimitIsPerIP(t *testing.T) {
	r := newEngine(RateLimit(RateLimitConfig{RequestsPerSecond: 1, Burst: 1}))

	first := httptest.NewRequest(http.MethodGet, "/ping", nil)
	first.RemoteAddr = "10.0.0.1:1234"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, first)
	require.Equal(t, http.StatusOK, w.Code)

	// Same IP is out of tokens, a different IP is not.
	again := httptest.NewRequest(http.MethodGet, "/ping", nil)
	again.RemoteAddr = "10.0.0.1:1235"
	w = httptest.NewRecorder()
	r.ServeHTTP(w, again)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	other := httptest.NewRequest(http.MethodGet, "/ping", nil)
	other.RemoteAddr = "10.0.0.2:1234"
	w = httptest.NewRecorder()
	r.ServeHTTP(w, other)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestBearerAuthAcceptsValidToken(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("open-sesame"), bcrypt.MinCost)
	require.NoError(t, err)
	r := newEngine(BearerAuth(string(hash)))

	w := get(r, http.Header{"Authorization": {"Bearer open-sesame"}})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pong", w.Body.String())
}

func TestBearerAuthRejectsBadToken(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("open-sesame"), bcrypt.MinCost)
	require.NoError(t, err)
	r := newEngine(BearerAuth(string(hash)))

	for name, header := range map[string]http.Header{
		"missing header": nil,
		"wrong scheme":   {"Authorization": {"Basic open-sesame"}},
		"wrong token":    {"Authorization": {"Bearer guess"}},
		"empty token":    {"Authorization": {"Bearer   "}},
	} {
		w := get(r, header)
		assert.Equal(t, http.StatusUnauthorized, w.Code, name)
		assert.Contains(t, w.Body.String(), "unauthorized", name)
		assert.NotEmpty(t, w.Header().Get("WWW-Authenticate"), name)
	}
}

func TestBearerAuthDisabledWithoutHash(t *testing.T) {
	r := newEngine(BearerAuth(""))
	assert.Equal(t, http.StatusOK, get(r, nil).Code)
}

func TestCORSPreflight(t *testing.T) {
	r := newEngine(CORS(DefaultCORSConfig()))

	req := httptest.NewRequest(http.MethodOptions, "/ping", nil)
	req.Header.Set("Origin", "http://dashboard.local")
	req.Header.Set("Access-Control-Request-Method", "GET")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
