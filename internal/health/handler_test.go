package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubSFUChecker struct{ status string }

func (s *stubSFUChecker) Check(ctx context.Context, baseURL string) string { return s.status }

func TestLivenessAlwaysOK(t *testing.T) {
	h := NewHandler(nil, "")
	r := gin.New()
	r.GET("/health/live", h.Liveness)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/live", nil))

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReadinessOKWithNoDependencies(t *testing.T) {
	h := NewHandler(nil, "")
	r := gin.New()
	r.GET("/health/ready", h.Readiness)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReadinessUnavailableWhenSFUUnhealthy(t *testing.T) {
	h := NewHandler(nil, "http://sfu.internal")
	h.sfuChecker = &stubSFUChecker{status: "unhealthy"}
	r := gin.New()
	r.GET("/health/ready", h.Readiness)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
