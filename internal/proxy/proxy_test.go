package proxy

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/discordant/realtime-core/internal/auth"
	"github.com/discordant/realtime-core/internal/config"
)

func testConfig(t *testing.T, chatURL, fileURL string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.ProxyDefaultTarget = chatURL
	cfg.ProxyRoutes = []config.ProxyRoute{
		{PathPrefix: "/files", TargetURL: fileURL},
	}
	return cfg
}

func TestUnmatchedPathRoutesToDefault(t *testing.T) {
	var gotPath string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer gateway.Close()

	cfg := testConfig(t, backend.URL, backend.URL)
	p, err := New(cfg, &auth.MockValidator{}, nil, gateway.URL)
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/messages/123", nil)
	req.Header.Set("Authorization", "Bearer any-token")
	w := httptest.NewRecorder()
	p.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "/messages/123", gotPath)
}

func TestMissingBearerTokenIsRejected(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	cfg := testConfig(t, backend.URL, backend.URL)
	p, err := New(cfg, &auth.MockValidator{}, nil, backend.URL)
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/messages/123", nil)
	w := httptest.NewRecorder()
	p.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLongestPrefixRoutesToFileCollaborator(t *testing.T) {
	var gotPath string
	chat := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer chat.Close()
	files := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer files.Close()

	cfg := testConfig(t, chat.URL, files.URL)
	p, err := New(cfg, &auth.MockValidator{}, nil, chat.URL)
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/files/avatar.png", nil)
	req.Header.Set("Authorization", "Bearer any-token")
	w := httptest.NewRecorder()
	p.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "/files/avatar.png", gotPath)
}

func TestHealthIsServedLocally(t *testing.T) {
	cfg := testConfig(t, "http://unused.invalid", "http://unused.invalid")
	p, err := New(cfg, &auth.MockValidator{}, nil, "http://unused.invalid")
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	p.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestInvalidBearerTokenIsRejected(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	cfg := testConfig(t, backend.URL, backend.URL)
	validator, err := auth.NewValidator("a-real-secret-that-is-at-least-32-bytes-long", "", "")
	require.NoError(t, err)
	p, err := New(cfg, validator, nil, backend.URL)
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/messages/123", nil)
	req.Header.Set("Authorization", "Bearer not-a-real-token")
	w := httptest.NewRecorder()
	p.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWebSocketUpgradeOnFixedPathGoesToGateway(t *testing.T) {
	var hit bool
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit = true
		w.WriteHeader(http.StatusOK)
	}))
	defer gateway.Close()
	chat := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer chat.Close()

	cfg := testConfig(t, chat.URL, chat.URL)
	p, err := New(cfg, &auth.MockValidator{}, nil, gateway.URL)
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("Authorization", "Bearer any-token")
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	w := httptest.NewRecorder()
	p.Router().ServeHTTP(w, req)

	assert.True(t, hit, "websocket upgrade on the fixed path must be forwarded to the gateway")
}
