package handler

import (
	"context"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-workflows/internal/client"
	"github.com/pesio-ai/be-plt-workflows/internal/metrics"
)

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

func TestHTTPHandler_Health(t *testing.T) {
	t.Run("healthy without database", func(t *testing.T) {
		rec := httptest.NewRecorder()
		NewHTTPHandler(nil, nil, zerolog.Nop()).Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
		assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	})

	t.Run("database down", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h := NewHTTPHandler(stubPinger{err: stderrors.New("connection refused")}, nil, zerolog.Nop())
		h.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Contains(t, rec.Body.String(), "unhealthy")
	})
}

func TestHTTPHandler_Metrics(t *testing.T) {
	metrics.Escalations.Add(0)

	rec := httptest.NewRecorder()
	NewHTTPHandler(nil, nil, zerolog.Nop()).Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "workflows_escalations_total")
}

func TestHTTPHandler_WebSocketRoute(t *testing.T) {
	hub := client.NewHub(zerolog.Nop())
	defer hub.Close()

	rec := httptest.NewRecorder()
	NewHTTPHandler(nil, hub, zerolog.Nop()).Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code, "user_id is required")
}

func TestHTTPHandler_MethodNotAllowed(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHTTPHandler(nil, nil, zerolog.Nop()).Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
