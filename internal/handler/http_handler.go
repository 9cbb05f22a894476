package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-plt-workflows/internal/common/middleware"
)

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// WSServer upgrades push connections.
type WSServer interface {
	ServeWS(w http.ResponseWriter, r *http.Request)
}

// HTTPHandler serves the operational HTTP surface: health, metrics and the
// WebSocket push endpoint.
type HTTPHandler struct {
	db  Pinger
	ws  WSServer
	log zerolog.Logger
}

// NewHTTPHandler creates a new HTTP handler. db may be nil when the service
// runs on the in-memory store.
func NewHTTPHandler(db Pinger, ws WSServer, log zerolog.Logger) *HTTPHandler {
	return &HTTPHandler{db: db, ws: ws, log: log}
}

// Router builds the route table wrapped in the middleware chain.
func (h *HTTPHandler) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	if h.ws != nil {
		r.HandleFunc("/ws", h.ws.ServeWS).Methods(http.MethodGet)
	}

	var handler http.Handler = r
	handler = middleware.Logger(&h.log)(handler)
	handler = middleware.Recovery(&h.log)(handler)
	handler = middleware.RequestID(handler)
	return handler
}

// Health handles health check requests
func (h *HTTPHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]string{"status": "healthy"}
	code := http.StatusOK

	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.Ping(ctx); err != nil {
			h.log.Warn().Err(err).Msg("Health check: database unreachable")
			resp = map[string]string{"status": "unhealthy", "database": err.Error()}
			code = http.StatusServiceUnavailable
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}
