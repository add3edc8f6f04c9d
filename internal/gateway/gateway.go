// Package gateway streams run events to live clients over websockets
// and serves the polling read path that backs the same event taxonomy.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parallaxlabs/relay/internal/bus"
	"github.com/parallaxlabs/relay/internal/observability"
	"github.com/parallaxlabs/relay/internal/runs"
	"github.com/parallaxlabs/relay/pkg/models"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsPongWait        = 45 * time.Second
	wsPingInterval    = 15 * time.Second
	wsWriteWait       = 10 * time.Second
	wsSendBuffer      = 64
)

// Config tunes the gateway.
type Config struct {
	// StaticToken enables the shared-token check on upgrades.
	StaticToken string

	// JWTSecret enables HMAC JWT verification on upgrades.
	JWTSecret string

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Gateway owns the live streaming connections. Each connection holds a
// bus subscription for its target run (or the wildcard aggregate) and
// is torn down on disconnect; Shutdown closes every connection and
// refuses new upgrades.
type Gateway struct {
	stores   *runs.Stores
	bus      *bus.Bus
	verifier *TokenVerifier
	logger   *slog.Logger
	metrics  *observability.Metrics
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[string]*conn
	closed bool
}

// New creates a gateway over the given stores and bus.
func New(stores *runs.Stores, b *bus.Bus, config Config) *Gateway {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default().With("component", "gateway")
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = observability.Nop()
	}
	return &Gateway{
		stores:   stores,
		bus:      b,
		verifier: NewTokenVerifier(config.StaticToken, config.JWTSecret),
		logger:   logger,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
		conns: make(map[string]*conn),
	}
}

// Handler returns the HTTP surface: the two streaming upgrade paths
// and the polling read path.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/runs", func(w http.ResponseWriter, r *http.Request) {
		g.upgrade(w, r, models.WildcardRunID)
	})
	mux.HandleFunc("GET /ws/runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		g.upgrade(w, r, r.PathValue("id"))
	})
	mux.HandleFunc("GET /runs/{id}", g.handleGetRun)
	mux.HandleFunc("GET /runs/{id}/steps", g.handleGetSteps)
	return mux
}

func (g *Gateway) upgrade(w http.ResponseWriter, r *http.Request, runID string) {
	if _, err := g.verifier.Verify(r.URL.Query().Get("token")); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	g.mu.Unlock()

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := newConn(g, ws, runID)

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		ws.Close()
		return
	}
	g.conns[c.id] = c
	g.mu.Unlock()

	g.metrics.ActiveConnections.WithLabelValues(c.streamLabel()).Inc()
	c.run()
}

func (g *Gateway) unregister(c *conn) {
	g.mu.Lock()
	_, ok := g.conns[c.id]
	delete(g.conns, c.id)
	g.mu.Unlock()
	if ok {
		g.metrics.ActiveConnections.WithLabelValues(c.streamLabel()).Dec()
	}
}

// Shutdown closes every live connection and refuses new upgrades.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	open := make([]*conn, 0, len(g.conns))
	for _, c := range g.conns {
		open = append(open, c)
	}
	g.mu.Unlock()

	for _, c := range open {
		c.close()
	}
	return ctx.Err()
}

func (g *Gateway) handleGetRun(w http.ResponseWriter, r *http.Request) {
	snap, err := runs.LoadSnapshot(r.Context(), g.stores, r.PathValue("id"), false)
	if err != nil {
		g.writeStoreError(w, err)
		return
	}
	g.writeJSON(w, snap)
}

func (g *Gateway) handleGetSteps(w http.ResponseWriter, r *http.Request) {
	steps, err := g.stores.Steps.ListByRun(r.Context(), r.PathValue("id"))
	if err != nil {
		g.writeStoreError(w, err)
		return
	}
	g.writeJSON(w, map[string]any{"steps": steps})
}

func (g *Gateway) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, runs.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	g.logger.Error("read path failed", "error", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func (g *Gateway) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("encoding response failed", "error", err)
	}
}
