// ABOUTME: HTTP front-end wiring auth, rate limiting, sessions, and the RPC handler
// ABOUTME: Owns the storage tiers and the lifecycle of the HTTP server

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/tracker-gateway/internal/auth"
	"github.com/2389/tracker-gateway/internal/config"
	"github.com/2389/tracker-gateway/internal/kvstore"
	"github.com/2389/tracker-gateway/internal/ratelimit"
	"github.com/2389/tracker-gateway/internal/rpc"
	"github.com/2389/tracker-gateway/internal/session"
	"github.com/2389/tracker-gateway/internal/tools"
	"github.com/2389/tracker-gateway/internal/tracker"
)

// ServiceName is reported by /health and in the initialize handshake.
const ServiceName = "tracker-gateway"

// maxBodyBytes caps what a single POST /mcp may carry.
const maxBodyBytes = 4 << 20

// Gateway ties the HTTP surface to the protocol handler and owns the
// storage tiers underneath the session manager and rate limiter.
type Gateway struct {
	config     *config.Config
	handler    *rpc.Handler
	authorizer *auth.Authenticator
	limiter    *ratelimit.Limiter
	logger     *slog.Logger
	httpServer *http.Server

	// stores opened by New, closed on Shutdown
	stores []kvstore.KV
}

// New creates a Gateway from configuration. Durable store tiers that fail
// to open are logged and skipped; the memory tier always succeeds.
func New(cfg *config.Config, version string, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	g := &Gateway{
		config: cfg,
		logger: logger.With("component", "gateway"),
	}

	sessionTier := g.openDurable(cfg.Storage.SessionDB, "session")
	rateTier := g.openDurable(cfg.Storage.RateLimitDB, "ratelimit")
	memory := kvstore.NewMemory()
	g.stores = append(g.stores, memory)

	sessionStore := kvstore.FirstAvailable(sessionTier, memory)
	rateStore := kvstore.FirstAvailable(rateTier, sessionTier, memory)

	tc, err := tracker.New(tracker.Config{
		Organization: cfg.Tracker.Organization,
		Project:      cfg.Tracker.Project,
		PAT:          cfg.Tracker.PAT,
	})
	if err != nil {
		return nil, fmt.Errorf("creating tracker client: %w", err)
	}

	sessions := session.NewManager(sessionStore)
	dispatcher := tools.NewDispatcher(tc, sessions, logger.With("component", "tools"))

	g.handler = rpc.NewHandler(dispatcher, ServiceName, version, logger)
	g.authorizer = auth.New(cfg.Auth.APIKey)
	g.limiter = ratelimit.New(rateStore, cfg.RateLimit.RequestsPerSecond, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/mcp", g.handleMCP)

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g, nil
}

// openDurable opens one SQLite tier. A missing path or open failure yields
// nil so FirstAvailable falls through to the next candidate.
func (g *Gateway) openDurable(path, purpose string) kvstore.KV {
	if path == "" {
		return nil
	}
	s, err := kvstore.NewSQLite(path)
	if err != nil {
		g.logger.Warn("durable store unavailable, falling back",
			"purpose", purpose,
			"path", path,
			"error", err,
		)
		return nil
	}
	g.stores = append(g.stores, s)
	return s
}

// Handler exposes the HTTP handler for tests.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Run starts the HTTP server and blocks until the context is canceled or
// the server fails. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownErr := g.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// Shutdown stops the HTTP server and closes the owned stores.
func (g *Gateway) Shutdown(ctx context.Context) error {
	err := g.httpServer.Shutdown(ctx)
	for _, s := range g.stores {
		if closeErr := s.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	return err
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"service": ServiceName,
	})
}

// handleMCP is the single protocol endpoint. Auth runs first: a bad
// credential yields 401 whatever the method or body, and unauthorized
// callers never consume rate limit quota.
func (g *Gateway) handleMCP(w http.ResponseWriter, r *http.Request) {
	if !g.authorizer.IsAuthorized(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
		return
	}

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}

	identity := ratelimit.ClientIdentity(r)
	decision := g.limiter.CheckAndRecord(r.Context(), identity)
	if !decision.Allowed {
		g.logger.Warn("rate limit exceeded", "identity", identity, "limit", g.limiter.Limit())
		w.Header().Set("Retry-After", strconv.Itoa(decision.RetryAfterSeconds))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":       "rate limit exceeded",
			"limit":       g.limiter.Limit(),
			"retry_after": decision.RetryAfterSeconds,
		})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "reading request body"})
		return
	}

	sessionID := sessionIDFrom(r)
	resp := g.handler.Handle(r.Context(), sessionID, body)

	w.Header().Set("Mcp-Session-Id", sessionID)
	if resp == nil {
		// Notification-only input gets no response body
		w.WriteHeader(http.StatusAccepted)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp)
}

// sessionIDFrom extracts the caller's session id, preferring the MCP
// header over the legacy one. Absent both, all callers share "default".
func sessionIDFrom(r *http.Request) string {
	if id := r.Header.Get("Mcp-Session-Id"); id != "" {
		return id
	}
	if id := r.Header.Get("X-Session-Id"); id != "" {
		return id
	}
	return session.DefaultID
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
