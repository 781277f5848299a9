// Package gateway is the HTTP surface: user messages in, responses out,
// plus health and runtime skill toggles. It holds no domain logic; every
// message rides the bus to the pipeline consumer and the reply rides back.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jarbas-ai/jarbas/internal/bus"
	"github.com/jarbas-ai/jarbas/internal/concurrency"
	"github.com/jarbas-ai/jarbas/internal/config"
	"github.com/jarbas-ai/jarbas/internal/daemon"
	jarbasErrors "github.com/jarbas-ai/jarbas/internal/errors"
	"github.com/jarbas-ai/jarbas/internal/skill"
)

type Gateway struct {
	cfg      config.GatewayConfig
	version  string
	events   *bus.Bus
	registry *skill.Registry

	server    *http.Server
	limiter   *rateLimiter
	userLocks *concurrency.UserLocks

	mu        sync.RWMutex
	started   bool
	startTime time.Time
}

func New(cfg config.GatewayConfig, version string, events *bus.Bus, registry *skill.Registry) *Gateway {
	ratePerMinute := cfg.RatePerMinute
	if ratePerMinute <= 0 {
		ratePerMinute = config.DefaultGatewayRatePerMinute
	}
	return &Gateway{
		cfg:       cfg,
		version:   version,
		events:    events,
		registry:  registry,
		limiter:   newRateLimiter(ratePerMinute, time.Minute),
		userLocks: concurrency.NewUserLocks(),
	}
}

func (g *Gateway) Name() string { return "gateway" }

func (g *Gateway) Init(ctx context.Context) error {
	readTimeout, err := config.DurationOrDefault(g.cfg.ReadTimeout, config.DefaultGatewayReadTimeout)
	if err != nil {
		return fmt.Errorf("parse gateway read timeout: %w", err)
	}
	writeTimeout, err := config.DurationOrDefault(g.cfg.WriteTimeout, config.DefaultGatewayWriteTimeout)
	if err != nil {
		return fmt.Errorf("parse gateway write timeout: %w", err)
	}

	g.server = &http.Server{
		Addr:         net.JoinHostPort(g.cfg.Host, strconv.Itoa(g.cfg.Port)),
		Handler:      g.routes(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	return nil
}

func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("POST /v1/message", g.guard(g.handleMessage))
	mux.HandleFunc("POST /tools/{name}/start", g.guard(g.handleToolToggle(true)))
	mux.HandleFunc("POST /tools/{name}/stop", g.guard(g.handleToolToggle(false)))
	return mux
}

func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.server == nil {
		return jarbasErrors.Internal("gateway not initialized")
	}

	go func() {
		slog.Info("Gateway listening", "addr", g.server.Addr, "dev_mode", g.cfg.DevMode)
		if err := g.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Gateway server failed", "error", err)
		}
	}()

	g.started = true
	g.startTime = time.Now()
	return nil
}

func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.started {
		return nil
	}

	shutdownTimeout, err := config.DurationOrDefault(g.cfg.ShutdownTimeout, config.DefaultGatewayShutdownTimeout)
	if err != nil {
		shutdownTimeout = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	g.started = false
	return g.server.Shutdown(shutdownCtx)
}

func (g *Gateway) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	h := &daemon.ComponentHealth{Name: g.Name(), Healthy: g.started}
	if !g.started {
		h.Error = jarbasErrors.Internal("gateway not started")
	}
	return h, nil
}

// guard applies the rate limit then authentication, in that order, so an
// unauthenticated flood still burns the window instead of probing for keys.
func (g *Gateway) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		remaining, reset, ok := g.limiter.allow(time.Now())
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
		if !ok {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}

		if !g.authorized(r) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}

		next(w, r)
	}
}

// authorized accepts a bearer token or X-API-Key header. Dev mode or an
// empty configured key skips the check entirely.
func (g *Gateway) authorized(r *http.Request) bool {
	if g.cfg.DevMode || g.cfg.APIKey == "" {
		return true
	}
	if key := r.Header.Get("X-API-Key"); key == g.cfg.APIKey {
		return true
	}
	auth := r.Header.Get("Authorization")
	return strings.TrimPrefix(auth, "Bearer ") == g.cfg.APIKey && auth != ""
}

type messageRequest struct {
	UserID string `json:"user_id"`
	Text   string `json:"text"`
}

func (g *Gateway) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.UserID == "" || req.Text == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing required fields: user_id, text"})
		return
	}

	// One in-flight request per user keeps replies in request order. The
	// lock is held across publish and wait, so a user's second message
	// never overtakes the first on the bus.
	g.userLocks.Lock(req.UserID)
	defer g.userLocks.Unlock(req.UserID)

	msg := &bus.InboundMessage{
		UserID:  req.UserID,
		Content: req.Text,
		TraceID: ulid.Make().String(),
		Reply:   make(chan string, 1),
	}
	if err := g.events.PublishInbound(r.Context(), msg); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "busy, try again shortly"})
		return
	}

	select {
	case response := <-msg.Reply:
		writeJSON(w, http.StatusOK, map[string]string{"response": response})
	case <-r.Context().Done():
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "request cancelled"})
	}
}

func (g *Gateway) handleToolToggle(enable bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		if err := g.registry.SetEnabled(name, enable); err != nil {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"status":  "error",
				"message": fmt.Sprintf("skill %q not found", name),
			})
			return
		}

		verb := "stopped"
		if enable {
			verb = "started"
		}
		slog.Info("Skill toggled", "skill", name, "enabled", enable)
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "ok",
			"message": fmt.Sprintf("skill %q %s", name, verb),
		})
	}
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.mu.RLock()
	uptime := time.Since(g.startTime)
	started := g.started
	g.mu.RUnlock()

	status := "ok"
	if !started {
		status = "starting"
		uptime = 0
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         status,
		"version":        g.version,
		"uptime_seconds": int64(uptime.Seconds()),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("Encoding response failed", "error", err)
	}
}

// rateLimiter is a fixed-window counter. The window resets on the first
// request after expiry rather than on a timer.
type rateLimiter struct {
	mu          sync.Mutex
	limit       int
	window      time.Duration
	windowStart time.Time
	count       int
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{limit: limit, window: window}
}

func (l *rateLimiter) allow(now time.Time) (remaining int, reset time.Time, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.windowStart.IsZero() || now.Sub(l.windowStart) >= l.window {
		l.windowStart = now
		l.count = 0
	}
	reset = l.windowStart.Add(l.window)

	if l.count >= l.limit {
		return 0, reset, false
	}
	l.count++
	return l.limit - l.count, reset, true
}
