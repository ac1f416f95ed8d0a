// Package gateway is the client-facing edge: HTTP authentication endpoints,
// distributed rate limiting, and the websocket hub surface that forwards
// typed calls into the cell runtime and pushes stream events back out.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/titanworks/titan/internal/auth"
	"github.com/titanworks/titan/internal/cell"
	"github.com/titanworks/titan/internal/fault"
	"github.com/titanworks/titan/internal/ratelimit"
	"github.com/titanworks/titan/internal/stream"
)

// Config tunes the gateway edge.
type Config struct {
	// StreamProvider names the substrate provider group pushes ride on.
	StreamProvider string
	// SendQueue bounds the per-connection outbound frame queue; a slow
	// consumer past it loses pushes, never call replies.
	SendQueue int
}

func DefaultConfig(streamProvider string) Config {
	return Config{StreamProvider: streamProvider, SendQueue: 64}
}

// Gateway binds the auth endpoints and hub sockets onto one router.
type Gateway struct {
	cfg      Config
	logger   *slog.Logger
	sessions *auth.SessionService
	tickets  *auth.TicketService
	limiter  *ratelimit.Limiter
	rt       *cell.Runtime
	hubs     map[string]*Hub
	groups   *groupManager
	upgrader websocket.Upgrader
}

func New(cfg Config, logger *slog.Logger, sessions *auth.SessionService, tickets *auth.TicketService,
	limiter *ratelimit.Limiter, rt *cell.Runtime, substrate *stream.Substrate) *Gateway {
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = 64
	}
	return &Gateway{
		cfg:      cfg,
		logger:   logger,
		sessions: sessions,
		tickets:  tickets,
		limiter:  limiter,
		rt:       rt,
		hubs:     map[string]*Hub{},
		groups:   newGroupManager(substrate, cfg.StreamProvider, logger),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true }, // Security: adjust for production
		},
	}
}

// Register adds a hub; duplicate names are a programming error.
func (g *Gateway) Register(h *Hub) {
	if _, dup := g.hubs[h.name]; dup {
		panic("gateway: hub " + h.name + " registered twice")
	}
	g.hubs[h.name] = h
}

// Router builds the HTTP surface.
func (g *Gateway) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", g.handleLogin)
		r.Get("/providers", g.handleProviders)
		r.Group(func(r chi.Router) {
			r.Use(g.requireSession)
			r.Post("/logout", g.handleLogout)
			r.Post("/logout-all", g.handleLogoutAll)
			r.Post("/connection-ticket", g.handleConnectionTicket)
		})
	})
	r.Get("/hubs/{hub}", g.handleSocket)
	return r
}

func kindStatus(kind fault.Kind) int {
	switch kind {
	case fault.KindInvalidInput:
		return http.StatusBadRequest
	case fault.KindNotFound:
		return http.StatusNotFound
	case fault.KindConflict:
		return http.StatusConflict
	case fault.KindUnauthorized:
		return http.StatusUnauthorized
	case fault.KindForbidden:
		return http.StatusForbidden
	case fault.KindRateLimited:
		return http.StatusTooManyRequests
	case fault.KindTimeout:
		return http.StatusGatewayTimeout
	case fault.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (g *Gateway) writeError(w http.ResponseWriter, err error) {
	we := fault.Encode(err)
	if we.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(we.RetryAfterSeconds))
	}
	g.writeJSON(w, kindStatus(fault.KindOf(err)), map[string]any{"error": we})
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Warn("response encode failed", "err", err)
	}
}

// clientPartition is the rate-limit partition for unauthenticated calls.
func clientPartition(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (g *Gateway) handleLogin(w http.ResponseWriter, r *http.Request) {
	decision, err := g.limiter.Check(r.Context(), "Auth.login", clientPartition(r))
	if err == nil && decision.StateHeader != "" {
		w.Header().Set("X-RateLimit-State", decision.StateHeader)
	}
	if err == nil && !decision.Allowed {
		g.writeError(w, decision.Fault())
		return
	}

	var in struct {
		Provider string `json:"provider"`
		Token    string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		g.writeError(w, fault.Wrap(fault.KindInvalidInput, err, "decode login request"))
		return
	}
	info, err := g.sessions.Login(r.Context(), in.Token, in.Provider)
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, info)
}

func (g *Gateway) handleProviders(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]any{"providers": g.sessions.Providers()})
}

type sessionCtxKey struct{}

type sessionInfo struct {
	id        string
	principal auth.Principal
}

func sessionFrom(r *http.Request) (sessionInfo, bool) {
	s, ok := r.Context().Value(sessionCtxKey{}).(sessionInfo)
	return s, ok
}

func contextWithSession(ctx context.Context, s sessionInfo) context.Context {
	return context.WithValue(ctx, sessionCtxKey{}, s)
}

// requireSession resolves the bearer session and stores it on the request
// context.
func (g *Gateway) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		sessionID, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || sessionID == "" {
			g.writeError(w, fault.New(fault.KindUnauthorized, "missing bearer session"))
			return
		}
		principal, err := g.sessions.Validate(r.Context(), sessionID)
		if err != nil {
			g.writeError(w, err)
			return
		}
		ctx := contextWithSession(r.Context(), sessionInfo{id: sessionID, principal: principal})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (g *Gateway) handleLogout(w http.ResponseWriter, r *http.Request) {
	s, _ := sessionFrom(r)
	if err := g.sessions.Logout(r.Context(), s.id); err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"loggedOut": true})
}

func (g *Gateway) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	s, _ := sessionFrom(r)
	n, err := g.sessions.LogoutAll(r.Context(), s.principal.UserID)
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"invalidated": n})
}

// handleConnectionTicket mints the single-use credential a client presents
// when opening a hub socket, so the session ID never rides on a URL.
func (g *Gateway) handleConnectionTicket(w http.ResponseWriter, r *http.Request) {
	s, _ := sessionFrom(r)
	ticket, err := g.tickets.Issue(r.Context(), s.principal)
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"ticket": ticket})
}
