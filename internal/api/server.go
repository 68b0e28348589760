// Package api wires the federated node's HTTP surface together: the public
// REST API (auth, posts, users, notifications, chat, account) and the
// swarm-protocol surface nodes speak to each other (spec.md §6), routed
// through go-chi the way the teacher's internal/api does.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cyph3rasi/synapsis/internal/api/apiutil"
	"github.com/cyph3rasi/synapsis/internal/apierr"
	"github.com/cyph3rasi/synapsis/internal/auth"
	"github.com/cyph3rasi/synapsis/internal/config"
	"github.com/cyph3rasi/synapsis/internal/dm"
	"github.com/cyph3rasi/synapsis/internal/identity"
	"github.com/cyph3rasi/synapsis/internal/interactions"
	"github.com/cyph3rasi/synapsis/internal/keyresolve"
	"github.com/cyph3rasi/synapsis/internal/posts"
	"github.com/cyph3rasi/synapsis/internal/pullfed"
	"github.com/cyph3rasi/synapsis/internal/ratelimit"
	"github.com/cyph3rasi/synapsis/internal/scheduler"
	"github.com/cyph3rasi/synapsis/internal/signedaction"
	"github.com/cyph3rasi/synapsis/internal/swarm"
)

// Handler carries every domain service an HTTP handler might need. It is
// shared by every handler file in this package rather than split into one
// struct per route group, since a Synapsis node's domain surface is narrow
// enough that the teacher's one-struct-per-subpackage split would mostly
// duplicate these same fields.
type Handler struct {
	Pool           *pgxpool.Pool
	Config         *config.Config
	Identity       *identity.Service
	Verifier       *signedaction.Verifier
	Swarm          *swarm.Service
	HandleRegistry *swarm.PgHandleRegistry
	Interactions   *interactions.Service
	DM             *dm.Service
	Pull           *pullfed.Service
	KeyResolve     *keyresolve.Service
	Posts          *posts.Service
	Logger         *slog.Logger
}

// Server owns the chi router and the *http.Server it drives, plus the
// background task manager whose lifetime is tied to the same
// Start/Shutdown calls.
type Server struct {
	Handler

	Router    *chi.Mux
	Scheduler *scheduler.Manager

	ipLimiter     *ratelimit.Limiter
	authIPLimiter *ratelimit.Limiter

	server *http.Server
}

// Config configures NewServer.
type Config struct {
	Pool           *pgxpool.Pool
	AppConfig      *config.Config
	Identity       *identity.Service
	Verifier       *signedaction.Verifier
	Swarm          *swarm.Service
	HandleRegistry *swarm.PgHandleRegistry
	Interactions   *interactions.Service
	DM             *dm.Service
	Pull           *pullfed.Service
	KeyResolve     *keyresolve.Service
	Posts          *posts.Service
	Scheduler      *scheduler.Manager
	Logger         *slog.Logger
}

// NewServer builds a Server with every route registered, ready for Start.
func NewServer(cfg Config) *Server {
	s := &Server{
		Handler: Handler{
			Pool:           cfg.Pool,
			Config:         cfg.AppConfig,
			Identity:       cfg.Identity,
			Verifier:       cfg.Verifier,
			Swarm:          cfg.Swarm,
			HandleRegistry: cfg.HandleRegistry,
			Interactions:   cfg.Interactions,
			DM:             cfg.DM,
			Pull:           cfg.Pull,
			KeyResolve:     cfg.KeyResolve,
			Posts:          cfg.Posts,
			Logger:         cfg.Logger,
		},
		Router:        chi.NewRouter(),
		Scheduler:     cfg.Scheduler,
		ipLimiter:     ratelimit.New(120, time.Minute),
		authIPLimiter: ratelimit.New(20, time.Minute),
	}

	s.registerMiddleware()
	s.registerRoutes()
	return s
}

func (s *Server) registerMiddleware() {
	s.Router.Use(middleware.RequestID)
	s.Router.Use(middleware.RealIP)
	s.Router.Use(slogMiddleware(s.Logger))
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(corsMiddleware(s.Config.HTTP.CORSOrigins))
	s.Router.Use(middleware.Compress(5))
	s.Router.Use(middleware.Timeout(30 * time.Second))
	s.Router.Use(maxBodySize(1 << 20))
	s.Router.Use(s.rateLimitMiddleware())
}

func (s *Server) registerRoutes() {
	s.Router.Get("/health", s.handleHealthCheck)

	s.Router.Get("/.well-known/synapsis-swarm", s.handleSwarmWellKnown)

	s.Router.Get("/swarm/info", s.handleSwarmInfo)
	s.Router.Post("/swarm/announce", s.handleSwarmAnnounce)
	s.Router.Post("/swarm/gossip", s.handleSwarmGossip)
	s.Router.Get("/swarm/users/{handle}", s.handleSwarmGetUser)
	s.Router.Get("/swarm/users/{handle}/following", s.handleSwarmFollowing)
	s.Router.Get("/swarm/users/{handle}/followers", s.handleSwarmFollowers)
	s.Router.Get("/swarm/posts/{id}", s.handleSwarmGetPost)
	s.Router.Post("/swarm/interactions/{verb}", s.handleSwarmInteraction)
	s.Router.Post("/chat/receive", s.handleSwarmChatReceive)

	s.Router.Route("/api/v1", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.With(s.authEndpointLimit).Post("/register", s.handleRegister)
			r.With(s.authEndpointLimit).Post("/login", s.handleLogin)
			r.With(auth.RequireAuth(s.Identity)).Post("/logout", s.handleLogout)
		})

		r.With(auth.OptionalAuth(s.Identity)).Get("/posts", s.handleListPosts)
		r.With(auth.RequireAuth(s.Identity)).Post("/posts", s.handleCreatePost)
		r.With(auth.RequireAuth(s.Identity)).Post("/posts/{id}/like", s.handleLikePost)
		r.With(auth.RequireAuth(s.Identity)).Delete("/posts/{id}/like", s.handleUnlikePost)
		r.With(auth.RequireAuth(s.Identity)).Post("/posts/{id}/repost", s.handleRepostPost)
		r.With(auth.RequireAuth(s.Identity)).Delete("/posts/{id}/repost", s.handleUnrepostPost)

		r.Get("/users/{handle}", s.handleGetUser)
		r.With(auth.RequireAuth(s.Identity)).Post("/users/{handle}/follow", s.handleFollowUser)
		r.With(auth.RequireAuth(s.Identity)).Delete("/users/{handle}/follow", s.handleUnfollowUser)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAuth(s.Identity))

			r.Get("/notifications", s.handleListNotifications)
			r.Patch("/notifications", s.handleMarkNotificationsRead)

			r.Post("/chat/send", s.handleChatSend)
			r.Get("/chat/messages", s.handleChatMessages)
			r.Patch("/chat/messages", s.handleChatMarkRead)

			r.Post("/account/export", s.handleAccountExport)
		})
	})
}

// handleHealthCheck reports this node's own health plus its database
// connection's, the only external dependency a Synapsis node has.
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok", "version": swarm.Version}

	if err := s.Pool.Ping(r.Context()); err != nil {
		status["status"] = "degraded"
		status["database"] = "unhealthy"
	} else {
		status["database"] = "healthy"
	}

	httpStatus := http.StatusOK
	if status["status"] != "ok" {
		httpStatus = http.StatusServiceUnavailable
	}
	apiutil.WriteJSONRaw(w, httpStatus, status)
}

// Start begins serving HTTP and blocks until the server is shut down.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.Config.HTTP.Listen,
		Handler:      s.Router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.Logger.Info("HTTP server starting", slog.String("listen", s.Config.HTTP.Listen))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.Info("HTTP server shutting down")
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func slogMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.LogAttrs(r.Context(), slog.LevelInfo, "http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("duration", time.Since(start)),
				slog.String("remote", r.RemoteAddr),
				slog.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

// maxBodySize limits the request body to n bytes.
func maxBodySize(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, n)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// corsMiddleware sets CORS headers for the configured allowed origins.
func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			allowed := false
			for _, o := range origins {
				if o == "*" || o == origin {
					allowed = true
					break
				}
			}
			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, X-Request-ID")
				isWildcard := len(origins) == 1 && origins[0] == "*"
				if !isWildcard {
					w.Header().Set("Access-Control-Allow-Credentials", "true")
				}
				w.Header().Set("Access-Control-Max-Age", "86400")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// rateLimitMiddleware applies the process-local per-IP limiter to every
// request. Unlike the teacher's Redis-backed tiered limiter, this node has
// no shared cache to coordinate across processes — see DESIGN.md for why a
// single process-local internal/ratelimit.Limiter is the documented answer
// to spec.md §9(a) rather than an attempt to fake a distributed one.
func (s *Server) rateLimitMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !s.ipLimiter.Allow(clientIP(r)) {
				apierr.WriteKind(w, apierr.RateLimited, "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// authEndpointLimit applies a tighter per-IP limit to login/register, ahead
// of the general rateLimitMiddleware already applied to every request.
func (s *Server) authEndpointLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authIPLimiter.Allow(clientIP(r)) {
			apierr.WriteKind(w, apierr.RateLimited, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP reads the request's remote address, relying on chi's RealIP
// middleware (already registered ahead of this) to have normalized it from
// any trusted proxy headers; this package never parses X-Forwarded-For
// itself.
func clientIP(r *http.Request) string {
	host, _, err := splitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func splitHostPort(addr string) (string, string, error) {
	i := strings.LastIndexByte(addr, ':')
	if i < 0 {
		return addr, "", nil
	}
	return addr[:i], addr[i+1:], nil
}
