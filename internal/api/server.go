package api

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/JakeFAU/indieweb-endpoint/internal/indieweb"
	"github.com/JakeFAU/indieweb-endpoint/internal/logging"
	"github.com/JakeFAU/indieweb-endpoint/internal/metrics"
	"github.com/JakeFAU/indieweb-endpoint/internal/micropub"
)

// Mentions accepts webmentions for asynchronous verification.
type Mentions interface {
	Enqueue(ctx context.Context, source, target string) (indieweb.Mention, error)
	Get(ctx context.Context, id string) (indieweb.Mention, error)
}

// Posts serves Micropub queries and mutations.
type Posts interface {
	Config() map[string]any
	SyndicateTo() map[string]any
	Source(ctx context.Context, authorization, permalink string, properties []string) (map[string]any, error)
	Handle(ctx context.Context, authorization string, req micropub.Request) (micropub.Result, error)
}

// Options tunes the HTTP surface.
type Options struct {
	MaxBodyBytes   int64
	RequestTimeout time.Duration
	// Ready reports whether downstream dependencies are reachable. Nil means
	// always ready.
	Ready func(ctx context.Context) error
}

// Server wires HTTP handlers to the mention queue and Micropub service.
type Server struct {
	router   chi.Router
	mentions Mentions
	posts    Posts
	site     indieweb.SiteMetadata
	opts     Options
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	mentions Mentions,
	posts Posts,
	site indieweb.SiteMetadata,
	opts Options,
	logger *zap.Logger,
) *Server {
	metrics.Init()
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		mentions: mentions,
		posts:    posts,
		site:     site,
		opts:     opts,
		logger:   logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(logger))
	r.Use(s.recoverer)
	r.Use(metrics.Middleware)
	r.Use(middleware.Timeout(opts.RequestTimeout))
	r.MethodNotAllowed(s.methodNotAllowed)
	r.NotFound(s.notFound)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.discoveryLinks)
		r.Post("/webmention", s.receiveWebmention)
		r.Get("/webmention/{id}", s.mentionStatus)
		r.Get("/micropub", s.micropubQuery)
		r.Post("/micropub", s.micropubPost)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.opts.Ready != nil {
		if err := s.opts.Ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	s.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
}

func (s *Server) notFound(w http.ResponseWriter, _ *http.Request) {
	s.writeError(w, http.StatusNotFound, "not_found", "not found")
}

// discoveryLinks advertises the configured endpoints on protocol responses.
func (s *Server) discoveryLinks(next http.Handler) http.Handler {
	var links []string
	if s.site != nil {
		rels := s.site.DiscoveryLinks()
		names := make([]string, 0, len(rels))
		for rel := range rels {
			names = append(names, rel)
		}
		sort.Strings(names)
		for _, rel := range names {
			links = append(links, fmt.Sprintf("<%s>; rel=%q", rels[rel], rel))
		}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, link := range links {
			w.Header().Add("Link", link)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.Error("panic recovered",
					zap.Any("panic", rec),
					zap.String("request_id", middleware.GetReqID(r.Context())),
				)
				s.writeError(w, http.StatusInternalServerError, "server_error", "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
