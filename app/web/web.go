// Package web implements the JSON REST server for jobs
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/didip/tollbooth/v8"
	"github.com/didip/tollbooth/v8/limiter"
	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/rest/logger"
	"github.com/go-pkgz/routegroup"

	"github.com/umputun/jobsrv/app/store"
)

//go:generate moq -out mocks/store.go -pkg mocks -skip-ensure -fmt goimports . Store

// Store defines job storage operations used by the server
type Store interface {
	List(ctx context.Context) ([]store.Job, error)
	Get(ctx context.Context, id string) (store.Job, error)
	Create(ctx context.Context, fields map[string]any) (store.Job, error)
	Update(ctx context.Context, id string, fields map[string]any) (store.Job, error)
	Delete(ctx context.Context, id string) (store.Job, error)
}

// Server represents the web server
type Server struct {
	store       Store
	version     string
	baseURL     string  // base URL path for reverse proxy (e.g., /jobs), empty for root
	corsOrigin  string  // allowed origin, empty disables CORS headers
	writeLimit  float64 // max mutating requests per second per client, 0 disables
	maxBodySize int64
}

// Config holds server configuration
type Config struct {
	Store       Store
	Version     string
	BaseURL     string  // base URL path for reverse proxy, empty for root
	CORSOrigin  string  // value of Access-Control-Allow-Origin, empty to disable CORS
	WriteLimit  float64 // requests per second per client IP for POST/PUT/DELETE, 0 to disable
	MaxBodySize int64   // max request size in bytes, defaults to 100KB
}

const defaultMaxBodySize = 100 * 1024

// New creates a new web server
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("web server initialization failed: Store is required")
	}

	maxBodySize := cfg.MaxBodySize
	if maxBodySize <= 0 {
		maxBodySize = defaultMaxBodySize
	}

	return &Server{
		store:       cfg.Store,
		version:     cfg.Version,
		baseURL:     cfg.BaseURL,
		corsOrigin:  cfg.CORSOrigin,
		writeLimit:  cfg.WriteLimit,
		maxBodySize: maxBodySize,
	}, nil
}

// Run starts the web server and blocks until ctx canceled
func (s *Server) Run(ctx context.Context, address string) error {
	server := &http.Server{
		Addr:              address,
		Handler:           s.handler(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("[WARN] failed to shutdown server: %v", err)
		}
	}()

	log.Printf("[INFO] starting web server on %s", address)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("web server failed: %w", err)
	}
	return nil
}

// handler returns the http.Handler with base URL wrapping applied
func (s *Server) handler() http.Handler {
	routes := s.routes()
	if s.baseURL == "" {
		return routes
	}

	mux := http.NewServeMux()
	mux.HandleFunc(s.baseURL, func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, s.baseURL+"/", http.StatusMovedPermanently)
	})
	mux.Handle(s.baseURL+"/", http.StripPrefix(s.baseURL, routes))
	return mux
}

// routes returns the http.Handler with all routes configured.
//
//	GET    /api/jobs       list, 200
//	GET    /api/jobs/{id}  get, 200 or 404
//	POST   /api/jobs       create, 201, 400 on body which is not a JSON object
//	PUT    /api/jobs/{id}  merge update, 200, 404 or 400 as above
//	DELETE /api/jobs/{id}  delete, 200 with {message, job} or 404
//
// Any other path or method answers 404 {"error":"Route not found"}.
func (s *Server) routes() http.Handler {
	router := routegroup.New(http.NewServeMux())

	router.Use(
		rest.RealIP,
		rest.Recoverer(log.Default()),
		rest.Throttle(1000),
		rest.AppInfo("jobsrv", "umputun", s.version),
		rest.Ping,
		rest.Trace,
		rest.SizeLimit(s.maxBodySize),
		logger.New(logger.Log(log.Default()), logger.Prefix("[DEBUG]")).Handler,
		s.cors,
		s.recoverJSON,
	)

	router.Mount("/api").Route(func(api *routegroup.Bundle) {
		api.Use(rest.NoCache)

		api.HandleFunc("GET /jobs", s.handleListJobs)
		api.HandleFunc("GET /jobs/{id}", s.handleGetJob)

		writes := api
		if s.writeLimit > 0 {
			writes = api.With(tollbooth.HTTPMiddleware(s.writeLimiter()))
		}
		writes.HandleFunc("POST /jobs", s.handleCreateJob)
		writes.HandleFunc("PUT /jobs/{id}", s.handleUpdateJob)
		writes.HandleFunc("DELETE /jobs/{id}", s.handleDeleteJob)

		// method-less patterns catch other methods on known paths, otherwise mux answers 405
		api.HandleFunc("/jobs", s.handleNotFound)
		api.HandleFunc("/jobs/{id}", s.handleNotFound)
	})

	router.NotFoundHandler(s.handleNotFound)
	return router
}

// writeLimiter makes per-client rate limiter for mutating requests.
// rest.RealIP already put the client address into RemoteAddr.
func (s *Server) writeLimiter() *limiter.Limiter {
	lmt := tollbooth.NewLimiter(s.writeLimit, nil)
	lmt.SetIPLookup(limiter.IPLookup{Name: "RemoteAddr"})
	lmt.SetMessage(`{"error":"Too many requests"}`)
	lmt.SetMessageContentType("application/json")
	return lmt
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[WARN] failed to encode JSON response: %v", err)
	}
}

// writeJSONError writes a JSON error response
func (s *Server) writeJSONError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
