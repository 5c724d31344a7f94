package web

import (
	"net/http"
	"strings"

	log "github.com/go-pkgz/lgr"
)

var corsMethods = strings.Join([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete,
	http.MethodOptions}, ", ")

// cors sets cross-origin headers and answers preflight requests
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.corsOrigin == "" {
			next.ServeHTTP(w, r)
			return
		}

		h := w.Header()
		h.Set("Access-Control-Allow-Origin", s.corsOrigin)
		if s.corsOrigin != "*" {
			h.Add("Vary", "Origin")
		}

		if r.Method != http.MethodOptions || r.Header.Get("Access-Control-Request-Method") == "" {
			next.ServeHTTP(w, r)
			return
		}

		h.Set("Access-Control-Allow-Methods", corsMethods)
		allowHeaders := r.Header.Get("Access-Control-Request-Headers")
		if allowHeaders == "" {
			allowHeaders = "Content-Type"
		}
		h.Set("Access-Control-Allow-Headers", allowHeaders)
		h.Set("Access-Control-Max-Age", "86400")
		w.WriteHeader(http.StatusNoContent)
	})
}

// recoverJSON turns handler panic into generic JSON error
func (s *Server) recoverJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rvr := recover()
			if rvr == nil {
				return
			}
			if rvr == http.ErrAbortHandler { //nolint:errorlint // sentinel value compared as in net/http
				panic(rvr)
			}
			log.Printf("[WARN] request panic for %s %s, %v", r.Method, r.URL.Path, rvr)
			s.writeJSONError(w, http.StatusInternalServerError, "Something went wrong!")
		}()
		next.ServeHTTP(w, r)
	})
}
