package http

import (
	"net/http"

	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/quantumauth-io/quantum-interceptor/internal/shared"
	"github.com/rs/cors"
)

func newUICors(allowed []string) *cors.Cors {
	return cors.New(cors.Options{
		AllowedOrigins: allowed,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         corsMaxAge,
	})
}

// uiOriginAllowed accepts requests without an Origin header (non-browser tools) and
// browsers on an allowed UI origin.
func (s *Server) uiOriginAllowed(r *http.Request) bool {
	raw := r.Header.Get("Origin")
	if raw == "" {
		return true
	}
	origin, err := shared.NormalizeOrigin(raw)
	if err != nil {
		return false
	}
	_, ok := s.uiAllowedOrigins[origin]
	return ok
}

func (s *Server) withLoopbackOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !isLoopbackRequest(r) {
			http.Error(w, HTTPErrorForbiddenText, http.StatusForbidden)
			return
		}
		next(w, r)
	}
}

func (s *Server) withLocalGuards(next http.HandlerFunc) http.HandlerFunc {
	return s.withLoopbackOnly(func(w http.ResponseWriter, r *http.Request) {
		if !isSafeLocalHost(r.Host) {
			http.Error(w, HTTPErrorForbiddenHostText, http.StatusForbidden)
			return
		}
		next(w, r)
	})
}

// withUIGuards serves the UI endpoints: CORS for the allowed UI origins, and a refusal for
// any other browser origin since CORS alone does not stop a simple POST.
func (s *Server) withUIGuards(next Handler) http.Handler {
	guarded := s.withLocalGuards(func(w http.ResponseWriter, r *http.Request) {
		if !s.uiOriginAllowed(r) {
			log.Warn("ui request from forbidden origin", "origin", r.Header.Get("Origin"), "path", r.URL.Path)
			http.Error(w, HTTPErrorForbiddenOriginText, http.StatusForbidden)
			return
		}
		next(w, r)
	})
	return s.uiCors.Handler(guarded)
}
