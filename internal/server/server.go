package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ottrelay/ott-relay/internal/apiclient"
	"github.com/ottrelay/ott-relay/internal/provider"
	"github.com/ottrelay/ott-relay/internal/token"
)

// Server is the HTTP boundary: routing, viewer IP capture, and error-to-status
// mapping. All resolution logic stays in the orchestrator.
type Server struct {
	orch   *provider.Orchestrator
	tokens *token.Manager
	router chi.Router
}

func New(orch *provider.Orchestrator, tokens *token.Manager) *Server {
	s := &Server{orch: orch, tokens: tokens}
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(viewerIPMiddleware)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/stream/{itemID}", s.handleStream)
	r.Get(provider.ArtifactRoute+"{itemID}", s.handleArtifact)
	r.Get("/providers", s.handleProviders)
	r.Get("/providers/{id}/health", s.handleProviderHealth)
	r.Post("/providers/{id}/login", s.handleLogin)
	r.Post("/providers/{id}/logout", s.handleLogout)

	s.router = r
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// viewerIPMiddleware threads the viewer's address into the context so every
// upstream call can forward it.
func viewerIPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := r.RemoteAddr
		if host, _, err := net.SplitHostPort(ip); err == nil {
			ip = host
		}
		next.ServeHTTP(w, r.WithContext(apiclient.WithViewerIP(r.Context(), ip)))
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemID")
	ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
	defer cancel()

	desc, err := s.orch.Resolve(ctx, itemID)
	if err != nil {
		writeError(w, itemID, err)
		return
	}
	writeJSON(w, http.StatusOK, desc)
}

// handleArtifact serves the finished remux file behind a cached descriptor's
// URL. Media clients fetch it like any other playback URL.
func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemID")
	path, err := s.orch.ArtifactPath(itemID)
	if err != nil {
		writeError(w, itemID, err)
		return
	}
	w.Header().Set("Content-Type", "video/mp4")
	http.ServeFile(w, r, path)
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	ids := s.orch.Providers()
	out := make([]provider.Health, 0, len(ids))
	for _, id := range ids {
		if h, err := s.orch.Health(id); err == nil {
			out = append(out, h)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleProviderHealth(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	h, err := s.orch.Health(id)
	if err != nil {
		writeError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
	defer cancel()
	if _, err := s.tokens.Login(ctx, id); err != nil {
		writeError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "authenticated", "provider": id})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.tokens.Logout(id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out", "provider": id})
}

// errorBody is the stable wire shape for failures. Error IDs are part of the
// API contract; clients branch on them.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Item    string `json:"item,omitempty"`
}

func writeError(w http.ResponseWriter, item string, err error) {
	var restricted *provider.RestrictedError
	var notFound *provider.NotFoundError
	var authErr *token.AuthError
	var unavailable *provider.UnavailableError

	switch {
	case errors.As(err, &restricted):
		status := http.StatusForbidden
		if restricted.Code == provider.RestrictAuth {
			status = http.StatusUnauthorized
		}
		if restricted.Code == provider.RestrictGeo {
			status = http.StatusUnavailableForLegalReasons
		}
		writeJSON(w, status, errorBody{Error: string(restricted.Code), Message: restricted.Message, Item: item})
	case errors.As(err, &notFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found", Message: err.Error(), Item: item})
	case errors.As(err, &authErr):
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "auth_required", Message: err.Error(), Item: item})
	case errors.As(err, &unavailable):
		writeJSON(w, http.StatusBadGateway, errorBody{Error: "upstream_unavailable", Message: err.Error(), Item: item})
	case errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusGatewayTimeout, errorBody{Error: "timeout", Message: err.Error(), Item: item})
	default:
		log.Printf("server: %s: %v", item, err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal", Message: err.Error(), Item: item})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("server: write response: %v", err)
	}
}
