// Package server exposes the pipeline over HTTP: book CRUD, chunk listing,
// on-demand materialization, and two event transports (per-upload progress
// streaming and per-book change notifications).
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"vachak/internal/app"
	"vachak/internal/auth"
	"vachak/internal/util"
	"vachak/pkg/domain"
)

// TokenVerifier resolves a bearer token to a principal.
type TokenVerifier interface {
	VerifyPrincipal(token string) (domain.Principal, error)
}

// Server routes HTTP requests to the pipeline controller.
type Server struct {
	app      *app.App
	verifier TokenVerifier
	logger   *slog.Logger
}

func New(a *app.App, verifier TokenVerifier, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{app: a, verifier: verifier, logger: logger}
}

// Handler assembles the route table and middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("POST /api/books", s.handleCreateBook)
	mux.HandleFunc("GET /api/books", s.handleListBooks)
	mux.HandleFunc("GET /api/books/{id}", s.handleGetBook)
	mux.HandleFunc("DELETE /api/books/{id}", s.handleDeleteBook)
	mux.HandleFunc("PATCH /api/books/{id}/visibility", s.handleSetVisibility)

	mux.HandleFunc("GET /api/books/{id}/chunks", s.handleListChunks)
	mux.HandleFunc("POST /api/books/{id}/chunks/next", s.handleNextChunk)
	mux.HandleFunc("POST /api/books/{id}/regenerate", s.handleRegenerate)

	mux.HandleFunc("POST /api/books/{id}/favorite", s.handleFavorite)
	mux.HandleFunc("DELETE /api/books/{id}/favorite", s.handleUnfavorite)

	mux.HandleFunc("GET /api/events", s.handleEvents)

	var h http.Handler = mux
	h = util.WithCORS(h)
	h = util.WithSecurityHeaders(h)
	h = util.WithRequestLog(h)
	h = util.WithRequestID(h)
	return h
}

// principal resolves the caller's identity. An absent or invalid token
// yields the anonymous principal; handlers that require identity reject it.
func (s *Server) principal(r *http.Request) domain.Principal {
	token, ok := auth.BearerToken(r)
	if !ok || s.verifier == nil {
		return domain.Principal{}
	}
	p, err := s.verifier.VerifyPrincipal(token)
	if err != nil {
		s.logger.Debug("token rejected", "error", err)
		return domain.Principal{}
	}
	return p
}

// requirePrincipal writes 401 and returns false for anonymous callers.
func (s *Server) requirePrincipal(w http.ResponseWriter, r *http.Request) (domain.Principal, bool) {
	p := s.principal(r)
	if p.ID == "" {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return domain.Principal{}, false
	}
	return p, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeAppError maps controller errors onto HTTP statuses.
func writeAppError(w http.ResponseWriter, err error) {
	var ve *app.ValidationError
	var ese *app.ExternalServiceError
	switch {
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, ve.Error())
	case errors.Is(err, app.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, app.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.As(err, &ese):
		writeError(w, http.StatusBadGateway, ese.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
