package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"vachak/internal/app"
	"vachak/internal/notify"
	"vachak/internal/util"
	"vachak/pkg/domain"
)

const multipartMemory = 32 << 20

func (s *Server) handleCreateBook(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requirePrincipal(w, r)
	if !ok {
		return
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		writeError(w, http.StatusBadRequest, "multipart form required")
		return
	}
	defer func() {
		_ = r.MultipartForm.RemoveAll()
	}()

	input := app.CreateBookInput{
		Title:       r.FormValue("title"),
		Author:      r.FormValue("author"),
		Description: r.FormValue("description"),
		Language:    r.FormValue("language"),
		Genre:       r.FormValue("genre"),
		Public:      r.FormValue("isPublic") == "true",
	}
	pdf, pdfHeader, err := r.FormFile("pdf")
	if err == nil {
		defer pdf.Close()
		input.PDF = pdf
		input.PDFSize = pdfHeader.Size
		input.PDFName = pdfHeader.Filename
	}
	if cover, coverHeader, err := r.FormFile("cover"); err == nil {
		defer cover.Close()
		input.Cover = cover
		input.CoverSize = coverHeader.Size
		input.CoverType = coverHeader.Header.Get("Content-Type")
	}

	if r.URL.Query().Get("stream") == "true" {
		s.streamCreateBook(w, r, p, input)
		return
	}

	book, err := s.app.CreateBook(r.Context(), p, input)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, book)
}

// streamCreateBook runs the upload synchronously and relays ordered
// progress events over SSE until the terminal event.
func (s *Server) streamCreateBook(w http.ResponseWriter, r *http.Request, p domain.Principal, input app.CreateBookInput) {
	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	stream := notify.NewProgressStream()
	go s.app.CreateBookStream(r.Context(), p, input, stream)

	logger := util.LoggerFromContext(r.Context())
	for event := range stream.Events() {
		if err := sse.WriteEvent(string(event.Type), event.Data); err != nil {
			logger.Debug("progress client went away", "error", err)
			// Drain so the producer's terminal send is not lost.
			for range stream.Events() {
			}
			return
		}
	}
}

func (s *Server) handleListBooks(w http.ResponseWriter, r *http.Request) {
	books, err := s.app.ListBooks(r.Context(), s.principal(r))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"books": books})
}

func (s *Server) handleGetBook(w http.ResponseWriter, r *http.Request) {
	book, err := s.app.GetBook(r.Context(), s.principal(r), r.PathValue("id"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

func (s *Server) handleDeleteBook(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requirePrincipal(w, r)
	if !ok {
		return
	}
	if err := s.app.DeleteBook(r.Context(), p, r.PathValue("id")); err != nil {
		writeAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetVisibility(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requirePrincipal(w, r)
	if !ok {
		return
	}
	var body struct {
		Public *bool `json:"isPublic"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Public == nil {
		writeError(w, http.StatusBadRequest, "isPublic required")
		return
	}
	book, err := s.app.SetVisibility(r.Context(), p, r.PathValue("id"), *body.Public)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

func (s *Server) handleListChunks(w http.ResponseWriter, r *http.Request) {
	chunks, err := s.app.ListChunks(r.Context(), s.principal(r), r.PathValue("id"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chunks": chunks})
}

func (s *Server) handleNextChunk(w http.ResponseWriter, r *http.Request) {
	var body struct {
		LastChunkNumber int `json:"lastChunkNumber"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	number, created, err := s.app.RequestNextChunk(r.Context(), s.principal(r), r.PathValue("id"), body.LastChunkNumber)
	if err != nil {
		writeAppError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusAccepted
	}
	writeJSON(w, status, map[string]any{"created": created, "chunkNumber": number})
}

func (s *Server) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requirePrincipal(w, r)
	if !ok {
		return
	}
	if err := s.app.Regenerate(r.Context(), p, r.PathValue("id")); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "regenerating"})
}

func (s *Server) handleFavorite(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requirePrincipal(w, r)
	if !ok {
		return
	}
	if err := s.app.Favorite(r.Context(), p, r.PathValue("id")); err != nil {
		writeAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnfavorite(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requirePrincipal(w, r)
	if !ok {
		return
	}
	if err := s.app.Unfavorite(r.Context(), p, r.PathValue("id")); err != nil {
		writeAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleEvents streams chunk change notifications for one book. With no book
// given it streams changes across every book, so it requires authentication;
// the payload carries identity and status only, never chunk content.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	bookID := strings.TrimSpace(r.URL.Query().Get("book"))
	p := s.principal(r)
	if bookID != "" {
		if _, err := s.app.GetBook(r.Context(), p, bookID); err != nil {
			writeAppError(w, err)
			return
		}
	} else if p.ID == "" {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	sub := s.app.Hub().Subscribe(bookID)
	defer sub.Close()

	logger := util.LoggerFromContext(r.Context())
	for {
		select {
		case <-r.Context().Done():
			return
		case change, open := <-sub.C:
			if !open {
				// Book deleted; tell the client before closing.
				_ = sse.WriteEvent("book_deleted", map[string]string{"bookId": bookID})
				return
			}
			if err := sse.WriteEvent("chunk_change", change); err != nil {
				logger.Debug("change client went away", "error", err)
				return
			}
		}
	}
}
