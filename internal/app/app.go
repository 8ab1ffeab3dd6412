// Package app is the pipeline controller: the single writer of chunk rows.
// It owns book lifecycle, on-demand chunk materialization, and the fan-out
// of change notifications after every chunk write.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"vachak/internal/notify"
	"vachak/pkg/docslice"
	"vachak/pkg/domain"
	"vachak/pkg/ocr"
	"vachak/pkg/storage"
	"vachak/pkg/store"
	"vachak/pkg/tts"
)

// Dispatcher hands pipeline work to the background consumer. A nil
// dispatcher runs the work inline in a goroutine, which tests and
// single-process deployments rely on.
type Dispatcher interface {
	Dispatch(ctx context.Context, bookID string, chunkNumber int, kind string) error
}

const (
	// JobMaterialize processes one chunk through extraction and synthesis.
	JobMaterialize = "materialize"
	// JobRegenerate reprocesses every chunk of a book sequentially.
	JobRegenerate = "regenerate"
)

// Config wires the controller's collaborators.
type Config struct {
	Store      store.Store
	Objects    storage.ObjectStore
	OCR        ocr.Engine
	TTS        tts.Synthesizer
	Hub        *notify.Hub
	Dispatcher Dispatcher
	Logger     *slog.Logger

	PagesPerChunk int
	Language      string // default extraction language, e.g. "hin"
	Voice         string

	MaxUploadBytes int64
}

// App coordinates the book and chunk pipeline.
type App struct {
	store      store.Store
	objects    storage.ObjectStore
	ocr        ocr.Engine
	tts        tts.Synthesizer
	hub        *notify.Hub
	dispatcher Dispatcher
	logger     *slog.Logger
	slicer     *docslice.Slicer
	language   string
	voice      string
	maxUpload  int64
}

func New(cfg Config) *App {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hub := cfg.Hub
	if hub == nil {
		hub = notify.NewHub(logger)
	}
	language := cfg.Language
	if language == "" {
		language = "hin"
	}
	maxUpload := cfg.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = 100 << 20
	}
	return &App{
		store:      cfg.Store,
		objects:    cfg.Objects,
		ocr:        cfg.OCR,
		tts:        cfg.TTS,
		hub:        hub,
		dispatcher: cfg.Dispatcher,
		logger:     logger,
		slicer:     docslice.New(cfg.PagesPerChunk),
		language:   language,
		voice:      cfg.Voice,
		maxUpload:  maxUpload,
	}
}

// Hub exposes the change-notification hub for transport adapters.
func (a *App) Hub() *notify.Hub {
	return a.hub
}

// CreateBookInput carries the upload form. PDF is required; Cover is
// optional.
type CreateBookInput struct {
	Title       string
	Author      string
	Description string
	Language    string
	Genre       string
	Public      bool

	PDF     io.Reader
	PDFSize int64
	PDFName string

	Cover     io.Reader
	CoverSize int64
	CoverType string
}

// CreateBook stores the source document, registers the book, and seeds
// chunk 1. Processing continues in the background; the returned book is in
// the processing state with chunk 1 pending.
func (a *App) CreateBook(ctx context.Context, p domain.Principal, input CreateBookInput) (domain.Book, error) {
	book, err := a.registerBook(ctx, p, input)
	if err != nil {
		return domain.Book{}, err
	}
	a.dispatch(ctx, book.ID, 1, JobMaterialize)
	return book, nil
}

// CreateBookStream is the streaming variant: it registers the book and then
// materializes chunk 1 synchronously, emitting ordered progress events. The
// stream always ends with exactly one terminal event.
func (a *App) CreateBookStream(ctx context.Context, p domain.Principal, input CreateBookInput, stream *notify.ProgressStream) {
	// The caller's context governs event delivery only. Registration and
	// chunk 1 run detached, like dispatched work, so a client disconnect
	// mid-pipeline cannot fail the chunk.
	ctx = context.WithoutCancel(ctx)
	stream.Status("upload received")
	book, err := a.registerBook(ctx, p, input)
	if err != nil {
		stream.Error(err.Error())
		return
	}
	if err := a.materializeChunk(ctx, book.ID, 1, stream); err != nil {
		stream.Error(err.Error())
		return
	}
	final, ok, err := a.store.GetBook(book.ID)
	if err != nil || !ok {
		stream.Error("book no longer available")
		return
	}
	stream.Completed(final)
}

func (a *App) registerBook(ctx context.Context, p domain.Principal, input CreateBookInput) (domain.Book, error) {
	if d := Authorize(p, ActionCreateBook, nil); !d.Allowed {
		return domain.Book{}, fmt.Errorf("%w: %s", ErrForbidden, d.Reason)
	}
	if strings.TrimSpace(input.Title) == "" {
		return domain.Book{}, &ValidationError{Field: "title", Reason: "required"}
	}
	if input.PDF == nil {
		return domain.Book{}, &ValidationError{Field: "pdf", Reason: "required"}
	}
	if input.PDFSize > a.maxUpload {
		return domain.Book{}, &ValidationError{Field: "pdf", Reason: "file too large"}
	}
	language := strings.TrimSpace(input.Language)
	if language == "" {
		language = a.language
	}

	totalPages, tmpPath, err := a.spoolAndCount(input.PDF)
	if err != nil {
		return domain.Book{}, &ValidationError{Field: "pdf", Reason: err.Error()}
	}
	defer os.Remove(tmpPath)

	id := uuid.NewString()
	storageKey := fmt.Sprintf("books/%s/source.pdf", id)

	file, err := os.Open(tmpPath)
	if err != nil {
		return domain.Book{}, fmt.Errorf("reopen upload: %w", err)
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return domain.Book{}, fmt.Errorf("stat upload: %w", err)
	}
	if err := a.objects.Put(ctx, storageKey, file, info.Size(), "application/pdf"); err != nil {
		return domain.Book{}, fmt.Errorf("store source document: %w", err)
	}

	coverKey, coverURL := "", ""
	if input.Cover != nil {
		coverKey = fmt.Sprintf("books/%s/cover%s", id, coverExt(input.CoverType))
		if err := a.objects.Put(ctx, coverKey, input.Cover, input.CoverSize, input.CoverType); err != nil {
			a.logger.Warn("cover upload failed", "book_id", id, "error", err)
			coverKey = ""
		} else {
			coverURL = a.objects.PublicURL(coverKey)
		}
	}

	now := time.Now().UTC()
	book := domain.Book{
		ID:          id,
		OwnerID:     p.ID,
		Title:       strings.TrimSpace(input.Title),
		Author:      strings.TrimSpace(input.Author),
		Description: strings.TrimSpace(input.Description),
		Language:    language,
		Genre:       strings.TrimSpace(input.Genre),
		Public:      input.Public,
		CoverURL:    coverURL,
		CoverKey:    coverKey,
		SourceURL:   a.objects.PublicURL(storageKey),
		StorageKey:  storageKey,
		TotalPages:  totalPages,
		Status:      domain.BookProcessing,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := a.store.SaveBook(book); err != nil {
		return domain.Book{}, fmt.Errorf("save book: %w", err)
	}
	if err := a.seedChunk(book, 1); err != nil {
		return domain.Book{}, err
	}
	a.logger.Info("book registered", "book_id", id, "owner_id", p.ID, "pages", totalPages)
	return book, nil
}

// spoolAndCount writes the upload to a temp file and counts its pages. The
// caller removes the returned path.
func (a *App) spoolAndCount(r io.Reader) (int, string, error) {
	tmp, err := os.CreateTemp("", "vachak-upload-*.pdf")
	if err != nil {
		return 0, "", fmt.Errorf("spool upload: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := io.Copy(tmp, io.LimitReader(r, a.maxUpload+1)); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return 0, "", fmt.Errorf("spool upload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, "", fmt.Errorf("spool upload: %w", err)
	}
	if info, err := os.Stat(tmpPath); err == nil && info.Size() > a.maxUpload {
		os.Remove(tmpPath)
		return 0, "", fmt.Errorf("file too large")
	}
	totalPages, err := docslice.CountPages(tmpPath)
	if err != nil {
		os.Remove(tmpPath)
		return 0, "", fmt.Errorf("not a readable pdf: %v", err)
	}
	return totalPages, tmpPath, nil
}

func coverExt(contentType string) string {
	switch contentType {
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	default:
		return ".jpg"
	}
}

// GetBook returns a book the principal may view.
func (a *App) GetBook(ctx context.Context, p domain.Principal, id string) (domain.Book, error) {
	book, ok, err := a.store.GetBook(id)
	if err != nil {
		return domain.Book{}, fmt.Errorf("get book: %w", err)
	}
	if !ok {
		return domain.Book{}, ErrNotFound
	}
	if !CanReadBook(p, book) {
		// Hidden books are indistinguishable from missing ones.
		return domain.Book{}, ErrNotFound
	}
	return a.withFavoriteCount(book), nil
}

// ListBooks returns the books visible to the principal: their own plus
// public ones, or everything for an admin.
func (a *App) ListBooks(ctx context.Context, p domain.Principal) ([]domain.Book, error) {
	if p.Role == domain.RoleAdmin {
		books, err := a.store.ListBooks()
		if err != nil {
			return nil, fmt.Errorf("list books: %w", err)
		}
		return a.withFavoriteCounts(books), nil
	}
	public, err := a.store.ListPublicBooks()
	if err != nil {
		return nil, fmt.Errorf("list books: %w", err)
	}
	var own []domain.Book
	if p.ID != "" {
		own, err = a.store.ListBooksByOwner(p.ID)
		if err != nil {
			return nil, fmt.Errorf("list books: %w", err)
		}
	}
	seen := make(map[string]struct{}, len(own))
	merged := make([]domain.Book, 0, len(own)+len(public))
	for _, b := range own {
		seen[b.ID] = struct{}{}
		merged = append(merged, b)
	}
	for _, b := range public {
		if _, dup := seen[b.ID]; !dup {
			merged = append(merged, b)
		}
	}
	return a.withFavoriteCounts(merged), nil
}

// ListChunks returns the chunks of one book ordered by chunk number.
func (a *App) ListChunks(ctx context.Context, p domain.Principal, bookID string) ([]domain.Chunk, error) {
	if _, err := a.GetBook(ctx, p, bookID); err != nil {
		return nil, err
	}
	chunks, err := a.store.ListChunks(bookID)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	return chunks, nil
}

// SetVisibility toggles a book between public and private.
func (a *App) SetVisibility(ctx context.Context, p domain.Principal, bookID string, public bool) (domain.Book, error) {
	book, ok, err := a.store.GetBook(bookID)
	if err != nil {
		return domain.Book{}, fmt.Errorf("get book: %w", err)
	}
	if !ok {
		return domain.Book{}, ErrNotFound
	}
	if d := Authorize(p, ActionToggleVisibility, &book); !d.Allowed {
		return domain.Book{}, fmt.Errorf("%w: %s", ErrForbidden, d.Reason)
	}
	if err := a.store.SetBookVisibility(bookID, public); err != nil {
		return domain.Book{}, fmt.Errorf("set visibility: %w", err)
	}
	book.Public = public
	return a.withFavoriteCount(book), nil
}

// DeleteBook removes the book, its chunks, and its stored blobs, then tears
// down every change subscription scoped to it. In-flight pipeline work for
// the book degrades to a no-op.
func (a *App) DeleteBook(ctx context.Context, p domain.Principal, bookID string) error {
	book, ok, err := a.store.GetBook(bookID)
	if err != nil {
		return fmt.Errorf("get book: %w", err)
	}
	if !ok {
		return ErrNotFound
	}
	if d := Authorize(p, ActionDeleteBook, &book); !d.Allowed {
		return fmt.Errorf("%w: %s", ErrForbidden, d.Reason)
	}
	chunks, err := a.store.ListChunks(bookID)
	if err != nil {
		return fmt.Errorf("list chunks: %w", err)
	}
	if err := a.store.DeleteBook(bookID); err != nil {
		return fmt.Errorf("delete book: %w", err)
	}
	a.hub.CloseBook(bookID)

	// Blob removal is best effort; orphans are cheaper than a failed delete.
	keys := []string{book.StorageKey, book.CoverKey}
	for _, c := range chunks {
		keys = append(keys, c.AudioKey)
	}
	for _, key := range keys {
		if key == "" {
			continue
		}
		if err := a.objects.Delete(ctx, key); err != nil {
			a.logger.Warn("orphaned blob after delete", "book_id", bookID, "key", key, "error", err)
		}
	}
	a.logger.Info("book deleted", "book_id", bookID, "chunks", len(chunks))
	return nil
}

// Favorite marks a book as a favorite of the principal. Idempotent.
func (a *App) Favorite(ctx context.Context, p domain.Principal, bookID string) error {
	if d := Authorize(p, ActionFavorite, nil); !d.Allowed {
		return fmt.Errorf("%w: %s", ErrForbidden, d.Reason)
	}
	if _, err := a.GetBook(ctx, p, bookID); err != nil {
		return err
	}
	if err := a.store.AddFavorite(p.ID, bookID); err != nil {
		return fmt.Errorf("add favorite: %w", err)
	}
	return nil
}

// Unfavorite removes a favorite. Idempotent.
func (a *App) Unfavorite(ctx context.Context, p domain.Principal, bookID string) error {
	if d := Authorize(p, ActionFavorite, nil); !d.Allowed {
		return fmt.Errorf("%w: %s", ErrForbidden, d.Reason)
	}
	if err := a.store.RemoveFavorite(p.ID, bookID); err != nil {
		return fmt.Errorf("remove favorite: %w", err)
	}
	return nil
}

func (a *App) withFavoriteCount(book domain.Book) domain.Book {
	if n, err := a.store.FavoriteCount(book.ID); err == nil {
		book.FavoriteCount = n
	}
	return book
}

func (a *App) withFavoriteCounts(books []domain.Book) []domain.Book {
	for i := range books {
		books[i] = a.withFavoriteCount(books[i])
	}
	return books
}

// seedChunk inserts a pending chunk row and announces it.
func (a *App) seedChunk(book domain.Book, chunkNumber int) error {
	start, end, ok := a.slicer.Range(chunkNumber, book.TotalPages)
	if !ok {
		return &ValidationError{Field: "chunk", Reason: "page window out of range"}
	}
	now := time.Now().UTC()
	created, err := a.store.CreateChunk(domain.Chunk{
		ID:          uuid.NewString(),
		BookID:      book.ID,
		ChunkNumber: chunkNumber,
		Status:      domain.ChunkPending,
		Detail:      domain.ChunkDetail{PageStart: start, PageEnd: end},
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return fmt.Errorf("create chunk: %w", err)
	}
	if created {
		a.hub.Publish(notify.ChunkChange{BookID: book.ID, ChunkNumber: chunkNumber, Status: domain.ChunkPending})
	}
	return nil
}

// dispatch hands work to the background consumer, or runs it inline when no
// dispatcher is configured. The inline path detaches from the request
// context so an early client disconnect does not abandon the chunk.
func (a *App) dispatch(ctx context.Context, bookID string, chunkNumber int, kind string) {
	if a.dispatcher != nil {
		if err := a.dispatcher.Dispatch(ctx, bookID, chunkNumber, kind); err != nil {
			a.logger.Error("dispatch failed", "book_id", bookID, "chunk", chunkNumber, "kind", kind, "error", err)
		}
		return
	}
	detached := context.WithoutCancel(ctx)
	go func() {
		if err := a.HandleJob(detached, bookID, chunkNumber, kind); err != nil {
			a.logger.Error("inline job failed", "book_id", bookID, "chunk", chunkNumber, "kind", kind, "error", err)
		}
	}()
}
