package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"vachak/internal/notify"
	"vachak/pkg/domain"
	"vachak/pkg/ocr"
	"vachak/pkg/store"
	"vachak/pkg/tts"
)

const presignExpiry = 30 * time.Minute

// HandleJob is the background consumer entrypoint. Chunk-level pipeline
// failures are recorded on the chunk and return nil so the queue does not
// redeliver; only transport and store errors propagate for retry.
func (a *App) HandleJob(ctx context.Context, bookID string, chunkNumber int, kind string) error {
	var err error
	switch kind {
	case JobMaterialize:
		err = a.materializeChunk(ctx, bookID, chunkNumber, nil)
	case JobRegenerate:
		err = a.regenerateBook(ctx, bookID)
	default:
		a.logger.Warn("unknown job kind dropped", "kind", kind, "book_id", bookID)
		return nil
	}
	var ese *ExternalServiceError
	if errors.As(err, &ese) {
		// Already recorded as a failed chunk; redelivery would not help.
		a.logger.Warn("chunk pipeline failed", "book_id", bookID, "chunk", chunkNumber, "stage", ese.Stage, "error", ese.Err)
		return nil
	}
	return err
}

// RequestNextChunk materializes the chunk after the current maximum, if the
// document has pages left. It is idempotent: concurrent requests for the
// same position resolve to one new chunk, and requests that arrive behind
// the current maximum are no-ops. The created chunk number is returned when
// a chunk was actually started.
func (a *App) RequestNextChunk(ctx context.Context, p domain.Principal, bookID string, lastChunkNumber int) (int, bool, error) {
	book, ok, err := a.store.GetBook(bookID)
	if err != nil {
		return 0, false, fmt.Errorf("get book: %w", err)
	}
	if !ok {
		return 0, false, ErrNotFound
	}
	if !CanReadBook(p, book) {
		return 0, false, ErrNotFound
	}
	max, err := a.store.MaxChunkNumber(bookID)
	if err != nil {
		return 0, false, fmt.Errorf("max chunk number: %w", err)
	}
	if max == 0 {
		// A book always starts with chunk 1 created at upload time.
		return 0, false, &ValidationError{Field: "book", Reason: "book has no chunks"}
	}
	if lastChunkNumber > 0 && lastChunkNumber < max {
		// A later chunk already exists; the caller is behind.
		return 0, false, nil
	}
	next := max + 1
	start, end, ok := a.slicer.Range(next, book.TotalPages)
	if !ok {
		// Document exhausted. Clean no-op, not an error.
		return 0, false, nil
	}
	now := time.Now().UTC()
	created, err := a.store.CreateChunk(domain.Chunk{
		ID:          uuid.NewString(),
		BookID:      bookID,
		ChunkNumber: next,
		Status:      domain.ChunkPending,
		Detail:      domain.ChunkDetail{PageStart: start, PageEnd: end},
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return 0, false, fmt.Errorf("create chunk: %w", err)
	}
	if !created {
		// Lost the race; the winner's job is already on its way.
		return 0, false, nil
	}
	a.hub.Publish(notify.ChunkChange{BookID: bookID, ChunkNumber: next, Status: domain.ChunkPending})
	a.dispatch(ctx, bookID, next, JobMaterialize)
	return next, true, nil
}

// Regenerate resets every chunk of the book to processing and schedules a
// sequential reprocess in ascending chunk order. Completed chunks keep
// serving their old audio until their own turn overwrites it.
func (a *App) Regenerate(ctx context.Context, p domain.Principal, bookID string) error {
	book, ok, err := a.store.GetBook(bookID)
	if err != nil {
		return fmt.Errorf("get book: %w", err)
	}
	if !ok {
		return ErrNotFound
	}
	if d := Authorize(p, ActionRegenerate, &book); !d.Allowed {
		return fmt.Errorf("%w: %s", ErrForbidden, d.Reason)
	}
	chunks, err := a.store.ListChunks(bookID)
	if err != nil {
		return fmt.Errorf("list chunks: %w", err)
	}
	if len(chunks) == 0 {
		return &ValidationError{Field: "book", Reason: "no chunks to regenerate"}
	}
	processing := domain.ChunkProcessing
	for _, c := range chunks {
		if err := a.store.UpdateChunk(bookID, c.ChunkNumber, store.ChunkUpdate{Status: &processing}); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return fmt.Errorf("reset chunk %d: %w", c.ChunkNumber, err)
		}
		a.hub.Publish(notify.ChunkChange{BookID: bookID, ChunkNumber: c.ChunkNumber, Status: domain.ChunkProcessing})
	}
	if err := a.store.SetBookStatus(bookID, domain.BookProcessing, 0, ""); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("set book status: %w", err)
	}
	a.logger.Info("regenerate requested", "book_id", bookID, "chunks", len(chunks))
	a.dispatch(ctx, bookID, 0, JobRegenerate)
	return nil
}

// regenerateBook reprocesses chunks strictly in ascending order. A failed
// chunk is recorded and skipped; later chunks still get their turn.
func (a *App) regenerateBook(ctx context.Context, bookID string) error {
	chunks, err := a.store.ListChunks(bookID)
	if err != nil {
		return fmt.Errorf("list chunks: %w", err)
	}
	for _, c := range chunks {
		err := a.materializeChunk(ctx, bookID, c.ChunkNumber, nil)
		var ese *ExternalServiceError
		if errors.As(err, &ese) {
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// materializeChunk runs one chunk through the two-stage pipeline:
// pending/processing -> text extraction -> synthesis -> completed, or
// failed with the stage's message retained. Writes against a book deleted
// mid-flight degrade to a no-op.
func (a *App) materializeChunk(ctx context.Context, bookID string, chunkNumber int, stream *notify.ProgressStream) error {
	book, ok, err := a.store.GetBook(bookID)
	if err != nil {
		return fmt.Errorf("get book: %w", err)
	}
	if !ok {
		return nil
	}
	chunk, ok, err := a.store.GetChunk(bookID, chunkNumber)
	if err != nil {
		return fmt.Errorf("get chunk: %w", err)
	}
	if !ok {
		return nil
	}

	if err := a.setChunkStatus(bookID, chunkNumber, domain.ChunkProcessing); err != nil {
		return err
	}
	if stream != nil {
		stream.ProcessingStarted(book.TotalPages)
	}

	start, end, ok := a.slicer.Range(chunkNumber, book.TotalPages)
	if !ok {
		return a.failChunk(bookID, chunkNumber, &ExternalServiceError{Stage: "ocr", Err: fmt.Errorf("page window out of range")})
	}

	sourceURL, err := a.objects.PresignGet(ctx, book.StorageKey, presignExpiry)
	if err != nil {
		return fmt.Errorf("presign source: %w", err)
	}
	result, err := a.ocr.Extract(ctx, ocr.Request{
		SourceURL: sourceURL,
		Language:  book.Language,
		PageStart: start,
		PageEnd:   end,
	})
	if err != nil {
		return a.failChunk(bookID, chunkNumber, &ExternalServiceError{Stage: "ocr", Err: err})
	}
	if stream != nil {
		for _, page := range result.Pages {
			stream.PageProgress(page.Number, book.TotalPages)
		}
	}

	text := result.Text()
	detail := domain.ChunkDetail{PageStart: start, PageEnd: end, Confidence: result.Confidence()}
	if err := a.store.UpdateChunk(bookID, chunkNumber, store.ChunkUpdate{Text: &text, Detail: &detail}); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("persist text: %w", err)
	}

	if stream != nil {
		stream.AudioGenerationStarted(book.TotalPages)
	}
	audio, err := a.tts.Synthesize(ctx, tts.Request{Text: text, Language: book.Language, Voice: a.voice})
	if err != nil {
		return a.failChunk(bookID, chunkNumber, &ExternalServiceError{Stage: "synthesis", Err: err})
	}

	// Fresh key per run so a regenerate yields a distinct URL and the old
	// artifact stays readable until the switch.
	audioKey := fmt.Sprintf("books/%s/audio/chunk_%03d_%d%s", bookID, chunkNumber, time.Now().UnixNano(), audioExt(audio.ContentType))
	if err := a.objects.Put(ctx, audioKey, bytes.NewReader(audio.Data), int64(len(audio.Data)), audio.ContentType); err != nil {
		return a.failChunk(bookID, chunkNumber, &ExternalServiceError{Stage: "synthesis", Err: fmt.Errorf("store audio: %w", err)})
	}
	audioURL := a.objects.PublicURL(audioKey)

	completed := domain.ChunkCompleted
	noError := ""
	if err := a.store.UpdateChunk(bookID, chunkNumber, store.ChunkUpdate{
		Status:   &completed,
		AudioURL: &audioURL,
		AudioKey: &audioKey,
		Error:    &noError,
	}); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			_ = a.objects.Delete(ctx, audioKey)
			return nil
		}
		return fmt.Errorf("complete chunk: %w", err)
	}
	if chunk.AudioKey != "" && chunk.AudioKey != audioKey {
		if err := a.objects.Delete(ctx, chunk.AudioKey); err != nil {
			a.logger.Warn("stale audio not removed", "book_id", bookID, "chunk", chunkNumber, "key", chunk.AudioKey, "error", err)
		}
	}
	a.hub.Publish(notify.ChunkChange{BookID: bookID, ChunkNumber: chunkNumber, Status: domain.ChunkCompleted})
	a.refreshBookAggregate(bookID)
	a.logger.Info("chunk completed", "book_id", bookID, "chunk", chunkNumber, "pages", fmt.Sprintf("%d-%d", start, end))
	return nil
}

func (a *App) setChunkStatus(bookID string, chunkNumber int, status domain.ChunkStatus) error {
	if err := a.store.UpdateChunk(bookID, chunkNumber, store.ChunkUpdate{Status: &status}); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("set chunk status: %w", err)
	}
	a.hub.Publish(notify.ChunkChange{BookID: bookID, ChunkNumber: chunkNumber, Status: status})
	return nil
}

// failChunk records the failure message on the chunk and returns the
// original error for the caller to classify.
func (a *App) failChunk(bookID string, chunkNumber int, cause *ExternalServiceError) error {
	failed := domain.ChunkFailed
	msg := cause.Error()
	if err := a.store.UpdateChunk(bookID, chunkNumber, store.ChunkUpdate{Status: &failed, Error: &msg}); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("mark chunk failed: %w", err)
	}
	a.hub.Publish(notify.ChunkChange{BookID: bookID, ChunkNumber: chunkNumber, Status: domain.ChunkFailed})
	a.refreshBookAggregate(bookID)
	return cause
}

// refreshBookAggregate derives the book's status and progress from its
// chunks. Best effort; the chunk rows remain the source of truth.
func (a *App) refreshBookAggregate(bookID string) {
	book, ok, err := a.store.GetBook(bookID)
	if err != nil || !ok {
		return
	}
	chunks, err := a.store.ListChunks(bookID)
	if err != nil {
		return
	}
	expected := a.slicer.ChunkCount(book.TotalPages)
	completedCount := 0
	failMsg := ""
	for _, c := range chunks {
		switch c.Status {
		case domain.ChunkCompleted:
			completedCount++
		case domain.ChunkFailed:
			if failMsg == "" {
				failMsg = c.Error
			}
		}
	}
	status := domain.BookProcessing
	progress := 0
	if expected > 0 {
		progress = completedCount * 100 / expected
	}
	switch {
	case failMsg != "":
		status = domain.BookFailed
	case expected > 0 && completedCount == expected:
		status = domain.BookCompleted
		progress = 100
	}
	if err := a.store.SetBookStatus(bookID, status, progress, failMsg); err != nil && !errors.Is(err, store.ErrNotFound) {
		a.logger.Warn("book aggregate not updated", "book_id", bookID, "error", err)
	}
}

func audioExt(contentType string) string {
	switch contentType {
	case "audio/wav", "audio/x-wav":
		return ".wav"
	case "audio/ogg":
		return ".ogg"
	default:
		return ".mp3"
	}
}
