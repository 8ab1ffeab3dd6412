package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"vachak/internal/notify"
	"vachak/pkg/domain"
	"vachak/pkg/ocr"
	"vachak/pkg/store"
	"vachak/pkg/tts"
)

type fakeOCR struct {
	mu    sync.Mutex
	calls []ocr.Request
	text  string
	err   error
}

func (f *fakeOCR) Extract(ctx context.Context, req ocr.Request) (ocr.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if f.err != nil {
		return ocr.Result{}, f.err
	}
	var pages []ocr.Page
	for p := req.PageStart; p <= req.PageEnd; p++ {
		pages = append(pages, ocr.Page{Number: p, Text: fmt.Sprintf("%s %d", f.text, p), Confidence: 92})
	}
	return ocr.Result{Pages: pages}, nil
}

func (f *fakeOCR) requests() []ocr.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ocr.Request(nil), f.calls...)
}

type fakeTTS struct {
	mu    sync.Mutex
	calls []tts.Request
	err   error
}

func (f *fakeTTS) Synthesize(ctx context.Context, req tts.Request) (tts.Audio, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if f.err != nil {
		return tts.Audio{}, f.err
	}
	return tts.Audio{Data: []byte("audio:" + req.Text), ContentType: "audio/mpeg"}, nil
}

type fakeObjects struct {
	mu      sync.Mutex
	blobs   map[string][]byte
	deleted []string
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{blobs: make(map[string][]byte)}
}

func (f *fakeObjects) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.blobs[key] = data
	f.mu.Unlock()
	return nil
}

func (f *fakeObjects) PublicURL(key string) string {
	return "https://cdn.test/" + key
}

func (f *fakeObjects) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	return "https://cdn.test/" + key + "?sig=test", nil
}

func (f *fakeObjects) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	f.deleted = append(f.deleted, key)
	delete(f.blobs, key)
	f.mu.Unlock()
	return nil
}

type syncDispatcher struct {
	app *App
}

func (d *syncDispatcher) Dispatch(ctx context.Context, bookID string, chunkNumber int, kind string) error {
	return d.app.HandleJob(ctx, bookID, chunkNumber, kind)
}

type testEnv struct {
	app     *App
	store   *store.MemoryStore
	ocr     *fakeOCR
	tts     *fakeTTS
	objects *fakeObjects
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := store.NewMemoryStore()
	objects := newFakeObjects()
	engine := &fakeOCR{text: "नमस्ते"}
	synth := &fakeTTS{}
	d := &syncDispatcher{}
	a := New(Config{
		Store:         st,
		Objects:       objects,
		OCR:           engine,
		TTS:           synth,
		Dispatcher:    d,
		PagesPerChunk: 3,
		Language:      "hin",
	})
	d.app = a
	return &testEnv{app: a, store: st, ocr: engine, tts: synth, objects: objects}
}

func owner() domain.Principal {
	return domain.Principal{ID: "user-1", Verified: true, Role: domain.RoleUser}
}

// seedBook registers a book directly in the store, bypassing the upload
// path, and creates chunk 1 pending.
func (env *testEnv) seedBook(t *testing.T, id string, totalPages int, public bool) domain.Book {
	t.Helper()
	now := time.Now().UTC()
	book := domain.Book{
		ID:         id,
		OwnerID:    "user-1",
		Title:      "Godaan",
		Language:   "hin",
		Public:     public,
		StorageKey: "books/" + id + "/source.pdf",
		SourceURL:  "https://cdn.test/books/" + id + "/source.pdf",
		TotalPages: totalPages,
		Status:     domain.BookProcessing,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := env.store.SaveBook(book); err != nil {
		t.Fatalf("SaveBook: %v", err)
	}
	created, err := env.store.CreateChunk(domain.Chunk{
		ID: id + "-c1", BookID: id, ChunkNumber: 1,
		Status: domain.ChunkPending,
		Detail: domain.ChunkDetail{PageStart: 1, PageEnd: 3},
	})
	if err != nil || !created {
		t.Fatalf("CreateChunk: created=%v err=%v", created, err)
	}
	return book
}

func TestMaterializeChunkHappyPath(t *testing.T) {
	env := newTestEnv(t)
	env.seedBook(t, "b1", 9, false)

	sub := env.app.Hub().Subscribe("b1")
	defer sub.Close()

	if err := env.app.HandleJob(context.Background(), "b1", 1, JobMaterialize); err != nil {
		t.Fatalf("HandleJob: %v", err)
	}

	chunk, ok, err := env.store.GetChunk("b1", 1)
	if err != nil || !ok {
		t.Fatalf("GetChunk: ok=%v err=%v", ok, err)
	}
	if chunk.Status != domain.ChunkCompleted {
		t.Fatalf("chunk status = %s, want completed", chunk.Status)
	}
	if !strings.Contains(chunk.Text, "नमस्ते") {
		t.Fatalf("chunk text = %q, want extracted pages", chunk.Text)
	}
	if chunk.AudioURL == "" || !strings.HasPrefix(chunk.AudioURL, "https://cdn.test/books/b1/audio/") {
		t.Fatalf("chunk audio url = %q", chunk.AudioURL)
	}
	if chunk.Detail.PageStart != 1 || chunk.Detail.PageEnd != 3 {
		t.Fatalf("chunk detail = %+v, want pages 1-3", chunk.Detail)
	}

	reqs := env.ocr.requests()
	if len(reqs) != 1 || reqs[0].PageStart != 1 || reqs[0].PageEnd != 3 || reqs[0].Language != "hin" {
		t.Fatalf("ocr requests = %+v", reqs)
	}

	book, _, _ := env.store.GetBook("b1")
	if book.Status != domain.BookProcessing {
		t.Fatalf("book status = %s, want processing with chunks remaining", book.Status)
	}
	if book.Progress != 33 {
		t.Fatalf("book progress = %d, want 33", book.Progress)
	}

	var statuses []domain.ChunkStatus
	for len(statuses) < 2 {
		select {
		case change := <-sub.C:
			statuses = append(statuses, change.Status)
		case <-time.After(time.Second):
			t.Fatalf("changes = %v, want processing then completed", statuses)
		}
	}
	if statuses[0] != domain.ChunkProcessing || statuses[1] != domain.ChunkCompleted {
		t.Fatalf("change order = %v", statuses)
	}
}

func TestMaterializeChunkOCRFailureRetainsMessage(t *testing.T) {
	env := newTestEnv(t)
	env.seedBook(t, "b1", 9, false)
	env.ocr.err = errors.New("no text found on page")

	// Pipeline failures are terminal for the chunk; the job must not ask
	// the queue for redelivery.
	if err := env.app.HandleJob(context.Background(), "b1", 1, JobMaterialize); err != nil {
		t.Fatalf("HandleJob: %v", err)
	}

	chunk, _, _ := env.store.GetChunk("b1", 1)
	if chunk.Status != domain.ChunkFailed {
		t.Fatalf("chunk status = %s, want failed", chunk.Status)
	}
	if !strings.Contains(chunk.Error, "no text found on page") {
		t.Fatalf("chunk error = %q, want service message retained", chunk.Error)
	}
	if chunk.AudioURL != "" {
		t.Fatalf("failed chunk has audio url %q", chunk.AudioURL)
	}
	book, _, _ := env.store.GetBook("b1")
	if book.Status != domain.BookFailed {
		t.Fatalf("book status = %s, want failed", book.Status)
	}
}

func TestMaterializeChunkSynthesisFailure(t *testing.T) {
	env := newTestEnv(t)
	env.seedBook(t, "b1", 9, false)
	env.tts.err = errors.New("voice unavailable")

	if err := env.app.HandleJob(context.Background(), "b1", 1, JobMaterialize); err != nil {
		t.Fatalf("HandleJob: %v", err)
	}
	chunk, _, _ := env.store.GetChunk("b1", 1)
	if chunk.Status != domain.ChunkFailed {
		t.Fatalf("chunk status = %s, want failed", chunk.Status)
	}
	if !strings.Contains(chunk.Error, "voice unavailable") {
		t.Fatalf("chunk error = %q", chunk.Error)
	}
	// Extracted text survives the synthesis failure.
	if !strings.Contains(chunk.Text, "नमस्ते") {
		t.Fatalf("chunk text lost on synthesis failure: %q", chunk.Text)
	}
}

func TestRequestNextChunkCreatesSuccessor(t *testing.T) {
	env := newTestEnv(t)
	env.seedBook(t, "b1", 9, false)
	ctx := context.Background()

	number, created, err := env.app.RequestNextChunk(ctx, owner(), "b1", 1)
	if err != nil {
		t.Fatalf("RequestNextChunk: %v", err)
	}
	if !created || number != 2 {
		t.Fatalf("created=%v number=%d, want chunk 2", created, number)
	}
	chunk, ok, _ := env.store.GetChunk("b1", 2)
	if !ok || chunk.Status != domain.ChunkCompleted {
		t.Fatalf("chunk 2 = %+v ok=%v, want completed via sync dispatch", chunk, ok)
	}
	if chunk.Detail.PageStart != 4 || chunk.Detail.PageEnd != 6 {
		t.Fatalf("chunk 2 window = %+v, want pages 4-6", chunk.Detail)
	}
}

func TestRequestNextChunkConcurrentSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	env.seedBook(t, "b1", 30, false)
	ctx := context.Background()

	const goroutines = 8
	results := make(chan bool, goroutines)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, created, err := env.app.RequestNextChunk(ctx, owner(), "b1", 1)
			if err != nil {
				t.Errorf("RequestNextChunk: %v", err)
			}
			results <- created
		}()
	}
	wg.Wait()
	close(results)

	winners := 0
	for created := range results {
		if created {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("winners = %d, want exactly 1", winners)
	}
	max, _ := env.store.MaxChunkNumber("b1")
	if max != 2 {
		t.Fatalf("max chunk = %d, want 2", max)
	}
}

func TestRequestNextChunkBehindCursorIsNoop(t *testing.T) {
	env := newTestEnv(t)
	env.seedBook(t, "b1", 30, false)
	ctx := context.Background()

	if _, created, _ := env.app.RequestNextChunk(ctx, owner(), "b1", 1); !created {
		t.Fatalf("first request did not create chunk 2")
	}
	if _, created, _ := env.app.RequestNextChunk(ctx, owner(), "b1", 2); !created {
		t.Fatalf("request at cursor 2 did not create chunk 3")
	}
	// A request reporting a stale position must not create anything.
	number, created, err := env.app.RequestNextChunk(ctx, owner(), "b1", 1)
	if err != nil {
		t.Fatalf("RequestNextChunk: %v", err)
	}
	if created {
		t.Fatalf("stale request created chunk %d", number)
	}
	max, _ := env.store.MaxChunkNumber("b1")
	if max != 3 {
		t.Fatalf("max chunk = %d, want 3", max)
	}
}

func TestRequestNextChunkExhaustedDocument(t *testing.T) {
	env := newTestEnv(t)
	env.seedBook(t, "b1", 3, false) // single window, chunk 1 covers it
	ctx := context.Background()

	number, created, err := env.app.RequestNextChunk(ctx, owner(), "b1", 1)
	if err != nil {
		t.Fatalf("RequestNextChunk: %v", err)
	}
	if created {
		t.Fatalf("created chunk %d past the end of the document", number)
	}
	if max, _ := env.store.MaxChunkNumber("b1"); max != 1 {
		t.Fatalf("max chunk = %d, want 1", max)
	}
}

func TestRequestNextChunkWithoutChunksIsInvalid(t *testing.T) {
	env := newTestEnv(t)
	if err := env.store.SaveBook(domain.Book{
		ID: "b1", OwnerID: "user-1", Title: "Godaan", Language: "hin",
		TotalPages: 9, Status: domain.BookProcessing,
	}); err != nil {
		t.Fatalf("SaveBook: %v", err)
	}

	_, _, err := env.app.RequestNextChunk(context.Background(), owner(), "b1", 0)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want validation error for chunkless book", err)
	}
}

func TestChunksStayContiguousAndOrdered(t *testing.T) {
	env := newTestEnv(t)
	env.seedBook(t, "b1", 30, false)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		env.app.RequestNextChunk(ctx, owner(), "b1", 0)
	}
	chunks, err := env.app.ListChunks(ctx, owner(), "b1")
	if err != nil {
		t.Fatalf("ListChunks: %v", err)
	}
	if len(chunks) != 6 {
		t.Fatalf("len(chunks) = %d, want 6", len(chunks))
	}
	for i, c := range chunks {
		if c.ChunkNumber != i+1 {
			t.Fatalf("chunks[%d].ChunkNumber = %d, want %d", i, c.ChunkNumber, i+1)
		}
	}
}

func TestRegenerateRewritesAllChunksInOrder(t *testing.T) {
	env := newTestEnv(t)
	env.seedBook(t, "b1", 9, false)
	ctx := context.Background()

	env.app.HandleJob(ctx, "b1", 1, JobMaterialize)
	env.app.RequestNextChunk(ctx, owner(), "b1", 1)
	env.app.RequestNextChunk(ctx, owner(), "b1", 2)

	before := map[int]string{}
	chunks, _ := env.store.ListChunks("b1")
	if len(chunks) != 3 {
		t.Fatalf("len(chunks) = %d, want 3", len(chunks))
	}
	for _, c := range chunks {
		if c.Status != domain.ChunkCompleted {
			t.Fatalf("chunk %d status = %s before regenerate", c.ChunkNumber, c.Status)
		}
		before[c.ChunkNumber] = c.AudioURL
	}

	env.ocr.mu.Lock()
	env.ocr.calls = nil
	env.ocr.mu.Unlock()

	if err := env.app.Regenerate(ctx, owner(), "b1"); err != nil {
		t.Fatalf("Regenerate: %v", err)
	}

	chunks, _ = env.store.ListChunks("b1")
	for _, c := range chunks {
		if c.Status != domain.ChunkCompleted {
			t.Fatalf("chunk %d status = %s after regenerate", c.ChunkNumber, c.Status)
		}
		if c.AudioURL == before[c.ChunkNumber] {
			t.Fatalf("chunk %d audio url unchanged after regenerate", c.ChunkNumber)
		}
	}

	reqs := env.ocr.requests()
	if len(reqs) != 3 {
		t.Fatalf("ocr calls = %d, want 3", len(reqs))
	}
	for i, req := range reqs {
		wantStart := i*3 + 1
		if req.PageStart != wantStart {
			t.Fatalf("regenerate order: call %d starts at page %d, want %d", i, req.PageStart, wantStart)
		}
	}

	book, _, _ := env.store.GetBook("b1")
	if book.Status != domain.BookCompleted || book.Progress != 100 {
		t.Fatalf("book = %s/%d, want completed/100", book.Status, book.Progress)
	}
}

func TestRegenerateDeniedForStranger(t *testing.T) {
	env := newTestEnv(t)
	env.seedBook(t, "b1", 9, true)

	stranger := domain.Principal{ID: "user-2", Verified: true, Role: domain.RoleUser}
	err := env.app.Regenerate(context.Background(), stranger, "b1")
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
}

func TestDeleteBookToleratesInFlightWork(t *testing.T) {
	env := newTestEnv(t)
	env.seedBook(t, "b1", 9, false)
	ctx := context.Background()

	sub := env.app.Hub().Subscribe("b1")
	if err := env.app.DeleteBook(ctx, owner(), "b1"); err != nil {
		t.Fatalf("DeleteBook: %v", err)
	}
	if _, open := <-sub.C; open {
		t.Fatalf("subscription still open after delete")
	}
	if _, ok, _ := env.store.GetBook("b1"); ok {
		t.Fatalf("book still present after delete")
	}

	// A job that was already queued degrades to a no-op.
	if err := env.app.HandleJob(ctx, "b1", 1, JobMaterialize); err != nil {
		t.Fatalf("HandleJob after delete: %v", err)
	}
}

func TestCreateBookRejectsUnverifiedAndInvalid(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	unverified := domain.Principal{ID: "user-3", Verified: false, Role: domain.RoleUser}
	_, err := env.app.CreateBook(ctx, unverified, CreateBookInput{Title: "x", PDF: strings.NewReader("x")})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("unverified err = %v, want ErrForbidden", err)
	}

	_, err = env.app.CreateBook(ctx, owner(), CreateBookInput{PDF: strings.NewReader("x")})
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Field != "title" {
		t.Fatalf("missing title err = %v, want title validation error", err)
	}

	_, err = env.app.CreateBook(ctx, owner(), CreateBookInput{Title: "x"})
	if !errors.As(err, &ve) || ve.Field != "pdf" {
		t.Fatalf("missing pdf err = %v, want pdf validation error", err)
	}
}

func TestVisibilityAndLibraryListing(t *testing.T) {
	env := newTestEnv(t)
	env.seedBook(t, "b1", 9, false)
	ctx := context.Background()

	stranger := domain.Principal{ID: "user-2", Verified: true, Role: domain.RoleUser}
	if _, err := env.app.GetBook(ctx, stranger, "b1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("private book visible to stranger: %v", err)
	}

	if _, err := env.app.SetVisibility(ctx, stranger, "b1", true); !errors.Is(err, ErrForbidden) {
		t.Fatalf("stranger toggled visibility: %v", err)
	}
	book, err := env.app.SetVisibility(ctx, owner(), "b1", true)
	if err != nil || !book.Public {
		t.Fatalf("SetVisibility: book=%+v err=%v", book, err)
	}
	if _, err := env.app.GetBook(ctx, stranger, "b1"); err != nil {
		t.Fatalf("public book hidden from stranger: %v", err)
	}

	books, err := env.app.ListBooks(ctx, stranger)
	if err != nil || len(books) != 1 {
		t.Fatalf("ListBooks = %d books, err=%v", len(books), err)
	}
}

func TestFavoritesCountAndIdempotency(t *testing.T) {
	env := newTestEnv(t)
	env.seedBook(t, "b1", 9, true)
	ctx := context.Background()
	reader := domain.Principal{ID: "user-2", Verified: true, Role: domain.RoleUser}

	if err := env.app.Favorite(ctx, reader, "b1"); err != nil {
		t.Fatalf("Favorite: %v", err)
	}
	if err := env.app.Favorite(ctx, reader, "b1"); err != nil {
		t.Fatalf("Favorite repeat: %v", err)
	}
	book, err := env.app.GetBook(ctx, reader, "b1")
	if err != nil || book.FavoriteCount != 1 {
		t.Fatalf("FavoriteCount = %d err=%v, want 1", book.FavoriteCount, err)
	}
	if err := env.app.Unfavorite(ctx, reader, "b1"); err != nil {
		t.Fatalf("Unfavorite: %v", err)
	}
	book, _ = env.app.GetBook(ctx, reader, "b1")
	if book.FavoriteCount != 0 {
		t.Fatalf("FavoriteCount = %d after unfavorite, want 0", book.FavoriteCount)
	}
}

// cancelAwareOCR fails with the context error when the context is already
// done, the way a real HTTP client would.
type cancelAwareOCR struct {
	fakeOCR
}

func (f *cancelAwareOCR) Extract(ctx context.Context, req ocr.Request) (ocr.Result, error) {
	if err := ctx.Err(); err != nil {
		return ocr.Result{}, err
	}
	return f.fakeOCR.Extract(ctx, req)
}

// minimalPDF builds a parseable single-xref PDF with pageCount empty pages.
func minimalPDF(pageCount int) []byte {
	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	kids := make([]string, 0, pageCount)
	for i := 0; i < pageCount; i++ {
		kids = append(kids, fmt.Sprintf("%d 0 R", 3+i))
	}
	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), pageCount),
	}
	for i := 0; i < pageCount; i++ {
		objects = append(objects, "<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] >>")
	}
	offsets := make([]int, len(objects)+1)
	for i, obj := range objects {
		offsets[i+1] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(objects)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets[1:] {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return buf.Bytes()
}

func TestCreateBookStreamOutlivesClientDisconnect(t *testing.T) {
	st := store.NewMemoryStore()
	objects := newFakeObjects()
	engine := &cancelAwareOCR{fakeOCR: fakeOCR{text: "नमस्ते"}}
	synth := &fakeTTS{}
	d := &syncDispatcher{}
	a := New(Config{
		Store:         st,
		Objects:       objects,
		OCR:           engine,
		TTS:           synth,
		Dispatcher:    d,
		PagesPerChunk: 3,
		Language:      "hin",
	})
	d.app = a

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // the client is already gone

	pdf := minimalPDF(2)
	stream := notify.NewProgressStream()
	var events []notify.Event
	done := make(chan struct{})
	go func() {
		defer close(done)
		for event := range stream.Events() {
			events = append(events, event)
		}
	}()
	a.CreateBookStream(ctx, owner(), CreateBookInput{
		Title:   "Nirmala",
		PDF:     bytes.NewReader(pdf),
		PDFSize: int64(len(pdf)),
		PDFName: "nirmala.pdf",
	}, stream)
	<-done

	if len(events) == 0 {
		t.Fatalf("no progress events delivered")
	}
	last := events[len(events)-1]
	if last.Type != notify.EventCompleted {
		t.Fatalf("terminal event = %s, want completed", last.Type)
	}

	books, err := st.ListBooks()
	if err != nil || len(books) != 1 {
		t.Fatalf("ListBooks = %d books, err=%v", len(books), err)
	}
	chunk, ok, err := st.GetChunk(books[0].ID, 1)
	if err != nil || !ok {
		t.Fatalf("GetChunk: ok=%v err=%v", ok, err)
	}
	if chunk.Status != domain.ChunkCompleted || chunk.Error != "" {
		t.Fatalf("chunk = %s (%q), want completed despite disconnect", chunk.Status, chunk.Error)
	}
}
