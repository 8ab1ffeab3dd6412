package store

import (
	"sync"
	"testing"
	"time"

	"vachak/pkg/domain"
)

func newChunk(bookID string, n int) domain.Chunk {
	now := time.Now().UTC()
	return domain.Chunk{
		ID:          bookID + "-" + string(rune('0'+n)),
		BookID:      bookID,
		ChunkNumber: n,
		Status:      domain.ChunkPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestCreateChunkIsCreateIfAbsent(t *testing.T) {
	s := NewMemoryStore()
	created, err := s.CreateChunk(newChunk("b1", 1))
	if err != nil {
		t.Fatalf("CreateChunk() error = %v", err)
	}
	if !created {
		t.Fatalf("created = false, want true")
	}
	created, err = s.CreateChunk(newChunk("b1", 1))
	if err != nil {
		t.Fatalf("CreateChunk() duplicate error = %v", err)
	}
	if created {
		t.Fatalf("created = true for duplicate, want false")
	}
}

func TestCreateChunkConcurrentRaceHasOneWinner(t *testing.T) {
	s := NewMemoryStore()
	const callers = 8
	var wg sync.WaitGroup
	wins := make(chan bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			created, err := s.CreateChunk(newChunk("b1", 2))
			if err != nil {
				t.Errorf("CreateChunk() error = %v", err)
				return
			}
			wins <- created
		}()
	}
	wg.Wait()
	close(wins)
	winners := 0
	for created := range wins {
		if created {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("winners = %d, want exactly 1", winners)
	}
}

func TestUpdateChunkAbsentReturnsNotFound(t *testing.T) {
	s := NewMemoryStore()
	status := domain.ChunkCompleted
	err := s.UpdateChunk("missing", 1, ChunkUpdate{Status: &status})
	if err != ErrNotFound {
		t.Fatalf("UpdateChunk() error = %v, want ErrNotFound", err)
	}
}

func TestUpdateChunkPartialFields(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.CreateChunk(newChunk("b1", 1)); err != nil {
		t.Fatalf("CreateChunk() error = %v", err)
	}
	text := "नमस्ते"
	status := domain.ChunkProcessing
	if err := s.UpdateChunk("b1", 1, ChunkUpdate{Status: &status, Text: &text}); err != nil {
		t.Fatalf("UpdateChunk() error = %v", err)
	}
	chunk, ok, err := s.GetChunk("b1", 1)
	if err != nil || !ok {
		t.Fatalf("GetChunk() = %v, %v, %v", chunk, ok, err)
	}
	if chunk.Status != domain.ChunkProcessing || chunk.Text != "नमस्ते" {
		t.Fatalf("chunk = %+v, want processing with text", chunk)
	}
	if chunk.AudioURL != "" {
		t.Fatalf("AudioURL = %q, want empty after partial update", chunk.AudioURL)
	}
}

func TestListChunksOrderedAscending(t *testing.T) {
	s := NewMemoryStore()
	for _, n := range []int{3, 1, 2} {
		if _, err := s.CreateChunk(newChunk("b1", n)); err != nil {
			t.Fatalf("CreateChunk(%d) error = %v", n, err)
		}
	}
	chunks, err := s.ListChunks("b1")
	if err != nil {
		t.Fatalf("ListChunks() error = %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("len(chunks) = %d, want 3", len(chunks))
	}
	for i, c := range chunks {
		if c.ChunkNumber != i+1 {
			t.Fatalf("chunks[%d].ChunkNumber = %d, want %d", i, c.ChunkNumber, i+1)
		}
	}
	max, err := s.MaxChunkNumber("b1")
	if err != nil || max != 3 {
		t.Fatalf("MaxChunkNumber() = %d, %v, want 3", max, err)
	}
}

func TestDeleteBookCascades(t *testing.T) {
	s := NewMemoryStore()
	if err := s.SaveBook(domain.Book{ID: "b1", OwnerID: "u1", Title: "t", Language: "hi"}); err != nil {
		t.Fatalf("SaveBook() error = %v", err)
	}
	if _, err := s.CreateChunk(newChunk("b1", 1)); err != nil {
		t.Fatalf("CreateChunk() error = %v", err)
	}
	if err := s.AddFavorite("u2", "b1"); err != nil {
		t.Fatalf("AddFavorite() error = %v", err)
	}
	if err := s.DeleteBook("b1"); err != nil {
		t.Fatalf("DeleteBook() error = %v", err)
	}
	if _, ok, _ := s.GetBook("b1"); ok {
		t.Fatalf("book still present after delete")
	}
	chunks, _ := s.ListChunks("b1")
	if len(chunks) != 0 {
		t.Fatalf("len(chunks) = %d after delete, want 0", len(chunks))
	}
	count, _ := s.FavoriteCount("b1")
	if count != 0 {
		t.Fatalf("FavoriteCount = %d after delete, want 0", count)
	}
}

func TestFavorites(t *testing.T) {
	s := NewMemoryStore()
	if err := s.SaveBook(domain.Book{ID: "b1", OwnerID: "u1"}); err != nil {
		t.Fatalf("SaveBook() error = %v", err)
	}
	_ = s.AddFavorite("u2", "b1")
	_ = s.AddFavorite("u2", "b1")
	_ = s.AddFavorite("u3", "b1")
	count, err := s.FavoriteCount("b1")
	if err != nil || count != 2 {
		t.Fatalf("FavoriteCount = %d, %v, want 2", count, err)
	}
	ok, _ := s.IsFavorite("u2", "b1")
	if !ok {
		t.Fatalf("IsFavorite(u2) = false, want true")
	}
	_ = s.RemoveFavorite("u2", "b1")
	ok, _ = s.IsFavorite("u2", "b1")
	if ok {
		t.Fatalf("IsFavorite(u2) = true after remove, want false")
	}
}
