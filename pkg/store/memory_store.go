package store

import (
	"sort"
	"sync"
	"time"

	"vachak/pkg/domain"
)

// MemoryStore keeps books and chunks in-process. Used by tests and by
// single-node deployments without Postgres.
type MemoryStore struct {
	mu     sync.RWMutex
	books  map[string]domain.Book
	chunks map[string]map[int]domain.Chunk // bookID -> chunkNumber -> chunk
	favs   map[string]map[string]time.Time // bookID -> userID -> added
	orders []string
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		books:  make(map[string]domain.Book),
		chunks: make(map[string]map[int]domain.Chunk),
		favs:   make(map[string]map[string]time.Time),
	}
}

// SaveBook stores or replaces a book record and tracks insertion order.
func (m *MemoryStore) SaveBook(b domain.Book) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.books[b.ID]; !exists {
		m.orders = append(m.orders, b.ID)
	}
	m.books[b.ID] = b
	return nil
}

// GetBook retrieves a book by ID.
func (m *MemoryStore) GetBook(id string) (domain.Book, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.books[id]
	if ok {
		b.FavoriteCount = len(m.favs[id])
	}
	return b, ok, nil
}

// ListBooks returns books in insertion order.
func (m *MemoryStore) ListBooks() ([]domain.Book, error) {
	return m.list(func(domain.Book) bool { return true })
}

// ListBooksByOwner returns books filtered by owner ID.
func (m *MemoryStore) ListBooksByOwner(ownerID string) ([]domain.Book, error) {
	return m.list(func(b domain.Book) bool { return b.OwnerID == ownerID })
}

// ListPublicBooks returns publicly visible books.
func (m *MemoryStore) ListPublicBooks() ([]domain.Book, error) {
	return m.list(func(b domain.Book) bool { return b.Public })
}

func (m *MemoryStore) list(keep func(domain.Book) bool) ([]domain.Book, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Book, 0, len(m.orders))
	for _, id := range m.orders {
		if b, ok := m.books[id]; ok && keep(b) {
			b.FavoriteCount = len(m.favs[id])
			res = append(res, b)
		}
	}
	return res, nil
}

// SetBookStatus updates aggregate status, progress, and error message.
func (m *MemoryStore) SetBookStatus(id string, status domain.BookStatus, progress int, errMsg string) error {
	return m.mutateBook(id, func(b *domain.Book) {
		b.Status = status
		b.Progress = progress
		b.ErrorMessage = errMsg
	})
}

// SetBookPages records the total page count.
func (m *MemoryStore) SetBookPages(id string, totalPages int) error {
	return m.mutateBook(id, func(b *domain.Book) { b.TotalPages = totalPages })
}

// SetBookVisibility toggles public visibility.
func (m *MemoryStore) SetBookVisibility(id string, public bool) error {
	return m.mutateBook(id, func(b *domain.Book) { b.Public = public })
}

func (m *MemoryStore) mutateBook(id string, fn func(*domain.Book)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	book, ok := m.books[id]
	if !ok {
		return ErrNotFound
	}
	fn(&book)
	book.UpdatedAt = time.Now().UTC()
	m.books[id] = book
	return nil
}

// DeleteBook removes a book, its chunks, and its favorites.
func (m *MemoryStore) DeleteBook(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.books, id)
	delete(m.chunks, id)
	delete(m.favs, id)
	filtered := m.orders[:0]
	for _, item := range m.orders {
		if item != id {
			filtered = append(filtered, item)
		}
	}
	m.orders = filtered
	return nil
}

// CreateChunk inserts a chunk unless (book, chunk_number) already exists.
func (m *MemoryStore) CreateChunk(c domain.Chunk) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byNumber, ok := m.chunks[c.BookID]
	if !ok {
		byNumber = make(map[int]domain.Chunk)
		m.chunks[c.BookID] = byNumber
	}
	if _, exists := byNumber[c.ChunkNumber]; exists {
		return false, nil
	}
	byNumber[c.ChunkNumber] = c
	return true, nil
}

// GetChunk retrieves one chunk.
func (m *MemoryStore) GetChunk(bookID string, chunkNumber int) (domain.Chunk, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.chunks[bookID][chunkNumber]
	return c, ok, nil
}

// UpdateChunk applies a partial update, ErrNotFound when absent.
func (m *MemoryStore) UpdateChunk(bookID string, chunkNumber int, update ChunkUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	chunk, ok := m.chunks[bookID][chunkNumber]
	if !ok {
		return ErrNotFound
	}
	if update.Status != nil {
		chunk.Status = *update.Status
	}
	if update.Text != nil {
		chunk.Text = *update.Text
	}
	if update.AudioURL != nil {
		chunk.AudioURL = *update.AudioURL
	}
	if update.AudioKey != nil {
		chunk.AudioKey = *update.AudioKey
	}
	if update.Error != nil {
		chunk.Error = *update.Error
	}
	if update.Detail != nil {
		chunk.Detail = *update.Detail
	}
	chunk.UpdatedAt = time.Now().UTC()
	m.chunks[bookID][chunkNumber] = chunk
	return nil
}

// ListChunks returns a book's chunks ordered by chunk_number ascending.
func (m *MemoryStore) ListChunks(bookID string) ([]domain.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byNumber := m.chunks[bookID]
	res := make([]domain.Chunk, 0, len(byNumber))
	for _, c := range byNumber {
		res = append(res, c)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ChunkNumber < res[j].ChunkNumber })
	return res, nil
}

// MaxChunkNumber returns the highest chunk_number for a book, 0 when none.
func (m *MemoryStore) MaxChunkNumber(bookID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	max := 0
	for n := range m.chunks[bookID] {
		if n > max {
			max = n
		}
	}
	return max, nil
}

// AddFavorite records a favorite; duplicates are ignored.
func (m *MemoryStore) AddFavorite(userID, bookID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byUser, ok := m.favs[bookID]
	if !ok {
		byUser = make(map[string]time.Time)
		m.favs[bookID] = byUser
	}
	if _, exists := byUser[userID]; !exists {
		byUser[userID] = time.Now().UTC()
	}
	return nil
}

// RemoveFavorite deletes a favorite if present.
func (m *MemoryStore) RemoveFavorite(userID, bookID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.favs[bookID], userID)
	return nil
}

// FavoriteCount returns how many users favorited a book.
func (m *MemoryStore) FavoriteCount(bookID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.favs[bookID]), nil
}

// IsFavorite checks whether a user favorited a book.
func (m *MemoryStore) IsFavorite(userID, bookID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.favs[bookID][userID]
	return ok, nil
}
