package store

import (
	"errors"

	"vachak/pkg/domain"
)

// ErrNotFound is returned by updates that reference a missing row.
var ErrNotFound = errors.New("not found")

// ChunkUpdate is a partial update applied to one chunk. Nil fields are
// left untouched.
type ChunkUpdate struct {
	Status   *domain.ChunkStatus
	Text     *string
	AudioURL *string
	AudioKey *string
	Error    *string
	Detail   *domain.ChunkDetail
}

// Store defines persistence for books, chunks, and favorites.
//
// Chunk rows are written only by the pipeline controller. The store enforces
// uniqueness on (book_id, chunk_number); CreateChunk reports whether the row
// was actually inserted so concurrent materialization races resolve to a
// single winner.
type Store interface {
	// books
	SaveBook(domain.Book) error
	GetBook(id string) (domain.Book, bool, error)
	ListBooks() ([]domain.Book, error)
	ListBooksByOwner(ownerID string) ([]domain.Book, error)
	ListPublicBooks() ([]domain.Book, error)
	SetBookStatus(id string, status domain.BookStatus, progress int, errMsg string) error
	SetBookPages(id string, totalPages int) error
	SetBookVisibility(id string, public bool) error
	DeleteBook(id string) error

	// chunks
	CreateChunk(domain.Chunk) (created bool, err error)
	GetChunk(bookID string, chunkNumber int) (domain.Chunk, bool, error)
	UpdateChunk(bookID string, chunkNumber int, update ChunkUpdate) error
	ListChunks(bookID string) ([]domain.Chunk, error)
	MaxChunkNumber(bookID string) (int, error)

	// favorites
	AddFavorite(userID, bookID string) error
	RemoveFavorite(userID, bookID string) error
	FavoriteCount(bookID string) (int, error)
	IsFavorite(userID, bookID string) (bool, error)
}
