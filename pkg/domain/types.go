package domain

import "time"

// ChunkStatus is the lifecycle state of one pipeline chunk.
type ChunkStatus string

const (
	ChunkPending    ChunkStatus = "pending"
	ChunkProcessing ChunkStatus = "processing"
	ChunkCompleted  ChunkStatus = "completed"
	ChunkFailed     ChunkStatus = "failed"
)

// Terminal reports whether no further automatic transition applies.
func (s ChunkStatus) Terminal() bool {
	return s == ChunkCompleted || s == ChunkFailed
}

// BookStatus is the aggregate processing state derived from a book's chunks.
type BookStatus string

const (
	BookUploaded   BookStatus = "uploaded"
	BookProcessing BookStatus = "processing"
	BookCompleted  BookStatus = "completed"
	BookFailed     BookStatus = "failed"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Principal is the identity resolved by the external auth provider.
type Principal struct {
	ID       string `json:"id"`
	Verified bool   `json:"verified"`
	Role     Role   `json:"role"`
}

type Book struct {
	ID            string     `json:"id"`
	OwnerID       string     `json:"ownerId"`
	Title         string     `json:"title"`
	Author        string     `json:"author,omitempty"`
	Description   string     `json:"description,omitempty"`
	Language      string     `json:"language"`
	Genre         string     `json:"genre,omitempty"`
	Public        bool       `json:"isPublic"`
	CoverURL      string     `json:"coverUrl,omitempty"`
	SourceURL     string     `json:"sourceUrl"`
	StorageKey    string     `json:"-"`
	CoverKey      string     `json:"-"`
	TotalPages    int        `json:"totalPages"`
	Status        BookStatus `json:"status"`
	Progress      int        `json:"progress"`
	ErrorMessage  string     `json:"errorMessage,omitempty"`
	FavoriteCount int        `json:"favoriteCount"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// Chunk is one sequentially numbered unit of a book's audio pipeline.
// ChunkNumber starts at 1 and is append-only per book.
type Chunk struct {
	ID          string      `json:"id"`
	BookID      string      `json:"bookId"`
	ChunkNumber int         `json:"chunkNumber"`
	Status      ChunkStatus `json:"status"`
	Text        string      `json:"textContent,omitempty"`
	AudioURL    string      `json:"audioUrl,omitempty"`
	AudioKey    string      `json:"-"`
	Error       string      `json:"error,omitempty"`
	Detail      ChunkDetail `json:"detail"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// ChunkDetail carries OCR diagnostics for a chunk, persisted as jsonb.
type ChunkDetail struct {
	PageStart  int     `json:"pageStart,omitempty"`
	PageEnd    int     `json:"pageEnd,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Favorite links a user to a book. Peripheral to the pipeline, used only
// for counts and library sorting.
type Favorite struct {
	UserID    string    `json:"userId"`
	BookID    string    `json:"bookId"`
	CreatedAt time.Time `json:"createdAt"`
}
