package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type BookModel struct {
	ID           string `gorm:"primaryKey"`
	OwnerID      string `gorm:"not null;index"`
	Title        string `gorm:"not null"`
	Author       string
	Description  string `gorm:"type:text"`
	Language     string `gorm:"not null"`
	Genre        string
	Public       bool `gorm:"not null;default:false"`
	CoverURL     string
	CoverKey     string
	SourceURL    string
	StorageKey   string
	TotalPages   int
	Status       string `gorm:"not null"`
	Progress     int    `gorm:"not null;default:0"`
	ErrorMessage string
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

// ChunkModel rows are append-only in chunk_number per book. The composite
// unique index backs the create-if-absent guarantee for on-demand
// materialization.
type ChunkModel struct {
	ID           string `gorm:"primaryKey"`
	BookID       string `gorm:"not null;uniqueIndex:idx_book_chunk,priority:1"`
	ChunkNumber  int    `gorm:"not null;uniqueIndex:idx_book_chunk,priority:2"`
	Status       string `gorm:"not null"`
	TextContent  string `gorm:"type:text"`
	AudioURL     string
	AudioKey     string
	ErrorMessage string
	Detail       datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt    time.Time      `gorm:"not null"`
	UpdatedAt    time.Time      `gorm:"not null"`
}

type FavoriteModel struct {
	UserID    string    `gorm:"not null;uniqueIndex:idx_user_book,priority:1"`
	BookID    string    `gorm:"not null;uniqueIndex:idx_user_book,priority:2;index"`
	CreatedAt time.Time `gorm:"not null"`
}
