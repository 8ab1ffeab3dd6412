package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"vachak/pkg/domain"
)

const migrateLockID int64 = 82418241

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations under an advisory lock
// so multiple instances can start concurrently.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&BookModel{}, &ChunkModel{}, &FavoriteModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(`
			DO $$
			BEGIN
				DELETE FROM chunk_models c
				WHERE NOT EXISTS (SELECT 1 FROM book_models b WHERE b.id = c.book_id);
				DELETE FROM favorite_models f
				WHERE NOT EXISTS (SELECT 1 FROM book_models b WHERE b.id = f.book_id);
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'chunk_models'
					AND constraint_name = 'chunk_models_book_id_fkey'
				) THEN
					ALTER TABLE chunk_models
					ADD CONSTRAINT chunk_models_book_id_fkey
					FOREIGN KEY (book_id) REFERENCES book_models(id) ON DELETE CASCADE;
				END IF;
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'favorite_models'
					AND constraint_name = 'favorite_models_book_id_fkey'
				) THEN
					ALTER TABLE favorite_models
					ADD CONSTRAINT favorite_models_book_id_fkey
					FOREIGN KEY (book_id) REFERENCES book_models(id) ON DELETE CASCADE;
				END IF;
			END $$;
		`).Error; err != nil {
			return fmt.Errorf("ensure book foreign keys: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// SaveBook stores or updates a book.
func (s *GormStore) SaveBook(b domain.Book) error {
	model := bookToModel(b)
	return s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"title", "author", "description", "language", "genre", "public",
			"cover_url", "cover_key", "source_url", "storage_key",
			"total_pages", "status", "progress", "error_message", "updated_at",
		}),
	}).Create(&model).Error
}

// GetBook retrieves a book.
func (s *GormStore) GetBook(id string) (domain.Book, bool, error) {
	var model BookModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Book{}, false, nil
		}
		return domain.Book{}, false, err
	}
	book := bookFromModel(model)
	book.FavoriteCount, _ = s.FavoriteCount(id)
	return book, true, nil
}

// ListBooks returns all books ordered by created_at.
func (s *GormStore) ListBooks() ([]domain.Book, error) {
	return s.listBooks("created_at ASC")
}

// ListBooksByOwner returns books filtered by owner.
func (s *GormStore) ListBooksByOwner(ownerID string) ([]domain.Book, error) {
	return s.listBooks("created_at ASC", "owner_id = ?", ownerID)
}

// ListPublicBooks returns publicly visible books.
func (s *GormStore) ListPublicBooks() ([]domain.Book, error) {
	return s.listBooks("created_at ASC", "public = ?", true)
}

func (s *GormStore) listBooks(order string, conds ...any) ([]domain.Book, error) {
	var models []BookModel
	tx := s.db.Order(order)
	if len(conds) > 0 {
		tx = tx.Where(conds[0], conds[1:]...)
	}
	if err := tx.Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Book, 0, len(models))
	for _, m := range models {
		res = append(res, bookFromModel(m))
	}
	return res, nil
}

// SetBookStatus updates aggregate status, progress, and error message.
func (s *GormStore) SetBookStatus(id string, status domain.BookStatus, progress int, errMsg string) error {
	return s.applyBookUpdate(id, map[string]any{
		"status":        string(status),
		"progress":      progress,
		"error_message": errMsg,
		"updated_at":    time.Now().UTC(),
	})
}

// SetBookPages records the total page count once known.
func (s *GormStore) SetBookPages(id string, totalPages int) error {
	return s.applyBookUpdate(id, map[string]any{
		"total_pages": totalPages,
		"updated_at":  time.Now().UTC(),
	})
}

// SetBookVisibility toggles public visibility.
func (s *GormStore) SetBookVisibility(id string, public bool) error {
	return s.applyBookUpdate(id, map[string]any{
		"public":     public,
		"updated_at": time.Now().UTC(),
	})
}

func (s *GormStore) applyBookUpdate(id string, updates map[string]any) error {
	res := s.db.Model(&BookModel{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteBook removes the book; chunks and favorites follow via FK cascade.
func (s *GormStore) DeleteBook(id string) error {
	return s.db.Delete(&BookModel{}, "id = ?", id).Error
}

// CreateChunk inserts a chunk if no row exists for (book_id, chunk_number).
// The unique index resolves concurrent creation races; the loser observes
// created=false and no error.
func (s *GormStore) CreateChunk(c domain.Chunk) (bool, error) {
	model := chunkToModel(c)
	res := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "book_id"}, {Name: "chunk_number"}},
		DoNothing: true,
	}).Create(&model)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// GetChunk retrieves one chunk by its composite identity.
func (s *GormStore) GetChunk(bookID string, chunkNumber int) (domain.Chunk, bool, error) {
	var model ChunkModel
	err := s.db.First(&model, "book_id = ? AND chunk_number = ?", bookID, chunkNumber).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Chunk{}, false, nil
		}
		return domain.Chunk{}, false, err
	}
	return chunkFromModel(model), true, nil
}

// UpdateChunk applies a partial update. Returns ErrNotFound when the chunk
// is absent, which the pipeline treats as a harmless no-op after deletion.
func (s *GormStore) UpdateChunk(bookID string, chunkNumber int, update ChunkUpdate) error {
	updates := chunkUpdates(update)
	res := s.db.Model(&ChunkModel{}).
		Where("book_id = ? AND chunk_number = ?", bookID, chunkNumber).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func chunkUpdates(update ChunkUpdate) map[string]any {
	updates := map[string]any{"updated_at": time.Now().UTC()}
	if update.Status != nil {
		updates["status"] = string(*update.Status)
	}
	if update.Text != nil {
		updates["text_content"] = *update.Text
	}
	if update.AudioURL != nil {
		updates["audio_url"] = *update.AudioURL
	}
	if update.AudioKey != nil {
		updates["audio_key"] = *update.AudioKey
	}
	if update.Error != nil {
		updates["error_message"] = *update.Error
	}
	if update.Detail != nil {
		raw, _ := json.Marshal(update.Detail)
		updates["detail"] = raw
	}
	return updates
}

// ListChunks returns a book's chunks ordered by chunk_number ascending.
func (s *GormStore) ListChunks(bookID string) ([]domain.Chunk, error) {
	var models []ChunkModel
	if err := s.db.Where("book_id = ?", bookID).Order("chunk_number ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	chunks := make([]domain.Chunk, 0, len(models))
	for _, model := range models {
		chunks = append(chunks, chunkFromModel(model))
	}
	return chunks, nil
}

// MaxChunkNumber returns the highest chunk_number for a book, 0 when none.
func (s *GormStore) MaxChunkNumber(bookID string) (int, error) {
	var max sql.NullInt64
	err := s.db.Model(&ChunkModel{}).
		Where("book_id = ?", bookID).
		Select("MAX(chunk_number)").
		Scan(&max).Error
	if err != nil {
		return 0, err
	}
	if !max.Valid {
		return 0, nil
	}
	return int(max.Int64), nil
}

// AddFavorite records a user/book favorite; duplicates are ignored.
func (s *GormStore) AddFavorite(userID, bookID string) error {
	model := FavoriteModel{UserID: userID, BookID: bookID, CreatedAt: time.Now().UTC()}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "book_id"}},
		DoNothing: true,
	}).Create(&model).Error
}

// RemoveFavorite deletes a favorite if present.
func (s *GormStore) RemoveFavorite(userID, bookID string) error {
	return s.db.Delete(&FavoriteModel{}, "user_id = ? AND book_id = ?", userID, bookID).Error
}

// FavoriteCount returns how many users favorited a book.
func (s *GormStore) FavoriteCount(bookID string) (int, error) {
	var count int64
	if err := s.db.Model(&FavoriteModel{}).Where("book_id = ?", bookID).Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// IsFavorite checks whether a user favorited a book.
func (s *GormStore) IsFavorite(userID, bookID string) (bool, error) {
	var count int64
	if err := s.db.Model(&FavoriteModel{}).
		Where("user_id = ? AND book_id = ?", userID, bookID).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func bookToModel(b domain.Book) BookModel {
	return BookModel{
		ID:           b.ID,
		OwnerID:      b.OwnerID,
		Title:        b.Title,
		Author:       b.Author,
		Description:  b.Description,
		Language:     b.Language,
		Genre:        b.Genre,
		Public:       b.Public,
		CoverURL:     b.CoverURL,
		CoverKey:     b.CoverKey,
		SourceURL:    b.SourceURL,
		StorageKey:   b.StorageKey,
		TotalPages:   b.TotalPages,
		Status:       string(b.Status),
		Progress:     b.Progress,
		ErrorMessage: b.ErrorMessage,
		CreatedAt:    b.CreatedAt,
		UpdatedAt:    b.UpdatedAt,
	}
}

func bookFromModel(m BookModel) domain.Book {
	return domain.Book{
		ID:           m.ID,
		OwnerID:      m.OwnerID,
		Title:        m.Title,
		Author:       m.Author,
		Description:  m.Description,
		Language:     m.Language,
		Genre:        m.Genre,
		Public:       m.Public,
		CoverURL:     m.CoverURL,
		CoverKey:     m.CoverKey,
		SourceURL:    m.SourceURL,
		StorageKey:   m.StorageKey,
		TotalPages:   m.TotalPages,
		Status:       domain.BookStatus(m.Status),
		Progress:     m.Progress,
		ErrorMessage: m.ErrorMessage,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func chunkToModel(c domain.Chunk) ChunkModel {
	detail, _ := json.Marshal(c.Detail)
	return ChunkModel{
		ID:           c.ID,
		BookID:       c.BookID,
		ChunkNumber:  c.ChunkNumber,
		Status:       string(c.Status),
		TextContent:  c.Text,
		AudioURL:     c.AudioURL,
		AudioKey:     c.AudioKey,
		ErrorMessage: c.Error,
		Detail:       detail,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
}

func chunkFromModel(m ChunkModel) domain.Chunk {
	var detail domain.ChunkDetail
	if len(m.Detail) > 0 {
		_ = json.Unmarshal(m.Detail, &detail)
	}
	return domain.Chunk{
		ID:          m.ID,
		BookID:      m.BookID,
		ChunkNumber: m.ChunkNumber,
		Status:      domain.ChunkStatus(m.Status),
		Text:        m.TextContent,
		AudioURL:    m.AudioURL,
		AudioKey:    m.AudioKey,
		Error:       m.ErrorMessage,
		Detail:      detail,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}
