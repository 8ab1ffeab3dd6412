// Package playback tracks a listener's position in a book's ordered chunk
// list and requests materialization of upcoming chunks before the listener
// reaches the end of what exists.
package playback

import (
	"context"
	"log/slog"
	"sync"

	"vachak/pkg/domain"
)

// DefaultLookahead is how many chunks may remain after the current one
// before the session asks for the next chunk to be materialized.
const DefaultLookahead = 2

// Materializer requests the chunk after lastChunkNumber. Implementations
// must be idempotent; the session may call it more than once for the same
// position.
type Materializer func(ctx context.Context, bookID string, lastChunkNumber int) error

// Session is one listener's playback state over a book. It never mutates
// chunks itself; it only observes the ordered list and asks the
// materializer for more.
type Session struct {
	mu          sync.Mutex
	bookID      string
	chunks      []domain.Chunk
	index       int
	playing     bool
	lookahead   int
	materialize Materializer
	logger      *slog.Logger
}

// NewSession starts a session over the given ordered chunk list.
func NewSession(bookID string, chunks []domain.Chunk, lookahead int, materialize Materializer, logger *slog.Logger) *Session {
	if lookahead <= 0 {
		lookahead = DefaultLookahead
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		bookID:      bookID,
		chunks:      chunks,
		lookahead:   lookahead,
		materialize: materialize,
		logger:      logger,
	}
}

// Refresh replaces the chunk list after the caller refetched it, keeping
// the current position when possible.
func (s *Session) Refresh(chunks []domain.Chunk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = chunks
	if s.index >= len(chunks) {
		s.index = len(chunks) - 1
		if s.index < 0 {
			s.index = 0
		}
	}
}

// Current returns the chunk at the playback position.
func (s *Session) Current() (domain.Chunk, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current()
}

func (s *Session) current() (domain.Chunk, bool) {
	if s.index < 0 || s.index >= len(s.chunks) {
		return domain.Chunk{}, false
	}
	return s.chunks[s.index], true
}

// Playing reports whether playback is active.
func (s *Session) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

// Play starts or resumes playback and checks whether more chunks should be
// materialized for the current position.
func (s *Session) Play(ctx context.Context) (domain.Chunk, bool) {
	s.mu.Lock()
	chunk, ok := s.current()
	if ok {
		s.playing = true
	}
	s.mu.Unlock()
	if ok {
		s.maybeLookahead(ctx)
	}
	return chunk, ok
}

// Pause suspends playback without losing the position.
func (s *Session) Pause() {
	s.mu.Lock()
	s.playing = false
	s.mu.Unlock()
}

// Advance moves to the next chunk when the current one finishes. It returns
// the new current chunk, or ok=false when the list is exhausted, which also
// stops playback.
func (s *Session) Advance(ctx context.Context) (domain.Chunk, bool) {
	s.mu.Lock()
	if s.index+1 >= len(s.chunks) {
		s.playing = false
		s.mu.Unlock()
		return domain.Chunk{}, false
	}
	s.index++
	chunk := s.chunks[s.index]
	s.mu.Unlock()
	s.maybeLookahead(ctx)
	return chunk, true
}

// SeekTo jumps to a chunk number present in the list.
func (s *Session) SeekTo(ctx context.Context, chunkNumber int) (domain.Chunk, bool) {
	s.mu.Lock()
	found := false
	for i, c := range s.chunks {
		if c.ChunkNumber == chunkNumber {
			s.index = i
			found = true
			break
		}
	}
	chunk, ok := s.current()
	s.mu.Unlock()
	if !found {
		return domain.Chunk{}, false
	}
	s.maybeLookahead(ctx)
	return chunk, ok
}

// maybeLookahead asks for the next chunk when the remaining runway at the
// current position has shrunk to the lookahead threshold.
func (s *Session) maybeLookahead(ctx context.Context) {
	s.mu.Lock()
	remaining := len(s.chunks) - (s.index + 1)
	trigger := remaining <= s.lookahead
	last := 0
	if n := len(s.chunks); n > 0 {
		last = s.chunks[n-1].ChunkNumber
	}
	s.mu.Unlock()
	if !trigger || s.materialize == nil {
		return
	}
	if err := s.materialize(ctx, s.bookID, last); err != nil {
		s.logger.Warn("lookahead materialization failed", "book_id", s.bookID, "after_chunk", last, "error", err)
	}
}
