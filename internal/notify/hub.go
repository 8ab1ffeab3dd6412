// Package notify exposes pipeline progress through two transports: a
// per-book change-notification hub for polling clients, and a per-upload
// progress stream with an ordered event vocabulary.
package notify

import (
	"log/slog"
	"sync"
	"time"

	"vachak/internal/util"
	"vachak/pkg/domain"
)

// ChunkChange describes one chunk store write. Subscribers refetch the
// chunk list on receipt; the change itself carries no payload beyond
// identity and status.
type ChunkChange struct {
	BookID      string             `json:"bookId"`
	ChunkNumber int                `json:"chunkNumber"`
	Status      domain.ChunkStatus `json:"status"`
	At          time.Time          `json:"at"`
}

type subscriber struct {
	id     string
	bookID string // empty means all books
	ch     chan ChunkChange
}

// Subscription is an explicit, per-watcher handle. Close it when the owning
// component's lifecycle ends.
type Subscription struct {
	C   <-chan ChunkChange
	id  string
	hub *Hub
}

// Close tears the subscription down and releases its channel.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s.id)
}

// Hub fans chunk changes out to scoped subscriptions. Sends never block;
// a slow subscriber drops changes, which is safe because consumers refetch
// state rather than replaying events.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]*subscriber
	logger *slog.Logger
	buffer int
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:   make(map[string]*subscriber),
		logger: logger,
		buffer: 32,
	}
}

// Subscribe registers a watcher for one book id, or for all books when
// bookID is empty.
func (h *Hub) Subscribe(bookID string) *Subscription {
	sub := &subscriber{
		id:     util.NewID(),
		bookID: bookID,
		ch:     make(chan ChunkChange, h.buffer),
	}
	h.mu.Lock()
	h.subs[sub.id] = sub
	total := len(h.subs)
	h.mu.Unlock()
	h.logger.Debug("change subscriber added", "book_id", bookID, "total", total)
	return &Subscription{C: sub.ch, id: sub.id, hub: h}
}

func (h *Hub) unsubscribe(id string) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	h.mu.Unlock()
	if ok {
		close(sub.ch)
	}
}

// Publish delivers a change to every matching subscription.
func (h *Hub) Publish(change ChunkChange) {
	if change.At.IsZero() {
		change.At = time.Now().UTC()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if sub.bookID != "" && sub.bookID != change.BookID {
			continue
		}
		select {
		case sub.ch <- change:
		default:
			h.logger.Warn("dropped change for slow subscriber",
				"subscriber_id", sub.id, "book_id", change.BookID)
		}
	}
}

// CloseBook tears down every subscription scoped to a deleted book.
func (h *Hub) CloseBook(bookID string) {
	h.mu.Lock()
	var closing []*subscriber
	for id, sub := range h.subs {
		if sub.bookID == bookID {
			delete(h.subs, id)
			closing = append(closing, sub)
		}
	}
	h.mu.Unlock()
	for _, sub := range closing {
		close(sub.ch)
	}
}
