package notify

import (
	"sync"

	"vachak/pkg/domain"
)

// EventType names a progress event emitted during one upload request.
type EventType string

const (
	EventStatus                EventType = "status"
	EventProcessingStarted     EventType = "processing_started"
	EventPageProgress          EventType = "page_progress"
	EventAudioGenerationStart  EventType = "audio_generation_started"
	EventCompleted             EventType = "completed"
	EventError                 EventType = "error"
)

// Event is one item in the ordered progress sequence. Exactly one terminal
// event (completed or error) ends the sequence.
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
}

// Terminal reports whether the event ends the stream.
func (e Event) Terminal() bool {
	return e.Type == EventCompleted || e.Type == EventError
}

type statusData struct {
	Message string `json:"message"`
}

type processingStartedData struct {
	TotalPages int    `json:"total_pages"`
	Message    string `json:"message,omitempty"`
}

type pageProgressData struct {
	CurrentPage int    `json:"current_page"`
	TotalPages  int    `json:"total_pages"`
	Progress    int    `json:"progress"`
	Message     string `json:"message,omitempty"`
}

type completedData struct {
	Book       domain.Book `json:"book"`
	TotalPages int         `json:"total_pages"`
}

type errorData struct {
	Error string `json:"error"`
}

// ProgressStream collects the ordered progress events of one upload.
// Informational events before the terminal may be dropped by a slow
// consumer; the terminal event is always delivered (buffered) and closes
// the stream. Emits after the terminal are ignored.
type ProgressStream struct {
	mu       sync.Mutex
	ch       chan Event
	terminal bool
}

// NewProgressStream returns a stream with room for buffered events.
func NewProgressStream() *ProgressStream {
	return &ProgressStream{ch: make(chan Event, 64)}
}

// Events is the consumer side; it is closed after the terminal event.
func (p *ProgressStream) Events() <-chan Event {
	return p.ch
}

// Status emits an informational message.
func (p *ProgressStream) Status(message string) {
	p.emit(Event{Type: EventStatus, Data: statusData{Message: message}})
}

// ProcessingStarted reports that the total page count is known.
func (p *ProgressStream) ProcessingStarted(totalPages int) {
	p.emit(Event{Type: EventProcessingStarted, Data: processingStartedData{TotalPages: totalPages}})
}

// PageProgress reports OCR advancing through the page window.
func (p *ProgressStream) PageProgress(currentPage, totalPages int) {
	progress := 0
	if totalPages > 0 {
		progress = currentPage * 100 / totalPages
	}
	p.emit(Event{Type: EventPageProgress, Data: pageProgressData{
		CurrentPage: currentPage,
		TotalPages:  totalPages,
		Progress:    progress,
	}})
}

// AudioGenerationStarted reports the synthesis stage beginning.
func (p *ProgressStream) AudioGenerationStarted(totalPages int) {
	p.emit(Event{Type: EventAudioGenerationStart, Data: processingStartedData{TotalPages: totalPages}})
}

// Completed emits the terminal success event carrying final book metadata.
func (p *ProgressStream) Completed(book domain.Book) {
	p.emitTerminal(Event{Type: EventCompleted, Data: completedData{Book: book, TotalPages: book.TotalPages}})
}

// Error emits the terminal failure event.
func (p *ProgressStream) Error(message string) {
	p.emitTerminal(Event{Type: EventError, Data: errorData{Error: message}})
}

func (p *ProgressStream) emit(event Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.terminal {
		return
	}
	// Informational events are droppable.
	select {
	case p.ch <- event:
	default:
	}
}

func (p *ProgressStream) emitTerminal(event Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.terminal {
		return
	}
	p.terminal = true
	select {
	case p.ch <- event:
	default:
		// Make room by dropping the oldest informational event.
		select {
		case <-p.ch:
		default:
		}
		p.ch <- event
	}
	close(p.ch)
}
