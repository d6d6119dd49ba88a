package downloader

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/teledm/teledm/internal/store"
)

// Lifecycle event types emitted by the engine.
const (
	EventDownloadAdded     = "download:added"
	EventDownloadStarted   = "download:started"
	EventDownloadCompleted = "download:completed"
	EventDownloadFailed    = "download:failed"
	EventDownloadCancelled = "download:cancelled"
)

// Event carries a lifecycle notification with a snapshot of the download.
type Event struct {
	Type     string          `json:"type"`
	Download *store.Download `json:"download"`
}

// Observer receives lifecycle events.
type Observer func(Event)

// Notifier multicasts events to an ordered list of observers. Observer
// panics are recovered and logged so a broken observer never affects
// scheduling.
type Notifier struct {
	mu        sync.Mutex
	observers []Observer
	logger    zerolog.Logger
}

// NewNotifier creates an empty notifier.
func NewNotifier(logger zerolog.Logger) *Notifier {
	return &Notifier{
		logger: logger.With().Str("component", "notifier").Logger(),
	}
}

// Subscribe registers an observer. Observers are invoked in subscription
// order.
func (n *Notifier) Subscribe(observer Observer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.observers = append(n.observers, observer)
}

// Notify delivers the event to every observer in turn.
func (n *Notifier) Notify(eventType string, dl *store.Download) {
	n.mu.Lock()
	observers := make([]Observer, len(n.observers))
	copy(observers, n.observers)
	n.mu.Unlock()

	event := Event{Type: eventType, Download: dl}
	for _, observer := range observers {
		n.invoke(observer, event)
	}
}

func (n *Notifier) invoke(observer Observer, event Event) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Warn().Interface("panic", r).Str("event", event.Type).Msg("Observer panicked")
		}
	}()
	observer(event)
}
