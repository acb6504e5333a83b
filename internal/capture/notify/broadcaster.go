// Package notify fans engine status and progress out to presenters running on
// other goroutines.
package notify

import (
	"log/slog"
	"sync"

	"github.com/rmguney/mux-sweeper/internal/capture/core"
	"github.com/rmguney/mux-sweeper/internal/util"
)

// Kind tells which field of an Event is set.
type Kind int

const (
	KindStatus Kind = iota
	KindProgress
)

// Event is one notification delivered to subscribers.
type Event struct {
	Kind     Kind
	Status   string
	Progress core.Progress
}

// Broadcaster distributes events to subscribers without ever blocking the
// publisher. A subscriber that falls behind loses events.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[string]chan Event
	logger *slog.Logger
}

// NewBroadcaster creates a broadcaster with no subscribers.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = util.GetLogger()
	}
	return &Broadcaster{
		subs:   make(map[string]chan Event),
		logger: logger.With("component", "notify"),
	}
}

// Subscribe adds a subscriber with a buffer of bufferSize events. Subscribing
// an existing id replaces (and closes) its previous channel.
func (b *Broadcaster) Subscribe(id string, bufferSize int) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if old, exists := b.subs[id]; exists {
		close(old)
	}
	ch := make(chan Event, bufferSize)
	b.subs[id] = ch
	b.logger.Debug("Subscriber added", "id", id, "total", len(b.subs))
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, exists := b.subs[id]; exists {
		close(ch)
		delete(b.subs, id)
		b.logger.Debug("Subscriber removed", "id", id, "total", len(b.subs))
	}
}

// Close removes every subscriber.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}

// Publish delivers ev to every subscriber that has room for it.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			if ev.Kind == KindStatus {
				b.logger.Warn("Subscriber channel full, dropping status", "subscriber", id, "status", ev.Status)
			}
		}
	}
}

// Status returns a notifier publishing status lines.
func (b *Broadcaster) Status() core.Notifier[string] {
	return core.NotifierFunc[string](func(s string) {
		b.Publish(Event{Kind: KindStatus, Status: s})
	})
}

// Progress returns a notifier publishing progress updates.
func (b *Broadcaster) Progress() core.Notifier[core.Progress] {
	return core.NotifierFunc[core.Progress](func(p core.Progress) {
		b.Publish(Event{Kind: KindProgress, Progress: p})
	})
}
