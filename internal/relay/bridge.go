package relay

import "sync"

// Bridge is the host-side analytics API a pixel subscribes to.
type Bridge interface {
	Subscribe(stream string, fn func(Event))
}

// LocalBridge fans events out to in-process subscribers. Subscribers of
// AllStandardEvents see every standard event; subscribers of a single event
// name see only that event.
type LocalBridge struct {
	mu   sync.RWMutex
	subs map[string][]func(Event)
}

func NewLocalBridge() *LocalBridge {
	return &LocalBridge{subs: make(map[string][]func(Event))}
}

func (b *LocalBridge) Subscribe(stream string, fn func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[stream] = append(b.subs[stream], fn)
}

// Emit delivers e to every matching subscriber and returns how many were called.
func (b *LocalBridge) Emit(e Event) int {
	b.mu.RLock()
	var targets []func(Event)
	if StandardEvents[e.Name] {
		targets = append(targets, b.subs[AllStandardEvents]...)
	}
	targets = append(targets, b.subs[e.Name]...)
	b.mu.RUnlock()

	for _, fn := range targets {
		fn(e)
	}
	return len(targets)
}
