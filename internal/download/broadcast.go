package download

import "sync"

// Broadcaster fans task snapshots out to per-task subscribers. Each
// subscriber owns a buffered channel; a slow subscriber has its oldest
// pending snapshot dropped rather than blocking the manager, so
// delivery is at-most-once per tick but always in production order.
type Broadcaster struct {
	mu   sync.RWMutex
	subs map[string]map[chan Task]struct{}
}

// NewBroadcaster creates an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subs: make(map[string]map[chan Task]struct{}),
	}
}

// Subscribe registers interest in one task's snapshots. The unsubscribe
// function must be called to avoid leaks. Subscribers are isolated from
// one another; none receives history.
func (b *Broadcaster) Subscribe(id string, buffer int) (<-chan Task, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Task, buffer)

	b.mu.Lock()
	set, ok := b.subs[id]
	if !ok {
		set = make(map[chan Task]struct{})
		b.subs[id] = set
	}
	set[ch] = struct{}{}
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		if set, ok := b.subs[id]; ok {
			if _, ok := set[ch]; ok {
				delete(set, ch)
				if len(set) == 0 {
					delete(b.subs, id)
				}
			}
		}
		b.mu.Unlock()
	}
	return ch, unsubscribe
}

// Publish delivers a snapshot to every subscriber of the task.
func (b *Broadcaster) Publish(t Task) {
	b.mu.RLock()
	targets := make([]chan Task, 0, len(b.subs[t.ID]))
	for ch := range b.subs[t.ID] {
		targets = append(targets, ch)
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- t:
		default:
			// Drop the oldest pending snapshot to make room; the
			// newest one always wins.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- t:
			default:
			}
		}
	}
}
