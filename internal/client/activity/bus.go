// Package activity tracks user interaction and enforces the inactivity
// timeout of the stored session.
package activity

import "sync"

// Signal is a class of user interaction.
type Signal int

const (
	SignalPointer Signal = iota
	SignalKey
	SignalScroll
	SignalTouch
)

func (s Signal) String() string {
	switch s {
	case SignalPointer:
		return "pointer"
	case SignalKey:
		return "key"
	case SignalScroll:
		return "scroll"
	case SignalTouch:
		return "touch"
	default:
		return "unknown"
	}
}

// Source delivers interaction signals to subscribers.
type Source interface {
	// Subscribe registers fn and returns a function that removes it.
	Subscribe(fn func(Signal)) (unsubscribe func())
}

// Bus is an in-process Source. Front ends call Emit for every interaction.
type Bus struct {
	mu   sync.RWMutex
	next int
	subs map[int]func(Signal)
}

var _ Source = (*Bus)(nil)

func NewBus() *Bus {
	return &Bus{subs: make(map[int]func(Signal))}
}

func (b *Bus) Subscribe(fn func(Signal)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	b.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Emit delivers s to all current subscribers on the caller's goroutine.
// Subscribers must not block.
func (b *Bus) Emit(s Signal) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, fn := range b.subs {
		fn(s)
	}
}

// Subscribers reports the number of registered subscribers.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
