package godesk

import "sync"

// Feed fans values out to any number of subscribers without ever blocking the
// publisher. When a subscriber's buffer is full its oldest pending value is
// dropped, so a slow reader always ends up with the latest value.
type Feed[T any] struct {
	mu     sync.Mutex
	subs   map[int]chan T
	nextID int
	size   int
}

// NewFeed creates a feed whose subscriber channels buffer size values.
func NewFeed[T any](size int) *Feed[T] {
	if size < 1 {
		size = 1
	}
	return &Feed[T]{
		subs: make(map[int]chan T),
		size: size,
	}
}

// Subscribe registers a new subscriber. Call the returned func to unsubscribe;
// it closes the channel and is safe to call more than once.
func (f *Feed[T]) Subscribe() (<-chan T, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.nextID
	f.nextID++
	ch := make(chan T, f.size)
	f.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if c, ok := f.subs[id]; ok {
				delete(f.subs, id)
				close(c)
			}
		})
	}
}

// Publish delivers v to every subscriber.
func (f *Feed[T]) Publish(v T) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, ch := range f.subs {
		select {
		case ch <- v:
			continue
		default:
		}
		// full: drop the oldest and retry once
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- v:
		default:
		}
	}
}

// Len returns the number of active subscribers.
func (f *Feed[T]) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Close unsubscribes everyone, closing their channels.
func (f *Feed[T]) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
}
