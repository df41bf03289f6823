package events

import "sync"

// Feed is an ordered list of typed subscribers. It replaces the historical
// pattern of a single overwritable callback slot per event: any number of
// subscribers coexist and each controls its own lifetime.
//
// Publish delivers synchronously in subscription order. The session layer only
// publishes from the main tick goroutine, so subscribers may mutate session
// state without further synchronisation; the mutex exists to make Subscribe and
// Cancel safe during startup wiring.
type Feed[T any] struct {
	mu     sync.Mutex
	nextID int
	subs   []*Subscription[T]
}

// Subscription identifies one registered subscriber on a feed.
type Subscription[T any] struct {
	id   int
	feed *Feed[T]
	fn   func(T)
}

// Subscribe appends the callback to the feed and returns its handle.
func (f *Feed[T]) Subscribe(fn func(T)) *Subscription[T] {
	if f == nil || fn == nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	sub := &Subscription[T]{id: f.nextID, feed: f, fn: fn}
	f.subs = append(f.subs, sub)
	return sub
}

// Cancel removes the subscriber; later publishes no longer reach it.
func (s *Subscription[T]) Cancel() {
	if s == nil || s.feed == nil {
		return
	}
	f := s.feed
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, sub := range f.subs {
		if sub.id == s.id {
			f.subs = append(f.subs[:i], f.subs[i+1:]...)
			break
		}
	}
	s.feed = nil
}

// Publish invokes every subscriber in subscription order.
func (f *Feed[T]) Publish(value T) {
	if f == nil {
		return
	}
	//1.- Copy the subscriber list so a callback may cancel itself mid-delivery.
	f.mu.Lock()
	subs := make([]*Subscription[T], len(f.subs))
	copy(subs, f.subs)
	f.mu.Unlock()
	for _, sub := range subs {
		sub.fn(value)
	}
}

// Len reports the current subscriber count.
func (f *Feed[T]) Len() int {
	if f == nil {
		return 0
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}
