// Package eventbus is a node-local, in-process publish/subscribe bus:
// this module has no managed message broker, only components within a
// single process that need to observe each other's named events (job
// lifecycle, cache invalidation, scheduler ticks).
//
// Design Notes:
//   - Handlers run synchronously, on the publishing goroutine, in
//     subscription order — callers that need async fan-out should
//     spawn their own goroutine inside the handler, the same way the
//     teacher's HandleRefreshEvent backgrounds its L2 write.
//   - A handler error is logged by the caller via the returned error
//     slice; publishing never aborts early because one subscriber
//     failed.
package eventbus

import "sync"

// Handler processes one published event of type T.
type Handler[T any] func(event T) error

// Topic is a named, typed channel that subscribers attach to.
type Topic[T any] struct {
	name string

	mu   sync.RWMutex
	subs []subscriber[T]
}

// NewTopic creates a Topic identified by name (used only for
// diagnostics; topics are otherwise addressed by the Go value itself).
func NewTopic[T any](name string) *Topic[T] {
	return &Topic[T]{name: name}
}

// Name returns the topic's diagnostic name.
func (t *Topic[T]) Name() string { return t.name }

// Subscribe registers handler to run on every future Publish call and
// returns a function that removes it.
func (t *Topic[T]) Subscribe(handler Handler[T]) (unsubscribe func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := new(byte)
	t.subs = append(t.subs, subscriber[T]{id: id, handler: handler})

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		for i, s := range t.subs {
			if s.id == id {
				t.subs = append(t.subs[:i], t.subs[i+1:]...)
				break
			}
		}
	}
}

type subscriber[T any] struct {
	id      *byte
	handler Handler[T]
}

// Publish invokes every subscribed handler with event, in registration
// order, and returns the errors any of them returned (nil entries
// omitted, so a nil return means every handler succeeded).
func (t *Topic[T]) Publish(event T) []error {
	t.mu.RLock()
	subs := make([]subscriber[T], len(t.subs))
	copy(subs, t.subs)
	t.mu.RUnlock()

	var errs []error
	for _, s := range subs {
		if err := s.handler(event); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
