package batch

import (
	"slices"
	"sync"
)

const subscriberBuffer = 256

type subscriber struct {
	events chan Event
	done   chan struct{}
	once   sync.Once
}

// Subscribe returns a channel receiving every event of the batch, in order for a given dataset.
// The channel is closed once Run returns. Subscribers must keep reading or unsubscribe, a full
// channel blocks the chains.
func (r *Runner) Subscribe() (<-chan Event, func()) {
	sub := &subscriber{
		events: make(chan Event, subscriberBuffer),
		done:   make(chan struct{}),
	}

	r.mu.Lock()
	if r.closed {
		close(sub.events)
	} else {
		r.subscribers = append(r.subscribers, sub)
	}
	r.mu.Unlock()

	return sub.events, func() {
		sub.once.Do(func() { close(sub.done) })

		r.mu.Lock()
		defer r.mu.Unlock()
		r.subscribers = slices.DeleteFunc(r.subscribers, func(s *subscriber) bool { return s == sub })
	}
}

func (r *Runner) publish(event Event) {
	r.mu.Lock()
	subscribers := slices.Clone(r.subscribers)
	r.mu.Unlock()

	for _, sub := range subscribers {
		select {
		case sub.events <- event:
		case <-sub.done:
		}
	}
}

func (r *Runner) close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	for _, sub := range r.subscribers {
		close(sub.events)
	}
	r.subscribers = nil
}
