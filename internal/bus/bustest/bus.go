// Package bustest provides an in-process bus for tests.
package bustest

import (
	"context"
	"sync"

	"libralink/internal/bus"
)

// Bus delivers every published event to the subscriptions listening on
// its topic. Events go through the same framing as the broker.
type Bus struct {
	mu   sync.Mutex
	subs []*subscription
}

func New() *Bus { return &Bus{} }

func (b *Bus) Publish(ctx context.Context, topic string, payload []byte) error {
	msg, err := bus.Parse(bus.Frame(topic, payload))
	if err != nil {
		return err
	}
	b.mu.Lock()
	var targets []*subscription
	for _, s := range b.subs {
		if s.topics[topic] {
			targets = append(targets, s)
		}
	}
	b.mu.Unlock()

	for _, s := range targets {
		select {
		case s.out <- msg:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *Bus) Subscribe(topics ...string) (bus.Subscription, error) {
	s := &subscription{
		bus:    b,
		topics: make(map[string]bool, len(topics)),
		out:    make(chan Message, 64),
		done:   make(chan struct{}),
	}
	for _, t := range topics {
		s.topics[t] = true
	}
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()
	return s, nil
}

func (b *Bus) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}
	return nil
}

type Message = bus.Message

type subscription struct {
	bus    *Bus
	topics map[string]bool
	out    chan Message
	done   chan struct{}
	once   sync.Once
}

func (s *subscription) Messages() <-chan Message { return s.out }

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		for i, o := range s.bus.subs {
			if o == s {
				s.bus.subs = append(s.bus.subs[:i], s.bus.subs[i+1:]...)
				break
			}
		}
		s.bus.mu.Unlock()
		close(s.done)
	})
	return nil
}
