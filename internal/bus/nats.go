package bus

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS publishes and subscribes through a NATS server.
type NATS struct {
	conn *nats.Conn
}

// Connect dials url and keeps reconnecting for the life of the process.
func Connect(url, name string) (*NATS, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[bus] disconnected from %s: %v", url, err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Printf("[bus] reconnected to %s", c.ConnectedUrl())
		}),
		nats.ErrorHandler(asyncError),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", url, err)
	}
	return &NATS{conn: nc}, nil
}

// asyncError reports errors the client raises outside any call. A slow
// consumer means the subscription buffer filled and the server dropped
// events.
func asyncError(_ *nats.Conn, sub *nats.Subscription, err error) {
	subject := "connection"
	if sub != nil {
		subject = sub.Subject
	}
	if errors.Is(err, nats.ErrSlowConsumer) {
		log.Printf("[bus] slow consumer on %s, events dropped", subject)
		return
	}
	log.Printf("[bus] async error on %s: %v", subject, err)
}

// Publish sends one framed event and waits for the server to take it.
func (n *NATS) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := n.conn.Publish(Subject(topic), Frame(topic, payload)); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	if err := n.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush %s: %w", topic, err)
	}
	return nil
}

// Subscribe listens on every topic through one channel.
func (n *NATS) Subscribe(topics ...string) (Subscription, error) {
	in := make(chan *nats.Msg, 256)
	s := &natsSubscription{
		out:  make(chan Message, 256),
		done: make(chan struct{}),
	}
	for _, t := range topics {
		sub, err := n.conn.ChanSubscribe(Subject(t), in)
		if err != nil {
			s.unsubscribe()
			return nil, fmt.Errorf("subscribe %s: %w", t, err)
		}
		s.subs = append(s.subs, sub)
	}
	go s.forward(in)
	return s, nil
}

func (n *NATS) Close() error {
	n.conn.Close()
	return nil
}

type natsSubscription struct {
	subs []*nats.Subscription
	out  chan Message
	done chan struct{}
	once sync.Once
}

func (s *natsSubscription) Messages() <-chan Message { return s.out }

func (s *natsSubscription) forward(in <-chan *nats.Msg) {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case m := <-in:
			msg, err := Parse(m.Data)
			if err != nil {
				log.Printf("[bus] dropping event on %s: %v", m.Subject, err)
				continue
			}
			select {
			case s.out <- msg:
			case <-s.done:
				return
			}
		}
	}
}

func (s *natsSubscription) unsubscribe() {
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
}

func (s *natsSubscription) Close() error {
	s.once.Do(func() {
		s.unsubscribe()
		close(s.done)
	})
	return nil
}
