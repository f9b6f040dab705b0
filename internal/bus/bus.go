// Package bus carries operation events from the gateway to the actors.
// Every event is framed as "<topic> <json>".
package bus

import (
	"bytes"
	"context"
	"fmt"

	"libralink/internal/protocol"
)

// SubjectPrefix namespaces topics on the broker.
const SubjectPrefix = "libralink."

// Message is one received event.
type Message struct {
	Topic   string
	Payload []byte
}

// Envelope decodes the payload strictly.
func (m Message) Envelope() (protocol.Envelope, error) {
	return protocol.DecodeEnvelope(m.Payload)
}

type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Close() error
}

type Subscription interface {
	Messages() <-chan Message
	Close() error
}

type Subscriber interface {
	Subscribe(topics ...string) (Subscription, error)
}

// Frame builds the wire form of an event.
func Frame(topic string, payload []byte) []byte {
	out := make([]byte, 0, len(topic)+1+len(payload))
	out = append(out, topic...)
	out = append(out, ' ')
	return append(out, payload...)
}

// Parse splits a framed event at the first space.
func Parse(data []byte) (Message, error) {
	i := bytes.IndexByte(data, ' ')
	if i <= 0 {
		return Message{}, fmt.Errorf("%w: event has no topic", protocol.ErrMalformed)
	}
	return Message{Topic: string(data[:i]), Payload: data[i+1:]}, nil
}

// Subject returns the broker subject for topic.
func Subject(topic string) string {
	return SubjectPrefix + topic
}
