// Package protocol defines the messages exchanged between the gateway, the
// actors and the storage sites, together with their strict decoders.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// ErrMalformed marks a message that cannot be decoded. It is never retried.
var ErrMalformed = errors.New("malformed message")

// Kind is the operation carried by an envelope.
type Kind string

const (
	KindLoan              Kind = "prestamo"
	KindReturn            Kind = "devolucion"
	KindRenew             Kind = "renovacion"
	KindCheckAvailability Kind = "verificar_disponibilidad"
	KindReplicate         Kind = "replicacion"
)

// Topics lists the bus topics the gateway publishes to.
var Topics = []string{string(KindReturn), string(KindRenew), string(KindLoan)}

// Mutating reports whether the kind changes a site's state and therefore
// must be replicated.
func (k Kind) Mutating() bool {
	switch k {
	case KindLoan, KindReturn, KindRenew:
		return true
	}
	return false
}

// Topic returns the bus topic for kinds that are published as events.
func (k Kind) Topic() (string, bool) {
	if k.Mutating() {
		return string(k), true
	}
	return "", false
}

func (k Kind) valid() bool {
	return k.Mutating() || k == KindCheckAvailability
}

// LoanRequest is the book/user pair a client acts upon. It is copied on
// every hop; only DueDate is ever advanced, and only by a renewal.
type LoanRequest struct {
	Code     string `json:"codigo"`
	Title    string `json:"titulo"`
	Author   string `json:"autor"`
	LoanDate Date   `json:"fecha_prestamo"`
	DueDate  Date   `json:"fecha_devolucion"`
}

// WithDefaults fills a missing loan date with now and a missing due date
// with the loan date plus window.
func (r LoanRequest) WithDefaults(now time.Time, window time.Duration) LoanRequest {
	if r.LoanDate.IsZero() {
		r.LoanDate = NewDate(now)
	}
	if r.DueDate.IsZero() {
		r.DueDate = NewDate(r.LoanDate.Add(window))
	}
	return r
}

// Envelope wraps one operation and its metadata.
type Envelope struct {
	Kind      Kind        `json:"operacion"`
	Payload   LoanRequest `json:"libro_usuario"`
	RequestID string      `json:"request_id,omitempty"`
	Timestamp Epoch       `json:"timestamp"`
}

// NewEnvelope builds an envelope stamped with t.
func NewEnvelope(kind Kind, payload LoanRequest, t time.Time) Envelope {
	return Envelope{Kind: kind, Payload: payload, Timestamp: EpochOf(t)}
}

// ID returns the explicit request id or, failing that, the derived
// fingerprint of the envelope.
func (e Envelope) ID() string {
	if e.RequestID != "" {
		return e.RequestID
	}
	return Fingerprint(e)
}

// Validate checks the fields every operation needs.
func (e Envelope) Validate() error {
	if !e.Kind.valid() {
		return fmt.Errorf("%w: unknown operation %q", ErrMalformed, e.Kind)
	}
	if strings.TrimSpace(e.Payload.Code) == "" {
		return fmt.Errorf("%w: libro_usuario.codigo is required", ErrMalformed)
	}
	return nil
}

// DecodeEnvelope decodes a client envelope, rejecting unknown fields,
// trailing data and unknown operations.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := decodeStrict(data, &env); err != nil {
		return Envelope{}, err
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// ReplicationRequest is what a site forwards to its peer.
type ReplicationRequest struct {
	Type      Kind     `json:"tipo"`
	Operation Envelope `json:"operacion"`
}

// DecodeReplication decodes a forwarded operation. Only mutating kinds are
// accepted.
func DecodeReplication(data []byte) (ReplicationRequest, error) {
	var req ReplicationRequest
	if err := decodeStrict(data, &req); err != nil {
		return ReplicationRequest{}, err
	}
	if req.Type != KindReplicate {
		return ReplicationRequest{}, fmt.Errorf("%w: tipo must be %q", ErrMalformed, KindReplicate)
	}
	if err := req.Operation.Validate(); err != nil {
		return ReplicationRequest{}, err
	}
	if !req.Operation.Kind.Mutating() {
		return ReplicationRequest{}, fmt.Errorf("%w: %q cannot be replicated", ErrMalformed, req.Operation.Kind)
	}
	return req, nil
}

// Heartbeat is broadcast by every site on a fixed interval.
type Heartbeat struct {
	Site      string `json:"sede"`
	Timestamp Epoch  `json:"timestamp"`
	Status    string `json:"estado"`
}

// DecodeHeartbeat decodes a heartbeat; the site name is required.
func DecodeHeartbeat(data []byte) (Heartbeat, error) {
	var hb Heartbeat
	if err := decodeStrict(data, &hb); err != nil {
		return Heartbeat{}, err
	}
	if hb.Site == "" {
		return Heartbeat{}, fmt.Errorf("%w: sede is required", ErrMalformed)
	}
	return hb, nil
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: trailing data after object", ErrMalformed)
	}
	return nil
}

// Epoch is a timestamp in float seconds since the Unix epoch.
type Epoch float64

// EpochOf converts t.
func EpochOf(t time.Time) Epoch {
	return Epoch(float64(t.UnixNano()) / float64(time.Second))
}

// Time converts e back to a time.Time.
func (e Epoch) Time() time.Time {
	sec, frac := math.Modf(float64(e))
	return time.Unix(int64(sec), int64(frac*float64(time.Second)))
}
