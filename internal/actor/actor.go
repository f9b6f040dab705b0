// Package actor consumes operation events from the bus, drops the ones it
// has already seen and delivers the rest through the failover dispatcher.
package actor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"libralink/internal/bus"
	"libralink/internal/idempotency"
	"libralink/internal/journal"
	"libralink/internal/protocol"
	"libralink/internal/supervisor"
)

var ErrSubscriptionClosed = errors.New("subscription closed")

// Dispatcher delivers one envelope to some site.
type Dispatcher interface {
	Dispatch(ctx context.Context, env protocol.Envelope) (protocol.Reply, error)
}

type Config struct {
	Topics  []string
	Workers int
	Now     func() time.Time
}

func DefaultConfig() Config {
	return Config{Topics: protocol.Topics, Workers: 4, Now: time.Now}
}

// Outcome is what happened to one event.
type Outcome struct {
	RequestID string
	Kind      protocol.Kind
	Duplicate bool
	// SeenAt is when a duplicate's id was previously observed.
	SeenAt time.Time
	Reply  protocol.Reply
	Err    error
}

// ProcessedEntry is the record kept for every delivered event.
type ProcessedEntry struct {
	RequestID   string            `json:"request_id"`
	Kind        protocol.Kind     `json:"operacion"`
	Topic       string            `json:"topic"`
	Payload     protocol.Envelope `json:"payload"`
	Success     bool              `json:"exito"`
	Message     string            `json:"mensaje,omitempty"`
	Site        string            `json:"sede,omitempty"`
	Error       string            `json:"error,omitempty"`
	ProcessedAt protocol.Epoch    `json:"processed_at"`
}

type job struct {
	topic string
	env   protocol.Envelope
}

type Actor struct {
	cfg        Config
	cache      *idempotency.Cache
	dispatcher Dispatcher
	processed  *journal.Writer
	tracer     trace.Tracer

	// OnOutcome, if set, is called after every event.
	OnOutcome func(Outcome)
}

// New builds an actor. processed may be nil.
func New(cfg Config, cache *idempotency.Cache, dispatcher Dispatcher, processed *journal.Writer) *Actor {
	def := DefaultConfig()
	if len(cfg.Topics) == 0 {
		cfg.Topics = def.Topics
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.Now == nil {
		cfg.Now = def.Now
	}
	return &Actor{
		cfg:        cfg,
		cache:      cache,
		dispatcher: dispatcher,
		processed:  processed,
		tracer:     otel.Tracer("libralink/actor"),
	}
}

// accept decodes msg and checks it against the cache. It runs on the
// receiver goroutine only.
func (a *Actor) accept(msg bus.Message) (job, Outcome, bool) {
	env, err := msg.Envelope()
	if err != nil {
		log.Printf("[actor] dropping malformed event on %s: %v", msg.Topic, err)
		return job{}, Outcome{Err: err}, false
	}
	if topic, ok := env.Kind.Topic(); !ok || topic != msg.Topic {
		err := fmt.Errorf("%w: %s event published on %s", protocol.ErrMalformed, env.Kind, msg.Topic)
		log.Printf("[actor] dropping event: %v", err)
		return job{}, Outcome{Kind: env.Kind, Err: err}, false
	}

	id := env.ID()
	seenAt, _ := a.cache.LastSeen(id)
	if !a.cache.Observe(id) {
		log.Printf("[actor] duplicate event (id=%s, last seen %s), ignoring", id, seenAt.Format(time.RFC3339))
		return job{}, Outcome{RequestID: id, Kind: env.Kind, Duplicate: true, SeenAt: seenAt}, false
	}
	// Pin the id so the sites see the same one the cache saw.
	env.RequestID = id
	return job{topic: msg.Topic, env: env}, Outcome{}, true
}

// Handle processes one event synchronously.
func (a *Actor) Handle(ctx context.Context, msg bus.Message) Outcome {
	j, out, ok := a.accept(msg)
	if !ok {
		a.report(out)
		return out
	}
	out = a.process(ctx, j)
	a.report(out)
	return out
}

func (a *Actor) report(out Outcome) {
	if a.OnOutcome != nil {
		a.OnOutcome(out)
	}
}

func (a *Actor) process(ctx context.Context, j job) Outcome {
	env := j.env
	ctx, span := a.tracer.Start(ctx, "actor.process",
		trace.WithAttributes(
			attribute.String("op.kind", string(env.Kind)),
			attribute.String("book.code", env.Payload.Code),
			attribute.String("request.id", env.RequestID),
		),
	)
	defer span.End()

	log.Printf("[actor] processing %s id=%s titulo=%s", env.Kind, env.RequestID, env.Payload.Title)

	var reply protocol.Reply
	var err error
	if env.Kind == protocol.KindLoan {
		reply, err = a.loan(ctx, env)
	} else {
		reply, err = a.dispatcher.Dispatch(ctx, env)
	}
	if err != nil {
		span.RecordError(err)
	}

	out := Outcome{RequestID: env.RequestID, Kind: env.Kind, Reply: reply, Err: err}
	a.record(j.topic, env, out)
	return out
}

// loan checks availability first and only then asks for the loan. A
// negative check ends the operation without a second round trip.
func (a *Actor) loan(ctx context.Context, env protocol.Envelope) (protocol.Reply, error) {
	check := protocol.NewEnvelope(protocol.KindCheckAvailability, env.Payload, a.cfg.Now())
	check.RequestID = env.RequestID + "/check"

	avail, err := a.dispatcher.Dispatch(ctx, check)
	if err != nil {
		return protocol.Reply{}, fmt.Errorf("check availability: %w", err)
	}
	if !avail.Available {
		log.Printf("[actor] %s not available at %s (%s)", env.Payload.Code, avail.Site, avail.Message)
		return avail, nil
	}

	reply, err := a.dispatcher.Dispatch(ctx, env)
	if err != nil {
		return reply, err
	}
	if !reply.Success {
		log.Printf("[actor] loan of %s rejected at %s after a positive check: %s", env.Payload.Code, reply.Site, reply.Message)
	}
	return reply, nil
}

func (a *Actor) record(topic string, env protocol.Envelope, out Outcome) {
	if a.processed == nil {
		return
	}
	entry := ProcessedEntry{
		RequestID:   out.RequestID,
		Kind:        env.Kind,
		Topic:       topic,
		Payload:     env,
		Success:     out.Err == nil && (out.Reply.Success || out.Reply.Available),
		Message:     out.Reply.Message,
		Site:        out.Reply.Site,
		ProcessedAt: protocol.EpochOf(a.cfg.Now()),
	}
	if out.Err != nil {
		entry.Error = out.Err.Error()
	}
	if err := a.processed.Append(entry); err != nil {
		log.Printf("[actor] failed to record %s: %v", out.RequestID, err)
	}
}

// Run receives events from sub on one goroutine and processes them on the
// worker pool until ctx is done or the subscription closes.
func (a *Actor) Run(ctx context.Context, sub bus.Subscription) error {
	jobs := make(chan job)
	var wg sync.WaitGroup
	for i := 0; i < a.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				a.report(a.process(ctx, j))
			}
		}()
	}
	defer func() {
		close(jobs)
		wg.Wait()
	}()

	step := func(ctx context.Context) supervisor.Result {
		select {
		case <-ctx.Done():
			return supervisor.Done()
		case msg, ok := <-sub.Messages():
			if !ok {
				return supervisor.Stop(ErrSubscriptionClosed)
			}
			j, out, ok := a.accept(msg)
			if !ok {
				a.report(out)
				return supervisor.Done()
			}
			select {
			case jobs <- j:
			case <-ctx.Done():
			}
			return supervisor.Done()
		}
	}
	return supervisor.Run(ctx, "actor/receiver", step, supervisor.Policy{})
}
