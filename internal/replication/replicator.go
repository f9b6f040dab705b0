package replication

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"libralink/internal/protocol"
)

// Peer is the other site as seen over the replication and heartbeat
// channels.
type Peer interface {
	Replicate(ctx context.Context, env protocol.Envelope) error
	Heartbeat(ctx context.Context, hb protocol.Heartbeat) error
}

type Config struct {
	Site               string
	HeartbeatInterval  time.Duration
	PeerTimeout        time.Duration
	PollInterval       time.Duration
	ReplicationTimeout time.Duration
	Workers            int
	QueueSize          int
	// ResyncRate bounds how fast the pending queue is replayed.
	ResyncRate  rate.Limit
	ResyncBurst int

	// Testing hook; nil = time.Now
	Now func() time.Time
}

func DefaultConfig(site string) Config {
	return Config{
		Site:               site,
		HeartbeatInterval:  2 * time.Second,
		PeerTimeout:        10 * time.Second,
		PollInterval:       2 * time.Second,
		ReplicationTimeout: 3 * time.Second,
		Workers:            2,
		QueueSize:          1024,
		ResyncRate:         rate.Limit(50),
		ResyncBurst:        10,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig(c.Site)
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.PeerTimeout <= 0 {
		c.PeerTimeout = def.PeerTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.ReplicationTimeout <= 0 {
		c.ReplicationTimeout = def.ReplicationTimeout
	}
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	if c.ResyncRate <= 0 {
		c.ResyncRate = def.ResyncRate
	}
	if c.ResyncBurst <= 0 {
		c.ResyncBurst = def.ResyncBurst
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Replicator forwards locally applied operations to the peer from a
// bounded queue served by a small fixed pool. Deliveries that fail are
// kept in the pending queue.
type Replicator struct {
	cfg     Config
	peer    Peer
	pending *PendingQueue
	tracker *Tracker
	limiter *rate.Limiter

	queue  chan protocol.Envelope
	resync sync.Mutex

	tracer   trace.Tracer
	failures metric.Int64Counter
	resynced metric.Int64Counter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewReplicator(cfg Config, peer Peer, pending *PendingQueue, tracker *Tracker) *Replicator {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	meter := otel.Meter("libralink/replication")
	failures, _ := meter.Int64Counter("replication.failures")
	resynced, _ := meter.Int64Counter("replication.resynced")

	return &Replicator{
		cfg:      cfg,
		peer:     peer,
		pending:  pending,
		tracker:  tracker,
		limiter:  rate.NewLimiter(cfg.ResyncRate, cfg.ResyncBurst),
		queue:    make(chan protocol.Envelope, cfg.QueueSize),
		tracer:   otel.Tracer("libralink/replication"),
		failures: failures,
		resynced: resynced,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (r *Replicator) Start() {
	for i := 0; i < r.cfg.Workers; i++ {
		r.wg.Add(1)
		go r.replicationLoop()
	}
}

// Stop abandons queued deliveries after moving them to the pending queue.
func (r *Replicator) Stop() {
	r.cancel()
	r.wg.Wait()
	for {
		select {
		case env := <-r.queue:
			r.keep(env, "shutdown")
		default:
			return
		}
	}
}

// Replicate schedules env for delivery. It never blocks: when the queue is
// full the operation goes straight to the pending queue.
func (r *Replicator) Replicate(env protocol.Envelope) {
	select {
	case r.queue <- env:
	default:
		log.Printf("[%s] replication queue full, keeping %s %s for resync", r.cfg.Site, env.Kind, env.Payload.Code)
		r.keep(env, "queue full")
	}
}

func (r *Replicator) replicationLoop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case env := <-r.queue:
			r.Send(r.ctx, env)
		}
	}
}

// Send delivers env once with the replication timeout. On failure the
// operation is queued and the peer is marked down immediately.
func (r *Replicator) Send(ctx context.Context, env protocol.Envelope) error {
	ctx, span := r.tracer.Start(ctx, "replication.send",
		trace.WithAttributes(
			attribute.String("site", r.cfg.Site),
			attribute.String("op.kind", string(env.Kind)),
			attribute.String("book.code", env.Payload.Code),
			attribute.String("request.id", env.ID()),
		),
	)
	defer span.End()

	if err := r.deliver(ctx, env); err != nil {
		span.RecordError(err)
		if errors.Is(err, protocol.ErrMalformed) {
			log.Printf("[%s] peer rejected %s %s, dropping: %v", r.cfg.Site, env.Kind, env.Payload.Code, err)
			return err
		}
		r.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("site", r.cfg.Site)))
		if r.tracker.MarkPeerDown() {
			log.Printf("[%s] replication failed, peer marked down: %v", r.cfg.Site, err)
		}
		r.keep(env, err.Error())
		return err
	}
	return nil
}

func (r *Replicator) deliver(ctx context.Context, env protocol.Envelope) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.ReplicationTimeout)
	defer cancel()
	if err := r.peer.Replicate(ctx, env); err != nil {
		if errors.Is(err, protocol.ErrMalformed) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}
	return nil
}

func (r *Replicator) keep(env protocol.Envelope, reason string) {
	added, err := r.pending.Enqueue(env)
	if err != nil {
		log.Printf("[%s] failed to persist pending %s %s: %v", r.cfg.Site, env.Kind, env.Payload.Code, err)
		return
	}
	if added {
		log.Printf("[%s] %s %s kept for resync (%s)", r.cfg.Site, env.Kind, env.Payload.Code, reason)
	}
}

// Resync replays the pending queue in order. Each entry is removed only
// after the peer acknowledged it. At the first failure that entry and every
// entry not yet attempted are moved to the tail, in their original order.
func (r *Replicator) Resync(ctx context.Context) (sent int, err error) {
	r.resync.Lock()
	defer r.resync.Unlock()

	ctx, span := r.tracer.Start(ctx, "replication.resync", trace.WithAttributes(attribute.String("site", r.cfg.Site)))
	defer span.End()

	items, err := r.pending.Snapshot()
	if err != nil {
		return 0, fmt.Errorf("read pending queue: %w", err)
	}
	if len(items) == 0 {
		return 0, nil
	}
	log.Printf("[%s] resyncing %d pending operations", r.cfg.Site, len(items))

	for i, item := range items {
		if err := r.limiter.Wait(ctx); err != nil {
			return sent, r.requeue(items[i:], 0, err)
		}
		err := r.deliver(ctx, item.Envelope)
		if errors.Is(err, protocol.ErrMalformed) {
			log.Printf("[%s] peer rejected pending entry %d, dropping: %v", r.cfg.Site, item.Seq, err)
			if err := r.pending.Remove(item.Seq); err != nil {
				return sent, fmt.Errorf("remove rejected entry %d: %w", item.Seq, err)
			}
			continue
		}
		if err != nil {
			r.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("site", r.cfg.Site)))
			r.tracker.MarkPeerDown()
			span.RecordError(err)
			return sent, r.requeue(items[i:], item.Seq, err)
		}
		if err := r.pending.Remove(item.Seq); err != nil {
			return sent, fmt.Errorf("remove acknowledged entry %d: %w", item.Seq, err)
		}
		sent++
		r.resynced.Add(ctx, 1, metric.WithAttributes(attribute.String("site", r.cfg.Site)))
	}

	span.SetAttributes(attribute.Int("resync.sent", sent))
	log.Printf("[%s] resync complete, %d operations delivered", r.cfg.Site, sent)
	return sent, nil
}

func (r *Replicator) requeue(rest []PendingItem, tried uint64, cause error) error {
	if err := r.pending.Requeue(rest, tried); err != nil {
		return fmt.Errorf("requeue after %v: %w", cause, err)
	}
	log.Printf("[%s] resync stopped, %d operations requeued: %v", r.cfg.Site, len(rest), cause)
	return cause
}

// Backlog returns the number of pending operations.
func (r *Replicator) Backlog() int {
	return r.pending.Len()
}
