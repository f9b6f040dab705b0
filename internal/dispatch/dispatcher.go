// Package dispatch delivers one operation to exactly one of an ordered
// list of sites, failing over on transport errors.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"libralink/internal/journal"
	"libralink/internal/protocol"
)

var (
	ErrAllSitesFailed = errors.New("all sites failed")
	ErrNoSites        = errors.New("no sites configured")
)

// Site is one storage site's request channel.
type Site interface {
	Send(ctx context.Context, env protocol.Envelope) (protocol.Reply, error)
	URL() string
}

type Config struct {
	// Timeout bounds one attempt against one site.
	Timeout time.Duration
	// Pause is the wait before trying the next site.
	Pause time.Duration
	Now   func() time.Time
}

func DefaultConfig() Config {
	return Config{Timeout: 5 * time.Second, Pause: time.Second, Now: time.Now}
}

// UnresolvedEntry is what the dispatcher records for an operation no site
// accepted.
type UnresolvedEntry struct {
	RequestID  string            `json:"request_id"`
	Kind       protocol.Kind     `json:"operacion"`
	Envelope   protocol.Envelope `json:"envelope"`
	Sites      []string          `json:"sedes"`
	Attempts   int               `json:"intentos"`
	Error      string            `json:"error"`
	RecordedAt time.Time         `json:"registrado"`
}

// Dispatcher keeps routing to the last site that answered and rotates to
// the next one on failure.
type Dispatcher struct {
	cfg        Config
	sites      []Site
	unresolved *journal.Writer

	mu      sync.Mutex
	current int

	tracer    trace.Tracer
	failovers metric.Int64Counter
}

// New returns a dispatcher over sites. Operations that no site accepts are
// appended to unresolved; a nil writer only logs them.
func New(cfg Config, sites []Site, unresolved *journal.Writer) (*Dispatcher, error) {
	if len(sites) == 0 {
		return nil, ErrNoSites
	}
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Pause < 0 {
		cfg.Pause = 0
	}
	if cfg.Now == nil {
		cfg.Now = def.Now
	}
	failovers, _ := otel.Meter("libralink/dispatch").Int64Counter("dispatch.failovers")
	return &Dispatcher{
		cfg:        cfg,
		sites:      sites,
		unresolved: unresolved,
		tracer:     otel.Tracer("libralink/dispatch"),
		failovers:  failovers,
	}, nil
}

// Current returns the index of the preferred site.
func (d *Dispatcher) Current() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

// advance moves past from unless another delivery already did.
func (d *Dispatcher) advance(from int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.current == from {
		d.current = (from + 1) % len(d.sites)
	}
	return d.current
}

// Dispatch sends env to the preferred site and fails over to the next one
// on transport errors, at most once per site. A malformed rejection is
// returned at once. When every site failed the operation is recorded as
// unresolved and ErrAllSitesFailed is returned.
func (d *Dispatcher) Dispatch(ctx context.Context, env protocol.Envelope) (protocol.Reply, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch.dispatch",
		trace.WithAttributes(
			attribute.String("op.kind", string(env.Kind)),
			attribute.String("book.code", env.Payload.Code),
			attribute.String("request.id", env.ID()),
		),
	)
	defer span.End()

	attempts := 0
	reply, err := backoff.Retry(ctx, func() (protocol.Reply, error) {
		attempts++
		if err := ctx.Err(); err != nil {
			return protocol.Reply{}, backoff.Permanent(err)
		}
		idx := d.Current()
		site := d.sites[idx]

		reply, err := d.attempt(ctx, site, env)
		if err == nil {
			span.SetAttributes(attribute.String("site.url", site.URL()))
			return reply, nil
		}
		if errors.Is(err, protocol.ErrMalformed) {
			return reply, backoff.Permanent(err)
		}

		next := d.advance(idx)
		d.failovers.Add(ctx, 1, metric.WithAttributes(attribute.String("site.url", site.URL())))
		span.AddEvent("failover", trace.WithAttributes(
			attribute.String("from", site.URL()),
			attribute.String("to", d.sites[next].URL()),
		))
		log.Printf("[dispatch] %s %s failed at %s, next %s: %v", env.Kind, env.Payload.Code, site.URL(), d.sites[next].URL(), err)
		return reply, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(d.cfg.Pause)),
		backoff.WithMaxTries(uint(len(d.sites))),
		backoff.WithMaxElapsedTime(0),
	)
	span.SetAttributes(attribute.Int("dispatch.attempts", attempts))
	if err == nil {
		return reply, nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if errors.Is(err, protocol.ErrMalformed) {
		log.Printf("[dispatch] %s %s rejected as malformed: %v", env.Kind, env.Payload.Code, err)
		return reply, err
	}

	d.recordUnresolved(env, attempts, err)
	if ctx.Err() != nil {
		return protocol.Reply{}, fmt.Errorf("dispatch abandoned after %d attempts: %w", attempts, err)
	}
	return protocol.Reply{}, fmt.Errorf("%w after %d attempts: %v", ErrAllSitesFailed, attempts, err)
}

func (d *Dispatcher) attempt(ctx context.Context, site Site, env protocol.Envelope) (protocol.Reply, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()
	return site.Send(ctx, env)
}

func (d *Dispatcher) recordUnresolved(env protocol.Envelope, attempts int, cause error) {
	urls := make([]string, len(d.sites))
	for i, s := range d.sites {
		urls[i] = s.URL()
	}
	entry := UnresolvedEntry{
		RequestID:  env.ID(),
		Kind:       env.Kind,
		Envelope:   env,
		Sites:      urls,
		Attempts:   attempts,
		Error:      cause.Error(),
		RecordedAt: d.cfg.Now().UTC(),
	}
	if d.unresolved == nil {
		log.Printf("[dispatch] unresolved %s %s (id=%s): %v", env.Kind, env.Payload.Code, entry.RequestID, cause)
		return
	}
	if err := d.unresolved.Append(entry); err != nil {
		log.Printf("[dispatch] failed to record unresolved %s %s (id=%s): %v", env.Kind, env.Payload.Code, entry.RequestID, err)
		return
	}
	log.Printf("[dispatch] %s %s recorded as unresolved in %s", env.Kind, env.Payload.Code, d.unresolved.Path())
}

// ReadUnresolved loads the unresolved-operations log at path.
func ReadUnresolved(path string) ([]UnresolvedEntry, error) {
	return journal.ReadAll[UnresolvedEntry](path, func(line int, err error) {
		log.Printf("[dispatch] skipping unresolved line %d: %v", line, err)
	})
}
