// internal/circulation/implementation.go
package circulation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"libralink/internal/catalog"
	"libralink/internal/oplog"
	"libralink/internal/protocol"
)

// service implements the Service interface.
type service struct {
	mu sync.Mutex

	cfg        Config
	store      *catalog.Store
	oplog      oplog.Log
	replicator Replicator

	tracer trace.Tracer
	ops    metric.Int64Counter
}

// NewService creates the storage manager for one site. A nil replicator
// disables outbound replication.
func NewService(cfg Config, store *catalog.Store, opLog oplog.Log, replicator Replicator) Service {
	def := DefaultConfig(cfg.Site)
	if cfg.LoanWindow <= 0 {
		cfg.LoanWindow = def.LoanWindow
	}
	if cfg.RenewalDays <= 0 {
		cfg.RenewalDays = def.RenewalDays
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.Now == nil {
		cfg.Now = def.Now
	}
	if replicator == nil {
		replicator = noopReplicator{}
	}

	ops, _ := otel.Meter("libralink/circulation").Int64Counter("circulation.operations")
	return &service{
		cfg:        cfg,
		store:      store,
		oplog:      opLog,
		replicator: replicator,
		tracer:     otel.Tracer("libralink/circulation"),
		ops:        ops,
	}
}

func (s *service) Site() string { return s.cfg.Site }

func (s *service) start(ctx context.Context, name string, env protocol.Envelope) (context.Context, trace.Span) {
	ctx, span := s.tracer.Start(ctx, name,
		trace.WithAttributes(
			attribute.String("site", s.cfg.Site),
			attribute.String("op.kind", string(env.Kind)),
			attribute.String("book.code", env.Payload.Code),
			attribute.String("request.id", env.ID()),
		),
	)
	s.ops.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op.kind", string(env.Kind)),
		attribute.String("site", s.cfg.Site),
	))
	return ctx, span
}

func finish(span trace.Span, err error) {
	if err != nil && !errors.Is(err, ErrUnavailable) && !errors.Is(err, ErrNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// CheckAvailability reports the copies on hand for code.
func (s *service) CheckAvailability(ctx context.Context, code string) protocol.AvailabilityReply {
	code = strings.TrimSpace(code)
	_, span := s.tracer.Start(ctx, "circulation.check_availability",
		trace.WithAttributes(attribute.String("site", s.cfg.Site), attribute.String("book.code", code)))
	defer span.End()

	s.mu.Lock()
	rec, ok := s.store.Get(code)
	s.mu.Unlock()

	switch {
	case !ok:
		return protocol.AvailabilityReply{Available: false, Site: s.cfg.Site, Message: "Libro no existe en BD", Reason: protocol.ReasonNotFound}
	case rec.AvailableCopies <= 0:
		return protocol.AvailabilityReply{Available: false, Copies: protocol.IntPtr(0), Site: s.cfg.Site, Message: "No hay ejemplares disponibles", Reason: protocol.ReasonNoCopies}
	default:
		return protocol.AvailabilityReply{Available: true, Copies: protocol.IntPtr(rec.AvailableCopies), Site: s.cfg.Site}
	}
}

// Loan takes one copy of the book, records the loan and schedules
// replication.
func (s *service) Loan(ctx context.Context, env protocol.Envelope) (res Result, err error) {
	ctx, span := s.start(ctx, "circulation.loan", env)
	defer func() { finish(span, err) }()

	now := s.cfg.Now()
	out := s.outbound(env, now)
	span.SetAttributes(attribute.String("request.id", out.RequestID))
	req := out.Payload

	s.mu.Lock()
	rec, ok := s.store.Get(req.Code)
	if !ok || rec.AvailableCopies <= 0 {
		s.mu.Unlock()
		return Result{}, fmt.Errorf("%w: %s", ErrUnavailable, req.Code)
	}
	rec, err = s.store.Adjust(req.Code, -1, false)
	if err != nil {
		s.mu.Unlock()
		return Result{}, fmt.Errorf("failed to decrement copies: %w", err)
	}
	s.record(ctx, oplog.NewEntry(oplog.TypeLoan, req, out.RequestID, s.cfg.Site, false, now))
	s.mu.Unlock()

	span.SetAttributes(attribute.Int("copies.remaining", rec.AvailableCopies))
	s.replicator.Replicate(out)
	return Result{Book: rec, DueDate: req.DueDate}, nil
}

// Return puts one copy back and schedules replication.
func (s *service) Return(ctx context.Context, env protocol.Envelope) (res Result, err error) {
	ctx, span := s.start(ctx, "circulation.return", env)
	defer func() { finish(span, err) }()

	out := s.outbound(env, s.cfg.Now())
	span.SetAttributes(attribute.String("request.id", out.RequestID))

	s.mu.Lock()
	if _, ok := s.store.Get(out.Payload.Code); !ok {
		s.mu.Unlock()
		return Result{}, fmt.Errorf("%w: %s", ErrNotFound, out.Payload.Code)
	}
	rec, err := s.store.Adjust(out.Payload.Code, 1, false)
	s.mu.Unlock()
	if err != nil {
		return Result{}, fmt.Errorf("failed to increment copies: %w", err)
	}

	span.SetAttributes(attribute.Int("copies.remaining", rec.AvailableCopies))
	s.replicator.Replicate(out)
	return Result{Book: rec}, nil
}

// Renew advances the due date. It does not consult the catalog. The peer
// receives the pre-renewal request and computes the same due date.
func (s *service) Renew(ctx context.Context, env protocol.Envelope) (res Result, err error) {
	ctx, span := s.start(ctx, "circulation.renew", env)
	defer func() { finish(span, err) }()

	now := s.cfg.Now()
	out := s.outbound(env, now)
	span.SetAttributes(attribute.String("request.id", out.RequestID))
	renewed := s.renewed(out.Payload)

	s.mu.Lock()
	rec, _ := s.store.Get(renewed.Code)
	s.record(ctx, oplog.NewEntry(oplog.TypeRenewal, renewed, out.RequestID, s.cfg.Site, false, now))
	s.mu.Unlock()

	span.SetAttributes(attribute.String("due.date", renewed.DueDate.String()))
	s.replicator.Replicate(out)
	return Result{Book: rec, DueDate: renewed.DueDate}, nil
}

// ApplyReplicated mirrors a peer's operation. Loans clamp at zero copies,
// and unknown codes are accepted as no-ops.
func (s *service) ApplyReplicated(ctx context.Context, env protocol.Envelope) (res Result, err error) {
	ctx, span := s.start(ctx, "circulation.apply_replicated", env)
	defer func() { finish(span, err) }()

	if !env.Kind.Mutating() {
		return Result{}, fmt.Errorf("%w: %q cannot be replicated", protocol.ErrMalformed, env.Kind)
	}

	now := s.cfg.Now()
	req := env.Payload.WithDefaults(env.Timestamp.Time(), s.cfg.LoanWindow)
	id := env.ID()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, known := s.store.Get(req.Code)
	switch env.Kind {
	case protocol.KindLoan:
		if !known {
			log.Printf("[%s] replicated loan for unknown book %s ignored", s.cfg.Site, req.Code)
			return Result{}, nil
		}
		if rec.AvailableCopies <= 0 {
			log.Printf("[%s] replicated loan of %s with no copies on hand, clamping at zero", s.cfg.Site, req.Code)
		}
		if rec, err = s.store.Adjust(req.Code, -1, true); err != nil {
			return Result{}, err
		}
		s.record(ctx, oplog.NewEntry(oplog.TypeLoan, req, id, s.cfg.Site, true, now))
		return Result{Book: rec, DueDate: req.DueDate}, nil

	case protocol.KindReturn:
		if !known {
			log.Printf("[%s] replicated return for unknown book %s ignored", s.cfg.Site, req.Code)
			return Result{}, nil
		}
		if rec, err = s.store.Adjust(req.Code, 1, false); err != nil {
			return Result{}, err
		}
		return Result{Book: rec}, nil

	default:
		renewed := s.renewed(req)
		s.record(ctx, oplog.NewEntry(oplog.TypeRenewal, renewed, id, s.cfg.Site, true, now))
		return Result{Book: rec, DueDate: renewed.DueDate}, nil
	}
}

// Backup snapshots the catalog under the site lock.
func (s *service) Backup(ctx context.Context) (string, error) {
	_, span := s.tracer.Start(ctx, "circulation.backup", trace.WithAttributes(attribute.String("site", s.cfg.Site)))
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.store.Backup(s.cfg.Now())
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to back up catalog: %w", err)
	}
	return path, nil
}

func (s *service) Book(_ context.Context, code string) (catalog.BookRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Get(code)
}

func (s *service) Books(_ context.Context) []catalog.BookRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Records()
}

// outbound pins the request id and fills default dates so that the peer
// applies exactly what this site applied. A request without an id gets a
// fresh one: a payload fingerprint would merge distinct operations on the
// same book within one second.
func (s *service) outbound(env protocol.Envelope, now time.Time) protocol.Envelope {
	if env.RequestID == "" {
		env.RequestID = uuid.NewString()
	}
	env.Payload.Code = strings.TrimSpace(env.Payload.Code)
	env.Payload = env.Payload.WithDefaults(now, s.cfg.LoanWindow)
	if env.Timestamp == 0 {
		env.Timestamp = protocol.EpochOf(now)
	}
	return env
}

func (s *service) renewed(req protocol.LoanRequest) protocol.LoanRequest {
	req.DueDate = req.DueDate.AddDays(s.cfg.RenewalDays)
	return req
}

// record appends to the operation log. The catalog is already persisted,
// so a log failure is reported but does not undo the operation.
func (s *service) record(ctx context.Context, e oplog.Entry) {
	if s.oplog == nil {
		return
	}
	if err := s.oplog.Append(ctx, e); err != nil {
		log.Printf("[%s] failed to append %s for %s to operation log: %v", s.cfg.Site, e.Type, e.Code, err)
		trace.SpanFromContext(ctx).RecordError(err)
	}
}
