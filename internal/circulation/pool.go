package circulation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"runtime/debug"
	"sync"

	"libralink/internal/protocol"
)

// Response is what a worker hands back for one request.
type Response struct {
	Status int
	Body   any
}

type job struct {
	ctx   context.Context
	data  []byte
	reply chan Response
}

// Pool hands raw requests to a fixed set of workers through a single
// unbuffered channel. Each worker decodes, applies and replies on its own.
type Pool struct {
	svc     Service
	workers int
	jobs    chan job
	quit    chan struct{}

	once sync.Once
	wg   sync.WaitGroup
}

// NewPool creates a pool of n workers in front of svc.
func NewPool(svc Service, n int) *Pool {
	if n <= 0 {
		n = 4
	}
	return &Pool{
		svc:     svc,
		workers: n,
		jobs:    make(chan job),
		quit:    make(chan struct{}),
	}
}

// Start launches the workers.
func (p *Pool) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.work(i)
	}
	log.Printf("[%s] %d workers ready", p.svc.Site(), p.workers)
}

// Stop makes new submissions fail and waits for running requests.
func (p *Pool) Stop() {
	p.once.Do(func() { close(p.quit) })
	p.wg.Wait()
}

// Submit hands data to the next free worker and waits for its reply.
func (p *Pool) Submit(ctx context.Context, data []byte) (Response, error) {
	reply := make(chan Response, 1)
	select {
	case p.jobs <- job{ctx: ctx, data: data, reply: reply}:
	case <-p.quit:
		return Response{}, ErrShuttingDown
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}

	select {
	case resp := <-reply:
		return resp, nil
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

func (p *Pool) work(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.quit:
			return
		case j := <-p.jobs:
			j.reply <- p.handle(j.ctx, id, j.data)
		}
	}
}

// handle never lets a panic escape; the service releases its lock with
// defer on every path.
func (p *Pool) handle(ctx context.Context, worker int, data []byte) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[%s] worker %d recovered from panic: %v\n%s", p.svc.Site(), worker, r, debug.Stack())
			resp = Response{Status: http.StatusInternalServerError, Body: protocol.Failure(p.svc.Site(), fmt.Sprintf("error interno: %v", r))}
		}
	}()

	env, err := protocol.DecodeEnvelope(data)
	if err != nil {
		log.Printf("[%s] rejected request: %v", p.svc.Site(), err)
		return Response{Status: http.StatusBadRequest, Body: protocol.Failure(p.svc.Site(), err.Error())}
	}
	return Dispatch(ctx, p.svc, env)
}

// Dispatch applies env to svc and builds the wire reply.
func Dispatch(ctx context.Context, svc Service, env protocol.Envelope) Response {
	site := svc.Site()

	switch env.Kind {
	case protocol.KindCheckAvailability:
		return Response{Status: http.StatusOK, Body: svc.CheckAvailability(ctx, env.Payload.Code)}

	case protocol.KindLoan:
		res, err := svc.Loan(ctx, env)
		if errors.Is(err, ErrUnavailable) {
			return Response{Status: http.StatusOK, Body: protocol.Failure(site, "No se pudo realizar el préstamo")}
		}
		if err != nil {
			return internalError(site, err)
		}
		return Response{Status: http.StatusOK, Body: protocol.OperationReply{
			Success:   true,
			Message:   fmt.Sprintf("Préstamo registrado en %s. Ejemplares restantes: %d", site, res.Book.AvailableCopies),
			Remaining: protocol.IntPtr(res.Book.AvailableCopies),
			DueDate:   &res.DueDate,
			Site:      site,
		}}

	case protocol.KindReturn:
		res, err := svc.Return(ctx, env)
		if errors.Is(err, ErrNotFound) {
			return Response{Status: http.StatusOK, Body: protocol.Failure(site, "Libro no encontrado en BD")}
		}
		if err != nil {
			return internalError(site, err)
		}
		return Response{Status: http.StatusOK, Body: protocol.OperationReply{
			Success:   true,
			Message:   fmt.Sprintf("Devolución registrada en %s. Ejemplares: %d", site, res.Book.AvailableCopies),
			Remaining: protocol.IntPtr(res.Book.AvailableCopies),
			Site:      site,
		}}

	case protocol.KindRenew:
		res, err := svc.Renew(ctx, env)
		if err != nil {
			return internalError(site, err)
		}
		return Response{Status: http.StatusOK, Body: protocol.OperationReply{
			Success: true,
			Message: fmt.Sprintf("Renovación registrada en %s hasta %s", site, res.DueDate),
			DueDate: &res.DueDate,
			Site:    site,
		}}
	}

	return Response{Status: http.StatusBadRequest, Body: protocol.Failure(site, fmt.Sprintf("operación no soportada: %s", env.Kind))}
}

func internalError(site string, err error) Response {
	log.Printf("[%s] operation failed: %v", site, err)
	return Response{Status: http.StatusInternalServerError, Body: protocol.Failure(site, err.Error())}
}
