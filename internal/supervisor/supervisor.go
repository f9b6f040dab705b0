// Package supervisor runs long-lived loops one iteration at a time and
// restarts them after recoverable failures.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Outcome classifies one iteration of a loop.
type Outcome int

const (
	OK Outcome = iota
	Recoverable
	Fatal
)

func (o Outcome) String() string {
	switch o {
	case OK:
		return "ok"
	case Recoverable:
		return "recoverable"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Result is what a Step reports.
type Result struct {
	Outcome Outcome
	Err     error
}

func Done() Result { return Result{Outcome: OK} }
func Retry(err error) Result { return Result{Outcome: Recoverable, Err: err} }
func Stop(err error) Result { return Result{Outcome: Fatal, Err: err} }
func (r Result) String() string { return fmt.Sprintf("%s: %v", r.Outcome, r.Err) }
func (r Result) Failed() bool { return r.Outcome != OK }

// Step is one iteration of a supervised loop.
type Step func(ctx context.Context) Result

// ErrTooManyRestarts is returned when a loop exceeds its restart budget.
var ErrTooManyRestarts = errors.New("too many restarts")

// Policy decides how recoverable failures are retried.
type Policy struct {
	// MaxRestarts caps consecutive recoverable failures; zero means no cap.
	MaxRestarts int
	// NewBackOff builds the delay schedule; nil uses an exponential backoff
	// between 100ms and 5s.
	NewBackOff func() backoff.BackOff
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	return b
}

// Run calls step until ctx is done or step reports Fatal. Panics count as
// recoverable failures.
func Run(ctx context.Context, name string, step Step, p Policy) error {
	newBackOff := p.NewBackOff
	if newBackOff == nil {
		newBackOff = defaultBackOff
	}
	b := newBackOff()
	failures := 0

	for {
		if ctx.Err() != nil {
			return nil
		}

		res := safeStep(ctx, name, step)
		switch res.Outcome {
		case OK:
			if failures > 0 {
				b.Reset()
				failures = 0
			}
			continue
		case Fatal:
			log.Printf("[%s] stopped: %v", name, res.Err)
			return res.Err
		}

		failures++
		if p.MaxRestarts > 0 && failures > p.MaxRestarts {
			return fmt.Errorf("%s: %w: %v", name, ErrTooManyRestarts, res.Err)
		}
		delay := b.NextBackOff()
		if delay == backoff.Stop {
			return fmt.Errorf("%s: %w: %v", name, ErrTooManyRestarts, res.Err)
		}
		log.Printf("[%s] restarting in %s after: %v", name, delay, res.Err)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func safeStep(ctx context.Context, name string, step Step) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[%s] panic: %v\n%s", name, r, debug.Stack())
			res = Retry(fmt.Errorf("panic: %v", r))
		}
	}()
	return step(ctx)
}
