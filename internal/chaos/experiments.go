// internal/chaos/experiments.go
package chaos

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"libralink/internal/protocol"
)

// Options tunes the predefined experiments.
type Options struct {
	Duration time.Duration
	Settle   time.Duration
	Sample   time.Duration
	// Book is a code present at both sites, used by experiments that send
	// operations.
	Book        string
	Latency     time.Duration
	Concurrency int
}

func DefaultOptions() Options {
	return Options{
		Duration:    15 * time.Second,
		Settle:      30 * time.Second,
		Sample:      time.Second,
		Book:        "B1",
		Latency:     5 * time.Second,
		Concurrency: 20,
	}
}

// RegisterExperiments registers all predefined experiments against the
// two sites a and b.
func (e *Engine) RegisterExperiments(a, b *Probe, opts Options) {
	e.Register(PartitionExperiment(a, b, opts))
	e.Register(ReplicationLatencyExperiment(a, b, opts))
	e.Register(ConcurrentLoanExperiment(a, b, opts))
}

func peerAlive(p *Probe) Metric {
	return Metric{
		Name: p.Name + ".peer_alive",
		Query: func(ctx context.Context) (float64, error) {
			st, err := p.Status(ctx)
			if err != nil {
				return 0, err
			}
			if st.PeerAlive {
				return 1, nil
			}
			return 0, nil
		},
		Threshold: Threshold{Operator: "==", Value: 1},
	}
}

func pending(ctx context.Context, p *Probe) (float64, error) {
	st, err := p.Status(ctx)
	return float64(st.Pending), err
}

func recovered(a, b *Probe) []Assertion {
	var out []Assertion
	for _, p := range []*Probe{a, b} {
		out = append(out,
			Assertion{
				Metric:    p.Name + ".peer_alive",
				Query:     peerAlive(p).Query,
				Condition: func(v float64) bool { return v == 1 },
				Message:   p.Name + " sees its peer alive again",
			},
			Assertion{
				Metric:    p.Name + ".pending",
				Query:     func(ctx context.Context) (float64, error) { return pending(ctx, p) },
				Condition: func(v float64) bool { return v == 0 },
				Message:   p.Name + " drained its pending queue",
			},
		)
	}
	return out
}

// PartitionExperiment cuts both directions between the sites.
func PartitionExperiment(a, b *Probe, opts Options) Experiment {
	return Experiment{
		Name:        "site-partition",
		Hypothesis:  "Both sites keep serving alone during a partition and converge after it heals",
		SteadyState: []Metric{peerAlive(a), peerAlive(b)},
		Method: []Action{
			{Type: "partition", Target: a.Name, Execute: func(ctx context.Context) error { return a.Partition(ctx) }},
			{Type: "partition", Target: b.Name, Execute: func(ctx context.Context) error { return b.Partition(ctx) }},
			{Type: "operations", Target: a.Name, Execute: renewals(a, opts.Book, 5)},
		},
		Rollback: []Action{
			{Type: "heal", Target: a.Name, Execute: func(ctx context.Context) error { return a.Heal(ctx) }},
			{Type: "heal", Target: b.Name, Execute: func(ctx context.Context) error { return b.Heal(ctx) }},
		},
		Validation:     recovered(a, b),
		Duration:       opts.Duration,
		Settle:         opts.Settle,
		SampleInterval: opts.Sample,
	}
}

// ReplicationLatencyExperiment slows every outbound call of site a past
// the replication timeout.
func ReplicationLatencyExperiment(a, b *Probe, opts Options) Experiment {
	return Experiment{
		Name:        "replication-latency",
		Hypothesis:  "Operations that time out during replication are queued once and replayed after recovery",
		SteadyState: []Metric{peerAlive(a), peerAlive(b)},
		Method: []Action{
			{Type: "latency", Target: a.Name, Execute: func(ctx context.Context) error { return a.Latency(ctx, opts.Latency) }},
			{Type: "operations", Target: a.Name, Execute: renewals(a, opts.Book, 3)},
		},
		Rollback: []Action{
			{Type: "heal", Target: a.Name, Execute: func(ctx context.Context) error { return a.Heal(ctx) }},
		},
		Validation:     recovered(a, b),
		Duration:       opts.Duration,
		Settle:         opts.Settle,
		SampleInterval: opts.Sample,
	}
}

// ConcurrentLoanExperiment fires concurrent loans of one book at site a.
func ConcurrentLoanExperiment(a, b *Probe, opts Options) Experiment {
	var granted atomic.Int64
	negative := func(p *Probe) Metric {
		return Metric{
			Name: p.Name + ".negative_copies",
			Query: func(ctx context.Context) (float64, error) {
				books, err := p.Books(ctx)
				if err != nil {
					return 0, err
				}
				n := 0
				for _, bk := range books {
					if bk.AvailableCopies < 0 {
						n++
					}
				}
				return float64(n), nil
			},
			Threshold: Threshold{Operator: "==", Value: 0},
		}
	}
	na, nb := negative(a), negative(b)

	return Experiment{
		Name:        "concurrent-loan-race",
		Hypothesis:  "Concurrent loans of one book never drive its copies below zero at either site",
		SteadyState: []Metric{na, nb},
		Method: []Action{{
			Type:   "concurrent-loans",
			Target: a.Name,
			Execute: func(ctx context.Context) error {
				var wg sync.WaitGroup
				for i := 0; i < opts.Concurrency; i++ {
					wg.Add(1)
					go func(i int) {
						defer wg.Done()
						env := protocol.NewEnvelope(protocol.KindLoan, protocol.LoanRequest{Code: opts.Book}, time.Now())
						env.RequestID = fmt.Sprintf("chaos-loan-%d-%d", time.Now().UnixNano(), i)
						reply, err := a.Client().Send(ctx, env)
						if err == nil && reply.Success {
							granted.Add(1)
						}
					}(i)
				}
				wg.Wait()
				log.Printf("[chaos] %d of %d concurrent loans of %s granted at %s", granted.Load(), opts.Concurrency, opts.Book, a.Name)
				return nil
			},
		}},
		Validation: []Assertion{
			{Metric: na.Name, Query: na.Query, Condition: func(v float64) bool { return v == 0 }, Message: a.Name + " has no negative counts"},
			{Metric: nb.Name, Query: nb.Query, Condition: func(v float64) bool { return v == 0 }, Message: b.Name + " has no negative counts"},
		},
		Duration:       opts.Sample,
		Settle:         opts.Settle,
		SampleInterval: opts.Sample,
	}
}

// renewals sends n renewals of book to p; they succeed locally whatever
// the peer's state.
func renewals(p *Probe, book string, n int) func(context.Context) error {
	return func(ctx context.Context) error {
		for i := 0; i < n; i++ {
			env := protocol.NewEnvelope(protocol.KindRenew, protocol.LoanRequest{Code: book}, time.Now())
			env.RequestID = fmt.Sprintf("chaos-renew-%d-%d", time.Now().UnixNano(), i)
			reply, err := p.Client().Send(ctx, env)
			if err != nil {
				return err
			}
			if !reply.Success {
				return fmt.Errorf("renewal of %s rejected at %s: %s", book, p.Name, reply.Message)
			}
		}
		return nil
	}
}
