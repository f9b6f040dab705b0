// internal/circulation/domain.go
package circulation

import (
	"errors"
	"time"

	"libralink/internal/catalog"
	"libralink/internal/protocol"
)

var (
	// ErrNotFound is returned when a return names an unknown code.
	ErrNotFound = errors.New("book not found")
	// ErrUnavailable is returned when a loan finds no copies on hand. It is
	// a normal negative result.
	ErrUnavailable = errors.New("no copies available")
	// ErrShuttingDown is returned by a stopped pool.
	ErrShuttingDown = errors.New("site is shutting down")
)

// Config holds the per-site settings of the storage manager.
type Config struct {
	Site        string
	Workers     int
	LoanWindow  time.Duration
	RenewalDays int
	Now         func() time.Time
}

// DefaultConfig returns the standard loan rules for site.
func DefaultConfig(site string) Config {
	return Config{
		Site:        site,
		Workers:     4,
		LoanWindow:  14 * 24 * time.Hour,
		RenewalDays: 7,
		Now:         time.Now,
	}
}

// Result describes the state after an operation was applied.
type Result struct {
	Book    catalog.BookRecord
	DueDate protocol.Date
}

// Replicator forwards a locally applied operation to the peer site. It must
// not block on the network.
type Replicator interface {
	Replicate(env protocol.Envelope)
}

type noopReplicator struct{}

func (noopReplicator) Replicate(protocol.Envelope) {}
