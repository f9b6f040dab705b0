// internal/circulation/service.go
package circulation

import (
	"context"

	"libralink/internal/catalog"
	"libralink/internal/protocol"
)

// Service defines the storage manager of one site. Every method runs under
// the same site-wide lock.
type Service interface {
	CheckAvailability(ctx context.Context, code string) protocol.AvailabilityReply
	Loan(ctx context.Context, env protocol.Envelope) (Result, error)
	Return(ctx context.Context, env protocol.Envelope) (Result, error)
	Renew(ctx context.Context, env protocol.Envelope) (Result, error)
	// ApplyReplicated mirrors an operation received from the peer without
	// forwarding it again.
	ApplyReplicated(ctx context.Context, env protocol.Envelope) (Result, error)
	// Backup snapshots the catalog and returns the backup location.
	Backup(ctx context.Context) (string, error)
	Book(ctx context.Context, code string) (catalog.BookRecord, bool)
	Books(ctx context.Context) []catalog.BookRecord
	Site() string
}
