// Package oplog records completed loan transactions for audit.
package oplog

import (
	"context"
	"time"

	"libralink/internal/protocol"
)

// EntryType distinguishes the kinds of log records.
type EntryType string

const (
	TypeLoan    EntryType = "PRESTAMO"
	TypeRenewal EntryType = "RENOVACION"
)

// Entry is one completed transaction at a site.
type Entry struct {
	ID         int64         `json:"id,omitempty"`
	Type       EntryType     `json:"tipo"`
	Code       string        `json:"codigo"`
	Title      string        `json:"titulo"`
	Author     string        `json:"autor"`
	LoanDate   protocol.Date `json:"fecha_prestamo"`
	DueDate    protocol.Date `json:"fecha_devolucion"`
	RequestID  string        `json:"request_id"`
	Site       string        `json:"sede"`
	Replicated bool          `json:"replicado"`
	RecordedAt time.Time     `json:"registrado"`
}

// Log is the append-only operation log of a site.
type Log interface {
	Append(ctx context.Context, e Entry) error
	// Entries returns up to limit entries with an id greater than afterID,
	// oldest first. A limit of zero means no limit.
	Entries(ctx context.Context, afterID int64, limit int) ([]Entry, error)
	Close() error
}

// NewEntry builds an entry from a request.
func NewEntry(t EntryType, req protocol.LoanRequest, requestID, site string, replicated bool, now time.Time) Entry {
	return Entry{
		Type:       t,
		Code:       req.Code,
		Title:      req.Title,
		Author:     req.Author,
		LoanDate:   req.LoanDate,
		DueDate:    req.DueDate,
		RequestID:  requestID,
		Site:       site,
		Replicated: replicated,
		RecordedAt: now.UTC(),
	}
}
