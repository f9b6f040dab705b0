package catalog

import (
	"errors"
	"time"
)

var (
	// ErrUnknownBook is returned when a code is not in the catalog.
	ErrUnknownBook = errors.New("book not in catalog")
	// ErrInvalidField rejects text that would break the line format.
	ErrInvalidField = errors.New("field contains a separator")
)

// BookRecord is the availability of one title at a site. Records are
// never deleted, only updated.
type BookRecord struct {
	Code            string `json:"codigo"`
	Title           string `json:"titulo"`
	Author          string `json:"autor"`
	AvailableCopies int    `json:"ejemplares"`
	Site            string `json:"sede"`
}

// Backend persists the whole catalog. Save must leave the backend in a
// state from which Load returns exactly the saved records.
type Backend interface {
	Load() ([]BookRecord, error)
	Save(records []BookRecord) error
	// Backup writes a point-in-time copy next to the primary data and
	// returns its location.
	Backup(at time.Time) (string, error)
	Close() error
}

// BackupSuffix is the timestamp layout appended to backup names.
const BackupSuffix = "20060102_150405"
