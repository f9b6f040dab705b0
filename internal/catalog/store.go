// Package catalog holds a site's book availability in memory and persists it
// through a pluggable Backend.
package catalog

import (
	"fmt"
	"time"
)

// Store is the in-memory catalog of one site. It is not safe for
// concurrent use; the storage manager serializes every access.
type Store struct {
	backend Backend
	books   map[string]BookRecord
	order   []string
}

// Open loads every record from backend.
func Open(backend Backend) (*Store, error) {
	records, err := backend.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}

	s := &Store{
		backend: backend,
		books:   make(map[string]BookRecord, len(records)),
	}
	for _, r := range records {
		s.put(r)
	}
	return s, nil
}

// Get returns the record for code.
func (s *Store) Get(code string) (BookRecord, bool) {
	r, ok := s.books[code]
	return r, ok
}

// Update replaces the record with the same code, or adds it, and persists
// the whole catalog.
func (s *Store) Update(r BookRecord) error {
	prev, existed := s.books[r.Code]
	s.put(r)
	if err := s.Persist(); err != nil {
		if existed {
			s.books[r.Code] = prev
		} else {
			s.remove(r.Code)
		}
		return err
	}
	return nil
}

// Adjust adds delta to the available copies of code and persists. When
// clamp is set the result never drops below zero.
func (s *Store) Adjust(code string, delta int, clamp bool) (BookRecord, error) {
	r, ok := s.books[code]
	if !ok {
		return BookRecord{}, fmt.Errorf("%w: %s", ErrUnknownBook, code)
	}
	r.AvailableCopies += delta
	if clamp && r.AvailableCopies < 0 {
		r.AvailableCopies = 0
	}
	if err := s.Update(r); err != nil {
		return BookRecord{}, err
	}
	return r, nil
}

// Persist writes the full catalog to the backend.
func (s *Store) Persist() error {
	if err := s.backend.Save(s.Records()); err != nil {
		return fmt.Errorf("failed to save catalog: %w", err)
	}
	return nil
}

// Backup asks the backend for a point-in-time copy.
func (s *Store) Backup(at time.Time) (string, error) {
	return s.backend.Backup(at)
}

// Records returns the catalog in load order, new codes last.
func (s *Store) Records() []BookRecord {
	out := make([]BookRecord, 0, len(s.order))
	for _, code := range s.order {
		out = append(out, s.books[code])
	}
	return out
}

func (s *Store) Len() int { return len(s.books) }

func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) put(r BookRecord) {
	if _, ok := s.books[r.Code]; !ok {
		s.order = append(s.order, r.Code)
	}
	s.books[r.Code] = r
}

func (s *Store) remove(code string) {
	delete(s.books, code)
	for i, c := range s.order {
		if c == code {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}
