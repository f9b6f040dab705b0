package oplog

import (
	"context"
	"log"
	"sync"

	"libralink/internal/journal"
)

// FileLog keeps the operation log in a JSON-lines file. Ids are line
// ordinals assigned at append time.
type FileLog struct {
	mu     sync.Mutex
	w      *journal.Writer
	nextID int64
}

// OpenFile opens or creates the log at path.
func OpenFile(path string) (*FileLog, error) {
	existing, err := journal.ReadAll[Entry](path, func(line int, err error) {
		log.Printf("oplog: skipping line %d of %s: %v", line, path, err)
	})
	if err != nil {
		return nil, err
	}
	w, err := journal.Open(path)
	if err != nil {
		return nil, err
	}

	var last int64
	for _, e := range existing {
		if e.ID > last {
			last = e.ID
		}
	}
	return &FileLog{w: w, nextID: last + 1}, nil
}

func (f *FileLog) Append(_ context.Context, e Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	e.ID = f.nextID
	if err := f.w.Append(e); err != nil {
		return err
	}
	f.nextID++
	return nil
}

func (f *FileLog) Entries(_ context.Context, afterID int64, limit int) ([]Entry, error) {
	all, err := journal.ReadAll[Entry](f.w.Path(), nil)
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range all {
		if e.ID <= afterID {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *FileLog) Close() error {
	return f.w.Close()
}
