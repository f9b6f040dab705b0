package catalog

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// TextFile stores the catalog as one pipe-delimited line per book:
//
//	codigo|titulo|autor|ejemplares|sede
//
// Every Save rewrites the file in full through a temporary file.
type TextFile struct {
	Path string
	// ReplicaPath is read when Path does not exist yet.
	ReplicaPath string
}

// NewTextFile returns a text backend for path with an optional replica.
func NewTextFile(path, replicaPath string) *TextFile {
	return &TextFile{Path: path, ReplicaPath: replicaPath}
}

func (t *TextFile) Load() ([]BookRecord, error) {
	for _, path := range []string{t.Path, t.ReplicaPath} {
		if path == "" {
			continue
		}
		f, err := os.Open(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		records, err := parseLines(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		log.Printf("catalog loaded from %s with %d books", path, len(records))
		return records, nil
	}

	log.Printf("catalog not found, creating empty %s", t.Path)
	if err := t.Save(nil); err != nil {
		return nil, err
	}
	return nil, nil
}

func parseLines(r io.Reader) ([]BookRecord, error) {
	var records []BookRecord
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		rec, err := parseLine(text)
		if err != nil {
			// Header rows and hand-edited garbage are skipped.
			if line > 1 {
				log.Printf("catalog: skipping line %d: %v", line, err)
			}
			continue
		}
		records = append(records, rec)
	}
	return records, scanner.Err()
}

func parseLine(text string) (BookRecord, error) {
	parts := strings.Split(text, "|")
	if len(parts) < 5 {
		return BookRecord{}, fmt.Errorf("expected 5 fields, got %d", len(parts))
	}
	copies, err := strconv.Atoi(strings.TrimSpace(parts[3]))
	if err != nil {
		return BookRecord{}, fmt.Errorf("invalid copies %q", parts[3])
	}
	if copies < 0 {
		copies = 0
	}
	return BookRecord{
		Code:            strings.TrimSpace(parts[0]),
		Title:           parts[1],
		Author:          parts[2],
		AvailableCopies: copies,
		Site:            strings.TrimSpace(parts[4]),
	}, nil
}

// checkFields rejects values that cannot round-trip through one line.
func checkFields(r BookRecord) error {
	for name, v := range map[string]string{"codigo": r.Code, "titulo": r.Title, "autor": r.Author, "sede": r.Site} {
		if strings.ContainsAny(v, "|\r\n") {
			return fmt.Errorf("%w: %s of %s is %q", ErrInvalidField, name, r.Code, v)
		}
	}
	return nil
}

func (t *TextFile) Save(records []BookRecord) error {
	for _, r := range records {
		if err := checkFields(r); err != nil {
			return err
		}
	}

	dir := filepath.Dir(t.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create catalog dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(t.Path)+".tmp*")
	if err != nil {
		return fmt.Errorf("create temp catalog: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	for _, r := range records {
		fmt.Fprintf(w, "%s|%s|%s|%d|%s\n", r.Code, r.Title, r.Author, r.AvailableCopies, r.Site)
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("write catalog: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync catalog: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close catalog: %w", err)
	}
	return os.Rename(tmp.Name(), t.Path)
}

// Backup copies the catalog file to <path>.backup_<YYYYMMDD_HHMMSS>.
func (t *TextFile) Backup(at time.Time) (string, error) {
	dst := t.Path + ".backup_" + at.Format(BackupSuffix)

	src, err := os.Open(t.Path)
	if err != nil {
		return "", fmt.Errorf("open catalog for backup: %w", err)
	}
	defer src.Close()

	out, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("create backup: %w", err)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return "", fmt.Errorf("copy backup: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	return dst, nil
}

func (t *TextFile) Close() error { return nil }
