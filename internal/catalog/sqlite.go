package catalog

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite stores the catalog in a single table. Save upserts every record in
// one transaction, so a reload observes exactly the last saved catalog.
type SQLite struct {
	path string
	db   *sql.DB

	upsertStmt *sql.Stmt
}

// NewSQLite opens (or creates) the database at path.
func NewSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; the storage manager already serializes access.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	stmt, err := db.Prepare(`
		INSERT INTO books (codigo, titulo, autor, ejemplares, sede)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(codigo) DO UPDATE SET
			titulo = excluded.titulo,
			autor = excluded.autor,
			ejemplares = excluded.ejemplares,
			sede = excluded.sede`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare upsert: %w", err)
	}

	return &SQLite{path: path, db: db, upsertStmt: stmt}, nil
}

func migrate(db *sql.DB) error {
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return fmt.Errorf("enable WAL: %w", err)
	}
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS books (
		codigo TEXT PRIMARY KEY,
		titulo TEXT NOT NULL,
		autor TEXT NOT NULL,
		ejemplares INTEGER NOT NULL CHECK (ejemplares >= 0),
		sede TEXT NOT NULL
	);`)
	if err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (s *SQLite) Load() ([]BookRecord, error) {
	rows, err := s.db.Query(`SELECT codigo, titulo, autor, ejemplares, sede FROM books ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("query books: %w", err)
	}
	defer rows.Close()

	var records []BookRecord
	for rows.Next() {
		var r BookRecord
		if err := rows.Scan(&r.Code, &r.Title, &r.Author, &r.AvailableCopies, &r.Site); err != nil {
			return nil, fmt.Errorf("scan book: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *SQLite) Save(records []BookRecord) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt := tx.Stmt(s.upsertStmt)
	for _, r := range records {
		if _, err := stmt.Exec(r.Code, r.Title, r.Author, r.AvailableCopies, r.Site); err != nil {
			return fmt.Errorf("upsert %s: %w", r.Code, err)
		}
	}
	return tx.Commit()
}

// Backup writes a consistent copy with VACUUM INTO.
func (s *SQLite) Backup(at time.Time) (string, error) {
	dst := s.path + ".backup_" + at.Format(BackupSuffix)
	if _, err := s.db.Exec(`VACUUM INTO ?`, dst); err != nil {
		return "", fmt.Errorf("vacuum into %s: %w", dst, err)
	}
	return dst, nil
}

func (s *SQLite) Close() error {
	if s.upsertStmt != nil {
		s.upsertStmt.Close()
	}
	return s.db.Close()
}

// Import copies every record into backend, replacing existing codes.
func Import(dst Backend, records []BookRecord) error {
	for _, r := range records {
		if err := checkFields(r); err != nil {
			return err
		}
	}
	existing, err := dst.Load()
	if err != nil {
		return err
	}
	byCode := make(map[string]int, len(existing))
	for i, r := range existing {
		byCode[r.Code] = i
	}
	for _, r := range records {
		if i, ok := byCode[r.Code]; ok {
			existing[i] = r
			continue
		}
		byCode[r.Code] = len(existing)
		existing = append(existing, r)
	}
	return dst.Save(existing)
}
