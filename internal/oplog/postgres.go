package oplog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const schema = `
CREATE TABLE IF NOT EXISTS operation_log (
	id BIGSERIAL PRIMARY KEY,
	entry_type TEXT NOT NULL,
	book_code TEXT NOT NULL,
	request_id TEXT NOT NULL,
	site TEXT NOT NULL,
	replicated BOOLEAN NOT NULL DEFAULT FALSE,
	entry_data JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (request_id, entry_type, site)
);`

// PostgresLog stores the operation log in a Postgres table. An entry whose
// request id, type and site were already recorded is accepted silently, so
// a redelivered operation leaves a single row.
type PostgresLog struct {
	db     *sql.DB
	tracer trace.Tracer
}

// NewPostgresLog wraps db and creates the table if needed.
func NewPostgresLog(ctx context.Context, db *sql.DB) (*PostgresLog, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("create operation_log: %w", err)
	}
	return &PostgresLog{
		db:     db,
		tracer: otel.Tracer("libralink/oplog"),
	}, nil
}

// Append inserts e inside a transaction.
func (p *PostgresLog) Append(ctx context.Context, e Entry) error {
	ctx, span := p.tracer.Start(ctx, "oplog.append",
		trace.WithAttributes(
			attribute.String("entry.type", string(e.Type)),
			attribute.String("book.code", e.Code),
			attribute.String("request.id", e.RequestID),
			attribute.Bool("replicated", e.Replicated),
		),
	)
	defer span.End()

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO operation_log (entry_type, book_code, request_id, site, replicated, entry_data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, string(e.Type), e.Code, e.RequestID, e.Site, e.Replicated, data, e.RecordedAt).Scan(&id)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			span.SetAttributes(attribute.Bool("already.recorded", true))
			return nil
		}
		span.RecordError(err)
		return fmt.Errorf("insert entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	span.SetAttributes(attribute.Int64("entry.id", id))
	return nil
}

// Entries streams the log by id, like a projection cursor.
func (p *PostgresLog) Entries(ctx context.Context, afterID int64, limit int) ([]Entry, error) {
	ctx, span := p.tracer.Start(ctx, "oplog.entries",
		trace.WithAttributes(
			attribute.Int64("after.id", afterID),
			attribute.Int("limit", limit),
		),
	)
	defer span.End()

	query := `
		SELECT id, entry_data
		FROM operation_log
		WHERE id > $1
		ORDER BY id ASC
	`
	args := []interface{}{afterID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			id   int64
			data []byte
		)
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decode entry %d: %w", id, err)
		}
		e.ID = id
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}

	span.SetAttributes(attribute.Int("entries.loaded", len(entries)))
	return entries, nil
}

func (p *PostgresLog) Close() error {
	return p.db.Close()
}
