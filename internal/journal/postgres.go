package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

const schema = `
CREATE TABLE IF NOT EXISTS partial_writes (
	id          UUID PRIMARY KEY,
	op          TEXT NOT NULL,
	event_id    TEXT NOT NULL,
	student_id  TEXT NOT NULL,
	side        TEXT NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL DEFAULT 'pending',
	attempts    INT NOT NULL DEFAULT 0,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS partial_writes_pending_idx ON partial_writes (created_at) WHERE status = 'pending';
`

// Postgres keeps the journal in the partial_writes table.
type Postgres struct {
	db *sql.DB
}

// NewPostgres wraps an open pgx-backed sql.DB.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Migrate creates the table and index if missing.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate journal: %w", err)
	}
	return nil
}

// Insert writes a new entry, assigning an id and timestamps when unset.
func (p *Postgres) Insert(ctx context.Context, e *Entry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Status == "" {
		e.Status = StatusPending
	}
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO partial_writes (id, op, event_id, student_id, side, error, status, attempts, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, e.ID, e.Op, e.EventID.Hex(), e.StudentID.Hex(), e.Side, e.Error, string(e.Status), e.Attempts, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert journal entry: %w", err)
	}
	return nil
}

// Get returns a single entry by id.
func (p *Postgres) Get(ctx context.Context, id uuid.UUID) (Entry, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, op, event_id, student_id, side, error, status, attempts, created_at, updated_at
		FROM partial_writes WHERE id = $1
	`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	return e, err
}

// Update records a repair attempt.
func (p *Postgres) Update(ctx context.Context, id uuid.UUID, status Status, attempts int, errText string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE partial_writes
		SET status = $2, attempts = $3, error = $4, updated_at = NOW()
		WHERE id = $1
	`, id, string(status), attempts, errText)
	if err != nil {
		return fmt.Errorf("update journal entry: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListPending returns the oldest pending entries.
func (p *Postgres) ListPending(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, op, event_id, student_id, side, error, status, attempts, created_at, updated_at
		FROM partial_writes
		WHERE status = 'pending'
		ORDER BY created_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var (
		e        Entry
		eventHex string
		stuHex   string
		status   string
	)
	if err := row.Scan(&e.ID, &e.Op, &eventHex, &stuHex, &e.Side, &e.Error, &status, &e.Attempts, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return Entry{}, err
	}
	var err error
	if e.EventID, err = primitive.ObjectIDFromHex(eventHex); err != nil {
		return Entry{}, fmt.Errorf("entry %s event id: %w", e.ID, err)
	}
	if e.StudentID, err = primitive.ObjectIDFromHex(stuHex); err != nil {
		return Entry{}, fmt.Errorf("entry %s student id: %w", e.ID, err)
	}
	e.Status = Status(status)
	return e, nil
}
