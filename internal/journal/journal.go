// Package journal records partial writes of the attendance engine and
// drives their repair.
package journal

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ErrNotFound is returned when no entry has the requested id.
var ErrNotFound = errors.New("journal entry not found")

// Status is the repair state of an entry.
type Status string

const (
	StatusPending  Status = "pending"
	StatusResolved Status = "resolved"
	StatusFailed   Status = "failed"
)

// Entry is one partial write awaiting or having had repair.
type Entry struct {
	ID        uuid.UUID
	Op        string
	EventID   primitive.ObjectID
	StudentID primitive.ObjectID
	Side      string
	Error     string
	Status    Status
	Attempts  int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store persists journal entries.
type Store interface {
	Insert(ctx context.Context, e *Entry) error
	Get(ctx context.Context, id uuid.UUID) (Entry, error)
	// Update records the outcome of one repair attempt.
	Update(ctx context.Context, id uuid.UUID, status Status, attempts int, errText string) error
	ListPending(ctx context.Context, limit int) ([]Entry, error)
}
