package attendance

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"clubapi/internal/store"
)

var (
	ErrEventNotFound   = fmt.Errorf("event %w", store.ErrNotFound)
	ErrStudentNotFound = fmt.Errorf("student %w", store.ErrNotFound)
	// ErrNotRegistered means the student has no participation record for the event.
	ErrNotRegistered = fmt.Errorf("student is not registered for the event: %w", store.ErrNotFound)
	// ErrAlreadyAttended means attendance was already marked.
	ErrAlreadyAttended = fmt.Errorf("attendance already marked: %w", store.ErrConflict)
)

// Side names one of the two documents a cross-document write touches.
type Side string

const (
	SideStudent Side = "student"
	SideEvent   Side = "event"
)

// PartialWriteError reports a cross-document write where the student side
// committed and the event side did not. The pair needs reconciliation.
type PartialWriteError struct {
	Op        string
	EventID   primitive.ObjectID
	StudentID primitive.ObjectID
	Side      Side
	Err       error
}

func (e *PartialWriteError) Error() string {
	return fmt.Sprintf("%s: %s-side write failed for event %s, student %s: %v",
		e.Op, e.Side, e.EventID.Hex(), e.StudentID.Hex(), e.Err)
}

func (e *PartialWriteError) Unwrap() error { return e.Err }
