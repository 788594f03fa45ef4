// Package attendance implements the registration and attendance state
// machine of a (student, event) pair:
//
//	UNREGISTERED -> REGISTERED(time_based) -> ATTENDED
//	UNREGISTERED -> ATTENDED(onspot), which also registers
//	REGISTERED | ATTENDED -> UNREGISTERED on unregistration
//
// State lives on two documents: the student's participation list and the
// event's registered/attended sets. There is no cross-document transaction.
// The student side is written first and is the source of truth; event-side
// writes are idempotent set updates so they can be retried, and a failed
// event-side write is reported as a PartialWriteError for reconciliation.
package attendance

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"clubapi/internal/metrics"
	"clubapi/internal/store"
)

// Writer is the subset of the document store the engine writes through.
type Writer interface {
	PushParticipation(ctx context.Context, studentID primitive.ObjectID, p store.Participation) error
	MarkParticipationAttended(ctx context.Context, studentID, eventID primitive.ObjectID) error
	PullParticipation(ctx context.Context, studentID, eventID primitive.ObjectID) error
	AddParticipant(ctx context.Context, eventID, studentID primitive.ObjectID, sets store.ParticipantSets) error
	RemoveParticipant(ctx context.Context, eventID, studentID primitive.ObjectID, sets store.ParticipantSets) error
}

// Cache resolves events and students. Fetch variants bypass the cache.
type Cache interface {
	Event(ctx context.Context, slug string, year int) (store.Event, error)
	FetchEvent(ctx context.Context, slug string, year int) (store.Event, error)
	Student(ctx context.Context, key store.StudentKey) (store.Student, error)
	FetchStudent(ctx context.Context, key store.StudentKey) (store.Student, error)
}

// Reporter receives partial writes so they can be repaired later.
type Reporter interface {
	ReportPartialWrite(ctx context.Context, pw *PartialWriteError) error
}

// Outcome names what a mutating operation did.
type Outcome string

const (
	OutcomeRegistered        Outcome = "registered"
	OutcomeAlreadyRegistered Outcome = "already_registered"
	OutcomeAttended          Outcome = "attended"
	OutcomeOnSpot            Outcome = "onspot"
	OutcomeUnregistered      Outcome = "unregistered"
)

// Result is returned by the mutating operations.
type Result struct {
	Outcome Outcome
	EventID primitive.ObjectID
	Student store.Student
}

// Status is a participation snapshot read from one side of the pair.
type Status struct {
	Registered bool
	Attended   bool
	Mode       store.RegistrationMode
}

// Service runs the state machine.
type Service struct {
	store    Writer
	cache    Cache
	reporter Reporter
	sortYear int
	log      *zap.Logger
}

// NewService wires the engine. reporter may be nil.
func NewService(w Writer, c Cache, reporter Reporter, sortYear int, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: w, cache: c, reporter: reporter, sortYear: sortYear, log: log.Named("attendance")}
}

// Register signs the student up for the event in the active sort year.
// Registering twice is not an error; the second call reports
// OutcomeAlreadyRegistered and writes nothing to the student.
func (s *Service) Register(ctx context.Context, slug string, key store.StudentKey) (Result, error) {
	res, err := s.register(ctx, slug, key)
	s.observe("register", res, err)
	return res, err
}

func (s *Service) register(ctx context.Context, slug string, key store.StudentKey) (Result, error) {
	event, student, err := s.resolve(ctx, slug, key, false)
	if err != nil {
		return Result{}, err
	}
	res := Result{EventID: event.ID, Student: student}

	if _, ok := student.Participation(event.ID); ok {
		res.Outcome = OutcomeAlreadyRegistered
		if !event.IsRegistered(student.ID) {
			// An earlier event-side write was lost; this one is idempotent.
			if err := s.eventSide(ctx, "register", event.ID, student.ID, true, store.SetRegistered); err != nil {
				return res, err
			}
			res.Student = s.republish(ctx, slug, key, student)
		}
		return res, nil
	}

	err = s.store.PushParticipation(ctx, student.ID, store.Participation{
		EventID:      event.ID,
		Registration: store.ModeTimeBased,
		SortYear:     s.sortYear,
	})
	switch {
	case errors.Is(err, store.ErrConflict):
		res.Outcome = OutcomeAlreadyRegistered
		return res, nil
	case err != nil:
		return Result{}, fmt.Errorf("register student side: %w", err)
	}

	if err := s.eventSide(ctx, "register", event.ID, student.ID, true, store.SetRegistered); err != nil {
		return res, err
	}
	res.Outcome = OutcomeRegistered
	res.Student = s.republish(ctx, slug, key, student)
	return res, nil
}

// MarkAttendance records the student as present. A registered student is
// flipped to attended; an unregistered one is checked in on the spot,
// which registers and attends in one step.
func (s *Service) MarkAttendance(ctx context.Context, slug string, key store.StudentKey) (Result, error) {
	res, err := s.markAttendance(ctx, slug, key)
	s.observe("attend", res, err)
	return res, err
}

func (s *Service) markAttendance(ctx context.Context, slug string, key store.StudentKey) (Result, error) {
	event, student, err := s.resolve(ctx, slug, key, true)
	if err != nil {
		return Result{}, err
	}
	res := Result{EventID: event.ID, Student: student}

	if event.HasAttended(student.ID) {
		return res, ErrAlreadyAttended
	}

	p, registered := student.Participation(event.ID)
	switch {
	case registered && p.Attended:
		// Student side says attended but the event lost it. Heal and refuse.
		if s.eventSide(ctx, "attend", event.ID, student.ID, true, store.SetBoth) == nil {
			s.republish(ctx, slug, key, student)
		}
		return res, ErrAlreadyAttended

	case registered:
		res.Outcome, err = OutcomeAttended, s.flip(ctx, student.ID, event.ID)

	default:
		res.Outcome = OutcomeOnSpot
		err = s.store.PushParticipation(ctx, student.ID, store.Participation{
			EventID:      event.ID,
			Registration: store.ModeOnSpot,
			Attended:     true,
			SortYear:     s.sortYear,
		})
		if errors.Is(err, store.ErrConflict) {
			// A concurrent registration won the push; fall back to the flip.
			res.Outcome, err = OutcomeAttended, s.flip(ctx, student.ID, event.ID)
		} else if err != nil {
			err = fmt.Errorf("onspot student side: %w", err)
		}
	}
	if err != nil {
		return Result{}, err
	}

	// Registered and attended go in one update so attended never holds a
	// student that registered does not.
	if err := s.eventSide(ctx, "attend", event.ID, student.ID, true, store.SetBoth); err != nil {
		return res, err
	}
	res.Student = s.republish(ctx, slug, key, student)
	return res, nil
}

func (s *Service) flip(ctx context.Context, studentID, eventID primitive.ObjectID) error {
	err := s.store.MarkParticipationAttended(ctx, studentID, eventID)
	switch {
	case errors.Is(err, store.ErrConflict):
		return ErrAlreadyAttended
	case err != nil:
		return fmt.Errorf("attend student side: %w", err)
	}
	return nil
}

// Unregister removes the student from the event, clearing attendance too.
// Unlike Register it is not idempotent: without a record it fails with
// ErrNotRegistered.
func (s *Service) Unregister(ctx context.Context, slug string, key store.StudentKey) (Result, error) {
	res, err := s.unregister(ctx, slug, key)
	s.observe("unregister", res, err)
	return res, err
}

func (s *Service) unregister(ctx context.Context, slug string, key store.StudentKey) (Result, error) {
	event, student, err := s.resolve(ctx, slug, key, false)
	if err != nil {
		return Result{}, err
	}
	res := Result{EventID: event.ID, Student: student}

	if _, ok := student.Participation(event.ID); !ok {
		return res, ErrNotRegistered
	}
	err = s.store.PullParticipation(ctx, student.ID, event.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return res, ErrNotRegistered
	case err != nil:
		return Result{}, fmt.Errorf("unregister student side: %w", err)
	}

	if err := s.eventSide(ctx, "unregister", event.ID, student.ID, false, store.SetBoth); err != nil {
		return res, err
	}
	res.Outcome = OutcomeUnregistered
	res.Student = s.republish(ctx, slug, key, student)
	return res, nil
}

// RegistrationStatus reads the pair from the student's participation list.
func (s *Service) RegistrationStatus(ctx context.Context, slug string, key store.StudentKey) (Status, error) {
	event, err := s.event(ctx, slug, false)
	if err != nil {
		return Status{}, err
	}
	student, err := s.student(ctx, key, false)
	if err != nil {
		return Status{}, err
	}
	p, ok := student.Participation(event.ID)
	if !ok {
		return Status{}, nil
	}
	return Status{Registered: true, Attended: p.Attended, Mode: p.Registration}, nil
}

// AttendanceStatus reads the pair from the event's participant sets.
func (s *Service) AttendanceStatus(ctx context.Context, slug string, key store.StudentKey) (Status, error) {
	event, err := s.event(ctx, slug, false)
	if err != nil {
		return Status{}, err
	}
	student, err := s.student(ctx, key, false)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Registered: event.IsRegistered(student.ID),
		Attended:   event.HasAttended(student.ID),
	}, nil
}

// resolve loads the event of the active year and the student. Mutations
// read the student from the store so the existence check sees committed
// state; fresh also reloads the event.
func (s *Service) resolve(ctx context.Context, slug string, key store.StudentKey, fresh bool) (store.Event, store.Student, error) {
	event, err := s.event(ctx, slug, fresh)
	if err != nil {
		return store.Event{}, store.Student{}, err
	}
	student, err := s.student(ctx, key, true)
	if err != nil {
		return store.Event{}, store.Student{}, err
	}
	return event, student, nil
}

func (s *Service) event(ctx context.Context, slug string, fresh bool) (store.Event, error) {
	get := s.cache.Event
	if fresh {
		get = s.cache.FetchEvent
	}
	event, err := get(ctx, slug, s.sortYear)
	if errors.Is(err, store.ErrNotFound) {
		return store.Event{}, ErrEventNotFound
	}
	return event, err
}

func (s *Service) student(ctx context.Context, key store.StudentKey, fresh bool) (store.Student, error) {
	get := s.cache.Student
	if fresh {
		get = s.cache.FetchStudent
	}
	student, err := get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return store.Student{}, ErrStudentNotFound
	}
	return student, err
}

// eventSide applies the event half of a transition after the student half
// committed. A failure becomes a reported PartialWriteError.
func (s *Service) eventSide(ctx context.Context, op string, eventID, studentID primitive.ObjectID, add bool, sets store.ParticipantSets) error {
	var err error
	if add {
		err = s.store.AddParticipant(ctx, eventID, studentID, sets)
	} else {
		err = s.store.RemoveParticipant(ctx, eventID, studentID, sets)
	}
	if err == nil {
		return nil
	}
	pw := &PartialWriteError{Op: op, EventID: eventID, StudentID: studentID, Side: SideEvent, Err: err}
	metrics.PartialWrites.WithLabelValues(op, string(SideEvent)).Inc()
	s.log.Error("partial write",
		zap.String("op", op),
		zap.String("event_id", eventID.Hex()),
		zap.String("student_id", studentID.Hex()),
		zap.String("failed_side", string(SideEvent)),
		zap.Error(err))
	if s.reporter != nil {
		// The request context may already be gone; the report must still land.
		if rerr := s.reporter.ReportPartialWrite(context.WithoutCancel(ctx), pw); rerr != nil {
			s.log.Error("partial write not journaled", zap.Error(rerr), zap.String("event_id", eventID.Hex()), zap.String("student_id", studentID.Hex()))
		}
	}
	return pw
}

// republish refreshes the student and event cache entries after a write and
// returns the fresh student, or fallback if it cannot be read. Failures
// only cost freshness.
func (s *Service) republish(ctx context.Context, slug string, key store.StudentKey, fallback store.Student) store.Student {
	if _, err := s.cache.FetchEvent(ctx, slug, s.sortYear); err != nil {
		s.log.Warn("republish event", zap.String("slug", slug), zap.Error(err))
	}
	student, err := s.cache.FetchStudent(ctx, key)
	if err != nil {
		s.log.Warn("republish student", zap.Stringer("key", key), zap.Error(err))
		return fallback
	}
	return student
}

func (s *Service) observe(op string, res Result, err error) {
	outcome := string(res.Outcome)
	var pw *PartialWriteError
	switch {
	case errors.As(err, &pw):
		outcome = "partial_write"
	case errors.Is(err, store.ErrNotFound):
		outcome = "not_found"
	case errors.Is(err, store.ErrConflict):
		outcome = "conflict"
	case err != nil:
		outcome = "error"
	}
	metrics.EngineOps.WithLabelValues(op, outcome).Inc()
}
