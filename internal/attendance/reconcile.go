package attendance

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"clubapi/internal/store"
)

// ReconcileStore is what the reconciler reads and repairs.
type ReconcileStore interface {
	FindEventByID(ctx context.Context, id primitive.ObjectID) (store.Event, error)
	FindStudentByID(ctx context.Context, id primitive.ObjectID) (store.Student, error)
	ListEvents(ctx context.Context, sortYear int) ([]store.Event, error)
	ListStudentsByEvent(ctx context.Context, eventID primitive.ObjectID) ([]store.Student, error)
	AddParticipant(ctx context.Context, eventID, studentID primitive.ObjectID, sets store.ParticipantSets) error
	RemoveParticipant(ctx context.Context, eventID, studentID primitive.ObjectID, sets store.ParticipantSets) error
}

// Repair describes what was changed on the event side of one pair.
type Repair struct {
	EventID   primitive.ObjectID
	StudentID primitive.ObjectID
	Added     store.ParticipantSets
	Removed   store.ParticipantSets
}

// Changed reports whether the repair wrote anything.
func (r Repair) Changed() bool {
	return r.Added != (store.ParticipantSets{}) || r.Removed != (store.ParticipantSets{})
}

// Reconciler makes event participant sets agree with student participation
// records, which are authoritative.
type Reconciler struct {
	store ReconcileStore
	log   *zap.Logger
}

// NewReconciler returns a reconciler over s.
func NewReconciler(s ReconcileStore, log *zap.Logger) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{store: s, log: log.Named("reconcile")}
}

// ReconcilePair repairs a single (event, student) pair.
func (r *Reconciler) ReconcilePair(ctx context.Context, eventID, studentID primitive.ObjectID) (Repair, error) {
	event, err := r.store.FindEventByID(ctx, eventID)
	if err != nil {
		return Repair{}, fmt.Errorf("load event %s: %w", eventID.Hex(), err)
	}
	student, err := r.store.FindStudentByID(ctx, studentID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return r.repair(ctx, event, studentID, nil)
	case err != nil:
		return Repair{}, fmt.Errorf("load student %s: %w", studentID.Hex(), err)
	}
	return r.repair(ctx, event, studentID, &student)
}

// ReconcileEvent repairs every pair that either side of event mentions.
func (r *Reconciler) ReconcileEvent(ctx context.Context, event store.Event) ([]Repair, error) {
	students, err := r.store.ListStudentsByEvent(ctx, event.ID)
	if err != nil {
		return nil, fmt.Errorf("list students of %s: %w", event.Slug, err)
	}
	known := make(map[primitive.ObjectID]*store.Student, len(students))
	order := make([]primitive.ObjectID, 0, len(students))
	for i := range students {
		known[students[i].ID] = &students[i]
		order = append(order, students[i].ID)
	}
	for _, id := range append(append([]primitive.ObjectID(nil), event.Participants.Registered...), event.Participants.Attended...) {
		if _, ok := known[id]; ok {
			continue
		}
		known[id] = nil
		order = append(order, id)
	}

	var (
		repairs []Repair
		errs    []error
	)
	for _, id := range order {
		student := known[id]
		if student == nil {
			s, err := r.store.FindStudentByID(ctx, id)
			switch {
			case err == nil:
				student = &s
			case !errors.Is(err, store.ErrNotFound):
				errs = append(errs, fmt.Errorf("load student %s: %w", id.Hex(), err))
				continue
			}
		}
		rep, err := r.repair(ctx, event, id, student)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if rep.Changed() {
			repairs = append(repairs, rep)
		}
	}
	return repairs, errors.Join(errs...)
}

// ReconcileYear repairs every event of sortYear.
func (r *Reconciler) ReconcileYear(ctx context.Context, sortYear int) ([]Repair, error) {
	events, err := r.store.ListEvents(ctx, sortYear)
	if err != nil {
		return nil, fmt.Errorf("list events of %d: %w", sortYear, err)
	}
	var (
		repairs []Repair
		errs    []error
	)
	for _, e := range events {
		if err := ctx.Err(); err != nil {
			return repairs, err
		}
		rep, err := r.ReconcileEvent(ctx, e)
		repairs = append(repairs, rep...)
		if err != nil {
			errs = append(errs, err)
		}
	}
	r.log.Info("year reconciled", zap.Int("sort_year", sortYear), zap.Int("events", len(events)), zap.Int("repairs", len(repairs)))
	return repairs, errors.Join(errs...)
}

// repair computes the event-side membership the student record implies and
// applies the difference. A nil student means no record.
func (r *Reconciler) repair(ctx context.Context, event store.Event, studentID primitive.ObjectID, student *store.Student) (Repair, error) {
	var want store.ParticipantSets
	if student != nil {
		if p, ok := student.Participation(event.ID); ok {
			want = store.ParticipantSets{Registered: true, Attended: p.Attended}
		}
	}
	have := store.ParticipantSets{Registered: event.IsRegistered(studentID), Attended: event.HasAttended(studentID)}
	rep := Repair{
		EventID:   event.ID,
		StudentID: studentID,
		Added:     store.ParticipantSets{Registered: want.Registered && !have.Registered, Attended: want.Attended && !have.Attended},
		Removed:   store.ParticipantSets{Registered: !want.Registered && have.Registered, Attended: !want.Attended && have.Attended},
	}
	if !rep.Changed() {
		return rep, nil
	}
	// Attended is only ever added together with registered.
	if rep.Removed != (store.ParticipantSets{}) {
		if err := r.store.RemoveParticipant(ctx, event.ID, studentID, rep.Removed); err != nil {
			return Repair{}, fmt.Errorf("repair event %s student %s: %w", event.ID.Hex(), studentID.Hex(), err)
		}
	}
	if rep.Added != (store.ParticipantSets{}) {
		add := rep.Added
		if add.Attended {
			add.Registered = true
		}
		if err := r.store.AddParticipant(ctx, event.ID, studentID, add); err != nil {
			return Repair{}, fmt.Errorf("repair event %s student %s: %w", event.ID.Hex(), studentID.Hex(), err)
		}
	}
	r.log.Info("pair repaired",
		zap.String("event_id", event.ID.Hex()),
		zap.String("student_id", studentID.Hex()),
		zap.Bool("added_registered", rep.Added.Registered),
		zap.Bool("added_attended", rep.Added.Attended),
		zap.Bool("removed_registered", rep.Removed.Registered),
		zap.Bool("removed_attended", rep.Removed.Attended))
	return rep, nil
}
