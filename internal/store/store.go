package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

var (
	// ErrNotFound is returned when no document matches a lookup.
	ErrNotFound = errors.New("document not found")
	// ErrConflict is returned on a unique key violation or when a
	// conditional update finds its precondition no longer holds.
	ErrConflict = errors.New("document conflict")
)

// KeyKind selects which natural key a StudentKey carries.
type KeyKind int

const (
	// ByNumber is an untyped number. It resolves against the application
	// number first and the registration number second.
	ByNumber KeyKind = iota
	ByApplication
	ByRegistration
	ByEmail
)

// StudentKey identifies a student by one of its natural keys.
type StudentKey struct {
	Kind   KeyKind
	Number int64
	Email  string
}

// ApplicationKey returns a key for an application number.
func ApplicationKey(n int64) StudentKey { return StudentKey{Kind: ByApplication, Number: n} }

// RegistrationKey returns a key for a registration number.
func RegistrationKey(n int64) StudentKey { return StudentKey{Kind: ByRegistration, Number: n} }

// EmailKey returns a key for an email address.
func EmailKey(email string) StudentKey {
	return StudentKey{Kind: ByEmail, Email: strings.ToLower(strings.TrimSpace(email))}
}

// ParseStudentKey turns a path parameter into a key. Anything containing
// '@' is an email, anything numeric is an untyped number.
func ParseStudentKey(raw string) (StudentKey, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return StudentKey{}, errors.New("student key required")
	}
	if strings.Contains(raw, "@") {
		return EmailKey(raw), nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return StudentKey{}, fmt.Errorf("invalid student key %q", raw)
	}
	return StudentKey{Kind: ByNumber, Number: n}, nil
}

func (k StudentKey) String() string {
	switch k.Kind {
	case ByApplication:
		return "application:" + strconv.FormatInt(k.Number, 10)
	case ByRegistration:
		return "registration:" + strconv.FormatInt(k.Number, 10)
	case ByEmail:
		return "email:" + k.Email
	default:
		return strconv.FormatInt(k.Number, 10)
	}
}

// Store is the document store the rest of the service talks to. Every
// method touches a single document or a single collection; there are no
// cross-collection transactions.
type Store interface {
	FindClub(ctx context.Context, slug string) (Club, error)
	ListClubs(ctx context.Context) ([]Club, error)
	InsertClub(ctx context.Context, club *Club) error
	SetCoreCommittee(ctx context.Context, clubSlug string, role CommitteeRole, teamID primitive.ObjectID) error
	AddClubEvent(ctx context.Context, clubSlug string, sortYear int, eventID primitive.ObjectID) error

	FindEvent(ctx context.Context, slug string, sortYear int) (Event, error)
	FindEventByID(ctx context.Context, id primitive.ObjectID) (Event, error)
	ListEvents(ctx context.Context, sortYear int) ([]Event, error)
	InsertEvent(ctx context.Context, event *Event) error

	FindStudent(ctx context.Context, key StudentKey) (Student, error)
	FindStudentByID(ctx context.Context, id primitive.ObjectID) (Student, error)
	ListStudentsByEvent(ctx context.Context, eventID primitive.ObjectID) ([]Student, error)
	InsertStudent(ctx context.Context, student *Student) error

	FindTeam(ctx context.Context, id primitive.ObjectID) (Team, error)
	FindTeamsByStudent(ctx context.Context, studentID primitive.ObjectID) ([]Team, error)
	InsertTeam(ctx context.Context, team *Team) error

	FindCredential(ctx context.Context, authType, identifier string) (Credential, error)
	InsertCredential(ctx context.Context, cred *Credential) error
	SetPasswordHash(ctx context.Context, id primitive.ObjectID, hash []byte) error

	// PushParticipation appends p to the student's event list unless a
	// record for p.EventID is already there, in which case it returns
	// ErrConflict.
	PushParticipation(ctx context.Context, studentID primitive.ObjectID, p Participation) error
	// MarkParticipationAttended flips an unattended record to attended.
	// ErrConflict means no unattended record for the event exists.
	MarkParticipationAttended(ctx context.Context, studentID, eventID primitive.ObjectID) error
	// PullParticipation removes the student's record for the event.
	PullParticipation(ctx context.Context, studentID, eventID primitive.ObjectID) error

	// AddParticipant adds the student to the selected participant sets of
	// the event in one update. Adding an existing member is a no-op.
	AddParticipant(ctx context.Context, eventID, studentID primitive.ObjectID, sets ParticipantSets) error
	// RemoveParticipant removes the student from the selected sets in one update.
	RemoveParticipant(ctx context.Context, eventID, studentID primitive.ObjectID, sets ParticipantSets) error

	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// ParticipantSets selects the event participant sets an update applies to.
type ParticipantSets struct {
	Registered bool
	Attended   bool
}

var (
	SetRegistered = ParticipantSets{Registered: true}
	SetAttended   = ParticipantSets{Attended: true}
	SetBoth       = ParticipantSets{Registered: true, Attended: true}
)
