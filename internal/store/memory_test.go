package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func seedStudent(t *testing.T, m *Memory, app, reg int64, email string) Student {
	t.Helper()
	s := Student{ApplicationNumber: app, RegistrationNumber: reg, Email: email, Name: "student"}
	require.NoError(t, m.InsertStudent(context.Background(), &s))
	return s
}

func TestMemoryFindStudentResolutionOrder(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	a := seedStudent(t, m, 1001, 5005, "a@x.edu")
	b := seedStudent(t, m, 2002, 1001, "b@x.edu")

	got, err := m.FindStudent(ctx, StudentKey{Kind: ByNumber, Number: 1001})
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID, "application number wins over registration number")

	got, err = m.FindStudent(ctx, RegistrationKey(1001))
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID)

	got, err = m.FindStudent(ctx, StudentKey{Kind: ByNumber, Number: 5005})
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID, "falls back to registration number")

	got, err = m.FindStudent(ctx, EmailKey("B@x.edu"))
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID)

	_, err = m.FindStudent(ctx, ApplicationKey(9))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryInsertConflicts(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.InsertClub(ctx, &Club{Slug: "codex"}))
	assert.ErrorIs(t, m.InsertClub(ctx, &Club{Slug: "codex"}), ErrConflict)

	require.NoError(t, m.InsertEvent(ctx, &Event{Slug: "codex-hack-night", SortYear: 2024}))
	assert.ErrorIs(t, m.InsertEvent(ctx, &Event{Slug: "codex-hack-night", SortYear: 2024}), ErrConflict)
	assert.NoError(t, m.InsertEvent(ctx, &Event{Slug: "codex-hack-night", SortYear: 2025}), "slug repeats across years")

	s := seedStudent(t, m, 1, 2, "")
	pos := Position{Type: "core", Name: "president"}
	require.NoError(t, m.InsertTeam(ctx, &Team{StudentID: s.ID, Club: "codex", Position: pos}))
	assert.ErrorIs(t, m.InsertTeam(ctx, &Team{StudentID: s.ID, Club: "codex", Position: pos}), ErrConflict)
	assert.NoError(t, m.InsertTeam(ctx, &Team{StudentID: s.ID, Club: "other", Position: pos}))
}

func TestMemoryParticipationUpdates(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	s := seedStudent(t, m, 1001, 1, "")
	eventID := primitive.NewObjectID()

	p := Participation{EventID: eventID, Registration: ModeTimeBased, SortYear: 2024}
	require.NoError(t, m.PushParticipation(ctx, s.ID, p))
	assert.ErrorIs(t, m.PushParticipation(ctx, s.ID, p), ErrConflict)

	require.NoError(t, m.MarkParticipationAttended(ctx, s.ID, eventID))
	assert.ErrorIs(t, m.MarkParticipationAttended(ctx, s.ID, eventID), ErrConflict)

	got, err := m.FindStudentByID(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, got.Events, 1)
	assert.True(t, got.Events[0].Attended)

	require.NoError(t, m.PullParticipation(ctx, s.ID, eventID))
	assert.ErrorIs(t, m.PullParticipation(ctx, s.ID, eventID), ErrNotFound)
	assert.ErrorIs(t, m.PushParticipation(ctx, primitive.NewObjectID(), p), ErrNotFound)
}

func TestMemoryParticipantSets(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	e := Event{Slug: "e", SortYear: 2024, Date: time.Now()}
	require.NoError(t, m.InsertEvent(ctx, &e))
	sid := primitive.NewObjectID()

	require.NoError(t, m.AddParticipant(ctx, e.ID, sid, SetBoth))
	require.NoError(t, m.AddParticipant(ctx, e.ID, sid, SetRegistered))

	got, err := m.FindEventByID(ctx, e.ID)
	require.NoError(t, err)
	assert.Len(t, got.Participants.Registered, 1, "adding an existing member is a no-op")
	assert.Len(t, got.Participants.Attended, 1)

	require.NoError(t, m.RemoveParticipant(ctx, e.ID, sid, SetBoth))
	got, err = m.FindEventByID(ctx, e.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Participants.Registered)
	assert.Empty(t, got.Participants.Attended)

	assert.ErrorIs(t, m.AddParticipant(ctx, primitive.NewObjectID(), sid, SetBoth), ErrNotFound)
}

func TestMemoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	e := Event{Slug: "e", SortYear: 2024}
	require.NoError(t, m.InsertEvent(ctx, &e))
	require.NoError(t, m.AddParticipant(ctx, e.ID, primitive.NewObjectID(), SetRegistered))

	got, err := m.FindEvent(ctx, "e", 2024)
	require.NoError(t, err)
	got.Participants.Registered[0] = primitive.NilObjectID

	again, err := m.FindEvent(ctx, "e", 2024)
	require.NoError(t, err)
	assert.NotEqual(t, primitive.NilObjectID, again.Participants.Registered[0])
}

func TestMemoryCallsAndFailNext(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	boom := errors.New("boom")

	m.FailNext("FindClub", boom)
	_, err := m.FindClub(ctx, "codex")
	assert.ErrorIs(t, err, boom)
	_, err = m.FindClub(ctx, "codex")
	assert.ErrorIs(t, err, ErrNotFound, "failure is injected once")
	assert.Equal(t, 2, m.Calls("FindClub"))

	m.ResetCalls()
	assert.Zero(t, m.Calls("FindClub"))
}

func TestMemoryClubEventsAndCommittee(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.InsertClub(ctx, &Club{Slug: "codex"}))

	eid := primitive.NewObjectID()
	require.NoError(t, m.AddClubEvent(ctx, "codex", 2024, eid))
	require.NoError(t, m.AddClubEvent(ctx, "codex", 2024, eid))
	tid := primitive.NewObjectID()
	require.NoError(t, m.SetCoreCommittee(ctx, "codex", RolePresident, tid))

	c, err := m.FindClub(ctx, "codex")
	require.NoError(t, err)
	assert.Equal(t, []primitive.ObjectID{eid}, c.Events["2024"])
	assert.Equal(t, tid, c.CoreCommittee[RolePresident])

	assert.ErrorIs(t, m.AddClubEvent(ctx, "nope", 2024, eid), ErrNotFound)
}

func TestMemoryCredentials(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	user := Credential{AuthType: AuthUser, Username: "ada"}
	app := Credential{AuthType: AuthAutomation, AppID: "scanner"}
	require.NoError(t, m.InsertCredential(ctx, &user))
	require.NoError(t, m.InsertCredential(ctx, &app))

	got, err := m.FindCredential(ctx, AuthUser, "ada")
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)

	got, err = m.FindCredential(ctx, AuthAutomation, "scanner")
	require.NoError(t, err)
	assert.Equal(t, app.ID, got.ID)

	_, err = m.FindCredential(ctx, AuthUser, "scanner")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.SetPasswordHash(ctx, user.ID, []byte("hash")))
	got, err = m.FindCredential(ctx, AuthUser, "ada")
	require.NoError(t, err)
	assert.Equal(t, []byte("hash"), got.PasswordHash)
}
