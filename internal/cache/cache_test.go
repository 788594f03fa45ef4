package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"clubapi/internal/store"
)

const year = 2024

func newTestCache(t *testing.T, cfg Config) (*Service, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	return New(mem, year, cfg, zap.NewNop()), mem
}

func TestClubGetWithinTTLDoesNotRequery(t *testing.T) {
	ctx := context.Background()
	svc, mem := newTestCache(t, DefaultConfig())
	require.NoError(t, mem.InsertClub(ctx, &store.Club{Slug: "codex", Name: "Codex"}))

	first, err := svc.Club(ctx, "codex")
	require.NoError(t, err)
	second, err := svc.Club(ctx, "codex")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, mem.Calls("FindClub"))
}

func TestGetRequeriesAfterTTL(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.Clubs.TTL = 40 * time.Millisecond
	cfg.Students.TTL = 40 * time.Millisecond
	svc, mem := newTestCache(t, cfg)
	require.NoError(t, mem.InsertClub(ctx, &store.Club{Slug: "codex"}))
	require.NoError(t, mem.InsertStudent(ctx, &store.Student{ApplicationNumber: 1001, RegistrationNumber: 7}))

	_, err := svc.Club(ctx, "codex")
	require.NoError(t, err)
	_, err = svc.Student(ctx, store.ApplicationKey(1001))
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)

	_, err = svc.Club(ctx, "codex")
	require.NoError(t, err)
	_, err = svc.Student(ctx, store.ApplicationKey(1001))
	require.NoError(t, err)
	assert.Equal(t, 2, mem.Calls("FindClub"))
	assert.Equal(t, 2, mem.Calls("FindStudent"))
}

func TestFetchBypassesAndRepublishes(t *testing.T) {
	ctx := context.Background()
	svc, mem := newTestCache(t, DefaultConfig())
	e := store.Event{Slug: "codex-hack-night", SortYear: year}
	require.NoError(t, mem.InsertEvent(ctx, &e))

	cached, err := svc.Event(ctx, "codex-hack-night", 0)
	require.NoError(t, err)
	assert.Empty(t, cached.Participants.Registered)

	sid := primitive.NewObjectID()
	require.NoError(t, mem.AddParticipant(ctx, e.ID, sid, store.SetRegistered))

	stale, err := svc.Event(ctx, "codex-hack-night", 0)
	require.NoError(t, err)
	assert.Empty(t, stale.Participants.Registered, "plain get serves the cached copy")

	fresh, err := svc.FetchEvent(ctx, "codex-hack-night", 0)
	require.NoError(t, err)
	assert.True(t, fresh.IsRegistered(sid))

	mem.ResetCalls()
	after, err := svc.Event(ctx, "codex-hack-night", year)
	require.NoError(t, err)
	assert.True(t, after.IsRegistered(sid), "fetch republished the entry")
	assert.Zero(t, mem.Calls("FindEvent"))
}

func TestNotFoundIsDistinctFromStoreFailure(t *testing.T) {
	ctx := context.Background()
	svc, mem := newTestCache(t, DefaultConfig())

	_, err := svc.Club(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	boom := errors.New("connection refused")
	mem.FailNext("FindClub", boom)
	_, err = svc.Club(ctx, "missing")
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, store.ErrNotFound)

	_, err = svc.Team(ctx, primitive.NewObjectID())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestReturnedValuesAreCopies(t *testing.T) {
	ctx := context.Background()
	svc, mem := newTestCache(t, DefaultConfig())
	require.NoError(t, mem.InsertClub(ctx, &store.Club{Slug: "codex", FacultyAdvisors: []store.FacultyAdvisor{{Name: "A"}}}))

	c, err := svc.Club(ctx, "codex")
	require.NoError(t, err)
	c.FacultyAdvisors[0].Name = "mutated"
	c.CoreCommittee[store.RolePresident] = primitive.NewObjectID()

	again, err := svc.Club(ctx, "codex")
	require.NoError(t, err)
	assert.Equal(t, "A", again.FacultyAdvisors[0].Name)
	assert.Empty(t, again.CoreCommittee)
}

func TestEventsAreKeyedByYear(t *testing.T) {
	ctx := context.Background()
	svc, mem := newTestCache(t, DefaultConfig())
	require.NoError(t, mem.InsertEvent(ctx, &store.Event{Slug: "codex-hack-night", SortYear: year, Name: "this year"}))
	require.NoError(t, mem.InsertEvent(ctx, &store.Event{Slug: "codex-hack-night", SortYear: year - 1, Name: "last year"}))

	cur, err := svc.Event(ctx, "codex-hack-night", 0)
	require.NoError(t, err)
	prev, err := svc.Event(ctx, "codex-hack-night", year-1)
	require.NoError(t, err)

	assert.Equal(t, "this year", cur.Name)
	assert.Equal(t, "last year", prev.Name)
	assert.Equal(t, 2, mem.Calls("FindEvent"))
}

func TestStudentAliases(t *testing.T) {
	ctx := context.Background()
	svc, mem := newTestCache(t, DefaultConfig())
	require.NoError(t, mem.InsertStudent(ctx, &store.Student{ApplicationNumber: 1001, RegistrationNumber: 220911, Email: "ada@uni.edu"}))

	s, err := svc.Student(ctx, store.ApplicationKey(1001))
	require.NoError(t, err)
	assert.Equal(t, int64(220911), s.RegistrationNumber)

	_, err = svc.Student(ctx, store.RegistrationKey(220911))
	require.NoError(t, err)
	_, err = svc.Student(ctx, store.EmailKey("ADA@uni.edu"))
	require.NoError(t, err)
	_, err = svc.Student(ctx, store.StudentKey{Kind: store.ByNumber, Number: 1001})
	require.NoError(t, err)
	assert.Equal(t, 1, mem.Calls("FindStudent"), "secondary keys resolve from the cache")

	_, err = svc.Student(ctx, store.StudentKey{Kind: store.ByNumber, Number: 220911})
	require.NoError(t, err)
	_, err = svc.Student(ctx, store.StudentKey{Kind: store.ByNumber, Number: 220911})
	require.NoError(t, err)
	assert.Equal(t, 2, mem.Calls("FindStudent"), "untyped registration number is resolved by the store once")
}

func TestStudentAliasesDroppedOnEviction(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.Students.Size = 1
	svc, mem := newTestCache(t, cfg)
	require.NoError(t, mem.InsertStudent(ctx, &store.Student{ApplicationNumber: 1, RegistrationNumber: 11, Email: "a@x"}))
	require.NoError(t, mem.InsertStudent(ctx, &store.Student{ApplicationNumber: 2, RegistrationNumber: 22}))

	_, err := svc.Student(ctx, store.ApplicationKey(1))
	require.NoError(t, err)
	assert.Equal(t, 2, svc.students.aliasCount())

	_, err = svc.Student(ctx, store.ApplicationKey(2))
	require.NoError(t, err)
	assert.Equal(t, 1, svc.students.aliasCount())

	_, err = svc.Student(ctx, store.RegistrationKey(11))
	require.NoError(t, err)
	assert.Equal(t, 3, mem.Calls("FindStudent"))
}

func TestCapacityEviction(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.Clubs.Size = 2
	svc, mem := newTestCache(t, cfg)
	for _, slug := range []string{"a", "b", "c"} {
		require.NoError(t, mem.InsertClub(ctx, &store.Club{Slug: slug}))
		_, err := svc.Club(ctx, slug)
		require.NoError(t, err)
	}
	assert.Len(t, svc.Clubs(), 2)

	_, err := svc.Club(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 4, mem.Calls("FindClub"), "least recently used entry was evicted")
}

func TestListReflectsOnlyCachedEntries(t *testing.T) {
	ctx := context.Background()
	svc, mem := newTestCache(t, DefaultConfig())
	for _, slug := range []string{"codex", "alpha", "zeta"} {
		require.NoError(t, mem.InsertClub(ctx, &store.Club{Slug: slug}))
	}

	_, err := svc.Club(ctx, "codex")
	require.NoError(t, err)
	assert.Len(t, svc.Clubs(), 1)

	require.NoError(t, svc.RefreshClubs(ctx))
	clubs := svc.Clubs()
	require.Len(t, clubs, 3)
	assert.Equal(t, "alpha", clubs[0].Slug)
}

func TestRefreshEventsLoadsActiveYearOnly(t *testing.T) {
	ctx := context.Background()
	svc, mem := newTestCache(t, DefaultConfig())
	require.NoError(t, mem.InsertEvent(ctx, &store.Event{Slug: "now", SortYear: year}))
	require.NoError(t, mem.InsertEvent(ctx, &store.Event{Slug: "then", SortYear: year - 1}))

	require.NoError(t, svc.RefreshEvents(ctx))
	events := svc.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "now", events[0].Slug)

	mem.FailNext("ListEvents", errors.New("down"))
	assert.Error(t, svc.RefreshEvents(ctx))
	assert.Len(t, svc.Events(), 1, "failed refresh keeps what is cached")
}

func TestEventsWithin(t *testing.T) {
	ctx := context.Background()
	svc, mem := newTestCache(t, DefaultConfig())
	now := time.Date(2024, 3, 10, 15, 0, 0, 0, time.UTC)
	for slug, date := range map[string]time.Time{
		"this-morning": now.Add(-6 * time.Hour),
		"next-week":    now.AddDate(0, 0, 6),
		"far":          now.AddDate(0, 1, 0),
		"yesterday":    now.AddDate(0, 0, -1),
	} {
		require.NoError(t, mem.InsertEvent(ctx, &store.Event{Slug: slug, SortYear: year, Date: date}))
	}
	require.NoError(t, svc.RefreshEvents(ctx))

	got := svc.EventsWithin(now, 7)
	require.Len(t, got, 2)
	assert.Equal(t, "this-morning", got[0].Slug)
	assert.Equal(t, "next-week", got[1].Slug)
}

func TestConcurrentGets(t *testing.T) {
	ctx := context.Background()
	svc, mem := newTestCache(t, DefaultConfig())
	require.NoError(t, mem.InsertClub(ctx, &store.Club{Slug: "codex"}))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := svc.Club(ctx, "codex")
			assert.NoError(t, err)
			assert.Equal(t, "codex", c.Slug)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, mem.Calls("FindClub"), 50)
}

func TestStartRefreshesAndStopWaits(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.RefreshInterval = 10 * time.Millisecond
	svc, mem := newTestCache(t, cfg)
	require.NoError(t, mem.InsertClub(ctx, &store.Club{Slug: "codex"}))

	svc.Start(ctx)
	svc.Start(ctx)
	assert.Eventually(t, func() bool { return len(svc.Clubs()) == 1 }, time.Second, 5*time.Millisecond)

	svc.Stop()
	calls := mem.Calls("ListClubs")
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, calls, mem.Calls("ListClubs"), "no refresh after Stop")
	svc.Stop()
}

func TestRefreshLoopSurvivesStoreFailure(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.RefreshInterval = 10 * time.Millisecond
	svc, mem := newTestCache(t, cfg)
	require.NoError(t, mem.InsertClub(ctx, &store.Club{Slug: "codex"}))
	mem.FailNext("ListClubs", errors.New("unreachable"))

	svc.Start(ctx)
	defer svc.Stop()
	assert.Eventually(t, func() bool { return len(svc.Clubs()) == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestBackoff(t *testing.T) {
	b := newBackoff(100*time.Millisecond, time.Second)
	prevMax := time.Duration(0)
	for i := 0; i < 6; i++ {
		d := b.next()
		assert.LessOrEqual(t, d, time.Second)
		assert.Greater(t, d, time.Duration(0))
		if d > prevMax {
			prevMax = d
		}
	}
	assert.GreaterOrEqual(t, prevMax, 500*time.Millisecond)

	b.reset()
	assert.LessOrEqual(t, b.next(), 100*time.Millisecond)
}
