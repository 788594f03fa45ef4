// Package cache is the in-process entity cache in front of the document
// store. Each entity kind has its own LRU with an absolute per-entry TTL;
// whichever of capacity or expiry triggers first removes an entry.
//
// Get methods are read-through. Fetch methods bypass the cache, read the
// store and republish the result; use them after a write. Listing methods
// only report what is currently cached, which is why clubs and events are
// bulk refreshed on a timer.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"clubapi/internal/metrics"
	"clubapi/internal/store"
)

// Source is the subset of the document store the cache reads from.
type Source interface {
	FindClub(ctx context.Context, slug string) (store.Club, error)
	ListClubs(ctx context.Context) ([]store.Club, error)
	FindEvent(ctx context.Context, slug string, sortYear int) (store.Event, error)
	ListEvents(ctx context.Context, sortYear int) ([]store.Event, error)
	FindTeam(ctx context.Context, id primitive.ObjectID) (store.Team, error)
	FindStudent(ctx context.Context, key store.StudentKey) (store.Student, error)
}

// Policy is the capacity and time-to-live of one entity kind.
type Policy struct {
	Size int
	TTL  time.Duration
}

// Config sets the policy of every kind and the bulk refresh interval.
type Config struct {
	Students        Policy
	Teams           Policy
	Clubs           Policy
	Events          Policy
	RefreshInterval time.Duration
}

// DefaultConfig returns the production cache policies.
func DefaultConfig() Config {
	return Config{
		Students:        Policy{Size: 200, TTL: time.Hour},
		Teams:           Policy{Size: 100, TTL: 150 * time.Minute},
		Clubs:           Policy{Size: 100, TTL: 210 * time.Minute},
		Events:          Policy{Size: 25, TTL: 210 * time.Minute},
		RefreshInterval: 3 * time.Hour,
	}
}

type eventKey struct {
	Year int
	Slug string
}

// Service caches clubs, events, teams and students. It is safe for
// concurrent use and is built once per process.
type Service struct {
	src      Source
	sortYear int
	cfg      Config
	log      *zap.Logger

	clubs    *kind[string, store.Club]
	events   *kind[eventKey, store.Event]
	teams    *kind[primitive.ObjectID, store.Team]
	students *studentCache

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// New builds a cache over src. sortYear is the active year used for event
// lookups that carry no year and for the periodic event refresh.
func New(src Source, sortYear int, cfg Config, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("cache")
	return &Service{
		src:      src,
		sortYear: sortYear,
		cfg:      cfg,
		log:      log,
		clubs:    newKind[string, store.Club]("club", cfg.Clubs, store.Club.Clone, log),
		events:   newKind[eventKey, store.Event]("event", cfg.Events, store.Event.Clone, log),
		teams:    newKind[primitive.ObjectID, store.Team]("team", cfg.Teams, func(t store.Team) store.Team { return t }, log),
		students: newStudentCache(cfg.Students, log),
	}
}

// SortYear returns the active sort year.
func (s *Service) SortYear() int { return s.sortYear }

// Club returns the club with slug, reading the store on a miss.
func (s *Service) Club(ctx context.Context, slug string) (store.Club, error) {
	return s.clubs.get(ctx, slug, slug, s.loadClub(slug))
}

// FetchClub reads the club from the store and republishes it.
func (s *Service) FetchClub(ctx context.Context, slug string) (store.Club, error) {
	return s.clubs.fetch(ctx, slug, s.loadClub(slug))
}

// Clubs returns a snapshot of the cached clubs ordered by slug.
func (s *Service) Clubs() []store.Club {
	out := s.clubs.values()
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out
}

// RefreshClubs reloads every club from the store.
func (s *Service) RefreshClubs(ctx context.Context) error {
	clubs, err := s.src.ListClubs(ctx)
	if err != nil {
		metrics.CacheRefreshes.WithLabelValues("club", "error").Inc()
		return fmt.Errorf("refresh clubs: %w", err)
	}
	for _, c := range clubs {
		s.clubs.put(c.Slug, c)
	}
	metrics.CacheRefreshes.WithLabelValues("club", "ok").Inc()
	s.log.Debug("refreshed clubs", zap.Int("count", len(clubs)))
	return nil
}

func (s *Service) loadClub(slug string) func(context.Context) (store.Club, error) {
	return func(ctx context.Context) (store.Club, error) { return s.src.FindClub(ctx, slug) }
}

// Event returns the event with slug in year. A zero year means the active
// sort year; slugs are only unique within a year.
func (s *Service) Event(ctx context.Context, slug string, year int) (store.Event, error) {
	k := s.eventKey(slug, year)
	return s.events.get(ctx, k, fmt.Sprintf("%d/%s", k.Year, k.Slug), s.loadEvent(k))
}

// FetchEvent reads the event from the store and republishes it.
func (s *Service) FetchEvent(ctx context.Context, slug string, year int) (store.Event, error) {
	k := s.eventKey(slug, year)
	return s.events.fetch(ctx, k, s.loadEvent(k))
}

// Events returns a snapshot of the cached events ordered by date.
func (s *Service) Events() []store.Event {
	out := s.events.values()
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}

// EventsWithin returns cached events dated between the start of now's day
// (UTC) and days later, ordered by date.
func (s *Service) EventsWithin(now time.Time, days int) []store.Event {
	y, m, d := now.UTC().Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, days)

	var out []store.Event
	for _, e := range s.Events() {
		if !e.Date.Before(start) && !e.Date.After(end) {
			out = append(out, e)
		}
	}
	return out
}

// RefreshEvents reloads every event of the active sort year.
func (s *Service) RefreshEvents(ctx context.Context) error {
	events, err := s.src.ListEvents(ctx, s.sortYear)
	if err != nil {
		metrics.CacheRefreshes.WithLabelValues("event", "error").Inc()
		return fmt.Errorf("refresh events: %w", err)
	}
	for _, e := range events {
		s.events.put(eventKey{Year: e.SortYear, Slug: e.Slug}, e)
	}
	metrics.CacheRefreshes.WithLabelValues("event", "ok").Inc()
	s.log.Debug("refreshed events", zap.Int("count", len(events)), zap.Int("sort_year", s.sortYear))
	return nil
}

func (s *Service) eventKey(slug string, year int) eventKey {
	if year == 0 {
		year = s.sortYear
	}
	return eventKey{Year: year, Slug: slug}
}

func (s *Service) loadEvent(k eventKey) func(context.Context) (store.Event, error) {
	return func(ctx context.Context) (store.Event, error) { return s.src.FindEvent(ctx, k.Slug, k.Year) }
}

// Team returns the team membership with id.
func (s *Service) Team(ctx context.Context, id primitive.ObjectID) (store.Team, error) {
	return s.teams.get(ctx, id, id.Hex(), s.loadTeam(id))
}

// FetchTeam reads the team membership from the store and republishes it.
func (s *Service) FetchTeam(ctx context.Context, id primitive.ObjectID) (store.Team, error) {
	return s.teams.fetch(ctx, id, s.loadTeam(id))
}

func (s *Service) loadTeam(id primitive.ObjectID) func(context.Context) (store.Team, error) {
	return func(ctx context.Context) (store.Team, error) { return s.src.FindTeam(ctx, id) }
}

// Student returns the student identified by key.
func (s *Service) Student(ctx context.Context, key store.StudentKey) (store.Student, error) {
	return s.students.get(ctx, key, s.loadStudent(key))
}

// FetchStudent reads the student from the store and republishes it.
func (s *Service) FetchStudent(ctx context.Context, key store.StudentKey) (store.Student, error) {
	return s.students.fetch(ctx, key, s.loadStudent(key))
}

func (s *Service) loadStudent(key store.StudentKey) func(context.Context) (store.Student, error) {
	return func(ctx context.Context) (store.Student, error) { return s.src.FindStudent(ctx, key) }
}

// Warm loads clubs and events once. Both are attempted even if one fails.
func (s *Service) Warm(ctx context.Context) error {
	return errors.Join(s.RefreshClubs(ctx), s.RefreshEvents(ctx))
}

// Start launches the periodic club and event refresh. It returns
// immediately; call Stop to end the loop.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.stopped = make(chan struct{})
	go s.refreshLoop(ctx, s.stopped)
}

// Stop cancels the refresh loop and waits for it to exit.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel, stopped := s.cancel, s.stopped
	s.cancel, s.stopped = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-stopped
}

func (s *Service) refreshLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	interval := s.cfg.RefreshInterval
	if interval <= 0 {
		interval = DefaultConfig().RefreshInterval
	}
	bo := newBackoff(min(time.Second, interval), interval)
	wait := interval
	for {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if err := s.Warm(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			wait = bo.next()
			s.log.Warn("cache refresh failed, retrying", zap.Error(err), zap.Duration("retry_in", wait))
			continue
		}
		bo.reset()
		wait = interval
	}
}
