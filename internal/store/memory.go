package store

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Memory is an in-process Store for development and tests. It keeps the
// same per-document atomicity as the Mongo backend, counts calls per
// method, and can be told to fail a method once.
type Memory struct {
	mu       sync.Mutex
	clubs    map[primitive.ObjectID]Club
	events   map[primitive.ObjectID]Event
	students map[primitive.ObjectID]Student
	teams    map[primitive.ObjectID]Team
	creds    map[primitive.ObjectID]Credential

	calls map[string]int
	fail  map[string]error
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		clubs:    make(map[primitive.ObjectID]Club),
		events:   make(map[primitive.ObjectID]Event),
		students: make(map[primitive.ObjectID]Student),
		teams:    make(map[primitive.ObjectID]Team),
		creds:    make(map[primitive.ObjectID]Credential),
		calls:    make(map[string]int),
		fail:     make(map[string]error),
	}
}

// Calls returns how many times method has been invoked.
func (m *Memory) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

// ResetCalls zeroes every call counter.
func (m *Memory) ResetCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = make(map[string]int)
}

// FailNext makes the next call of method return err.
func (m *Memory) FailNext(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail[method] = err
}

// enter records a call and returns an injected failure, if any. Callers hold mu.
func (m *Memory) enter(method string) error {
	m.calls[method]++
	if err, ok := m.fail[method]; ok {
		delete(m.fail, method)
		return err
	}
	return nil
}

func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enter("Ping")
}

func (m *Memory) Close(ctx context.Context) error { return nil }

func (m *Memory) FindClub(ctx context.Context, slug string) (Club, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("FindClub"); err != nil {
		return Club{}, err
	}
	for _, c := range m.clubs {
		if c.Slug == slug {
			return c.Clone(), nil
		}
	}
	return Club{}, ErrNotFound
}

func (m *Memory) ListClubs(ctx context.Context) ([]Club, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ListClubs"); err != nil {
		return nil, err
	}
	out := make([]Club, 0, len(m.clubs))
	for _, c := range m.clubs {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

func (m *Memory) InsertClub(ctx context.Context, club *Club) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("InsertClub"); err != nil {
		return err
	}
	for _, c := range m.clubs {
		if c.Slug == club.Slug {
			return ErrConflict
		}
	}
	if club.CoreCommittee == nil {
		club.CoreCommittee = map[CommitteeRole]primitive.ObjectID{}
	}
	if club.Events == nil {
		club.Events = map[string][]primitive.ObjectID{}
	}
	club.ID = primitive.NewObjectID()
	m.clubs[club.ID] = club.Clone()
	return nil
}

func (m *Memory) SetCoreCommittee(ctx context.Context, clubSlug string, role CommitteeRole, teamID primitive.ObjectID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("SetCoreCommittee"); err != nil {
		return err
	}
	for id, c := range m.clubs {
		if c.Slug == clubSlug {
			if c.CoreCommittee == nil {
				c.CoreCommittee = map[CommitteeRole]primitive.ObjectID{}
			}
			c.CoreCommittee[role] = teamID
			m.clubs[id] = c
			return nil
		}
	}
	return ErrNotFound
}

func (m *Memory) AddClubEvent(ctx context.Context, clubSlug string, sortYear int, eventID primitive.ObjectID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("AddClubEvent"); err != nil {
		return err
	}
	year := strconv.Itoa(sortYear)
	for id, c := range m.clubs {
		if c.Slug == clubSlug {
			if c.Events == nil {
				c.Events = map[string][]primitive.ObjectID{}
			}
			if !containsID(c.Events[year], eventID) {
				c.Events[year] = append(c.Events[year], eventID)
			}
			m.clubs[id] = c
			return nil
		}
	}
	return ErrNotFound
}

func (m *Memory) FindEvent(ctx context.Context, slug string, sortYear int) (Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("FindEvent"); err != nil {
		return Event{}, err
	}
	for _, e := range m.events {
		if e.Slug == slug && e.SortYear == sortYear {
			return e.Clone(), nil
		}
	}
	return Event{}, ErrNotFound
}

func (m *Memory) FindEventByID(ctx context.Context, id primitive.ObjectID) (Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("FindEventByID"); err != nil {
		return Event{}, err
	}
	e, ok := m.events[id]
	if !ok {
		return Event{}, ErrNotFound
	}
	return e.Clone(), nil
}

func (m *Memory) ListEvents(ctx context.Context, sortYear int) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ListEvents"); err != nil {
		return nil, err
	}
	var out []Event
	for _, e := range m.events {
		if e.SortYear == sortYear {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

func (m *Memory) InsertEvent(ctx context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("InsertEvent"); err != nil {
		return err
	}
	for _, e := range m.events {
		if e.Slug == event.Slug && e.SortYear == event.SortYear {
			return ErrConflict
		}
	}
	event.ID = primitive.NewObjectID()
	m.events[event.ID] = event.Clone()
	return nil
}

func (m *Memory) FindStudent(ctx context.Context, key StudentKey) (Student, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("FindStudent"); err != nil {
		return Student{}, err
	}
	match := func(f func(Student) bool) (Student, bool) {
		for _, s := range m.students {
			if f(s) {
				return s.Clone(), true
			}
		}
		return Student{}, false
	}
	byApp := func(s Student) bool { return s.ApplicationNumber == key.Number }
	byReg := func(s Student) bool { return s.RegistrationNumber == key.Number }
	var (
		s  Student
		ok bool
	)
	switch key.Kind {
	case ByApplication:
		s, ok = match(byApp)
	case ByRegistration:
		s, ok = match(byReg)
	case ByEmail:
		s, ok = match(func(s Student) bool { return s.Email == key.Email })
	default:
		if s, ok = match(byApp); !ok {
			s, ok = match(byReg)
		}
	}
	if !ok {
		return Student{}, ErrNotFound
	}
	return s, nil
}

func (m *Memory) FindStudentByID(ctx context.Context, id primitive.ObjectID) (Student, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("FindStudentByID"); err != nil {
		return Student{}, err
	}
	s, ok := m.students[id]
	if !ok {
		return Student{}, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *Memory) ListStudentsByEvent(ctx context.Context, eventID primitive.ObjectID) ([]Student, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ListStudentsByEvent"); err != nil {
		return nil, err
	}
	var out []Student
	for _, s := range m.students {
		if _, ok := s.Participation(eventID); ok {
			out = append(out, s.Clone())
		}
	}
	return out, nil
}

func (m *Memory) InsertStudent(ctx context.Context, student *Student) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("InsertStudent"); err != nil {
		return err
	}
	for _, s := range m.students {
		if s.ApplicationNumber == student.ApplicationNumber || s.RegistrationNumber == student.RegistrationNumber {
			return ErrConflict
		}
	}
	student.ID = primitive.NewObjectID()
	m.students[student.ID] = student.Clone()
	return nil
}

func (m *Memory) FindTeam(ctx context.Context, id primitive.ObjectID) (Team, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("FindTeam"); err != nil {
		return Team{}, err
	}
	t, ok := m.teams[id]
	if !ok {
		return Team{}, ErrNotFound
	}
	return t, nil
}

func (m *Memory) FindTeamsByStudent(ctx context.Context, studentID primitive.ObjectID) ([]Team, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("FindTeamsByStudent"); err != nil {
		return nil, err
	}
	var out []Team
	for _, t := range m.teams {
		if t.StudentID == studentID {
			out = append(out, t)
		}
	}
	// insertion order is not kept; ObjectIDs grow monotonically.
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Hex() < out[j].ID.Hex() })
	return out, nil
}

func (m *Memory) InsertTeam(ctx context.Context, team *Team) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("InsertTeam"); err != nil {
		return err
	}
	for _, t := range m.teams {
		if t.StudentID == team.StudentID && t.Club == team.Club && t.Position == team.Position {
			return ErrConflict
		}
	}
	team.ID = primitive.NewObjectID()
	m.teams[team.ID] = *team
	return nil
}

func (m *Memory) FindCredential(ctx context.Context, authType, identifier string) (Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("FindCredential"); err != nil {
		return Credential{}, err
	}
	for _, c := range m.creds {
		if c.AuthType != authType {
			continue
		}
		if (authType == AuthAutomation && c.AppID == identifier) ||
			(authType != AuthAutomation && c.Username == identifier) {
			return c, nil
		}
	}
	return Credential{}, ErrNotFound
}

func (m *Memory) InsertCredential(ctx context.Context, cred *Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("InsertCredential"); err != nil {
		return err
	}
	cred.ID = primitive.NewObjectID()
	m.creds[cred.ID] = *cred
	return nil
}

func (m *Memory) SetPasswordHash(ctx context.Context, id primitive.ObjectID, hash []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("SetPasswordHash"); err != nil {
		return err
	}
	c, ok := m.creds[id]
	if !ok {
		return ErrNotFound
	}
	c.PasswordHash = append([]byte(nil), hash...)
	m.creds[id] = c
	return nil
}

func (m *Memory) PushParticipation(ctx context.Context, studentID primitive.ObjectID, p Participation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("PushParticipation"); err != nil {
		return err
	}
	s, ok := m.students[studentID]
	if !ok {
		return ErrNotFound
	}
	if _, exists := s.Participation(p.EventID); exists {
		return ErrConflict
	}
	s.Events = append(s.Clone().Events, p)
	m.students[studentID] = s
	return nil
}

func (m *Memory) MarkParticipationAttended(ctx context.Context, studentID, eventID primitive.ObjectID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("MarkParticipationAttended"); err != nil {
		return err
	}
	s, ok := m.students[studentID]
	if !ok {
		return ErrNotFound
	}
	s = s.Clone()
	for i, p := range s.Events {
		if p.EventID == eventID && !p.Attended {
			s.Events[i].Attended = true
			m.students[studentID] = s
			return nil
		}
	}
	return ErrConflict
}

func (m *Memory) PullParticipation(ctx context.Context, studentID, eventID primitive.ObjectID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("PullParticipation"); err != nil {
		return err
	}
	s, ok := m.students[studentID]
	if !ok {
		return ErrNotFound
	}
	if _, exists := s.Participation(eventID); !exists {
		return ErrNotFound
	}
	kept := make([]Participation, 0, len(s.Events))
	for _, p := range s.Events {
		if p.EventID != eventID {
			kept = append(kept, p)
		}
	}
	s.Events = kept
	m.students[studentID] = s
	return nil
}

func (m *Memory) AddParticipant(ctx context.Context, eventID, studentID primitive.ObjectID, sets ParticipantSets) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("AddParticipant"); err != nil {
		return err
	}
	e, ok := m.events[eventID]
	if !ok {
		return ErrNotFound
	}
	e = e.Clone()
	if sets.Registered && !containsID(e.Participants.Registered, studentID) {
		e.Participants.Registered = append(e.Participants.Registered, studentID)
	}
	if sets.Attended && !containsID(e.Participants.Attended, studentID) {
		e.Participants.Attended = append(e.Participants.Attended, studentID)
	}
	m.events[eventID] = e
	return nil
}

func (m *Memory) RemoveParticipant(ctx context.Context, eventID, studentID primitive.ObjectID, sets ParticipantSets) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("RemoveParticipant"); err != nil {
		return err
	}
	e, ok := m.events[eventID]
	if !ok {
		return ErrNotFound
	}
	if sets.Registered {
		e.Participants.Registered = removeID(e.Participants.Registered, studentID)
	}
	if sets.Attended {
		e.Participants.Attended = removeID(e.Participants.Attended, studentID)
	}
	m.events[eventID] = e
	return nil
}

func removeID(ids []primitive.ObjectID, id primitive.ObjectID) []primitive.ObjectID {
	out := make([]primitive.ObjectID, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
