package store

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Collection names.
const (
	CollClubs          = "clubs"
	CollEvents         = "events"
	CollStudents       = "students"
	CollTeams          = "club_teams"
	CollAuthentication = "authentication"
)

// Unit classifies a club.
type Unit string

const (
	UnitChapter Unit = "chapter"
	UnitClub    Unit = "club"
	UnitSociety Unit = "society"
)

// Valid reports whether u is a known unit type.
func (u Unit) Valid() bool {
	switch u {
	case UnitChapter, UnitClub, UnitSociety:
		return true
	}
	return false
}

// CommitteeRole is a core committee position of a club.
type CommitteeRole string

const (
	RolePresident          CommitteeRole = "president"
	RoleVicePresident      CommitteeRole = "vice_president"
	RoleTreasurer          CommitteeRole = "treasurer"
	RoleExecutiveSecretary CommitteeRole = "executive_secretary"
	RoleGeneralSecretary   CommitteeRole = "general_secretary"
	RoleOperationsLead     CommitteeRole = "operations_lead"
)

// CommitteeRoleFor returns the committee role matching a position name.
func CommitteeRoleFor(name string) (CommitteeRole, bool) {
	switch r := CommitteeRole(name); r {
	case RolePresident, RoleVicePresident, RoleTreasurer,
		RoleExecutiveSecretary, RoleGeneralSecretary, RoleOperationsLead:
		return r, true
	}
	return "", false
}

// FacultyAdvisor is a name+email pair attached to a club.
type FacultyAdvisor struct {
	Name  string `bson:"name" json:"name"`
	Email string `bson:"email" json:"email"`
}

// Club is a document of the clubs collection.
type Club struct {
	ID              primitive.ObjectID                   `bson:"_id,omitempty" json:"id"`
	Slug            string                               `bson:"slug" json:"slug"`
	Name            string                               `bson:"name" json:"name"`
	Institution     string                               `bson:"institution" json:"institution"`
	UnitType        Unit                                 `bson:"unit_type" json:"unit_type"`
	FacultyAdvisors []FacultyAdvisor                     `bson:"faculty_advisors" json:"faculty_advisors"`
	CoreCommittee   map[CommitteeRole]primitive.ObjectID `bson:"core_committee" json:"core_committee"`
	Operations      []primitive.ObjectID                 `bson:"operations" json:"operations"`
	// Events maps a sort year to the events the club ran that year.
	Events map[string][]primitive.ObjectID `bson:"events" json:"events"`
}

// Clone returns a deep copy of the club.
func (c Club) Clone() Club {
	out := c
	out.FacultyAdvisors = append([]FacultyAdvisor(nil), c.FacultyAdvisors...)
	out.Operations = cloneIDs(c.Operations)
	if c.CoreCommittee != nil {
		out.CoreCommittee = make(map[CommitteeRole]primitive.ObjectID, len(c.CoreCommittee))
		for k, v := range c.CoreCommittee {
			out.CoreCommittee[k] = v
		}
	}
	if c.Events != nil {
		out.Events = make(map[string][]primitive.ObjectID, len(c.Events))
		for k, v := range c.Events {
			out.Events[k] = cloneIDs(v)
		}
	}
	return out
}

// RegistrationMode records how a student came to be registered for an event.
type RegistrationMode string

const (
	ModeTimeBased RegistrationMode = "time_based"
	ModeOnSpot    RegistrationMode = "onspot"
)

// Participation is one entry of a student's event list.
type Participation struct {
	EventID      primitive.ObjectID `bson:"event_id" json:"event_id"`
	Registration RegistrationMode   `bson:"registration" json:"registration"`
	Attended     bool               `bson:"attended" json:"attended"`
	SortYear     int                `bson:"sort_year" json:"sort_year"`
}

// Academic holds the academic profile of a student.
type Academic struct {
	Stream   string `bson:"stream" json:"stream"`
	YearPass int    `bson:"year_pass" json:"year_pass"`
}

// Student is a document of the students collection.
type Student struct {
	ID                 primitive.ObjectID   `bson:"_id,omitempty" json:"id"`
	ApplicationNumber  int64                `bson:"application_number" json:"application_number"`
	RegistrationNumber int64                `bson:"registration_number" json:"registration_number"`
	Email              string               `bson:"email" json:"email"`
	Name               string               `bson:"name" json:"name"`
	Institution        string               `bson:"institution" json:"institution"`
	PhoneNumber        string               `bson:"phone_number" json:"phone_number"`
	MessProvider       string               `bson:"mess_provider" json:"mess_provider"`
	Academic           Academic             `bson:"academic" json:"academic"`
	Clubs              []primitive.ObjectID `bson:"clubs" json:"clubs"`
	Events             []Participation      `bson:"events" json:"events"`
}

// Clone returns a deep copy of the student.
func (s Student) Clone() Student {
	out := s
	out.Clubs = cloneIDs(s.Clubs)
	out.Events = append([]Participation(nil), s.Events...)
	return out
}

// Participation returns the student's record for eventID, if any.
func (s Student) Participation(eventID primitive.ObjectID) (Participation, bool) {
	for _, p := range s.Events {
		if p.EventID == eventID {
			return p, true
		}
	}
	return Participation{}, false
}

// Participants holds the two member reference sets of an event.
type Participants struct {
	Registered []primitive.ObjectID `bson:"registered" json:"registered"`
	Attended   []primitive.ObjectID `bson:"attended" json:"attended"`
}

// Event is a document of the events collection. (Slug, SortYear) is unique.
type Event struct {
	ID           primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Slug         string             `bson:"slug" json:"slug"`
	Name         string             `bson:"name" json:"name"`
	Date         time.Time          `bson:"date" json:"date"`
	Location     string             `bson:"location" json:"location"`
	Club         string             `bson:"club" json:"club"`
	SortYear     int                `bson:"sort_year" json:"sort_year"`
	Participants Participants       `bson:"participants" json:"participants"`
}

// Clone returns a deep copy of the event.
func (e Event) Clone() Event {
	out := e
	out.Participants.Registered = cloneIDs(e.Participants.Registered)
	out.Participants.Attended = cloneIDs(e.Participants.Attended)
	return out
}

// IsRegistered reports whether id is in the registered set.
func (e Event) IsRegistered(id primitive.ObjectID) bool {
	return containsID(e.Participants.Registered, id)
}

// HasAttended reports whether id is in the attended set.
func (e Event) HasAttended(id primitive.ObjectID) bool {
	return containsID(e.Participants.Attended, id)
}

// Position is a team member's position within a club.
type Position struct {
	Type string `bson:"type" json:"type"`
	Name string `bson:"name" json:"name"`
}

// Capability names one permission flag of a team member.
type Capability string

const (
	CapCreateEvent      Capability = "create_event"
	CapModifyEvent      Capability = "modify_event"
	CapDeleteEvent      Capability = "delete_event"
	CapGetEvent         Capability = "get_event"
	CapMarkAttendance   Capability = "mark_attendance"
	CapModifyAttendance Capability = "modify_attendance"
	CapAll              Capability = "all"
)

// Capabilities is the fixed set of permission flags on a team membership.
type Capabilities struct {
	CreateEvent      bool `bson:"create_event" json:"create_event"`
	ModifyEvent      bool `bson:"modify_event" json:"modify_event"`
	DeleteEvent      bool `bson:"delete_event" json:"delete_event"`
	GetEvent         bool `bson:"get_event" json:"get_event"`
	MarkAttendance   bool `bson:"mark_attendance" json:"mark_attendance"`
	ModifyAttendance bool `bson:"modify_attendance" json:"modify_attendance"`
}

// Allows reports whether the flag for c is set. CapAll requires every flag.
// Unknown capabilities are never allowed.
func (p Capabilities) Allows(c Capability) bool {
	switch c {
	case CapCreateEvent:
		return p.CreateEvent
	case CapModifyEvent:
		return p.ModifyEvent
	case CapDeleteEvent:
		return p.DeleteEvent
	case CapGetEvent:
		return p.GetEvent
	case CapMarkAttendance:
		return p.MarkAttendance
	case CapModifyAttendance:
		return p.ModifyAttendance
	case CapAll:
		return p.CreateEvent && p.ModifyEvent && p.DeleteEvent &&
			p.GetEvent && p.MarkAttendance && p.ModifyAttendance
	}
	return false
}

// AllCapabilities returns a set with every flag granted.
func AllCapabilities() Capabilities {
	return Capabilities{
		CreateEvent:      true,
		ModifyEvent:      true,
		DeleteEvent:      true,
		GetEvent:         true,
		MarkAttendance:   true,
		ModifyAttendance: true,
	}
}

// Merge returns the union of p and o.
func (p Capabilities) Merge(o Capabilities) Capabilities {
	return Capabilities{
		CreateEvent:      p.CreateEvent || o.CreateEvent,
		ModifyEvent:      p.ModifyEvent || o.ModifyEvent,
		DeleteEvent:      p.DeleteEvent || o.DeleteEvent,
		GetEvent:         p.GetEvent || o.GetEvent,
		MarkAttendance:   p.MarkAttendance || o.MarkAttendance,
		ModifyAttendance: p.ModifyAttendance || o.ModifyAttendance,
	}
}

// Team links a student to a club with a position and capability set.
// (StudentID, Position, Club) is unique.
type Team struct {
	ID          primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	StudentID   primitive.ObjectID `bson:"student_id" json:"student_id"`
	Club        string             `bson:"club" json:"club"`
	Position    Position           `bson:"position" json:"position"`
	Permissions Capabilities       `bson:"permissions" json:"permissions"`
	APIAccess   bool               `bson:"api_access" json:"api_access"`
}

// Auth types of the authentication collection.
const (
	AuthUser       = "USER"
	AuthAutomation = "AUTOMATION"
)

// Credential is a document of the authentication collection.
type Credential struct {
	ID           primitive.ObjectID `bson:"_id,omitempty"`
	AuthType     string             `bson:"auth_type"`
	FriendlyName string             `bson:"friendly_name,omitempty"`
	Username     string             `bson:"username,omitempty"`
	AppID        string             `bson:"app_id,omitempty"`
	PasswordHash []byte             `bson:"password_hash,omitempty"`
	TokenHash    []byte             `bson:"token,omitempty"`
	StudentID    primitive.ObjectID `bson:"student_id,omitempty"`
	TeamID       primitive.ObjectID `bson:"team_id,omitempty"`
}

func cloneIDs(ids []primitive.ObjectID) []primitive.ObjectID {
	if ids == nil {
		return nil
	}
	return append([]primitive.ObjectID(nil), ids...)
}

func containsID(ids []primitive.ObjectID, id primitive.ObjectID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
