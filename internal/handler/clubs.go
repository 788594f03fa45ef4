package handler

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"clubapi/internal/store"
)

// ---------- Clubs ----------

type clubView struct {
	Club        string `json:"club"`
	Slug        string `json:"slug"`
	Unit        string `json:"unit"`
	Institution string `json:"institution"`
}

func viewClub(c store.Club) clubView {
	return clubView{Club: c.Name, Slug: c.Slug, Unit: string(c.UnitType), Institution: c.Institution}
}

func (h *Handler) ListClubs(c *gin.Context) {
	clubs := h.cache.Clubs()
	if len(clubs) == 0 {
		fail(c, http.StatusNotFound, "No clubs found.")
		return
	}
	out := make([]clubView, 0, len(clubs))
	for _, club := range clubs {
		out = append(out, viewClub(club))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	c.JSON(http.StatusOK, out)
}

func (h *Handler) GetClub(c *gin.Context) {
	club, err := h.cache.Club(c.Request.Context(), c.Param("club"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewClub(club))
}

type advisorRequest struct {
	Name  string `json:"name" binding:"required,max=100"`
	Email string `json:"email" binding:"required,email"`
}

type createClubRequest struct {
	Name            string           `json:"name" binding:"required,max=100"`
	Slug            string           `json:"slug" binding:"required,max=100"`
	Institution     string           `json:"institution" binding:"required,max=100"`
	UnitType        store.Unit       `json:"unit_type" binding:"required"`
	FacultyAdvisors []advisorRequest `json:"faculty_advisors" binding:"dive"`
}

// CreateClub inserts a club. Slugs are unique.
func (h *Handler) CreateClub(c *gin.Context) {
	var req createClubRequest
	if err := bind(c, &req); err != nil {
		h.writeError(c, err)
		return
	}
	if !req.UnitType.Valid() {
		h.writeError(c, invalid("unit_type", fmt.Sprintf("unknown unit %q", req.UnitType)))
		return
	}
	slug := strings.ToLower(strings.TrimSpace(req.Slug))
	if slug != slugify(slug) {
		h.writeError(c, invalid("slug", "must be lowercase letters, digits and dashes"))
		return
	}

	club := store.Club{
		Slug:            slug,
		Name:            req.Name,
		Institution:     req.Institution,
		UnitType:        req.UnitType,
		FacultyAdvisors: make([]store.FacultyAdvisor, 0, len(req.FacultyAdvisors)),
		CoreCommittee:   map[store.CommitteeRole]primitive.ObjectID{},
		Events:          map[string][]primitive.ObjectID{},
	}
	for _, a := range req.FacultyAdvisors {
		club.FacultyAdvisors = append(club.FacultyAdvisors, store.FacultyAdvisor{Name: a.Name, Email: strings.ToLower(a.Email)})
	}
	ctx := c.Request.Context()
	if err := h.store.InsertClub(ctx, &club); err != nil {
		if errors.Is(err, store.ErrConflict) {
			fail(c, http.StatusConflict, "Object already exists.")
			return
		}
		h.writeError(c, err)
		return
	}
	h.republishClub(c, slug)
	respond(c, http.StatusCreated, gin.H{"id": club.ID.Hex(), "slug": club.Slug})
}

// ---------- Core committee ----------

type coreMember struct {
	Position          string `json:"position"`
	Name              string `json:"name"`
	ApplicationNumber int64  `json:"application_number"`
	Email             string `json:"email"`
}

// GetCore lists the club's core committee with student details.
func (h *Handler) GetCore(c *gin.Context) {
	ctx := c.Request.Context()
	club, err := h.cache.Club(ctx, c.Param("club"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	out := make([]coreMember, 0, len(club.CoreCommittee))
	for role, teamID := range club.CoreCommittee {
		team, err := h.cache.Team(ctx, teamID)
		if errors.Is(err, store.ErrNotFound) {
			h.log.Warn("core committee references missing team", zap.String("club", club.Slug), zap.String("team_id", teamID.Hex()))
			continue
		}
		if err != nil {
			h.writeError(c, err)
			return
		}
		student, err := h.store.FindStudentByID(ctx, team.StudentID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			h.writeError(c, err)
			return
		}
		out = append(out, coreMember{
			Position:          string(role),
			Name:              student.Name,
			ApplicationNumber: student.ApplicationNumber,
			Email:             student.Email,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	c.JSON(http.StatusOK, out)
}

type permissionsRequest struct {
	CreateEvent      *bool `json:"create_event"`
	ModifyEvent      *bool `json:"modify_event"`
	DeleteEvent      *bool `json:"delete_event"`
	GetEvent         *bool `json:"get_event"`
	MarkAttendance   *bool `json:"mark_attendance"`
	ModifyAttendance *bool `json:"modify_attendance"`
}

// capabilities requires every flag to be present.
func (p *permissionsRequest) capabilities() (store.Capabilities, error) {
	if p == nil {
		return store.Capabilities{}, invalid("permissions", "permissions not provided")
	}
	flags := []struct {
		name string
		v    *bool
	}{
		{"create_event", p.CreateEvent},
		{"modify_event", p.ModifyEvent},
		{"delete_event", p.DeleteEvent},
		{"get_event", p.GetEvent},
		{"mark_attendance", p.MarkAttendance},
		{"modify_attendance", p.ModifyAttendance},
	}
	for _, f := range flags {
		if f.v == nil {
			return store.Capabilities{}, invalid("permissions."+f.name, "flag not provided")
		}
	}
	return store.Capabilities{
		CreateEvent:      *p.CreateEvent,
		ModifyEvent:      *p.ModifyEvent,
		DeleteEvent:      *p.DeleteEvent,
		GetEvent:         *p.GetEvent,
		MarkAttendance:   *p.MarkAttendance,
		ModifyAttendance: *p.ModifyAttendance,
	}, nil
}

type appointRequest struct {
	ApplicationNumber int64               `json:"application_number" binding:"required"`
	APIAccess         bool                `json:"api_access"`
	Permissions       *permissionsRequest `json:"permissions"`
	Position          *store.Position     `json:"position"`
}

// AppointMember adds a student to the club's team. Core positions are
// also recorded on the club, and api_access creates a login.
func (h *Handler) AppointMember(c *gin.Context) {
	var req appointRequest
	if err := bind(c, &req); err != nil {
		h.writeError(c, err)
		return
	}
	perms, err := req.Permissions.capabilities()
	if err != nil {
		h.writeError(c, err)
		return
	}
	if req.Position == nil || strings.TrimSpace(req.Position.Type) == "" || strings.TrimSpace(req.Position.Name) == "" {
		h.writeError(c, invalid("position", "type and name are required"))
		return
	}

	ctx := c.Request.Context()
	club, err := h.cache.Club(ctx, c.Param("club"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	student, err := h.cache.Student(ctx, store.ApplicationKey(req.ApplicationNumber))
	if errors.Is(err, store.ErrNotFound) {
		fail(c, http.StatusNotFound, "Student not found.")
		return
	}
	if err != nil {
		h.writeError(c, err)
		return
	}

	team := store.Team{
		StudentID:   student.ID,
		Club:        club.Slug,
		Position:    *req.Position,
		Permissions: perms,
		APIAccess:   req.APIAccess,
	}
	if err := h.store.InsertTeam(ctx, &team); err != nil {
		if errors.Is(err, store.ErrConflict) {
			fail(c, http.StatusConflict, "Student already holds this position in the club.")
			return
		}
		h.writeError(c, err)
		return
	}

	if role, ok := store.CommitteeRoleFor(req.Position.Name); ok {
		if err := h.store.SetCoreCommittee(ctx, club.Slug, role, team.ID); err != nil {
			h.writeError(c, err)
			return
		}
		h.republishClub(c, club.Slug)
	}
	if req.APIAccess {
		cred := store.Credential{
			AuthType:     store.AuthUser,
			FriendlyName: student.Name,
			Username:     strconv.FormatInt(student.ApplicationNumber, 10),
			StudentID:    student.ID,
			TeamID:       team.ID,
		}
		if err := h.store.InsertCredential(ctx, &cred); err != nil {
			h.writeError(c, err)
			return
		}
	}
	respond(c, http.StatusCreated, gin.H{"id": team.ID.Hex()})
}

// ---------- Club events ----------

type createEventRequest struct {
	Name     string    `json:"name" binding:"required,max=100"`
	Date     time.Time `json:"date" binding:"required"`
	Location string    `json:"location" binding:"max=200"`
}

// CreateEvent adds an event to the club in the active sort year. The slug
// is derived from the club slug and the event name.
func (h *Handler) CreateEvent(c *gin.Context) {
	var req createEventRequest
	if err := bind(c, &req); err != nil {
		h.writeError(c, err)
		return
	}
	sub := slugify(req.Name)
	if sub == "" {
		h.writeError(c, invalid("name", "must contain letters or digits"))
		return
	}

	ctx := c.Request.Context()
	club, err := h.cache.Club(ctx, c.Param("club"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	event := store.Event{
		Slug:     club.Slug + "-" + sub,
		Name:     req.Name,
		Date:     req.Date.UTC(),
		Location: req.Location,
		Club:     club.Slug,
		SortYear: h.cache.SortYear(),
	}
	if err := h.store.InsertEvent(ctx, &event); err != nil {
		if errors.Is(err, store.ErrConflict) {
			fail(c, http.StatusConflict, "Event already exists.")
			return
		}
		h.writeError(c, err)
		return
	}
	if err := h.store.AddClubEvent(ctx, club.Slug, event.SortYear, event.ID); err != nil {
		h.log.Error("event not linked to club", zap.String("club", club.Slug), zap.String("event", event.Slug), zap.Error(err))
	} else {
		h.republishClub(c, club.Slug)
	}
	if _, err := h.cache.FetchEvent(ctx, event.Slug, event.SortYear); err != nil {
		h.log.Warn("republish event", zap.String("event", event.Slug), zap.Error(err))
	}
	respond(c, http.StatusCreated, gin.H{
		"message": "Event created.",
		"id":      event.ID.Hex(),
		"slug":    event.Slug,
	})
}

func (h *Handler) republishClub(c *gin.Context, slug string) {
	if _, err := h.cache.FetchClub(c.Request.Context(), slug); err != nil {
		h.log.Warn("republish club", zap.String("club", slug), zap.Error(err))
	}
}

// slugify lowercases s and joins its runs of letters and digits with dashes.
func slugify(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if dash && b.Len() > 0 {
				b.WriteByte('-')
			}
			b.WriteRune(r)
			dash = false
		default:
			dash = true
		}
	}
	return b.String()
}
