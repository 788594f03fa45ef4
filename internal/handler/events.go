package handler

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"clubapi/internal/attendance"
	"clubapi/internal/auth"
	"clubapi/internal/store"
)

// ---------- Events ----------

type eventView struct {
	Name     string    `json:"name"`
	Slug     string    `json:"slug"`
	Date     time.Time `json:"date"`
	Location string    `json:"location"`
	Club     string    `json:"club"`
}

func viewEvent(e store.Event) eventView {
	return eventView{Name: e.Name, Slug: e.Slug, Date: e.Date, Location: e.Location, Club: e.Club}
}

// ListEvents returns the events of the coming week.
func (h *Handler) ListEvents(c *gin.Context) {
	events := h.cache.EventsWithin(h.now(), h.windowDays)
	if len(events) == 0 {
		fail(c, http.StatusNotFound, "No events found.")
		return
	}
	out := make([]eventView, 0, len(events))
	for _, e := range events {
		out = append(out, viewEvent(e))
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) GetEvent(c *gin.Context) {
	event, err := h.cache.Event(c.Request.Context(), c.Param("event"), 0)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewEvent(event))
}

// eventClub names the club owning the addressed event.
func (h *Handler) eventClub(c *gin.Context) (string, error) {
	event, err := h.cache.Event(c.Request.Context(), c.Param("event"), 0)
	if errors.Is(err, store.ErrNotFound) {
		return "", attendance.ErrEventNotFound
	}
	if err != nil {
		return "", err
	}
	return event.Club, nil
}

// ---------- Registration & attendance ----------

var errNotSelf = fmt.Errorf("students may only act for themselves: %w", auth.ErrForbiddenScope)

// studentKey parses the :student parameter. Student tokens may only
// address their own record.
func (h *Handler) studentKey(c *gin.Context) (store.StudentKey, error) {
	key, err := store.ParseStudentKey(c.Param("student"))
	if err != nil {
		return store.StudentKey{}, invalid("student", err.Error())
	}
	claims, _ := auth.ClaimsFrom(c)
	if claims.Scope != auth.ScopeStudent {
		return key, nil
	}
	student, err := h.cache.Student(c.Request.Context(), key)
	if errors.Is(err, store.ErrNotFound) {
		return store.StudentKey{}, attendance.ErrStudentNotFound
	}
	if err != nil {
		return store.StudentKey{}, err
	}
	if student.ID.Hex() != claims.StudentID {
		return store.StudentKey{}, errNotSelf
	}
	return key, nil
}

func (h *Handler) RegistrationStatus(c *gin.Context) {
	key, err := h.studentKey(c)
	if err != nil {
		h.writeError(c, err)
		return
	}
	st, err := h.engine.RegistrationStatus(c.Request.Context(), c.Param("event"), key)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if !st.Registered {
		fail(c, http.StatusNotFound, "Student is not registered for the event.")
		return
	}
	respond(c, http.StatusOK, gin.H{
		"message":    "Student is registered for the event.",
		"registered": true,
		"attended":   st.Attended,
		"mode":       st.Mode,
	})
}

func (h *Handler) RegisterStudent(c *gin.Context) {
	key, err := h.studentKey(c)
	if err != nil {
		h.writeError(c, err)
		return
	}
	res, err := h.engine.Register(c.Request.Context(), c.Param("event"), key)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if res.Outcome == attendance.OutcomeAlreadyRegistered {
		respond(c, http.StatusOK, gin.H{"message": "Student is already registered for the event.", "registered": true})
		return
	}
	respond(c, http.StatusCreated, gin.H{"message": "Student registered for the event.", "registered": true})
}

func (h *Handler) Unregister(c *gin.Context) {
	key, err := h.studentKey(c)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if _, err := h.engine.Unregister(c.Request.Context(), c.Param("event"), key); err != nil {
		h.writeError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"message": "Student unregistered from the event.", "registered": false})
}

func (h *Handler) AttendanceStatus(c *gin.Context) {
	key, err := h.studentKey(c)
	if err != nil {
		h.writeError(c, err)
		return
	}
	st, err := h.engine.AttendanceStatus(c.Request.Context(), c.Param("event"), key)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if !st.Attended {
		fail(c, http.StatusNotFound, "Student has not attended the event.")
		return
	}
	respond(c, http.StatusOK, gin.H{"message": "Student attended the event.", "attended": true})
}

func (h *Handler) MarkAttendance(c *gin.Context) {
	key, err := h.studentKey(c)
	if err != nil {
		h.writeError(c, err)
		return
	}
	res, err := h.engine.MarkAttendance(c.Request.Context(), c.Param("event"), key)
	if err != nil {
		h.writeError(c, err)
		return
	}
	mode := store.ModeTimeBased
	if res.Outcome == attendance.OutcomeOnSpot {
		mode = store.ModeOnSpot
	}
	respond(c, http.StatusOK, gin.H{"message": "Attendance marked.", "attended": true, "mode": mode})
}
