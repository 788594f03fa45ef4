// Package handler exposes the club API over HTTP.
package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"clubapi/internal/attendance"
	"clubapi/internal/auth"
	"clubapi/internal/store"
)

// Cache is the read path the handlers use.
type Cache interface {
	SortYear() int
	Club(ctx context.Context, slug string) (store.Club, error)
	FetchClub(ctx context.Context, slug string) (store.Club, error)
	Clubs() []store.Club
	Event(ctx context.Context, slug string, year int) (store.Event, error)
	FetchEvent(ctx context.Context, slug string, year int) (store.Event, error)
	EventsWithin(now time.Time, days int) []store.Event
	Team(ctx context.Context, id primitive.ObjectID) (store.Team, error)
	Student(ctx context.Context, key store.StudentKey) (store.Student, error)
	FetchStudent(ctx context.Context, key store.StudentKey) (store.Student, error)
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Deps are the services the handlers are built from.
type Deps struct {
	Store    store.Store
	Cache    Cache
	Engine   *attendance.Service
	Login    *auth.Login
	Verifier *auth.Verifier
	Resolver *auth.Resolver
	// EventWindowDays is how far ahead GET /events looks.
	EventWindowDays int
	Health          map[string]HealthCheck
	Log             *zap.Logger
}

type Handler struct {
	store      store.Store
	cache      Cache
	engine     *attendance.Service
	login      *auth.Login
	verifier   *auth.Verifier
	resolver   *auth.Resolver
	windowDays int
	health     map[string]HealthCheck
	log        *zap.Logger
	now        func() time.Time
}

func New(d Deps) *Handler {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.EventWindowDays <= 0 {
		d.EventWindowDays = 7
	}
	return &Handler{
		store:      d.Store,
		cache:      d.Cache,
		engine:     d.Engine,
		login:      d.Login,
		verifier:   d.Verifier,
		resolver:   d.Resolver,
		windowDays: d.EventWindowDays,
		health:     d.Health,
		log:        d.Log.Named("handler"),
		now:        time.Now,
	}
}

// Register mounts every route on r.
func (h *Handler) Register(r gin.IRouter) {
	gate := func(scopes ...auth.Scope) gin.HandlerFunc { return auth.Gate(h.verifier, h.log, scopes...) }
	need := func(cap store.Capability, clubOf auth.ClubOf) gin.HandlerFunc {
		return auth.RequireCapability(h.resolver, cap, clubOf)
	}

	r.GET("/healthz", h.Healthz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.POST("/auth/login", h.Login)

	clubs := r.Group("/clubs")
	clubs.GET("", gate(), h.ListClubs)
	clubs.POST("", gate(auth.ScopeAdmin), h.CreateClub)
	clubs.GET("/:club", gate(), h.GetClub)
	clubs.GET("/:club/core", gate(), h.GetCore)
	clubs.POST("/:club/core", gate(auth.ScopeAdmin, auth.ScopeTeam), need(store.CapAll, clubFromPath), h.AppointMember)
	clubs.POST("/:club/events", gate(auth.ScopeAdmin, auth.ScopeTeam), need(store.CapCreateEvent, clubFromPath), h.CreateEvent)

	events := r.Group("/events")
	events.GET("", h.ListEvents)
	events.GET("/:event", h.GetEvent)
	participants := []auth.Scope{auth.ScopeStudent, auth.ScopeTeam, auth.ScopeAdmin}
	events.GET("/:event/register/:student", gate(participants...), h.RegistrationStatus)
	events.POST("/:event/register/:student", gate(participants...), h.RegisterStudent)
	events.DELETE("/:event/register/:student", gate(auth.ScopeTeam, auth.ScopeAdmin), need(store.CapModifyAttendance, h.eventClub), h.Unregister)
	events.GET("/:event/attendance/:student", gate(participants...), h.AttendanceStatus)
	events.POST("/:event/attendance/:student", gate(auth.ScopeTeam), need(store.CapMarkAttendance, h.eventClub), h.MarkAttendance)

	students := r.Group("/students")
	students.GET("/:student", gate(), h.GetStudent)
	students.POST("", gate(auth.ScopeAdmin, auth.ScopeAutomation), h.CreateStudent)
}

// ---------- Health ----------

func (h *Handler) Healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := make(gin.H, len(h.health))
	healthy := true
	for name, check := range h.health {
		err := check(ctx)
		checks[name] = err == nil
		if err != nil {
			healthy = false
			h.log.Warn("health check failed", zap.String("check", name), zap.Error(err))
		}
	}
	if !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "checks": checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "checks": checks})
}

// ---------- Responses ----------

// ValidationError reports a malformed request field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// respond writes body with the status field set.
func respond(c *gin.Context, status int, body gin.H) {
	if body == nil {
		body = gin.H{}
	}
	body["status"] = status
	c.JSON(status, body)
}

func fail(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"status":  status,
		"error":   http.StatusText(status),
		"message": message,
	})
}

// writeError maps err onto the HTTP error taxonomy.
func (h *Handler) writeError(c *gin.Context, err error) {
	var (
		pw *attendance.PartialWriteError
		ve *ValidationError
	)
	switch {
	case errors.As(err, &pw):
		fail(c, http.StatusBadGateway, fmt.Sprintf("%s side of %s was not updated; queued for repair", pw.Side, pw.Op))
	case errors.As(err, &ve):
		fail(c, http.StatusBadRequest, ve.Error())
	case errors.Is(err, store.ErrNotFound):
		fail(c, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrConflict):
		fail(c, http.StatusConflict, err.Error())
	case errors.Is(err, auth.ErrInvalidCredentials):
		fail(c, http.StatusUnauthorized, err.Error())
	case errors.Is(err, auth.ErrForbiddenScope):
		fail(c, http.StatusForbidden, "not authorized")
	default:
		h.log.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("route", c.FullPath()),
			zap.Error(err))
		fail(c, http.StatusInternalServerError, "internal error")
	}
}

// bind decodes the JSON body into v, turning binding failures into
// validation errors.
func bind(c *gin.Context, v any) error {
	if err := c.ShouldBindJSON(v); err != nil {
		return &ValidationError{Reason: err.Error()}
	}
	return nil
}

func clubFromPath(c *gin.Context) (string, error) {
	return c.Param("club"), nil
}
