package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"clubapi/internal/store"
)

// ErrNoMembership means the student holds no team membership that applies.
// It matches store.ErrNotFound.
var ErrNoMembership = fmt.Errorf("no team membership: %w", store.ErrNotFound)

// TeamFinder looks up the team memberships of a student.
type TeamFinder interface {
	FindTeamsByStudent(ctx context.Context, studentID primitive.ObjectID) ([]store.Team, error)
}

// Resolver answers capability questions against team memberships.
type Resolver struct {
	teams TeamFinder
	log   *zap.Logger
}

// NewResolver returns a resolver reading memberships from teams.
func NewResolver(teams TeamFinder, log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{teams: teams, log: log.Named("permissions")}
}

// Check evaluates cap against the student's first membership record. More
// than one record is tolerated with a warning; use CheckForClub when the
// club is known.
func (r *Resolver) Check(ctx context.Context, studentID primitive.ObjectID, cap store.Capability) (bool, error) {
	teams, err := r.teams.FindTeamsByStudent(ctx, studentID)
	if err != nil {
		return false, fmt.Errorf("find memberships: %w", err)
	}
	if len(teams) == 0 {
		return false, ErrNoMembership
	}
	if len(teams) > 1 {
		r.log.Warn("membership is not unique per student, using first record",
			zap.String("student_id", studentID.Hex()), zap.Int("records", len(teams)))
	}
	return teams[0].Permissions.Allows(cap), nil
}

// CheckForClub evaluates cap against the student's memberships in club.
// Holding several positions in one club grants the union of their flags.
func (r *Resolver) CheckForClub(ctx context.Context, studentID primitive.ObjectID, club string, cap store.Capability) (bool, error) {
	teams, err := r.teams.FindTeamsByStudent(ctx, studentID)
	if err != nil {
		return false, fmt.Errorf("find memberships: %w", err)
	}
	var (
		found bool
		union store.Capabilities
	)
	for _, t := range teams {
		if t.Club != club {
			continue
		}
		found = true
		union = union.Merge(t.Permissions)
	}
	if !found {
		return false, ErrNoMembership
	}
	return union.Allows(cap), nil
}

// ClubOf names the club that owns the resource a request addresses.
type ClubOf func(c *gin.Context) (string, error)

// RequireCapability admits admin tokens and team tokens whose student holds
// cap in the club returned by clubOf. It must run after Gate.
func RequireCapability(r *Resolver, cap store.Capability, clubOf ClubOf) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := ClaimsFrom(c)
		if !ok {
			abort(c, http.StatusForbidden, "not authorized")
			return
		}
		if claims.Scope == ScopeAdmin {
			c.Next()
			return
		}
		studentID, err := primitive.ObjectIDFromHex(claims.StudentID)
		if claims.Scope != ScopeTeam || err != nil {
			r.log.Warn("capability check without team identity",
				zap.String("scope", string(claims.Scope)), zap.String("capability", string(cap)))
			abort(c, http.StatusForbidden, "not authorized")
			return
		}
		club, err := clubOf(c)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				abort(c, http.StatusNotFound, err.Error())
				return
			}
			r.log.Error("resolve owning club", zap.Error(err))
			abort(c, http.StatusInternalServerError, "internal error")
			return
		}
		allowed, err := r.CheckForClub(c.Request.Context(), studentID, club, cap)
		if err != nil && !errors.Is(err, ErrNoMembership) {
			r.log.Error("permission check failed", zap.Error(err))
			abort(c, http.StatusInternalServerError, "internal error")
			return
		}
		if !allowed {
			r.log.Info("capability denied",
				zap.String("student_id", claims.StudentID), zap.String("club", club), zap.String("capability", string(cap)))
			abort(c, http.StatusForbidden, "missing permission "+string(cap))
			return
		}
		c.Next()
	}
}

func abort(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"status":  status,
		"error":   http.StatusText(status),
		"message": message,
	})
}
