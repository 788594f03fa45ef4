package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"clubapi/internal/store"
)

// ---------- Students ----------

// GetStudent reports whether a student exists for an application number,
// registration number or email.
func (h *Handler) GetStudent(c *gin.Context) {
	key, err := store.ParseStudentKey(c.Param("student"))
	if err != nil {
		h.writeError(c, invalid("student", err.Error()))
		return
	}
	student, err := h.cache.Student(c.Request.Context(), key)
	if errors.Is(err, store.ErrNotFound) {
		respond(c, http.StatusOK, gin.H{"exists": false})
		return
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"exists": true, "registration_number": student.RegistrationNumber})
}

type academicRequest struct {
	Stream   string `json:"stream" binding:"max=100"`
	YearPass int    `json:"year_pass" binding:"omitempty,min=2000,max=2100"`
}

type createStudentRequest struct {
	ApplicationNumber  int64           `json:"application_number" binding:"required,gt=0"`
	RegistrationNumber int64           `json:"registration_number" binding:"required,gt=0"`
	Email              string          `json:"email" binding:"required,email"`
	Name               string          `json:"name" binding:"required,max=100"`
	Institution        string          `json:"institution" binding:"max=100"`
	PhoneNumber        string          `json:"phone_number" binding:"max=20"`
	MessProvider       string          `json:"mess_provider" binding:"max=50"`
	Academic           academicRequest `json:"academic"`
	Clubs              []string        `json:"clubs"`
}

// CreateStudent inserts a student. Application and registration numbers
// are unique.
func (h *Handler) CreateStudent(c *gin.Context) {
	var req createStudentRequest
	if err := bind(c, &req); err != nil {
		h.writeError(c, err)
		return
	}
	clubs := make([]primitive.ObjectID, 0, len(req.Clubs))
	for _, raw := range req.Clubs {
		id, err := primitive.ObjectIDFromHex(raw)
		if err != nil {
			h.writeError(c, invalid("clubs", "invalid club id "+raw))
			return
		}
		clubs = append(clubs, id)
	}

	student := store.Student{
		ApplicationNumber:  req.ApplicationNumber,
		RegistrationNumber: req.RegistrationNumber,
		Email:              strings.ToLower(strings.TrimSpace(req.Email)),
		Name:               req.Name,
		Institution:        req.Institution,
		PhoneNumber:        req.PhoneNumber,
		MessProvider:       req.MessProvider,
		Academic:           store.Academic{Stream: req.Academic.Stream, YearPass: req.Academic.YearPass},
		Clubs:              clubs,
		Events:             []store.Participation{},
	}
	ctx := c.Request.Context()
	if err := h.store.InsertStudent(ctx, &student); err != nil {
		if errors.Is(err, store.ErrConflict) {
			fail(c, http.StatusConflict, "Student already exists.")
			return
		}
		h.writeError(c, err)
		return
	}
	if _, err := h.cache.FetchStudent(ctx, store.ApplicationKey(student.ApplicationNumber)); err != nil {
		h.log.Warn("republish student", zap.Int64("application_number", student.ApplicationNumber), zap.Error(err))
	}
	respond(c, http.StatusCreated, gin.H{"id": student.ID.Hex()})
}
