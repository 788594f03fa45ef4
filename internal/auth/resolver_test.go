package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"clubapi/internal/store"
)

func appoint(t *testing.T, mem *store.Memory, student primitive.ObjectID, club, name string, perms store.Capabilities) store.Team {
	t.Helper()
	team := store.Team{StudentID: student, Club: club, Position: store.Position{Type: "core", Name: name}, Permissions: perms}
	require.NoError(t, mem.InsertTeam(context.Background(), &team))
	return team
}

func TestCheckWithoutMembershipIsNotFound(t *testing.T) {
	r := NewResolver(store.NewMemory(), zap.NewNop())
	for _, c := range []store.Capability{store.CapCreateEvent, store.CapAll} {
		_, err := r.Check(context.Background(), primitive.NewObjectID(), c)
		assert.ErrorIs(t, err, ErrNoMembership)
		assert.ErrorIs(t, err, store.ErrNotFound)
	}
}

func TestCheckEvaluatesFlags(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	sid := primitive.NewObjectID()
	appoint(t, mem, sid, "codex", "treasurer", store.Capabilities{GetEvent: true, MarkAttendance: true})
	r := NewResolver(mem, zap.NewNop())

	ok, err := r.Check(ctx, sid, store.CapCreateEvent)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = r.Check(ctx, sid, store.CapMarkAttendance)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.Check(ctx, sid, store.CapAll)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCheckWarnsOnDuplicateMemberships(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	sid := primitive.NewObjectID()
	appoint(t, mem, sid, "codex", "president", store.AllCapabilities())
	appoint(t, mem, sid, "other", "member", store.Capabilities{})

	core, logs := observer.New(zapcore.WarnLevel)
	r := NewResolver(mem, zap.New(core))

	ok, err := r.Check(ctx, sid, store.CapAll)
	require.NoError(t, err)
	assert.True(t, ok, "first record is used")
	assert.Equal(t, 1, logs.Len())
}

func TestCheckForClubResolvesPerClub(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	sid := primitive.NewObjectID()
	appoint(t, mem, sid, "codex", "president", store.Capabilities{CreateEvent: true})
	appoint(t, mem, sid, "other", "member", store.Capabilities{})
	appoint(t, mem, sid, "codex", "events_lead", store.Capabilities{MarkAttendance: true})
	r := NewResolver(mem, zap.NewNop())

	ok, err := r.CheckForClub(ctx, sid, "codex", store.CapCreateEvent)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = r.CheckForClub(ctx, sid, "codex", store.CapMarkAttendance)
	require.NoError(t, err)
	assert.True(t, ok, "positions in the same club combine")

	ok, err = r.CheckForClub(ctx, sid, "other", store.CapCreateEvent)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = r.CheckForClub(ctx, sid, "nowhere", store.CapGetEvent)
	assert.ErrorIs(t, err, ErrNoMembership)
}

func TestCheckPropagatesStoreFailure(t *testing.T) {
	mem := store.NewMemory()
	boom := errors.New("down")
	mem.FailNext("FindTeamsByStudent", boom)
	_, err := NewResolver(mem, zap.NewNop()).Check(context.Background(), primitive.NewObjectID(), store.CapAll)
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrNoMembership)
}

func TestRequireCapability(t *testing.T) {
	key, _ := testKeys(t)
	signer := NewSigner(key, testIssuer)
	verifier := NewVerifier(&key.PublicKey, testIssuer, 0)
	mem := store.NewMemory()
	allowed := primitive.NewObjectID()
	denied := primitive.NewObjectID()
	appoint(t, mem, allowed, "codex", "president", store.Capabilities{MarkAttendance: true})
	appoint(t, mem, denied, "codex", "member", store.Capabilities{GetEvent: true})

	clubOf := func(c *gin.Context) (string, error) {
		if c.Param("club") == "ghost" {
			return "", store.ErrNotFound
		}
		return c.Param("club"), nil
	}
	r := gin.New()
	r.POST("/clubs/:club/mark", Gate(verifier, zap.NewNop()),
		RequireCapability(NewResolver(mem, zap.NewNop()), store.CapMarkAttendance, clubOf),
		func(c *gin.Context) { c.Status(http.StatusOK) })

	token := func(scope Scope, student primitive.ObjectID) string {
		tok, _, err := signer.Issue(Claims{Scope: scope, StudentID: student.Hex()}, time.Minute)
		require.NoError(t, err)
		return tok
	}
	tests := []struct {
		name  string
		club  string
		token string
		want  int
	}{
		{"holder", "codex", token(ScopeTeam, allowed), http.StatusOK},
		{"admin bypass", "codex", token(ScopeAdmin, primitive.NilObjectID), http.StatusOK},
		{"flag unset", "codex", token(ScopeTeam, denied), http.StatusForbidden},
		{"other club", "other", token(ScopeTeam, allowed), http.StatusForbidden},
		{"student scope", "codex", token(ScopeStudent, allowed), http.StatusForbidden},
		{"unknown club", "ghost", token(ScopeTeam, allowed), http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/clubs/"+tt.club+"/mark", nil)
			req.Header.Set("Authorization", "Bearer "+tt.token)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}
