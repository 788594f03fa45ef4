package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"clubapi/internal/store"
)

// ErrInvalidCredentials is returned when a password or token does not match.
var ErrInvalidCredentials = errors.New("invalid credentials")

// CredentialStore reads and updates the authentication collection.
type CredentialStore interface {
	FindCredential(ctx context.Context, authType, identifier string) (store.Credential, error)
	SetPasswordHash(ctx context.Context, id primitive.ObjectID, hash []byte) error
}

// TeamFetcher republishes a team membership into the cache.
type TeamFetcher interface {
	FetchTeam(ctx context.Context, id primitive.ObjectID) (store.Team, error)
}

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	AuthType   string `json:"auth_type" binding:"required,oneof=USER AUTOMATION"`
	Identifier string `json:"identifier" binding:"required,max=100"`
	Secret     string `json:"secret" binding:"required,max=72"`
}

// LoginResult carries the issued token.
type LoginResult struct {
	Token     string    `json:"identifier"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Login exchanges credentials for tokens.
type Login struct {
	creds         CredentialStore
	teams         TeamFetcher
	signer        *Signer
	teamTTL       time.Duration
	automationTTL time.Duration
	log           *zap.Logger
}

// NewLogin wires the login flow.
func NewLogin(creds CredentialStore, teams TeamFetcher, signer *Signer, teamTTL, automationTTL time.Duration, log *zap.Logger) *Login {
	if log == nil {
		log = zap.NewNop()
	}
	return &Login{
		creds:         creds,
		teams:         teams,
		signer:        signer,
		teamTTL:       teamTTL,
		automationTTL: automationTTL,
		log:           log.Named("login"),
	}
}

// Authenticate dispatches on the request's auth type.
func (l *Login) Authenticate(ctx context.Context, req LoginRequest) (LoginResult, error) {
	switch req.AuthType {
	case store.AuthUser:
		return l.user(ctx, req.Identifier, req.Secret)
	case store.AuthAutomation:
		return l.automation(ctx, req.Identifier, req.Secret)
	}
	return LoginResult{}, fmt.Errorf("unsupported auth type %q", req.AuthType)
}

// user verifies a team member's password. The first successful login of a
// credential with no stored hash sets it.
func (l *Login) user(ctx context.Context, username, password string) (LoginResult, error) {
	cred, err := l.creds.FindCredential(ctx, store.AuthUser, username)
	if err != nil {
		return LoginResult{}, err
	}

	if len(cred.PasswordHash) == 0 {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return LoginResult{}, fmt.Errorf("hash password: %w", err)
		}
		if err := l.creds.SetPasswordHash(ctx, cred.ID, hash); err != nil {
			return LoginResult{}, fmt.Errorf("store password hash: %w", err)
		}
		l.log.Info("password set on first login", zap.String("username", username))
	} else if err := bcrypt.CompareHashAndPassword(cred.PasswordHash, []byte(password)); err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}

	token, exp, err := l.signer.Issue(Claims{
		Scope:     ScopeTeam,
		AuthID:    cred.ID.Hex(),
		StudentID: cred.StudentID.Hex(),
		TeamID:    cred.TeamID.Hex(),
	}, l.teamTTL)
	if err != nil {
		return LoginResult{}, err
	}

	if !cred.TeamID.IsZero() {
		if _, err := l.teams.FetchTeam(ctx, cred.TeamID); err != nil {
			l.log.Warn("team not cached after login", zap.String("team_id", cred.TeamID.Hex()), zap.Error(err))
		}
	}
	return LoginResult{Token: token, ExpiresAt: exp}, nil
}

func (l *Login) automation(ctx context.Context, appID, secret string) (LoginResult, error) {
	cred, err := l.creds.FindCredential(ctx, store.AuthAutomation, appID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}
	if err := bcrypt.CompareHashAndPassword(cred.TokenHash, []byte(secret)); err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}
	token, exp, err := l.signer.Issue(Claims{
		Scope:  ScopeAutomation,
		AuthID: cred.ID.Hex(),
		AppID:  cred.AppID,
	}, l.automationTTL)
	if err != nil {
		return LoginResult{}, err
	}
	return LoginResult{Token: token, ExpiresAt: exp}, nil
}
