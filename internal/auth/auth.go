package auth

import (
	"crypto/subtle"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"pushit-backend/config"
	"pushit-backend/internal/apperr"
)

const (
	// DefaultTokenValidDays is the lifetime of an issued user token when none is requested.
	DefaultTokenValidDays = 365

	sharedTokenAlphabet = "0123456789abcdef"
	sharedTokenLength   = 64
)

// Identity is the caller behind a verified credential.
type Identity struct {
	// UserID is nil for the shared backend and admin tokens.
	UserID  *int64
	IsAdmin bool
	Shared  bool
}

// Claims are carried by user-scoped tokens.
type Claims struct {
	Admin bool `json:"adm"`
	jwt.RegisteredClaims
}

// Authenticator verifies backend credentials and issues user-scoped tokens.
type Authenticator struct {
	backendToken string
	adminToken   string
	secret       []byte
	now          func() time.Time
}

// NewAuthenticator creates an Authenticator from the auth section of the configuration.
func NewAuthenticator(cfg config.AuthConfig) *Authenticator {
	return &Authenticator{
		backendToken: cfg.BackendToken,
		adminToken:   cfg.AdminToken,
		secret:       []byte(cfg.JWTSecret),
		now:          time.Now,
	}
}

// Authenticate resolves a raw credential into an Identity.
func (a *Authenticator) Authenticate(token string) (*Identity, error) {
	if token == "" {
		return nil, apperr.Unauthorized("backend credential required", nil)
	}
	if equalToken(token, a.adminToken) {
		return &Identity{IsAdmin: true, Shared: true}, nil
	}
	if equalToken(token, a.backendToken) {
		return &Identity{Shared: true}, nil
	}
	if len(a.secret) == 0 {
		return nil, apperr.Unauthorized("invalid backend credential", nil)
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil || !parsed.Valid {
		return nil, apperr.Unauthorized("invalid backend credential", err)
	}

	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || userID <= 0 {
		return nil, apperr.Unauthorized("invalid user in token", err)
	}
	return &Identity{UserID: &userID, IsAdmin: claims.Admin}, nil
}

// ResolveOwner decides the owner recorded on a backend subscription. A non-admin user is
// always recorded as themselves, an admin may act for another user, and the shared token
// keeps whatever owner was requested.
func ResolveOwner(requested *int64, id *Identity) *int64 {
	if id == nil {
		return requested
	}
	if id.UserID == nil {
		return requested
	}
	if !id.IsAdmin {
		return id.UserID
	}
	if requested != nil {
		return requested
	}
	return id.UserID
}

// IssueUserToken signs a user-scoped token valid for validDays.
func (a *Authenticator) IssueUserToken(userID int64, isAdmin bool, validDays int) (string, time.Time, error) {
	if len(a.secret) == 0 {
		return "", time.Time{}, apperr.Configuration("auth.jwt_secret is not configured")
	}
	if userID <= 0 {
		return "", time.Time{}, apperr.Validation("user_id must be positive")
	}
	if validDays <= 0 {
		validDays = DefaultTokenValidDays
	}

	now := a.now()
	expiresAt := now.Add(time.Duration(validDays) * 24 * time.Hour)
	claims := Claims{
		Admin: isAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// GenerateSharedToken returns a random 64 character hex token for auth.backend_token.
func GenerateSharedToken() (string, error) {
	return gonanoid.Generate(sharedTokenAlphabet, sharedTokenLength)
}

func equalToken(got, want string) bool {
	if want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
