package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTokenTTL = 8 * time.Hour

	tokenIssuer   = "bookd-auth"
	tokenAudience = "bookd-api"
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingSubjectClaim  = errors.New("subject claim must be provided")

	// ErrInvalidCredentials indicates a failed staff login.
	ErrInvalidCredentials = errors.New("auth: invalid staff credentials")
)

// StaffTokenManagerConfig configures the staff session token manager.
type StaffTokenManagerConfig struct {
	SigningSecret []byte
	StaffUser     string
	StaffPassword string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// StaffTokenManager authenticates the shared staff credential and issues
// HS256 session JWTs for the staff-facing API surface.
type StaffTokenManager struct {
	signingSecret []byte
	staffUser     string
	staffPassword string
	tokenTTL      time.Duration
	clock         func() time.Time
}

// NewStaffTokenManager constructs a StaffTokenManager with sane defaults.
func NewStaffTokenManager(cfg StaffTokenManagerConfig) *StaffTokenManager {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &StaffTokenManager{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		staffUser:     cfg.StaffUser,
		staffPassword: cfg.StaffPassword,
		tokenTTL:      ttl,
		clock:         clock,
	}
}

// Login verifies the shared staff credential and issues a session token
// plus its expiry in seconds.
func (m *StaffTokenManager) Login(ctx context.Context, user, password string) (string, int64, error) {
	if m.staffUser == "" || m.staffPassword == "" {
		return "", 0, ErrInvalidCredentials
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(m.staffUser)) == 1
	passwordOK := subtle.ConstantTimeCompare([]byte(password), []byte(m.staffPassword)) == 1
	if !userOK || !passwordOK {
		return "", 0, ErrInvalidCredentials
	}
	return m.IssueToken(ctx, user)
}

// IssueToken produces a signed JWT and its expiry (seconds) for the staff
// subject.
func (m *StaffTokenManager) IssueToken(_ context.Context, subject string) (string, int64, error) {
	if len(m.signingSecret) == 0 {
		return "", 0, errMissingSigningSecret
	}
	if subject == "" {
		return "", 0, errMissingSubjectClaim
	}

	now := m.clock().UTC()
	expiresAt := now.Add(m.tokenTTL).UTC()

	registered := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    tokenIssuer,
		Audience:  []string{tokenAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, registered)
	signed, err := token.SignedString(m.signingSecret)
	if err != nil {
		return "", 0, err
	}

	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// ValidateToken ensures the session JWT is well formed and returns the
// staff subject.
func (m *StaffTokenManager) ValidateToken(tokenString string) (string, error) {
	if len(m.signingSecret) == 0 {
		return "", errMissingSigningSecret
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return m.signingSecret, nil
		},
		jwt.WithAudience(tokenAudience),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(m.clock),
	)
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errMissingSubjectClaim
	}
	return claims.Subject, nil
}
