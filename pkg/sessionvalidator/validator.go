// Package sessionvalidator resolves the host application's user reference from its HS256 session JWT.
package sessionvalidator

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// Now returns the current UTC timestamp.
func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// Config configures the Validator.
type Config struct {
	SigningKey []byte
	Issuer     string
	CookieName string
	Clock      Clock
}

// DefaultCookieName is used when Config.CookieName is empty.
const DefaultCookieName = "app_session"

const bearerPrefix = "bearer "

// Sentinel errors exposed by the validator.
var (
	ErrMissingSigningKey = errors.New("session.validator.missing_signing_key")
	ErrMissingIssuer     = errors.New("session.validator.missing_issuer")
	ErrMissingToken      = errors.New("session.validator.missing_token")
	ErrInvalidToken      = errors.New("session.validator.invalid_token")
	ErrInvalidIssuer     = errors.New("session.validator.invalid_issuer")
	ErrTokenExpired      = errors.New("session.validator.expired")
	ErrMissingUserRef    = errors.New("session.validator.missing_user_ref")
)

// Validator validates host session tokens carried in a cookie or a bearer header.
type Validator struct {
	signingKey []byte
	issuer     string
	cookieName string
	clock      Clock
}

// Claims represent the host session payload.
type Claims struct {
	UserEntityRef string `json:"user_entity_ref,omitempty"`
	UserID        string `json:"user_id,omitempty"`
	UserEmail     string `json:"user_email,omitempty"`
	jwt.RegisteredClaims
}

// UserRef picks the opaque user reference: user_entity_ref, then sub, then user_id.
func (claims *Claims) UserRef() string {
	if claims == nil {
		return ""
	}
	for _, candidate := range []string{claims.UserEntityRef, claims.Subject, claims.UserID} {
		if trimmed := strings.TrimSpace(candidate); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// GetExpiresAt returns the expiry timestamp.
func (claims *Claims) GetExpiresAt() time.Time {
	if claims == nil || claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

// New constructs a Validator after validating the supplied configuration.
func New(configuration Config) (*Validator, error) {
	if len(configuration.SigningKey) == 0 {
		return nil, fmt.Errorf("session.validator.new: %w", ErrMissingSigningKey)
	}
	if strings.TrimSpace(configuration.Issuer) == "" {
		return nil, fmt.Errorf("session.validator.new: %w", ErrMissingIssuer)
	}
	cookieName := configuration.CookieName
	if strings.TrimSpace(cookieName) == "" {
		cookieName = DefaultCookieName
	}
	clock := configuration.Clock
	if clock == nil {
		clock = systemClock{}
	}
	return &Validator{
		signingKey: configuration.SigningKey,
		issuer:     configuration.Issuer,
		cookieName: cookieName,
		clock:      clock,
	}, nil
}

// ValidateToken validates the provided JWT string and returns the parsed claims.
func (validator *Validator) ValidateToken(tokenString string) (*Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrMissingToken)
	}
	parsedToken, parseErr := jwt.ParseWithClaims(tokenString, &Claims{}, func(parsed *jwt.Token) (interface{}, error) {
		return validator.signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(validator.issuer),
		jwt.WithTimeFunc(validator.clock.Now))
	if parseErr != nil {
		switch {
		case errors.Is(parseErr, jwt.ErrTokenExpired):
			return nil, fmt.Errorf("session.validator.validate_token: %w", ErrTokenExpired)
		case errors.Is(parseErr, jwt.ErrTokenInvalidIssuer):
			return nil, fmt.Errorf("session.validator.validate_token: %w", ErrInvalidIssuer)
		default:
			return nil, fmt.Errorf("session.validator.validate_token: %w", ErrInvalidToken)
		}
	}
	claims, ok := parsedToken.Claims.(*Claims)
	if !ok || !parsedToken.Valid {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrInvalidToken)
	}
	return claims, nil
}

// ValidateRequest reads the session cookie, falling back to an Authorization bearer token.
func (validator *Validator) ValidateRequest(request *http.Request) (*Claims, error) {
	if request == nil {
		return nil, fmt.Errorf("session.validator.validate_request: %w", ErrMissingToken)
	}
	if cookie, cookieErr := request.Cookie(validator.cookieName); cookieErr == nil && strings.TrimSpace(cookie.Value) != "" {
		return validator.ValidateToken(cookie.Value)
	}
	header := strings.TrimSpace(request.Header.Get("Authorization"))
	if len(header) > len(bearerPrefix) && strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return validator.ValidateToken(strings.TrimSpace(header[len(bearerPrefix):]))
	}
	return nil, fmt.Errorf("session.validator.validate_request: %w", ErrMissingToken)
}

// ResolveUserRef validates the request and returns the caller's user reference.
func (validator *Validator) ResolveUserRef(request *http.Request) (string, error) {
	claims, err := validator.ValidateRequest(request)
	if err != nil {
		return "", err
	}
	userRef := claims.UserRef()
	if userRef == "" {
		return "", fmt.Errorf("session.validator.resolve_user_ref: %w", ErrMissingUserRef)
	}
	return userRef, nil
}
