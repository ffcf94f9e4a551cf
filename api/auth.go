package api

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Authentication errors
var (
	ErrTokenInvalid    = errors.New("token is invalid")
	ErrTokenExpired    = errors.New("token is expired")
	ErrSubjectMismatch = errors.New("token subject does not match user id")
)

// TokenValidator validates the credential tokens carried by authenticate
// messages. Token issuance belongs to the external auth service; the relay
// only verifies.
type TokenValidator struct {
	secret        []byte
	signingMethod string
}

// NewTokenValidator creates a validator for HMAC-signed tokens
func NewTokenValidator(secret string, signingMethod string) *TokenValidator {
	if signingMethod == "" {
		signingMethod = "HS256"
	}
	return &TokenValidator{secret: []byte(secret), signingMethod: signingMethod}
}

// CollabClaims are the claims the relay cares about
type CollabClaims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// ValidateToken verifies the token signature and expiry and checks the
// subject claim matches the user id the client announced. Returns the
// display name claim when present.
func (v *TokenValidator) ValidateToken(tokenString, userID string) (string, error) {
	claims := &CollabClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != v.signingMethod {
			return nil, fmt.Errorf("unexpected signing method: %s", t.Method.Alg())
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrTokenExpired
		}
		return "", fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !token.Valid {
		return "", ErrTokenInvalid
	}
	if claims.Subject != userID {
		return "", ErrSubjectMismatch
	}
	name := claims.Name
	if name == "" {
		name = userID
	}
	return name, nil
}

// IssueToken mints a token for tests and local development
func (v *TokenValidator) IssueToken(userID, name string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := CollabClaims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.GetSigningMethod(v.signingMethod), claims)
	return token.SignedString(v.secret)
}
