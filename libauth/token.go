// Package libauth issues and verifies the capability tokens handed out at
// embed bootstrap. A token binds a visitor to one instance and one session;
// message sends must present it. The webhook URL itself never leaves the
// server, the token is the only credential the page holds.
package libauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrNotAuthorized           = errors.New("libauth: not authorized")
	ErrTokenMissing            = errors.New("libauth: token missing")
	ErrTokenExpired            = errors.New("libauth: token expired")
	ErrIdentityMissing         = errors.New("libauth: identity missing in token")
	ErrIssuedAtMissing         = errors.New("libauth: issued-at claim missing")
	ErrIssuedAtInFuture        = errors.New("libauth: issued-at claim in the future")
	ErrInvalidTokenClaims      = errors.New("libauth: invalid token claims")
	ErrUnexpectedSigningMethod = errors.New("libauth: unexpected signing method")
	ErrTokenParsingFailed      = errors.New("libauth: token parsing failed")
	ErrTokenSigningFailed      = errors.New("libauth: token signing failed")
)

// Capability is the claim set carried by a bootstrap token.
type Capability struct {
	InstanceID   string   `json:"instanceId"`
	SessionUUID  string   `json:"sessionUuid"`
	VisitorID    string   `json:"visitorId"`
	VisitorRoles []string `json:"visitorRoles,omitempty"`
	jwt.RegisteredClaims
}

// Issuer mints and verifies capability tokens with a shared HMAC secret.
type Issuer struct {
	secret []byte
	ttl    time.Duration
}

// NewIssuer creates an Issuer. ttl bounds how long a bootstrap bundle stays
// usable without a page reload.
func NewIssuer(secret string, ttl time.Duration) (*Issuer, error) {
	if secret == "" {
		return nil, errors.New("libauth: signing secret must not be empty")
	}
	return &Issuer{secret: []byte(secret), ttl: ttl}, nil
}

// Mint signs a capability token for the given binding.
func (i *Issuer) Mint(_ context.Context, instanceID, sessionUUID, visitorID string, roles []string) (string, error) {
	if visitorID == "" {
		return "", ErrIdentityMissing
	}
	now := time.Now().UTC()
	claims := Capability{
		InstanceID:   instanceID,
		SessionUUID:  sessionUUID,
		VisitorID:    visitorID,
		VisitorRoles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrTokenSigningFailed, err)
	}
	return signed, nil
}

// Verify parses and validates a capability token.
func (i *Issuer) Verify(_ context.Context, tokenString string) (*Capability, error) {
	if tokenString == "" {
		return nil, ErrTokenMissing
	}
	var claims Capability
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("%w: %v", ErrUnexpectedSigningMethod, t.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %w", ErrTokenParsingFailed, err)
	}
	if !token.Valid {
		return nil, ErrInvalidTokenClaims
	}
	if claims.IssuedAt == nil {
		return nil, ErrIssuedAtMissing
	}
	if claims.IssuedAt.After(time.Now().Add(time.Minute)) {
		return nil, ErrIssuedAtInFuture
	}
	if claims.VisitorID == "" {
		return nil, ErrIdentityMissing
	}
	return &claims, nil
}
