// Package auth holds the credential and token primitives.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"taskflow/internal/domain"
)

const DefaultTokenTTL = 7 * 24 * time.Hour

// BcryptCost matches the cost used for stored credentials.
const BcryptCost = 10

var ErrInvalidToken = errors.New("invalid token")

func HashPassword(plain string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(plain), BcryptCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(h), nil
}

// VerifyPassword reports whether plain matches hash.
func VerifyPassword(hash, plain string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}

// Claims carried by issued tokens. Subject mirrors UserID.
type Claims struct {
	jwt.RegisteredClaims
	UserID string      `json:"userId"`
	Role   domain.Role `json:"role"`
}

// Tokens issues and verifies HS256 bearer tokens.
type Tokens struct {
	Secret []byte
	TTL    time.Duration
	Now    func() time.Time
}

func NewTokens(secret string, ttl time.Duration) Tokens {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return Tokens{Secret: []byte(secret), TTL: ttl, Now: time.Now}
}

func (t Tokens) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

// Issue signs a token for actor.
func (t Tokens) Issue(actor domain.Actor) (string, time.Time, error) {
	if len(t.Secret) == 0 {
		return "", time.Time{}, errors.New("jwt secret not configured")
	}
	now := t.now()
	exp := now.Add(t.TTL)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		UserID: actor.ID,
		Role:   actor.Role,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.Secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// Verify parses token and returns the actor it names.
func (t Tokens) Verify(token string) (domain.Actor, error) {
	if len(t.Secret) == 0 {
		return domain.Actor{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(t.now),
		jwt.WithExpirationRequired(),
	)
	claims := &Claims{}
	parsed, err := parser.ParseWithClaims(strings.TrimSpace(token), claims, func(*jwt.Token) (any, error) {
		return t.Secret, nil
	})
	if err != nil || !parsed.Valid {
		return domain.Actor{}, ErrInvalidToken
	}
	id := claims.UserID
	if id == "" {
		id = claims.Subject
	}
	if id == "" || !claims.Role.Valid() {
		return domain.Actor{}, ErrInvalidToken
	}
	return domain.Actor{ID: id, Role: claims.Role}, nil
}
