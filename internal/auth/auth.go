// Package auth guards the dashboard's control routes. A single shared
// password is bcrypt-checked at login and exchanged for a short-lived
// HS256 session token.
package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const (
	bcryptCost   = 12
	secretLength = 32

	// DefaultTokenTTL is how long a session token stays valid.
	DefaultTokenTTL = 24 * time.Hour
)

var (
	ErrBadPassword  = errors.New("wrong password")
	ErrTokenExpired = errors.New("token expired")
	ErrInvalidToken = errors.New("invalid token")
)

// Service issues and validates session tokens. With no password
// configured the service reports disabled and the router leaves the
// control routes open.
type Service struct {
	hash     []byte
	secret   []byte
	tokenTTL time.Duration
}

// NewService hashes the configured password and prepares the signing
// secret. An empty jwtSecret gets a random per-boot value, which
// invalidates outstanding tokens on restart.
func NewService(password, jwtSecret string, tokenTTL time.Duration) (*Service, error) {
	s := &Service{tokenTTL: tokenTTL}
	if tokenTTL <= 0 {
		s.tokenTTL = DefaultTokenTTL
	}
	if password == "" {
		return s, nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	s.hash = hash

	if jwtSecret != "" {
		s.secret = []byte(jwtSecret)
		return s, nil
	}
	s.secret = make([]byte, secretLength)
	if _, err := rand.Read(s.secret); err != nil {
		return nil, fmt.Errorf("generate jwt secret: %w", err)
	}
	return s, nil
}

// Enabled reports whether a password is configured.
func (s *Service) Enabled() bool {
	return len(s.hash) > 0
}

// Login checks the password and returns a signed session token.
func (s *Service) Login(password string) (string, error) {
	if !s.Enabled() {
		return "", ErrBadPassword
	}
	if bcrypt.CompareHashAndPassword(s.hash, []byte(password)) != nil {
		return "", ErrBadPassword
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "operator",
		Issuer:    "boll-trading-bot",
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Validate checks a session token's signature and expiry.
func (s *Service) Validate(tokenString string) error {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrTokenExpired
		}
		return ErrInvalidToken
	}
	if !token.Valid {
		return ErrInvalidToken
	}
	return nil
}

// TokenTTLSeconds returns the session lifetime for login responses.
func (s *Service) TokenTTLSeconds() int64 {
	return int64(s.tokenTTL.Seconds())
}
