// Package auth mints and verifies the cloud's bearer tokens.
//
// Two token shapes exist: glasses tokens carry the user's e-mail, App
// tokens carry a package name plus the developer API key. Both are HS256
// JWTs signed with the cloud's shared secret.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned when a token fails signature or claim checks.
var ErrInvalidToken = errors.New("auth: invalid token")

// Verifier signs and verifies cloud-issued bearer tokens.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a [Verifier] with the given shared secret.
func NewVerifier(secret string) (*Verifier, error) {
	if secret == "" {
		return nil, errors.New("auth: secret must not be empty")
	}
	return &Verifier{secret: []byte(secret)}, nil
}

// glassesClaims is the JWT payload for glasses tokens.
type glassesClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// appClaims is the JWT payload for App tokens.
type appClaims struct {
	PackageName string `json:"packageName"`
	APIKey      string `json:"apiKey"`
	jwt.RegisteredClaims
}

// MintGlassesToken issues a glasses token for the given user e-mail.
// ttl <= 0 produces a token without expiry.
func (v *Verifier) MintGlassesToken(email string, ttl time.Duration) (string, error) {
	if email == "" {
		return "", errors.New("auth: email must not be empty")
	}
	claims := glassesClaims{Email: email}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// MintAppToken issues an App token for the given package and API key.
func (v *Verifier) MintAppToken(packageName, apiKey string, ttl time.Duration) (string, error) {
	if packageName == "" {
		return "", errors.New("auth: packageName must not be empty")
	}
	claims := appClaims{PackageName: packageName, APIKey: apiKey}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// VerifyGlassesToken validates a glasses token and returns the user e-mail.
func (v *Verifier) VerifyGlassesToken(token string) (string, error) {
	claims := &glassesClaims{}
	if err := v.parse(token, claims); err != nil {
		return "", err
	}
	if claims.Email == "" {
		return "", fmt.Errorf("%w: missing email claim", ErrInvalidToken)
	}
	return claims.Email, nil
}

// VerifyAppToken validates an App token and returns the package name and
// API key it carries.
func (v *Verifier) VerifyAppToken(token string) (packageName, apiKey string, err error) {
	claims := &appClaims{}
	if err := v.parse(token, claims); err != nil {
		return "", "", err
	}
	if claims.PackageName == "" {
		return "", "", fmt.Errorf("%w: missing packageName claim", ErrInvalidToken)
	}
	return claims.PackageName, claims.APIKey, nil
}

func (v *Verifier) parse(token string, claims jwt.Claims) error {
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return ErrInvalidToken
	}
	return nil
}
