// Package auth guards the admin control endpoints with a shared operator token.
package auth

import (
	"crypto/subtle"
	"errors"
	"strings"
)

var (
	ErrUnauthorized  = errors.New("auth: unauthorized")
	ErrMissingHeader = errors.New("auth: missing bearer token")
)

type Validator interface {
	Validate(token string) error
}

// StaticToken accepts exactly one token. An empty Token denies everything.
type StaticToken struct {
	Token string
}

func (s StaticToken) Validate(token string) error {
	if s.Token == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(s.Token), []byte(token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// Open accepts any token. Used when no operator token is configured.
type Open struct{}

func (Open) Validate(string) error { return nil }

// BearerToken extracts the token of an "Authorization: Bearer <token>" value.
func BearerToken(header string) (string, error) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", ErrMissingHeader
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrMissingHeader
	}
	return token, nil
}

// ForToken returns StaticToken for a configured token and Open otherwise.
func ForToken(token string) Validator {
	if strings.TrimSpace(token) == "" {
		return Open{}
	}
	return StaticToken{Token: token}
}
