package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (Identity, error)
}

// New builds the authenticator selected by cfg.Mode.
func New(ctx context.Context, cfg Config) (Authenticator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Mode {
	case ModeOIDC:
		return NewOIDCAuthenticator(ctx, cfg)
	case ModeToken:
		return NewTokenAuthenticator(cfg)
	case ModeDev:
		return NewDevAuthenticator(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode: %q", cfg.Mode)
	}
}

// TokenAuthenticator accepts a single shared API token, sent either as a
// bearer token or in the X-Api-Token header.
type TokenAuthenticator struct {
	token    []byte
	identity Identity
}

const HeaderAPIToken = "X-Api-Token"

func NewTokenAuthenticator(cfg Config) (*TokenAuthenticator, error) {
	if strings.TrimSpace(cfg.APIToken) == "" {
		return nil, errors.New("RUBBERBAND_API_TOKEN is required")
	}
	return &TokenAuthenticator{
		token: []byte(cfg.APIToken),
		identity: Identity{
			Subject: "api-token",
			Email:   cfg.APITokenEmail,
			Roles:   cfg.APITokenRoles,
		},
	}, nil
}

func (a *TokenAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	raw := tokenFromHeader(r)
	if raw == "" {
		raw = strings.TrimSpace(r.Header.Get(HeaderAPIToken))
	}
	if raw == "" {
		return Identity{}, ErrUnauthenticated
	}
	if subtle.ConstantTimeCompare([]byte(raw), a.token) != 1 {
		return Identity{}, errors.New("api token mismatch")
	}
	identity := a.identity
	// The caller may name the user it acts for.
	if onBehalf := strings.TrimSpace(r.Header.Get(HeaderOnBehalfOf)); onBehalf != "" {
		identity.Email = onBehalf
	}
	return identity, nil
}

const HeaderOnBehalfOf = "X-Rubberband-User"

type DevAuthenticator struct {
	identity Identity
}

func NewDevAuthenticator(cfg Config) *DevAuthenticator {
	return &DevAuthenticator{
		identity: Identity{
			Subject: cfg.DevSubject,
			Email:   cfg.DevEmail,
			Roles:   cfg.DevRoles,
		},
	}
}

func (a *DevAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	return a.identity, nil
}

func tokenFromHeader(r *http.Request) string {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz == "" {
		return ""
	}
	parts := strings.SplitN(authz, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
