package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/rubberband/internal/platform/env"
)

type Mode string

const (
	ModeOIDC  Mode = "oidc"
	ModeToken Mode = "token"
	ModeDev   Mode = "dev"
)

var ErrUnauthenticated = errors.New("unauthenticated")

type Config struct {
	Mode Mode

	RolesClaim string
	EmailClaim string

	OIDCIssuerURL string
	OIDCClientID  string

	APIToken      string
	APITokenEmail string
	APITokenRoles []string

	DevSubject string
	DevEmail   string
	DevRoles   []string
}

func ConfigFromEnv() (Config, error) {
	modeRaw := strings.ToLower(strings.TrimSpace(env.String("RUBBERBAND_AUTH_MODE", string(ModeToken))))
	var mode Mode
	switch modeRaw {
	case string(ModeOIDC):
		mode = ModeOIDC
	case string(ModeToken):
		mode = ModeToken
	case string(ModeDev):
		mode = ModeDev
	default:
		return Config{}, fmt.Errorf("RUBBERBAND_AUTH_MODE must be one of: oidc, token, dev (got %q)", modeRaw)
	}

	cfg := Config{
		Mode:          mode,
		RolesClaim:    env.String("RUBBERBAND_AUTH_ROLES_CLAIM", "roles"),
		EmailClaim:    env.String("RUBBERBAND_AUTH_EMAIL_CLAIM", "email"),
		OIDCIssuerURL: env.String("RUBBERBAND_OIDC_ISSUER_URL", ""),
		OIDCClientID:  env.String("RUBBERBAND_OIDC_CLIENT_ID", ""),
		APIToken:      env.String("RUBBERBAND_API_TOKEN", ""),
		APITokenEmail: env.String("RUBBERBAND_API_TOKEN_EMAIL", "rubberband@localhost"),
		APITokenRoles: parseCSV(env.String("RUBBERBAND_API_TOKEN_ROLES", "editor")),
		DevSubject:    env.String("RUBBERBAND_DEV_AUTH_SUBJECT", "dev-user"),
		DevEmail:      env.String("RUBBERBAND_DEV_AUTH_EMAIL", "dev-user@example.local"),
		DevRoles:      parseCSV(env.String("RUBBERBAND_DEV_AUTH_ROLES", "admin")),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.RolesClaim) == "" {
		return errors.New("RUBBERBAND_AUTH_ROLES_CLAIM is required")
	}
	if strings.TrimSpace(c.EmailClaim) == "" {
		return errors.New("RUBBERBAND_AUTH_EMAIL_CLAIM is required")
	}

	switch c.Mode {
	case ModeOIDC:
		if strings.TrimSpace(c.OIDCIssuerURL) == "" {
			return errors.New("RUBBERBAND_OIDC_ISSUER_URL is required when RUBBERBAND_AUTH_MODE=oidc")
		}
		if strings.TrimSpace(c.OIDCClientID) == "" {
			return errors.New("RUBBERBAND_OIDC_CLIENT_ID is required when RUBBERBAND_AUTH_MODE=oidc")
		}
	case ModeToken:
		if strings.TrimSpace(c.APIToken) == "" {
			return errors.New("RUBBERBAND_API_TOKEN is required when RUBBERBAND_AUTH_MODE=token")
		}
		if len(c.APITokenRoles) == 0 {
			return errors.New("RUBBERBAND_API_TOKEN_ROLES must be non-empty when RUBBERBAND_AUTH_MODE=token")
		}
	case ModeDev:
		if strings.TrimSpace(c.DevSubject) == "" {
			return errors.New("RUBBERBAND_DEV_AUTH_SUBJECT is required when RUBBERBAND_AUTH_MODE=dev")
		}
		if len(c.DevRoles) == 0 {
			return errors.New("RUBBERBAND_DEV_AUTH_ROLES must be non-empty when RUBBERBAND_AUTH_MODE=dev")
		}
	default:
		return fmt.Errorf("unsupported auth mode: %q", c.Mode)
	}
	return nil
}

func parseCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		item := strings.ToLower(strings.TrimSpace(part))
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}
