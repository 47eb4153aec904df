package auth

import (
	"context"
	"strings"
)

type Identity struct {
	Subject string
	Email   string
	Roles   []string
}

// Name is the value recorded as uploader: the email when known, else the subject.
func (i Identity) Name() string {
	if email := strings.TrimSpace(i.Email); email != "" {
		return email
	}
	return strings.TrimSpace(i.Subject)
}

type ctxKeyIdentity struct{}

func ContextWithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, ctxKeyIdentity{}, identity)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	v, ok := ctx.Value(ctxKeyIdentity{}).(Identity)
	return v, ok
}
