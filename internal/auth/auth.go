// Package auth resolves the caller of an HTTP request.
package auth

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/juju/errors"
)

// ErrUnauthenticated is returned when a request carries no identity.
const ErrUnauthenticated = errors.ConstError("unauthenticated")

// Default headers set by the fronting proxy.
const (
	DefaultPrincipalHeader = "X-Pool-Principal"
	DefaultAdminHeader     = "X-Pool-Admin"
)

// Identity is the authenticated caller.
type Identity struct {
	Principal string
	IsAdmin   bool
}

// Authenticator resolves the identity of a request.
type Authenticator interface {
	Authenticate(r *http.Request) (Identity, error)
}

// HeaderAuthenticator trusts identity headers set by a fronting proxy that
// has already authenticated the caller. It must only be exposed behind such
// a proxy.
type HeaderAuthenticator struct {
	PrincipalHeader string
	AdminHeader     string
}

// Authenticate implements Authenticator.
func (a HeaderAuthenticator) Authenticate(r *http.Request) (Identity, error) {
	ph, ah := a.PrincipalHeader, a.AdminHeader
	if ph == "" {
		ph = DefaultPrincipalHeader
	}
	if ah == "" {
		ah = DefaultAdminHeader
	}
	principal := strings.TrimSpace(r.Header.Get(ph))
	if principal == "" {
		return Identity{}, errors.Annotatef(ErrUnauthenticated, "missing %s header", ph)
	}
	admin, _ := strconv.ParseBool(strings.TrimSpace(r.Header.Get(ah)))
	return Identity{Principal: principal, IsAdmin: admin}, nil
}

type contextKey struct{}

// NewContext returns ctx carrying id.
func NewContext(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the identity stored in ctx.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok
}
