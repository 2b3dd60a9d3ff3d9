// Package identity turns an inbound HTTP request into the caller's
// Identity: who they are and the access credential usable against their
// calendar provider.
//
// Resolution is an explicit, ordered list of [Strategy] values composed
// by [Chain], which returns the first usable Identity. A failing strategy
// is logged and the next one is tried; resolution never aborts early.
package identity

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// ErrNoCredential means a strategy found nothing to work with (no
// cookie, no header). It is expected and logged at debug level only.
var ErrNoCredential = errors.New("no credential present")

// Identity is the resolved caller. It belongs to a single request and is
// never persisted.
type Identity struct {
	UserID      string    `json:"userId,omitempty"`
	Email       string    `json:"email,omitempty"`
	AccessToken string    `json:"-"`
	Expiry      time.Time `json:"expiry,omitempty"`
	// Source names the strategy that produced the identity.
	Source string `json:"source"`
}

// Usable reports whether the identity carries a credential that has not
// expired at now.
func (id *Identity) Usable(now time.Time) bool {
	if id == nil || id.AccessToken == "" {
		return false
	}
	return id.Expiry.IsZero() || now.Before(id.Expiry)
}

// HasCredential reports whether a non-empty access token is present.
func (id *Identity) HasCredential() bool {
	return id != nil && id.AccessToken != ""
}

// Strategy is one way of resolving an identity.
type Strategy interface {
	Name() string
	TryResolve(ctx context.Context, r *http.Request) (*Identity, error)
}

// Resolver is what HTTP handlers depend on.
type Resolver interface {
	Resolve(ctx context.Context, r *http.Request) (*Identity, bool)
}

type ctxKey struct{}

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the identity stored by WithIdentity, if any.
func FromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(*Identity)
	return id, ok && id != nil
}
