package identity

import (
	"context"
	"errors"
	"net/http"

	"github.com/nugget/calexplorer/internal/buildinfo"
)

// DevTokenHeader carries a development access token.
const DevTokenHeader = "X-Dev-Access-Token"

// ErrOverrideUnavailable is returned whenever the development override is
// asked for in a build or deployment that does not permit it.
var ErrOverrideUnavailable = errors.New("development credential override unavailable")

// DevOverride accepts a credential from [DevTokenHeader] or from the
// process configuration. It exists only in binaries built with the
// devoverride tag and only outside production.
type DevOverride struct {
	compiled   bool
	production bool
	token      string
}

// NewDevOverride returns ErrOverrideUnavailable unless this binary was
// built with -tags devoverride and production is false.
func NewDevOverride(production bool, token string) (*DevOverride, error) {
	return newDevOverride(buildinfo.DevOverrideCompiled, production, token)
}

func newDevOverride(compiled, production bool, token string) (*DevOverride, error) {
	if !compiled || production {
		return nil, ErrOverrideUnavailable
	}
	return &DevOverride{compiled: compiled, production: production, token: token}, nil
}

// Name implements [Strategy].
func (d *DevOverride) Name() string { return "dev_override" }

// TryResolve implements [Strategy]. Both gates are checked again here so
// a hand-built chain cannot reach the override in production.
func (d *DevOverride) TryResolve(_ context.Context, r *http.Request) (*Identity, error) {
	if d == nil || !d.compiled || d.production {
		return nil, ErrOverrideUnavailable
	}
	token := r.Header.Get(DevTokenHeader)
	if token == "" {
		token = d.token
	}
	if token == "" {
		return nil, ErrNoCredential
	}
	return &Identity{UserID: "dev", AccessToken: token, Source: d.Name()}, nil
}
