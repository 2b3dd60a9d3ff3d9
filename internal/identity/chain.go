package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Chain tries strategies in order and returns the first usable identity.
type Chain struct {
	strategies []Strategy
	logger     *slog.Logger
	now        func() time.Time
}

// NewChain composes strategies in priority order. Nil strategies are
// skipped so optional ones can be passed unconditionally.
func NewChain(logger *slog.Logger, strategies ...Strategy) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Chain{logger: logger.With("component", "identity"), now: time.Now}
	for _, s := range strategies {
		if s != nil {
			c.strategies = append(c.strategies, s)
		}
	}
	return c
}

// Strategies returns the names of the configured strategies, in order.
func (c *Chain) Strategies() []string {
	names := make([]string, 0, len(c.strategies))
	for _, s := range c.strategies {
		names = append(names, s.Name())
	}
	return names
}

// Resolve implements [Resolver].
func (c *Chain) Resolve(ctx context.Context, r *http.Request) (*Identity, bool) {
	for _, s := range c.strategies {
		id, err := c.try(ctx, s, r)
		switch {
		case errors.Is(err, ErrNoCredential):
			c.logger.Debug("strategy found no credential", "strategy", s.Name())
			continue
		case err != nil:
			c.logger.Warn("identity strategy failed", "strategy", s.Name(), "error", err)
			continue
		}
		if !id.Usable(c.now()) {
			c.logger.Debug("strategy yielded unusable identity",
				"strategy", s.Name(),
				"has_credential", id.HasCredential(),
			)
			continue
		}
		if id.Source == "" {
			id.Source = s.Name()
		}
		return id, true
	}
	return nil, false
}

// try runs one strategy, converting a panic into an error so a broken
// provider degrades to the next strategy.
func (c *Chain) try(ctx context.Context, s Strategy, r *http.Request) (id *Identity, err error) {
	defer func() {
		if p := recover(); p != nil {
			id, err = nil, fmt.Errorf("strategy panicked: %v", p)
		}
	}()
	return s.TryResolve(ctx, r)
}
