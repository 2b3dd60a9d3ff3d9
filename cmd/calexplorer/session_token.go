package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nugget/calexplorer/internal/config"
	"github.com/nugget/calexplorer/internal/identity"
)

type sessionTokenOptions struct {
	user        string
	email       string
	accessToken string
	ttl         time.Duration
}

// parseSessionTokenArgs reads the session-token subcommand's flags,
// which accept both "-flag value" and "-flag=value".
func parseSessionTokenArgs(args []string) (sessionTokenOptions, error) {
	opts := sessionTokenOptions{ttl: time.Hour}
	ttl := ""
	for i := 0; i < len(args); i++ {
		name, value, hasValue := strings.Cut(args[i], "=")
		if !hasValue {
			if i+1 >= len(args) {
				return opts, fmt.Errorf("%s needs a value", name)
			}
			value = args[i+1]
			i++
		}
		switch name {
		case "-user":
			opts.user = value
		case "-email":
			opts.email = value
		case "-access-token":
			opts.accessToken = value
		case "-ttl":
			ttl = value
		default:
			return opts, fmt.Errorf("unknown session-token flag: %s", name)
		}
	}
	if ttl != "" {
		d, err := time.ParseDuration(ttl)
		if err != nil || d <= 0 {
			return opts, fmt.Errorf("invalid -ttl %q", ttl)
		}
		opts.ttl = d
	}
	if opts.user == "" || opts.accessToken == "" {
		return opts, errors.New("usage: calexplorer session-token -user ID -access-token TOKEN [-email ADDR] [-ttl 1h]")
	}
	return opts, nil
}

// mintSessionToken signs a session cookie value the server's
// session_cookie strategy accepts. Production deployments refuse: there
// the cookie is only ever set by the sign-in flow.
func mintSessionToken(cfg *config.Config, opts sessionTokenOptions, now time.Time) (string, error) {
	if cfg.Deploy.Production() {
		return "", fmt.Errorf("session-token is disabled in deploy mode %q", cfg.Deploy.Mode)
	}
	sc, err := identity.NewSessionCookie(cfg.Auth.SessionSecret, cfg.Auth.CookieNames)
	if err != nil {
		return "", fmt.Errorf("session cookie: %w", err)
	}
	return sc.Sign(identity.SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   opts.user,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(opts.ttl)),
		},
		Email:       opts.email,
		AccessToken: opts.accessToken,
	})
}

// runSessionToken prints a signed session cookie for use with
// "calexplorer ask -session".
func runSessionToken(stdout io.Writer, configPath string, args []string) error {
	opts, err := parseSessionTokenArgs(args)
	if err != nil {
		return err
	}
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	token, err := mintSessionToken(cfg, opts, time.Now())
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, token)
	return nil
}
