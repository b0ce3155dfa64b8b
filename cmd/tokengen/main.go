// Command tokengen mints a bearer token for a caller id and role, for
// local testing and for system jobs that call the ops endpoints.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/spec-kit/helpdesk-engine/internal/auth"
	"github.com/spec-kit/helpdesk-engine/internal/config"
	"github.com/spec-kit/helpdesk-engine/internal/domain"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		subject    string
		role       string
		secret     string
		ttlMinutes int
	)

	flagSet := pflag.NewFlagSet("tokengen", pflag.ContinueOnError)
	flagSet.StringVar(&subject, "subject", "", "caller id written to the sub claim (required)")
	flagSet.StringVar(&role, "role", string(domain.RoleSystem), "caller role: student, admin, super_admin, committee or system")
	flagSet.StringVar(&secret, "secret", "", "HMAC secret (default: AUTH_JWT_SECRET from the environment)")
	flagSet.IntVar(&ttlMinutes, "ttl-minutes", 0, "token lifetime in minutes (default: AUTH_ACCESS_TOKEN_TTL_MINUTES)")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if subject == "" {
		return errors.New("--subject is required")
	}
	parsed := domain.ParseRole(role)
	if !parsed.Valid() {
		return fmt.Errorf("unknown role %q", role)
	}

	if secret == "" || ttlMinutes <= 0 {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if secret == "" {
			secret = cfg.Auth.JWTSecret
		}
		if ttlMinutes <= 0 {
			ttlMinutes = cfg.Auth.AccessTokenTTLMinutes
		}
	}

	token, expiresAt, err := auth.NewTokenManager(secret, ttlMinutes).GenerateToken(domain.Caller{ID: subject, Role: parsed})
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "expires at %s\n", expiresAt.UTC().Format("2006-01-02T15:04:05Z"))
	fmt.Println(token)
	return nil
}
