package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/nerrad567/budlink/internal/auth"
	"github.com/nerrad567/budlink/internal/infrastructure/config"
)

// tokenTTL is the lifetime of tokens minted from the command line.
const tokenTTL = 365 * 24 * time.Hour

var errTokenUsage = errors.New("usage: budlink token <subject> [read|control]")

// runToken mints an API token signed with the configured JWT secret and
// writes it to out. The scope defaults to read.
func runToken(args []string, out io.Writer) error {
	if len(args) < 1 || len(args) > 2 || args[0] == "" {
		return errTokenUsage
	}
	scope := auth.ScopeRead
	if len(args) == 2 {
		scope = auth.Scope(args[1])
		if !auth.ValidScope(scope) {
			return fmt.Errorf("%w: %q", auth.ErrInvalidScope, args[1])
		}
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	token, err := auth.GenerateToken(args[0], scope, cfg.Security.JWT.Secret, tokenTTL)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	_, err = fmt.Fprintln(out, token)
	return err
}
