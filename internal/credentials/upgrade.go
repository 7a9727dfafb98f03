package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// Upgrade turns a legacy username/password pair into a stored password
// credential and returns the new credential's id.  It exists only to
// migrate old configurations and is run once at load time.
func Upgrade(ctx context.Context, store Store, username, password string, logger *slog.Logger) (string, error) {
	if username == "" || password == "" {
		return "", errors.New("upgrade requires both username and password")
	}

	id := uuid.NewString()
	logger.Info("upgrading username/password to credentials",
		slog.String("username", username),
		slog.String("credentialID", id),
	)

	err := store.Put(ctx, &Credential{
		ID:          id,
		Scope:       ScopeGlobal,
		Description: fmt.Sprintf("upgraded from legacy password login for %s", username),
		Kind:        KindPassword,
		Username:    username,
		Password:    password,
	})
	if err != nil {
		return "", fmt.Errorf("storing upgraded credential: %w", err)
	}
	return id, nil
}
