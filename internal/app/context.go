package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"medledger/internal/config"
	"medledger/internal/domain"
	"medledger/internal/repo"
)

// ResolveConfig loads workspace config, seeding defaults when missing.
func ResolveConfig(workspace string) (*config.Config, error) {
	return config.Load(workspace)
}

// ResolveActor validates a locally-asserted actor id against the directory.
// This is the CLI's stand-in for the identity collaborator: the engine only
// ever sees an actor row that exists and is active.
func ResolveActor(ctx context.Context, r repo.Repo, actorID string) (domain.Actor, error) {
	if actorID == "" {
		return domain.Actor{}, errors.New("actor id required")
	}
	a, err := r.GetActor(ctx, actorID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Actor{}, fmt.Errorf("actor %s is not registered", actorID)
		}
		return domain.Actor{}, err
	}
	if !a.Active {
		return domain.Actor{}, fmt.Errorf("actor %s is deactivated", actorID)
	}
	return a, nil
}

// EnsureBootstrapAdmin creates a first admin actor in an empty directory so a
// fresh workspace can register further actors.
func EnsureBootstrapAdmin(ctx context.Context, r repo.Repo, adminID string) error {
	n, err := r.CountActors(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if adminID == "" {
		adminID = "root-admin"
	}
	return r.InsertActor(ctx, domain.Actor{
		ID:        adminID,
		Role:      domain.RoleAdmin,
		Name:      "Bootstrap admin",
		Active:    true,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	})
}
