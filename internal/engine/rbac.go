package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/gragarwa/orchard/internal/domain"
	"github.com/gragarwa/orchard/internal/events"
	"github.com/gragarwa/orchard/internal/repo"
)

// WhoAmI returns the actor's roles and effective permissions for a site.
func (e Engine) WhoAmI(ctx context.Context, siteID, actorID string) (domain.ActorProfile, error) {
	profile := domain.ActorProfile{SiteID: siteID, ActorID: actorID}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return profile, err
	}
	defer tx.Rollback()
	roles, err := e.Auth.ActorRoles(ctx, tx, siteID, actorID)
	if err != nil {
		return profile, err
	}
	perms, err := e.Auth.ActorPermissions(ctx, tx, siteID, actorID)
	if err != nil {
		return profile, err
	}
	profile.Roles = roles
	profile.Permissions = perms
	return profile, tx.Commit()
}

// GrantRole assigns a role to an actor for the site.
func (e Engine) GrantRole(ctx context.Context, siteID, granterID, actorID, roleID string) error {
	if actorID == "" || roleID == "" {
		return errors.New("actor_id and role_id are required")
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureActor(ctx, tx, actorID, now); err != nil {
		return err
	}
	if err := e.Repo.AssignRole(ctx, tx, siteID, actorID, roleID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "rbac.role.granted", siteID, "actor", actorID, granterID, events.EventPayload{"role_id": roleID}); err != nil {
		return err
	}
	return tx.Commit()
}

// RevokeRole removes a role assignment.
func (e Engine) RevokeRole(ctx context.Context, siteID, revokerID, actorID, roleID string) error {
	if actorID == "" || roleID == "" {
		return errors.New("actor_id and role_id are required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.RevokeRole(ctx, tx, siteID, actorID, roleID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "rbac.role.revoked", siteID, "actor", actorID, revokerID, events.EventPayload{"role_id": roleID}); err != nil {
		return err
	}
	return tx.Commit()
}

// CreateAPIKey mints an API key for an actor and stores its hash. The
// plaintext key is returned once and never persisted.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name string) (domain.APIKey, string, error) {
	if actorID == "" {
		return domain.APIKey{}, "", errors.New("actor_id is required")
	}
	plaintext := uuid.New().String()
	key := domain.APIKey{
		ID:        uuid.New().String(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plaintext),
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return key, "", err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureActor(ctx, tx, actorID, key.CreatedAt); err != nil {
		return key, "", err
	}
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return key, "", err
	}
	if err := tx.Commit(); err != nil {
		return key, "", err
	}
	return key, plaintext, nil
}
