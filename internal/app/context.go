package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gragarwa/orchard/internal/config"
	"github.com/gragarwa/orchard/internal/engine/auth"
	"github.com/gragarwa/orchard/internal/repo"
)

// ResolveSiteAndConfig picks the active site and ensures a site row and
// stored config exist, seeding defaults if missing. It prefers the
// override, then a single-site DB.
func ResolveSiteAndConfig(ctx context.Context, siteOverride, actorID string, r repo.Repo) (string, *config.Config, error) {
	siteID := siteOverride
	if siteID == "" {
		if s, err := r.SingleSite(ctx); err == nil {
			siteID = s.ID
		} else {
			return "", nil, fmt.Errorf("site not specified; use --site")
		}
	}
	seedCfg := config.Default(siteID)

	if _, err := r.GetSite(ctx, siteID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := createSite(ctx, r, siteID, actorID); err != nil {
			return "", nil, err
		}
	}
	cfg, err := r.GetSiteConfig(ctx, siteID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			if err := r.UpsertSiteConfig(ctx, siteID, seedCfg); err != nil {
				return "", nil, fmt.Errorf("seed site config: %w", err)
			}
			cfg = seedCfg
		} else {
			return "", nil, err
		}
	}
	cfg.Site.ID = siteID
	return siteID, cfg, nil
}

// createSite inserts a minimal site + rbac footprint.
func createSite(ctx context.Context, r repo.Repo, siteID, actorID string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO sites(id,name,status,description,created_at) VALUES (?,?,?,?,?)`,
		siteID, siteID, "active", "", now); err != nil {
		return fmt.Errorf("insert site: %w", err)
	}
	if actorID == "" {
		actorID = "local-user"
	}
	if err := r.EnsureActor(ctx, tx, actorID, now); err != nil {
		return fmt.Errorf("ensure actor: %w", err)
	}
	if err := r.InsertRole(ctx, tx, "owner", "full access"); err != nil {
		return fmt.Errorf("seed role: %w", err)
	}
	for _, perm := range []string{
		auth.PermContentRead, auth.PermContentWrite, auth.PermContentPublish,
		auth.PermSettingsWrite, auth.PermExport, auth.PermImport,
	} {
		if err := r.InsertPermission(ctx, tx, perm, ""); err != nil {
			return fmt.Errorf("seed permission: %w", err)
		}
		if err := r.AddRolePermission(ctx, tx, "owner", perm); err != nil {
			return fmt.Errorf("grant permission: %w", err)
		}
	}
	if err := r.AssignRole(ctx, tx, siteID, actorID, "owner"); err != nil {
		return fmt.Errorf("assign role: %w", err)
	}
	return tx.Commit()
}
