package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gragarwa/orchard/internal/config"
	"github.com/gragarwa/orchard/internal/domain"
	"github.com/gragarwa/orchard/internal/engine/auth"
	"github.com/gragarwa/orchard/internal/events"
	"github.com/gragarwa/orchard/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Auth   auth.Service
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Auth:   auth.Service{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// InitSite creates the site row, seeds the configured schema (parts
// then types), and writes the initial shell descriptor.
func (e Engine) InitSite(ctx context.Context, siteID, name, description, actorID string) (domain.Site, error) {
	if e.Config == nil {
		return domain.Site{}, errors.New("config not loaded")
	}
	now := e.now().UTC().Format(time.RFC3339)
	if name == "" {
		name = e.Config.Site.Name
	}
	if name == "" {
		name = siteID
	}
	s := domain.Site{
		ID:          siteID,
		Name:        name,
		Status:      "active",
		Description: description,
		CreatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Site{}, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT INTO sites(id,name,status,description,created_at) VALUES (?,?,?,?,?)`,
		s.ID, s.Name, s.Status, nullable(s.Description), s.CreatedAt); err != nil {
		return domain.Site{}, fmt.Errorf("insert site: %w", err)
	}
	if err := e.Repo.UpsertSiteConfigTx(ctx, tx, s.ID, e.Config); err != nil {
		return domain.Site{}, fmt.Errorf("insert site config: %w", err)
	}
	for _, name := range e.Config.PartNames() {
		def := e.Config.Parts[name]
		p := domain.ContentPart{Name: name, Description: def.Description, CreatedAt: now}
		if len(def.Settings) > 0 {
			b, err := json.Marshal(def.Settings)
			if err != nil {
				return domain.Site{}, err
			}
			p.SettingsJSON = string(b)
		}
		if err := e.Repo.UpsertPartTx(ctx, tx, p); err != nil {
			return domain.Site{}, fmt.Errorf("seed part %s: %w", name, err)
		}
	}
	for _, name := range e.Config.TypeNames() {
		def := e.Config.Types[name]
		t := domain.ContentType{
			Name:        name,
			DisplayName: def.DisplayName,
			Description: def.Description,
			Parts:       def.Parts,
			CreatedAt:   now,
		}
		if t.DisplayName == "" {
			t.DisplayName = name
		}
		if err := e.Repo.UpsertTypeTx(ctx, tx, t); err != nil {
			return domain.Site{}, fmt.Errorf("seed type %s: %w", name, err)
		}
	}
	if err := e.Repo.SaveShellDescriptorTx(ctx, tx, domain.ShellDescriptor{
		SerialNumber: 1,
		Features:     e.Config.Features,
		Parameters:   map[string]string{},
		UpdatedAt:    now,
	}); err != nil {
		return domain.Site{}, fmt.Errorf("seed shell descriptor: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "site.init", s.ID, "site", s.ID, actorID, events.EventPayload{"status": s.Status}); err != nil {
		return domain.Site{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Site{}, err
	}
	return s, nil
}

// DefineContentPart upserts a part definition.
func (e Engine) DefineContentPart(ctx context.Context, p domain.ContentPart, actorID string) (domain.ContentPart, error) {
	if p.Name == "" {
		return p, errors.New("part name is required")
	}
	if p.SettingsJSON != "" {
		if err := validateJSON(p.SettingsJSON); err != nil {
			return p, fmt.Errorf("part settings JSON: %w", err)
		}
	}
	if p.CreatedAt == "" {
		p.CreatedAt = e.now().UTC().Format(time.RFC3339)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertPartTx(ctx, tx, p); err != nil {
		return p, err
	}
	if err := e.Events.Append(ctx, tx, "schema.part.defined", e.siteID(), "part", p.Name, actorID, events.EventPayload{"description": p.Description}); err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	return p, nil
}

// DefineContentType upserts a type definition. Referenced parts must
// already exist.
func (e Engine) DefineContentType(ctx context.Context, t domain.ContentType, actorID string) (domain.ContentType, error) {
	if t.Name == "" {
		return t, errors.New("type name is required")
	}
	if t.DisplayName == "" {
		t.DisplayName = t.Name
	}
	for _, part := range t.Parts {
		if _, err := e.Repo.GetPart(ctx, part); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return t, fmt.Errorf("type %s references unknown part %s", t.Name, part)
			}
			return t, err
		}
	}
	if t.CreatedAt == "" {
		t.CreatedAt = e.now().UTC().Format(time.RFC3339)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertTypeTx(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, "schema.type.defined", e.siteID(), "type", t.Name, actorID, events.EventPayload{"parts": t.Parts}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

// ItemCreateOptions are parameters for creating a content item.
type ItemCreateOptions struct {
	ID          string
	ContentType string
	DataJSON    string
	Publish     bool
	ActorID     string
}

// CreateItem creates version 1 of a new item as the latest draft.
func (e Engine) CreateItem(ctx context.Context, opts ItemCreateOptions) (domain.ContentItem, error) {
	if opts.ContentType == "" {
		return domain.ContentItem{}, errors.New("content type is required")
	}
	if _, err := e.Repo.GetType(ctx, opts.ContentType); err != nil {
		return domain.ContentItem{}, err
	}
	if opts.DataJSON == "" {
		opts.DataJSON = "{}"
	}
	if err := validateJSON(opts.DataJSON); err != nil {
		return domain.ContentItem{}, fmt.Errorf("item data JSON: %w", err)
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.now().UTC().Format(time.RFC3339)
	it := domain.ContentItem{
		ID:          id,
		ContentType: opts.ContentType,
		Version:     1,
		Status:      "draft",
		Latest:      true,
		DataJSON:    opts.DataJSON,
		CreatedAt:   now,
		ModifiedAt:  now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return it, err
	}
	defer tx.Rollback()
	if v, err := e.Repo.LatestVersionTx(ctx, tx, id); err != nil {
		return it, err
	} else if v > 0 {
		return it, fmt.Errorf("item %s already exists", id)
	}
	if opts.Publish {
		it.Status = "published"
		it.Published = true
		it.PublishedAt = &now
	}
	if err := e.Repo.InsertItemVersionTx(ctx, tx, it); err != nil {
		return it, err
	}
	if err := e.Events.Append(ctx, tx, "content.created", e.siteID(), "item", it.ID, opts.ActorID, events.EventPayload{"content_type": it.ContentType, "version": it.Version}); err != nil {
		return it, err
	}
	if err := tx.Commit(); err != nil {
		return it, err
	}
	return it, nil
}

// UpdateItem writes a new latest draft version with the given data.
func (e Engine) UpdateItem(ctx context.Context, id, dataJSON, actorID string) (domain.ContentItem, error) {
	if err := validateJSON(dataJSON); err != nil {
		return domain.ContentItem{}, fmt.Errorf("item data JSON: %w", err)
	}
	current, err := e.Repo.GetItem(ctx, id)
	if err != nil {
		return domain.ContentItem{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	next := domain.ContentItem{
		ID:          id,
		ContentType: current.ContentType,
		Version:     current.Version + 1,
		Status:      "draft",
		Latest:      true,
		DataJSON:    dataJSON,
		CreatedAt:   current.CreatedAt,
		ModifiedAt:  now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return next, err
	}
	defer tx.Rollback()
	if err := e.Repo.ClearLatestTx(ctx, tx, id); err != nil {
		return next, err
	}
	if err := e.Repo.InsertItemVersionTx(ctx, tx, next); err != nil {
		return next, err
	}
	if err := e.Events.Append(ctx, tx, "content.updated", e.siteID(), "item", id, actorID, events.EventPayload{"version": next.Version}); err != nil {
		return next, err
	}
	if err := tx.Commit(); err != nil {
		return next, err
	}
	return next, nil
}

// PublishItem marks the latest version published, unpublishing any
// previously published version of the same item.
func (e Engine) PublishItem(ctx context.Context, id, actorID string) (domain.ContentItem, error) {
	it, err := e.Repo.GetItem(ctx, id)
	if err != nil {
		return domain.ContentItem{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return it, err
	}
	defer tx.Rollback()
	if err := e.Repo.ClearPublishedTx(ctx, tx, id); err != nil {
		return it, err
	}
	if err := e.Repo.MarkPublishedTx(ctx, tx, id, it.Version, now); err != nil {
		return it, err
	}
	if err := e.Events.Append(ctx, tx, "content.published", e.siteID(), "item", id, actorID, events.EventPayload{"version": it.Version}); err != nil {
		return it, err
	}
	if err := tx.Commit(); err != nil {
		return it, err
	}
	it.Status = "published"
	it.Published = true
	it.PublishedAt = &now
	return it, nil
}

// ImportItem upserts an item from a recipe: a new item keeps the
// recipe's id, an existing one gains a new latest version. The item is
// published when the recipe says so.
func (e Engine) ImportItem(ctx context.Context, id, contentType, dataJSON string, publish bool, actorID string) (domain.ContentItem, error) {
	if id == "" {
		return domain.ContentItem{}, errors.New("item id is required")
	}
	_, err := e.Repo.GetItem(ctx, id)
	switch {
	case err == nil:
		it, err := e.UpdateItem(ctx, id, dataJSON, actorID)
		if err != nil {
			return it, err
		}
		if publish {
			return e.PublishItem(ctx, id, actorID)
		}
		return it, nil
	case errors.Is(err, repo.ErrNotFound):
		return e.CreateItem(ctx, ItemCreateOptions{
			ID:          id,
			ContentType: contentType,
			DataJSON:    dataJSON,
			Publish:     publish,
			ActorID:     actorID,
		})
	default:
		return domain.ContentItem{}, err
	}
}

// UpdateSettings stores a settings fragment payload for the site.
func (e Engine) UpdateSettings(ctx context.Context, siteID, fragment, payloadJSON, actorID string) error {
	if fragment == "" {
		return errors.New("fragment name is required")
	}
	if err := validateJSON(payloadJSON); err != nil {
		return fmt.Errorf("settings JSON: %w", err)
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertSettingTx(ctx, tx, siteID, fragment, payloadJSON, now); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "settings.updated", siteID, "settings", fragment, actorID, events.EventPayload{}); err != nil {
		return err
	}
	return tx.Commit()
}

// ShellDescriptor returns the current descriptor.
func (e Engine) ShellDescriptor(ctx context.Context) (domain.ShellDescriptor, error) {
	return e.Repo.GetShellDescriptor(ctx)
}

// BumpShellDescriptor re-saves the descriptor with its current feature
// and parameter set, incrementing the serial number so dependent
// caches invalidate.
func (e Engine) BumpShellDescriptor(ctx context.Context, actorID string) (domain.ShellDescriptor, error) {
	d, err := e.Repo.GetShellDescriptor(ctx)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return d, err
		}
		d = domain.ShellDescriptor{Features: e.features(), Parameters: map[string]string{}}
	}
	d.SerialNumber++
	d.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return d, err
	}
	defer tx.Rollback()
	if err := e.Repo.SaveShellDescriptorTx(ctx, tx, d); err != nil {
		return d, err
	}
	if err := e.Events.Append(ctx, tx, "shell.descriptor.updated", e.siteID(), "shell", "descriptor", actorID, events.EventPayload{"serial_number": d.SerialNumber}); err != nil {
		return d, err
	}
	if err := tx.Commit(); err != nil {
		return d, err
	}
	return d, nil
}

func (e Engine) features() []string {
	if e.Config != nil {
		return e.Config.Features
	}
	return nil
}

func (e Engine) siteID() string {
	if e.Config != nil {
		return e.Config.Site.ID
	}
	return ""
}

// --- helpers ---

func validateJSON(in string) error {
	var tmp any
	if err := json.Unmarshal([]byte(in), &tmp); err != nil {
		return err
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
