package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gragarwa/orchard/internal/config"
	"github.com/gragarwa/orchard/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// VersionPolicy selects which version record represents a content item.
type VersionPolicy int

const (
	// VersionPublished selects only the currently published version.
	VersionPublished VersionPolicy = iota
	// VersionLatest selects the latest (draft or published) version.
	VersionLatest
)

func (p VersionPolicy) String() string {
	if p == VersionLatest {
		return "latest"
	}
	return "published"
}

// --- sites ---

func (r Repo) InsertSite(ctx context.Context, s domain.Site) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO sites(id,name,status,description,created_at) VALUES (?,?,?,?,?)`,
		s.ID, s.Name, s.Status, nullable(s.Description), s.CreatedAt)
	return err
}

func (r Repo) GetSite(ctx context.Context, id string) (domain.Site, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,name,status,COALESCE(description,'') AS description,created_at FROM sites WHERE id=?`, id)
	var s domain.Site
	err := row.Scan(&s.ID, &s.Name, &s.Status, &s.Description, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

func (r Repo) SingleSite(ctx context.Context) (domain.Site, error) {
	sites, err := r.ListSites(ctx)
	if err != nil {
		return domain.Site{}, err
	}
	if len(sites) == 0 {
		return domain.Site{}, ErrNotFound
	}
	if len(sites) > 1 {
		return domain.Site{}, fmt.Errorf("multiple sites exist; specify --site")
	}
	return sites[0], nil
}

func (r Repo) ListSites(ctx context.Context) ([]domain.Site, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,status,COALESCE(description,'') AS description,created_at FROM sites ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Site
	for rows.Next() {
		var s domain.Site
		if err := rows.Scan(&s.ID, &s.Name, &s.Status, &s.Description, &s.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// --- site config ---

func (r Repo) UpsertSiteConfig(ctx context.Context, siteID string, cfg *config.Config) error {
	return upsertSiteConfig(ctx, r.DB, nil, siteID, cfg)
}

func (r Repo) UpsertSiteConfigTx(ctx context.Context, tx *sql.Tx, siteID string, cfg *config.Config) error {
	return upsertSiteConfig(ctx, nil, tx, siteID, cfg)
}

func upsertSiteConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, siteID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Site.ID = siteID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO site_configs(site_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(site_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, siteID, string(payload), now, now)
	return err
}

func (r Repo) GetSiteConfig(ctx context.Context, siteID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM site_configs WHERE site_id=?`, siteID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// --- content parts ---

func (r Repo) UpsertPartTx(ctx context.Context, tx *sql.Tx, p domain.ContentPart) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO content_parts(name,description,settings_json,created_at) VALUES (?,?,?,?)
ON CONFLICT(name) DO UPDATE SET description=excluded.description, settings_json=excluded.settings_json`,
		p.Name, nullable(p.Description), nullable(p.SettingsJSON), p.CreatedAt)
	return err
}

func (r Repo) GetPart(ctx context.Context, name string) (domain.ContentPart, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT name,COALESCE(description,''),COALESCE(settings_json,''),created_at FROM content_parts WHERE name=?`, name)
	var p domain.ContentPart
	err := row.Scan(&p.Name, &p.Description, &p.SettingsJSON, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

// ListParts returns all part definitions in lexical name order.
func (r Repo) ListParts(ctx context.Context) ([]domain.ContentPart, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT name,COALESCE(description,''),COALESCE(settings_json,''),created_at FROM content_parts ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ContentPart
	for rows.Next() {
		var p domain.ContentPart
		if err := rows.Scan(&p.Name, &p.Description, &p.SettingsJSON, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// --- content types ---

func (r Repo) UpsertTypeTx(ctx context.Context, tx *sql.Tx, t domain.ContentType) error {
	if _, err := tx.ExecContext(ctx, `INSERT INTO content_types(name,display_name,description,created_at) VALUES (?,?,?,?)
ON CONFLICT(name) DO UPDATE SET display_name=excluded.display_name, description=excluded.description`,
		t.Name, t.DisplayName, nullable(t.Description), t.CreatedAt); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM content_type_parts WHERE type_name=?`, t.Name); err != nil {
		return err
	}
	for i, part := range t.Parts {
		if _, err := tx.ExecContext(ctx, `INSERT INTO content_type_parts(type_name,part_name,position) VALUES (?,?,?)`, t.Name, part, i); err != nil {
			return fmt.Errorf("attach part %s to %s: %w", part, t.Name, err)
		}
	}
	return nil
}

func (r Repo) GetType(ctx context.Context, name string) (domain.ContentType, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT name,display_name,COALESCE(description,''),created_at FROM content_types WHERE name=?`, name)
	var t domain.ContentType
	err := row.Scan(&t.Name, &t.DisplayName, &t.Description, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Parts, err = r.typeParts(ctx, name)
	return t, err
}

func (r Repo) typeParts(ctx context.Context, typeName string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT part_name FROM content_type_parts WHERE type_name=? ORDER BY position`, typeName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var parts []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		parts = append(parts, p)
	}
	return parts, rows.Err()
}

// ListTypes returns all type definitions, parts attached, in lexical
// name order. This order is the registry enumeration order.
func (r Repo) ListTypes(ctx context.Context) ([]domain.ContentType, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT name,display_name,COALESCE(description,''),created_at FROM content_types ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ContentType
	for rows.Next() {
		var t domain.ContentType
		if err := rows.Scan(&t.Name, &t.DisplayName, &t.Description, &t.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		parts, err := r.typeParts(ctx, res[i].Name)
		if err != nil {
			return nil, err
		}
		res[i].Parts = parts
	}
	return res, nil
}

// --- content items ---

const itemColumns = `id,version,content_type,status,latest,published,data_json,created_at,modified_at,published_at`

func scanItem(scan func(dest ...any) error) (domain.ContentItem, error) {
	var it domain.ContentItem
	var latest, published int
	var publishedAt sql.NullString
	err := scan(&it.ID, &it.Version, &it.ContentType, &it.Status, &latest, &published, &it.DataJSON, &it.CreatedAt, &it.ModifiedAt, &publishedAt)
	if err != nil {
		return it, err
	}
	it.Latest = latest == 1
	it.Published = published == 1
	if publishedAt.Valid {
		it.PublishedAt = &publishedAt.String
	}
	return it, nil
}

func (r Repo) InsertItemVersionTx(ctx context.Context, tx *sql.Tx, it domain.ContentItem) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO content_items(`+itemColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		it.ID, it.Version, it.ContentType, it.Status, boolInt(it.Latest), boolInt(it.Published), it.DataJSON, it.CreatedAt, it.ModifiedAt, nullablePtr(it.PublishedAt))
	return err
}

// GetItem returns the latest version record of an item.
func (r Repo) GetItem(ctx context.Context, id string) (domain.ContentItem, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM content_items WHERE id=? AND latest=1`, id)
	it, err := scanItem(row.Scan)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	return it, err
}

// GetPublishedItem returns the published version record of an item.
func (r Repo) GetPublishedItem(ctx context.Context, id string) (domain.ContentItem, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM content_items WHERE id=? AND published=1`, id)
	it, err := scanItem(row.Scan)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	return it, err
}

// ListItems returns one version record per item under the given
// policy, ordered by type then id for deterministic output.
func (r Repo) ListItems(ctx context.Context, policy VersionPolicy) ([]domain.ContentItem, error) {
	flag := "published"
	if policy == VersionLatest {
		flag = "latest"
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+itemColumns+` FROM content_items WHERE `+flag+`=1 ORDER BY content_type, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ContentItem
	for rows.Next() {
		it, err := scanItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

// ListItemsByType returns latest version records filtered by type.
func (r Repo) ListItemsByType(ctx context.Context, contentType string) ([]domain.ContentItem, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+itemColumns+` FROM content_items WHERE content_type=? AND latest=1 ORDER BY id`, contentType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ContentItem
	for rows.Next() {
		it, err := scanItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

func (r Repo) LatestVersionTx(ctx context.Context, tx *sql.Tx, id string) (int, error) {
	var v sql.NullInt64
	err := tx.QueryRowContext(ctx, `SELECT MAX(version) FROM content_items WHERE id=?`, id).Scan(&v)
	if err != nil {
		return 0, err
	}
	if !v.Valid {
		return 0, nil
	}
	return int(v.Int64), nil
}

func (r Repo) ClearLatestTx(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx, `UPDATE content_items SET latest=0 WHERE id=?`, id)
	return err
}

func (r Repo) ClearPublishedTx(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx, `UPDATE content_items SET published=0, status='draft' WHERE id=? AND published=1`, id)
	return err
}

func (r Repo) MarkPublishedTx(ctx context.Context, tx *sql.Tx, id string, version int, publishedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE content_items SET published=1, status='published', published_at=? WHERE id=? AND version=?`, publishedAt, id, version)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- site settings ---

func (r Repo) UpsertSettingTx(ctx context.Context, tx *sql.Tx, siteID, fragment, payloadJSON, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO site_settings(site_id,fragment,payload_json,updated_at) VALUES (?,?,?,?)
ON CONFLICT(site_id,fragment) DO UPDATE SET payload_json=excluded.payload_json, updated_at=excluded.updated_at`,
		siteID, fragment, payloadJSON, now)
	return err
}

func (r Repo) GetSetting(ctx context.Context, siteID, fragment string) (string, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT payload_json FROM site_settings WHERE site_id=? AND fragment=?`, siteID, fragment).Scan(&payload)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return payload, err
}

// --- shell descriptor ---

func (r Repo) GetShellDescriptor(ctx context.Context) (domain.ShellDescriptor, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT serial_number,features_json,parameters_json,updated_at FROM shell_descriptor WHERE id=1`)
	var d domain.ShellDescriptor
	var features, params string
	err := row.Scan(&d.SerialNumber, &features, &params, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if err := json.Unmarshal([]byte(features), &d.Features); err != nil {
		return d, fmt.Errorf("shell descriptor features: %w", err)
	}
	if err := json.Unmarshal([]byte(params), &d.Parameters); err != nil {
		return d, fmt.Errorf("shell descriptor parameters: %w", err)
	}
	return d, nil
}

// SaveShellDescriptorTx writes the descriptor row. The caller supplies
// the serial number; a bump is a save with serial+1 and unchanged
// features and parameters.
func (r Repo) SaveShellDescriptorTx(ctx context.Context, tx *sql.Tx, d domain.ShellDescriptor) error {
	features, err := json.Marshal(d.Features)
	if err != nil {
		return err
	}
	if d.Parameters == nil {
		d.Parameters = map[string]string{}
	}
	params, err := json.Marshal(d.Parameters)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO shell_descriptor(id,serial_number,features_json,parameters_json,updated_at) VALUES (1,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET serial_number=excluded.serial_number, features_json=excluded.features_json, parameters_json=excluded.parameters_json, updated_at=excluded.updated_at`,
		d.SerialNumber, string(features), string(params), d.UpdatedAt)
	return err
}

// --- events ---

func (r Repo) LatestEvents(ctx context.Context, n int, siteID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	query := `SELECT id,ts,type,COALESCE(site_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events`
	var conds []string
	var args []any
	if siteID != "" {
		conds = append(conds, "site_id=?")
		args = append(args, siteID)
	}
	if evtType != "" {
		conds = append(conds, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		conds = append(conds, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		conds = append(conds, "entity_id=?")
		args = append(args, entityID)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, n)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.SiteID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) EventsAfter(ctx context.Context, limit int, afterID int64, siteID string) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,COALESCE(site_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json
FROM events WHERE id>? AND site_id=? ORDER BY id ASC LIMIT ?`, afterID, siteID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.SiteID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) LatestEventID(ctx context.Context, siteID string) (int64, error) {
	var id sql.NullInt64
	err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events WHERE site_id=?`, siteID).Scan(&id)
	if err != nil {
		return 0, err
	}
	if !id.Valid {
		return 0, nil
	}
	return id.Int64, nil
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullablePtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
