package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/gragarwa/orchard/internal/config"
	"github.com/gragarwa/orchard/internal/db"
	"github.com/gragarwa/orchard/internal/engine"
	"github.com/gragarwa/orchard/internal/migrate"
	"github.com/gragarwa/orchard/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("site-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := eng.InitSite(ctx, "site-1", "Test Site", "", "tester"); err != nil {
		t.Fatalf("init site: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func TestInitSiteSeedsSchemaAndShell(t *testing.T) {
	env := newTestEnv(t)
	parts, err := env.Engine.Repo.ListParts(env.Ctx)
	if err != nil {
		t.Fatalf("list parts: %v", err)
	}
	if len(parts) != 3 {
		t.Fatalf("expected 3 seeded parts, got %d", len(parts))
	}
	types, err := env.Engine.Repo.ListTypes(env.Ctx)
	if err != nil {
		t.Fatalf("list types: %v", err)
	}
	if len(types) != 2 {
		t.Fatalf("expected 2 seeded types, got %d", len(types))
	}
	for _, typ := range types {
		if len(typ.Parts) == 0 {
			t.Fatalf("type %s has no parts", typ.Name)
		}
	}
	d, err := env.Engine.ShellDescriptor(env.Ctx)
	if err != nil {
		t.Fatalf("shell descriptor: %v", err)
	}
	if d.SerialNumber != 1 {
		t.Fatalf("expected initial serial 1, got %d", d.SerialNumber)
	}
	if len(d.Features) == 0 {
		t.Fatalf("expected seeded features")
	}
}

func TestItemDraftUpdatePublish(t *testing.T) {
	env := newTestEnv(t)
	it, err := env.Engine.CreateItem(env.Ctx, engine.ItemCreateOptions{
		ContentType: "Page",
		DataJSON:    `{"TitlePart":{"Title":"Hello"}}`,
		ActorID:     "tester",
	})
	if err != nil {
		t.Fatalf("create item: %v", err)
	}
	if it.Version != 1 || it.Status != "draft" || !it.Latest || it.Published {
		t.Fatalf("unexpected draft state: %+v", it)
	}
	it2, err := env.Engine.UpdateItem(env.Ctx, it.ID, `{"TitlePart":{"Title":"Hello again"}}`, "tester")
	if err != nil {
		t.Fatalf("update item: %v", err)
	}
	if it2.Version != 2 || !it2.Latest {
		t.Fatalf("expected latest version 2, got %+v", it2)
	}
	prev, err := env.Engine.Repo.GetItem(env.Ctx, it.ID)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if prev.Version != 2 {
		t.Fatalf("latest lookup returned version %d", prev.Version)
	}
	pub, err := env.Engine.PublishItem(env.Ctx, it.ID, "tester")
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if pub.Status != "published" || !pub.Published || pub.PublishedAt == nil {
		t.Fatalf("unexpected published state: %+v", pub)
	}
	got, err := env.Engine.Repo.GetPublishedItem(env.Ctx, it.ID)
	if err != nil {
		t.Fatalf("get published: %v", err)
	}
	if got.Version != 2 {
		t.Fatalf("expected version 2 published, got %d", got.Version)
	}
}

func TestCreateItemRequiresKnownType(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateItem(env.Ctx, engine.ItemCreateOptions{
		ContentType: "Ghost",
		ActorID:     "tester",
	})
	if err == nil {
		t.Fatalf("expected unknown type error")
	}
}

func TestPublishSupersedesEarlierVersion(t *testing.T) {
	env := newTestEnv(t)
	it, err := env.Engine.CreateItem(env.Ctx, engine.ItemCreateOptions{
		ContentType: "Post",
		DataJSON:    `{"TitlePart":{"Title":"v1"}}`,
		Publish:     true,
		ActorID:     "tester",
	})
	if err != nil {
		t.Fatalf("create published: %v", err)
	}
	if _, err := env.Engine.UpdateItem(env.Ctx, it.ID, `{"TitlePart":{"Title":"v2"}}`, "tester"); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := env.Engine.PublishItem(env.Ctx, it.ID, "tester"); err != nil {
		t.Fatalf("republish: %v", err)
	}
	published, err := env.Engine.Repo.ListItems(env.Ctx, repo.VersionPublished)
	if err != nil {
		t.Fatalf("list published: %v", err)
	}
	count := 0
	for _, row := range published {
		if row.ID == it.ID {
			count++
			if row.Version != 2 {
				t.Fatalf("expected published version 2, got %d", row.Version)
			}
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one published version, got %d", count)
	}
}

func TestImportItemUpserts(t *testing.T) {
	env := newTestEnv(t)
	first, err := env.Engine.ImportItem(env.Ctx, "page-1", "Page", `{"TitlePart":{"Title":"one"}}`, true, "importer")
	if err != nil {
		t.Fatalf("import new: %v", err)
	}
	if first.Version != 1 || !first.Published {
		t.Fatalf("unexpected first import: %+v", first)
	}
	second, err := env.Engine.ImportItem(env.Ctx, "page-1", "Page", `{"TitlePart":{"Title":"two"}}`, true, "importer")
	if err != nil {
		t.Fatalf("import existing: %v", err)
	}
	if second.Version != 2 || !second.Latest {
		t.Fatalf("expected new version on re-import, got %+v", second)
	}
	got, err := env.Engine.Repo.GetPublishedItem(env.Ctx, "page-1")
	if err != nil {
		t.Fatalf("get published: %v", err)
	}
	if got.Version != 2 {
		t.Fatalf("expected re-imported version published, got %d", got.Version)
	}
}

func TestUpdateSettingsStoresFragment(t *testing.T) {
	env := newTestEnv(t)
	payload := `{"site_name":"Renamed","page_size":25}`
	if err := env.Engine.UpdateSettings(env.Ctx, "site-1", "general", payload, "tester"); err != nil {
		t.Fatalf("update settings: %v", err)
	}
	stored, err := env.Engine.Repo.GetSetting(env.Ctx, "site-1", "general")
	if err != nil {
		t.Fatalf("get setting: %v", err)
	}
	if stored != payload {
		t.Fatalf("stored payload mismatch: %s", stored)
	}
	rows, err := env.Engine.DB.QueryContext(env.Ctx, `SELECT count(*) FROM events WHERE type='settings.updated'`)
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	defer rows.Close()
	var count int
	rows.Next()
	rows.Scan(&count)
	if count == 0 {
		t.Fatalf("expected settings event")
	}
}

func TestBumpShellDescriptor(t *testing.T) {
	env := newTestEnv(t)
	before, err := env.Engine.ShellDescriptor(env.Ctx)
	if err != nil {
		t.Fatalf("shell: %v", err)
	}
	bumped, err := env.Engine.BumpShellDescriptor(env.Ctx, "tester")
	if err != nil {
		t.Fatalf("bump: %v", err)
	}
	if bumped.SerialNumber != before.SerialNumber+1 {
		t.Fatalf("expected serial %d, got %d", before.SerialNumber+1, bumped.SerialNumber)
	}
	if len(bumped.Features) != len(before.Features) {
		t.Fatalf("bump must not change features")
	}
}

func TestRolesAndPermissions(t *testing.T) {
	env := newTestEnv(t)
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.Repo.InsertRole(env.Ctx, tx, "editor", "content editing"); err != nil {
		t.Fatalf("insert role: %v", err)
	}
	if err := env.Engine.Repo.InsertPermission(env.Ctx, tx, "content.write", ""); err != nil {
		t.Fatalf("insert permission: %v", err)
	}
	if err := env.Engine.Repo.AddRolePermission(env.Ctx, tx, "editor", "content.write"); err != nil {
		t.Fatalf("grant permission: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.GrantRole(env.Ctx, "site-1", "tester", "writer-1", "editor"); err != nil {
		t.Fatalf("grant role: %v", err)
	}
	who, err := env.Engine.WhoAmI(env.Ctx, "site-1", "writer-1")
	if err != nil {
		t.Fatalf("whoami: %v", err)
	}
	if len(who.Roles) != 1 || who.Roles[0] != "editor" {
		t.Fatalf("unexpected roles: %v", who.Roles)
	}
	found := false
	for _, p := range who.Permissions {
		if p == "content.write" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected content.write in %v", who.Permissions)
	}
	if err := env.Engine.RevokeRole(env.Ctx, "site-1", "tester", "writer-1", "editor"); err != nil {
		t.Fatalf("revoke role: %v", err)
	}
	who, err = env.Engine.WhoAmI(env.Ctx, "site-1", "writer-1")
	if err != nil {
		t.Fatalf("whoami after revoke: %v", err)
	}
	if len(who.Roles) != 0 {
		t.Fatalf("expected no roles, got %v", who.Roles)
	}
}

func TestEventAppendOnLifecycle(t *testing.T) {
	env := newTestEnv(t)
	it, err := env.Engine.CreateItem(env.Ctx, engine.ItemCreateOptions{ContentType: "Page", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.UpdateItem(env.Ctx, it.ID, `{"BodyPart":{"Text":"x"}}`, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.PublishItem(env.Ctx, it.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	rows, err := env.Engine.DB.QueryContext(env.Ctx, `SELECT type FROM events WHERE entity_id=?`, it.ID)
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	defer rows.Close()
	count := 0
	for rows.Next() {
		count++
	}
	if count < 3 {
		t.Fatalf("expected create/update/publish events, got %d", count)
	}
}
