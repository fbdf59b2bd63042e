package settings_test

import (
	"context"
	"testing"

	"github.com/gragarwa/orchard/internal/db"
	"github.com/gragarwa/orchard/internal/migrate"
	"github.com/gragarwa/orchard/internal/repo"
	"github.com/gragarwa/orchard/internal/settings"
)

func TestAttributesSkipsReadOnlyAndNonScalar(t *testing.T) {
	attrs := settings.Attributes(&settings.General{
		SiteName: "Example",
		PageSize: 10,
		Updated:  "2024-06-01",
	})
	names := map[string]string{}
	for _, a := range attrs {
		names[a.Name] = a.Value
	}
	if names["SiteName"] != "Example" {
		t.Fatalf("missing SiteName: %v", names)
	}
	if names["PageSize"] != "10" {
		t.Fatalf("missing PageSize: %v", names)
	}
	if names["MaintenanceMode"] != "false" {
		t.Fatalf("missing MaintenanceMode: %v", names)
	}
	if _, ok := names["Updated"]; ok {
		t.Fatalf("read-only field exported: %v", names)
	}
	if got := settings.Attributes(&settings.Routes{Redirects: map[string]string{"/a": "/b"}}); len(got) != 0 {
		t.Fatalf("non-scalar fields must not export: %v", got)
	}
}

func TestApply(t *testing.T) {
	f := &settings.General{}
	err := settings.Apply(f, map[string]string{
		"SiteName":        "Applied",
		"PageSize":        "25",
		"MaintenanceMode": "true",
		"Updated":         "2024-06-01",
		"Nonexistent":     "ignored",
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if f.SiteName != "Applied" || f.PageSize != 25 || !f.MaintenanceMode {
		t.Fatalf("values not applied: %+v", f)
	}
	if f.Updated != "" {
		t.Fatalf("read-only field applied: %+v", f)
	}
}

func TestApplyBadValues(t *testing.T) {
	if err := settings.Apply(&settings.General{}, map[string]string{"PageSize": "lots"}); err == nil {
		t.Fatalf("expected int parse error")
	}
	if err := settings.Apply(&settings.General{}, map[string]string{"MaintenanceMode": "perhaps"}); err == nil {
		t.Fatalf("expected bool parse error")
	}
	if err := settings.Apply(settings.General{}, nil); err == nil {
		t.Fatalf("expected pointer requirement error")
	}
}

func TestLookup(t *testing.T) {
	f, ok := settings.Lookup("Seo")
	if !ok {
		t.Fatalf("Seo fragment not registered")
	}
	seo, ok := f.(*settings.Seo)
	if !ok {
		t.Fatalf("unexpected fragment type %T", f)
	}
	if !seo.IndexingEnabled {
		t.Fatalf("default not populated: %+v", seo)
	}
	if _, ok := settings.Lookup("Nope"); ok {
		t.Fatalf("unknown fragment resolved")
	}
}

func TestServiceOverlaysStoredValues(t *testing.T) {
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	ctx := context.Background()
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.UpsertSettingTx(ctx, tx, "site-1", "General", `{"site_name":"Stored","page_size":50}`, "2024-01-01T00:00:00Z"); err != nil {
		t.Fatalf("store fragment: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	svc := settings.Service{Repo: r, SiteID: "site-1"}
	frags, err := svc.Fragments(ctx)
	if err != nil {
		t.Fatalf("fragments: %v", err)
	}
	var general *settings.General
	for _, f := range frags {
		if g, ok := f.(*settings.General); ok {
			general = g
		}
	}
	if general == nil {
		t.Fatalf("General fragment missing")
	}
	if general.SiteName != "Stored" || general.PageSize != 50 {
		t.Fatalf("stored values not overlaid: %+v", general)
	}
	// Defaults survive for fields the stored payload omits.
	if general.BaseURL != "" {
		t.Fatalf("unexpected base url: %q", general.BaseURL)
	}
}
