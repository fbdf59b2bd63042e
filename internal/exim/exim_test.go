package exim_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/beevik/etree"

	"github.com/gragarwa/orchard/internal/config"
	"github.com/gragarwa/orchard/internal/db"
	"github.com/gragarwa/orchard/internal/domain"
	"github.com/gragarwa/orchard/internal/engine"
	"github.com/gragarwa/orchard/internal/exim"
	"github.com/gragarwa/orchard/internal/migrate"
	"github.com/gragarwa/orchard/internal/schema"
	"github.com/gragarwa/orchard/internal/settings"
)

type testEnv struct {
	Engine    engine.Engine
	Exporter  exim.Exporter
	Workspace string
	Ctx       context.Context
}

func newTestEnv(t *testing.T, siteID string) testEnv {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default(siteID)
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := eng.InitSite(ctx, siteID, "Test Site", "", "tester"); err != nil {
		t.Fatalf("init site: %v", err)
	}
	exporter := exim.Exporter{
		Repo:      eng.Repo,
		Registry:  schema.Registry{Repo: eng.Repo},
		Settings:  settings.Service{Repo: eng.Repo, SiteID: siteID},
		Artifacts: exim.ArtifactWriter{Workspace: workspace},
		SiteName:  "Test Site",
		// Real time keeps artifact filenames unique across exports.
		Now: time.Now,
	}
	return testEnv{Engine: eng, Exporter: exporter, Workspace: workspace, Ctx: ctx}
}

func parseArtifact(t *testing.T, path string) *etree.Document {
	t.Helper()
	doc := etree.NewDocument()
	if err := doc.ReadFromFile(path); err != nil {
		t.Fatalf("parse artifact: %v", err)
	}
	return doc
}

func allTypes(t *testing.T, env testEnv) []string {
	t.Helper()
	defs, err := env.Engine.Repo.ListTypes(env.Ctx)
	if err != nil {
		t.Fatalf("list types: %v", err)
	}
	names := make([]string, 0, len(defs))
	for _, d := range defs {
		names = append(names, d.Name)
	}
	return names
}

func TestExportRequiresAuthor(t *testing.T) {
	env := newTestEnv(t, "site-1")
	_, err := env.Exporter.Export(env.Ctx, "", nil, exim.ExportOptions{Metadata: true})
	if !errors.Is(err, exim.ErrNoAuthor) {
		t.Fatalf("expected ErrNoAuthor, got %v", err)
	}
}

func TestDocumentShell(t *testing.T) {
	env := newTestEnv(t, "site-1")
	path, err := env.Exporter.Export(env.Ctx, "alice", nil, exim.ExportOptions{})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	doc := parseArtifact(t, path)
	root := doc.Root()
	if root == nil || root.Tag != "Orchard" {
		t.Fatalf("expected Orchard root")
	}
	header := root.SelectElement("Recipe")
	if header == nil {
		t.Fatalf("missing Recipe header")
	}
	if name := header.SelectElement("Name"); name == nil || name.Text() != "Generated by Orchard" {
		t.Fatalf("unexpected recipe name")
	}
	if author := header.SelectElement("Author"); author == nil || author.Text() != "alice" {
		t.Fatalf("unexpected recipe author")
	}
}

func TestSectionFlags(t *testing.T) {
	env := newTestEnv(t, "site-1")
	path, err := env.Exporter.Export(env.Ctx, "alice", allTypes(t, env), exim.ExportOptions{Metadata: true})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	root := parseArtifact(t, path).Root()
	if root.SelectElement("Metadata") == nil {
		t.Fatalf("expected Metadata section")
	}
	if root.SelectElement("Settings") != nil {
		t.Fatalf("Settings section must be absent when flag is off")
	}
	if root.SelectElement("Data") != nil {
		t.Fatalf("Data section must be absent when flag is off")
	}
}

func TestMetadataSharedPartSerializedOnce(t *testing.T) {
	env := newTestEnv(t, "site-1")
	// Page and Post both carry TitlePart and BodyPart.
	path, err := env.Exporter.Export(env.Ctx, "alice", []string{"Page", "Post"}, exim.ExportOptions{Metadata: true})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	metadata := parseArtifact(t, path).Root().SelectElement("Metadata")
	if metadata == nil {
		t.Fatalf("missing Metadata section")
	}
	parts := metadata.SelectElement("Parts")
	if parts == nil {
		t.Fatalf("missing Parts element")
	}
	counts := map[string]int{}
	for _, el := range parts.ChildElements() {
		counts[el.Tag]++
	}
	if counts["TitlePart"] != 1 {
		t.Fatalf("TitlePart serialized %d times", counts["TitlePart"])
	}
	if counts["BodyPart"] != 1 {
		t.Fatalf("BodyPart serialized %d times", counts["BodyPart"])
	}
	types := metadata.SelectElement("Types")
	if types == nil || len(types.ChildElements()) != 2 {
		t.Fatalf("expected 2 type elements")
	}
}

func TestMetadataUnknownTypeExcluded(t *testing.T) {
	env := newTestEnv(t, "site-1")
	path, err := env.Exporter.Export(env.Ctx, "alice", []string{"Ghost"}, exim.ExportOptions{Metadata: true})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	metadata := parseArtifact(t, path).Root().SelectElement("Metadata")
	if metadata == nil {
		t.Fatalf("Metadata section must exist even with no matching types")
	}
	if n := len(metadata.SelectElement("Types").ChildElements()); n != 0 {
		t.Fatalf("expected no type elements, got %d", n)
	}
}

func TestSettingsZeroFieldFragmentDropped(t *testing.T) {
	env := newTestEnv(t, "site-1")
	path, err := env.Exporter.Export(env.Ctx, "alice", nil, exim.ExportOptions{Settings: true})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	section := parseArtifact(t, path).Root().SelectElement("Settings")
	if section == nil {
		t.Fatalf("missing Settings section")
	}
	if section.SelectElement("General") == nil {
		t.Fatalf("expected General fragment")
	}
	if section.SelectElement("Seo") == nil {
		t.Fatalf("expected Seo fragment")
	}
	if section.SelectElement("Routes") != nil {
		t.Fatalf("Routes has no exportable fields and must be dropped")
	}
}

func TestSettingsReadOnlyFieldSkipped(t *testing.T) {
	env := newTestEnv(t, "site-1")
	if err := env.Engine.UpdateSettings(env.Ctx, "site-1", "General", `{"site_name":"Renamed","updated":"2024-06-01"}`, "tester"); err != nil {
		t.Fatalf("update settings: %v", err)
	}
	path, err := env.Exporter.Export(env.Ctx, "alice", nil, exim.ExportOptions{Settings: true})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	general := parseArtifact(t, path).Root().SelectElement("Settings").SelectElement("General")
	if general == nil {
		t.Fatalf("missing General fragment")
	}
	if got := general.SelectAttrValue("SiteName", ""); got != "Renamed" {
		t.Fatalf("expected stored SiteName, got %q", got)
	}
	if general.SelectAttr("Updated") != nil {
		t.Fatalf("read-only field must not be exported")
	}
}

func TestDataVersionPolicy(t *testing.T) {
	env := newTestEnv(t, "site-1")
	it, err := env.Engine.CreateItem(env.Ctx, engine.ItemCreateOptions{
		ContentType: "Page",
		DataJSON:    `{"TitlePart":{"Title":"v1"}}`,
		Publish:     true,
		ActorID:     "tester",
	})
	if err != nil {
		t.Fatalf("create item: %v", err)
	}
	if _, err := env.Engine.UpdateItem(env.Ctx, it.ID, `{"TitlePart":{"Title":"v2"}}`, "tester"); err != nil {
		t.Fatalf("update item: %v", err)
	}

	published, err := env.Exporter.Export(env.Ctx, "alice", []string{"Page"}, exim.ExportOptions{
		Data: true, VersionHistory: exim.VersionHistoryPublished,
	})
	if err != nil {
		t.Fatalf("export published: %v", err)
	}
	el := parseArtifact(t, published).Root().SelectElement("Data").SelectElement("Page")
	if el == nil {
		t.Fatalf("missing Page item element")
	}
	if v := el.SelectAttrValue("Version", ""); v != "1" {
		t.Fatalf("published export should carry version 1, got %s", v)
	}

	drafts, err := env.Exporter.Export(env.Ctx, "alice", []string{"Page"}, exim.ExportOptions{
		Data: true, VersionHistory: exim.VersionHistoryPublished | exim.VersionHistoryDraft,
	})
	if err != nil {
		t.Fatalf("export drafts: %v", err)
	}
	el = parseArtifact(t, drafts).Root().SelectElement("Data").SelectElement("Page")
	if v := el.SelectAttrValue("Version", ""); v != "2" {
		t.Fatalf("draft export should carry latest version 2, got %s", v)
	}
}

type decliningExporter struct{}

func (decliningExporter) ExportItem(domain.ContentItem) (*etree.Element, error) {
	return nil, nil
}

func TestHandlerMayDeclineItems(t *testing.T) {
	env := newTestEnv(t, "site-1")
	if _, err := env.Engine.ImportItem(env.Ctx, "page-1", "Page", `{}`, true, "tester"); err != nil {
		t.Fatalf("seed item: %v", err)
	}
	env.Exporter.Handlers = map[string]exim.ItemExporter{"Page": decliningExporter{}}
	path, err := env.Exporter.Export(env.Ctx, "alice", []string{"Page"}, exim.ExportOptions{
		Data: true, VersionHistory: exim.VersionHistoryPublished,
	})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	data := parseArtifact(t, path).Root().SelectElement("Data")
	if data == nil {
		t.Fatalf("Data section missing")
	}
	if n := len(data.ChildElements()); n != 0 {
		t.Fatalf("declined items must be omitted, got %d elements", n)
	}
}

type recordingHook struct {
	exporting int
	exported  int
	fail      bool
}

func (h *recordingHook) Exporting(*exim.ExportContext) error {
	h.exporting++
	if h.fail {
		return errors.New("boom")
	}
	return nil
}

func (h *recordingHook) Exported(*exim.ExportContext) error {
	h.exported++
	if h.fail {
		return errors.New("boom")
	}
	return nil
}

func TestHookErrorsDoNotAbort(t *testing.T) {
	env := newTestEnv(t, "site-1")
	failing := &recordingHook{fail: true}
	quiet := &recordingHook{}
	env.Exporter.Hooks = []exim.Hook{failing, quiet}
	path, err := env.Exporter.Export(env.Ctx, "alice", allTypes(t, env), exim.ExportOptions{Metadata: true})
	if err != nil {
		t.Fatalf("export should survive hook errors: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("artifact not written: %v", err)
	}
	if failing.exporting != 1 || failing.exported != 1 {
		t.Fatalf("failing hook did not run both phases: %+v", failing)
	}
	if quiet.exporting != 1 || quiet.exported != 1 {
		t.Fatalf("later hook skipped after failure: %+v", quiet)
	}
}

func TestArtifactLocation(t *testing.T) {
	env := newTestEnv(t, "site-1")
	path, err := env.Exporter.Export(env.Ctx, "alice", nil, exim.ExportOptions{})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	wantDir, err := filepath.Abs(filepath.Join(env.Workspace, ".orchard", "exports"))
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Dir(path) != wantDir {
		t.Fatalf("artifact outside exports dir: %s", path)
	}
	base := filepath.Base(path)
	if !strings.HasPrefix(base, "export-alice-") || !strings.HasSuffix(base, ".xml") {
		t.Fatalf("unexpected artifact name: %s", base)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	src := newTestEnv(t, "site-a")
	// Schema beyond the seeded defaults must survive the trip.
	if _, err := src.Engine.DefineContentPart(src.Ctx, domain.ContentPart{Name: "QuotePart", Description: "A pull quote"}, "tester"); err != nil {
		t.Fatalf("define part: %v", err)
	}
	if _, err := src.Engine.DefineContentType(src.Ctx, domain.ContentType{Name: "Quote", DisplayName: "Quote", Parts: []string{"QuotePart"}}, "tester"); err != nil {
		t.Fatalf("define type: %v", err)
	}
	if _, err := src.Engine.ImportItem(src.Ctx, "quote-1", "Quote", `{"QuotePart":{"Text":"hello"}}`, true, "tester"); err != nil {
		t.Fatalf("seed item: %v", err)
	}
	if err := src.Engine.UpdateSettings(src.Ctx, "site-a", "General", `{"site_name":"Source Site"}`, "tester"); err != nil {
		t.Fatalf("seed settings: %v", err)
	}

	path, err := src.Exporter.Export(src.Ctx, "alice", allTypes(t, src), exim.ExportOptions{
		Metadata:       true,
		Settings:       true,
		Data:           true,
		VersionHistory: exim.VersionHistoryPublished,
	})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	recipeText, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}

	dst := newTestEnv(t, "site-b")
	importer := exim.Importer{Engine: dst.Engine, SiteID: "site-b"}
	if err := importer.Import(dst.Ctx, string(recipeText), "bob"); err != nil {
		t.Fatalf("import: %v", err)
	}

	typ, err := dst.Engine.Repo.GetType(dst.Ctx, "Quote")
	if err != nil {
		t.Fatalf("imported type missing: %v", err)
	}
	if len(typ.Parts) != 1 || typ.Parts[0] != "QuotePart" {
		t.Fatalf("imported type lost parts: %v", typ.Parts)
	}
	item, err := dst.Engine.Repo.GetPublishedItem(dst.Ctx, "quote-1")
	if err != nil {
		t.Fatalf("imported item missing: %v", err)
	}
	if !strings.Contains(item.DataJSON, "hello") {
		t.Fatalf("imported item payload lost: %s", item.DataJSON)
	}
	stored, err := dst.Engine.Repo.GetSetting(dst.Ctx, "site-b", "General")
	if err != nil {
		t.Fatalf("imported settings missing: %v", err)
	}
	if !strings.Contains(stored, "Source Site") {
		t.Fatalf("imported settings payload lost: %s", stored)
	}
	d, err := dst.Engine.ShellDescriptor(dst.Ctx)
	if err != nil {
		t.Fatalf("shell descriptor: %v", err)
	}
	if d.SerialNumber != 2 {
		t.Fatalf("import must bump the shell serial, got %d", d.SerialNumber)
	}
}

func TestStructuralIdempotence(t *testing.T) {
	env := newTestEnv(t, "site-1")
	if _, err := env.Engine.ImportItem(env.Ctx, "page-1", "Page", `{"TitlePart":{"Title":"stable"}}`, true, "tester"); err != nil {
		t.Fatalf("seed item: %v", err)
	}
	opts := exim.ExportOptions{
		Metadata:       true,
		Settings:       true,
		Data:           true,
		VersionHistory: exim.VersionHistoryPublished,
	}
	first, err := env.Exporter.Export(env.Ctx, "alice", allTypes(t, env), opts)
	if err != nil {
		t.Fatalf("first export: %v", err)
	}
	recipeText, err := os.ReadFile(first)
	if err != nil {
		t.Fatal(err)
	}
	importer := exim.Importer{Engine: env.Engine, SiteID: "site-1"}
	if err := importer.Import(env.Ctx, string(recipeText), "bob"); err != nil {
		t.Fatalf("self import: %v", err)
	}
	second, err := env.Exporter.Export(env.Ctx, "alice", allTypes(t, env), opts)
	if err != nil {
		t.Fatalf("second export: %v", err)
	}

	// The re-imported items gain version numbers, but the document
	// structure (sections, schema, item identities) is unchanged.
	a := parseArtifact(t, first).Root()
	b := parseArtifact(t, second).Root()
	for _, section := range []string{"Metadata", "Settings", "Data"} {
		ea, eb := a.SelectElement(section), b.SelectElement(section)
		if ea == nil || eb == nil {
			t.Fatalf("section %s missing after round trip", section)
		}
		if len(ea.ChildElements()) != len(eb.ChildElements()) {
			t.Fatalf("section %s changed shape after round trip", section)
		}
	}
	ids := func(el *etree.Element) []string {
		var out []string
		for _, c := range el.ChildElements() {
			out = append(out, c.Tag+"/"+c.SelectAttrValue("Id", ""))
		}
		return out
	}
	ia, ib := ids(a.SelectElement("Data")), ids(b.SelectElement("Data"))
	if len(ia) != len(ib) {
		t.Fatalf("item count changed: %v vs %v", ia, ib)
	}
	for i := range ia {
		if ia[i] != ib[i] {
			t.Fatalf("item identity changed: %s vs %s", ia[i], ib[i])
		}
	}
}
