package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"testing"

	"github.com/gragarwa/orchard/internal/config"
	"github.com/gragarwa/orchard/internal/db"
	"github.com/gragarwa/orchard/internal/engine"
	"github.com/gragarwa/orchard/internal/engine/auth"
	"github.com/gragarwa/orchard/internal/exim"
	"github.com/gragarwa/orchard/internal/migrate"
	"github.com/gragarwa/orchard/internal/schema"
	"github.com/gragarwa/orchard/internal/settings"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("site-1")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	ctx := context.Background()
	if _, err := e.InitSite(ctx, cfg.Site.ID, "", "", "tester"); err != nil {
		t.Fatalf("init site: %v", err)
	}
	seedOwner(t, e, "tester")
	exporter := exim.Exporter{
		Repo:      e.Repo,
		Registry:  schema.Registry{Repo: e.Repo},
		Settings:  settings.Service{Repo: e.Repo, SiteID: cfg.Site.ID},
		Artifacts: exim.ArtifactWriter{Workspace: workspace},
		SiteName:  "Test Site",
	}
	importer := exim.Importer{Engine: e, SiteID: cfg.Site.ID}
	handler, err := New(Config{
		Engine:   e,
		Exporter: exporter,
		Importer: importer,
		BasePath: "/v0",
		Auth:     AuthConfig{AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func seedOwner(t *testing.T, e engine.Engine, actorID string) {
	t.Helper()
	ctx := context.Background()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureActor(ctx, tx, actorID, "2024-01-01T00:00:00Z"); err != nil {
		t.Fatalf("ensure actor: %v", err)
	}
	if err := e.Repo.InsertRole(ctx, tx, "owner", "full access"); err != nil {
		t.Fatalf("insert role: %v", err)
	}
	for _, perm := range []string{
		auth.PermContentRead, auth.PermContentWrite, auth.PermContentPublish,
		auth.PermSettingsWrite, auth.PermExport, auth.PermImport,
	} {
		if err := e.Repo.InsertPermission(ctx, tx, perm, ""); err != nil {
			t.Fatalf("insert permission: %v", err)
		}
		if err := e.Repo.AddRolePermission(ctx, tx, "owner", perm); err != nil {
			t.Fatalf("grant permission: %v", err)
		}
	}
	if err := e.Repo.AssignRole(ctx, tx, "site-1", actorID, "owner"); err != nil {
		t.Fatalf("assign role: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if _, ok := headers["X-Actor-Id"]; !ok {
		req.Header.Set("X-Actor-Id", "tester")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestContentLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/items", map[string]any{
		"content_type": "Page",
		"data":         map[string]any{"TitlePart": map[string]any{"Title": "Hello"}},
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create item status %d: %s", res.StatusCode, string(data))
	}
	var created ItemResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal item: %v", err)
	}
	if created.Version != 1 || created.Status != "draft" {
		t.Fatalf("unexpected created item: %+v", created)
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/items/"+created.ID, map[string]any{
		"data": map[string]any{"TitlePart": map[string]any{"Title": "Hello again"}},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("update status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/items/"+created.ID+"/publish", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("publish status %d: %s", res.StatusCode, string(data))
	}
	var published ItemResponse
	if err := json.Unmarshal(data, &published); err != nil {
		t.Fatalf("unmarshal published: %v", err)
	}
	if published.Version != 2 || published.Status != "published" {
		t.Fatalf("unexpected published item: %+v", published)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/items/"+created.ID+"?published=true", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get published status %d: %s", res.StatusCode, string(data))
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/items", map[string]any{
		"content_type": "Post",
		"data":         map[string]any{"TitlePart": map[string]any{"Title": "First"}},
		"publish":      true,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create item: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/export", map[string]any{
		"metadata": true,
		"settings": true,
		"data":     true,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("export: %d %s", res.StatusCode, string(data))
	}
	var exported ExportResponse
	if err := json.Unmarshal(data, &exported); err != nil {
		t.Fatalf("unmarshal export: %v", err)
	}
	recipe, err := os.ReadFile(exported.Path)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/import", map[string]any{
		"recipe": string(recipe),
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("import: %d %s", res.StatusCode, string(data))
	}
	var imported ImportResponse
	if err := json.Unmarshal(data, &imported); err != nil {
		t.Fatalf("unmarshal import: %v", err)
	}
	if imported.ShellSerial != 2 {
		t.Fatalf("expected shell serial 2 after import, got %d", imported.ShellSerial)
	}
}

func TestImportBadRecipe(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/import", map[string]any{
		"recipe": "<Orchard><Bogus/></Orchard>",
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown step, got %d %s", res.StatusCode, string(data))
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v0/shell", nil)
	if err != nil {
		t.Fatal(err)
	}
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", res.StatusCode)
	}
}

func TestPermissionDenied(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/items", map[string]any{
		"content_type": "Page",
	}, map[string]string{"X-Actor-Id": "stranger"})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for unknown actor, got %d %s", res.StatusCode, string(data))
	}
}
