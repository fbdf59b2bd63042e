package exim

import (
	"context"
	"log"
	"time"

	"github.com/gragarwa/orchard/internal/repo"
	"github.com/gragarwa/orchard/internal/schema"
	"github.com/gragarwa/orchard/internal/settings"
)

// Exporter runs the export pipeline: document shell, before-hooks,
// section assembly, after-hooks, artifact write.
type Exporter struct {
	Repo      repo.Repo
	Registry  schema.Registry
	Settings  settings.Service
	Artifacts ArtifactWriter
	Hooks     []Hook
	Handlers  map[string]ItemExporter
	SiteName  string
	Logger    *log.Logger
	Now       func() time.Time
}

func (e Exporter) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Exporter) logf(format string, args ...any) {
	if e.Logger != nil {
		e.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// Export assembles a recipe document for the given type names and
// options and writes it to the exports directory, returning the
// artifact's absolute path. Sections are assembled in Metadata,
// Settings, Data order; a section whose flag is off is never created.
// Every hook runs in both phases even when one fails; a hook error is
// logged and the export continues.
func (e Exporter) Export(ctx context.Context, author string, types []string, opts ExportOptions) (string, error) {
	now := e.now()
	doc, root, err := BuildDocument(e.SiteName, author, now)
	if err != nil {
		return "", err
	}
	ec := &ExportContext{
		Document:     doc,
		Root:         root,
		ContentTypes: types,
		Options:      opts,
	}

	for _, h := range e.Hooks {
		if err := h.Exporting(ec); err != nil {
			e.logf("export: before-hook failed: %v", err)
		}
	}

	if opts.Metadata {
		m := MetadataExporter{Registry: e.Registry}
		if err := m.Export(ctx, ec); err != nil {
			return "", err
		}
	}
	if opts.Settings {
		s := SettingsExporter{Settings: e.Settings}
		if err := s.Export(ctx, ec); err != nil {
			return "", err
		}
	}
	if opts.Data {
		d := DataExporter{Repo: e.Repo, Handlers: e.Handlers}
		if err := d.Export(ctx, ec); err != nil {
			return "", err
		}
	}

	for _, h := range e.Hooks {
		if err := h.Exported(ec); err != nil {
			e.logf("export: after-hook failed: %v", err)
		}
	}

	return e.Artifacts.Write(doc, author, now)
}
