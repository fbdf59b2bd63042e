package exim

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/beevik/etree"
)

// ArtifactWriter persists finished export documents under the
// workspace exports directory.
type ArtifactWriter struct {
	Workspace string
}

// Dir returns the exports directory path.
func (w ArtifactWriter) Dir() string {
	return filepath.Join(w.Workspace, ".orchard", "exports")
}

// Write serializes the document to export-<author>-<unixnano>.xml and
// returns the absolute path. The exports directory is created on
// demand.
func (w ArtifactWriter) Write(doc *etree.Document, author string, now time.Time) (string, error) {
	dir := w.Dir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create exports dir: %w", err)
	}
	doc.Indent(2)
	out, err := doc.WriteToBytes()
	if err != nil {
		return "", fmt.Errorf("serialize export: %w", err)
	}
	name := fmt.Sprintf("export-%s-%d.xml", author, now.UnixNano())
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return "", fmt.Errorf("write export: %w", err)
	}
	return filepath.Abs(path)
}
