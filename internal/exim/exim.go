// Package exim implements the export/import pipeline: the current
// site (content type schemas, settings fragments, content items) is
// serialized into a single XML recipe document, and a recipe document
// can be replayed against another workspace to reproduce that state.
package exim

import (
	"github.com/beevik/etree"
)

// ExportOptions selects which sections the export assembles. Sections
// are emitted in Metadata, Settings, Data order; a section whose flag
// is off is absent from the document entirely.
type ExportOptions struct {
	Metadata       bool
	Settings       bool
	Data           bool
	VersionHistory VersionHistoryOptions
}

// VersionHistoryOptions is a bit set describing which item versions an
// export wants. Only the Draft bit changes behavior: when set, latest
// versions are exported; otherwise only published versions are.
type VersionHistoryOptions int

const (
	VersionHistoryPublished VersionHistoryOptions = 1 << iota
	VersionHistoryDraft
)

// ExportContext is the shared state handed to every hook and section
// exporter of one export run. Hooks may read or extend the document.
type ExportContext struct {
	Document     *etree.Document
	Root         *etree.Element
	ContentTypes []string
	Options      ExportOptions
}

// Hook observes an export run. Exporting fires after the document
// shell is built and before any section is assembled; Exported fires
// after assembly and before the artifact is written. Hook errors are
// logged and never abort the run.
type Hook interface {
	Exporting(ctx *ExportContext) error
	Exported(ctx *ExportContext) error
}
