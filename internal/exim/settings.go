package exim

import (
	"context"

	"github.com/beevik/etree"

	"github.com/gragarwa/orchard/internal/settings"
)

// SettingsExporter assembles the Settings section from the site's
// registered settings fragments.
type SettingsExporter struct {
	Settings settings.Service
}

// Export appends a Settings element with one child per fragment, in
// registration order. A fragment's exportable scalar fields become
// attributes; a fragment with no exportable fields is dropped.
func (s SettingsExporter) Export(ctx context.Context, ec *ExportContext) error {
	frags, err := s.Settings.Fragments(ctx)
	if err != nil {
		return err
	}
	section := etree.NewElement("Settings")
	for _, f := range frags {
		attrs := settings.Attributes(f)
		if len(attrs) == 0 {
			continue
		}
		el := section.CreateElement(f.FragmentName())
		for _, a := range attrs {
			el.CreateAttr(a.Name, a.Value)
		}
	}
	ec.Root.AddChild(section)
	return nil
}
