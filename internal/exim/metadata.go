package exim

import (
	"context"

	"github.com/beevik/etree"

	"github.com/gragarwa/orchard/internal/schema"
)

// MetadataExporter assembles the Metadata section from the schema
// registry.
type MetadataExporter struct {
	Registry schema.Registry
	Writer   schema.Writer
}

// Export appends a Metadata element for the requested type names.
// Registry types are walked in registry order; names not present in
// the registry are excluded without error. Parts shared between types
// are serialized once, on first encounter.
func (m MetadataExporter) Export(ctx context.Context, ec *ExportContext) error {
	metadata := etree.NewElement("Metadata")
	typesEl := metadata.CreateElement("Types")
	partsEl := metadata.CreateElement("Parts")

	requested := map[string]bool{}
	for _, name := range ec.ContentTypes {
		requested[name] = true
	}

	all, err := m.Registry.Types(ctx)
	if err != nil {
		return err
	}
	seen := map[string]bool{}
	for _, t := range all {
		if !requested[t.Name] {
			continue
		}
		for _, partName := range t.Parts {
			if seen[partName] {
				continue
			}
			seen[partName] = true
			part, err := m.Registry.Part(ctx, partName)
			if err != nil {
				return err
			}
			partsEl.AddChild(m.Writer.PartElement(part))
		}
		typesEl.AddChild(m.Writer.TypeElement(t))
	}
	ec.Root.AddChild(metadata)
	return nil
}
