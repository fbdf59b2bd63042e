package exim

import (
	"context"
	"strconv"

	"github.com/beevik/etree"

	"github.com/gragarwa/orchard/internal/domain"
	"github.com/gragarwa/orchard/internal/repo"
)

// ItemExporter renders one content item as a recipe element. Returning
// a nil element declines the item: it is omitted from the export
// without error.
type ItemExporter interface {
	ExportItem(item domain.ContentItem) (*etree.Element, error)
}

// JSONItemExporter is the default handler: the item becomes an element
// named after its content type, with identity attributes and its JSON
// payload in a Data child.
type JSONItemExporter struct{}

func (JSONItemExporter) ExportItem(item domain.ContentItem) (*etree.Element, error) {
	el := etree.NewElement(item.ContentType)
	el.CreateAttr("Id", item.ID)
	el.CreateAttr("Version", strconv.Itoa(item.Version))
	el.CreateAttr("Status", item.Status)
	el.CreateElement("Data").SetText(item.DataJSON)
	return el, nil
}

// DataExporter assembles the Data section.
type DataExporter struct {
	Repo     repo.Repo
	Handlers map[string]ItemExporter
}

// policy maps the version-history bits onto the two stored views:
// the Draft bit selects latest versions, anything else published only.
func policy(opts VersionHistoryOptions) repo.VersionPolicy {
	if opts&VersionHistoryDraft != 0 {
		return repo.VersionLatest
	}
	return repo.VersionPublished
}

// Export appends a Data element holding the requested types' items,
// grouped type by type in the caller's type order.
func (d DataExporter) Export(ctx context.Context, ec *ExportContext) error {
	items, err := d.Repo.ListItems(ctx, policy(ec.Options.VersionHistory))
	if err != nil {
		return err
	}
	byType := map[string][]domain.ContentItem{}
	for _, it := range items {
		byType[it.ContentType] = append(byType[it.ContentType], it)
	}
	section := etree.NewElement("Data")
	for _, typeName := range ec.ContentTypes {
		for _, it := range byType[typeName] {
			el, err := d.handler(typeName).ExportItem(it)
			if err != nil {
				return err
			}
			if el == nil {
				continue
			}
			section.AddChild(el)
		}
	}
	ec.Root.AddChild(section)
	return nil
}

func (d DataExporter) handler(typeName string) ItemExporter {
	if h, ok := d.Handlers[typeName]; ok {
		return h
	}
	return JSONItemExporter{}
}
