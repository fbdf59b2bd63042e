package schema

import (
	"encoding/json"
	"sort"

	"github.com/beevik/etree"

	"github.com/gragarwa/orchard/internal/domain"
)

// Writer serializes type and part definitions into recipe elements.
type Writer struct{}

// TypeElement renders a content type as an element named after the
// type, carrying its attributes and one empty child per attached part.
func (Writer) TypeElement(t domain.ContentType) *etree.Element {
	el := etree.NewElement(t.Name)
	el.CreateAttr("DisplayName", t.DisplayName)
	if t.Description != "" {
		el.CreateAttr("Description", t.Description)
	}
	for _, part := range t.Parts {
		el.CreateElement(part)
	}
	return el
}

// PartElement renders a part definition as an element named after the
// part; its settings map becomes attributes in stable key order.
func (Writer) PartElement(p domain.ContentPart) *etree.Element {
	el := etree.NewElement(p.Name)
	if p.Description != "" {
		el.CreateAttr("Description", p.Description)
	}
	if p.SettingsJSON != "" {
		var settings map[string]string
		if err := json.Unmarshal([]byte(p.SettingsJSON), &settings); err == nil {
			keys := make([]string, 0, len(settings))
			for k := range settings {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				el.CreateAttr(k, settings[k])
			}
		}
	}
	return el
}
