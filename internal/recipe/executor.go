package recipe

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/beevik/etree"

	"github.com/gragarwa/orchard/internal/domain"
	"github.com/gragarwa/orchard/internal/engine"
	"github.com/gragarwa/orchard/internal/settings"
)

// Executor applies recipe steps against the engine. Steps run in
// document order; the first failing step aborts the run.
type Executor struct {
	Engine engine.Engine
	SiteID string
	Logger *log.Logger
}

// Execute dispatches every step of the recipe. A step name without a
// handler is an error: a recipe this engine cannot fully apply must
// not appear applied.
func (x Executor) Execute(ctx context.Context, r Recipe, actorID string) error {
	for _, step := range r.Steps {
		var err error
		switch step.Name {
		case "Metadata":
			err = x.executeMetadata(ctx, step.Element, actorID)
		case "Settings":
			err = x.executeSettings(ctx, step.Element, actorID)
		case "Data":
			err = x.executeData(ctx, step.Element, actorID)
		default:
			err = fmt.Errorf("unknown recipe step %q", step.Name)
		}
		if err != nil {
			return fmt.Errorf("recipe step %s: %w", step.Name, err)
		}
	}
	return nil
}

func (x Executor) logf(format string, args ...any) {
	if x.Logger != nil {
		x.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// executeMetadata defines parts first so type definitions can
// reference them.
func (x Executor) executeMetadata(ctx context.Context, el *etree.Element, actorID string) error {
	if parts := el.SelectElement("Parts"); parts != nil {
		for _, p := range parts.ChildElements() {
			def := domain.ContentPart{Name: p.Tag}
			settingsMap := map[string]string{}
			for _, attr := range p.Attr {
				if attr.Key == "Description" {
					def.Description = attr.Value
					continue
				}
				settingsMap[attr.Key] = attr.Value
			}
			if len(settingsMap) > 0 {
				b, err := json.Marshal(settingsMap)
				if err != nil {
					return err
				}
				def.SettingsJSON = string(b)
			}
			if _, err := x.Engine.DefineContentPart(ctx, def, actorID); err != nil {
				return fmt.Errorf("define part %s: %w", p.Tag, err)
			}
			x.logf("recipe: defined part %s", p.Tag)
		}
	}
	if types := el.SelectElement("Types"); types != nil {
		for _, t := range types.ChildElements() {
			def := domain.ContentType{
				Name:        t.Tag,
				DisplayName: t.SelectAttrValue("DisplayName", t.Tag),
				Description: t.SelectAttrValue("Description", ""),
			}
			for _, part := range t.ChildElements() {
				def.Parts = append(def.Parts, part.Tag)
			}
			if _, err := x.Engine.DefineContentType(ctx, def, actorID); err != nil {
				return fmt.Errorf("define type %s: %w", t.Tag, err)
			}
			x.logf("recipe: defined type %s", t.Tag)
		}
	}
	return nil
}

// executeSettings stores each fragment element's attributes. Known
// fragments are applied through their typed struct so values are
// validated; unknown fragments are stored as a raw attribute map.
func (x Executor) executeSettings(ctx context.Context, el *etree.Element, actorID string) error {
	for _, frag := range el.ChildElements() {
		attrs := map[string]string{}
		for _, attr := range frag.Attr {
			attrs[attr.Key] = attr.Value
		}
		var payload any
		if f, ok := settings.Lookup(frag.Tag); ok {
			if err := settings.Apply(f, attrs); err != nil {
				return err
			}
			payload = f
		} else {
			payload = attrs
		}
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if err := x.Engine.UpdateSettings(ctx, x.SiteID, frag.Tag, string(b), actorID); err != nil {
			return fmt.Errorf("store fragment %s: %w", frag.Tag, err)
		}
		x.logf("recipe: applied settings fragment %s", frag.Tag)
	}
	return nil
}

// executeData upserts one item per child element. The element tag is
// the content type, Id/Status are attributes, and the Data child holds
// the JSON payload.
func (x Executor) executeData(ctx context.Context, el *etree.Element, actorID string) error {
	for _, item := range el.ChildElements() {
		id := item.SelectAttrValue("Id", "")
		if id == "" {
			return fmt.Errorf("item of type %s has no Id attribute", item.Tag)
		}
		dataJSON := "{}"
		if data := item.SelectElement("Data"); data != nil {
			if text := strings.TrimSpace(data.Text()); text != "" {
				dataJSON = text
			}
		}
		publish := item.SelectAttrValue("Status", "") == "published"
		if _, err := x.Engine.ImportItem(ctx, id, item.Tag, dataJSON, publish, actorID); err != nil {
			return fmt.Errorf("import item %s: %w", id, err)
		}
		x.logf("recipe: imported item %s (%s)", id, item.Tag)
	}
	return nil
}
