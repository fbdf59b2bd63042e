package recipe

import (
	"errors"

	"github.com/beevik/etree"
)

// Step is one top-level section of a recipe document. The element name
// selects the handler; the element subtree carries the payload.
type Step struct {
	Name    string
	Element *etree.Element
}

// Recipe is a parsed export document.
type Recipe struct {
	Name   string
	Author string
	Steps  []Step
}

// Parse reads recipe XML. XML syntax errors are returned exactly as
// the parser reports them.
func Parse(text string) (Recipe, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromString(text); err != nil {
		return Recipe{}, err
	}
	root := doc.Root()
	if root == nil {
		return Recipe{}, errors.New("recipe has no root element")
	}
	var r Recipe
	for _, child := range root.ChildElements() {
		if child.Tag == "Recipe" {
			if el := child.SelectElement("Name"); el != nil {
				r.Name = el.Text()
			}
			if el := child.SelectElement("Author"); el != nil {
				r.Author = el.Text()
			}
			continue
		}
		r.Steps = append(r.Steps, Step{Name: child.Tag, Element: child})
	}
	return r, nil
}
