package exim

import (
	"errors"
	"fmt"
	"time"

	"github.com/beevik/etree"
)

const recipeName = "Generated by Orchard"

// ErrNoAuthor rejects an export with no acting principal before any
// assembly work happens.
var ErrNoAuthor = errors.New("export requires an author")

// BuildDocument creates the document shell: XML declaration, a
// provenance comment, the Orchard root, and the Recipe header element.
func BuildDocument(siteName, author string, now time.Time) (*etree.Document, *etree.Element, error) {
	if author == "" {
		return nil, nil, ErrNoAuthor
	}
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="utf-8"`)
	doc.CreateComment(fmt.Sprintf("Exported from site %q by %s on %s", siteName, author, now.UTC().Format(time.RFC3339)))
	root := doc.CreateElement("Orchard")
	header := root.CreateElement("Recipe")
	header.CreateElement("Name").SetText(recipeName)
	header.CreateElement("Author").SetText(author)
	return doc, root, nil
}
