package exim

import (
	"context"
	"fmt"
	"log"

	"github.com/gragarwa/orchard/internal/engine"
	"github.com/gragarwa/orchard/internal/recipe"
)

// Importer applies a recipe document to the workspace.
type Importer struct {
	Engine engine.Engine
	SiteID string
	Logger *log.Logger
}

// Import parses and executes recipe text, then re-saves the shell
// descriptor so dependent caches pick up the imported state. Parse
// errors are returned unwrapped; the descriptor bump happens only
// after every step succeeded.
func (i Importer) Import(ctx context.Context, recipeText, actorID string) error {
	r, err := recipe.Parse(recipeText)
	if err != nil {
		return err
	}
	x := recipe.Executor{Engine: i.Engine, SiteID: i.SiteID, Logger: i.Logger}
	if err := x.Execute(ctx, r, actorID); err != nil {
		return err
	}
	if _, err := i.Engine.BumpShellDescriptor(ctx, actorID); err != nil {
		return fmt.Errorf("bump shell descriptor: %w", err)
	}
	return nil
}
