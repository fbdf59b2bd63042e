package schema

import (
	"context"

	"github.com/gragarwa/orchard/internal/domain"
	"github.com/gragarwa/orchard/internal/repo"
)

// Registry exposes the stored type and part definitions. Enumeration
// order is lexical by name so repeated exports are deterministic.
type Registry struct {
	Repo repo.Repo
}

func (r Registry) Types(ctx context.Context) ([]domain.ContentType, error) {
	return r.Repo.ListTypes(ctx)
}

func (r Registry) Type(ctx context.Context, name string) (domain.ContentType, error) {
	return r.Repo.GetType(ctx, name)
}

func (r Registry) Parts(ctx context.Context) ([]domain.ContentPart, error) {
	return r.Repo.ListParts(ctx)
}

func (r Registry) Part(ctx context.Context, name string) (domain.ContentPart, error) {
	return r.Repo.GetPart(ctx, name)
}
