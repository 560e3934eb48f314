package resolver

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// CatalogResolver serves room metadata from a static YAML catalog. It backs
// development setups and deployments without a map service.
type CatalogResolver struct {
	rooms map[string]Metadata
}

// NewCatalogResolver loads a catalog file of the form:
//
//	rooms:
//	  <roomKey>:
//	    mapUrl: ...
func NewCatalogResolver(path string) (*CatalogResolver, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading room catalog %q: %w", path, err)
	}
	var doc struct {
		Rooms map[string]Metadata `yaml:"rooms"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parsing room catalog %q: %w", path, err)
	}
	if doc.Rooms == nil {
		doc.Rooms = make(map[string]Metadata)
	}
	return &CatalogResolver{rooms: doc.Rooms}, nil
}

// Resolve implements Resolver.
func (r *CatalogResolver) Resolve(_ context.Context, roomKey string) (Metadata, error) {
	meta, ok := r.rooms[roomKey]
	if !ok {
		return Metadata{}, fmt.Errorf("resolving room %q: %w", roomKey, ErrNotFound)
	}
	return meta, nil
}
