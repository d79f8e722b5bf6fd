// Package vector abstracts the vector stores backing knowledge bases.
// The embedded chromem provider is the default; qdrant is available for
// deployments with an external vector service.
package vector

import "context"

// Document is one stored chunk with its pre-computed embedding.
type Document struct {
	ID        string
	Content   string
	Embedding []float32
	Metadata  map[string]string
}

// Result is one search hit.
type Result struct {
	ID       string
	Score    float32
	Content  string
	Metadata map[string]string
}

// Provider is the storage backend for one knowledge base.
type Provider interface {
	// CreateCollection ensures a collection exists with the given
	// embedding dimension. Providers that create collections lazily may
	// treat this as a no-op.
	CreateCollection(ctx context.Context, collection string, dimension int) error

	Upsert(ctx context.Context, collection string, docs []Document) error

	Search(ctx context.Context, collection string, vector []float32, topK int) ([]Result, error)

	SearchWithFilter(ctx context.Context, collection string, vector []float32, topK int, filter map[string]string) ([]Result, error)

	// Delete removes documents by id.
	Delete(ctx context.Context, collection string, ids ...string) error

	DeleteCollection(ctx context.Context, collection string) error

	Name() string

	Close() error
}
