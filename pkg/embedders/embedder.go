// Package embedders provides text and image embedding backends for the
// knowledge base layer.
package embedders

import "context"

// TextEmbedder produces vector embeddings for text.
type TextEmbedder interface {
	Embed(text string) ([]float32, error)
	EmbedWithContext(ctx context.Context, text string) ([]float32, error)
	EmbedBatchWithContext(ctx context.Context, texts []string) ([][]float32, error)
	GetDimension() int
	GetModelName() string
	Close() error
}

// ImageEmbedder produces vector embeddings for raw image bytes.
type ImageEmbedder interface {
	EmbedImage(ctx context.Context, image []byte) ([]float32, error)
	GetDimension() int
	Close() error
}
