package embedders

import (
	"log/slog"
	"os"
)

// NewFromEnv builds the text embedder used for knowledge bases. The model
// is taken from COPILOT_EMBEDDING_MODEL.
func NewFromEnv() (TextEmbedder, error) {
	model := os.Getenv("COPILOT_EMBEDDING_MODEL")
	if model == "" {
		model = defaultEmbeddingModel
	}
	return NewOpenAIEmbedder(model)
}

// ImageEmbedderFromEnv returns the image embedding service client, or nil
// when no service is configured. Image indexing is optional.
func ImageEmbedderFromEnv() ImageEmbedder {
	if os.Getenv(ImageServiceURLEnv) == "" {
		return nil
	}
	embedder, err := NewImageServiceEmbedder()
	if err != nil {
		slog.Warn("Image embedding service unavailable", "error", err)
		return nil
	}
	return embedder
}
