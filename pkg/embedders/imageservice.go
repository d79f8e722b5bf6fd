package embedders

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

const defaultImageEmbedTimeout = 60 * time.Second

// ImageServiceURLEnv names the env var pointing at the image embedding
// service.
const ImageServiceURLEnv = "COPILOT_IMAGE_EMBEDDING_URL"

// ImageServiceEmbedder delegates image embedding to an external embedding
// service that runs a multimodal model. The service exposes a single
// /embed_image endpoint taking base64 payloads.
type ImageServiceEmbedder struct {
	baseURL    string
	httpClient *http.Client
	dimension  int
}

type imageEmbedRequest struct {
	Images []string `json:"images"`
}

type imageEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Error      string      `json:"error,omitempty"`
}

// NewImageServiceEmbedder builds a client for the configured image
// embedding service. The URL comes from COPILOT_IMAGE_EMBEDDING_URL.
func NewImageServiceEmbedder() (*ImageServiceEmbedder, error) {
	baseURL := os.Getenv(ImageServiceURLEnv)
	if baseURL == "" {
		return nil, fmt.Errorf("%s is not set", ImageServiceURLEnv)
	}
	return &ImageServiceEmbedder{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: defaultImageEmbedTimeout},
		dimension:  512,
	}, nil
}

func (e *ImageServiceEmbedder) EmbedImage(ctx context.Context, image []byte) ([]float32, error) {
	reqBody, err := json.Marshal(imageEmbedRequest{
		Images: []string{base64.StdEncoding.EncodeToString(image)},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embed_image", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("image embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("image embedding service returned status %d: %s", resp.StatusCode, string(body))
	}

	var response imageEmbedResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if response.Error != "" {
		return nil, fmt.Errorf("image embedding service error: %s", response.Error)
	}
	if len(response.Embeddings) == 0 {
		return nil, fmt.Errorf("image embedding service returned no embeddings")
	}

	embedding := response.Embeddings[0]
	if len(embedding) > 0 {
		e.dimension = len(embedding)
	}
	return embedding, nil
}

func (e *ImageServiceEmbedder) GetDimension() int { return e.dimension }

func (e *ImageServiceEmbedder) Close() error { return nil }
