package vector

import (
	"fmt"
	"os"
	"strconv"
)

// ProviderType identifies a vector provider implementation.
type ProviderType string

const (
	// ProviderChromem is the embedded zero-config store, one gob file per
	// knowledge base directory.
	ProviderChromem ProviderType = "chromem"

	// ProviderQdrant targets an external Qdrant server.
	ProviderQdrant ProviderType = "qdrant"
)

// OpenForKB opens the vector provider for one knowledge base directory.
// The backend is chromem unless COPILOT_VECTOR_PROVIDER=qdrant is set, in
// which case QDRANT_HOST/QDRANT_PORT/QDRANT_API_KEY configure the client.
func OpenForKB(kbDir string) (Provider, error) {
	switch ProviderType(os.Getenv("COPILOT_VECTOR_PROVIDER")) {
	case ProviderQdrant:
		port := 0
		if raw := os.Getenv("QDRANT_PORT"); raw != "" {
			if p, err := strconv.Atoi(raw); err == nil {
				port = p
			}
		}
		return NewQdrantProvider(QdrantConfig{
			Host:   os.Getenv("QDRANT_HOST"),
			Port:   port,
			APIKey: os.Getenv("QDRANT_API_KEY"),
			UseTLS: os.Getenv("QDRANT_USE_TLS") == "true",
		})
	case ProviderChromem, "":
		return NewChromemProvider(kbDir, false)
	default:
		return nil, fmt.Errorf("unknown vector provider %q", os.Getenv("COPILOT_VECTOR_PROVIDER"))
	}
}
