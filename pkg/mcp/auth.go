package mcp

import (
	"context"
	"fmt"
	"sync"

	"github.com/etendosoftware/copilot/pkg/etendo"
	"github.com/etendosoftware/copilot/pkg/logger"
	"github.com/etendosoftware/copilot/pkg/requestctx"
)

// TokenVerifier authorizes bearer tokens for MCP access by checking that
// the token can see the configured assistant on the Etendo host. Accepted
// tokens are cached for the life of the process.
type TokenVerifier struct {
	client      *etendo.Client
	assistantID string

	mu       sync.Mutex
	accepted map[string]bool
}

func NewTokenVerifier(client *etendo.Client, assistantID string) *TokenVerifier {
	return &TokenVerifier{
		client:      client,
		assistantID: assistantID,
		accepted:    map[string]bool{},
	}
}

// Verify returns nil when the token may access the assistant. Without a
// configured assistant id every token is rejected.
func (v *TokenVerifier) Verify(ctx context.Context, token string) error {
	if v.assistantID == "" {
		return fmt.Errorf("no assistant id configured, rejecting all tokens")
	}

	token = requestctx.NormalizeBearer(token)
	if token == "" {
		return fmt.Errorf("missing bearer token")
	}

	v.mu.Lock()
	if v.accepted[token] {
		v.mu.Unlock()
		return nil
	}
	v.mu.Unlock()

	assistants, err := v.client.ListAssistants(ctx, token)
	if err != nil {
		return fmt.Errorf("token verification failed: %w", err)
	}
	for _, appID := range assistants {
		if appID == v.assistantID {
			v.mu.Lock()
			v.accepted[token] = true
			v.mu.Unlock()
			return nil
		}
	}

	logger.GetLogger().Warn("Token rejected, assistant not visible",
		"assistant", v.assistantID)
	return fmt.Errorf("token is not authorized for assistant %s", v.assistantID)
}
