// Package requestctx carries per-request state through context.Context.
// Each HTTP request gets its own container at entry; nothing here is
// shared across requests.
package requestctx

import (
	"context"
	"errors"
	"strings"
	"sync"
)

type ctxKey struct{}

// ErrMissingEtendoToken is returned when an operation requires the caller's
// Etendo token and none was supplied with the request.
var ErrMissingEtendoToken = errors.New("no Etendo token found in request context")

// Usage accumulates token counts across every model call in a request.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Container holds the request-scoped values. It is safe for concurrent use
// by the goroutines serving one request.
type Container struct {
	mu             sync.RWMutex
	extraInfo      map[string]interface{}
	usage          Usage
	conversationID string
}

// New returns a fresh container for one request.
func New() *Container {
	return &Container{extraInfo: map[string]interface{}{}}
}

// With attaches the container to a context.
func With(ctx context.Context, c *Container) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// From extracts the container, or nil when the context carries none.
func From(ctx context.Context) *Container {
	c, _ := ctx.Value(ctxKey{}).(*Container)
	return c
}

// SetExtraInfo replaces the free-form extra info map.
func (c *Container) SetExtraInfo(info map[string]interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if info == nil {
		info = map[string]interface{}{}
	}
	c.extraInfo = info
}

// ExtraInfo returns the extra info map. Callers must not mutate it.
func (c *Container) ExtraInfo() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.extraInfo
}

// SetConversationID records the conversation identifier for this request.
func (c *Container) SetConversationID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conversationID = id
}

// ConversationID returns the conversation identifier.
func (c *Container) ConversationID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conversationID
}

// AddUsage accumulates token usage from one model call.
func (c *Container) AddUsage(prompt, completion int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.usage.PromptTokens += prompt
	c.usage.CompletionTokens += completion
	c.usage.TotalTokens += prompt + completion
}

// UsageSnapshot returns the accumulated usage.
func (c *Container) UsageSnapshot() Usage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.usage
}

// EtendoToken returns the caller's token from extra_info.auth.ETENDO_TOKEN,
// normalized to a single "Bearer " prefix.
func (c *Container) EtendoToken() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	auth, ok := c.extraInfo["auth"].(map[string]interface{})
	if !ok {
		return "", ErrMissingEtendoToken
	}
	token, ok := auth["ETENDO_TOKEN"].(string)
	if !ok || strings.TrimSpace(token) == "" {
		return "", ErrMissingEtendoToken
	}
	return NormalizeBearer(token), nil
}

// EtendoToken is a context-level convenience for Container.EtendoToken.
func EtendoToken(ctx context.Context) (string, error) {
	c := From(ctx)
	if c == nil {
		return "", ErrMissingEtendoToken
	}
	return c.EtendoToken()
}

// NormalizeBearer ensures exactly one "Bearer " prefix on a token.
// Applying it twice yields the same result.
func NormalizeBearer(token string) string {
	token = strings.TrimSpace(token)
	for {
		rest, found := cutBearerPrefix(token)
		if !found {
			break
		}
		token = strings.TrimSpace(rest)
	}
	if token == "" {
		return ""
	}
	return "Bearer " + token
}

func cutBearerPrefix(s string) (string, bool) {
	const prefix = "bearer "
	if len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
		return s[len(prefix):], true
	}
	return s, false
}
