// Package etendo is the client for the Etendo platform endpoints the
// copilot consumes: assistant structure, follow-up questions, login and
// named webhooks.
package etendo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/etendosoftware/copilot/pkg/config"
	"github.com/etendosoftware/copilot/pkg/httpclient"
	"github.com/etendosoftware/copilot/pkg/requestctx"
)

// Client talks to one Etendo host.
type Client struct {
	host       string
	httpClient *httpclient.Client

	adminMu    sync.Mutex
	adminToken string
}

func NewClient(cfg *config.Config) *Client {
	return &Client{
		host: strings.TrimSuffix(cfg.EtendoHost, "/"),
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 120 * time.Second}),
			httpclient.WithMaxRetries(2),
		),
	}
}

// Host returns the configured base URL.
func (c *Client) Host() string {
	return c.host
}

// NormalizeHost lowers the case and strips the scheme and every character
// that is not alphanumeric, '.' or '-'. Two URLs naming the same host
// normalize to the same string.
func NormalizeHost(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	if u, err := url.Parse(s); err == nil && u.Host != "" {
		s = u.Host + u.Path
	}
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-':
			b.WriteRune(r)
		}
	}
	return b.String()
}

// MatchesHost reports whether a URL points at this client's host.
func (c *Client) MatchesHost(raw string) bool {
	return NormalizeHost(raw) != "" && strings.HasPrefix(NormalizeHost(raw), NormalizeHost(c.host))
}

// AssistantStructure is the platform's assistant definition payload.
type AssistantStructure = config.AssistantConfig

// GetStructure fetches an assistant definition by app id. The token comes
// from the request context.
func (c *Client) GetStructure(ctx context.Context, appID string) (*AssistantStructure, error) {
	token, err := requestctx.EtendoToken(ctx)
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/sws/copilot/structure?app_id=%s", c.host, url.QueryEscape(appID))
	body, err := c.do(ctx, http.MethodGet, endpoint, nil, token)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch assistant structure: %w", err)
	}

	var structure AssistantStructure
	if err := json.Unmarshal(body, &structure); err != nil {
		return nil, fmt.Errorf("failed to decode assistant structure: %w", err)
	}
	structure.SetDefaults()
	return &structure, nil
}

// ListAssistants returns the assistant ids visible to the given token.
// Used by the MCP auth provider for membership checks.
func (c *Client) ListAssistants(ctx context.Context, token string) ([]string, error) {
	body, err := c.do(ctx, http.MethodGet, c.host+"/sws/copilot/assistants", nil, requestctx.NormalizeBearer(token))
	if err != nil {
		return nil, fmt.Errorf("failed to list assistants: %w", err)
	}

	var assistants []struct {
		AppID       string `json:"app_id"`
		AssistantID string `json:"assistant_id"`
	}
	if err := json.Unmarshal(body, &assistants); err != nil {
		return nil, fmt.Errorf("failed to decode assistants list: %w", err)
	}

	ids := make([]string, 0, len(assistants))
	for _, a := range assistants {
		if a.AppID != "" {
			ids = append(ids, a.AppID)
		} else if a.AssistantID != "" {
			ids = append(ids, a.AssistantID)
		}
	}
	return ids, nil
}

// AskQuestion forwards a question to another agent through the platform.
func (c *Client) AskQuestion(ctx context.Context, appID, question, conversationID string) (string, error) {
	token, err := requestctx.EtendoToken(ctx)
	if err != nil {
		return "", err
	}

	payload, err := json.Marshal(map[string]string{
		"app_id":          appID,
		"question":        question,
		"conversation_id": conversationID,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode question: %w", err)
	}

	body, err := c.do(ctx, http.MethodPost, c.host+"/sws/copilot/question", payload, token)
	if err != nil {
		return "", fmt.Errorf("failed to forward question: %w", err)
	}
	return string(body), nil
}

// Login obtains an admin token with username and password. Used as a
// fallback when a request carries no caller token but platform access is
// still required.
func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"username": username,
		"password": password,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode login payload: %w", err)
	}

	body, err := c.do(ctx, http.MethodPost, c.host+"/sws/login", payload, "")
	if err != nil {
		return "", fmt.Errorf("login failed: %w", err)
	}

	var response struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("failed to decode login response: %w", err)
	}
	if response.Token == "" {
		return "", fmt.Errorf("login returned no token")
	}
	return response.Token, nil
}

// callerToken resolves the token for a platform call: the caller's token
// from the request context, or an admin token obtained with
// ETENDO_ADMIN_USER / ETENDO_ADMIN_PASSWORD when the request carries none.
func (c *Client) callerToken(ctx context.Context) (string, error) {
	token, err := requestctx.EtendoToken(ctx)
	if err == nil {
		return token, nil
	}

	user := os.Getenv("ETENDO_ADMIN_USER")
	password := os.Getenv("ETENDO_ADMIN_PASSWORD")
	if user == "" || password == "" {
		return "", err
	}

	c.adminMu.Lock()
	defer c.adminMu.Unlock()
	if c.adminToken != "" {
		return c.adminToken, nil
	}

	admin, loginErr := c.Login(ctx, user, password)
	if loginErr != nil {
		return "", fmt.Errorf("admin login fallback failed: %w", loginErr)
	}
	c.adminToken = requestctx.NormalizeBearer(admin)
	return c.adminToken, nil
}

// CallWebhook invokes a named webhook with a JSON payload.
func (c *Client) CallWebhook(ctx context.Context, name string, params map[string]interface{}) (string, error) {
	token, err := c.callerToken(ctx)
	if err != nil {
		return "", err
	}

	payload, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("failed to encode webhook payload: %w", err)
	}

	endpoint := fmt.Sprintf("%s/webhooks/?name=%s", c.host, url.QueryEscape(name))
	body, err := c.do(ctx, http.MethodPost, endpoint, payload, token)
	if err != nil {
		return "", fmt.Errorf("webhook %q failed: %w", name, err)
	}
	return string(body), nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, payload []byte, token string) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", requestctx.NormalizeBearer(token))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return body, nil
}
