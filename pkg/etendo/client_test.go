package etendo

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/etendosoftware/copilot/pkg/config"
	"github.com/etendosoftware/copilot/pkg/requestctx"
)

func TestNormalizeHost(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"http://host.docker.internal:8080/etendo", "host.docker.internal8080etendo"},
		{"HTTPS://Host.Docker.Internal:8080/etendo/", "host.docker.internal8080etendo"},
		{"host.docker.internal:8080/etendo", "host.docker.internal8080etendo"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := NormalizeHost(tc.in); got != tc.want {
			t.Errorf("NormalizeHost(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestMatchesHost(t *testing.T) {
	c := &Client{host: "http://host.docker.internal:8080/etendo"}

	if !c.MatchesHost("https://host.docker.internal:8080/etendo/sws/api") {
		t.Error("expected match for same host different scheme")
	}
	if c.MatchesHost("http://other.example.com/etendo") {
		t.Error("unexpected match for different host")
	}
	if c.MatchesHost("") {
		t.Error("empty URL must not match")
	}
}

func ctxWithToken(token string) context.Context {
	c := requestctx.New()
	c.SetExtraInfo(map[string]interface{}{
		"auth": map[string]interface{}{"ETENDO_TOKEN": token},
	})
	return requestctx.With(context.Background(), c)
}

func TestGetStructure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sws/copilot/structure" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("app_id") != "APP-1" {
			t.Errorf("missing app_id: %s", r.URL.RawQuery)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("bad auth header %q", got)
		}
		io.WriteString(w, `{"assistant_id":"APP-1","name":"Sales Helper","provider":"openai","model":"gpt-4o"}`)
	}))
	defer server.Close()

	c := NewClient(&config.Config{EtendoHost: server.URL})
	structure, err := c.GetStructure(ctxWithToken("tok"), "APP-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if structure.Name != "Sales Helper" {
		t.Errorf("got name %q", structure.Name)
	}
	if structure.Type != config.AssistantTypeSingle {
		t.Errorf("defaults not applied: %q", structure.Type)
	}
}

func TestGetStructureMissingToken(t *testing.T) {
	c := NewClient(&config.Config{EtendoHost: "http://localhost"})
	if _, err := c.GetStructure(context.Background(), "APP-1"); err != requestctx.ErrMissingEtendoToken {
		t.Fatalf("expected ErrMissingEtendoToken, got %v", err)
	}
}

func TestCallWebhook(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/webhooks/" || r.URL.Query().Get("name") != "NotifyHook" {
			t.Errorf("unexpected request %s?%s", r.URL.Path, r.URL.RawQuery)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"key":"value"}` {
			t.Errorf("unexpected body %s", body)
		}
		io.WriteString(w, `{"ok":true}`)
	}))
	defer server.Close()

	c := NewClient(&config.Config{EtendoHost: server.URL})
	result, err := c.CallWebhook(ctxWithToken("tok"), "NotifyHook", map[string]interface{}{"key": "value"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != `{"ok":true}` {
		t.Errorf("got %q", result)
	}
}

func TestLogin(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sws/login" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		io.WriteString(w, `{"token":"admin-tok"}`)
	}))
	defer server.Close()

	c := NewClient(&config.Config{EtendoHost: server.URL})
	token, err := c.Login(context.Background(), "admin", "secret")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "admin-tok" {
		t.Errorf("got token %q", token)
	}
}
