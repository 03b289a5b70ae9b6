package agentcli

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveCredentials_EnvAPIKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-test-123")
	t.Setenv("ANTHROPIC_AUTH_TOKEN", "")
	t.Setenv("ANTHROPIC_BASE_URL", "")

	creds, err := ResolveCredentials()
	if err != nil {
		t.Fatalf("ResolveCredentials() error = %v", err)
	}
	if creds.APIKey != "sk-test-123" {
		t.Errorf("APIKey = %q, want sk-test-123", creds.APIKey)
	}
	if creds.Source != "environment" {
		t.Errorf("Source = %q, want environment", creds.Source)
	}
}

func TestResolveCredentials_AuthTokenFallback(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("ANTHROPIC_AUTH_TOKEN", "oauth-456")
	t.Setenv("ANTHROPIC_BASE_URL", "https://proxy.example.com")

	creds, err := ResolveCredentials()
	if err != nil {
		t.Fatalf("ResolveCredentials() error = %v", err)
	}
	if creds.APIKey != "oauth-456" {
		t.Errorf("APIKey = %q, want oauth-456", creds.APIKey)
	}
	if creds.BaseURL != "https://proxy.example.com" {
		t.Errorf("BaseURL = %q, want proxy URL", creds.BaseURL)
	}
}

func TestResolveCredentials_SettingsFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("ANTHROPIC_AUTH_TOKEN", "")

	dir := filepath.Join(home, ".claude")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	settings := `{"env": {"ANTHROPIC_API_KEY": "sk-from-settings", "ANTHROPIC_BASE_URL": "https://gw.example.com"}}`
	if err := os.WriteFile(filepath.Join(dir, "settings.json"), []byte(settings), 0o600); err != nil {
		t.Fatal(err)
	}

	creds, err := ResolveCredentials()
	if err != nil {
		t.Fatalf("ResolveCredentials() error = %v", err)
	}
	if creds.APIKey != "sk-from-settings" {
		t.Errorf("APIKey = %q, want sk-from-settings", creds.APIKey)
	}
	if creds.BaseURL != "https://gw.example.com" {
		t.Errorf("BaseURL = %q, want gateway URL", creds.BaseURL)
	}
	if creds.Source != "settings" {
		t.Errorf("Source = %q, want settings", creds.Source)
	}
}

func TestResolveCredentials_NotConfigured(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("ANTHROPIC_AUTH_TOKEN", "")

	if _, err := ResolveCredentials(); err == nil {
		t.Fatal("ResolveCredentials() error = nil, want error")
	}
}

func TestCredentials_Environ(t *testing.T) {
	creds := &Credentials{APIKey: "k", BaseURL: "https://b"}
	env := creds.Environ()
	if len(env) != 2 {
		t.Fatalf("Environ() returned %d entries, want 2", len(env))
	}
	if env[0] != "ANTHROPIC_API_KEY=k" || env[1] != "ANTHROPIC_BASE_URL=https://b" {
		t.Errorf("Environ() = %v", env)
	}

	creds = &Credentials{APIKey: "k"}
	if env := creds.Environ(); len(env) != 1 {
		t.Errorf("Environ() without base URL returned %d entries, want 1", len(env))
	}
}
