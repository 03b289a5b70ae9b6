package agentcli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Credentials is the resolved Anthropic API configuration for the CLI
// subprocess.
type Credentials struct {
	APIKey  string
	BaseURL string
	Source  string // "environment" or "settings"
}

// settingsFile mirrors the relevant slice of ~/.claude/settings.json.
type settingsFile struct {
	Env map[string]string `json:"env"`
}

// ResolveCredentials finds an API key for the upstream agent. Resolution
// order: ANTHROPIC_API_KEY, ANTHROPIC_AUTH_TOKEN, then the env block of
// ~/.claude/settings.json.
func ResolveCredentials() (*Credentials, error) {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		return &Credentials{APIKey: key, BaseURL: os.Getenv("ANTHROPIC_BASE_URL"), Source: "environment"}, nil
	}
	if key := os.Getenv("ANTHROPIC_AUTH_TOKEN"); key != "" {
		return &Credentials{APIKey: key, BaseURL: os.Getenv("ANTHROPIC_BASE_URL"), Source: "environment"}, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("API key not configured and home directory unavailable: %w", err)
	}

	path := filepath.Join(home, ".claude", "settings.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("API key not configured: set ANTHROPIC_API_KEY or configure %s", path)
	}

	var settings settingsFile
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	key := settings.Env["ANTHROPIC_API_KEY"]
	if key == "" {
		key = settings.Env["ANTHROPIC_AUTH_TOKEN"]
	}
	if key == "" {
		return nil, fmt.Errorf("API key not configured: set ANTHROPIC_API_KEY or add it to %s", path)
	}

	return &Credentials{
		APIKey:  key,
		BaseURL: settings.Env["ANTHROPIC_BASE_URL"],
		Source:  "settings",
	}, nil
}

// Environ returns the credential environment entries to append to the
// subprocess environment.
func (c *Credentials) Environ() []string {
	env := []string{"ANTHROPIC_API_KEY=" + c.APIKey}
	if c.BaseURL != "" {
		env = append(env, "ANTHROPIC_BASE_URL="+c.BaseURL)
	}
	return env
}
