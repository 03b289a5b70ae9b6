package agentcli

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// FindCLI locates the agent CLI binary. An explicit path wins; otherwise
// well-known install locations are checked before falling back to PATH.
func FindCLI(explicit string) (string, error) {
	if explicit != "" {
		if isExecutableFile(explicit) {
			return explicit, nil
		}
		return "", fmt.Errorf("agent CLI not found at configured path %s", explicit)
	}

	if home, err := os.UserHomeDir(); err == nil {
		candidates := []string{
			filepath.Join(home, ".npm-global", "bin", "claude"),
			filepath.Join(home, ".local", "bin", "claude"),
			filepath.Join(home, ".claude", "bin", "claude"),
		}
		for _, path := range candidates {
			if isExecutableFile(path) {
				return path, nil
			}
		}
	}

	for _, path := range []string{"/usr/local/bin/claude", "/opt/homebrew/bin/claude", "/usr/bin/claude"} {
		if isExecutableFile(path) {
			return path, nil
		}
	}

	if path, err := exec.LookPath("claude"); err == nil {
		return path, nil
	}

	return "", fmt.Errorf("agent CLI not found in well-known locations or PATH")
}

func isExecutableFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
