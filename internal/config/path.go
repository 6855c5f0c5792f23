package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

const fileName = "config.jsonc"

// ResolvePath applies CLI/XDG/home fallback rules for config.jsonc location.
func ResolvePath(explicit string) (string, error) {
	if strings.TrimSpace(explicit) != "" {
		return explicit, nil
	}

	if xdg := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); xdg != "" {
		return filepath.Join(xdg, "typist", fileName), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.New("unable to resolve user home for config fallback")
	}

	return PathForHome(home), nil
}

// PathForHome is the default config location under a specific home
// directory. The elevated process uses it to find the invoking user's file
// while HOME still points at root.
func PathForHome(home string) string {
	return filepath.Join(home, ".config", "typist", fileName)
}
