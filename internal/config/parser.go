package config

import (
	"errors"
	"strings"
)

// Parse reads JSONC configuration content on top of base.
func Parse(content string, base Config) (Config, []Warning, error) {
	normalized, err := normalizeJSONC(content)
	if err != nil {
		return Config{}, nil, err
	}

	trimmed := strings.TrimSpace(normalized)
	if trimmed == "" {
		validatedWarnings, err := Validate(base)
		if err != nil {
			return Config{}, nil, err
		}
		return base, validatedWarnings, nil
	}

	if !strings.HasPrefix(trimmed, "{") {
		return Config{}, nil, errors.New("config must be a JSONC object")
	}
	return parseJSONC(content, base)
}
