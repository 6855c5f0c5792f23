package config

import (
	"fmt"
	"slices"
	"strings"
)

// ControlNodePaths are the locations the kernel exposes the uinput node at.
// The file is read while still root, so device.path may only pick one of
// them.
var ControlNodePaths = []string{"/dev/uinput", "/dev/input/uinput"}

var validLogLevels = map[string]struct{}{
	"debug": {},
	"info":  {},
	"warn":  {},
	"error": {},
}

// Validate enforces config invariants and returns non-fatal warnings.
func Validate(cfg Config) ([]Warning, error) {
	warnings := make([]Warning, 0)

	if strings.TrimSpace(cfg.Device.Path) == "" {
		return nil, fmt.Errorf("device.path must not be empty")
	}
	if !slices.Contains(ControlNodePaths, cfg.Device.Path) {
		return nil, fmt.Errorf("device.path %q is not allowed; use one of %s", cfg.Device.Path, strings.Join(ControlNodePaths, ", "))
	}
	if strings.TrimSpace(cfg.Device.Name) == "" {
		return nil, fmt.Errorf("device.name must not be empty")
	}
	if len(cfg.Device.Name) >= 80 {
		warnings = append(warnings, Warning{Message: fmt.Sprintf("device.name is %d bytes; it will be truncated to 79", len(cfg.Device.Name))})
	}
	for _, field := range []struct {
		name  string
		value int
	}{
		{"device.vendor", cfg.Device.Vendor},
		{"device.product", cfg.Device.Product},
		{"device.version", cfg.Device.Version},
	} {
		if field.value <= 0 || field.value > 0xffff {
			return nil, fmt.Errorf("%s must be in 1..65535", field.name)
		}
	}
	if cfg.Device.SettleMS < 0 {
		return nil, fmt.Errorf("device.settle_ms must be >= 0")
	}
	if cfg.Device.SettleMS > 5000 {
		warnings = append(warnings, Warning{Message: fmt.Sprintf("device.settle_ms=%d delays every session start", cfg.Device.SettleMS)})
	}

	if cfg.Typing.KeyDelayMS <= 0 {
		return nil, fmt.Errorf("typing.key_delay_ms must be > 0")
	}
	if cfg.Typing.WriteRetries < 0 {
		return nil, fmt.Errorf("typing.write_retries must be >= 0")
	}
	if cfg.Typing.RetryMinMS <= 0 {
		return nil, fmt.Errorf("typing.retry_min_ms must be > 0")
	}
	if cfg.Typing.RetryMaxMS < cfg.Typing.RetryMinMS {
		return nil, fmt.Errorf("typing.retry_max_ms must be >= typing.retry_min_ms")
	}

	seen := make(map[string]struct{}, len(cfg.Privilege.PreserveEnv))
	for _, name := range cfg.Privilege.PreserveEnv {
		if strings.TrimSpace(name) == "" || strings.ContainsAny(name, "= ") {
			return nil, fmt.Errorf("privilege.preserve_env contains invalid name %q", name)
		}
		if _, dup := seen[name]; dup {
			warnings = append(warnings, Warning{Message: fmt.Sprintf("privilege.preserve_env lists %q more than once", name)})
			continue
		}
		seen[name] = struct{}{}
	}

	if _, ok := validLogLevels[strings.ToLower(strings.TrimSpace(cfg.Log.Level))]; !ok {
		return nil, fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}

	return warnings, nil
}
