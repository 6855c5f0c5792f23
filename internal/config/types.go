// Package config resolves, parses, validates, and defaults typist configuration.
package config

// Config is the fully materialized runtime configuration used by typist.
type Config struct {
	Device    DeviceConfig
	Typing    TypingConfig
	Privilege PrivilegeConfig
	Log       LogConfig
}

// DeviceConfig controls the virtual keyboard's control node and identity.
type DeviceConfig struct {
	Path     string
	Name     string
	Vendor   int
	Product  int
	Version  int
	SettleMS int
}

// TypingConfig controls keystroke timing and the per-record retry budget.
type TypingConfig struct {
	KeyDelayMS   int
	WriteRetries int
	RetryMinMS   int
	RetryMaxMS   int
}

// PrivilegeConfig names the session environment restored after the drop.
type PrivilegeConfig struct {
	PreserveEnv []string
}

// LogConfig controls the JSONL log level.
type LogConfig struct {
	Level string
}

// Warning is a non-fatal parse/validation message.
type Warning struct {
	Line    int
	Message string
}
