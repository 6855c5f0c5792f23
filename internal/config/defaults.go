package config

// Default returns the canonical runtime configuration used when no file is present.
func Default() Config {
	return Config{
		Device: DeviceConfig{
			Path:     "/dev/uinput",
			Name:     "typist virtual keyboard",
			Vendor:   0x7479,
			Product:  0x7073,
			Version:  1,
			SettleMS: 200,
		},
		Typing: TypingConfig{
			KeyDelayMS:   2,
			WriteRetries: 3,
			RetryMinMS:   1,
			RetryMaxMS:   20,
		},
		Privilege: PrivilegeConfig{
			PreserveEnv: []string{
				"XDG_RUNTIME_DIR",
				"DBUS_SESSION_BUS_ADDRESS",
				"PULSE_SERVER",
				"WAYLAND_DISPLAY",
				"DISPLAY",
				"XAUTHORITY",
			},
		},
		Log: LogConfig{Level: "info"},
	}
}
