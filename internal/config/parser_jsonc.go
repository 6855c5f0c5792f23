package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

type jsoncConfig struct {
	Device    *jsoncDevice    `json:"device"`
	Typing    *jsoncTyping    `json:"typing"`
	Privilege *jsoncPrivilege `json:"privilege"`
	Log       *jsoncLog       `json:"log"`
}

type jsoncDevice struct {
	Path     *string `json:"path"`
	Name     *string `json:"name"`
	Vendor   *int    `json:"vendor"`
	Product  *int    `json:"product"`
	Version  *int    `json:"version"`
	SettleMS *int    `json:"settle_ms"`
}

type jsoncTyping struct {
	KeyDelayMS   *int `json:"key_delay_ms"`
	WriteRetries *int `json:"write_retries"`
	RetryMinMS   *int `json:"retry_min_ms"`
	RetryMaxMS   *int `json:"retry_max_ms"`
}

type jsoncPrivilege struct {
	PreserveEnv *jsoncStringList `json:"preserve_env"`
}

type jsoncLog struct {
	Level *string `json:"level"`
}

type jsoncStringList []string

func (l *jsoncStringList) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*l = list
		return nil
	}

	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		out := make([]string, 0)
		for _, part := range strings.Split(single, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		*l = out
		return nil
	}

	return fmt.Errorf("expected string array or comma-delimited string")
}

func parseJSONC(content string, base Config) (Config, []Warning, error) {
	normalized, err := normalizeJSONC(content)
	if err != nil {
		return Config{}, nil, err
	}

	decoder := json.NewDecoder(strings.NewReader(normalized))
	decoder.DisallowUnknownFields()

	var payload jsoncConfig
	if err := decoder.Decode(&payload); err != nil {
		return Config{}, nil, wrapJSONDecodeError(normalized, err)
	}
	if err := ensureSingleJSONValue(decoder); err != nil {
		return Config{}, nil, wrapJSONDecodeError(normalized, err)
	}

	cfg := base
	cfg.Privilege.PreserveEnv = append([]string(nil), base.Privilege.PreserveEnv...)
	payload.applyTo(&cfg)

	warnings, err := Validate(cfg)
	if err != nil {
		return Config{}, nil, err
	}
	return cfg, warnings, nil
}

func (payload jsoncConfig) applyTo(cfg *Config) {
	if d := payload.Device; d != nil {
		setString(&cfg.Device.Path, d.Path)
		setString(&cfg.Device.Name, d.Name)
		setInt(&cfg.Device.Vendor, d.Vendor)
		setInt(&cfg.Device.Product, d.Product)
		setInt(&cfg.Device.Version, d.Version)
		setInt(&cfg.Device.SettleMS, d.SettleMS)
	}

	if ty := payload.Typing; ty != nil {
		setInt(&cfg.Typing.KeyDelayMS, ty.KeyDelayMS)
		setInt(&cfg.Typing.WriteRetries, ty.WriteRetries)
		setInt(&cfg.Typing.RetryMinMS, ty.RetryMinMS)
		setInt(&cfg.Typing.RetryMaxMS, ty.RetryMaxMS)
	}

	if p := payload.Privilege; p != nil && p.PreserveEnv != nil {
		cfg.Privilege.PreserveEnv = cfg.Privilege.PreserveEnv[:0]
		for _, name := range *p.PreserveEnv {
			if name = strings.TrimSpace(name); name != "" {
				cfg.Privilege.PreserveEnv = append(cfg.Privilege.PreserveEnv, name)
			}
		}
	}

	if l := payload.Log; l != nil && l.Level != nil {
		cfg.Log.Level = strings.ToLower(strings.TrimSpace(*l.Level))
	}
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = strings.TrimSpace(*src)
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

// normalizeJSONC blanks out // and /* */ comments and drops trailing commas
// before } or ]. Byte offsets are preserved (comments become spaces) so
// decoder error positions still point into the original text, except for
// removed commas.
func normalizeJSONC(content string) (string, error) {
	src := []byte(content)
	out := make([]byte, 0, len(src))

	for i := 0; i < len(src); i++ {
		ch := src[i]
		switch {
		case ch == '"':
			end := scanString(src, i)
			out = append(out, src[i:end]...)
			i = end - 1
		case ch == '/' && i+1 < len(src) && (src[i+1] == '/' || src[i+1] == '*'):
			end, err := scanComment(src, i)
			if err != nil {
				return "", err
			}
			out = appendBlank(out, src[i:end])
			i = end - 1
		case ch == ',' && closesAfter(src, i+1):
			continue
		default:
			out = append(out, ch)
		}
	}
	return string(out), nil
}

// scanString returns the index just past the string literal opening at start.
func scanString(src []byte, start int) int {
	for i := start + 1; i < len(src); i++ {
		switch src[i] {
		case '\\':
			i++
		case '"':
			return i + 1
		}
	}
	return len(src)
}

// scanComment returns the index just past the comment opening at start.
func scanComment(src []byte, start int) (int, error) {
	if src[start+1] == '/' {
		for i := start + 2; i < len(src); i++ {
			if src[i] == '\n' || src[i] == '\r' {
				return i, nil
			}
		}
		return len(src), nil
	}
	for i := start + 2; i+1 < len(src); i++ {
		if src[i] == '*' && src[i+1] == '/' {
			return i + 2, nil
		}
	}
	return 0, fmt.Errorf("unterminated block comment in JSONC")
}

// closesAfter reports whether the next significant byte from i closes an
// object or array.
func closesAfter(src []byte, i int) bool {
	for i < len(src) {
		switch {
		case isJSONWhitespace(src[i]):
			i++
		case src[i] == '/' && i+1 < len(src) && (src[i+1] == '/' || src[i+1] == '*'):
			end, err := scanComment(src, i)
			if err != nil {
				return false
			}
			i = end
		default:
			return src[i] == '}' || src[i] == ']'
		}
	}
	return false
}

func appendBlank(out []byte, comment []byte) []byte {
	for _, ch := range comment {
		if ch == '\n' || ch == '\r' || ch == '\t' {
			out = append(out, ch)
			continue
		}
		out = append(out, ' ')
	}
	return out
}

func isJSONWhitespace(ch byte) bool {
	switch ch {
	case ' ', '\n', '\r', '\t':
		return true
	default:
		return false
	}
}

func ensureSingleJSONValue(decoder *json.Decoder) error {
	var extra json.RawMessage
	err := decoder.Decode(&extra)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err == nil {
		return fmt.Errorf("multiple JSON values are not allowed")
	}
	return err
}

func wrapJSONDecodeError(content string, err error) error {
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		line, col := offsetToLineCol(content, syntaxErr.Offset)
		return fmt.Errorf("line %d column %d: %w", line, col, err)
	}

	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		line, col := offsetToLineCol(content, typeErr.Offset)
		return fmt.Errorf("line %d column %d: %w", line, col, err)
	}

	return err
}

func offsetToLineCol(content string, offset int64) (int, int) {
	if offset <= 0 {
		return 1, 1
	}

	limit := min(int(offset), len(content))
	line, col := 1, 1
	for i := 0; i < limit-1; i++ {
		if content[i] == '\n' {
			line++
			col = 1
			continue
		}
		col++
	}
	return line, col
}
