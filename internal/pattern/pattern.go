// Package pattern resolves prompt patterns for wrapper sessions.
//
// A session's prompt pattern is a single regular expression matched against
// ANSI-stripped terminal lines.  Patterns are named presets (built in or
// user-defined) or custom regex bodies passed on the command line, and are
// immutable for the session's lifetime.
package pattern

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Built-in presets.  The bodies are provisional until validated against more
// agent versions; user presets with the same name take precedence.
var builtins = map[string]string{
	"claude":  `^[>❯] $`,
	"aider":   `^[a-z][a-z0-9-]*> $|^> $`,
	"generic": `^[^ ]*[$%#>❯] $`,
}

// UserPresetFile is the name of the optional preset file inside the user's
// clippy config directory.
const UserPresetFile = "patterns.yaml"

// presetFile is the YAML shape of the user preset file:
//
//	presets:
//	  mytool: '^mytool> $'
type presetFile struct {
	Presets map[string]string `yaml:"presets"`
}

// Validate rejects pattern bodies that cannot be matched against single
// stripped lines.  Multi-line prompts are not supported.
func Validate(body string) error {
	if body == "" {
		return fmt.Errorf("empty pattern")
	}
	if strings.ContainsRune(body, '\n') {
		return fmt.Errorf("pattern contains a literal newline; multi-line prompts are not supported")
	}
	return nil
}

// Compile validates and compiles a pattern body.
func Compile(body string) (*regexp.Regexp, error) {
	if err := Validate(body); err != nil {
		return nil, err
	}
	re, err := regexp.Compile(body)
	if err != nil {
		return nil, fmt.Errorf("compile pattern %q: %w", body, err)
	}
	return re, nil
}

// userPresetPath returns the path of the user preset file, or "" when the
// config directory cannot be determined.
func userPresetPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "clippy", UserPresetFile)
}

// loadPresetFile reads one YAML preset file.  A missing file is not an
// error; a preset whose body fails Validate is.
func loadPresetFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var f presetFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for name, body := range f.Presets {
		if err := Validate(body); err != nil {
			return nil, fmt.Errorf("preset %q in %s: %w", name, path, err)
		}
	}
	return f.Presets, nil
}

// Resolve turns a --pattern argument into a compiled regexp and the pattern
// body it compiled.  The argument is tried as a preset name first — user
// presets override built-ins — and falls back to compiling as a custom regex.
func Resolve(arg string) (*regexp.Regexp, string, error) {
	return resolveWith(arg, userPresetPath())
}

func resolveWith(arg, presetPath string) (*regexp.Regexp, string, error) {
	body := arg
	if presetPath != "" {
		user, err := loadPresetFile(presetPath)
		if err != nil {
			return nil, "", err
		}
		if b, ok := user[arg]; ok {
			body = b
		} else if b, ok := builtins[arg]; ok {
			body = b
		}
	} else if b, ok := builtins[arg]; ok {
		body = b
	}

	re, err := Compile(body)
	if err != nil {
		return nil, "", err
	}
	return re, body, nil
}

// Presets returns the effective preset table (built-ins overlaid with user
// presets), for display purposes.
func Presets() map[string]string {
	out := make(map[string]string, len(builtins))
	for k, v := range builtins {
		out[k] = v
	}
	if path := userPresetPath(); path != "" {
		if user, err := loadPresetFile(path); err == nil {
			for k, v := range user {
				out[k] = v
			}
		}
	}
	return out
}
