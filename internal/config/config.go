// Package config loads the optional TOML configuration of the command line
// tool.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/sliverarmory/nativepatch/internal/logging"
	"github.com/sliverarmory/nativepatch/patch"
)

// Config holds settings that may come from a file. Command line flags
// override them.
type Config struct {
	Marker   string `toml:"marker"`
	LogLevel string `toml:"log-level"`
	LogJSON  bool   `toml:"log-json"`
	Report   string `toml:"report"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Marker:   patch.DefaultMarker,
		LogLevel: "info",
	}
}

// Load reads path over the defaults. Unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("%s: failed to parse TOML: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, key := range undecoded {
			keys[i] = key.String()
		}
		return Config{}, fmt.Errorf("%s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks field values.
func (cfg Config) Validate() error {
	if strings.TrimSpace(cfg.Marker) == "" {
		return errors.New("marker must not be empty")
	}
	if !logging.ValidLevel(cfg.LogLevel) {
		return fmt.Errorf("log-level %q is not one of %s", cfg.LogLevel, strings.Join(logging.LevelNames(), ", "))
	}
	return nil
}
