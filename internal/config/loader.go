package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Auth.Secret == "" {
		errs = append(errs, errors.New("auth.secret is required"))
	}
	if cfg.Server.PublicHost != "" && !hasWSScheme(cfg.Server.PublicHost) {
		errs = append(errs, fmt.Errorf("server.public_host %q must start with ws:// or wss://", cfg.Server.PublicHost))
	}
	if cfg.Server.InternalHost != "" && !hasWSScheme(cfg.Server.InternalHost) {
		errs = append(errs, fmt.Errorf("server.internal_host %q must start with ws:// or wss://", cfg.Server.InternalHost))
	}
	if !cfg.Transcription.DefaultProvider.IsValid() {
		errs = append(errs, fmt.Errorf("transcription.default_provider %q is invalid; valid values: azure, soniox", cfg.Transcription.DefaultProvider))
	}
	if cfg.Transcription.FastStreamTimeout > cfg.Transcription.StreamTimeout {
		errs = append(errs, errors.New("transcription.fast_stream_timeout must not exceed transcription.stream_timeout"))
	}
	for i, pkg := range cfg.Apps.SystemApps {
		if pkg == "" {
			errs = append(errs, fmt.Errorf("apps.system_apps[%d] is empty", i))
		}
	}

	return errors.Join(errs...)
}

func hasWSScheme(u string) bool {
	return strings.HasPrefix(u, "ws://") || strings.HasPrefix(u, "wss://")
}
