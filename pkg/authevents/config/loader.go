package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// FromFile loads a .yaml, .yml or .json file.
func FromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return FromYAML(data)
	case ".json":
		return FromJSON(data)
	default:
		return Config{}, fmt.Errorf("unsupported config file extension: %s", ext)
	}
}

// FromYAML parses YAML data into a Config.
func FromYAML(data []byte) (Config, error) {
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Config{}, fmt.Errorf("parse yaml: %w", err)
	}
	return New(m), nil
}

// FromJSON parses JSON data into a Config.
func FromJSON(data []byte) (Config, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return Config{}, fmt.Errorf("parse json: %w", err)
	}
	return New(m), nil
}

// LoadOptions controls Load.
type LoadOptions struct {
	// Path is an optional YAML or JSON file.
	Path string

	// DotEnv lists .env files to read first. Missing files are skipped.
	// Default: [".env"]
	DotEnv []string

	// SkipEnv disables the AUTHEVENTS_* overlay.
	SkipEnv bool
}

// Load builds Settings from defaults, then the file at path, then
// AUTHEVENTS_* environment variables (after reading .env), and validates
// the result. An empty path skips the file.
func Load(path string) (Settings, error) {
	return LoadWith(LoadOptions{Path: path})
}

// LoadWith is Load with explicit options.
func LoadWith(opts LoadOptions) (Settings, error) {
	dotenv := opts.DotEnv
	if dotenv == nil {
		dotenv = []string{".env"}
	}
	for _, f := range dotenv {
		// godotenv never overrides variables already in the environment.
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Settings{}, fmt.Errorf("load %s: %w", f, err)
		}
	}

	cfg := New(nil)
	if opts.Path != "" {
		var err error
		if cfg, err = FromFile(opts.Path); err != nil {
			return Settings{}, err
		}
	}
	s := SettingsFrom(cfg)

	if !opts.SkipEnv {
		if err := envconfig.Process(EnvPrefix, &s); err != nil {
			return Settings{}, fmt.Errorf("parsing environment: %w", err)
		}
	}
	if err := s.Validate(); err != nil {
		return Settings{}, fmt.Errorf("invalid settings: %w", err)
	}
	return s, nil
}
