// Package config holds the runner configuration shared by the CLI commands.
//
// A config file is optional. When one is given it is decoded strictly:
// unknown keys are errors, so a typo never silently falls back to a
// default. Command line flags override file values.
//
// Example file:
//
//	store: sqlite
//	db: /tmp/isocheck
//	level: all
//	repeat: 5
//	timeout: 30s
//	bound: 2s
//	attempts: 3
//	filter: "^write_skew"
//	phantom_at_repeatable_read: false
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/isocheck/internal/isolation"
)

// Store backends.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

// LevelAll runs every scenario at every modelled level.
const LevelAll = "all"

// Config is the runner configuration.
type Config struct {
	// Store is the backend scenarios run against: memory or sqlite.
	Store string `yaml:"store"`

	// DB is the directory SQLite database files are created in. Empty
	// means a temporary directory removed after the run.
	DB string `yaml:"db"`

	// Level overrides the level declared by each scenario. Empty keeps the
	// declared level; "all" runs the whole level matrix.
	Level string `yaml:"level"`

	Repeat   int           `yaml:"repeat"`
	Timeout  time.Duration `yaml:"timeout"`
	Bound    time.Duration `yaml:"bound"`
	Attempts int           `yaml:"attempts"`

	// Filter is a regular expression scenario names must match.
	Filter string `yaml:"filter"`

	PhantomAtRepeatableRead bool `yaml:"phantom_at_repeatable_read"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Store:    StoreMemory,
		Repeat:   1,
		Timeout:  30 * time.Second,
		Bound:    5 * time.Second,
		Attempts: 1,
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data over the defaults and validates the result. Keys
// missing from data keep their default.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every field.
func (c Config) Validate() error {
	switch c.Store {
	case StoreMemory, StoreSQLite:
	default:
		return fmt.Errorf("store: unknown backend %q (want %s or %s)", c.Store, StoreMemory, StoreSQLite)
	}
	if _, err := c.Levels(); err != nil {
		return err
	}
	if c.Repeat < 1 {
		return fmt.Errorf("repeat: must be at least 1, got %d", c.Repeat)
	}
	if c.Attempts < 1 {
		return fmt.Errorf("attempts: must be at least 1, got %d", c.Attempts)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout: must be positive, got %s", c.Timeout)
	}
	if c.Bound <= 0 {
		return fmt.Errorf("bound: must be positive, got %s", c.Bound)
	}
	if _, err := c.FilterRegexp(); err != nil {
		return err
	}
	return nil
}

// Levels returns the levels to run each scenario at. A nil slice means
// the scenario's own level.
func (c Config) Levels() ([]isolation.Level, error) {
	switch c.Level {
	case "":
		return nil, nil
	case LevelAll:
		return isolation.Levels, nil
	}
	l, err := isolation.ParseLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("level: %w", err)
	}
	return []isolation.Level{l}, nil
}

// FilterRegexp compiles Filter. It returns nil when no filter is set.
func (c Config) FilterRegexp() (*regexp.Regexp, error) {
	if c.Filter == "" {
		return nil, nil
	}
	re, err := regexp.Compile(c.Filter)
	if err != nil {
		return nil, fmt.Errorf("filter: %w", err)
	}
	return re, nil
}

// Rules builds the rule table verdicts are checked against.
func (c Config) Rules() isolation.RuleTable {
	return isolation.NewRuleTable(isolation.WithPhantomAtRepeatableRead(c.PhantomAtRepeatableRead))
}
