// Package config loads depmap settings from a YAML file, with environment
// variable overrides applied on top.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultFile is read from the working directory when no path is given.
const DefaultFile = ".depmap.yaml"

// Analyzer backends.
const (
	BackendAPI  = "api"
	BackendCLI  = "cli"
	BackendNone = "none"
)

// Config is the full depmap configuration.
type Config struct {
	// OutputDir is the dependency-map directory commands operate on when no
	// directory argument is given.
	OutputDir string `yaml:"output_dir"`

	// KnownRepos enables the coverage check. Empty disables it.
	KnownRepos []string `yaml:"known_repos,omitempty"`

	// Repos describes repositories for the analyzer prompt. When empty, the
	// manifest's participating repos are used.
	Repos []RepoConfig `yaml:"repos,omitempty"`

	Analyzer AnalyzerConfig `yaml:"analyzer"`
	Journal  JournalConfig  `yaml:"journal"`
	Watch    WatchConfig    `yaml:"watch"`
}

// RepoConfig is one repository alias and what it is.
type RepoConfig struct {
	Alias       string `yaml:"alias"`
	Description string `yaml:"description,omitempty"`
}

// AnalyzerConfig selects and tunes the domain analyzer.
type AnalyzerConfig struct {
	// Backend: "api", "cli" or "none"
	Backend string `yaml:"backend"`

	// Model and MaxTokens apply to the api backend; empty/0 use defaults.
	Model     string `yaml:"model,omitempty"`
	MaxTokens int    `yaml:"max_tokens,omitempty"`

	// Command is the cli backend's argv; empty uses "claude -p".
	Command []string `yaml:"command,omitempty"`

	// Timeout per analyzer call, e.g. "10m". Supports d and w suffixes.
	Timeout string `yaml:"timeout"`

	// RequestsPerMinute caps API calls; 0 is unlimited.
	RequestsPerMinute int `yaml:"requests_per_minute"`

	// MaxConcurrentCalls caps in-flight API calls; 0 is unlimited.
	MaxConcurrentCalls int `yaml:"max_concurrent_calls"`
}

// JournalConfig controls where repair progress is recorded.
type JournalConfig struct {
	// Markdown appends progress to _journal.md in the output directory.
	Markdown bool `yaml:"markdown"`

	// Database is the SQLite history path; empty disables history.
	Database string `yaml:"database,omitempty"`

	// RetentionDays is how long run history is kept. Range: 1-365
	RetentionDays int `yaml:"retention_days"`
}

// WatchConfig tunes `depmap health watch`.
type WatchConfig struct {
	// Debounce is how long the directory must be quiet before re-checking.
	Debounce string `yaml:"debounce"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		OutputDir: ".",
		Analyzer: AnalyzerConfig{
			Backend:            BackendNone,
			Timeout:            "10m",
			RequestsPerMinute:  0,
			MaxConcurrentCalls: 3,
		},
		Journal: JournalConfig{
			Markdown:      true,
			RetentionDays: 30,
		},
		Watch: WatchConfig{
			Debounce: "500ms",
		},
	}
}

// Load reads the config file at path over the defaults, applies environment
// overrides and validates the result. An empty path reads DefaultFile if it
// exists and otherwise uses defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML %s: %w", path, err)
		}
	case explicit || !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Save writes cfg as YAML to path.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// ApplyEnv overrides fields from environment variables:
//
//   - DEPMAP_OUTPUT_DIR
//   - DEPMAP_KNOWN_REPOS (comma-separated)
//   - DEPMAP_ANALYZER (api, cli or none)
//   - DEPMAP_MODEL
//   - DEPMAP_ANALYZER_COMMAND (whitespace-separated argv)
//   - DEPMAP_ANALYZER_TIMEOUT
//   - DEPMAP_REQUESTS_PER_MINUTE
//   - DEPMAP_JOURNAL_DB
//   - DEPMAP_JOURNAL_RETENTION_DAYS
func (c *Config) ApplyEnv() error {
	parseEnvString("DEPMAP_OUTPUT_DIR", &c.OutputDir)
	parseEnvList("DEPMAP_KNOWN_REPOS", &c.KnownRepos)
	parseEnvString("DEPMAP_ANALYZER", &c.Analyzer.Backend)
	parseEnvString("DEPMAP_MODEL", &c.Analyzer.Model)
	if v := os.Getenv("DEPMAP_ANALYZER_COMMAND"); v != "" {
		c.Analyzer.Command = strings.Fields(v)
	}
	parseEnvString("DEPMAP_ANALYZER_TIMEOUT", &c.Analyzer.Timeout)
	if err := parseEnvInt("DEPMAP_REQUESTS_PER_MINUTE", &c.Analyzer.RequestsPerMinute); err != nil {
		return err
	}
	parseEnvString("DEPMAP_JOURNAL_DB", &c.Journal.Database)
	if err := parseEnvInt("DEPMAP_JOURNAL_RETENTION_DAYS", &c.Journal.RetentionDays); err != nil {
		return err
	}
	return nil
}

// Validate checks if the configuration has valid values
func (c *Config) Validate() error {
	switch c.Analyzer.Backend {
	case BackendAPI, BackendCLI, BackendNone:
	default:
		return fmt.Errorf("analyzer.backend must be one of api, cli, none (got %q)", c.Analyzer.Backend)
	}

	if _, err := c.AnalyzerTimeout(); err != nil {
		return err
	}
	if c.Analyzer.MaxTokens < 0 || c.Analyzer.MaxTokens > 64000 {
		return fmt.Errorf("analyzer.max_tokens must be between 0 and 64000 (got %d)", c.Analyzer.MaxTokens)
	}
	if c.Analyzer.RequestsPerMinute < 0 || c.Analyzer.RequestsPerMinute > 1000 {
		return fmt.Errorf("analyzer.requests_per_minute must be between 0 and 1000 (got %d)",
			c.Analyzer.RequestsPerMinute)
	}
	if c.Analyzer.MaxConcurrentCalls < 0 {
		return fmt.Errorf("analyzer.max_concurrent_calls cannot be negative (got %d)",
			c.Analyzer.MaxConcurrentCalls)
	}

	if c.Journal.RetentionDays < 1 || c.Journal.RetentionDays > 365 {
		return fmt.Errorf("journal.retention_days must be between 1 and 365 (got %d)", c.Journal.RetentionDays)
	}

	if _, err := c.WatchDebounce(); err != nil {
		return err
	}

	for i, r := range c.Repos {
		if strings.TrimSpace(r.Alias) == "" {
			return fmt.Errorf("repos[%d]: alias is required", i)
		}
	}
	return nil
}

// AnalyzerTimeout parses Analyzer.Timeout. Empty means no timeout.
func (c *Config) AnalyzerTimeout() (time.Duration, error) {
	if c.Analyzer.Timeout == "" {
		return 0, nil
	}
	d, err := parseDuration(c.Analyzer.Timeout)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid analyzer.timeout %q", c.Analyzer.Timeout)
	}
	return d, nil
}

// WatchDebounce parses Watch.Debounce. Empty means 500ms.
func (c *Config) WatchDebounce() (time.Duration, error) {
	if c.Watch.Debounce == "" {
		return 500 * time.Millisecond, nil
	}
	d, err := parseDuration(c.Watch.Debounce)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid watch.debounce %q", c.Watch.Debounce)
	}
	return d, nil
}

// parseDuration extends time.ParseDuration to support days and weeks.
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	for suffix, unit := range map[string]time.Duration{"d": 24 * time.Hour, "w": 7 * 24 * time.Hour} {
		if n, ok := strings.CutSuffix(s, suffix); ok {
			v, err := strconv.Atoi(n)
			if err != nil {
				return 0, fmt.Errorf("invalid duration %q", s)
			}
			return time.Duration(v) * unit, nil
		}
	}
	return time.ParseDuration(s)
}

// parseEnvInt parses an int from an environment variable
func parseEnvInt(key string, dest *int) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = parsed
	return nil
}

func parseEnvString(key string, dest *string) {
	if value := os.Getenv(key); value != "" {
		*dest = value
	}
}

func parseEnvList(key string, dest *[]string) {
	value := os.Getenv(key)
	if value == "" {
		return
	}
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	*dest = items
}
