package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Stage names recognised in the [stages] table.
const (
	StageFetch   = "fetch"
	StageRadon   = "radon"
	StageAugment = "augment"
)

// StageNames lists the pipeline stages in dispatch order.
var StageNames = []string{StageFetch, StageRadon, StageAugment}

// Paths contains directory and bind address configuration.
type Paths struct {
	DataDir  string `toml:"data_dir"`
	LogDir   string `toml:"log_dir"`
	APIBind  string `toml:"api_bind"`
	APIToken string `toml:"api_token"`
}

// Catalog configures the SQLite catalog and record eligibility.
type Catalog struct {
	Path           string   `toml:"path"`
	MinProbability float64  `toml:"min_probability"`
	Bands          []string `toml:"bands"`
}

// Dispatch contains control loop and worker supervision settings.
// Intervals are expressed in seconds.
type Dispatch struct {
	MaxConcurrency     int `toml:"max_concurrency"`
	PollInterval       int `toml:"poll_interval"`
	ErrorRetryInterval int `toml:"error_retry_interval"`
	StoreBackoffMax    int `toml:"store_backoff_max"`
	BatchSize          int `toml:"batch_size"`
	LeaseTTL           int `toml:"lease_ttl"`
	LeaseRenewInterval int `toml:"lease_renew_interval"`
}

// Retry describes the per-stage failure budget and backoff curve.
type Retry struct {
	MaxAttempts int `toml:"max_attempts"`
	BackoffBase int `toml:"backoff_base"`
	BackoffCap  int `toml:"backoff_cap"`
}

// Aggregation configures the streaming rotation statistics.
type Aggregation struct {
	ConvergenceCap int `toml:"convergence_cap"`
}

// Cache configures the read-through status cache.
type Cache struct {
	TTL        int `toml:"ttl"`
	MaxEntries int `toml:"max_entries"`
}

// Notifications configures ntfy alerts for failures and store outages.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
}

// Stage configures the worker process launched for one pipeline stage.
type Stage struct {
	Enabled bool     `toml:"enabled"`
	Command string   `toml:"command"`
	Args    []string `toml:"args"`
	Timeout int      `toml:"timeout"`
}

// Stages groups the per-stage worker settings.
type Stages struct {
	Fetch   Stage `toml:"fetch"`
	Radon   Stage `toml:"radon"`
	Augment Stage `toml:"augment"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format         string            `toml:"format"`
	Level          string            `toml:"level"`
	RetentionDays  int               `toml:"retention_days"`
	StageOverrides map[string]string `toml:"stage_overrides"`
}

// Config encapsulates all configuration values for radonflow.
//
// Configuration sections by subsystem:
//   - Paths: data and log directories plus the control API bind address and token
//   - Catalog: database location, probability threshold, band set
//   - Dispatch: control loop cadence, concurrency, lease timing
//   - Retry: attempt budget and exponential backoff
//   - Aggregation: convergence cap for rotation measurements
//   - Cache: status cache TTL and size
//   - Stages: worker command per stage
//   - Logging: log format, level, and retention
//   - Notifications: optional ntfy topic for alerts
type Config struct {
	Paths         Paths         `toml:"paths"`
	Catalog       Catalog       `toml:"catalog"`
	Dispatch      Dispatch      `toml:"dispatch"`
	Retry         Retry         `toml:"retry"`
	Aggregation   Aggregation   `toml:"aggregation"`
	Cache         Cache         `toml:"cache"`
	Stages        Stages        `toml:"stages"`
	Logging       Logging       `toml:"logging"`
	Notifications Notifications `toml:"notifications"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/radonflow/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	projectPath, err := filepath.Abs("radonflow.toml")
	if err != nil {
		return "", false, err
	}
	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}
	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Paths.DataDir, c.Paths.LogDir}
	if dir := filepath.Dir(c.Catalog.Path); dir != "" && dir != "." {
		dirs = append(dirs, dir)
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// StageConfig returns the worker configuration for the named stage.
func (c *Config) StageConfig(name string) (Stage, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case StageFetch:
		return c.Stages.Fetch, true
	case StageRadon:
		return c.Stages.Radon, true
	case StageAugment:
		return c.Stages.Augment, true
	default:
		return Stage{}, false
	}
}

// StageEnabled reports whether the control loop should dispatch the named stage.
func (c *Config) StageEnabled(name string) bool {
	stage, ok := c.StageConfig(name)
	return ok && stage.Enabled
}

// StageTimeout returns the worker deadline for the named stage.
func (c *Config) StageTimeout(name string) time.Duration {
	stage, ok := c.StageConfig(name)
	if !ok || stage.Timeout <= 0 {
		return time.Duration(defaultStageTimeout) * time.Second
	}
	return time.Duration(stage.Timeout) * time.Second
}

// PollInterval returns the control loop period.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Dispatch.PollInterval) * time.Second
}

// LeaseTTL returns how long a granted lease stays valid without renewal.
func (c *Config) LeaseTTL() time.Duration {
	return time.Duration(c.Dispatch.LeaseTTL) * time.Second
}

// LeaseRenewInterval returns how often held leases are extended.
func (c *Config) LeaseRenewInterval() time.Duration {
	return time.Duration(c.Dispatch.LeaseRenewInterval) * time.Second
}

// CacheTTL returns the default lifetime of cached status entries.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTL) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
