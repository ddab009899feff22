package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	if err := c.normalizeCatalog(); err != nil {
		return err
	}
	c.normalizeStages()
	c.normalizeLogging()
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	return nil
}

func (c *Config) normalizePaths() error {
	if value, ok := os.LookupEnv("RADONFLOW_DATA_DIR"); ok && strings.TrimSpace(value) != "" {
		c.Paths.DataDir = strings.TrimSpace(value)
	}
	var err error
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = filepath.Join(c.Paths.DataDir, "logs")
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if value, ok := os.LookupEnv("RADONFLOW_API_TOKEN"); ok && strings.TrimSpace(value) != "" {
		c.Paths.APIToken = value
	}
	c.Paths.APIToken = strings.TrimSpace(c.Paths.APIToken)
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	if c.Paths.APIBind == "" {
		c.Paths.APIBind = defaultAPIBind
	}
	return nil
}

func (c *Config) normalizeCatalog() error {
	if strings.TrimSpace(c.Catalog.Path) == "" {
		c.Catalog.Path = filepath.Join(c.Paths.DataDir, defaultCatalogFile)
	}
	var err error
	if c.Catalog.Path, err = expandPath(c.Catalog.Path); err != nil {
		return fmt.Errorf("catalog.path: %w", err)
	}

	bands := make([]string, 0, len(c.Catalog.Bands))
	seen := make(map[string]struct{}, len(c.Catalog.Bands))
	for _, band := range c.Catalog.Bands {
		normalized := strings.ToLower(strings.TrimSpace(band))
		if normalized == "" {
			continue
		}
		if _, exists := seen[normalized]; exists {
			continue
		}
		seen[normalized] = struct{}{}
		bands = append(bands, normalized)
	}
	c.Catalog.Bands = bands
	return nil
}

func (c *Config) normalizeStages() {
	normalize := func(name string, stage *Stage) {
		stage.Command = strings.TrimSpace(stage.Command)
		if stage.Command == "" {
			stage.Command = fmt.Sprintf(defaultWorkerCommandPattern, name)
		}
		if stage.Timeout <= 0 {
			stage.Timeout = defaultStageTimeout
		}
	}
	normalize(StageFetch, &c.Stages.Fetch)
	normalize(StageRadon, &c.Stages.Radon)
	normalize(StageAugment, &c.Stages.Augment)
}

func (c *Config) normalizeLogging() {
	if value, ok := os.LookupEnv("RADONFLOW_LOG_LEVEL"); ok && strings.TrimSpace(value) != "" {
		c.Logging.Level = value
	}
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if len(c.Logging.StageOverrides) > 0 {
		overrides := make(map[string]string, len(c.Logging.StageOverrides))
		for stage, level := range c.Logging.StageOverrides {
			key := strings.ToLower(strings.TrimSpace(stage))
			value := strings.ToLower(strings.TrimSpace(level))
			if key == "" || value == "" {
				continue
			}
			overrides[key] = value
		}
		c.Logging.StageOverrides = overrides
	}
}
