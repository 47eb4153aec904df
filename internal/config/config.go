// Package config holds the application settings of the result archive.
// Values come from an optional YAML file named by RUBBERBAND_CONFIG_FILE and
// are overridden by environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/animus-labs/rubberband/internal/platform/env"
	"github.com/animus-labs/rubberband/internal/vcs/gitlab"
	"github.com/dustin/go-humanize"
	"github.com/gorhill/cronexpr"
	"gopkg.in/yaml.v3"
)

type Config struct {
	ScratchDir        string
	BaseURL           string
	GlobalSoluFile    string
	ReadersFile       string
	AnalysisCommand   []string
	ParseTimeout      time.Duration
	WriteTimeout      time.Duration
	SweepSchedule     string
	IngestConcurrency int
	MaxUploadBytes    int64

	GitLab     gitlab.Config
	ProjectIDs map[string]string
}

type fileConfig struct {
	ScratchDir        string   `yaml:"scratch_dir"`
	BaseURL           string   `yaml:"base_url"`
	GlobalSoluFile    string   `yaml:"solu_file"`
	ReadersFile       string   `yaml:"readers_file"`
	AnalysisCommand   []string `yaml:"analysis_command"`
	ParseTimeout      string   `yaml:"parse_timeout"`
	WriteTimeout      string   `yaml:"write_timeout"`
	SweepSchedule     string   `yaml:"sweep_schedule"`
	IngestConcurrency int      `yaml:"ingest_concurrency"`
	MaxUploadSize     string   `yaml:"max_upload_size"`
	GitLab            struct {
		URL        string            `yaml:"url"`
		Token      string            `yaml:"token"`
		Timeout    string            `yaml:"timeout"`
		ProjectIDs map[string]string `yaml:"project_ids"`
	} `yaml:"gitlab"`
}

func Defaults() Config {
	return Config{
		ScratchDir:        filepath.Join(os.TempDir(), "rubberband"),
		BaseURL:           "http://localhost:8080",
		AnalysisCommand:   []string{"rubberband-analyze"},
		ParseTimeout:      10 * time.Minute,
		WriteTimeout:      30 * time.Second,
		SweepSchedule:     "@daily",
		IngestConcurrency: 4,
		MaxUploadBytes:    512 << 20,
		ProjectIDs:        map[string]string{},
	}
}

// Load reads the YAML file, if any, then applies environment overrides.
func Load() (Config, error) {
	cfg := Defaults()
	if path := strings.TrimSpace(env.String("RUBBERBAND_CONFIG_FILE", "")); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := cfg.applyYAML(data); err != nil {
			return Config{}, fmt.Errorf("config file %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyYAML(data []byte) error {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return err
	}
	setString(&c.ScratchDir, fc.ScratchDir)
	setString(&c.BaseURL, fc.BaseURL)
	setString(&c.GlobalSoluFile, fc.GlobalSoluFile)
	setString(&c.ReadersFile, fc.ReadersFile)
	setString(&c.SweepSchedule, fc.SweepSchedule)
	if len(fc.AnalysisCommand) > 0 {
		c.AnalysisCommand = fc.AnalysisCommand
	}
	if fc.IngestConcurrency > 0 {
		c.IngestConcurrency = fc.IngestConcurrency
	}
	for field, raw := range map[*time.Duration]string{
		&c.ParseTimeout:   fc.ParseTimeout,
		&c.WriteTimeout:   fc.WriteTimeout,
		&c.GitLab.Timeout: fc.GitLab.Timeout,
	} {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return err
		}
		*field = d
	}
	if strings.TrimSpace(fc.MaxUploadSize) != "" {
		n, err := humanize.ParseBytes(fc.MaxUploadSize)
		if err != nil {
			return fmt.Errorf("max_upload_size: %w", err)
		}
		c.MaxUploadBytes = int64(n)
	}
	setString(&c.GitLab.BaseURL, fc.GitLab.URL)
	setString(&c.GitLab.Token, fc.GitLab.Token)
	for solver, id := range fc.GitLab.ProjectIDs {
		c.ProjectIDs[strings.ToLower(strings.TrimSpace(solver))] = strings.TrimSpace(id)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.ScratchDir = env.String("RUBBERBAND_SCRATCH_DIR", c.ScratchDir)
	c.BaseURL = env.String("RUBBERBAND_BASE_URL", c.BaseURL)
	c.GlobalSoluFile = env.String("RUBBERBAND_SOLU_FILE", c.GlobalSoluFile)
	c.ReadersFile = env.String("RUBBERBAND_READERS_FILE", c.ReadersFile)
	c.SweepSchedule = env.String("RUBBERBAND_SWEEP_SCHEDULE", c.SweepSchedule)
	if raw := strings.TrimSpace(env.String("RUBBERBAND_ANALYSIS_COMMAND", "")); raw != "" {
		c.AnalysisCommand = strings.Fields(raw)
	}

	var err error
	if c.ParseTimeout, err = env.Duration("RUBBERBAND_PARSE_TIMEOUT", c.ParseTimeout); err != nil {
		return err
	}
	if c.WriteTimeout, err = env.Duration("RUBBERBAND_WRITE_TIMEOUT", c.WriteTimeout); err != nil {
		return err
	}
	if c.IngestConcurrency, err = env.Int("RUBBERBAND_INGEST_CONCURRENCY", c.IngestConcurrency); err != nil {
		return err
	}
	if raw := strings.TrimSpace(env.String("RUBBERBAND_MAX_UPLOAD_SIZE", "")); raw != "" {
		n, err := humanize.ParseBytes(raw)
		if err != nil {
			return fmt.Errorf("parse RUBBERBAND_MAX_UPLOAD_SIZE: %w", err)
		}
		c.MaxUploadBytes = int64(n)
	}

	c.GitLab.BaseURL = env.String("RUBBERBAND_GITLAB_URL", c.GitLab.BaseURL)
	c.GitLab.Token = env.String("RUBBERBAND_GITLAB_TOKEN", c.GitLab.Token)
	if c.GitLab.Timeout, err = env.Duration("RUBBERBAND_GITLAB_TIMEOUT", c.GitLab.Timeout); err != nil {
		return err
	}
	ids, err := env.StringMap("RUBBERBAND_GITLAB_PROJECT_IDS")
	if err != nil {
		return err
	}
	for solver, id := range ids {
		c.ProjectIDs[solver] = id
	}
	return nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ScratchDir) == "" {
		return errors.New("RUBBERBAND_SCRATCH_DIR is required")
	}
	if len(c.AnalysisCommand) == 0 {
		return errors.New("RUBBERBAND_ANALYSIS_COMMAND is required")
	}
	if c.ParseTimeout <= 0 || c.WriteTimeout <= 0 {
		return errors.New("parse and write timeouts must be positive")
	}
	if c.IngestConcurrency <= 0 {
		return fmt.Errorf("RUBBERBAND_INGEST_CONCURRENCY must be positive, got %d", c.IngestConcurrency)
	}
	if c.MaxUploadBytes <= 0 {
		return errors.New("RUBBERBAND_MAX_UPLOAD_SIZE must be positive")
	}
	if _, err := cronexpr.Parse(c.SweepSchedule); err != nil {
		return fmt.Errorf("RUBBERBAND_SWEEP_SCHEDULE: %w", err)
	}
	return c.GitLab.Validate()
}

// ProjectID returns the VCS project of a solver, matched case-insensitively.
func (c Config) ProjectID(solver string) (string, bool) {
	id, ok := c.ProjectIDs[strings.ToLower(strings.TrimSpace(solver))]
	return id, ok && id != ""
}

func setString(dst *string, v string) {
	if strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}
