// Package config loads replayd settings from an optional YAML file overlaid
// with environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zsiec/replay/internal/index"
)

// Disabled turns off the timeline cache when used as CacheDB.
const Disabled = "off"

// Config holds every replayd setting.
type Config struct {
	Debug bool `yaml:"debug"`

	ControlAddr string `yaml:"control_addr"`
	APIAddr     string `yaml:"api_addr"`
	SRTAddr     string `yaml:"srt_addr"`

	MediaRoot string `yaml:"media_root"`
	// CacheDB is the SQLite timeline cache path, or Disabled.
	CacheDB string `yaml:"cache_db"`

	Strategy        string  `yaml:"strategy"`
	MemoryBudget    int64   `yaml:"memory_budget"`
	PrecisionTarget float64 `yaml:"precision_target"`
	RefineWindow    float64 `yaml:"refine_window"`
	FFProbePath     string  `yaml:"ffprobe_path"`

	MinRate        float64 `yaml:"min_rate"`
	MaxRate        float64 `yaml:"max_rate"`
	BaseQueueDepth int     `yaml:"base_queue_depth"`

	RequestTimeout time.Duration `yaml:"request_timeout"`

	CertFile     string        `yaml:"cert_file"`
	KeyFile      string        `yaml:"key_file"`
	CertValidity time.Duration `yaml:"cert_validity"`
}

// Load reads the YAML file at path, applies environment overrides through
// getenv and validates the result. An empty path or a missing file yields
// the defaults.
func Load(path string, getenv func(string) string) (Config, error) {
	var c Config
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return c, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &c); err != nil {
				return c, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	if getenv != nil {
		if err := c.applyEnv(getenv); err != nil {
			return c, err
		}
	}
	return c, c.Validate()
}

func (c *Config) applyEnv(getenv func(string) string) error {
	envOr := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	envOr("CONTROL_ADDR", &c.ControlAddr)
	envOr("API_ADDR", &c.APIAddr)
	envOr("SRT_ADDR", &c.SRTAddr)
	envOr("MEDIA_ROOT", &c.MediaRoot)
	envOr("CACHE_DB", &c.CacheDB)
	envOr("INDEX_STRATEGY", &c.Strategy)
	envOr("FFPROBE_PATH", &c.FFProbePath)
	envOr("CERT_FILE", &c.CertFile)
	envOr("KEY_FILE", &c.KeyFile)

	if getenv("DEBUG") != "" {
		c.Debug = true
	}
	if v := getenv("MEMORY_BUDGET"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("MEMORY_BUDGET: %w", err)
		}
		c.MemoryBudget = n
	}
	if v := getenv("PRECISION_TARGET"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("PRECISION_TARGET: %w", err)
		}
		c.PrecisionTarget = f
	}
	return nil
}

// Validate fills defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	setDefault(&c.ControlAddr, ":4443")
	setDefault(&c.APIAddr, ":4444")
	setDefault(&c.SRTAddr, ":6000")
	setDefault(&c.MediaRoot, "media")
	setDefault(&c.CacheDB, "replay.db")
	setDefault(&c.FFProbePath, "ffprobe")
	if c.MinRate == 0 {
		c.MinRate = 0.25
	}
	if c.MaxRate == 0 {
		c.MaxRate = 4.0
	}
	if c.BaseQueueDepth == 0 {
		c.BaseQueueDepth = 8
	}
	if c.RefineWindow == 0 {
		c.RefineWindow = 30
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.CertValidity == 0 {
		c.CertValidity = 14 * 24 * time.Hour
	}

	if _, err := index.ParseStrategy(c.Strategy); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	switch {
	case c.MemoryBudget < 0:
		return fmt.Errorf("config: memory_budget %d is negative", c.MemoryBudget)
	case c.PrecisionTarget < 0:
		return fmt.Errorf("config: precision_target %g is negative", c.PrecisionTarget)
	case c.MinRate < 0 || c.MaxRate < c.MinRate:
		return fmt.Errorf("config: rate range [%g, %g] is invalid", c.MinRate, c.MaxRate)
	case c.BaseQueueDepth < 1:
		return fmt.Errorf("config: base_queue_depth %d is below 1", c.BaseQueueDepth)
	case (c.CertFile == "") != (c.KeyFile == ""):
		return errors.New("config: cert_file and key_file must be set together")
	}
	return nil
}

// IndexStrategy returns the configured index strategy.
func (c Config) IndexStrategy() index.Strategy {
	s, _ := index.ParseStrategy(c.Strategy)
	return s
}

// CacheEnabled reports whether the timeline cache is on.
func (c Config) CacheEnabled() bool {
	return c.CacheDB != Disabled
}

func setDefault(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}
