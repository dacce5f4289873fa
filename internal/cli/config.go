package cli

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/imrishuroy/go-idempotent-reportsync/internal/agent"
	"github.com/imrishuroy/go-idempotent-reportsync/internal/lifecycle"
	"github.com/imrishuroy/go-idempotent-reportsync/internal/logging"
	"github.com/imrishuroy/go-idempotent-reportsync/internal/outbox"
)

// Config is the agent configuration file.
type Config struct {
	ServerURL      string        `yaml:"server_url"`
	Token          string        `yaml:"token"`
	DBPath         string        `yaml:"db_path"`
	SyncInterval   time.Duration `yaml:"sync_interval"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	Backoff struct {
		Base    time.Duration `yaml:"base"`
		Ceiling time.Duration `yaml:"ceiling"`
		Jitter  bool          `yaml:"jitter"`
	} `yaml:"backoff"`
	MaxSubmissionAttempts int `yaml:"max_submission_attempts"`
	MaxUploadAttempts     int `yaml:"max_upload_attempts"`
	BatchSize             int `yaml:"batch_size"`

	Limits struct {
		MaxPhotos int `yaml:"max_photos"`
		MaxVideos int `yaml:"max_videos"`
	} `yaml:"limits"`

	Log struct {
		Level      string `yaml:"level"`
		File       string `yaml:"file"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
	} `yaml:"log"`
}

// DefaultConfig returns the settings used when the file leaves a value out.
func DefaultConfig() Config {
	var c Config
	c.DBPath = "reportsync-outbox.db"
	c.SyncInterval = 30 * time.Second
	c.RequestTimeout = 30 * time.Second
	c.Backoff.Base = time.Second
	c.Backoff.Ceiling = 10 * time.Second
	c.Backoff.Jitter = true
	c.MaxSubmissionAttempts = 10
	c.MaxUploadAttempts = 5
	c.BatchSize = 20
	c.Limits.MaxPhotos = 3
	c.Limits.MaxVideos = 1
	c.Log.Level = "info"
	c.Log.File = "reportsync-agent.log"
	return c
}

// LoadConfig reads path over the defaults. A missing file is not an error
// unless required is set; unknown keys are.
func LoadConfig(path string, required bool) (Config, error) {
	c := DefaultConfig()
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) && !required {
		return c, nil
	}
	if err != nil {
		return c, fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return c, fmt.Errorf("parse config %s: %w", path, err)
	}
	return c, c.Validate()
}

// Validate rejects settings the sync loop cannot run with.
func (c Config) Validate() error {
	switch {
	case c.DBPath == "":
		return errors.New("config: db_path is required")
	case c.MaxSubmissionAttempts < 1, c.MaxUploadAttempts < 1:
		return errors.New("config: attempt limits must be >= 1")
	case c.Backoff.Base <= 0 || c.Backoff.Ceiling < c.Backoff.Base:
		return errors.New("config: backoff.base must be > 0 and <= backoff.ceiling")
	case c.SyncInterval <= 0:
		return errors.New("config: sync_interval must be > 0")
	}
	return nil
}

func (c Config) syncConfig() agent.Config {
	return agent.Config{
		Backoff:               lifecycle.Backoff{Base: c.Backoff.Base, Ceiling: c.Backoff.Ceiling, Jitter: c.Backoff.Jitter},
		MaxSubmissionAttempts: c.MaxSubmissionAttempts,
		MaxUploadAttempts:     c.MaxUploadAttempts,
		BatchSize:             c.BatchSize,
	}
}

func (c Config) limits() outbox.Limits {
	return outbox.Limits{MaxPhotos: c.Limits.MaxPhotos, MaxVideos: c.Limits.MaxVideos}
}

func (c Config) logging(verbose bool) logging.Config {
	lc := logging.Config{
		Level:      c.Log.Level,
		Component:  "agent",
		FilePath:   c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
		Compress:   true,
	}
	if verbose {
		lc.Level = "debug"
	}
	return lc
}
