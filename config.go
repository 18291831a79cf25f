// Package bitforge is the top-level package: it holds the configuration
// loader. The CLI shell that drives the session package is cmd/bitforge.
package bitforge

import (
	"io/ioutil"
	"os"
	"time"

	"gopkg.in/yaml.v1"
)

// Config holds every tunable the engine core consumes, per the External
// Interfaces table: directory layout, port assignment, per-torrent
// worker/connection limits, and the re-announce cadence.
type Config struct {
	DownloadDirectory string `yaml:"download_directory"`
	Database          string `yaml:"database"`

	BaseListenPort          int `yaml:"base_listen_port"`
	MaxConcurrentDownloads  int `yaml:"max_concurrent_downloads"`
	MaxConcurrentUploads    int `yaml:"max_concurrent_uploads"`
	AnnounceIntervalMinutes int `yaml:"announce_interval_minutes"`

	// Ambient knobs not named in the External Interfaces table but
	// required to drive the components that table's fields configure.
	TrackerTimeoutSeconds int `yaml:"tracker_timeout_seconds"`
	MaxPortProbeAttempts  int `yaml:"max_port_probe_attempts"`
}

// AnnounceInterval returns the configured announce cadence as a
// time.Duration; zero means "use the announcer package's own default".
func (c *Config) AnnounceInterval() time.Duration {
	if c.AnnounceIntervalMinutes <= 0 {
		return 0
	}
	return time.Duration(c.AnnounceIntervalMinutes) * time.Minute
}

// TrackerTimeout returns the configured tracker transport timeout.
func (c *Config) TrackerTimeout() time.Duration {
	if c.TrackerTimeoutSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.TrackerTimeoutSeconds) * time.Second
}

// DefaultConfig mirrors the spec's External Interfaces defaults.
var DefaultConfig = Config{
	DownloadDirectory:       "~/rain/downloads",
	Database:                "~/rain/session.db",
	BaseListenPort:          6881,
	MaxConcurrentDownloads:  48,
	MaxConcurrentUploads:    10,
	AnnounceIntervalMinutes: 1,
	TrackerTimeoutSeconds:   15,
	MaxPortProbeAttempts:    16,
}

// LoadConfig reads filename as YAML over a copy of DefaultConfig; a
// missing file is not an error.
func LoadConfig(filename string) (*Config, error) {
	c := DefaultConfig
	b, err := ioutil.ReadFile(filename)
	if os.IsNotExist(err) {
		return &c, nil
	}
	if err != nil {
		return nil, err
	}
	if err = yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	return &c, nil
}
