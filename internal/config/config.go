// Package config loads the daemon configuration from a YAML file with
// environment variable overrides. Environment always wins over the file, so
// deployments can ship one file and vary secrets per environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds the full daemon configuration.
type Config struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Storage StorageConfig `yaml:"storage"`
	Events  EventsConfig  `yaml:"events"`
	Queue   QueueConfig   `yaml:"queue"`
	Archive ArchiveConfig `yaml:"archive"`
	Vendor  VendorConfig  `yaml:"vendor"`
}

// MetricsConfig configures the metrics listener.
type MetricsConfig struct {
	Addr string `yaml:"addr"` // default :9090, empty string after override disables
}

// StorageConfig selects and configures the persistent store.
type StorageConfig struct {
	Driver      string `yaml:"driver"` // memory|sqlite|postgres
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// EventsConfig configures the outbound event bus.
type EventsConfig struct {
	BusName  string `yaml:"bus_name"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
	DryRun   bool   `yaml:"dry_run"` // capture events in memory instead of EventBridge
}

// QueueConfig configures the inbound SQS consumer.
type QueueConfig struct {
	URL         string `yaml:"url"`
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint"`
	WaitSeconds int32  `yaml:"wait_seconds"`
	BatchSize   int32  `yaml:"batch_size"`
}

// ArchiveConfig configures the sample sheet archive.
type ArchiveConfig struct {
	Driver   string `yaml:"driver"` // fs|s3|memory, empty disables archiving
	Root     string `yaml:"root"`
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

// VendorConfig configures the run-file API client.
type VendorConfig struct {
	Token string `yaml:"token"`
}

// Default returns the configuration used when no file and no environment are
// present.
func Default() Config {
	return Config{
		Metrics: MetricsConfig{Addr: ":9090"},
		Storage: StorageConfig{Driver: "sqlite", SQLitePath: "seqruncore.db"},
		Queue:   QueueConfig{WaitSeconds: 20, BatchSize: 10},
	}
}

// Load reads the file at path, falling back to defaults when path is empty or
// the file does not exist, then applies environment overrides. A malformed
// file is an error, a missing one is not.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return Config{}, err
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	overrideString(&c.Metrics.Addr, "SEQRUNCORE_METRICS_ADDR")
	overrideString(&c.Storage.Driver, "SEQRUNCORE_STORAGE_DRIVER")
	overrideString(&c.Storage.SQLitePath, "SEQRUNCORE_SQLITE_PATH")
	overrideString(&c.Storage.PostgresDSN, "SEQRUNCORE_POSTGRES_DSN")
	overrideString(&c.Events.BusName, "SEQRUNCORE_EVENT_BUS_NAME")
	overrideString(&c.Events.Region, "SEQRUNCORE_EVENTBRIDGE_REGION")
	overrideString(&c.Events.Endpoint, "SEQRUNCORE_EVENTBRIDGE_ENDPOINT")
	overrideBool(&c.Events.DryRun, "SEQRUNCORE_EVENTS_DRY_RUN")
	overrideString(&c.Queue.URL, "SEQRUNCORE_SQS_QUEUE_URL")
	overrideString(&c.Queue.Region, "SEQRUNCORE_SQS_REGION")
	overrideString(&c.Queue.Endpoint, "SEQRUNCORE_SQS_ENDPOINT")
	overrideString(&c.Archive.Driver, "SEQRUNCORE_ARCHIVE_DRIVER")
	overrideString(&c.Archive.Root, "SEQRUNCORE_ARCHIVE_FS_ROOT")
	overrideString(&c.Archive.Bucket, "SEQRUNCORE_ARCHIVE_S3_BUCKET")
	overrideString(&c.Archive.Region, "SEQRUNCORE_ARCHIVE_S3_REGION")
	overrideString(&c.Archive.Endpoint, "SEQRUNCORE_ARCHIVE_S3_ENDPOINT")
	overrideString(&c.Vendor.Token, "SEQRUNCORE_RUNFILES_TOKEN")
}

func overrideString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func overrideBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseBool(v); err == nil {
			*dst = parsed
		}
	}
}
