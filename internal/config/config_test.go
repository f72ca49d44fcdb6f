package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seqrund.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.SQLitePath != "seqruncore.db" {
		t.Fatalf("unexpected storage defaults: %+v", cfg.Storage)
	}
	if cfg.Metrics.Addr != ":9090" {
		t.Fatalf("metrics addr = %q", cfg.Metrics.Addr)
	}
	if cfg.Queue.WaitSeconds != 20 || cfg.Queue.BatchSize != 10 {
		t.Fatalf("unexpected queue defaults: %+v", cfg.Queue)
	}
}

func TestLoadReadsYAML(t *testing.T) {
	path := writeFile(t, `
storage:
  driver: postgres
  postgres_dsn: postgres://db.internal/seqruncore
events:
  bus_name: main-bus
  region: ap-southeast-2
queue:
  url: https://sqs.ap-southeast-2.amazonaws.com/1/seqrun-events
archive:
  driver: s3
  bucket: seqrun-sheets
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.Driver != "postgres" || cfg.Storage.PostgresDSN != "postgres://db.internal/seqruncore" {
		t.Fatalf("storage not read: %+v", cfg.Storage)
	}
	if cfg.Events.BusName != "main-bus" {
		t.Fatalf("bus name = %q", cfg.Events.BusName)
	}
	if cfg.Archive.Bucket != "seqrun-sheets" {
		t.Fatalf("archive bucket = %q", cfg.Archive.Bucket)
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeFile(t, `
storage:
  driver: sqlite
  sqlite_path: /var/lib/seqrun/state.db
events:
  dry_run: false
`)
	t.Setenv("SEQRUNCORE_STORAGE_DRIVER", "memory")
	t.Setenv("SEQRUNCORE_EVENTS_DRY_RUN", "true")
	t.Setenv("SEQRUNCORE_RUNFILES_TOKEN", "tok-123")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.Driver != "memory" {
		t.Fatalf("env override lost: %+v", cfg.Storage)
	}
	if cfg.Storage.SQLitePath != "/var/lib/seqrun/state.db" {
		t.Fatalf("file value clobbered: %+v", cfg.Storage)
	}
	if !cfg.Events.DryRun {
		t.Fatalf("bool override lost")
	}
	if cfg.Vendor.Token != "tok-123" {
		t.Fatalf("token override lost")
	}
}

func TestLoadMalformedFileErrors(t *testing.T) {
	path := writeFile(t, "storage: [not a map")
	if _, err := Load(path); err == nil {
		t.Fatalf("malformed yaml must error")
	}
}
