package cli

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"seqruncore/internal/config"
	"seqruncore/internal/core"
)

func discardLogger() core.SlogLogger {
	return core.SlogLogger{L: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func TestRootCommandHasSubcommands(t *testing.T) {
	cmd := NewRootCommand()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	for _, want := range []string{"serve", "version"} {
		if !names[want] {
			t.Fatalf("missing subcommand %q", want)
		}
	}
}

func TestVersionCommandPrints(t *testing.T) {
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.HasPrefix(out.String(), "seqrund ") {
		t.Fatalf("unexpected output: %q", out.String())
	}
}

func TestBuildServiceWithMemoryDriverAndDryRun(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Driver = "memory"
	cfg.Events.DryRun = true
	cfg.Archive.Driver = "memory"

	svc, closeFn, err := buildService(context.Background(), cfg, discardLogger(), nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer closeFn()
	if svc == nil || svc.Store() == nil {
		t.Fatalf("service not wired")
	}
}

func TestBuildServiceSQLiteDriver(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.SQLitePath = t.TempDir() + "/state.db"

	svc, closeFn, err := buildService(context.Background(), cfg, discardLogger(), prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer closeFn()
	if svc == nil {
		t.Fatalf("service not built")
	}
}

func TestBuildServiceRejectsUnknownDrivers(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Driver = "dynamo"
	if _, _, err := buildService(context.Background(), cfg, discardLogger(), nil); err == nil {
		t.Fatalf("unknown storage driver must error")
	}

	cfg = config.Default()
	cfg.Storage.Driver = "memory"
	cfg.Archive.Driver = "gcs"
	if _, _, err := buildService(context.Background(), cfg, discardLogger(), nil); err == nil {
		t.Fatalf("unknown archive driver must error")
	}
}
