package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 9999\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_SearchPath(t *testing.T) {
	// When no config exists anywhere, should error. Override
	// searchPathsFunc to avoid finding real config files on
	// developer/deploy machines (~/.config/msghub/config.yaml, etc.).
	dir := t.TempDir()
	orig := searchPathsFunc
	searchPathsFunc = func() []string {
		return []string{filepath.Join(dir, "config.yaml")}
	}
	defer func() { searchPathsFunc = orig }()

	_, err := FindConfig("")
	if err == nil {
		t.Fatal("FindConfig(\"\") with no config files should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 8080\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("data_dir: ${MSGHUB_TEST_DATA_DIR}\n"), 0600)
	os.Setenv("MSGHUB_TEST_DATA_DIR", "/tmp/msghub-test-data")
	defer os.Unsetenv("MSGHUB_TEST_DATA_DIR")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.DataDir != "/tmp/msghub-test-data" {
		t.Errorf("data_dir = %q, want %q", cfg.DataDir, "/tmp/msghub-test-data")
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("data_dir: /tmp/msghub\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.PruneIntervalMs != 30_000 {
		t.Errorf("prune_interval_ms = %d, want 30000", cfg.PruneIntervalMs)
	}
	if cfg.NotifierIntervalMs != 10_000 {
		t.Errorf("notifier_interval_ms = %d, want 10000", cfg.NotifierIntervalMs)
	}
	if cfg.Storage.FileName != "messages.json" {
		t.Errorf("storage.file_name = %q, want messages.json", cfg.Storage.FileName)
	}
	if cfg.Archive.FileExtension != ".jsonl" {
		t.Errorf("archive.file_extension = %q, want .jsonl", cfg.Archive.FileExtension)
	}
	if cfg.Storage.BaseDir != filepath.Join("/tmp/msghub", "storage") {
		t.Errorf("storage.base_dir = %q", cfg.Storage.BaseDir)
	}
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default() should validate cleanly: %v", err)
	}
}

func TestValidate_ListenPortOutOfRange(t *testing.T) {
	cfg := Default()
	cfg.Listen.Port = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for listen.port=0")
	}
	cfg.Listen.Port = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for listen.port=70000")
	}
}

func TestValidate_NegativeIntervalsRejected(t *testing.T) {
	cfg := Default()
	cfg.PruneIntervalMs = -1
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for negative prune_interval_ms")
	}
}

func TestValidate_QuietHoursClock(t *testing.T) {
	cfg := Default()
	cfg.Quiet.Enabled = true
	cfg.Quiet.Start = "not-a-time"
	cfg.Quiet.End = "22:00"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for malformed quiet_hours.start")
	}

	cfg.Quiet.Start = "08:00"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}

func TestValidate_UnknownLogLevel(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "verbose"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for unknown log level")
	}
}

func TestLoad_NotifierIntervalOmittedUsesDefault(t *testing.T) {
	// Load keeps an explicit notifier_interval_ms: 0 (which disables the
	// due-poll loop) and applies the 10000 default only when the key is
	// omitted. This test covers the omitted case.
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("data_dir: /tmp/msghub\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.NotifierIntervalMs != 10_000 {
		t.Errorf("notifier_interval_ms = %d, want default 10000", cfg.NotifierIntervalMs)
	}
}
