package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
)

func TestLoadFileMissingIsNotAnError(t *testing.T) {
	v := viper.New()
	if err := LoadFile(v, filepath.Join(t.TempDir(), "absent.jsonc")); err != nil {
		t.Fatalf("LoadFile on a missing file: %v", err)
	}
}

func TestLoadFileAcceptsCommentsAndTrailingCommas(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kvsd.jsonc")
	content := `{
		// jobs directory
		"jobs_dir": "/var/kvsd/jobs",
		"max_threads": 4,
		"max_backups": 2, // trailing comma tolerated
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	v := viper.New()
	if err := LoadFile(v, path); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	cfg := Load(v)
	if cfg.JobsDir != "/var/kvsd/jobs" || cfg.MaxThreads != 4 || cfg.MaxBackups != 2 {
		t.Fatalf("unexpected config from file: %+v", cfg)
	}
}

func TestLoadFileNeverOverridesAlreadyBoundValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kvsd.jsonc")
	if err := os.WriteFile(path, []byte(`{"max_threads": 99}`), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	v := viper.New()
	v.Set("max_threads", 3) // simulates a flag already bound at a higher priority

	if err := LoadFile(v, path); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if got := Load(v).MaxThreads; got != 3 {
		t.Fatalf("file value leaked over a bound flag: got %d, want 3", got)
	}
}

func TestLoadFileRejectsInvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kvsd.jsonc")
	if err := os.WriteFile(path, []byte(`{not json`), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	v := viper.New()
	if err := LoadFile(v, path); err == nil {
		t.Fatalf("expected an error decoding malformed JSONC")
	}
}
