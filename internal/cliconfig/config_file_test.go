package cliconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTOML(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFileConfig(t *testing.T) {
	path := writeTOML(t, `
log_path = "/data/index.wal"
snapshot_dir = "/data/snaps"
retain = 5
sync_mode = "disabled"
interleaved = true
debounce = "1s"
`)

	fc, err := LoadFileConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if fc.LogPath != "/data/index.wal" || fc.SnapshotDir != "/data/snaps" {
		t.Errorf("paths = %q, %q", fc.LogPath, fc.SnapshotDir)
	}
	if fc.Retain != 5 || fc.SyncMode != "disabled" || fc.Debounce != "1s" {
		t.Errorf("fc = %+v", fc)
	}
	if fc.Interleaved == nil || !*fc.Interleaved {
		t.Error("interleaved not parsed")
	}
}

func TestLoadFileConfigErrors(t *testing.T) {
	if _, err := LoadFileConfig(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("missing file: want error")
	}
	path := writeTOML(t, "log_path = [not toml")
	if _, err := LoadFileConfig(path); err == nil {
		t.Error("malformed file: want error")
	}
}

func TestApplyFileConfig(t *testing.T) {
	cfg := DefaultConfig()
	tr := true
	fc := FileConfig{
		LogPath:     "/file/index.wal",
		Retain:      7,
		SyncMode:    "disabled",
		Debounce:    "2s",
		Interleaved: &tr,
	}

	if err := ApplyFileConfig(&cfg, fc, map[string]bool{}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if cfg.LogPath != "/file/index.wal" || cfg.Retain != 7 || cfg.SyncMode != "disabled" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Debounce != 2*time.Second || !cfg.Interleaved {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestApplyFileConfigRespectsFlags(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogPath = "/flag/index.wal"
	cfg.Retain = 9

	fc := FileConfig{LogPath: "/file/index.wal", Retain: 7}
	changed := map[string]bool{"log": true, "retain": true}
	if err := ApplyFileConfig(&cfg, fc, changed); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if cfg.LogPath != "/flag/index.wal" || cfg.Retain != 9 {
		t.Errorf("flag values overwritten: %+v", cfg)
	}
}

func TestApplyFileConfigBadDuration(t *testing.T) {
	cfg := DefaultConfig()
	fc := FileConfig{Debounce: "not-a-duration"}
	if err := ApplyFileConfig(&cfg, fc, map[string]bool{}); err == nil {
		t.Error("want error for bad duration")
	}
}
