package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Session.HeartbeatTimeoutSec != 30 {
		t.Errorf("expected heartbeat timeout 30, got %d", cfg.Session.HeartbeatTimeoutSec)
	}
	if cfg.Session.DefaultAckTimeoutSec != 120 {
		t.Errorf("expected default ack timeout 120, got %d", cfg.Session.DefaultAckTimeoutSec)
	}
	if cfg.Locator.MaxScanDepth != 3 {
		t.Errorf("expected scan depth 3, got %d", cfg.Locator.MaxScanDepth)
	}
	if cfg.Bundle.TailLines != 2000 {
		t.Errorf("expected bundle tail 2000, got %d", cfg.Bundle.TailLines)
	}
	if cfg.Launchers.Default != "local" {
		t.Errorf("expected default launcher local, got %s", cfg.Launchers.Default)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(filepath.Join(dir, "missing.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Session.HeartbeatTimeoutSec != 30 {
		t.Errorf("expected default config, got %+v", cfg)
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "skillpilot.json")

	cfg := DefaultConfig()
	cfg.SkillRoot = "/opt/skills"
	cfg.Locator.MaxScanDepth = 5

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.SkillRoot != "/opt/skills" {
		t.Errorf("expected skillRoot /opt/skills, got %s", loaded.SkillRoot)
	}
	if loaded.Locator.MaxScanDepth != 5 {
		t.Errorf("expected scan depth 5, got %d", loaded.Locator.MaxScanDepth)
	}
}

func TestLoadRejectsInvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o640); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}
