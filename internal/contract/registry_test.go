package contract

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewRegistryDiscoversSkills(t *testing.T) {
	root := t.TempDir()
	skillDir := filepath.Join(root, "summary_health_mock")
	if err := os.MkdirAll(skillDir, 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writeContract(t, skillDir, `
name: summary_health_mock
scripts:
  - run.tcl
outputs:
  - path: summary_health.txt
    non_empty: true
`)

	reg, err := NewRegistry(root)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	skill, ok := reg.Get("summary_health_mock")
	if !ok {
		t.Fatal("expected skill to be discovered")
	}
	if skill.Dir != skillDir {
		t.Errorf("expected dir %s, got %s", skillDir, skill.Dir)
	}
}

func TestNewRegistryToleratesMissingRoot(t *testing.T) {
	reg, err := NewRegistry(filepath.Join(t.TempDir(), "does-not-exist"))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if len(reg.Names()) != 0 {
		t.Errorf("expected no skills, got %v", reg.Names())
	}
}

func TestNewRegistrySkipsMalformedContract(t *testing.T) {
	root := t.TempDir()
	skillDir := filepath.Join(root, "bad")
	if err := os.MkdirAll(skillDir, 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writeContract(t, skillDir, "outputs: [unterminated")

	reg, err := NewRegistry(root)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if len(reg.Names()) != 0 {
		t.Errorf("expected malformed skill to be skipped, got %v", reg.Names())
	}
}
