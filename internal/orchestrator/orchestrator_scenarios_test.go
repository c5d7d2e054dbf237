package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/skillpilot/skillpilot/internal/config"
	"github.com/skillpilot/skillpilot/internal/contract"
	"github.com/skillpilot/skillpilot/internal/protocol"
	"github.com/skillpilot/skillpilot/internal/supervisor"
)

func fastConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Session.ReadyTimeoutSec = 5
	cfg.Session.RestoreTimeoutSec = 5
	cfg.Session.DefaultAckTimeoutSec = 5
	cfg.Session.HeartbeatTimeoutSec = 2
	cfg.Session.HealthPollIntervalMs = 20
	cfg.Session.AckPollIntervalMs = 10
	cfg.Session.StopGraceSec = 1
	cfg.Launchers.Default = "fake"
	return cfg
}

func writeDesignPair(t *testing.T, dir, name string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name+".enc"), []byte("descriptor"), 0o640); err != nil {
		t.Fatalf("write enc: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name+".enc.dat"), []byte("data"), 0o640); err != nil {
		t.Fatalf("write dat: %v", err)
	}
}

func writeSkill(t *testing.T, skillRoot, name, contractBody string) {
	t.Helper()
	dir := filepath.Join(skillRoot, name)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		t.Fatalf("mkdir skill: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "contract.yaml"), []byte(contractBody), 0o640); err != nil {
		t.Fatalf("write contract: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "run.tcl"), []byte("# writes reports when sourced\n"), 0o640); err != nil {
		t.Fatalf("write run.tcl: %v", err)
	}
}

// reportWritingExecute simulates a Skill script by writing the files a
// real Tcl script would have produced, deriving reports/ from the
// absolute scripts/ path the fake queue processor hands it.
func reportWritingExecute(t *testing.T, files map[string]string) func(string) error {
	return func(scriptPath string) error {
		if strings.Contains(scriptPath, "restore_wrapper") {
			return nil
		}
		runDir := filepath.Dir(filepath.Dir(scriptPath))
		reportsDir := filepath.Join(runDir, "reports")
		if err := os.MkdirAll(reportsDir, 0o750); err != nil {
			return err
		}
		for name, content := range files {
			if err := os.WriteFile(filepath.Join(reportsDir, name), []byte(content), 0o640); err != nil {
				return err
			}
		}
		return nil
	}
}

func TestHappyPathReachesPass(t *testing.T) {
	cwd := t.TempDir()
	writeDesignPair(t, cwd, "a")

	skillRoot := filepath.Join(cwd, "skills")
	writeSkill(t, skillRoot, "summary_health_mock", `
name: summary_health_mock
version: "1.0"
scripts:
  - run.tcl
outputs:
  - path: summary_health.txt
    non_empty: true
  - path: timing_health.txt
    non_empty: true
`)
	skills, err := contract.NewRegistry(skillRoot)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	launchers := supervisor.NewRegistry()
	launchers.Register("fake", &supervisor.FakeLauncher{
		HeartbeatInterval: 20 * time.Millisecond,
		Execute: reportWritingExecute(t, map[string]string{
			"summary_health.txt": "ok",
			"timing_health.txt":  "ok",
		}),
	})

	job := New(fastConfig(), cwd, launchers, skills)
	result, err := job.Run(context.Background(), SkillRequest{Query: "a", SkillName: "summary_health_mock"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Terminal == nil {
		t.Fatalf("expected terminal result, got %+v", result)
	}
	if result.Terminal.Status != protocol.StatusPass {
		t.Fatalf("expected PASS, got %s (error_type=%s)", result.Terminal.Status, result.Terminal.ErrorType)
	}

	events, err := protocol.ReadTimeline(filepath.Join(result.Terminal.RunDir, "job_timeline.jsonl"))
	if err != nil {
		t.Fatalf("ReadTimeline: %v", err)
	}
	last := events[len(events)-1]
	if last.Event != "DONE" {
		t.Errorf("expected terminal DONE event, got %s", last.Event)
	}
}

func TestMultiCandidatePausesThenResumes(t *testing.T) {
	cwd := t.TempDir()
	b1 := filepath.Join(cwd, "b1")
	b2 := filepath.Join(cwd, "b2")
	if err := os.MkdirAll(b1, 0o750); err != nil {
		t.Fatalf("mkdir b1: %v", err)
	}
	if err := os.MkdirAll(b2, 0o750); err != nil {
		t.Fatalf("mkdir b2: %v", err)
	}
	writeDesignPair(t, b1, "a")
	writeDesignPair(t, b2, "a")

	skillRoot := filepath.Join(cwd, "skills")
	writeSkill(t, skillRoot, "summary_health_mock", `
name: summary_health_mock
scripts:
  - run.tcl
outputs:
  - path: summary_health.txt
    non_empty: true
`)
	skills, err := contract.NewRegistry(skillRoot)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	launchers := supervisor.NewRegistry()
	launchers.Register("fake", &supervisor.FakeLauncher{
		HeartbeatInterval: 20 * time.Millisecond,
		Execute:           reportWritingExecute(t, map[string]string{"summary_health.txt": "ok"}),
	})

	job := New(fastConfig(), cwd, launchers, skills)
	result, err := job.Run(context.Background(), SkillRequest{Query: "a", SkillName: "summary_health_mock"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.AwaitingSelection == nil {
		t.Fatalf("expected awaiting selection, got %+v", result)
	}
	if len(result.AwaitingSelection.Candidates) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(result.AwaitingSelection.Candidates))
	}
	if result.AwaitingSelection.Candidates[0].EncPath != filepath.Join(b1, "a.enc") {
		t.Errorf("expected sorted candidates starting with b1, got %+v", result.AwaitingSelection.Candidates)
	}

	resumed, err := job.Resume(context.Background(), result.AwaitingSelection.Candidates, 1, SkillRequest{Query: "a", SkillName: "summary_health_mock"})
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.Terminal == nil || resumed.Terminal.Status != protocol.StatusPass {
		t.Fatalf("expected PASS after resume, got %+v", resumed)
	}
}

func TestLocatorFailureProducesBundleWithoutSession(t *testing.T) {
	cwd := t.TempDir()
	// c.enc exists without its .enc.dat companion.
	if err := os.WriteFile(filepath.Join(cwd, "c.enc"), []byte("descriptor"), 0o640); err != nil {
		t.Fatalf("write enc: %v", err)
	}

	skillRoot := filepath.Join(cwd, "skills")
	if err := os.MkdirAll(skillRoot, 0o750); err != nil {
		t.Fatalf("mkdir skills: %v", err)
	}
	skills, err := contract.NewRegistry(skillRoot)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	launchers := supervisor.NewRegistry()
	launchers.Register("fake", &supervisor.FakeLauncher{})

	job := New(fastConfig(), cwd, launchers, skills)
	result, err := job.Run(context.Background(), SkillRequest{Query: "c", SkillName: "nonexistent"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Terminal == nil || result.Terminal.Status != protocol.StatusFail {
		t.Fatalf("expected FAIL, got %+v", result)
	}
	if result.Terminal.ErrorType != protocol.ErrLocatorFail {
		t.Errorf("expected LOCATOR_FAIL, got %s", result.Terminal.ErrorType)
	}

	indexPath := filepath.Join(result.Terminal.RunDir, "debug_bundle", "index.json")
	if _, err := os.Stat(indexPath); err != nil {
		t.Fatalf("expected debug_bundle/index.json, got %v", err)
	}
}

func TestOutputMissingFailsValidation(t *testing.T) {
	cwd := t.TempDir()
	writeDesignPair(t, cwd, "a")

	skillRoot := filepath.Join(cwd, "skills")
	writeSkill(t, skillRoot, "summary_health_mock", `
name: summary_health_mock
scripts:
  - run.tcl
outputs:
  - path: summary_health.txt
    non_empty: true
`)
	skills, err := contract.NewRegistry(skillRoot)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	launchers := supervisor.NewRegistry()
	// Execute never writes the required report, simulating a Skill
	// script that fails to produce its declared output.
	launchers.Register("fake", &supervisor.FakeLauncher{
		HeartbeatInterval: 20 * time.Millisecond,
		Execute:           func(string) error { return nil },
	})

	job := New(fastConfig(), cwd, launchers, skills)
	result, err := job.Run(context.Background(), SkillRequest{Query: "a", SkillName: "summary_health_mock"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Terminal == nil || result.Terminal.ErrorType != protocol.ErrOutputMissing {
		t.Fatalf("expected OUTPUT_MISSING, got %+v", result)
	}
}

func TestRestoreFailureBundlesFailingAck(t *testing.T) {
	cwd := t.TempDir()
	writeDesignPair(t, cwd, "a")

	skillRoot := filepath.Join(cwd, "skills")
	writeSkill(t, skillRoot, "summary_health_mock", `
name: summary_health_mock
scripts:
  - run.tcl
outputs:
  - path: summary_health.txt
    non_empty: true
`)
	skills, err := contract.NewRegistry(skillRoot)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	launchers := supervisor.NewRegistry()
	launchers.Register("fake", &supervisor.FakeLauncher{
		HeartbeatInterval: 20 * time.Millisecond,
		// Only the restore wrapper fails sourcing; a real Skill script is
		// never reached.
		Execute: func(scriptPath string) error {
			if strings.Contains(scriptPath, "restore_wrapper") {
				return fmt.Errorf("descriptor sourcing raised an error")
			}
			return nil
		},
	})

	job := New(fastConfig(), cwd, launchers, skills)
	result, err := job.Run(context.Background(), SkillRequest{Query: "a", SkillName: "summary_health_mock"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Terminal == nil || result.Terminal.ErrorType != protocol.ErrRestoreFail {
		t.Fatalf("expected RESTORE_FAIL, got %+v", result)
	}

	indexPath := filepath.Join(result.Terminal.RunDir, "debug_bundle", "index.json")
	data, err := os.ReadFile(indexPath)
	if err != nil {
		t.Fatalf("read index.json: %v", err)
	}
	var idx struct {
		Pointers map[string]string `json:"pointers"`
	}
	if err := json.Unmarshal(data, &idx); err != nil {
		t.Fatalf("parse index.json: %v", err)
	}
	ackPointer, ok := idx.Pointers["last_fail_ack"]
	if !ok {
		t.Fatalf("expected bundle to point at the failing ack, got pointers %+v", idx.Pointers)
	}
	if _, err := os.Stat(filepath.Join(result.Terminal.RunDir, "debug_bundle", ackPointer)); err != nil {
		t.Fatalf("expected bundled ack file to exist at %s: %v", ackPointer, err)
	}
}

func TestHeartbeatLostDuringRunSkillInterruptsAckWait(t *testing.T) {
	cwd := t.TempDir()
	writeDesignPair(t, cwd, "a")

	skillRoot := filepath.Join(cwd, "skills")
	writeSkill(t, skillRoot, "summary_health_mock", `
name: summary_health_mock
scripts:
  - run.tcl
outputs:
  - path: summary_health.txt
    non_empty: true
`)
	skills, err := contract.NewRegistry(skillRoot)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	cfg := fastConfig()
	cfg.Session.HeartbeatTimeoutSec = 1
	cfg.Session.DefaultAckTimeoutSec = 30 // never reached; heartbeat loss wins first

	launchers := supervisor.NewRegistry()
	launchers.Register("fake", &supervisor.FakeLauncher{
		HeartbeatInterval: 20 * time.Millisecond,
		// Stops refreshing heartbeat right after the initial touch, same
		// as a queue processor that goes silent after its first ack.
		WithholdHeartbeat: true,
		Execute: func(scriptPath string) error {
			if strings.Contains(scriptPath, "restore_wrapper") {
				return nil
			}
			// Outlives the heartbeat timeout so the health watcher, not
			// the ack wait, is what ends the job.
			time.Sleep(2 * time.Second)
			return nil
		},
	})

	job := New(cfg, cwd, launchers, skills)
	result, err := job.Run(context.Background(), SkillRequest{Query: "a", SkillName: "summary_health_mock"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Terminal == nil || result.Terminal.ErrorType != protocol.ErrHeartbeatLost {
		t.Fatalf("expected HEARTBEAT_LOST, got %+v", result)
	}

	events, err := protocol.ReadTimeline(filepath.Join(result.Terminal.RunDir, "job_timeline.jsonl"))
	if err != nil {
		t.Fatalf("ReadTimeline: %v", err)
	}
	sawRunSkill := false
	for _, e := range events {
		if e.Event == "STATE_ENTER" && e.State == string(StateRunSkill) {
			sawRunSkill = true
		}
	}
	if !sawRunSkill {
		t.Fatalf("expected the job to have entered RUN_SKILL before failing, events: %+v", events)
	}
}

func TestClassifyPicksHighestPriority(t *testing.T) {
	got := Classify([]protocol.ErrorType{protocol.ErrCmdFail, protocol.ErrHeartbeatLost, protocol.ErrQueueTimeout})
	if got != protocol.ErrHeartbeatLost {
		t.Errorf("expected HEARTBEAT_LOST to win, got %s", got)
	}
}

func TestClassifyDefaultsToInternal(t *testing.T) {
	if got := Classify(nil); got != protocol.ErrInternal {
		t.Errorf("expected INTERNAL_ERROR default, got %s", got)
	}
}
