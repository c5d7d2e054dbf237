package queueproc

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/skillpilot/skillpilot/internal/protocol"
)

func setupRunDir(t *testing.T) string {
	t.Helper()
	runDir := t.TempDir()
	for _, sub := range []string{"scripts", "queue", "ack", "session"} {
		if err := os.MkdirAll(filepath.Join(runDir, sub), 0o750); err != nil {
			t.Fatalf("mkdir %s: %v", sub, err)
		}
	}
	return runDir
}

func writeRequest(t *testing.T, runDir, requestID, script string) {
	t.Helper()
	req := protocol.Request{
		SchemaVersion: protocol.SchemaVersion,
		RequestID:     requestID,
		JobID:         "job1",
		Action:        protocol.ActionSourceTCL,
		Script:        script,
		CreatedAt:     time.Now().UTC(),
	}
	path := filepath.Join(runDir, "queue", requestID+".json")
	if err := protocol.WriteOnceAtomic(path, &req); err != nil {
		t.Fatalf("write request: %v", err)
	}
}

func readAck(t *testing.T, runDir, requestID string) protocol.Ack {
	t.Helper()
	path := filepath.Join(runDir, "ack", requestID+".json")
	var ack protocol.Ack
	if err := protocol.ReadJSON(path, &ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	return ack
}

func TestRunnerProcessesRequestSuccessfully(t *testing.T) {
	runDir := setupRunDir(t)
	writeRequest(t, runDir, "job1_001_restore", "scripts/restore_wrapper.tcl")

	r := NewRunner(runDir, "job1")
	r.Interval = 10 * time.Millisecond
	r.Start()
	defer r.Stop()

	waitForAck(t, runDir, "job1_001_restore")

	ack := readAck(t, runDir, "job1_001_restore")
	if ack.Status != "PASS" || ack.ErrorType != protocol.ErrOK {
		t.Errorf("expected PASS/OK, got %s/%s", ack.Status, ack.ErrorType)
	}
}

func TestRunnerClassifiesRestoreFailure(t *testing.T) {
	runDir := setupRunDir(t)
	writeRequest(t, runDir, "job1_001_restore", "scripts/restore_wrapper.tcl")

	r := NewRunner(runDir, "job1")
	r.Interval = 10 * time.Millisecond
	r.Execute = func(string) error { return errors.New("boom") }
	r.Start()
	defer r.Stop()

	waitForAck(t, runDir, "job1_001_restore")

	ack := readAck(t, runDir, "job1_001_restore")
	if ack.ErrorType != protocol.ErrRestoreFail {
		t.Errorf("expected RESTORE_FAIL, got %s", ack.ErrorType)
	}
}

func TestRunnerClassifiesCmdFailure(t *testing.T) {
	runDir := setupRunDir(t)
	writeRequest(t, runDir, "job1_002_skill", "scripts/skill_entry.tcl")

	r := NewRunner(runDir, "job1")
	r.Interval = 10 * time.Millisecond
	r.Execute = func(string) error { return errors.New("tcl error") }
	r.Start()
	defer r.Stop()

	waitForAck(t, runDir, "job1_002_skill")

	ack := readAck(t, runDir, "job1_002_skill")
	if ack.ErrorType != protocol.ErrCmdFail {
		t.Errorf("expected CMD_FAIL, got %s", ack.ErrorType)
	}
}

func TestRunnerRejectsScriptOutsideSandbox(t *testing.T) {
	runDir := setupRunDir(t)
	writeRequest(t, runDir, "job1_003_escape", "scripts/../../etc/passwd")

	r := NewRunner(runDir, "job1")
	r.Interval = 10 * time.Millisecond
	r.Start()
	defer r.Stop()

	waitForAck(t, runDir, "job1_003_escape")

	ack := readAck(t, runDir, "job1_003_escape")
	if ack.Status != "FAIL" || ack.ErrorType != protocol.ErrCmdFail {
		t.Errorf("expected FAIL/CMD_FAIL, got %s/%s", ack.Status, ack.ErrorType)
	}
}

func TestRunnerIsIdempotentOnExistingAck(t *testing.T) {
	runDir := setupRunDir(t)
	writeRequest(t, runDir, "job1_004_dup", "scripts/skill_entry.tcl")

	calls := 0
	r := NewRunner(runDir, "job1")
	r.Interval = 10 * time.Millisecond
	r.Execute = func(string) error { calls++; return nil }
	r.Start()

	waitForAck(t, runDir, "job1_004_dup")
	time.Sleep(50 * time.Millisecond) // give a couple more loop iterations a chance to re-process
	r.Stop()

	if calls != 1 {
		t.Errorf("expected exactly 1 execution, got %d", calls)
	}
}

func waitForAck(t *testing.T, runDir, requestID string) {
	t.Helper()
	path := filepath.Join(runDir, "ack", requestID+".json")
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for ack %s", requestID)
}

func TestBootstrapTCLEmbedsNonEmptyAsset(t *testing.T) {
	if len(BootstrapTCL) == 0 {
		t.Fatal("expected embedded bootstrap.tcl to be non-empty")
	}
}
