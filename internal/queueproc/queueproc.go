// Package queueproc carries the tool-side queue processor: the init
// script it ships to a real session, and a Go-side Runner loop that
// plays the same role against the in-memory fake launcher in tests.
package queueproc

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/skillpilot/skillpilot/internal/protocol"
)

// BootstrapTCL is the fixed initialization script sourced by every real
// tool session. It implements the poll/validate/execute/ack loop
// described by the control plane; Runner below mirrors its behavior in
// Go for the fake launcher.
//
//go:embed assets/bootstrap.tcl
var BootstrapTCL []byte

// Runner plays the queue processor's loop in Go, against a run directory.
// It is used by the fake launcher so tests can exercise the full
// request/ack lifecycle without a real Tcl interpreter.
type Runner struct {
	RunDir   string
	JobID    string
	Interval time.Duration

	// Execute runs one script's body and reports whether it succeeded. A
	// test double stands in for actually sourcing Tcl; the default
	// Execute always succeeds.
	Execute func(scriptPath string) error

	// SkipHeartbeat, if true, leaves session/heartbeat untouched — used
	// when an enclosing launcher double already owns heartbeat refresh
	// and wants to simulate withholding it.
	SkipHeartbeat bool

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewRunner builds a Runner with a default poll interval of 50ms and an
// Execute that always succeeds.
func NewRunner(runDir, jobID string) *Runner {
	return &Runner{
		RunDir:   runDir,
		JobID:    jobID,
		Interval: 50 * time.Millisecond,
		Execute:  func(string) error { return nil },
	}
}

// Start begins the simulated poll loop in a background goroutine.
func (r *Runner) Start() {
	r.once.Do(func() {
		r.stop = make(chan struct{})
		r.done = make(chan struct{})
		go r.loop()
	})
}

// Stop halts the loop and waits for it to exit.
func (r *Runner) Stop() {
	if r.stop == nil {
		return
	}
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
	<-r.done
}

func (r *Runner) loop() {
	defer close(r.done)
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	heartbeatPath := filepath.Join(r.RunDir, "session", "heartbeat")
	stopMarker := filepath.Join(r.RunDir, "session", "stop")

	for {
		if !r.SkipHeartbeat {
			_ = touch(heartbeatPath)
		}
		r.processPending()

		if _, err := os.Stat(stopMarker); err == nil {
			return
		}

		select {
		case <-r.stop:
			return
		case <-ticker.C:
		}
	}
}

func (r *Runner) processPending() {
	queueDir := filepath.Join(r.RunDir, "queue")
	ackDir := filepath.Join(r.RunDir, "ack")

	entries, err := os.ReadDir(queueDir)
	if err != nil {
		return
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		requestID := strings.TrimSuffix(name, ".json")
		ackPath := filepath.Join(ackDir, requestID+".json")
		if _, err := os.Stat(ackPath); err == nil {
			continue // idempotent: already acked
		}
		r.processOne(filepath.Join(queueDir, name), ackPath)
	}
}

func (r *Runner) processOne(requestPath, ackPath string) {
	data, err := os.ReadFile(requestPath)
	if err != nil {
		return
	}
	var req protocol.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}

	started := time.Now().UTC()

	if !strings.HasPrefix(req.Script, "scripts/") || strings.Contains(req.Script, "..") {
		r.writeAck(ackPath, req, "FAIL", protocol.ErrCmdFail, "security violation: script path outside scripts/", started)
		return
	}

	scriptPath := filepath.Join(r.RunDir, req.Script)
	execErr := r.Execute(scriptPath)
	finished := time.Now().UTC()

	if execErr == nil {
		r.writeAck(ackPath, req, "PASS", protocol.ErrOK, "", started)
		_ = finished
		return
	}

	errType := protocol.ErrCmdFail
	if req.Script == "scripts/restore_wrapper.tcl" {
		errType = protocol.ErrRestoreFail
	}
	r.writeAck(ackPath, req, "FAIL", errType, execErr.Error(), started)
}

func (r *Runner) writeAck(ackPath string, req protocol.Request, status string, errType protocol.ErrorType, message string, started time.Time) {
	finished := time.Now().UTC()
	ack := protocol.Ack{
		SchemaVersion: protocol.SchemaVersion,
		RequestID:     req.RequestID,
		JobID:         req.JobID,
		Status:        status,
		ErrorType:     errType,
		Message:       message,
		StartedAt:     &started,
		FinishedAt:    &finished,
		DurationMs:    finished.Sub(started).Milliseconds(),
	}
	_ = protocol.WriteOnceAtomic(ackPath, &ack)
}

func touch(path string) error {
	now := time.Now()
	if err := os.Chtimes(path, now, now); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("queueproc: create session dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	return f.Close()
}
