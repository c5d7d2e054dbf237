// Package kernel renders Skill scripts into a run directory's scripts/
// subdirectory, submits them as requests, and waits for acknowledgements.
package kernel

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/skillpilot/skillpilot/internal/protocol"
)

// Vars is the fixed variable surface injected into every rendered script.
type Vars struct {
	RunDir     string
	ScriptsDir string
	ReportsDir string
	JobID      string
	EncPath    string
	EncDatPath string
}

// TemplateData mirrors Vars under the fixed SP_* names used inside
// script templates.
type TemplateData struct {
	SP_RUN_DIR      string
	SP_SCRIPTS_DIR  string
	SP_REPORTS_DIR  string
	SP_JOB_ID       string
	SP_ENC_PATH     string
	SP_ENC_DAT_PATH string
}

func (v Vars) toTemplateData() TemplateData {
	return TemplateData{
		SP_RUN_DIR:      v.RunDir,
		SP_SCRIPTS_DIR:  v.ScriptsDir,
		SP_REPORTS_DIR:  v.ReportsDir,
		SP_JOB_ID:       v.JobID,
		SP_ENC_PATH:     v.EncPath,
		SP_ENC_DAT_PATH: v.EncDatPath,
	}
}

// Kernel renders scripts and drives the request/ack protocol for one job.
type Kernel struct {
	runDir  string
	jobID   string
	timeline *protocol.Timeline
	seq     int
}

// New creates a Kernel bound to one job's run directory and timeline.
func New(runDir, jobID string, timeline *protocol.Timeline) *Kernel {
	return &Kernel{runDir: runDir, jobID: jobID, timeline: timeline}
}

// RenderScript substitutes vars into body (a Go text/template source) and
// writes the result under scripts/<name>, returning its run-dir-relative
// path ("scripts/<name>").
func (k *Kernel) RenderScript(name, body string, vars Vars) (string, error) {
	tmpl, err := template.New(name).Parse(body)
	if err != nil {
		return "", fmt.Errorf("kernel: parse script template %s: %w", name, err)
	}

	scriptsDir := filepath.Join(k.runDir, "scripts")
	if err := os.MkdirAll(scriptsDir, 0o750); err != nil {
		return "", fmt.Errorf("kernel: create scripts dir: %w", err)
	}

	f, err := os.Create(filepath.Join(scriptsDir, name))
	if err != nil {
		return "", fmt.Errorf("kernel: create script %s: %w", name, err)
	}
	defer f.Close()

	if err := tmpl.Execute(f, vars.toTemplateData()); err != nil {
		return "", fmt.Errorf("kernel: render script %s: %w", name, err)
	}

	return filepath.ToSlash(filepath.Join("scripts", name)), nil
}

// RestoreWrapperBody is the fixed body of scripts/restore_wrapper.tcl:
// change directory to the descriptor's own directory (many descriptors
// assume their own directory as base), then source it.
const RestoreWrapperBody = `cd [file dirname "{{.SP_ENC_PATH}}"]
source "{{.SP_ENC_PATH}}"
`

// RenderRestoreWrapper renders the invariant restore wrapper script.
func (k *Kernel) RenderRestoreWrapper(vars Vars) (string, error) {
	return k.RenderScript("restore_wrapper.tcl", RestoreWrapperBody, vars)
}

// nextRequestID mints a sequence-ordered, job-scoped request id of the
// form <job_id>_<seq>_<tag>, so filename ordering gives submission order.
func (k *Kernel) nextRequestID(tag string) string {
	k.seq++
	return fmt.Sprintf("%s_%03d_%s", k.jobID, k.seq, tag)
}

// TimeoutError reports a QUEUE_TIMEOUT outcome.
type TimeoutError struct {
	RequestID string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("kernel: timed out waiting for ack %s", e.RequestID)
}

// CancelledError reports that the wait was aborted because the health
// watcher observed session failure.
type CancelledError struct {
	Cause string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("kernel: ack wait cancelled: %s", e.Cause)
}

// Submit writes a request for scriptPath (already rendered under
// scripts/), records the submit_request timeline event, then polls for
// its ack until timeout or ctx cancellation. ctx is cancelled by the
// orchestrator's health watcher when it detects session failure; Submit
// distinguishes that from a plain timeout via CancelledError.
func (k *Kernel) Submit(ctx context.Context, tag, scriptPath string, timeout time.Duration, pollInterval time.Duration) (*protocol.Ack, error) {
	if !strings.HasPrefix(scriptPath, "scripts/") {
		return nil, fmt.Errorf("kernel: script path %q must be under scripts/", scriptPath)
	}

	requestID := k.nextRequestID(tag)
	req := protocol.Request{
		SchemaVersion: protocol.SchemaVersion,
		RequestID:     requestID,
		JobID:         k.jobID,
		Action:        protocol.ActionSourceTCL,
		Script:        scriptPath,
		CreatedAt:     time.Now().UTC(),
	}
	if timeout > 0 {
		secs := int(timeout.Seconds())
		req.TimeoutSec = &secs
	}

	requestPath := filepath.Join(k.runDir, "queue", requestID+".json")
	if err := protocol.WriteOnceAtomic(requestPath, &req); err != nil {
		return nil, fmt.Errorf("kernel: write request %s: %w", requestID, err)
	}

	if k.timeline != nil {
		_ = k.timeline.Action("submit_request", map[string]interface{}{"request_id": requestID, "script": scriptPath})
	}

	ack, err := k.waitForAck(ctx, requestID, timeout, pollInterval)
	if err != nil {
		return nil, err
	}

	if k.timeline != nil {
		_ = k.timeline.Action("receive_ack", map[string]interface{}{"request_id": requestID, "status": ack.Status, "error_type": string(ack.ErrorType)})
	}

	return ack, nil
}

func (k *Kernel) waitForAck(ctx context.Context, requestID string, timeout, pollInterval time.Duration) (*protocol.Ack, error) {
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}
	ackPath := filepath.Join(k.runDir, "ack", requestID+".json")

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if _, err := os.Stat(ackPath); err == nil {
			var ack protocol.Ack
			if err := protocol.ReadJSON(ackPath, &ack); err != nil {
				return nil, fmt.Errorf("kernel: read ack %s: %w", requestID, err)
			}
			return &ack, nil
		}

		if timeout > 0 && time.Now().After(deadline) {
			return nil, &TimeoutError{RequestID: requestID}
		}

		select {
		case <-ctx.Done():
			return nil, &CancelledError{Cause: ctx.Err().Error()}
		case <-ticker.C:
		}
	}
}
