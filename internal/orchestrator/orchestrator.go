// Package orchestrator drives a single job through its state machine,
// classifies terminal failures, and triggers the debug bundler.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/skillpilot/skillpilot/internal/bundler"
	"github.com/skillpilot/skillpilot/internal/config"
	"github.com/skillpilot/skillpilot/internal/contract"
	"github.com/skillpilot/skillpilot/internal/kernel"
	"github.com/skillpilot/skillpilot/internal/locator"
	"github.com/skillpilot/skillpilot/internal/protocol"
	"github.com/skillpilot/skillpilot/internal/queueproc"
	"github.com/skillpilot/skillpilot/internal/rundir"
	"github.com/skillpilot/skillpilot/internal/supervisor"
)

// State names every state in the job lifecycle.
type State string

const (
	StateInit            State = "INIT"
	StatePrepareRunDir   State = "PREPARE_RUNDIR"
	StateLocateDB        State = "LOCATE_DB"
	StateStartSession    State = "START_SESSION"
	StateRestoreDB       State = "RESTORE_DB"
	StateRunSkill        State = "RUN_SKILL"
	StateValidateOutputs State = "VALIDATE_OUTPUTS"
	StateSummarize       State = "SUMMARIZE"
	StateDone            State = "DONE"
	StateFail            State = "FAIL"
)

// TerminalResult is returned when a job reaches DONE or FAIL.
type TerminalResult struct {
	Status    protocol.JobStatus
	ErrorType protocol.ErrorType
	RunDir    string
	Summary   *protocol.Summary
}

// SelectionPrompt is returned when the locator found more than one
// candidate; the caller must invoke Resume with a chosen index.
type SelectionPrompt struct {
	JobID      string
	Candidates []locator.Candidate
}

// StepResult is the discriminated result of advancing a job: exactly one
// of Terminal or AwaitingSelection is set. This avoids blocking goroutines
// on user input — the orchestrator stays synchronous and testable, and
// the surrounding caller decides when to call Resume.
type StepResult struct {
	Terminal          *TerminalResult
	AwaitingSelection *SelectionPrompt
}

// SkillRequest names the Skill to run and the query used to locate its
// input design database.
type SkillRequest struct {
	Query     string
	SkillName string
}

// Job drives one job's lifecycle from start to a terminal StepResult or a
// selection pause.
type Job struct {
	cfg       *config.Config
	launchers *supervisor.Registry
	skills    *contract.Registry

	jobID    string
	cwd      string
	runDir   string
	manifest *protocol.Manifest
	timeline *protocol.Timeline
	kernel   *kernel.Kernel

	launcher Launcher
	handle   supervisor.Handle
	skill    *contract.Skill

	healthCancel context.CancelFunc
	healthGroup  *errgroup.Group
	failSignal   chan protocol.ErrorType

	healthMu      sync.Mutex
	healthFailure protocol.ErrorType

	lastFailAckPath string
}

// Launcher is an alias of supervisor.Launcher, the type of the launcher
// instance a Job holds once START_SESSION has resolved it.
type Launcher = supervisor.Launcher

// New creates a Job driver. cwd is a parameter, never the process's
// working directory.
func New(cfg *config.Config, cwd string, launchers *supervisor.Registry, skills *contract.Registry) *Job {
	return &Job{cfg: cfg, cwd: cwd, launchers: launchers, skills: skills}
}

// JobID returns the job id minted by Run, empty before Run/LoadPaused.
func (j *Job) JobID() string { return j.jobID }

// RunDir returns the job's run directory, empty before Run/LoadPaused.
func (j *Job) RunDir() string { return j.runDir }

// classificationPriority lists every taxonomy value in descending
// precedence, per the orchestrator's classification rule: the highest
// priority condition that applied wins when more than one could apply.
var classificationPriority = []protocol.ErrorType{
	protocol.ErrContractInvalid,
	protocol.ErrLocatorFail,
	protocol.ErrSessionStartFail,
	protocol.ErrInnovusCrash,
	protocol.ErrHeartbeatLost,
	protocol.ErrQueueTimeout,
	protocol.ErrRestoreFail,
	protocol.ErrCmdFail,
	protocol.ErrOutputMissing,
	protocol.ErrOutputEmpty,
	protocol.ErrInternal,
}

// Classify picks the single highest-priority error type out of whichever
// conditions fired during a job's execution. Conditions that never fired
// must not be included in candidates.
func Classify(candidates []protocol.ErrorType) protocol.ErrorType {
	set := make(map[protocol.ErrorType]bool, len(candidates))
	for _, c := range candidates {
		set[c] = true
	}
	for _, c := range classificationPriority {
		if set[c] {
			return c
		}
	}
	return protocol.ErrInternal
}

// Run advances a brand-new job from INIT all the way to its first
// terminal outcome or selection pause.
func (j *Job) Run(ctx context.Context, req SkillRequest) (StepResult, error) {
	builder := rundir.New(j.cwd)
	jobID := rundir.NewJobID()

	runDir, manifest, timeline, err := builder.Create(jobID)
	if err != nil {
		return StepResult{}, fmt.Errorf("orchestrator: prepare run dir: %w", err)
	}

	j.jobID = jobID
	j.runDir = runDir
	j.manifest = manifest
	j.timeline = timeline
	j.kernel = kernel.New(runDir, jobID, timeline)
	j.failSignal = make(chan protocol.ErrorType, 1)

	_ = j.timeline.StateExit(string(StateInit))
	_ = j.timeline.StateEnter(string(StatePrepareRunDir))
	_ = j.timeline.StateExit(string(StatePrepareRunDir))

	return j.locateAndContinue(ctx, req)
}

// Resume re-enters LOCATE_DB with a chosen candidate index from a prior
// AwaitingSelection result.
func (j *Job) Resume(ctx context.Context, candidates []locator.Candidate, chosenIndex int, req SkillRequest) (StepResult, error) {
	res, err := locator.Resume(candidates, chosenIndex)
	if err != nil {
		return StepResult{}, fmt.Errorf("orchestrator: resume: %w", err)
	}
	return j.afterLocate(ctx, res, req)
}

// LoadPaused rehydrates a Job left awaiting selection by a prior process
// (e.g. a separate `skillpilot resume` CLI invocation): it reopens the
// job's manifest and timeline from runDir rather than creating a new run,
// and reconstructs the cwd/query/skill and candidate list the original
// locate_db call recorded in the manifest. The returned Job is ready for
// Resume with the chosen index.
func LoadPaused(cfg *config.Config, launchers *supervisor.Registry, skills *contract.Registry, runDir string) (*Job, SkillRequest, []locator.Candidate, error) {
	manifest := &protocol.Manifest{}
	if err := protocol.ReadJSON(rundir.ManifestPath(runDir), manifest); err != nil {
		return nil, SkillRequest{}, nil, fmt.Errorf("orchestrator: load manifest: %w", err)
	}
	if manifest.Status != protocol.StatusRunning {
		return nil, SkillRequest{}, nil, fmt.Errorf("orchestrator: job %s is not awaiting selection (status=%s)", manifest.JobID, manifest.Status)
	}

	timeline, err := protocol.NewTimeline(runDir, manifest.JobID)
	if err != nil {
		return nil, SkillRequest{}, nil, fmt.Errorf("orchestrator: reopen timeline: %w", err)
	}

	j := New(cfg, manifest.Runtime.CWD, launchers, skills)
	j.jobID = manifest.JobID
	j.runDir = runDir
	j.manifest = manifest
	j.timeline = timeline
	j.kernel = kernel.New(runDir, manifest.JobID, timeline)
	j.failSignal = make(chan protocol.ErrorType, 1)

	req := SkillRequest{Query: manifest.Design.Query, SkillName: manifest.Design.RequestedSkill}
	candidates := make([]locator.Candidate, 0, len(manifest.Design.Candidates))
	for _, c := range manifest.Design.Candidates {
		candidates = append(candidates, locator.FromProtocol(c))
	}
	return j, req, candidates, nil
}

func (j *Job) locateAndContinue(ctx context.Context, req SkillRequest) (StepResult, error) {
	_ = j.timeline.StateEnter(string(StateLocateDB))
	_ = j.timeline.Action("locate_db", map[string]interface{}{"query": req.Query})

	loc := locator.New(j.cwd, j.cfg.Locator.MaxScanDepth)
	res, err := loc.Locate(req.Query)
	if err != nil {
		return j.fail(ctx, protocol.ErrInternal, fmt.Sprintf("locator error: %v", err))
	}

	return j.afterLocate(ctx, res, req)
}

func (j *Job) afterLocate(ctx context.Context, res locator.Result, req SkillRequest) (StepResult, error) {
	j.manifest.Design.Query = req.Query
	j.manifest.Design.RequestedSkill = req.SkillName
	j.manifest.Design.LocatorMode = string(res.Mode)
	for _, c := range res.Candidates {
		j.manifest.Design.Candidates = append(j.manifest.Design.Candidates, c.ToProtocol())
	}

	if res.NeedsSelection() {
		_ = j.timeline.Action("locate_db_needs_selection", map[string]interface{}{"candidate_count": len(res.Candidates)})
		_ = protocol.WriteAtomic(rundir.ManifestPath(j.runDir), j.manifest)
		return StepResult{AwaitingSelection: &SelectionPrompt{JobID: j.jobID, Candidates: res.Candidates}}, nil
	}

	if !res.Success() {
		return j.fail(ctx, protocol.ErrLocatorFail, fmt.Sprintf("locate failed: %s", res.SelectionReason))
	}

	j.manifest.Design.SelectedEncPath = res.Selected.EncPath
	j.manifest.Design.SelectedDatPath = res.Selected.DatPath
	j.manifest.Design.SelectionReason = res.SelectionReason
	_ = j.timeline.StateExit(string(StateLocateDB))

	skill, ok := j.skills.Get(req.SkillName)
	if !ok {
		return j.fail(ctx, protocol.ErrContractInvalid, fmt.Sprintf("unknown skill %q", req.SkillName))
	}
	if err := skill.Declaration.ValidateStatic(j.runDir); err != nil {
		return j.fail(ctx, protocol.ErrContractInvalid, err.Error())
	}
	j.skill = skill
	j.manifest.Skill = protocol.SkillInfo{
		Name:       skill.Declaration.Name,
		Version:    skill.Declaration.Version,
		SourcePath: skill.Declaration.SourcePath,
	}

	return j.startSession(ctx, *res.Selected)
}

func (j *Job) startSession(ctx context.Context, selected locator.Candidate) (StepResult, error) {
	_ = j.timeline.StateEnter(string(StateStartSession))
	_ = j.timeline.Action("start_session", nil)

	launcherName := j.cfg.Launchers.Default
	launcher, err := j.launchers.Get(launcherName)
	if err != nil {
		return j.fail(ctx, protocol.ErrSessionStartFail, err.Error())
	}
	j.launcher = launcher
	j.manifest.Runtime.Launcher = launcherName

	vars := kernel.Vars{
		RunDir:     j.runDir,
		ScriptsDir: filepath.Join(j.runDir, "scripts"),
		ReportsDir: filepath.Join(j.runDir, "reports"),
		JobID:      j.jobID,
		EncPath:    selected.EncPath,
		EncDatPath: selected.DatPath,
	}
	initScript, err := j.writeBootstrap()
	if err != nil {
		return j.fail(ctx, protocol.ErrSessionStartFail, err.Error())
	}

	env := map[string]string{
		"SP_RUN_DIR":      j.runDir,
		"SP_SCRIPTS_DIR":  vars.ScriptsDir,
		"SP_REPORTS_DIR":  vars.ReportsDir,
		"SP_JOB_ID":       j.jobID,
		"SP_ENC_PATH":     selected.EncPath,
		"SP_ENC_DAT_PATH": selected.DatPath,
	}

	handle, err := launcher.Start(ctx, j.runDir, env, initScript)
	if err != nil {
		return j.fail(ctx, protocol.ErrSessionStartFail, err.Error())
	}
	j.handle = handle

	readyTimeout := time.Duration(j.cfg.Session.ReadyTimeoutSec) * time.Second
	if err := launcher.WaitReady(ctx, handle, readyTimeout); err != nil {
		return j.fail(ctx, protocol.ErrSessionStartFail, err.Error())
	}

	j.startHealthWatcher(ctx)
	_ = j.timeline.StateExit(string(StateStartSession))

	return j.restoreDB(ctx, vars)
}

// writeBootstrap copies the embedded queue-processor asset into
// scripts/bootstrap.tcl verbatim (it reads its SP_* surface from the
// environment, not from template substitution) and returns its
// run-dir-relative path.
func (j *Job) writeBootstrap() (string, error) {
	scriptsDir := filepath.Join(j.runDir, "scripts")
	if err := os.MkdirAll(scriptsDir, 0o750); err != nil {
		return "", fmt.Errorf("orchestrator: create scripts dir: %w", err)
	}
	path := filepath.Join(scriptsDir, "bootstrap.tcl")
	if err := os.WriteFile(path, queueproc.BootstrapTCL, 0o640); err != nil {
		return "", fmt.Errorf("orchestrator: write bootstrap.tcl: %w", err)
	}
	return "scripts/bootstrap.tcl", nil
}

func (j *Job) startHealthWatcher(ctx context.Context) {
	watchCtx, cancel := context.WithCancel(ctx)
	j.healthCancel = cancel
	g, gctx := errgroup.WithContext(watchCtx)
	j.healthGroup = g

	interval := time.Duration(j.cfg.Session.HealthPollIntervalMs) * time.Millisecond
	heartbeatTimeout := time.Duration(j.cfg.Session.HeartbeatTimeoutSec) * time.Second

	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				health, err := j.launcher.PollHealth(gctx, j.handle, heartbeatTimeout)
				if err != nil {
					continue
				}
				switch health {
				case supervisor.HealthHeartbeatLost:
					j.signalFail(protocol.ErrHeartbeatLost)
					cancel()
					return nil
				case supervisor.HealthCrashed:
					j.signalFail(protocol.ErrInnovusCrash)
					cancel()
					return nil
				}
			}
		}
	})
}

// signalFail records the health watcher's verdict and wakes any in-flight
// ack wait. healthFailure is recorded separately from the failSignal
// channel send: watchedContext's own goroutine drains that channel to
// trigger cancellation, so a second reader (classifyKernelError) racing
// against it would usually find the channel already empty.
func (j *Job) signalFail(et protocol.ErrorType) {
	j.healthMu.Lock()
	if j.healthFailure == "" {
		j.healthFailure = et
	}
	j.healthMu.Unlock()

	select {
	case j.failSignal <- et:
	default:
	}
}

func (j *Job) healthFailureType() protocol.ErrorType {
	j.healthMu.Lock()
	defer j.healthMu.Unlock()
	return j.healthFailure
}

func (j *Job) stopHealthWatcher() {
	if j.healthCancel != nil {
		j.healthCancel()
	}
	if j.healthGroup != nil {
		_ = j.healthGroup.Wait()
	}
}

func (j *Job) restoreDB(ctx context.Context, vars kernel.Vars) (StepResult, error) {
	_ = j.timeline.StateEnter(string(StateRestoreDB))

	scriptPath, err := j.kernel.RenderRestoreWrapper(vars)
	if err != nil {
		return j.failWithSession(ctx, protocol.ErrRestoreFail, err.Error())
	}

	watchCtx, stop := j.watchedContext(ctx)

	timeout := time.Duration(j.cfg.Session.RestoreTimeoutSec) * time.Second
	pollInterval := time.Duration(j.cfg.Session.AckPollIntervalMs) * time.Millisecond
	ack, err := j.kernel.Submit(watchCtx, "restore", scriptPath, timeout, pollInterval)
	stop()
	if err != nil {
		return j.classifyKernelError(ctx, err)
	}
	if ack.Status != "PASS" {
		j.lastFailAckPath = filepath.Join(j.runDir, "ack", ack.RequestID+".json")
		return j.failWithSession(ctx, ack.ErrorType, ack.Message)
	}

	_ = j.timeline.StateExit(string(StateRestoreDB))
	return j.runSkill(ctx)
}

func (j *Job) runSkill(ctx context.Context) (StepResult, error) {
	_ = j.timeline.StateEnter(string(StateRunSkill))

	if len(j.skill.Declaration.Scripts) == 0 {
		return j.failWithSession(ctx, protocol.ErrContractInvalid, "skill declares no scripts")
	}

	vars := kernel.Vars{
		RunDir:     j.runDir,
		ScriptsDir: filepath.Join(j.runDir, "scripts"),
		ReportsDir: filepath.Join(j.runDir, "reports"),
		JobID:      j.jobID,
		EncPath:    j.manifest.Design.SelectedEncPath,
		EncDatPath: j.manifest.Design.SelectedDatPath,
	}

	timeout := time.Duration(j.cfg.Session.DefaultAckTimeoutSec) * time.Second
	pollInterval := time.Duration(j.cfg.Session.AckPollIntervalMs) * time.Millisecond

	for i, scriptName := range j.skill.Declaration.Scripts {
		body, readErr := os.ReadFile(filepath.Join(j.skill.Dir, scriptName))
		if readErr != nil {
			return j.failWithSession(ctx, protocol.ErrCmdFail, fmt.Sprintf("read skill script %s: %v", scriptName, readErr))
		}
		scriptPath, renderErr := j.kernel.RenderScript(fmt.Sprintf("skill_%d_%s", i, filepath.Base(scriptName)), string(body), vars)
		if renderErr != nil {
			return j.failWithSession(ctx, protocol.ErrCmdFail, renderErr.Error())
		}

		watchCtx, stop := j.watchedContext(ctx)
		ack, err := j.kernel.Submit(watchCtx, "skill", scriptPath, timeout, pollInterval)
		stop()
		if err != nil {
			return j.classifyKernelError(ctx, err)
		}
		if ack.Status != "PASS" {
			j.lastFailAckPath = filepath.Join(j.runDir, "ack", ack.RequestID+".json")
			return j.failWithSession(ctx, ack.ErrorType, ack.Message)
		}
	}

	_ = j.timeline.StateExit(string(StateRunSkill))
	return j.validateOutputs(ctx)
}

func (j *Job) validateOutputs(ctx context.Context) (StepResult, error) {
	_ = j.timeline.StateEnter(string(StateValidateOutputs))
	_ = j.timeline.Action("validate_outputs", nil)

	pass, errType, _ := j.skill.Declaration.ValidateOutputs(j.runDir)
	if !pass {
		return j.failWithSession(ctx, errType, "required output validation failed")
	}

	_ = j.timeline.StateExit(string(StateValidateOutputs))
	return j.summarize(ctx)
}

func (j *Job) summarize(ctx context.Context) (StepResult, error) {
	_ = j.timeline.StateEnter(string(StateSummarize))
	_ = j.timeline.Action("summarize", nil)

	j.stopHealthWatcher()

	summary := &protocol.Summary{
		SchemaVersion: protocol.SchemaVersion,
		JobID:         j.jobID,
		Status:        protocol.StatusPass,
		ErrorType:     protocol.ErrOK,
	}
	summaryPath := filepath.Join(j.runDir, "summary.json")
	if err := protocol.WriteAtomic(summaryPath, summary); err != nil {
		return j.failWithSession(ctx, protocol.ErrInternal, err.Error())
	}
	mdPath := filepath.Join(j.runDir, "summary.md")
	_ = os.WriteFile(mdPath, []byte(fmt.Sprintf("# Job %s\n\nStatus: PASS\n", j.jobID)), 0o640)

	j.manifest.Status = protocol.StatusPass
	j.manifest.ErrorType = protocol.ErrOK
	_ = protocol.WriteAtomic(rundir.ManifestPath(j.runDir), j.manifest)

	_ = j.timeline.StateExit(string(StateSummarize))
	_ = j.timeline.Done("job completed")

	if j.launcher != nil && j.handle != nil {
		grace := time.Duration(j.cfg.Session.StopGraceSec) * time.Second
		_ = j.launcher.Stop(ctx, j.handle, "job done", grace)
	}

	return StepResult{Terminal: &TerminalResult{
		Status:    protocol.StatusPass,
		ErrorType: protocol.ErrOK,
		RunDir:    j.runDir,
		Summary:   summary,
	}}, nil
}

// watchedContext derives a context that is cancelled either by ctx itself
// or by the health watcher's failSignal, whichever fires first.
func (j *Job) watchedContext(ctx context.Context) (context.Context, context.CancelFunc) {
	child, cancel := context.WithCancel(ctx)
	if j.failSignal == nil {
		return child, cancel
	}
	go func() {
		select {
		case <-child.Done():
		case <-j.failSignal:
			cancel()
		}
	}()
	return child, cancel
}

func (j *Job) classifyKernelError(ctx context.Context, err error) (StepResult, error) {
	if et := j.healthFailureType(); et != "" {
		return j.failWithSession(ctx, et, err.Error())
	}

	switch err.(type) {
	case *kernel.TimeoutError:
		return j.failWithSession(ctx, protocol.ErrQueueTimeout, err.Error())
	case *kernel.CancelledError:
		return j.failWithSession(ctx, protocol.ErrInternal, err.Error())
	default:
		return j.failWithSession(ctx, protocol.ErrInternal, err.Error())
	}
}

// fail transitions directly to FAIL without an active session (used by
// LOCATE_DB and CONTRACT_INVALID failures before any session exists).
func (j *Job) fail(ctx context.Context, errType protocol.ErrorType, message string) (StepResult, error) {
	return j.terminalFail(ctx, errType, message)
}

// failWithSession transitions to FAIL after a session was started,
// stopping the health watcher and attempting a graceful supervisor stop
// first.
func (j *Job) failWithSession(ctx context.Context, errType protocol.ErrorType, message string) (StepResult, error) {
	j.stopHealthWatcher()
	if j.launcher != nil && j.handle != nil {
		grace := time.Duration(j.cfg.Session.StopGraceSec) * time.Second
		_ = j.launcher.Stop(ctx, j.handle, "job failed: "+string(errType), grace)
	}
	return j.terminalFail(ctx, errType, message)
}

func (j *Job) terminalFail(ctx context.Context, errType protocol.ErrorType, message string) (StepResult, error) {
	j.manifest.Status = protocol.StatusFail
	j.manifest.ErrorType = errType
	_ = protocol.WriteAtomic(rundir.ManifestPath(j.runDir), j.manifest)
	_ = j.timeline.Fail(errType, message)

	j.packBundle(errType, message)

	return StepResult{Terminal: &TerminalResult{
		Status:    protocol.StatusFail,
		ErrorType: errType,
		RunDir:    j.runDir,
	}}, nil
}

func (j *Job) packBundle(errType protocol.ErrorType, message string) {
	in := bundler.Inputs{
		RunDir:       j.runDir,
		JobID:        j.jobID,
		ErrorType:    errType,
		Summary:      message,
		ManifestPath: rundir.ManifestPath(j.runDir),
		TimelinePath: filepath.Join(j.runDir, "job_timeline.jsonl"),
		LastFailAck:  j.lastFailAckPath,
		TailLines:    j.cfg.Bundle.TailLines,
	}
	if j.handle != nil {
		in.SessionDir = filepath.Join(j.runDir, "session")
	}
	if j.skill != nil {
		in.ContractPath = j.skill.Declaration.SourcePath
		in.ReportsDir = filepath.Join(j.runDir, "reports")
	}
	_ = bundler.Pack(in)
}
