// Package protocol defines the on-disk record types that make up
// skillpilot's file-based control plane, and the atomic-write primitives
// every writer in the system funnels through.
package protocol

import "time"

// SchemaVersion is the schema version stamped on every record. Loading a
// record with an unrecognized version is an INTERNAL_ERROR, never a silent
// migration attempt.
const SchemaVersion = "1.0"

// ErrorType is the closed classification taxonomy for job failures.
type ErrorType string

const (
	ErrOK                ErrorType = "OK"
	ErrLocatorFail       ErrorType = "LOCATOR_FAIL"
	ErrSessionStartFail  ErrorType = "SESSION_START_FAIL"
	ErrInnovusCrash      ErrorType = "INNOVUS_CRASH"
	ErrHeartbeatLost     ErrorType = "HEARTBEAT_LOST"
	ErrQueueTimeout      ErrorType = "QUEUE_TIMEOUT"
	ErrRestoreFail       ErrorType = "RESTORE_FAIL"
	ErrCmdFail           ErrorType = "CMD_FAIL"
	ErrContractInvalid   ErrorType = "CONTRACT_INVALID"
	ErrOutputMissing     ErrorType = "OUTPUT_MISSING"
	ErrOutputEmpty       ErrorType = "OUTPUT_EMPTY"
	ErrInternal          ErrorType = "INTERNAL_ERROR"
)

// JobStatus is the manifest's terminal status.
type JobStatus string

const (
	StatusRunning JobStatus = "RUNNING"
	StatusPass    JobStatus = "PASS"
	StatusFail    JobStatus = "FAIL"
)

// Action is the request action enumeration. It currently carries a single
// value by design, left as an enum so the wire format never needs to change
// shape to add a second one.
type Action string

// ActionSourceTCL is the only request action: source a Tcl script inside
// the running tool session.
const ActionSourceTCL Action = "SOURCE_TCL"

// Manifest is the single source of truth for one job's identity, inputs,
// selection, and terminal state. Rewritten atomically; read by anything
// that wants the job's current state.
type Manifest struct {
	SchemaVersion string    `json:"schema_version"`
	JobID         string    `json:"job_id"`
	CreatedAt     time.Time `json:"created_at"`
	Status        JobStatus `json:"status"`
	ErrorType     ErrorType `json:"error_type"`

	Runtime RuntimeInfo `json:"runtime"`
	Design  DesignInfo  `json:"design"`
	Skill   SkillInfo   `json:"skill"`

	Artifacts map[string]string `json:"artifacts,omitempty"`
}

// RuntimeInfo records the job's execution context.
type RuntimeInfo struct {
	CWD       string `json:"cwd"`
	RunDir    string `json:"run_dir"`
	Launcher  string `json:"launcher"`
}

// DesignInfo records how the design database was located and selected.
type DesignInfo struct {
	Query            string      `json:"query,omitempty"`
	RequestedSkill   string      `json:"requested_skill,omitempty"`
	LocatorMode      string      `json:"locator_mode,omitempty"`
	Candidates       []Candidate `json:"candidates,omitempty"`
	SelectedEncPath  string      `json:"selected_enc_path,omitempty"`
	SelectedDatPath  string      `json:"selected_dat_path,omitempty"`
	SelectionReason  string      `json:"selection_reason,omitempty"`
}

// Candidate is one located <name>.enc / <name>.enc.dat pair.
type Candidate struct {
	EncPath    string    `json:"enc_path"`
	DatPath    string    `json:"dat_path"`
	ModTime    time.Time `json:"mod_time"`
	SizeBytes  int64     `json:"size_bytes"`
}

// SkillInfo records the identity of the Skill executed by the job.
type SkillInfo struct {
	Name       string `json:"name,omitempty"`
	Version    string `json:"version,omitempty"`
	SourcePath string `json:"source_path,omitempty"`
}

// TimelineEvent is one append-only line of the job timeline.
type TimelineEvent struct {
	SchemaVersion string                 `json:"schema_version"`
	TS            time.Time              `json:"ts"`
	JobID         string                 `json:"job_id"`
	Level         string                 `json:"level"` // INFO | WARN | ERROR
	Event         string                 `json:"event"` // STATE_ENTER | STATE_EXIT | ACTION | DONE | FAIL
	State         string                 `json:"state,omitempty"`
	Message       string                 `json:"message,omitempty"`
	Data          map[string]interface{} `json:"data,omitempty"`
}

// Request is one request written into queue/<request_id>.json.
type Request struct {
	SchemaVersion string    `json:"schema_version"`
	RequestID     string    `json:"request_id"`
	JobID         string    `json:"job_id"`
	Action        Action    `json:"action"`
	Script        string    `json:"script"`
	TimeoutSec    *int      `json:"timeout_s,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Ack is one acknowledgement written into ack/<request_id>.json.
type Ack struct {
	SchemaVersion string     `json:"schema_version"`
	RequestID     string     `json:"request_id"`
	JobID         string     `json:"job_id"`
	Status        string     `json:"status"` // PASS | FAIL
	ErrorType     ErrorType  `json:"error_type"`
	Message       string     `json:"message,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	DurationMs    int64      `json:"duration_ms,omitempty"`
	EvidencePaths []string   `json:"evidence_paths,omitempty"`
}

// SessionState is the supervisor's view of the launched process.
type SessionState struct {
	SchemaVersion   string     `json:"schema_version"`
	PID             int        `json:"pid"`
	StartedAt       time.Time  `json:"started_at"`
	ExitCode        *int       `json:"exit_code,omitempty"`
	LastHeartbeat   *time.Time `json:"last_heartbeat,omitempty"`
	StoppedGraceful bool       `json:"stopped_graceful,omitempty"`
}

// Summary is the terminal, human- and machine-readable job result.
type Summary struct {
	SchemaVersion string            `json:"schema_version"`
	JobID         string            `json:"job_id"`
	Status        JobStatus         `json:"status"`
	ErrorType     ErrorType         `json:"error_type"`
	Metrics       map[string]string `json:"metrics,omitempty"`
	Evidence      map[string]string `json:"evidence,omitempty"`
}
