// Package rundir creates and populates the fixed on-disk layout for a
// single job: <cwd>/.skillpilot/runs/<job_id>/ with its scripts/, queue/,
// ack/, reports/, session/, and debug_bundle/ subdirectories.
package rundir

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/skillpilot/skillpilot/internal/protocol"
)

// Subdirectory names, fixed by the on-disk contract.
const (
	DirScripts     = "scripts"
	DirQueue       = "queue"
	DirAck         = "ack"
	DirReports     = "reports"
	DirSession     = "session"
	DirDebugBundle = "debug_bundle"
)

// Builder creates run directories under a fixed root.
type Builder struct {
	cwd string
}

// New creates a Builder rooted at cwd. cwd is a parameter, never the
// process's working directory.
func New(cwd string) *Builder {
	return &Builder{cwd: cwd}
}

// RunsRoot returns <cwd>/.skillpilot/runs.
func (b *Builder) RunsRoot() string {
	return filepath.Join(b.cwd, ".skillpilot", "runs")
}

// NewJobID mints a lexicographically-ordered job id: a UTC timestamp plus
// a short random suffix, so concurrent callers never collide and
// directory listings sort chronologically.
func NewJobID() string {
	ts := time.Now().UTC().Format("20060102_150405")
	suffix := uuid.New().String()[:8]
	return fmt.Sprintf("%s_%s", ts, suffix)
}

// Create builds the fixed directory tree for a brand-new job id, writes a
// RUNNING manifest stub, and emits the initial STATE_ENTER(INIT) timeline
// event. It refuses to reuse an existing job id.
func (b *Builder) Create(jobID string) (runDir string, manifest *protocol.Manifest, timeline *protocol.Timeline, err error) {
	runDir = filepath.Join(b.RunsRoot(), jobID)

	if _, statErr := os.Stat(runDir); statErr == nil {
		return "", nil, nil, fmt.Errorf("rundir: job id %q already exists", jobID)
	} else if !os.IsNotExist(statErr) {
		return "", nil, nil, fmt.Errorf("rundir: stat %s: %w", runDir, statErr)
	}

	for _, sub := range []string{DirScripts, DirQueue, DirAck, DirReports, DirSession, DirDebugBundle} {
		if err := os.MkdirAll(filepath.Join(runDir, sub), 0o750); err != nil {
			return "", nil, nil, fmt.Errorf("rundir: create %s: %w", sub, err)
		}
	}

	manifest = &protocol.Manifest{
		SchemaVersion: protocol.SchemaVersion,
		JobID:         jobID,
		CreatedAt:     time.Now().UTC(),
		Status:        protocol.StatusRunning,
		ErrorType:     protocol.ErrOK,
		Runtime: protocol.RuntimeInfo{
			CWD:    b.cwd,
			RunDir: runDir,
		},
	}
	manifestPath := filepath.Join(runDir, "job_manifest.json")
	if err := protocol.WriteAtomic(manifestPath, manifest); err != nil {
		return "", nil, nil, fmt.Errorf("rundir: write initial manifest: %w", err)
	}

	timeline, err = protocol.NewTimeline(runDir, jobID)
	if err != nil {
		return "", nil, nil, fmt.Errorf("rundir: create timeline: %w", err)
	}
	if err := timeline.StateEnter("INIT"); err != nil {
		return "", nil, nil, fmt.Errorf("rundir: write initial timeline event: %w", err)
	}

	return runDir, manifest, timeline, nil
}

// ManifestPath returns the fixed manifest path for a run directory.
func ManifestPath(runDir string) string {
	return filepath.Join(runDir, "job_manifest.json")
}

// Path joins one of the fixed subdirectory names onto a run directory.
func Path(runDir, sub string) string {
	return filepath.Join(runDir, sub)
}

// StatePath returns the fixed session/state.json path for a run
// directory — the supervisor's exclusively-owned record of the launched
// process (pid, start time, exit code, last observed heartbeat).
func StatePath(runDir string) string {
	return filepath.Join(runDir, DirSession, "state.json")
}
