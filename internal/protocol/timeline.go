package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Timeline is the append-only audit log for one job. A single Timeline
// instance must be the only writer for the life of the job — concurrent
// writers are not supported, matching the "single writer per job" rule
// for job_timeline.jsonl.
type Timeline struct {
	mu    sync.Mutex
	jobID string
	path  string
}

// NewTimeline opens (creating if necessary) the timeline file for append.
func NewTimeline(runDir, jobID string) (*Timeline, error) {
	path := filepath.Join(runDir, "job_timeline.jsonl")
	if err := os.MkdirAll(runDir, 0o750); err != nil {
		return nil, fmt.Errorf("protocol: create run dir: %w", err)
	}
	// Touch the file so readers never see ENOENT before the first event.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("protocol: open timeline: %w", err)
	}
	_ = f.Close()

	return &Timeline{jobID: jobID, path: path}, nil
}

// Append writes one complete JSON line to the timeline. Each call opens,
// appends, and closes the file so partially written lines are never left
// behind by a crash mid-write (the write itself is a single buffered
// syscall for typical line sizes).
func (t *Timeline) Append(ev TimelineEvent) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ev.SchemaVersion == "" {
		ev.SchemaVersion = SchemaVersion
	}
	ev.JobID = t.jobID
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("protocol: marshal timeline event: %w", err)
	}
	data = append(data, '\n')

	f, err := os.OpenFile(t.path, os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("protocol: open timeline for append: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("protocol: append timeline event: %w", err)
	}
	return nil
}

// StateEnter appends a STATE_ENTER event at INFO level.
func (t *Timeline) StateEnter(state string) error {
	return t.Append(TimelineEvent{Level: "INFO", Event: "STATE_ENTER", State: state})
}

// StateExit appends a STATE_EXIT event at INFO level.
func (t *Timeline) StateExit(state string) error {
	return t.Append(TimelineEvent{Level: "INFO", Event: "STATE_EXIT", State: state})
}

// Action appends an ACTION event at INFO level with free-form data.
func (t *Timeline) Action(name string, data map[string]interface{}) error {
	return t.Append(TimelineEvent{Level: "INFO", Event: "ACTION", Message: name, Data: data})
}

// Done appends the single terminal DONE event.
func (t *Timeline) Done(message string) error {
	return t.Append(TimelineEvent{Level: "INFO", Event: "DONE", Message: message})
}

// Fail appends the single terminal FAIL event at ERROR level.
func (t *Timeline) Fail(errorType ErrorType, message string) error {
	return t.Append(TimelineEvent{
		Level:   "ERROR",
		Event:   "FAIL",
		Message: message,
		Data:    map[string]interface{}{"error_type": string(errorType)},
	})
}

// ReadAll loads every event in the timeline, in file order.
func (t *Timeline) ReadAll() ([]TimelineEvent, error) {
	return ReadTimeline(t.path)
}

// ReadTimeline loads every event from a job_timeline.jsonl file at path.
func ReadTimeline(path string) ([]TimelineEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("protocol: open timeline: %w", err)
	}
	defer f.Close()

	var events []TimelineEvent
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 1<<20), 1<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev TimelineEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, fmt.Errorf("protocol: parse timeline line: %w", err)
		}
		if ev.SchemaVersion != "" && ev.SchemaVersion != SchemaVersion {
			return nil, &ErrUnknownSchemaVersion{Path: path, Version: ev.SchemaVersion}
		}
		events = append(events, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("protocol: scan timeline: %w", err)
	}
	return events, nil
}
