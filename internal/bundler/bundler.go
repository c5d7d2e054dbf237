// Package bundler assembles debug_bundle/: a minimal, self-contained
// evidence package produced whenever a job fails.
package bundler

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/skillpilot/skillpilot/internal/protocol"
)

// Index is the schema-versioned debug_bundle/index.json.
type Index struct {
	SchemaVersion string            `json:"schema_version"`
	JobID         string            `json:"job_id"`
	ErrorType     protocol.ErrorType `json:"error_type"`
	Summary       string            `json:"summary"`
	GeneratedAt   time.Time         `json:"generated_at"`
	Pointers      map[string]string `json:"pointers"`
	NextActions   []string          `json:"next_actions"`
}

// ReportEntry is one file in the reports/ inventory.
type ReportEntry struct {
	Path   string    `json:"path"`
	Size   int64     `json:"size"`
	MTime  time.Time `json:"mtime"`
	Digest string    `json:"blake2b_256,omitempty"`
}

// Inputs carries every optional artifact the bundler may have available.
// Every field may be the zero value; the bundler degrades gracefully and
// records in the index only what it actually included.
type Inputs struct {
	RunDir       string
	JobID        string
	ErrorType    protocol.ErrorType
	Summary      string
	ManifestPath string
	TimelinePath string
	LastFailAck  string // path to ack/<request_id>.json, empty if no request was issued
	SessionDir   string // empty if no session was ever started
	ReportsDir   string // empty if no Skill was loaded for the job
	ContractPath string // empty if no Skill contract was loaded
	TailLines    int    // defaults to 2000
	Notes        string
}

// Pack builds debug_bundle/ under in.RunDir according to in.
func Pack(in Inputs) error {
	tailLines := in.TailLines
	if tailLines <= 0 {
		tailLines = 2000
	}

	bundleDir := filepath.Join(in.RunDir, "debug_bundle")
	if err := os.MkdirAll(bundleDir, 0o750); err != nil {
		return fmt.Errorf("bundler: create bundle dir: %w", err)
	}

	idx := Index{
		SchemaVersion: protocol.SchemaVersion,
		JobID:         in.JobID,
		ErrorType:     in.ErrorType,
		Summary:       in.Summary,
		GeneratedAt:   time.Now().UTC(),
		Pointers:      map[string]string{},
		NextActions:   nextActions(in.ErrorType),
	}

	if in.ManifestPath != "" {
		if err := copyFile(in.ManifestPath, filepath.Join(bundleDir, "job_manifest.json")); err == nil {
			idx.Pointers["manifest"] = "job_manifest.json"
		}
	}

	if in.TimelinePath != "" {
		if err := copyFile(in.TimelinePath, filepath.Join(bundleDir, "job_timeline.jsonl")); err == nil {
			idx.Pointers["timeline"] = "job_timeline.jsonl"
		}
	}

	if in.LastFailAck != "" {
		if _, err := os.Stat(in.LastFailAck); err == nil {
			ackDir := filepath.Join(bundleDir, "ack")
			if err := os.MkdirAll(ackDir, 0o750); err == nil {
				name := filepath.Base(in.LastFailAck)
				if err := copyFile(in.LastFailAck, filepath.Join(ackDir, name)); err == nil {
					idx.Pointers["last_fail_ack"] = "ack/" + name
				}
			}
		}
	}

	if in.SessionDir != "" {
		if _, err := os.Stat(in.SessionDir); err == nil {
			sessionBundleDir := filepath.Join(bundleDir, "session")
			if err := os.MkdirAll(sessionBundleDir, 0o750); err == nil {
				statePath := filepath.Join(in.SessionDir, "state.json")
				if _, err := os.Stat(statePath); err == nil {
					_ = copyFile(statePath, filepath.Join(sessionBundleDir, "state.json"))
				}
				for _, logName := range []string{"supervisor.log", "innovus.stdout.log", "innovus.stderr.log"} {
					logPath := filepath.Join(in.SessionDir, logName)
					if _, err := os.Stat(logPath); err == nil {
						_ = tailFile(logPath, filepath.Join(sessionBundleDir, logName+".tail"), tailLines)
					}
				}
				idx.Pointers["session_logs"] = "session/"
			}
		}
	}

	if in.ReportsDir != "" {
		if _, err := os.Stat(in.ReportsDir); err == nil {
			inventoryPath := filepath.Join(bundleDir, "reports_inventory.json")
			if err := writeInventory(in.ReportsDir, inventoryPath); err == nil {
				idx.Pointers["reports_inventory"] = "reports_inventory.json"
			}
		}
	}

	if in.ContractPath != "" {
		if _, err := os.Stat(in.ContractPath); err == nil {
			if err := copyFile(in.ContractPath, filepath.Join(bundleDir, "contract.yaml")); err == nil {
				idx.Pointers["contract"] = "contract.yaml"
			}
		}
	}

	if in.Notes != "" {
		notesPath := filepath.Join(bundleDir, "notes.txt")
		if err := os.WriteFile(notesPath, []byte(in.Notes), 0o640); err == nil {
			idx.Pointers["notes"] = "notes.txt"
		}
	}

	indexPath := filepath.Join(bundleDir, "index.json")
	if err := writeAtomicJSON(indexPath, idx); err != nil {
		return fmt.Errorf("bundler: write index: %w", err)
	}
	return nil
}

// writeAtomicJSON writes v as indented JSON via a same-directory temp
// file followed by rename, the same pattern protocol.WriteAtomic uses for
// the core record types. index.json is bundler-owned, not one of the
// closed taxonomy protocol.WriteAtomic validates, so the bundler funnels
// its own writes through this local copy instead.
func writeAtomicJSON(path string, v interface{}) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()
	if writeErr != nil {
		_ = os.Remove(tmpName)
		return writeErr
	}
	if closeErr != nil {
		_ = os.Remove(tmpName)
		return closeErr
	}
	return os.Rename(tmpName, path)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

func tailFile(src, dst string, maxLines int) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 1<<20), 1<<20)
	for sc.Scan() {
		lines = append(lines, sc.Text())
		if len(lines) > maxLines {
			lines = lines[1:]
		}
	}

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	w := bufio.NewWriter(out)
	for _, l := range lines {
		if _, err := w.WriteString(l); err != nil {
			return err
		}
		if _, err := w.WriteString("\n"); err != nil {
			return err
		}
	}
	return w.Flush()
}

func writeInventory(reportsDir, inventoryPath string) error {
	var entries []ReportEntry

	err := filepath.Walk(reportsDir, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		if info.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(reportsDir, path)
		if relErr != nil {
			return nil
		}
		digest, digestErr := blake2bDigest(path)
		if digestErr != nil {
			digest = ""
		}
		entries = append(entries, ReportEntry{
			Path:   filepath.ToSlash(rel),
			Size:   info.Size(),
			MTime:  info.ModTime(),
			Digest: digest,
		})
		return nil
	})
	if err != nil {
		return err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(inventoryPath, data, 0o640)
}

func blake2bDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// nextActions maps an error_type to its suggested diagnosis steps.
func nextActions(errType protocol.ErrorType) []string {
	switch errType {
	case protocol.ErrLocatorFail:
		return []string{
			"Check if the descriptor and its .enc.dat companion exist and are readable",
			"Try an explicit path, e.g. ./path/to/design.enc",
			"Check permissions and mount points",
		}
	case protocol.ErrSessionStartFail:
		return []string{
			"Check session/supervisor.log for launch errors",
			"Verify the tool installation and license",
			"Check queue availability and resources",
		}
	case protocol.ErrInnovusCrash:
		return []string{
			"Check session/state.json for the exit code",
			"Review the tool's stdout/stderr tail",
			"Check if the design database is corrupted",
		}
	case protocol.ErrHeartbeatLost:
		return []string{
			"Check session/heartbeat's last update time",
			"Verify whether the tool process is still running",
			"Check system resources and queue status",
		}
	case protocol.ErrQueueTimeout:
		return []string{
			"Check if heartbeat is still updating",
			"Review the script's execution logs",
			"Check for infinite loops or long-running operations",
		}
	case protocol.ErrRestoreFail:
		return []string{
			"Review the ack message and the session log tail",
			"Check if the descriptor contains relative-path dependencies",
			"Verify the .enc.dat compatibility",
		}
	case protocol.ErrCmdFail:
		return []string{
			"Check the ack message for the script error",
			"Review the script under scripts/",
			"Check for Tcl syntax errors",
		}
	case protocol.ErrContractInvalid:
		return []string{
			"Review contract.yaml",
			"Ensure at least one required output is specified",
			"Check output path constraints (relative, no .., under reports/)",
		}
	case protocol.ErrOutputMissing:
		return []string{
			"Check reports_inventory.json",
			"Verify the script generated the required outputs",
			"Check contract.yaml's output requirements",
		}
	case protocol.ErrOutputEmpty:
		return []string{
			"Check report file sizes under reports/",
			"Verify the script produced non-empty outputs",
			"Review the script's logic",
		}
	default:
		return []string{"Review debug_bundle contents for details"}
	}
}
