// Package locator resolves a user query (an explicit path or a design
// name) to a design-database pair: a descriptor file (<name>.enc) and its
// companion data directory or file (<name>.enc.dat).
package locator

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/skillpilot/skillpilot/internal/protocol"
)

// Candidate is one located design-database pair.
type Candidate struct {
	EncPath string
	DatPath string
	ModTime time.Time
	Size    int64
}

// ToProtocol converts a Candidate to its wire representation.
func (c Candidate) ToProtocol() protocol.Candidate {
	return protocol.Candidate{
		EncPath:   c.EncPath,
		DatPath:   c.DatPath,
		ModTime:   c.ModTime,
		SizeBytes: c.Size,
	}
}

// FromProtocol converts a manifest's recorded Candidate back into a
// locator Candidate, so a paused job's candidate list can be reloaded
// from job_manifest.json across process restarts.
func FromProtocol(p protocol.Candidate) Candidate {
	return Candidate{EncPath: p.EncPath, DatPath: p.DatPath, ModTime: p.ModTime, Size: p.SizeBytes}
}

// Mode names how a query was interpreted.
type Mode string

const (
	ModeExplicitPath Mode = "explicit_path"
	ModeNameScan     Mode = "cwd_scan"
)

// Result is the outcome of a Locate call.
type Result struct {
	Mode       Mode
	Candidates []Candidate // empty on failure, len==1 on unique match, >1 on ambiguity

	// Selected is set when exactly one candidate was found, or by Resume
	// once the caller has chosen one of several.
	Selected *Candidate
	// SelectionReason is "direct_match", "unique_scan_result", or a
	// failure reason such as "explicit_path_not_found"/"enc_dat_missing".
	SelectionReason string

	// FailErrorType is set when locating failed outright (not ambiguity).
	FailErrorType protocol.ErrorType
}

// Success reports whether a candidate is selected.
func (r Result) Success() bool { return r.Selected != nil }

// NeedsSelection reports whether more than one candidate was found and
// the caller must invoke resume_job with a chosen index.
func (r Result) NeedsSelection() bool { return r.Selected == nil && len(r.Candidates) > 1 }

// Locator resolves design-database queries relative to a fixed cwd.
type Locator struct {
	cwd       string
	scanDepth int
}

// New creates a Locator rooted at cwd, scanning up to maxDepth directory
// levels below cwd during name scans (default 3).
func New(cwd string, maxDepth int) *Locator {
	if maxDepth <= 0 {
		maxDepth = 3
	}
	return &Locator{cwd: cwd, scanDepth: maxDepth}
}

// Locate resolves query to a design-database candidate or candidate list.
func (l *Locator) Locate(query string) (Result, error) {
	if isExplicitPath(query) {
		return l.locateExplicit(query)
	}
	return l.locateScan(query)
}

func isExplicitPath(query string) bool {
	return strings.ContainsAny(query, "/\\") ||
		strings.HasSuffix(query, ".enc") ||
		strings.HasPrefix(query, "./") ||
		strings.HasPrefix(query, ".\\")
}

func (l *Locator) locateExplicit(query string) (Result, error) {
	var encPath string
	if filepath.IsAbs(query) {
		encPath = filepath.Clean(query)
	} else {
		encPath = filepath.Clean(filepath.Join(l.cwd, query))
	}

	if _, err := os.Stat(encPath); err != nil {
		if os.IsNotExist(err) {
			return Result{
				Mode:            ModeExplicitPath,
				SelectionReason: "explicit_path_not_found",
				FailErrorType:   protocol.ErrLocatorFail,
			}, nil
		}
		return Result{}, fmt.Errorf("locator: stat %s: %w", encPath, err)
	}

	datPath := encPath + ".dat"
	if _, err := os.Stat(datPath); err != nil {
		if os.IsNotExist(err) {
			return Result{
				Mode:            ModeExplicitPath,
				SelectionReason: "enc_dat_missing",
				FailErrorType:   protocol.ErrLocatorFail,
			}, nil
		}
		return Result{}, fmt.Errorf("locator: stat %s: %w", datPath, err)
	}

	info, err := os.Stat(encPath)
	if err != nil {
		return Result{}, fmt.Errorf("locator: stat %s: %w", encPath, err)
	}

	cand := Candidate{EncPath: encPath, DatPath: datPath, ModTime: info.ModTime(), Size: info.Size()}
	return Result{
		Mode:            ModeExplicitPath,
		Candidates:      []Candidate{cand},
		Selected:        &cand,
		SelectionReason: "direct_match",
	}, nil
}

func (l *Locator) locateScan(query string) (Result, error) {
	target := query + ".enc"
	var candidates []Candidate

	err := filepath.Walk(l.cwd, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			// Unreadable subtree: skip it rather than fail the whole scan.
			if info != nil && info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		rel, relErr := filepath.Rel(l.cwd, path)
		if relErr != nil {
			return nil
		}
		depth := strings.Count(rel, string(filepath.Separator))

		if info.IsDir() {
			if path != l.cwd && depth > l.scanDepth {
				return filepath.SkipDir
			}
			return nil
		}
		if depth > l.scanDepth {
			return nil
		}
		if info.Name() != target {
			return nil
		}

		datPath := path + ".dat"
		if _, statErr := os.Stat(datPath); statErr != nil {
			// No companion data: this hit doesn't count as a candidate.
			return nil
		}

		candidates = append(candidates, Candidate{
			EncPath: path,
			DatPath: datPath,
			ModTime: info.ModTime(),
			Size:    info.Size(),
		})
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("locator: scan %s: %w", l.cwd, err)
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].EncPath < candidates[j].EncPath })

	switch len(candidates) {
	case 0:
		return Result{
			Mode:            ModeNameScan,
			SelectionReason: "no_candidates",
			FailErrorType:   protocol.ErrLocatorFail,
		}, nil
	case 1:
		sel := candidates[0]
		return Result{
			Mode:            ModeNameScan,
			Candidates:      candidates,
			Selected:        &sel,
			SelectionReason: "unique_scan_result",
		}, nil
	default:
		return Result{
			Mode:       ModeNameScan,
			Candidates: candidates,
		}, nil
	}
}

// Resume re-enters locate with a chosen candidate index from a prior
// ambiguous Result, recording "user_selected" as the selection reason.
func Resume(candidates []Candidate, index int) (Result, error) {
	if index < 0 || index >= len(candidates) {
		return Result{}, fmt.Errorf("locator: selection index %d out of range [0,%d)", index, len(candidates))
	}
	sel := candidates[index]
	return Result{
		Candidates:      candidates,
		Selected:        &sel,
		SelectionReason: "user_selected",
	}, nil
}
