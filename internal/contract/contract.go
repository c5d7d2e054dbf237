// Package contract parses a Skill's contract.yaml declaration, validates
// it statically, and checks produced outputs against its required list.
package contract

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/skillpilot/skillpilot/internal/protocol"
)

// Declaration is the parsed contract.yaml: a Skill's identity, its script
// entries, and its required outputs.
type Declaration struct {
	Name    string         `yaml:"name"`
	Version string         `yaml:"version"`
	Scripts []string       `yaml:"scripts"`
	Outputs []RequiredOutput `yaml:"outputs"`
	Hints   []string       `yaml:"debug_hints"`

	// SourcePath is the absolute path this declaration was loaded from.
	// Not part of the YAML; filled in by Load.
	SourcePath string `yaml:"-"`
}

// RequiredOutput is one entry in a contract's required-outputs list.
type RequiredOutput struct {
	Path      string `yaml:"path"`
	Glob      string `yaml:"glob,omitempty"`
	NonEmpty  bool   `yaml:"non_empty"`
}

// Load parses a contract.yaml from path and runs static validation.
func Load(path string) (*Declaration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("contract: read %s: %w", path, err)
	}

	var decl Declaration
	if err := yaml.Unmarshal(data, &decl); err != nil {
		return nil, &ValidationError{ErrorType: protocol.ErrContractInvalid, Reason: fmt.Sprintf("parse %s: %v", path, err)}
	}
	decl.SourcePath = path

	return &decl, nil
}

// ValidationError reports a CONTRACT_INVALID failure with the specific
// reason the contract was rejected.
type ValidationError struct {
	ErrorType protocol.ErrorType
	Reason    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("contract invalid: %s", e.Reason)
}

// ValidateStatic enforces the static rules from the contract declaration
// alone, against runDir's reports/ subdirectory. It does not touch the
// filesystem beyond resolving runDir.
func (d *Declaration) ValidateStatic(runDir string) error {
	if len(d.Outputs) == 0 {
		return &ValidationError{ErrorType: protocol.ErrContractInvalid, Reason: "at least one required output must be declared"}
	}

	reportsRoot, err := canonicalDir(filepath.Join(runDir, "reports"))
	if err != nil {
		return fmt.Errorf("contract: resolve reports dir: %w", err)
	}

	for _, o := range d.Outputs {
		if o.Path == "" {
			return &ValidationError{ErrorType: protocol.ErrContractInvalid, Reason: "required output path must not be empty"}
		}
		if filepath.IsAbs(o.Path) {
			return &ValidationError{ErrorType: protocol.ErrContractInvalid, Reason: fmt.Sprintf("required output path %q must be relative", o.Path)}
		}
		if strings.Contains(o.Path, "..") {
			return &ValidationError{ErrorType: protocol.ErrContractInvalid, Reason: fmt.Sprintf("required output path %q must not contain \"..\"", o.Path)}
		}

		// Glob expansion happens post-execution; statically we check that
		// the non-glob portion of the path still resolves under reports/.
		full := filepath.Join(runDir, "reports", o.Path)
		dir := filepath.Dir(full)
		resolvedDir, err := canonicalNearestExisting(dir)
		if err != nil {
			return fmt.Errorf("contract: resolve %q: %w", o.Path, err)
		}
		if !isSubpath(reportsRoot, resolvedDir) {
			return &ValidationError{ErrorType: protocol.ErrContractInvalid, Reason: fmt.Sprintf("required output path %q must resolve under reports/", o.Path)}
		}
	}

	return nil
}

// OutputResult is the post-execution validation outcome for one required
// entry.
type OutputResult struct {
	Output  RequiredOutput
	Matches []MatchedFile
	OK      bool
	Reason  string // set when OK is false: "no_matches" | "empty_match"
}

// MatchedFile is one file that satisfied a required output's glob.
type MatchedFile struct {
	Path string
	Size int64
}

// ValidateOutputs runs the post-execution contract check against runDir's
// reports/ directory. It returns the first failing result's error type
// (OUTPUT_MISSING or OUTPUT_EMPTY) alongside the full per-entry detail.
func (d *Declaration) ValidateOutputs(runDir string) (pass bool, errType protocol.ErrorType, results []OutputResult) {
	reportsDir := filepath.Join(runDir, "reports")
	pass = true

	for _, o := range d.Outputs {
		pattern := o.Glob
		if pattern == "" {
			pattern = o.Path
		}
		matches, err := filepath.Glob(filepath.Join(reportsDir, pattern))
		if err != nil || len(matches) == 0 {
			results = append(results, OutputResult{Output: o, OK: false, Reason: "no_matches"})
			if pass {
				pass = false
				errType = protocol.ErrOutputMissing
			}
			continue
		}

		var matched []MatchedFile
		entryOK := true
		for _, m := range matches {
			info, statErr := os.Stat(m)
			if statErr != nil {
				continue
			}
			matched = append(matched, MatchedFile{Path: m, Size: info.Size()})
			if o.NonEmpty && info.Size() == 0 {
				entryOK = false
			}
		}

		if !entryOK {
			results = append(results, OutputResult{Output: o, Matches: matched, OK: false, Reason: "empty_match"})
			if pass {
				pass = false
				errType = protocol.ErrOutputEmpty
			}
			continue
		}

		results = append(results, OutputResult{Output: o, Matches: matched, OK: true})
	}

	return pass, errType, results
}

// canonicalDir resolves dir to its real path, creating no directories;
// dir need not exist yet.
func canonicalDir(dir string) (string, error) {
	return canonicalNearestExisting(dir)
}

// canonicalNearestExisting walks up from path until it finds a directory
// that exists, resolves that via filepath.EvalSymlinks, then re-appends
// the non-existent suffix. This lets static validation canonicalize
// reports/ subpaths that the Skill has not created yet.
func canonicalNearestExisting(path string) (string, error) {
	clean := filepath.Clean(path)
	suffix := ""
	cur := clean
	for {
		if _, err := os.Stat(cur); err == nil {
			real, err := filepath.EvalSymlinks(cur)
			if err != nil {
				return "", err
			}
			if suffix == "" {
				return real, nil
			}
			return filepath.Join(real, suffix), nil
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			// Nothing on the path exists; fall back to the clean form.
			return clean, nil
		}
		rest := filepath.Base(cur)
		if suffix == "" {
			suffix = rest
		} else {
			suffix = filepath.Join(rest, suffix)
		}
		cur = parent
	}
}

// isSubpath reports whether target is root or lies under root.
func isSubpath(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
