package contract

import (
	"fmt"
	"os"
	"path/filepath"
)

// Skill is one discovered Skill package: its parsed contract plus the
// directory it lives in, so the kernel can find its script bodies.
type Skill struct {
	Declaration *Declaration
	Dir         string
}

// Registry scans a skill root directory for Skill packages, each a
// subdirectory containing a contract.yaml.
type Registry struct {
	root   string
	skills map[string]*Skill
}

// NewRegistry scans skillRoot immediately, loading every contract.yaml it
// finds one directory deep. A malformed contract does not abort the scan;
// it is simply omitted, matching the bundler's graceful-degradation stance
// toward partial state.
func NewRegistry(skillRoot string) (*Registry, error) {
	r := &Registry{root: skillRoot, skills: make(map[string]*Skill)}

	entries, err := os.ReadDir(skillRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("contract: read skill root %s: %w", skillRoot, err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(skillRoot, entry.Name())
		contractPath := filepath.Join(dir, "contract.yaml")
		if _, statErr := os.Stat(contractPath); statErr != nil {
			continue
		}
		decl, loadErr := Load(contractPath)
		if loadErr != nil {
			continue
		}
		name := decl.Name
		if name == "" {
			name = entry.Name()
		}
		r.skills[name] = &Skill{Declaration: decl, Dir: dir}
	}

	return r, nil
}

// Get looks up a Skill by name.
func (r *Registry) Get(name string) (*Skill, bool) {
	s, ok := r.skills[name]
	return s, ok
}

// Names returns every discovered Skill name.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.skills))
	for n := range r.skills {
		names = append(names, n)
	}
	return names
}
