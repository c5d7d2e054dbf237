package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"
	"time"

	"github.com/BurntSushi/toml"
)

// BatchProfile is one named cluster-submission profile loaded from a TOML
// profiles file: the queue to submit into and the command template used
// to build the dsub-style invocation.
type BatchProfile struct {
	Queue           string `toml:"queue"`
	CommandTemplate string `toml:"command_template"`
	Resources       string `toml:"resources,omitempty"`
}

// BatchProfiles is the top-level shape of a batch launcher's profiles
// file: one [profiles.<name>] table per profile, e.g. [profiles.default]
// and [profiles.gpu].
type BatchProfiles struct {
	Profiles map[string]BatchProfile `toml:"profiles"`
}

// LoadBatchProfiles parses a TOML profiles file.
func LoadBatchProfiles(path string) (*BatchProfiles, error) {
	var p BatchProfiles
	if _, err := toml.DecodeFile(path, &p); err != nil {
		return nil, fmt.Errorf("supervisor: decode batch profiles %s: %w", path, err)
	}
	return &p, nil
}

type batchTemplateData struct {
	RunDir     string
	InitScript string
	Queue      string
	Resources  string
}

type batchHandle struct {
	localHandle
}

// BatchLauncher submits the tool session through an interactive cluster
// submission command (e.g. a dsub-style wrapper), rendered from a
// profile's command template. The submitted command is still run and
// waited on as a local child process; what differs from LocalLauncher is
// how the command line itself is constructed.
type BatchLauncher struct {
	Profile BatchProfile
}

// NewBatchLauncher selects profileName out of profiles; falls back to a
// profile named "default" if profileName is empty.
func NewBatchLauncher(profiles *BatchProfiles, profileName string) (*BatchLauncher, error) {
	if profileName == "" {
		profileName = "default"
	}
	profile, ok := profiles.Profiles[profileName]
	if !ok {
		return nil, fmt.Errorf("supervisor: unknown batch profile %q", profileName)
	}
	return &BatchLauncher{Profile: profile}, nil
}

func (b *BatchLauncher) renderCommand(runDir, initScript string) ([]string, error) {
	tmpl, err := template.New("batch_command").Parse(b.Profile.CommandTemplate)
	if err != nil {
		return nil, fmt.Errorf("supervisor: parse command template: %w", err)
	}
	var buf bytes.Buffer
	data := batchTemplateData{
		RunDir:     runDir,
		InitScript: initScript,
		Queue:      b.Profile.Queue,
		Resources:  b.Profile.Resources,
	}
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("supervisor: render command template: %w", err)
	}
	return []string{"/bin/sh", "-c", buf.String()}, nil
}

func (b *BatchLauncher) Start(ctx context.Context, runDir string, env map[string]string, initScript string) (Handle, error) {
	argv, err := b.renderCommand(runDir, initScript)
	if err != nil {
		return nil, &StartFailError{Reason: err.Error()}
	}

	sessionDir := filepath.Join(runDir, "session")
	if err := os.MkdirAll(sessionDir, 0o750); err != nil {
		return nil, fmt.Errorf("supervisor: create session dir: %w", err)
	}

	stdout, err := os.Create(filepath.Join(sessionDir, "supervisor.log"))
	if err != nil {
		return nil, fmt.Errorf("supervisor: create supervisor log: %w", err)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = runDir
	cmd.Stdout = stdout
	cmd.Stderr = stdout
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	if err := cmd.Start(); err != nil {
		stdout.Close()
		return nil, &StartFailError{Reason: err.Error()}
	}

	h := &batchHandle{localHandle: localHandle{runDir: runDir, cmd: cmd, startedAt: time.Now().UTC()}}
	h.writeState(nil)
	h.waitInBackground()
	return h, nil
}

func (b *BatchLauncher) WaitReady(ctx context.Context, h Handle, timeout time.Duration) error {
	return (&LocalLauncher{}).WaitReady(ctx, &h.(*batchHandle).localHandle, timeout)
}

func (b *BatchLauncher) PollHealth(ctx context.Context, h Handle, heartbeatTimeout time.Duration) (Health, error) {
	return (&LocalLauncher{}).PollHealth(ctx, &h.(*batchHandle).localHandle, heartbeatTimeout)
}

func (b *BatchLauncher) Stop(ctx context.Context, h Handle, reason string, grace time.Duration) error {
	return (&LocalLauncher{}).Stop(ctx, &h.(*batchHandle).localHandle, reason, grace)
}
