package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/skillpilot/skillpilot/internal/protocol"
	"github.com/skillpilot/skillpilot/internal/queueproc"
	"github.com/skillpilot/skillpilot/internal/rundir"
)

// fakeHandle is the Handle returned by FakeLauncher.
type fakeHandle struct {
	runDir    string
	pid       int
	startedAt time.Time
	stop      chan struct{}
	done      chan struct{}
	runner    *queueproc.Runner
}

func (h *fakeHandle) RunDir() string { return h.runDir }

// writeState persists session/state.json for the fake session, mirroring
// what a real launcher's supervisor process would own — the fake has no
// real PID, so it records its own goroutine's process id as a stand-in.
func (h *fakeHandle) writeState(exitCode *int, stoppedGraceful bool) {
	state := &protocol.SessionState{
		SchemaVersion:   protocol.SchemaVersion,
		PID:             h.pid,
		StartedAt:       h.startedAt,
		ExitCode:        exitCode,
		StoppedGraceful: stoppedGraceful,
	}
	if info, err := os.Stat(filepath.Join(h.runDir, "session", "heartbeat")); err == nil {
		mtime := info.ModTime()
		state.LastHeartbeat = &mtime
	}
	_ = protocol.WriteAtomic(rundir.StatePath(h.runDir), state)
}

// FakeLauncher is an in-memory test double standing in for a real tool
// session. It writes session/ready immediately, refreshes
// session/heartbeat on an interval, and drives an embedded
// queueproc.Runner so submitted requests are actually acked — tests can
// exercise the full orchestrator without a real EDA tool installed.
type FakeLauncher struct {
	// HeartbeatInterval defaults to 200ms if zero.
	HeartbeatInterval time.Duration
	// Crash, if true, makes the session exit on Stop instead of stopping
	// gracefully, simulating INNOVUS_CRASH.
	Crash bool
	// WithholdHeartbeat, if true, never refreshes session/heartbeat after
	// the initial touch, simulating HEARTBEAT_LOST.
	WithholdHeartbeat bool
	// Execute backs the embedded queue processor's script execution; the
	// default always succeeds. Tests inject failures here to simulate
	// RESTORE_FAIL/CMD_FAIL outcomes.
	Execute func(scriptPath string) error

	mu      sync.Mutex
	crashed bool
}

func (f *FakeLauncher) Start(ctx context.Context, runDir string, env map[string]string, initScript string) (Handle, error) {
	sessionDir := filepath.Join(runDir, "session")
	if err := os.MkdirAll(sessionDir, 0o750); err != nil {
		return nil, err
	}

	heartbeatPath := filepath.Join(sessionDir, "heartbeat")
	if err := touch(heartbeatPath); err != nil {
		return nil, err
	}
	if err := touch(filepath.Join(sessionDir, "ready")); err != nil {
		return nil, err
	}

	interval := f.HeartbeatInterval
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}

	h := &fakeHandle{
		runDir:    runDir,
		pid:       os.Getpid(),
		startedAt: time.Now().UTC(),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	h.writeState(nil, false)

	runner := queueproc.NewRunner(runDir, filepath.Base(runDir))
	runner.Interval = 50 * time.Millisecond
	runner.SkipHeartbeat = true // the ticker below owns heartbeat refresh
	if f.Execute != nil {
		runner.Execute = f.Execute
	}
	runner.Start()
	h.runner = runner

	go func() {
		defer close(h.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-h.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if f.WithholdHeartbeat {
					continue
				}
				_ = touch(heartbeatPath)
			}
		}
	}()

	return h, nil
}

func (f *FakeLauncher) WaitReady(ctx context.Context, handle Handle, timeout time.Duration) error {
	h := handle.(*fakeHandle)
	readyPath := filepath.Join(h.runDir, "session", "ready")
	if _, err := os.Stat(readyPath); err != nil {
		return &StartFailError{Reason: "fake session never became ready"}
	}
	return nil
}

func (f *FakeLauncher) PollHealth(ctx context.Context, handle Handle, heartbeatTimeout time.Duration) (Health, error) {
	h := handle.(*fakeHandle)

	f.mu.Lock()
	crashed := f.crashed
	f.mu.Unlock()
	if crashed {
		return HealthCrashed, nil
	}

	info, err := os.Stat(filepath.Join(h.runDir, "session", "heartbeat"))
	if err != nil {
		return HealthAlive, nil
	}
	if time.Since(info.ModTime()) > heartbeatTimeout {
		return HealthHeartbeatLost, nil
	}
	return HealthAlive, nil
}

func (f *FakeLauncher) Stop(ctx context.Context, handle Handle, reason string, grace time.Duration) error {
	h := handle.(*fakeHandle)
	if err := touch(filepath.Join(h.runDir, "session", "stop")); err != nil {
		return err
	}
	close(h.stop)
	<-h.done
	if h.runner != nil {
		h.runner.Stop()
	}

	if f.Crash {
		f.mu.Lock()
		f.crashed = true
		f.mu.Unlock()
		crashCode := 1
		h.writeState(&crashCode, false)
	} else {
		okCode := 0
		h.writeState(&okCode, true)
	}
	return nil
}

func touch(path string) error {
	now := time.Now()
	if err := os.Chtimes(path, now, now); err == nil {
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	return f.Close()
}
