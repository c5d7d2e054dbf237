// Package supervisor starts, monitors, and reaps a tool session under a
// pluggable launch strategy, distinguishing crashes from hangs via
// heartbeat staleness.
package supervisor

import (
	"context"
	"time"

	"github.com/skillpilot/skillpilot/internal/protocol"
)

// Health is the result of a single poll_health check.
type Health string

const (
	HealthAlive          Health = "alive"
	HealthHeartbeatLost  Health = "heartbeat_lost"
	HealthCrashed        Health = "crashed"
)

// Handle identifies one launched session to its Launcher.
type Handle interface {
	// RunDir is the run directory this session was launched for.
	RunDir() string
}

// Launcher abstracts over how a tool process is started. It does not
// interpret Skill semantics; it only runs and watches a process. Test
// doubles implement this interface to replace a real launcher without any
// code changes in the orchestrator or kernel.
type Launcher interface {
	// Start launches the tool, pointed at an initialization script under
	// scripts/. It returns a Handle identifying the launched session.
	Start(ctx context.Context, runDir string, env map[string]string, initScript string) (Handle, error)

	// WaitReady blocks until session/ready exists or the first heartbeat
	// update arrives, or returns SESSION_START_FAIL on timeout.
	WaitReady(ctx context.Context, h Handle, timeout time.Duration) error

	// PollHealth combines process liveness with heartbeat staleness.
	PollHealth(ctx context.Context, h Handle, heartbeatTimeout time.Duration) (Health, error)

	// Stop writes session/stop, waits a grace period, then signals
	// termination.
	Stop(ctx context.Context, h Handle, reason string, grace time.Duration) error
}

// StartFailError reports a SESSION_START_FAIL outcome.
type StartFailError struct {
	Reason string
}

func (e *StartFailError) Error() string { return "session start failed: " + e.Reason }

// ErrorType maps a StartFailError to its taxonomy classification.
func (e *StartFailError) ErrorType() protocol.ErrorType { return protocol.ErrSessionStartFail }
