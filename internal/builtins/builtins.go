// ABOUTME: Registers the kernel's built-in agent kinds with an agent registry
// ABOUTME: heartbeat, cron, echo and recorder ship with every kernel build

package builtins

import (
	"errors"

	"github.com/clarityos/clarity-kernel/internal/agent"
)

// Built-in agent kinds.
const (
	KindHeartbeat = "heartbeat"
	KindCron      = "cron"
	KindEcho      = "echo"
	KindRecorder  = "recorder"
)

// Register adds every built-in kind to reg.
func Register(reg *agent.Registry) error {
	return errors.Join(
		reg.Register(KindHeartbeat, NewHeartbeat),
		reg.Register(KindCron, NewCron),
		reg.Register(KindEcho, NewEcho),
		reg.Register(KindRecorder, NewRecorder),
	)
}

func ptr[T any](v T) *T { return &v }
