package proc

import (
	"os"

	"github.com/drossel-lang/keel/internal/abi"
)

// tryExit polls the wait goroutine's channel without blocking and caches the
// result so later polls keep answering after the one-shot receive. Only the
// table's lock holder calls this, so no extra synchronization is needed.
func (c *Child) tryExit() (int32, bool) {
	if c.waitDone {
		return c.exitCode, true
	}
	select {
	case code := <-c.exited:
		c.waitDone = true
		c.exitCode = code
		return code, true
	default:
		return 0, false
	}
}

func buildEnv(entries []abi.EnvEntry) []string {
	// Children never inherit the runtime's environment: only allowlisted
	// entries are passed, and an empty list means an empty environment.
	env := make([]string, 0, len(entries))
	for _, e := range entries {
		env = append(env, e.Key+"="+e.Value)
	}
	return env
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		if f != nil {
			_ = f.Close()
		}
	}
}
