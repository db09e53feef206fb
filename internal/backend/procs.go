package backend

import (
	"errors"
	"os/exec"
	"sync"
)

// ProcessManager is the registry of live agent, reviewer and verification
// subprocesses. Shutdown calls KillAll so no run outlives the controller.
type ProcessManager struct {
	mu   sync.Mutex
	live map[*exec.Cmd]struct{}
}

// NewProcessManager returns an empty registry.
func NewProcessManager() *ProcessManager {
	return &ProcessManager{live: make(map[*exec.Cmd]struct{})}
}

// Track registers a started command. Unstarted commands are ignored.
func (pm *ProcessManager) Track(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pm.mu.Lock()
	pm.live[cmd] = struct{}{}
	pm.mu.Unlock()
}

// Untrack forgets cmd.
func (pm *ProcessManager) Untrack(cmd *exec.Cmd) {
	pm.mu.Lock()
	delete(pm.live, cmd)
	pm.mu.Unlock()
}

// KillAll sends SIGKILL to every tracked process group.
func (pm *ProcessManager) KillAll() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var errs []error
	for cmd := range pm.live {
		errs = append(errs, killGroup(cmd))
	}
	return errors.Join(errs...)
}

// Count reports how many processes are tracked.
func (pm *ProcessManager) Count() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.live)
}
