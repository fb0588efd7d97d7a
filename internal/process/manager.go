// Package process supervises the git subprocesses the pack backend
// spawns. Every subprocess runs in its own process group so that
// terminating it also reaps whatever git forked underneath (pack-objects,
// hooks), and a graceful SIGTERM window precedes the SIGKILL.
package process

import (
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Handle tracks one running git subprocess.
type Handle struct {
	Service   string    `json:"service"`
	Pathname  string    `json:"pathname"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`

	cmd   *exec.Cmd
	grace time.Duration

	mu         sync.Mutex
	terminated bool
}

// Manager starts and tracks git subprocesses.
type Manager struct {
	grace time.Duration

	mu    sync.Mutex
	procs map[int]*Handle
}

// NewManager returns a manager giving subprocesses grace between SIGTERM
// and SIGKILL.
func NewManager(grace time.Duration) *Manager {
	if grace <= 0 {
		grace = 5 * time.Second
	}
	return &Manager{grace: grace, procs: make(map[int]*Handle)}
}

// Start launches cmd in its own process group and tracks it. The caller
// must follow up with Wait on the returned handle.
func (m *Manager) Start(cmd *exec.Cmd, service, pathname string) (*Handle, error) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawning %s: %w", service, err)
	}

	h := &Handle{
		Service:   service,
		Pathname:  pathname,
		PID:       cmd.Process.Pid,
		StartedAt: time.Now(),
		cmd:       cmd,
		grace:     m.grace,
	}
	m.mu.Lock()
	m.procs[h.PID] = h
	m.mu.Unlock()
	return h, nil
}

// Wait blocks until the subprocess exits and drops it from the tracker.
func (m *Manager) Wait(h *Handle) error {
	err := h.cmd.Wait()
	m.mu.Lock()
	delete(m.procs, h.PID)
	m.mu.Unlock()
	return err
}

// Count reports how many subprocesses are currently running.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.procs)
}

// List snapshots the running subprocesses.
func (m *Manager) List() []*Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]*Handle, 0, len(m.procs))
	for _, h := range m.procs {
		result = append(result, h)
	}
	return result
}

// TerminateAll signals every tracked subprocess, for shutdown.
func (m *Manager) TerminateAll() {
	for _, h := range m.List() {
		h.Terminate()
	}
}

// Terminate kills the subprocess's whole process group, SIGTERM first
// and SIGKILL after the grace period. Safe to call more than once.
func (h *Handle) Terminate() {
	h.mu.Lock()
	if h.terminated {
		h.mu.Unlock()
		return
	}
	h.terminated = true
	h.mu.Unlock()

	pgid, err := syscall.Getpgid(h.PID)
	if err != nil {
		h.cmd.Process.Signal(syscall.SIGTERM)
	} else {
		syscall.Kill(-pgid, syscall.SIGTERM)
	}
	go func() {
		time.Sleep(h.grace)
		if pgid, err := syscall.Getpgid(h.PID); err == nil {
			syscall.Kill(-pgid, syscall.SIGKILL)
		}
	}()
}
