// Package daemon manages the PID and state files that let `pulsed status`
// find a running agent.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/natefinch/atomic"
	"github.com/shirou/gopsutil/v4/process"
)

// ErrAlreadyRunning is returned by Acquire when a live process owns the PID file.
var ErrAlreadyRunning = errors.New("daemon: already running")

// State is written by the running agent and read by status.
type State struct {
	PID          int       `json:"pid"`
	StartedAt    time.Time `json:"started_at"`
	Version      string    `json:"version"`
	AgentID      string    `json:"agent_id,omitempty"`
	StatusListen string    `json:"status_listen,omitempty"`
	DataDir      string    `json:"data_dir,omitempty"`
}

// Status is what `pulsed status` prints.
type Status struct {
	Running bool
	// Stale is set when a PID file exists but its process is gone.
	Stale     bool
	PID       int
	StartedAt time.Time
	Uptime    time.Duration
	State     *State
}

// Manager handles daemon lifecycle files.
type Manager struct {
	pidFile   string
	stateFile string
	alive     func(pid int) bool
}

// NewManager creates a Manager for the given file paths.
func NewManager(pidFile, stateFile string) *Manager {
	return &Manager{pidFile: pidFile, stateFile: stateFile, alive: isProcessRunning}
}

// Acquire writes the current PID, replacing a stale PID file.
func (m *Manager) Acquire() error {
	if pid, err := m.ReadPID(); err == nil && pid != os.Getpid() && m.alive(pid) {
		return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
	}
	if err := os.MkdirAll(filepath.Dir(m.pidFile), 0700); err != nil {
		return fmt.Errorf("create pid dir: %w", err)
	}
	return atomic.WriteFile(m.pidFile, strings.NewReader(strconv.Itoa(os.Getpid())))
}

// ReadPID reads the PID file.
func (m *Manager) ReadPID() (int, error) {
	data, err := os.ReadFile(m.pidFile)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid PID file %s", m.pidFile)
	}
	return pid, nil
}

// WriteState records the running agent's state.
func (m *Manager) WriteState(state State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(m.stateFile), 0700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	if err := atomic.WriteFile(m.stateFile, strings.NewReader(string(data))); err != nil {
		return err
	}
	return os.Chmod(m.stateFile, 0600)
}

// ReadState reads the state file.
func (m *Manager) ReadState() (*State, error) {
	data, err := os.ReadFile(m.stateFile)
	if err != nil {
		return nil, err
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	return &state, nil
}

// Status inspects the PID and state files.
func (m *Manager) Status(now time.Time) Status {
	var st Status
	if pid, err := m.ReadPID(); err == nil {
		st.PID = pid
		st.Running = m.alive(pid)
		st.Stale = !st.Running
	}
	if state, err := m.ReadState(); err == nil {
		st.State = state
		if st.Running && state.PID == st.PID {
			st.StartedAt = state.StartedAt
			st.Uptime = now.Sub(state.StartedAt)
		}
	}
	return st
}

// SignalStop sends SIGTERM to the running agent.
func (m *Manager) SignalStop() error {
	pid, err := m.ReadPID()
	if err != nil {
		return fmt.Errorf("read PID: %w", err)
	}
	if !m.alive(pid) {
		return fmt.Errorf("process %d is not running", pid)
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process: %w", err)
	}
	return p.Signal(syscall.SIGTERM)
}

// WaitForStop polls until the agent exits or ctx is done.
func (m *Manager) WaitForStop(ctx context.Context) error {
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	for {
		pid, err := m.ReadPID()
		if err != nil || !m.alive(pid) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("daemon did not stop: %w", ctx.Err())
		case <-t.C:
		}
	}
}

// Release removes the PID and state files if they belong to this process.
func (m *Manager) Release() {
	if pid, err := m.ReadPID(); err == nil && pid != os.Getpid() {
		return
	}
	os.Remove(m.pidFile)
	os.Remove(m.stateFile)
}

func isProcessRunning(pid int) bool {
	ok, err := process.PidExists(int32(pid))
	return err == nil && ok
}
