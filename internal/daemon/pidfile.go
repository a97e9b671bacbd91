// Package daemon tracks the single running headspace server through a PID
// file in the state directory.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrAlreadyRunning is returned by Acquire when a live server owns the file.
var ErrAlreadyRunning = errors.New("server already running")

// ErrNotRunning is returned when no live server owns the file.
var ErrNotRunning = errors.New("server not running")

// FileName is the PID file name inside the state directory.
const FileName = "headspace-serve.pid"

// PIDFile is the on-disk record of the serving process.
type PIDFile struct {
	Path string
}

// NewPIDFile returns a PIDFile at path.
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{Path: path}
}

// InStateDir returns the PIDFile for a state directory.
func InStateDir(stateDir string) *PIDFile {
	return NewPIDFile(filepath.Join(stateDir, FileName))
}

// Acquire records the current process as the server. A file left behind
// by a dead process is replaced.
func (p *PIDFile) Acquire() error {
	if pid, ok := p.Running(); ok && pid != os.Getpid() {
		return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
	}
	if err := os.MkdirAll(filepath.Dir(p.Path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	return p.WritePID(os.Getpid())
}

// Release removes the file if it still names the current process.
func (p *PIDFile) Release() error {
	pid, err := p.Read()
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if pid != os.Getpid() {
		return nil
	}
	return p.Remove()
}

// WritePID writes pid to the file.
func (p *PIDFile) WritePID(pid int) error {
	return os.WriteFile(p.Path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

// Read returns the recorded pid.
func (p *PIDFile) Read() (int, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid PID file content %q", strings.TrimSpace(string(data)))
	}
	return pid, nil
}

// Remove deletes the file.
func (p *PIDFile) Remove() error {
	return os.Remove(p.Path)
}

// Running reports the recorded pid and whether that process is alive.
func (p *PIDFile) Running() (int, bool) {
	pid, err := p.Read()
	if err != nil {
		return 0, false
	}
	return pid, processAlive(pid)
}

// Stop asks the recorded server to terminate and waits up to timeout for
// it to exit. The file is removed once the process is gone.
func (p *PIDFile) Stop(timeout time.Duration) (int, error) {
	pid, ok := p.Running()
	if !ok {
		if pid != 0 {
			_ = p.Remove()
		}
		return pid, ErrNotRunning
	}
	if err := terminate(pid); err != nil {
		return pid, fmt.Errorf("signal pid %d: %w", pid, err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = timeout
	err := backoff.Retry(func() error {
		if processAlive(pid) {
			return fmt.Errorf("pid %d still alive", pid)
		}
		return nil
	}, b)
	if err != nil {
		return pid, fmt.Errorf("wait for exit: %w", err)
	}
	if err := p.Remove(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return pid, err
	}
	return pid, nil
}
