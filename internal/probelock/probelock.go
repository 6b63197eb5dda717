// Package probelock keeps two embed sessions from driving the same probe.
package probelock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/grovetools/embed/errors"
	"github.com/grovetools/embed/pkg/process"
)

// Lock is a held probe lock file.
type Lock struct {
	path     string
	selector string
}

// Acquire writes the current PID to path. A live owner yields PROBE_BUSY;
// a lock left behind by a dead process is taken over.
func Acquire(path, selector string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	if pid, err := Read(path); err == nil {
		if pid != os.Getpid() && process.IsProcessAlive(pid) {
			return nil, errors.ProbeBusy(selector, pid)
		}
		_ = os.Remove(path)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			pid, _ := Read(path)
			return nil, errors.ProbeBusy(selector, pid)
		}
		return nil, fmt.Errorf("failed to create lock file: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(strconv.Itoa(os.Getpid())); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("failed to write lock file: %w", err)
	}
	return &Lock{path: path, selector: selector}, nil
}

// Release removes the lock file if this process still owns it.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	pid, err := Read(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if pid != os.Getpid() {
		return nil
	}
	return os.Remove(l.path)
}

// Path returns the lock file location.
func (l *Lock) Path() string { return l.path }

// Read returns the PID stored in the lock file.
func Read(path string) (int, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(content)))
}

// Owner reports the live process holding path, if any.
func Owner(path string) (int, bool) {
	pid, err := Read(path)
	if err != nil {
		return 0, false
	}
	return pid, process.IsProcessAlive(pid)
}
