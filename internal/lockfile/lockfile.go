// Package lockfile guards the state directory against concurrent msibot
// instances using a flock-held lock file. The kernel releases the lock when
// the process exits, so crashes never leave the directory permanently
// locked.
package lockfile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// LockFileName is the lock file created inside the state directory.
const LockFileName = "msibot.lock"

// Lock is a held state directory lock.
type Lock struct {
	file *os.File
	path string
}

// AcquireLock takes an exclusive lock on the state directory, creating the
// directory if needed. When another process holds the lock the returned
// error is a *LockError describing the holder.
func AcquireLock(stateDir string) (*Lock, error) {
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	path := filepath.Join(stateDir, LockFileName)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		holder := describeHolder(path)
		slog.Error("lockfile.AcquireLock: lock held by another msibot instance",
			"lock_path", path, "holder", holder)
		return nil, &LockError{LockPath: path, ExistingInfo: holder, Cause: err}
	}

	if err := writePID(file); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock information to %s: %w", path, err)
	}

	slog.Info("lockfile.AcquireLock: state directory locked", "lock_path", path, "pid", os.Getpid())
	return &Lock{file: file, path: path}, nil
}

// writePID records the holder's PID in the lock file so a conflicting
// instance can report who owns the lock.
func writePID(file *os.File) error {
	if _, err := fmt.Fprintf(file, "pid=%d\n", os.Getpid()); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		slog.Warn("lockfile.writePID: sync failed", "error", err)
	}
	return nil
}

// Release drops the lock and removes the lock file. Safe to call more than
// once.
func (l *Lock) Release() error {
	if l.file == nil {
		return nil
	}

	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Error("lockfile.Release: failed to release flock", "error", err, "lock_path", l.path)
	}
	if err := l.file.Close(); err != nil {
		slog.Error("lockfile.Release: failed to close lock file", "error", err, "lock_path", l.path)
	}
	if err := os.Remove(l.path); err != nil {
		slog.Error("lockfile.Release: failed to remove lock file", "error", err, "lock_path", l.path)
	}
	l.file = nil

	slog.Info("lockfile.Release: state directory lock released", "lock_path", l.path)
	return nil
}

// LockError reports a lock held by another process.
type LockError struct {
	LockPath     string
	ExistingInfo string
	Cause        error
}

func (e *LockError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Another msibot instance is already running using the same state directory.\n\nLock file: %s", e.LockPath)
	if e.ExistingInfo != "" {
		fmt.Fprintf(&b, "\nExisting process: %s", e.ExistingInfo)
	}
	fmt.Fprintf(&b, "\n\nIf you're certain no other msibot instance is running, the lock file may be stale.\n"+
		"You can manually remove it with:\n  rm %s\n\n"+
		"WARNING: Only remove the lock file if you're absolutely sure no other msibot instance is running,\n"+
		"as this could lead to data corruption if multiple instances access the same state directory.", e.LockPath)
	return b.String()
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

// describeHolder reads the existing lock file and reports its owner,
// including whether that process is still alive.
func describeHolder(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return "unable to read lock file information"
	}
	content := string(data)
	if content == "" {
		return "lock file exists but contains no process information"
	}

	pid := extractPIDFromLockInfo(content)
	switch {
	case pid <= 0:
		return fmt.Sprintf("process information: %s", content)
	case isProcessRunning(pid):
		return fmt.Sprintf("PID %d (running)", pid)
	default:
		return fmt.Sprintf("PID %d (not running - stale lock)", pid)
	}
}

// extractPIDFromLockInfo pulls the PID out of a "pid=NNNN" lock file entry,
// returning 0 when none is found.
func extractPIDFromLockInfo(content string) int {
	const prefix = "pid="
	idx := strings.Index(content, prefix)
	if idx == -1 {
		return 0
	}
	rest := content[idx+len(prefix):]
	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	pid, err := strconv.Atoi(rest[:end])
	if err != nil {
		return 0
	}
	return pid
}

// isProcessRunning checks whether the PID is alive by sending signal 0.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
