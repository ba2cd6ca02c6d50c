// Package lockfile guards an export directory so two CohortPipe runs cannot
// write result documents into it at the same time.
//
// Locks are flock(2) based and are released by the kernel when the process exits,
// so a crashed run never leaves the directory permanently locked.
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

// LockFileName is the name of the lock file created in the guarded directory.
const LockFileName = ".cohortpipe.lock"

// Lock represents an active directory lock.
type Lock struct {
	file     *os.File
	path     string
	acquired bool
}

// AcquireLock takes an exclusive lock on dir, creating the directory if needed.
// owner is recorded in the lock file next to the PID (typically the run ID) and
// is reported to a competing run that fails to acquire the lock.
func AcquireLock(dir, owner string) (*Lock, error) {
	lockPath := filepath.Join(dir, LockFileName)

	slog.Debug("Lockfile AcquireLock: attempting to acquire lock", "lock_path", lockPath, "owner", owner)

	if err := os.MkdirAll(dir, 0755); err != nil {
		slog.Error("Lockfile AcquireLock: failed to create directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	// Do not truncate before holding the lock: the holder's info must survive
	// for readExistingLockInfo.
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		slog.Error("Lockfile AcquireLock: failed to open lock file", "error", err, "lock_path", lockPath)
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		holder := readExistingLockInfo(lockPath)
		slog.Error("Lockfile AcquireLock: directory is locked by another run",
			"error", err, "lock_path", lockPath, "holder", holder)
		return nil, &LockError{
			LockPath:     lockPath,
			ExistingInfo: holder,
			Cause:        err,
		}
	}

	if err := writeLockInfo(file, owner); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		slog.Error("Lockfile AcquireLock: failed to write lock information", "error", err, "lock_path", lockPath)
		return nil, fmt.Errorf("failed to write lock information to %s: %w", lockPath, err)
	}

	slog.Debug("Lockfile AcquireLock: lock acquired", "lock_path", lockPath, "pid", os.Getpid())
	return &Lock{file: file, path: lockPath, acquired: true}, nil
}

func writeLockInfo(file *os.File, owner string) error {
	if err := file.Truncate(0); err != nil {
		return err
	}
	info := fmt.Sprintf("pid=%d\n", os.Getpid())
	if owner != "" {
		info += fmt.Sprintf("owner=%s\n", owner)
	}
	if _, err := file.WriteAt([]byte(info), 0); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		slog.Warn("Lockfile AcquireLock: failed to sync lock file", "error", err, "path", file.Name())
	}
	return nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Release unlocks and removes the lock file. It is safe to call more than once.
func (l *Lock) Release() error {
	if !l.acquired || l.file == nil {
		return nil
	}

	// Remove while still holding the lock so a waiting run never sees our stale info.
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("Lockfile Release: failed to remove lock file", "error", err, "lock_path", l.path)
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Error("Lockfile Release: failed to release flock", "error", err, "lock_path", l.path)
	}
	err := l.file.Close()

	l.acquired = false
	l.file = nil

	if err != nil {
		return fmt.Errorf("failed to close lock file %s: %w", l.path, err)
	}
	slog.Debug("Lockfile Release: lock released", "lock_path", l.path)
	return nil
}

// LockError is returned when the directory is locked by another process.
type LockError struct {
	LockPath     string
	ExistingInfo string
	Cause        error
}

func (e *LockError) Error() string {
	msg := fmt.Sprintf("another CohortPipe run is writing to the same output directory (lock file %s", e.LockPath)
	if e.ExistingInfo != "" {
		msg += ", held by " + e.ExistingInfo
	}
	return msg + "); if no run is active the lock is stale and can be removed with: rm " + e.LockPath
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

// readExistingLockInfo describes the holder of lockPath for error messages.
func readExistingLockInfo(lockPath string) string {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return "unknown holder"
	}
	content := string(data)
	if strings.TrimSpace(content) == "" {
		return "unknown holder"
	}

	var parts []string
	if pid := extractField(content, "pid"); pid != "" {
		if n, err := strconv.Atoi(pid); err == nil && n > 0 {
			state := "not running"
			if isProcessRunning(n) {
				state = "running"
			}
			parts = append(parts, fmt.Sprintf("PID %d (%s)", n, state))
		}
	}
	if owner := extractField(content, "owner"); owner != "" {
		parts = append(parts, "run "+owner)
	}
	if len(parts) == 0 {
		return strings.TrimSpace(content)
	}
	return strings.Join(parts, ", ")
}

// extractField returns the value of a "key=value" line in content.
func extractField(content, key string) string {
	prefix := key + "="
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(line, prefix))
		}
	}
	return ""
}

// isProcessRunning reports whether pid exists, using signal 0.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
