package export

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/BTreeMap/CohortPipe/internal/lockfile"
)

// DefaultOutputPath is where the CLI writes the report when no path is given.
const DefaultOutputPath = "results.json"

// FileDestination writes the report to a local file. The write goes to a
// temporary file in the same directory which is renamed over the target, and the
// directory is locked for the duration so concurrent runs cannot interleave.
type FileDestination struct {
	path  string
	owner string
}

// Compile-time checks that FileDestination implements Destination and Stager.
var (
	_ Destination = (*FileDestination)(nil)
	_ Stager      = (*FileDestination)(nil)
)

// NewFileDestination returns a destination for path. owner (usually the run ID)
// is recorded in the directory lock.
func NewFileDestination(path, owner string) *FileDestination {
	if path == "" {
		path = DefaultOutputPath
	}
	return &FileDestination{path: path, owner: owner}
}

// Path returns the target file path.
func (d *FileDestination) Path() string {
	return d.path
}

func (d *FileDestination) String() string {
	return "file:" + d.path
}

// Write atomically replaces the target file with data.
func (d *FileDestination) Write(ctx context.Context, data []byte) error {
	staged, err := d.Stage(ctx, data)
	if err != nil {
		return err
	}
	return staged.Commit()
}

// Stage writes data to a temporary file next to the target and leaves the
// target untouched until Commit. The directory lock is held until Commit or
// Abort, so a batch can carry at most one file destination per directory.
func (d *FileDestination) Stage(ctx context.Context, data []byte) (Staged, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dir := filepath.Dir(d.path)
	lock, err := lockfile.AcquireLock(dir, d.owner)
	if err != nil {
		return nil, fmt.Errorf("lock output directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(d.path)+".*.tmp")
	if err != nil {
		releaseLock(lock)
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	staged := &stagedFile{lock: lock, tmpName: tmp.Name(), path: d.path, size: len(data)}

	if err := writeTemp(tmp, data); err != nil {
		tmp.Close()
		staged.Abort()
		return nil, err
	}
	slog.Debug("FileDestination Stage: temp file ready", "path", d.path, "temp", staged.tmpName)
	return staged, nil
}

func writeTemp(tmp *os.File, data []byte) error {
	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Chmod(0644); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	return nil
}

// stagedFile is a fully written temp file waiting to be renamed over its target.
type stagedFile struct {
	lock    *lockfile.Lock
	tmpName string
	path    string
	size    int
	done    bool
}

// Commit renames the temp file over the target and releases the directory lock.
func (s *stagedFile) Commit() error {
	if s.done {
		return fmt.Errorf("staged write to %s already finished", s.path)
	}
	s.done = true
	defer releaseLock(s.lock)

	if err := os.Rename(s.tmpName, s.path); err != nil {
		s.removeTemp()
		return fmt.Errorf("rename into place: %w", err)
	}
	slog.Debug("FileDestination Commit: file replaced", "path", s.path, "bytes", s.size)
	return nil
}

// Abort removes the temp file and releases the directory lock. The target is
// left as it was.
func (s *stagedFile) Abort() {
	if s.done {
		return
	}
	s.done = true
	s.removeTemp()
	releaseLock(s.lock)
}

func (s *stagedFile) removeTemp() {
	if err := os.Remove(s.tmpName); err != nil && !os.IsNotExist(err) {
		slog.Warn("FileDestination: failed to remove temp file", "error", err, "path", s.tmpName)
	}
}

func releaseLock(lock *lockfile.Lock) {
	if err := lock.Release(); err != nil {
		slog.Warn("FileDestination: failed to release directory lock", "error", err, "path", lock.Path())
	}
}
