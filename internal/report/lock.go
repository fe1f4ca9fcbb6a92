package report

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// AcquireLock takes the advisory single-process lock on the reports
// directory. A second process fails here and must exit; the returned release
// removes the lock file.
func AcquireLock(fsys afero.Fs, dir string) (release func(), err error) {
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create reports dir: %w", err)
	}
	path := filepath.Join(dir, ".lock")
	f, err := fsys.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("reports directory %s is locked by another process (remove %s if stale): %w", dir, path, err)
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	if err := f.Close(); err != nil {
		_ = fsys.Remove(path)
		return nil, fmt.Errorf("failed to write lock file: %w", err)
	}
	return func() { _ = fsys.Remove(path) }, nil
}
