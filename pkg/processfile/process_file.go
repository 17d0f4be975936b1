package processfile

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
	"github.com/core-tools/hsu-supervisor/pkg/process"
	"github.com/core-tools/hsu-supervisor/pkg/processstate"
)

// PIDFileWriter persists the pid of a unit's current incarnation
type PIDFileWriter struct {
	path   string
	logger logging.Logger
}

func NewPIDFileWriter(path string, logger logging.Logger) *PIDFileWriter {
	return &PIDFileWriter{
		path:   path,
		logger: logger,
	}
}

func (w *PIDFileWriter) Path() string {
	return w.path
}

// Write overwrites the pid file with the decimal pid, no trailing newline.
// It runs synchronously on the caller's goroutine.
func (w *PIDFileWriter) Write(pid int) error {
	w.logger.Debugf("Writing PID file, pid: %d, path: %s", pid, w.path)

	if err := EnsureDirectory(w.path); err != nil {
		return err
	}

	if err := os.WriteFile(w.path, []byte(strconv.Itoa(pid)), 0644); err != nil {
		w.logger.Errorf("Failed to write PID file, pid: %d, path: %s, error: %v", pid, w.path, err)
		return errors.NewIOError("failed to write PID file", err).WithContext("pid_file", w.path).WithContext("pid", pid)
	}

	return nil
}

// PreviousOwner reports the pid left in the file by an earlier run and
// whether that process is still alive. A missing or unreadable file reports false.
func (w *PIDFileWriter) PreviousOwner() (int, bool) {
	pid, err := ReadPIDFile(w.path)
	if err != nil {
		return 0, false
	}

	running, err := processstate.IsProcessRunning(pid)
	if err != nil {
		w.logger.Debugf("Failed to probe previous PID, pid: %d, path: %s, error: %v", pid, w.path, err)
		return pid, false
	}

	return pid, running
}

// ReadPIDFile returns the pid stored at path
func ReadPIDFile(path string) (int, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return 0, errors.NewIOError("failed to read PID file", err).WithContext("pid_file", path)
	}
	return process.ValidatePID(string(content))
}

// EnsureDirectory creates the parent directory of path when it is missing
func EnsureDirectory(path string) error {
	dir := filepath.Dir(path)

	info, err := os.Stat(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			return errors.NewIOError("failed to access directory", err).WithContext("directory", dir)
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.NewIOError("failed to create directory", err).WithContext("directory", dir)
		}
		return nil
	}

	if !info.IsDir() {
		return errors.NewIOError("parent path is not a directory", nil).WithContext("path", dir)
	}

	return nil
}
