package sink

import (
	"os"
	"sync"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/processfile"
)

// Sink is a file opened once and closed once.
// It stays open across restarts of the owning unit.
type Sink struct {
	path   string
	mutex  sync.Mutex
	file   *os.File
	closed bool
}

// Open creates or opens path, truncating unless appendMode is set.
// A missing parent directory is created.
func Open(path string, appendMode bool) (*Sink, error) {
	if err := processfile.EnsureDirectory(path); err != nil {
		return nil, err
	}

	flags := os.O_WRONLY | os.O_CREATE
	if appendMode {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}

	file, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, errors.NewIOError("failed to open log sink", err).WithContext("path", path)
	}

	return &Sink{
		path: path,
		file: file,
	}, nil
}

func (s *Sink) Path() string {
	return s.path
}

// Write forwards p unmodified
func (s *Sink) Write(p []byte) (int, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return 0, errors.NewIOError("write to closed log sink", nil).WithContext("path", s.path)
	}

	n, err := s.file.Write(p)
	if err != nil {
		return n, errors.NewIOError("failed to write log sink", err).WithContext("path", s.path)
	}
	return n, nil
}

// WriteLine writes line followed by a newline in a single write
func (s *Sink) WriteLine(line string) error {
	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	_, err := s.Write(buf)
	return err
}

// Close releases the file. Only the first call can return an error.
func (s *Sink) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if err := s.file.Close(); err != nil {
		return errors.NewIOError("failed to close log sink", err).WithContext("path", s.path)
	}
	return nil
}

func (s *Sink) Closed() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.closed
}
