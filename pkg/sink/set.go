package sink

import (
	"github.com/core-tools/hsu-supervisor/pkg/errors"
)

// Kind names one of a unit's sinks
type Kind string

const (
	KindCombined Kind = "logfile"
	KindStdout   Kind = "stdout"
	KindStderr   Kind = "stderr"
)

// Set holds the optional sinks of one unit; a nil entry is disabled
type Set struct {
	Combined *Sink
	Stdout   *Sink
	Stderr   *Sink
}

// OpenSet opens every non-empty path with the shared append mode.
// On failure the sinks already opened are closed again.
func OpenSet(combined, stdout, stderr string, appendMode bool) (*Set, error) {
	set := &Set{}

	targets := []struct {
		path string
		dst  **Sink
	}{
		{combined, &set.Combined},
		{stdout, &set.Stdout},
		{stderr, &set.Stderr},
	}

	for _, target := range targets {
		if target.path == "" {
			continue
		}
		s, err := Open(target.path, appendMode)
		if err != nil {
			set.CloseAll()
			return nil, err
		}
		*target.dst = s
	}

	return set, nil
}

// Get returns the sink of the given kind or nil
func (s *Set) Get(kind Kind) *Sink {
	switch kind {
	case KindCombined:
		return s.Combined
	case KindStdout:
		return s.Stdout
	case KindStderr:
		return s.Stderr
	}
	return nil
}

// CloseAll closes every enabled sink and reports all failures together
func (s *Set) CloseAll() error {
	collection := errors.NewErrorCollection()
	for _, sk := range []*Sink{s.Combined, s.Stdout, s.Stderr} {
		if sk == nil {
			continue
		}
		if err := sk.Close(); err != nil {
			collection.Add(err)
		}
	}
	return collection.ToError()
}
