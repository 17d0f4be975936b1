package unit

import (
	"github.com/core-tools/hsu-supervisor/pkg/process"
	"github.com/core-tools/hsu-supervisor/pkg/sink"
)

// event is one lifecycle notification for a single incarnation
type event interface {
	incarnationOf() int
}

type spawnFailedEvent struct {
	incarnation int
	err         error
}

type exitedEvent struct {
	incarnation int
	status      process.ExitStatus
}

type streamsClosedEvent struct {
	incarnation int
}

type chunkEvent struct {
	incarnation int
	stream      sink.Kind
	data        []byte
}

func (e spawnFailedEvent) incarnationOf() int   { return e.incarnation }
func (e exitedEvent) incarnationOf() int        { return e.incarnation }
func (e streamsClosedEvent) incarnationOf() int { return e.incarnation }
func (e chunkEvent) incarnationOf() int         { return e.incarnation }

// chunkWriter turns child output into chunk events.
// Each stream has a single copy goroutine, so ordering within a stream is kept.
type chunkWriter struct {
	events      chan<- event
	incarnation int
	stream      sink.Kind
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	// the copy reuses its buffer
	data := make([]byte, len(p))
	copy(data, p)
	w.events <- chunkEvent{
		incarnation: w.incarnation,
		stream:      w.stream,
		data:        data,
	}
	return len(p), nil
}
