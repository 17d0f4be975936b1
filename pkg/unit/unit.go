package unit

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
	"github.com/core-tools/hsu-supervisor/pkg/metrics"
	"github.com/core-tools/hsu-supervisor/pkg/process"
	"github.com/core-tools/hsu-supervisor/pkg/processfile"
	"github.com/core-tools/hsu-supervisor/pkg/sink"
)

// outputDrainTimeout bounds how long a stopping unit waits for descendants
// that keep a dead child's output pipes open
const outputDrainTimeout = 5 * time.Second

// defaultConsole is shared by every unit that was not given a console
var defaultConsole io.Writer = zapcore.Lock(zapcore.AddSync(os.Stdout))

// Options carries the collaborators a unit does not own
type Options struct {
	// Console receives log() lines of units with console enabled; defaults to stdout
	Console io.Writer
	Metrics *metrics.Metrics
	Logger  logging.Logger
}

// Snapshot is a read-only view of a unit
type Snapshot struct {
	Name        string
	State       State
	PID         int
	Incarnation int
	Restarts    int
	LastExit    *process.ExitStatus
	StartedAt   time.Time
}

// Unit supervises one process definition.
// After Start, every transition happens on the unit's own goroutine.
type Unit struct {
	def     process.Definition
	console io.Writer
	metrics *metrics.Metrics
	logger  logging.Logger

	sinks     *sink.Set
	pidWriter *processfile.PIDFileWriter

	events chan event
	// spawn failures are queued here so the loop never sends to itself
	pending []event
	// incarnations whose waiter has not delivered streams closed yet
	waiting map[int]*process.Child

	ctx     context.Context
	started bool
	done    chan struct{}

	child *process.Child
	// pid of the incarnation whose exit was handled last
	lastPID int

	// Guarded by mutex for Snapshot
	mutex       sync.RWMutex
	state       State
	pid         int
	incarnation int
	restarts    int
	lastExit    *process.ExitStatus
	startedAt   time.Time
}

// New validates def and opens its sinks. Nothing is spawned until Start.
func New(def process.Definition, options Options) (*Unit, error) {
	if err := process.ValidateDefinition(def); err != nil {
		return nil, err
	}

	logger := options.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	console := options.Console
	if console == nil {
		console = defaultConsole
	}

	sinks, err := sink.OpenSet(def.LogFile, def.StdoutFile, def.StderrFile, def.Append)
	if err != nil {
		if domainErr, ok := err.(*errors.DomainError); ok {
			domainErr.WithContext("name", def.Name)
		}
		return nil, err
	}

	u := &Unit{
		def:     def,
		console: console,
		metrics: options.Metrics,
		logger:  logger,
		sinks:   sinks,
		events:  make(chan event),
		waiting: make(map[int]*process.Child),
		done:    make(chan struct{}),
		state:   StateStopped,
	}
	if def.PIDFile != "" {
		u.pidWriter = processfile.NewPIDFileWriter(def.PIDFile, logger)
		if pid, running := u.pidWriter.PreviousOwner(); running {
			logger.Warnf("PID file points to a live process and will be overwritten, name: %s, pid: %d, path: %s",
				def.Name, pid, def.PIDFile)
		}
	}

	logger.Debugf("Unit created, name: %s, restart: %t, console: %t", def.Name, def.Restart, def.Console)

	return u, nil
}

func (u *Unit) Name() string {
	return u.def.Name
}

func (u *Unit) Definition() process.Definition {
	return u.def
}

// Start spawns the first incarnation and hands the unit to its own goroutine.
// Cancelling ctx kills the current child and makes the unit terminal.
func (u *Unit) Start(ctx context.Context) error {
	if ctx == nil {
		return errors.NewInternalError("context cannot be nil", nil)
	}

	u.mutex.Lock()
	if u.started {
		state := u.state
		u.mutex.Unlock()
		return errors.NewConflictError("unit already started", nil).
			WithContext("name", u.def.Name).
			WithContext("current_state", string(state))
	}
	u.started = true
	u.mutex.Unlock()

	u.ctx = ctx

	if err := u.start(); err != nil {
		return err
	}

	go u.run()

	return nil
}

// Done is closed once the unit is terminal and all its goroutines are gone
func (u *Unit) Done() <-chan struct{} {
	return u.done
}

// Wait blocks until the unit is terminal or ctx ends
func (u *Unit) Wait(ctx context.Context) error {
	select {
	case <-u.done:
		return nil
	case <-ctx.Done():
		return errors.NewCancelledError("wait for unit cancelled", ctx.Err()).WithContext("name", u.def.Name)
	}
}

func (u *Unit) Snapshot() Snapshot {
	u.mutex.RLock()
	defer u.mutex.RUnlock()

	snapshot := Snapshot{
		Name:        u.def.Name,
		State:       u.state,
		PID:         u.pid,
		Incarnation: u.incarnation,
		Restarts:    u.restarts,
		StartedAt:   u.startedAt,
	}
	if u.lastExit != nil {
		lastExit := *u.lastExit
		snapshot.LastExit = &lastExit
	}
	return snapshot
}

func (u *Unit) stopping() bool {
	return u.ctx.Err() != nil
}

// start spawns a new incarnation. A spawn failure is not returned: it is
// queued as spawn failed, exited and streams closed events.
func (u *Unit) start() error {
	u.mutex.Lock()
	if !canStartFromState(u.state) {
		state := u.state
		u.mutex.Unlock()
		return errors.NewConflictError(fmt.Sprintf("cannot start unit in state '%s'", state), nil).
			WithContext("name", u.def.Name).
			WithContext("current_state", string(state))
	}
	u.incarnation++
	incarnation := u.incarnation
	u.state = StateRunning
	u.pid = 0
	u.startedAt = time.Now()
	u.mutex.Unlock()

	var stdout, stderr io.Writer
	if u.sinks.Stdout != nil {
		stdout = &chunkWriter{events: u.events, incarnation: incarnation, stream: sink.KindStdout}
	}
	if u.sinks.Stderr != nil {
		stderr = &chunkWriter{events: u.events, incarnation: incarnation, stream: sink.KindStderr}
	}

	child, err := process.Spawn(u.def, stdout, stderr, u.logger)
	if err != nil {
		u.metrics.SpawnFailed(u.def.Name)
		u.pending = append(u.pending,
			spawnFailedEvent{incarnation: incarnation, err: err},
			exitedEvent{incarnation: incarnation, status: process.ExitStatus{Code: -1}},
			streamsClosedEvent{incarnation: incarnation},
		)
		return nil
	}

	pid := child.Pid()
	u.child = child
	u.waiting[incarnation] = child

	u.mutex.Lock()
	u.pid = pid
	u.mutex.Unlock()

	u.metrics.SpawnStarted(u.def.Name)

	go u.waitIncarnation(child, incarnation)

	u.log("Started process %d.", pid)

	if u.pidWriter != nil {
		if err := u.pidWriter.Write(pid); err != nil {
			u.log("%s", err.Error())
		}
	}

	return nil
}

// waitIncarnation reports exit as soon as the process is gone and close once
// its output reached EOF, which may be much later when a descendant holds
// the pipes. Close always follows exit.
func (u *Unit) waitIncarnation(child *process.Child, incarnation int) {
	status, err := child.Wait()
	if err != nil {
		u.logger.Warnf("Wait failed, name: %s, incarnation: %d, error: %v", u.def.Name, incarnation, err)
	}
	u.events <- exitedEvent{incarnation: incarnation, status: status}

	<-child.StreamsClosed()
	u.events <- streamsClosedEvent{incarnation: incarnation}
}

func (u *Unit) run() {
	defer close(u.done)

	cancelled := u.ctx.Done()

	for {
		var ev event
		if len(u.pending) > 0 {
			ev = u.pending[0]
			u.pending = u.pending[1:]
		} else {
			select {
			case ev = <-u.events:
			case <-cancelled:
				cancelled = nil
				u.shutdown()
				continue
			}
		}

		u.handle(ev)

		if u.isTerminal() && len(u.waiting) == 0 && len(u.pending) == 0 {
			u.logger.Debugf("Unit loop finished, name: %s", u.def.Name)
			return
		}
	}
}

func (u *Unit) handle(ev event) {
	switch e := ev.(type) {
	case spawnFailedEvent:
		u.onSpawnFailed(e)
	case exitedEvent:
		u.onExited(e)
	case streamsClosedEvent:
		u.onStreamsClosed(e)
	case chunkEvent:
		u.onChunk(e)
	default:
		u.logger.Errorf("Unknown event, name: %s, event: %T", u.def.Name, ev)
	}
}

func (u *Unit) onSpawnFailed(e spawnFailedEvent) {
	u.logger.Debugf("Spawn failed, name: %s, incarnation: %d, error: %v", u.def.Name, e.incarnation, e.err)
	u.log("%s", e.err.Error())
}

func (u *Unit) onExited(e exitedEvent) {
	u.mutex.RLock()
	current := u.incarnation
	pid := u.pid
	u.mutex.RUnlock()

	if e.incarnation != current {
		u.logger.Warnf("Ignoring exit of stale incarnation, name: %s, incarnation: %d, current: %d",
			u.def.Name, e.incarnation, current)
		return
	}

	wasRunning := u.child != nil
	u.child = nil
	u.lastPID = pid

	status := e.status
	u.mutex.Lock()
	u.state = StateStopped
	u.pid = 0
	u.lastExit = &status
	u.mutex.Unlock()

	u.metrics.Exited(u.def.Name, status.Code, wasRunning)
	u.logger.Debugf("Process exited, name: %s, pid: %d, code: %d, signal: '%s'", u.def.Name, pid, status.Code, status.Signal)

	u.log("Process %d exited.", pid)

	if !u.def.Restart || u.stopping() {
		return
	}

	u.log("Restarting.")

	u.mutex.Lock()
	u.restarts++
	u.mutex.Unlock()
	u.metrics.Restarted(u.def.Name)

	if err := u.start(); err != nil {
		u.logger.Errorf("Restart failed, name: %s, error: %v", u.def.Name, err)
	}
}

// onStreamsClosed releases the sinks once the last incarnation is drained.
// While restarting, the sinks stay open for the next incarnation.
func (u *Unit) onStreamsClosed(e streamsClosedEvent) {
	delete(u.waiting, e.incarnation)

	u.mutex.RLock()
	current := u.incarnation
	state := u.state
	u.mutex.RUnlock()

	if e.incarnation != current || state != StateStopped {
		return
	}
	if u.def.Restart && !u.stopping() {
		return
	}

	u.log("Process %d closed.", u.lastPID)

	if err := u.sinks.CloseAll(); err != nil {
		u.logger.Errorf("Failed to close sinks, name: %s, error: %v", u.def.Name, err)
	}

	u.mutex.Lock()
	u.state = StateTerminal
	u.mutex.Unlock()

	u.metrics.Terminated(u.def.Name)
	u.logger.Infof("Unit terminal, name: %s, incarnations: %d", u.def.Name, current)
}

func (u *Unit) onChunk(e chunkEvent) {
	target := u.sinks.Get(e.stream)
	if target == nil {
		return
	}
	if _, err := target.Write(e.data); err != nil {
		u.sinkError(e.stream, err)
		return
	}
	u.metrics.BytesForwarded(u.def.Name, string(e.stream), len(e.data))
}

// shutdown stops restarting and kills the process group of every incarnation
// that is still running or still holds output open. Output that has not
// reached EOF after outputDrainTimeout is dropped.
func (u *Unit) shutdown() {
	u.logger.Infof("Shutting down unit, name: %s, draining incarnations: %d", u.def.Name, len(u.waiting))

	for incarnation, child := range u.waiting {
		if err := process.KillProcessGroup(child.Pid()); err != nil {
			// the whole group may already be gone
			u.logger.Debugf("Failed to kill process group, name: %s, incarnation: %d, pid: %d, error: %v",
				u.def.Name, incarnation, child.Pid(), err)
		}
		time.AfterFunc(outputDrainTimeout, child.CloseStreams)
	}
}

func (u *Unit) isTerminal() bool {
	u.mutex.RLock()
	defer u.mutex.RUnlock()
	return u.state == StateTerminal
}

// log writes "<name> : <message>" to the console and the combined log
func (u *Unit) log(format string, args ...interface{}) {
	line := u.def.Name + " : " + fmt.Sprintf(format, args...)

	if u.def.Console {
		if _, err := io.WriteString(u.console, line+"\n"); err != nil {
			u.sinkError("console", err)
		}
	}

	if u.sinks.Combined != nil {
		if err := u.sinks.Combined.WriteLine(line); err != nil {
			u.sinkError(sink.KindCombined, err)
		}
	}
}

// sinkError drops the failed write and records it
func (u *Unit) sinkError(target sink.Kind, err error) {
	u.logger.Errorf("Dropped write, name: %s, sink: %s, error: %v", u.def.Name, target, err)
	u.metrics.SinkWriteError(u.def.Name, string(target))
}
