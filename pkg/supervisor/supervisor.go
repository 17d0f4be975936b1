package supervisor

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
	"github.com/core-tools/hsu-supervisor/pkg/metrics"
	"github.com/core-tools/hsu-supervisor/pkg/process"
	"github.com/core-tools/hsu-supervisor/pkg/unit"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"
)

const defaultShutdownTimeout = 30 * time.Second

type Options struct {
	// Console is shared by every unit with console enabled
	Console         io.Writer
	Metrics         *metrics.Metrics
	ShutdownTimeout time.Duration
}

// State represents the current state of the supervisor
type State string

const (
	StateNotStarted State = "not_started"
	StateRunning    State = "running"
	StateStopping   State = "stopping"
	StateStopped    State = "stopped"
)

// Supervisor owns one unit per process definition.
// Units never report back; the supervisor only observes them.
type Supervisor struct {
	runID       string
	options     Options
	definitions map[string]process.Definition
	logger      logging.Logger

	units  []*unit.Unit
	cancel context.CancelFunc
	state  State
	mutex  sync.Mutex
}

func New(definitions map[string]process.Definition, options Options, logger logging.Logger) *Supervisor {
	if options.ShutdownTimeout <= 0 {
		options.ShutdownTimeout = defaultShutdownTimeout
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Supervisor{
		runID:       uuid.NewString(),
		options:     options,
		definitions: definitions,
		logger:      logger,
		state:       StateNotStarted,
	}
}

// Start creates and starts a unit per definition, in name order.
// An invalid entry is skipped and reported; the others still start.
func (s *Supervisor) Start(ctx context.Context) error {
	if ctx == nil {
		return errors.NewInternalError("context cannot be nil", nil)
	}

	s.mutex.Lock()
	if s.state != StateNotStarted {
		state := s.state
		s.mutex.Unlock()
		return errors.NewConflictError("supervisor already started", nil).WithContext("current_state", string(state))
	}
	unitCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.state = StateRunning
	s.mutex.Unlock()

	s.logger.Infof("Starting supervisor, run id: %s, processes: %d", s.runID, len(s.definitions))

	names := make([]string, 0, len(s.definitions))
	for name := range s.definitions {
		names = append(names, name)
	}
	sort.Strings(names)

	errorCollection := errors.NewErrorCollection()
	for _, name := range names {
		def := s.definitions[name]
		def.Name = name

		u, err := unit.New(def, unit.Options{
			Console: s.options.Console,
			Metrics: s.options.Metrics,
			Logger:  logging.WithPrefix(s.logger, "unit: "+name+" , "),
		})
		if err != nil {
			s.logger.Errorf("Failed to create unit, name: '%s', error: %v", name, err)
			errorCollection.Add(wrapUnitError(name, err))
			continue
		}

		if err := u.Start(unitCtx); err != nil {
			s.logger.Errorf("Failed to start unit, name: '%s', error: %v", name, err)
			errorCollection.Add(wrapUnitError(name, err))
			continue
		}

		s.mutex.Lock()
		s.units = append(s.units, u)
		s.mutex.Unlock()

		s.logger.Infof("Started unit, name: %s", name)
	}

	s.logger.Infof("Supervisor started, units: %d, failed: %d", len(s.Units()), len(errorCollection.Errors))

	return errorCollection.ToError()
}

// RunID identifies this supervisor instance in logs and metrics
func (s *Supervisor) RunID() string {
	return s.runID
}

// Units returns the started units in name order
func (s *Supervisor) Units() []*unit.Unit {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	units := make([]*unit.Unit, len(s.units))
	copy(units, s.units)
	return units
}

func (s *Supervisor) Snapshots() []unit.Snapshot {
	units := s.Units()
	snapshots := make([]unit.Snapshot, 0, len(units))
	for _, u := range units {
		snapshots = append(snapshots, u.Snapshot())
	}
	return snapshots
}

func (s *Supervisor) GetState() State {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.state
}

// Done is closed once every unit is terminal
func (s *Supervisor) Done() <-chan struct{} {
	units := s.Units()
	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg conc.WaitGroup
		for _, u := range units {
			u := u
			wg.Go(func() { <-u.Done() })
		}
		wg.Wait()
	}()
	return done
}

// Wait blocks until every unit is terminal or ctx ends
func (s *Supervisor) Wait(ctx context.Context) error {
	for _, u := range s.Units() {
		if err := u.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Stop kills every child, stops restarts and waits for all units to close their sinks
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mutex.Lock()
	if s.state != StateRunning {
		state := s.state
		s.mutex.Unlock()
		if state == StateStopped || state == StateStopping {
			return nil
		}
		return errors.NewConflictError("supervisor is not running", nil).WithContext("current_state", string(state))
	}
	s.state = StateStopping
	cancel := s.cancel
	s.mutex.Unlock()

	s.logger.Infof("Stopping supervisor...")

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancelTimeout := context.WithTimeout(ctx, s.options.ShutdownTimeout)
	defer cancelTimeout()

	cancel()

	p := pool.New().WithErrors()
	for _, u := range s.Units() {
		u := u
		p.Go(func() error {
			if err := u.Wait(ctx); err != nil {
				s.logger.Errorf("Unit did not stop in time, name: %s, error: %v", u.Name(), err)
				return err
			}
			return nil
		})
	}
	err := p.Wait()

	s.mutex.Lock()
	s.state = StateStopped
	s.mutex.Unlock()

	s.logger.Infof("Supervisor stopped")

	return err
}

// wrapUnitError names the offending entry and keeps the original error type
func wrapUnitError(name string, err error) error {
	errorType := errors.ErrorTypeInternal
	if domainErr, ok := err.(*errors.DomainError); ok {
		errorType = domainErr.Type
	}
	return errors.NewDomainError(errorType, fmt.Sprintf("process '%s'", name), err).WithContext("name", name)
}
