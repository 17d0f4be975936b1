package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/processfile"
)

const namespace = "supervisor"

// Metrics counts unit lifecycle events on a private registry.
// All methods are safe on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	spawns         *prometheus.CounterVec
	spawnFailures  *prometheus.CounterVec
	exits          *prometheus.CounterVec
	restarts       *prometheus.CounterVec
	bytesForwarded *prometheus.CounterVec
	sinkErrors     *prometheus.CounterVec
	unitsRunning   prometheus.Gauge
	unitsTerminal  prometheus.Gauge

	residentMemory *prometheus.GaugeVec
	cpuSeconds     *prometheus.GaugeVec
	startTime      *prometheus.GaugeVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		spawns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "spawns_total",
				Help:      "Child processes started per unit",
			},
			[]string{"unit"},
		),
		spawnFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "spawn_failures_total",
				Help:      "Child processes that could not be started per unit",
			},
			[]string{"unit"},
		),
		exits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "exits_total",
				Help:      "Child process exits per unit and exit code, -1 when signalled or never started",
			},
			[]string{"unit", "code"},
		),
		restarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "restarts_total",
				Help:      "Restarts triggered by a child exit per unit",
			},
			[]string{"unit"},
		),
		bytesForwarded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_forwarded_total",
				Help:      "Child output bytes written to log sinks",
			},
			[]string{"unit", "stream"},
		),
		sinkErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sink_write_errors_total",
				Help:      "Dropped writes to log sinks",
			},
			[]string{"unit", "sink"},
		),
		unitsRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "units_running",
				Help:      "Units with a live child process",
			},
		),
		unitsTerminal: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "units_terminal",
				Help:      "Units that finished and released their sinks",
			},
		),
		residentMemory: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "unit_resident_memory_bytes",
				Help:      "Resident memory of the unit's current child",
			},
			[]string{"unit"},
		),
		cpuSeconds: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "unit_cpu_seconds",
				Help:      "User plus system CPU time of the unit's current child",
			},
			[]string{"unit"},
		),
		startTime: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "start_time_seconds",
				Help:      "Unix time the supervisor run started",
			},
			[]string{"run_id"},
		),
	}

	m.registry.MustRegister(
		m.spawns,
		m.spawnFailures,
		m.exits,
		m.restarts,
		m.bytesForwarded,
		m.sinkErrors,
		m.unitsRunning,
		m.unitsTerminal,
		m.residentMemory,
		m.cpuSeconds,
		m.startTime,
	)

	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) SpawnStarted(unit string) {
	if m == nil {
		return
	}
	m.spawns.WithLabelValues(unit).Inc()
	m.unitsRunning.Inc()
}

func (m *Metrics) SpawnFailed(unit string) {
	if m == nil {
		return
	}
	m.spawnFailures.WithLabelValues(unit).Inc()
}

// Exited records the end of an incarnation; wasRunning is false after a spawn failure
func (m *Metrics) Exited(unit string, code int, wasRunning bool) {
	if m == nil {
		return
	}
	m.exits.WithLabelValues(unit, strconv.Itoa(code)).Inc()
	if wasRunning {
		m.unitsRunning.Dec()
	}
}

func (m *Metrics) Restarted(unit string) {
	if m == nil {
		return
	}
	m.restarts.WithLabelValues(unit).Inc()
}

func (m *Metrics) Terminated(unit string) {
	if m == nil {
		return
	}
	m.unitsTerminal.Inc()
}

func (m *Metrics) BytesForwarded(unit, stream string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesForwarded.WithLabelValues(unit, stream).Add(float64(n))
}

func (m *Metrics) SinkWriteError(unit, sink string) {
	if m == nil {
		return
	}
	m.sinkErrors.WithLabelValues(unit, sink).Inc()
}

// SetRunInfo records when this supervisor run started
func (m *Metrics) SetRunInfo(runID string, started time.Time) {
	if m == nil {
		return
	}
	m.startTime.WithLabelValues(runID).Set(float64(started.Unix()))
}

// ObserveProcess samples memory and CPU of a unit's live child.
// A pid of zero drops the unit's series.
func (m *Metrics) ObserveProcess(unit string, pid int) error {
	if m == nil {
		return nil
	}
	if pid <= 0 {
		m.residentMemory.DeleteLabelValues(unit)
		m.cpuSeconds.DeleteLabelValues(unit)
		return nil
	}

	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		m.residentMemory.DeleteLabelValues(unit)
		m.cpuSeconds.DeleteLabelValues(unit)
		return errors.NewProcessError("failed to inspect process", err).WithContext("unit", unit).WithContext("pid", pid)
	}

	collection := errors.NewErrorCollection()

	if memory, err := proc.MemoryInfo(); err == nil {
		m.residentMemory.WithLabelValues(unit).Set(float64(memory.RSS))
	} else {
		collection.Add(errors.NewProcessError("failed to read memory info", err).WithContext("unit", unit).WithContext("pid", pid))
	}

	if times, err := proc.Times(); err == nil {
		m.cpuSeconds.WithLabelValues(unit).Set(times.User + times.System)
	} else {
		collection.Add(errors.NewProcessError("failed to read cpu times", err).WithContext("unit", unit).WithContext("pid", pid))
	}

	return collection.ToError()
}

// WriteTextfile dumps the registry in the text exposition format.
// The file is replaced atomically.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil {
		return nil
	}
	if err := processfile.EnsureDirectory(path); err != nil {
		return err
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return errors.NewIOError("failed to write metrics textfile", err).WithContext("path", path)
	}
	return nil
}
