package supervisor

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/config"
	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
	"github.com/core-tools/hsu-supervisor/pkg/metrics"
)

type RunOptions struct {
	// RunDuration bounds the daemon lifetime; zero runs until signalled
	RunDuration     time.Duration
	MetricsFile     string
	MetricsInterval time.Duration
	ShutdownTimeout time.Duration
	Console         io.Writer
}

// Run supervises every process in cfg until a signal arrives, the run
// duration ends, ctx is cancelled, or every unit is terminal.
// Bootstrap failures do not stop the remaining units; they are returned at the end.
func Run(ctx context.Context, cfg *config.Config, options RunOptions, logger logging.Logger) error {
	if cfg == nil {
		return errors.NewConfigurationError("configuration cannot be nil", nil)
	}

	logger.Infof("Supervisor runner starting...")

	if options.RunDuration > 0 {
		logger.Infof("Using RUN DURATION of %v", options.RunDuration)
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, options.RunDuration)
		defer cancel()
	}

	var m *metrics.Metrics
	if options.MetricsFile != "" {
		m = metrics.New()
		logger.Infof("Writing metrics to %s every %v", options.MetricsFile, options.MetricsInterval)
	}

	supervisor := New(cfg.Processes, Options{
		Console:         options.Console,
		Metrics:         m,
		ShutdownTimeout: options.ShutdownTimeout,
	}, logging.WithPrefix(logger, "supervisor , "))

	m.SetRunInfo(supervisor.RunID(), time.Now())

	bootstrapErr := supervisor.Start(ctx)
	if bootstrapErr != nil {
		logger.Errorf("Some processes could not be started: %v", bootstrapErr)
		if len(supervisor.Units()) == 0 {
			return bootstrapErr
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	metricsDone := make(chan struct{})
	metricsStopped := make(chan struct{})
	go func() {
		defer close(metricsStopped)
		runMetricsWriter(m, supervisor, options.MetricsFile, options.MetricsInterval, metricsDone, logger)
	}()

	logger.Infof("Supervisor is running, units: %d", len(supervisor.Units()))

	select {
	case receivedSignal := <-sig:
		logger.Infof("Supervisor runner received signal: %v", receivedSignal)
	case <-ctx.Done():
		logger.Infof("Supervisor runner context done: %v", ctx.Err())
	case <-supervisor.Done():
		logger.Infof("All units are terminal")
	}

	if err := supervisor.Stop(context.Background()); err != nil {
		logger.Errorf("Supervisor stop incomplete: %v", err)
	}

	close(metricsDone)
	<-metricsStopped

	logger.Infof("Supervisor runner stopped")

	return bootstrapErr
}

// runMetricsWriter refreshes the textfile until done, then writes it once more.
// Each refresh samples the live children first.
func runMetricsWriter(m *metrics.Metrics, supervisor *Supervisor, path string, interval time.Duration, done <-chan struct{}, logger logging.Logger) {
	if m == nil || path == "" {
		<-done
		return
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}

	write := func() {
		for _, snapshot := range supervisor.Snapshots() {
			if err := m.ObserveProcess(snapshot.Name, snapshot.PID); err != nil {
				// the child may exit between snapshot and sample
				logger.Debugf("Failed to sample process, name: %s, error: %v", snapshot.Name, err)
			}
		}
		if err := m.WriteTextfile(path); err != nil {
			logger.Warnf("Failed to write metrics, path: %s, error: %v", path, err)
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	write()
	for {
		select {
		case <-ticker.C:
			write()
		case <-done:
			write()
			return
		}
	}
}

// ValidateConfigFile loads and validates a configuration file without starting anything
func ValidateConfigFile(configFile string) (*config.Config, error) {
	cfg, err := config.LoadConfigFromFile(configFile)
	if err != nil {
		return nil, err
	}

	if err := config.ValidateConfig(cfg); err != nil {
		return cfg, errors.NewConfigurationError("configuration validation failed", err).WithContext("config_file", configFile)
	}

	return cfg, nil
}
