package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/core-tools/hsu-supervisor/pkg/config"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
	"github.com/core-tools/hsu-supervisor/pkg/supervisor"

	flags "github.com/jessevdk/go-flags"
)

type flagOptions struct {
	Config          string        `long:"config" short:"c" description:"path to the process configuration file (YAML or JSON)" required:"true"`
	LogLevel        string        `long:"log-level" description:"operational log level: debug, info, warn, error (overrides the config file)"`
	LogFormat       string        `long:"log-format" description:"operational log format: console or json"`
	LogOutput       string        `long:"log-output" description:"operational log output: stderr, stdout or a file path"`
	RunDuration     time.Duration `long:"run-duration" description:"stop the daemon after this duration, e.g. 30s"`
	MetricsFile     string        `long:"metrics-file" description:"write prometheus metrics to this textfile"`
	MetricsInterval time.Duration `long:"metrics-interval" description:"how often the metrics textfile is refreshed"`
	Check           bool          `long:"check" description:"validate the configuration file and exit"`
}

func main() {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	_, err := parser.ParseArgs(argv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	if opts.Check {
		cfg, err := supervisor.ValidateConfigFile(opts.Config)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Configuration is invalid: %v\n", err)
			os.Exit(1)
		}
		if err := writeConfigSummary(os.Stdout, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render configuration summary: %v\n", err)
		}
		fmt.Printf("Configuration is valid, processes: %d\n", len(cfg.Processes))
		os.Exit(0)
	}

	cfg, err := config.LoadConfigFromFile(opts.Config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	zapConfig := resolveZapConfig(opts, cfg.Supervisor)
	if !logging.ValidLogLevel(zapConfig.Level) {
		fmt.Fprintf(os.Stderr, "Invalid log level: %s\n", zapConfig.Level)
		os.Exit(1)
	}

	backend, err := logging.NewZapBackend(zapConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer backend.Sync()

	logger := backend.Logger("module: hsu-supervisor , ")
	logger.Infof("opts: %+v", opts)

	runOptions := supervisor.RunOptions{
		RunDuration:     opts.RunDuration,
		MetricsFile:     cfg.Supervisor.MetricsFile,
		MetricsInterval: cfg.Supervisor.MetricsInterval,
		Console:         zapcore.Lock(os.Stdout),
	}
	if opts.MetricsFile != "" {
		runOptions.MetricsFile = opts.MetricsFile
	}
	if opts.MetricsInterval > 0 {
		runOptions.MetricsInterval = opts.MetricsInterval
	}

	if err := supervisor.Run(context.Background(), cfg, runOptions, logger); err != nil {
		logger.Errorf("Supervisor finished with errors: %v", err)
		backend.Sync()
		os.Exit(1)
	}
}

// resolveZapConfig lets command line flags override the config file
func resolveZapConfig(opts flagOptions, options config.SupervisorOptions) logging.ZapConfig {
	zapConfig := logging.DefaultZapConfig()

	if options.LogLevel != "" {
		zapConfig.Level = options.LogLevel
	}
	if options.LogFormat != "" {
		zapConfig.Format = options.LogFormat
	}
	if options.LogOutput != "" {
		zapConfig.Output = options.LogOutput
	}

	if opts.LogLevel != "" {
		zapConfig.Level = opts.LogLevel
	}
	if opts.LogFormat != "" {
		zapConfig.Format = opts.LogFormat
	}
	if opts.LogOutput != "" {
		zapConfig.Output = opts.LogOutput
	}

	return zapConfig
}
