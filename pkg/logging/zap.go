package logging

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapConfig configures the zap backend of the operational logger
type ZapConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json", "console"
	Output string `yaml:"output"` // "stdout", "stderr" or a file path
	Caller bool   `yaml:"caller"`
}

func DefaultZapConfig() ZapConfig {
	return ZapConfig{
		Level:  "info",
		Format: "console",
		Output: "stderr",
	}
}

// ZapBackend owns the zap logger behind a Logger
type ZapBackend struct {
	logger *zap.Logger
	sugar  *zap.SugaredLogger
	close  func()

	syncOnce sync.Once
	syncErr  error
}

// NewZapBackend builds a zap logger from config.
// Unknown levels fall back to info.
func NewZapBackend(config ZapConfig) (*ZapBackend, error) {
	level, err := getLevelFromString(config.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
	encoderConfig.LevelKey = "level"
	encoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder

	var encoder zapcore.Encoder
	switch config.Format {
	case "json":
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	default:
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	output := config.Output
	if output == "" {
		output = "stderr"
	}
	writeSyncer, closeOutput, err := zap.Open(output)
	if err != nil {
		return nil, fmt.Errorf("failed to open log output %q: %w", output, err)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(writeSyncer), level)

	opts := []zap.Option{zap.AddStacktrace(zapcore.ErrorLevel)}
	if config.Caller {
		opts = append(opts, zap.AddCaller(), zap.AddCallerSkip(2))
	}

	zapLogger := zap.New(core, opts...)
	return &ZapBackend{
		logger: zapLogger,
		sugar:  zapLogger.Sugar(),
		close:  closeOutput,
	}, nil
}

// Logger returns a prefix logger writing through this backend
func (z *ZapBackend) Logger(prefix string) Logger {
	return NewLogger(prefix, LogFuncs{
		Debugf: z.sugar.Debugf,
		Infof:  z.sugar.Infof,
		Warnf:  z.sugar.Warnf,
		Errorf: z.sugar.Errorf,
	})
}

// Sync flushes buffered entries and releases the output.
// Later calls return the result of the first one.
func (z *ZapBackend) Sync() error {
	z.syncOnce.Do(func() {
		z.syncErr = z.logger.Sync()
		if z.close != nil {
			z.close()
		}
	})
	return z.syncErr
}

// zap v1.20 has no zapcore.ParseLevel
func getLevelFromString(levelStr string) (zapcore.Level, error) {
	switch levelStr {
	case "debug":
		return zap.DebugLevel, nil
	case "info", "":
		return zap.InfoLevel, nil
	case "warn":
		return zap.WarnLevel, nil
	case "error":
		return zap.ErrorLevel, nil
	default:
		return -1, fmt.Errorf("invalid log level: %s", levelStr)
	}
}

// ValidLogLevel reports whether level is accepted by the zap backend
func ValidLogLevel(level string) bool {
	_, err := getLevelFromString(level)
	return err == nil
}
