// Package logging wires the gateway's structured logger. It mirrors
// the checked-entry idiom from utils/log.go (a package-level
// *zap.Logger plus CanLog* guards that let call sites skip building
// log fields when the level isn't enabled), and additionally wires
// github.com/natefinch/lumberjack as the rotating file sink.
package logging

import (
	"os"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level values mirror the log_ constants of utils/log.go: smaller is
// more verbose.
const (
	LevelDebug = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal

	DefaultLevel = LevelInfo
)

var logger *zap.Logger

func init() {
	logger, _ = build(DefaultLevel, "")
}

// Options configures the process-wide logger.
type Options struct {
	Level      int
	OutputFile string // rotated via lumberjack when non-empty

	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Init installs the process-wide logger from opts. It should be
// called once at startup, before any session goroutines start.
func Init(opts Options) error {
	l, err := build(opts.Level, opts.OutputFile, opts)
	if err != nil {
		return err
	}
	logger = l
	return nil
}

func build(level int, outputFile string, opts ...Options) (*zap.Logger, error) {
	atomicLevel := zap.NewAtomicLevel()
	atomicLevel.SetLevel(zapcore.Level(level - 1))

	writers := []zapcore.WriteSyncer{zapcore.AddSync(os.Stdout)}

	if outputFile != "" {
		lj := &lumberjack.Logger{
			Filename:   outputFile,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		}
		if len(opts) > 0 {
			if opts[0].MaxSizeMB > 0 {
				lj.MaxSize = opts[0].MaxSizeMB
			}
			if opts[0].MaxBackups > 0 {
				lj.MaxBackups = opts[0].MaxBackups
			}
			if opts[0].MaxAgeDays > 0 {
				lj.MaxAge = opts[0].MaxAgeDays
			}
		}
		writers = append(writers, zapcore.AddSync(lj))
	}

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
		MessageKey:  "msg",
		LevelKey:    "level",
		TimeKey:     "time",
		EncodeLevel: zapcore.CapitalColorLevelEncoder,
		EncodeTime:  zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000"),
		EncodeName:  zapcore.FullNameEncoder,
		LineEnding:  zapcore.DefaultLineEnding,
	}), zapcore.NewMultiWriteSyncer(writers...), atomicLevel)

	return zap.New(core), nil
}

// L returns the process-wide logger.
func L() *zap.Logger {
	return logger
}

// CanLog returns a checked entry if lvl is enabled, or nil otherwise,
// so callers can skip building zap.Field arguments on the hot path:
//
//	if ce := logging.CanLog(zap.WarnLevel, "ws path not match"); ce != nil {
//		ce.Write(zap.String("path", p))
//	}
func CanLog(lvl zapcore.Level, msg string) *zapcore.CheckedEntry {
	return logger.Check(lvl, msg)
}
