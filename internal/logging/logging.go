// Package logging provides named, chain-wide loggers for the replication core.
package logging

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// FileConfig configures on-disk log rotation for a sink.
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

var (
	mu        sync.Mutex
	level     = zap.NewAtomicLevelAt(zap.InfoLevel)
	fileCfg   *FileConfig
	loggers   = map[string]*Logger{}
	toConsole = true
)

// Logger wraps a zap.SugaredLogger with the component name it was issued for.
// Fatalf logs then aborts the process, matching a safety-breach halt.
type Logger struct {
	name string
	zlog *zap.SugaredLogger
}

func (l *Logger) Debugf(format string, args ...interface{}) { l.zlog.Debugf(format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.zlog.Infof(format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.zlog.Warnf(format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.zlog.Errorf(format, args...) }

// Fatalf logs at fatal level and terminates the process. Reserved for
// invariant violations the core must never run past (safety breach,
// vote-below-vheight).
func (l *Logger) Fatalf(format string, args ...interface{}) { l.zlog.Fatalf(format, args...) }

// SetLevel adjusts the level shared by every logger issued from Get.
func SetLevel(lvl string) {
	mu.Lock()
	defer mu.Unlock()
	switch lvl {
	case "debug":
		level.SetLevel(zap.DebugLevel)
	case "warn":
		level.SetLevel(zap.WarnLevel)
	case "error":
		level.SetLevel(zap.ErrorLevel)
	default:
		level.SetLevel(zap.InfoLevel)
	}
}

// Configure sets a file sink used by every logger built after this call.
// Passing nil reverts to console-only output.
func Configure(fc *FileConfig, console bool) {
	mu.Lock()
	defer mu.Unlock()
	fileCfg = fc
	toConsole = console
}

// Get returns the named logger, creating it on first use. Subsequent calls
// with the same name return the same instance, so a component may hold onto
// it for the lifetime of the process.
func Get(name string) *Logger {
	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[name]; ok {
		return l
	}
	l := &Logger{name: name, zlog: buildZap(name).Sugar().Named(name)}
	loggers[name] = l
	return l
}

func buildZap(name string) *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	enc := zapcore.NewConsoleEncoder(encCfg)

	var cores []zapcore.Core
	if toConsole {
		cores = append(cores, zapcore.NewCore(enc, zapcore.Lock(zapcore.AddSync(os.Stdout)), level))
	}
	if fileCfg != nil && fileCfg.Path != "" {
		w := &lumberjack.Logger{
			Filename:   fileCfg.Path,
			MaxSize:    orDefault(fileCfg.MaxSizeMB, 100),
			MaxBackups: fileCfg.MaxBackups,
			MaxAge:     orDefault(fileCfg.MaxAgeDays, 7),
			Compress:   fileCfg.Compress,
		}
		cores = append(cores, zapcore.NewCore(enc, zapcore.AddSync(w), level))
	}
	if len(cores) == 0 {
		return zap.NewNop()
	}
	return zap.New(zapcore.NewTee(cores...))
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
