package logger

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// OpsSink receives warn and error lines for an operator chat.
type OpsSink interface {
	SendSystemLog(text string)
}

type Logger struct {
	ZapLogger   *zap.SugaredLogger
	atomicLevel zap.AtomicLevel

	mu      sync.RWMutex
	opsSink OpsSink
}

type Config struct {
	Level       string
	Environment string
}

func parseLevel(level string) (zapcore.Level, bool) {
	switch strings.ToLower(level) {
	case "debug":
		return zap.DebugLevel, true
	case "info", "":
		return zap.InfoLevel, true
	case "warn", "warning":
		return zap.WarnLevel, true
	case "error":
		return zap.ErrorLevel, true
	case "fatal":
		return zap.FatalLevel, true
	}
	return zap.InfoLevel, false
}

func NewLogger(cfg Config) (*Logger, error) {
	logLevel, ok := parseLevel(cfg.Level)
	if !ok {
		fmt.Printf("WARN: Invalid log level '%s' specified, defaulting to INFO\n", cfg.Level)
	}

	atomicLevel := zap.NewAtomicLevelAt(logLevel)

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.LevelKey = "severity"
	encoderConfig.MessageKey = "message"
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.Lock(os.Stdout),
		atomicLevel,
	)

	// Caller skip 1 so the caller is the code using Logger, not Logger itself.
	zapLogger := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	if cfg.Environment != "" {
		zapLogger = zapLogger.With(zap.String("env", cfg.Environment))
	}

	l := &Logger{
		ZapLogger:   zapLogger.Sugar(),
		atomicLevel: atomicLevel,
	}
	l.ZapLogger.Infof("Logger initialized. Level: %s", logLevel.String())
	return l, nil
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return &Logger{
		ZapLogger:   zap.NewNop().Sugar(),
		atomicLevel: zap.NewAtomicLevelAt(zap.InfoLevel),
	}
}

func (l *Logger) Zap() *zap.SugaredLogger {
	return l.ZapLogger
}

// SetOpsSink enables forwarding of warn and error lines. A nil sink disables it.
func (l *Logger) SetOpsSink(sink OpsSink) {
	l.mu.Lock()
	l.opsSink = sink
	l.mu.Unlock()
}

func (l *Logger) forward(prefix, msg string, keysAndValues ...interface{}) {
	l.mu.RLock()
	sink := l.opsSink
	l.mu.RUnlock()
	if sink == nil {
		return
	}
	sink.SendSystemLog(prefix + msg + formatKeyValues(keysAndValues...))
}

func formatKeyValues(keysAndValues ...interface{}) string {
	if len(keysAndValues) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(" |")
	for i := 0; i < len(keysAndValues); i++ {
		switch kv := keysAndValues[i].(type) {
		case zap.Field:
			enc := zapcore.NewMapObjectEncoder()
			kv.AddTo(enc)
			for k, v := range enc.Fields {
				sb.WriteString(fmt.Sprintf(" %s=%v", k, v))
			}
		default:
			if i+1 >= len(keysAndValues) {
				sb.WriteString(fmt.Sprintf(" %v=INVALID_ARGS", kv))
				continue
			}
			val := keysAndValues[i+1]
			if err, ok := val.(error); ok {
				val = err.Error()
			}
			sb.WriteString(fmt.Sprintf(" %v=%v", kv, val))
			i++
		}
	}
	return sb.String()
}

func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.ZapLogger.Debugw(msg, keysAndValues...)
}

func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.ZapLogger.Infow(msg, keysAndValues...)
}

func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.ZapLogger.Warnw(msg, keysAndValues...)
	l.forward("🟡 WARN: ", msg, keysAndValues...)
}

func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.ZapLogger.Errorw(msg, keysAndValues...)
	l.forward("🔴 ERROR: ", msg, keysAndValues...)
}

func (l *Logger) Fatal(msg string, keysAndValues ...interface{}) {
	l.ZapLogger.Errorw(msg, keysAndValues...)
	l.mu.RLock()
	hasSink := l.opsSink != nil
	l.mu.RUnlock()
	if hasSink {
		l.forward("💀 FATAL: ", msg, keysAndValues...)
		// Give the sink a moment to flush before exiting.
		time.Sleep(1 * time.Second)
	}
	l.ZapLogger.Fatalw(msg, keysAndValues...)
}

func (l *Logger) SetLevel(level string) {
	logLevel, ok := parseLevel(level)
	if !ok || level == "" {
		l.ZapLogger.Warnf("Invalid log level '%s' provided to SetLevel, level unchanged.", level)
		return
	}
	l.atomicLevel.SetLevel(logLevel)
	l.ZapLogger.Infof("Logger level changed to: %s", logLevel.String())
}

func (l *Logger) Level() zapcore.Level {
	return l.atomicLevel.Level()
}
