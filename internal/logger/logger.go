package logger

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"polytrade.com/internal/config"
)

type Logger struct {
	zl zerolog.Logger
}

// New 根据配置创建 zerolog 日志器
func New(cfg config.LogConfig) (*Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	var output io.Writer
	switch cfg.Output {
	case "", "stdout":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		file, err := os.OpenFile(cfg.Output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("could not open log file: %w", err)
		}
		output = file
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	if cfg.Format == "console" {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	zl := zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Logger()

	return &Logger{zl: zl}, nil
}

// Nop 返回丢弃所有输出的日志器
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

// With 返回附带固定字段的子日志器，通常用于标注组件名
func (l *Logger) With(fields ...Field) *Logger {
	ctx := l.zl.With()
	for _, f := range fields {
		ctx = f.addToContext(ctx)
	}
	return &Logger{zl: ctx.Logger()}
}

func (l *Logger) Debug(msg string, fields ...Field) {
	l.emit(l.zl.Debug(), msg, fields)
}

func (l *Logger) Info(msg string, fields ...Field) {
	l.emit(l.zl.Info(), msg, fields)
}

func (l *Logger) Warn(msg string, fields ...Field) {
	l.emit(l.zl.Warn(), msg, fields)
}

func (l *Logger) Error(msg string, fields ...Field) {
	l.emit(l.zl.Error(), msg, fields)
}

func (l *Logger) emit(event *zerolog.Event, msg string, fields []Field) {
	for _, field := range fields {
		field.AddTo(event)
	}
	event.Msg(msg)
}

// Field 结构化日志字段
type Field struct {
	key   string
	value interface{}
}

func (f Field) AddTo(event *zerolog.Event) {
	switch v := f.value.(type) {
	case string:
		event.Str(f.key, v)
	case int:
		event.Int(f.key, v)
	case int64:
		event.Int64(f.key, v)
	case float64:
		event.Float64(f.key, v)
	case bool:
		event.Bool(f.key, v)
	case time.Duration:
		event.Dur(f.key, v)
	case error:
		event.AnErr(f.key, v)
	default:
		event.Interface(f.key, v)
	}
}

func (f Field) addToContext(ctx zerolog.Context) zerolog.Context {
	switch v := f.value.(type) {
	case string:
		return ctx.Str(f.key, v)
	case int:
		return ctx.Int(f.key, v)
	default:
		return ctx.Interface(f.key, v)
	}
}

// --- Field constructors ---

func String(key, value string) Field {
	return Field{key: key, value: value}
}

func Int(key string, value int) Field {
	return Field{key: key, value: value}
}

func Int64(key string, value int64) Field {
	return Field{key: key, value: value}
}

func Float64(key string, value float64) Field {
	return Field{key: key, value: value}
}

func Bool(key string, value bool) Field {
	return Field{key: key, value: value}
}

func Duration(key string, value time.Duration) Field {
	return Field{key: key, value: value}
}

func Error(err error) Field {
	return Field{key: "error", value: err}
}

func Any(key string, value interface{}) Field {
	return Field{key: key, value: value}
}

// Component 标注日志来源组件
func Component(name string) Field {
	return String("component", name)
}
