package logger

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is a zerolog logger tagged with the component that owns it.
type Logger struct {
	zerolog.Logger
	component string
}

var levels = map[string]zerolog.Level{
	"dev":         zerolog.DebugLevel,
	"development": zerolog.DebugLevel,
	"staging":     zerolog.InfoLevel,
	"production":  zerolog.InfoLevel,
	"test":        zerolog.WarnLevel,
}

// New creates a logger for a component using APP_ENV to pick format and level.
func New(component string) *Logger {
	return NewWithWriter(component, os.Getenv("APP_ENV"), os.Stdout)
}

// NewWithWriter creates a logger writing to out. Production output is JSON, anything else uses the console writer.
func NewWithWriter(component, env string, out io.Writer) *Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	level, ok := levels[env]
	if !ok {
		level = zerolog.DebugLevel
	}

	var base zerolog.Logger
	if env == "production" {
		base = zerolog.New(out)
	} else {
		base = zerolog.New(zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: "2006-01-02 15:04:05",
			FormatMessage: func(i interface{}) string {
				return fmt.Sprintf("[%s] %s", component, i)
			},
		})
	}

	return &Logger{
		Logger:    base.Level(level).With().Timestamp().Str("component", component).Logger(),
		component: component,
	}
}

// Nop discards everything. Used by tests and optional collaborators.
func Nop() *Logger {
	return &Logger{Logger: zerolog.Nop(), component: "nop"}
}

// Component returns the component tag.
func (l *Logger) Component() string { return l.component }

func (l *Logger) LogInfof(format string, v ...interface{}) {
	l.Info().Msgf(format, v...)
}

func (l *Logger) LogWarnf(format string, v ...interface{}) {
	l.Warn().Msgf(format, v...)
}

func (l *Logger) LogError(msg string, err error) {
	if err != nil {
		l.Error().Err(err).Msg(msg)
		return
	}
	l.Error().Msg(msg)
}

func (l *Logger) LogFatal(msg string, err error) {
	if err != nil {
		l.Fatal().Err(err).Msg(msg)
		return
	}
	l.Fatal().Msg(msg)
}
