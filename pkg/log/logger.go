// Package log provides structured logging utilities for sha3xd.
// It wraps the standard library's slog package with additional convenience methods.
package log

import (
	"log/slog"
	"os"
	"strings"
)

// Logger wraps slog.Logger with additional context and convenience methods
type Logger struct {
	*slog.Logger
	service string
	version string
}

// New creates a new logger with the specified configuration
func New(service, version, level, format string) *Logger {
	var handler slog.Handler

	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn", "warning":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	baseLogger := slog.New(handler).With(
		"service", service,
		"version", version,
	)

	return &Logger{
		Logger:  baseLogger,
		service: service,
		version: version,
	}
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger:  l.With(fields...),
		service: l.service,
		version: l.version,
	}
}

// WithComponent returns a logger with a component field
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithDevice returns a logger with device-specific fields
func (l *Logger) WithDevice(deviceID int) *Logger {
	return l.WithFields("device_id", deviceID)
}

// WithJob returns a logger with job-specific fields
func (l *Logger) WithJob(jobID string, difficulty float64) *Logger {
	return l.WithFields("job_id", jobID, "difficulty", difficulty)
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// Connection logging helpers

// LogConnection logs pool connection events
func (l *Logger) LogConnection(event, endpoint string) {
	l.Info("pool connection event",
		"event", event,
		"endpoint", endpoint,
	)
}

// LogStratumMessage logs stratum protocol messages (debug level)
func (l *Logger) LogStratumMessage(direction, message string) {
	l.Debug("stratum message",
		"direction", direction,
		"message", message,
	)
}

// Mining-specific logging helpers

// LogJobReceived logs receipt of a new job from the pool
func (l *Logger) LogJobReceived(jobID string, difficulty float64, cleanJobs bool) {
	l.Info("job received",
		"job_id", jobID,
		"difficulty", difficulty,
		"clean_jobs", cleanJobs,
	)
}

// LogShareResult logs the outcome of a share submission
func (l *Logger) LogShareResult(shareID, jobID string, deviceID int, accepted bool, reason string) {
	if accepted {
		l.Info("share accepted",
			"share_id", shareID,
			"job_id", jobID,
			"device_id", deviceID,
		)
		return
	}
	l.Warn("share rejected",
		"share_id", shareID,
		"job_id", jobID,
		"device_id", deviceID,
		"reason", reason,
	)
}

// LogWorkerThermal logs a worker thermal state change
func (l *Logger) LogWorkerThermal(deviceID int, event string, temperature float64) {
	l.Warn("worker thermal event",
		"device_id", deviceID,
		"event", event,
		"temperature_c", temperature,
	)
}

// LogStateTransition logs controller state changes
func (l *Logger) LogStateTransition(from, to string) {
	l.Info("state transition",
		"from", from,
		"to", to,
	)
}
