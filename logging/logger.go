// Package logging provides structured logging with trace ID propagation
// for the sync engine.
package logging

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ContextKey is the type for context keys used by this package.
type ContextKey string

const (
	TraceIDKey  ContextKey = "trace_id"
	RepoKey     ContextKey = "repository"
	NamespaceKey ContextKey = "namespace"
)

// Logger wraps logrus.Logger with sync-engine field conventions.
type Logger struct {
	*logrus.Logger
	component string
}

// New creates a Logger tagged with a component name (e.g. "client",
// "repository:todos", "strategy:websocket").
func New(component, level, format string) *Logger {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	if format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	}
	logger.SetOutput(os.Stdout)

	return &Logger{Logger: logger, component: component}
}

// NewFromEnv builds a Logger from LOG_LEVEL/LOG_FORMAT, defaulting to
// info/json when unset.
func NewFromEnv(component string) *Logger {
	level := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("LOG_FORMAT"))
	if format == "" {
		format = "json"
	}
	return New(component, level, format)
}

// WithContext returns an entry carrying the component name plus any
// trace id found in ctx.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("component", l.component)
	if traceID := ctx.Value(TraceIDKey); traceID != nil {
		entry = entry.WithField("trace_id", traceID)
	}
	return entry
}

// WithFields returns an entry carrying the component name plus the
// given fields.
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	if fields == nil {
		fields = logrus.Fields{}
	}
	fields["component"] = l.component
	return l.Logger.WithFields(fields)
}

// NewTraceID returns a fresh trace identifier for correlating a call
// across Client, Repository, and SyncStrategy log lines.
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID attaches a trace id to ctx.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// Sync-engine specific structured events.

// LogEventAppended logs a local write (insert/update/delete) reaching the log.
func (l *Logger) LogEventAppended(ctx context.Context, repo, dataID, op string, pending bool) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"repository": repo,
		"data_id":    dataID,
		"operation":  op,
		"pending":    pending,
	}).Debug("event appended")
}

// LogPush logs the outcome of pushing an event to a sync strategy.
func (l *Logger) LogPush(ctx context.Context, strategy, repo, dataID string, status string, err error) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"strategy":   strategy,
		"repository": repo,
		"data_id":    dataID,
		"status":     status,
	})
	if err != nil {
		entry.WithError(err).Warn("push failed")
		return
	}
	entry.Debug("push completed")
}

// LogMerge logs the outcome of merging a remote event.
func (l *Logger) LogMerge(ctx context.Context, repo, dataID, result string) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"repository": repo,
		"data_id":    dataID,
		"result":     result,
	}).Info("remote event merged")
}

// LogConflict logs that a conflict function ran and picked a winner.
func (l *Logger) LogConflict(ctx context.Context, repo, dataID, winner string) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"repository": repo,
		"data_id":    dataID,
		"winner":     winner,
	}).Info("conflict resolved")
}

// LogConnectionChange logs a strategy's connectivity flip.
func (l *Logger) LogConnectionChange(ctx context.Context, strategy string, connected bool) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"strategy":  strategy,
		"connected": connected,
	}).Info("connection state changed")
}

// LogNamespaceSwitch logs a namespace barrier crossing.
func (l *Logger) LogNamespaceSwitch(ctx context.Context, from, to string) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"from": from,
		"to":   to,
	}).Info("namespace switched")
}

// Default is a package-level logger for call sites without an injected Logger.
var defaultLogger *Logger

// InitDefault initializes the package-level default logger.
func InitDefault(component, level, format string) {
	defaultLogger = New(component, level, format)
}

// Default returns the package-level logger, lazily creating one.
func Default() *Logger {
	if defaultLogger == nil {
		defaultLogger = New("syncengine", "info", "json")
	}
	return defaultLogger
}
