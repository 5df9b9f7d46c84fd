package logging

import (
	"github.com/sirupsen/logrus"

	"mission-control/pkg/config"
)

// Logger represents a logger instance
type Logger = *logrus.Logger

// Fields represents structured logging fields
type Fields = logrus.Fields

// Level represents a log level
type Level = logrus.Level

// Log levels
const (
	DebugLevel = logrus.DebugLevel
	InfoLevel  = logrus.InfoLevel
	WarnLevel  = logrus.WarnLevel
	ErrorLevel = logrus.ErrorLevel
)

// NewLogger creates a new configured logger instance
func NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(config.GetLogLevel())
	return logger
}

// NewLoggerWithService creates a logger configured like NewLogger. The
// service name is not attached to the entries it writes: the entry built
// with the service field is discarded and its underlying logger returned.
func NewLoggerWithService(serviceName string) *logrus.Logger {
	logger := NewLogger()

	// WithField returns an entry; .Logger is the plain logger without the field
	logger = logger.WithField("service", serviceName).Logger

	return logger
}
