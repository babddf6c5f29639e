// Package logging configures the logrus logger shared by every matcher component.
package logging

import (
	"github.com/sirupsen/logrus"
)

// App is the value of the "app" field on every log line.
const App = "matchmaker"

// Configure sets the global logrus formatter and level.
//   - format: text (default) or json
//   - level: trace, debug, info (default), warn, error
func Configure(format, level string) {
	logrus.SetFormatter(newFormatter(format))
	logrus.SetLevel(parseLevel(level))
	if isDebugLevel(logrus.GetLevel()) {
		logrus.Warn("Debug logging level configured. Not recommended for production!")
	}
}

// For returns a logger entry tagged with the given component name.
func For(component string) *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"app":       App,
		"component": component,
	})
}

func newFormatter(format string) logrus.Formatter {
	switch format {
	case "json":
		return &logrus.JSONFormatter{}
	default:
		return &logrus.TextFormatter{FullTimestamp: true}
	}
}

func parseLevel(level string) logrus.Level {
	switch level {
	case "trace":
		return logrus.TraceLevel
	case "debug":
		return logrus.DebugLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

func isDebugLevel(level logrus.Level) bool {
	return level >= logrus.DebugLevel
}
