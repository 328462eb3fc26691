package logger

import (
	"github.com/sirupsen/logrus"
)

const componentKey = "component"

// InitLogger sets up the custom time formatter and level for all log statements.
func InitLogger(logLevel logrus.Level) {
	customFormatter := new(logrus.TextFormatter)
	customFormatter.TimestampFormat = "2006-01-02 15:04:05"
	customFormatter.FullTimestamp = true
	logrus.SetFormatter(customFormatter)
	logrus.SetLevel(logLevel)
}

// ParseLevel parses a level name and falls back to info for unknown names
func ParseLevel(name string) logrus.Level {
	level, err := logrus.ParseLevel(name)
	if err != nil {
		logrus.Warnf("Unknown log level %q, using info", name)
		return logrus.InfoLevel
	}
	return level
}

// Component returns a logger tagged with the name of the component that logs
func Component(name string) *logrus.Entry {
	return logrus.WithField(componentKey, name)
}
