package heroes

import (
	"os"

	"github.com/sirupsen/logrus"
)

// NewLogger returns the default SDK logger: JSON lines on stderr, warn level.
func NewLogger() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.JSONFormatter{})
	l.SetLevel(logrus.WarnLevel)
	l.SetOutput(os.Stderr)
	return l
}

func logError(logger *logrus.Logger, moduleName, funcName, context string, data any, err error) {
	fields := logrus.Fields{
		"module":   moduleName,
		"funcName": funcName,
		"context":  context,
	}
	if data != nil {
		fields["data"] = data
	}
	logger.WithFields(fields).Error(err.Error())
}

func logWarn(logger *logrus.Logger, moduleName, funcName, msg string, data logrus.Fields) {
	entry := logger.WithFields(logrus.Fields{
		"module":   moduleName,
		"funcName": funcName,
	})
	if len(data) > 0 {
		entry = entry.WithFields(data)
	}
	entry.Warn(msg)
}
