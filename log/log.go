// Package log builds logrus loggers for flow components.
package log

import (
	"io"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"
)

var debug bool

func init() {
	var err error
	debug, err = strconv.ParseBool(os.Getenv("FLOW_DEBUG"))
	if err != nil {
		debug = false
	}
}

// GetLogger returns a new logger instance. Logger is silent unless
// FLOW_DEBUG is set, then it writes debug messages to stderr.
func GetLogger() *logrus.Logger {
	l := logrus.New()
	if debug {
		l.SetLevel(logrus.DebugLevel)
		return l
	}
	l.SetOutput(io.Discard)
	return l
}

// New returns a logger that writes to stderr with provided level and
// format. Format is either "text" or "json".
func New(level, format string) (*logrus.Logger, error) {
	l := logrus.New()
	if level != "" {
		lvl, err := logrus.ParseLevel(level)
		if err != nil {
			return nil, err
		}
		l.SetLevel(lvl)
	}
	switch format {
	case "", "text":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, &FormatError{Format: format}
	}
	return l, nil
}

// FormatError is returned for unknown log format.
type FormatError struct {
	Format string
}

func (e *FormatError) Error() string {
	return "unknown log format: " + strconv.Quote(e.Format)
}
