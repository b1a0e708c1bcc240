// Package logging holds the process-wide logrus logger and hands out
// per-component child loggers.
package logging

import (
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

// Setter mutates the root logger.
type Setter func(*logrus.Logger) error

var root = struct {
	logger *logrus.Logger
	mutex  sync.Mutex
}{
	logger: func() *logrus.Logger {
		l := logrus.New()
		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
		return l
	}(),
}

// New returns a logger tagged with the given component name.
func New(component string, setters ...Setter) logrus.FieldLogger {
	for _, setter := range setters {
		_ = Set(setter)
	}
	return root.logger.WithField("component", component)
}

// Set applies setter to the root logger.
func Set(setter Setter) error {
	root.mutex.Lock()
	defer root.mutex.Unlock()
	return setter(root.logger)
}

// Level sets the minimum level. Unparseable levels fall back to info.
func Level(lvl string) Setter {
	l, err := logrus.ParseLevel(lvl)
	if err != nil {
		root.logger.WithError(err).Errorf("unable to parse provided level %q", lvl)
		l = logrus.InfoLevel
	}
	return func(r *logrus.Logger) error {
		r.SetLevel(l)
		return nil
	}
}

// Format selects the output formatter: "json" or "text".
func Format(format string) Setter {
	return func(r *logrus.Logger) error {
		switch format {
		case "json":
			r.SetFormatter(&logrus.JSONFormatter{})
		case "text", "":
			r.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		default:
			return fmt.Errorf("unknown log format %q", format)
		}
		return nil
	}
}

// Output redirects log output.
func Output(w io.Writer) Setter {
	return func(r *logrus.Logger) error {
		r.SetOutput(w)
		return nil
	}
}

// Discard returns a logger that drops everything; handy in tests.
func Discard() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
