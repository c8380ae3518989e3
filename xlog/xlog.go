// Package xlog wires up the process-wide log handler and hands out named
// loggers to components.
package xlog

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/cenkalti/log"
)

// Logger is a named, leveled logger.
type Logger = log.Logger

var (
	defaultHandler log.Handler
	output         = &switchableWriter{w: os.Stderr}
)

func init() {
	h := log.NewWriterHandler(output)
	h.SetFormatter(logFormatter{})
	defaultHandler = h
}

// SetDebug raises or lowers the process-wide log level.
func SetDebug(debug bool) {
	lvl := log.INFO
	if debug {
		lvl = log.DEBUG
	}
	defaultHandler.SetLevel(lvl)
}

// SetOutput redirects every logger's output to w (e.g. the --log file),
// including loggers created before this call. Component packages bind to
// the handler at package-init time, so redirection has to happen behind a
// stable writer rather than by swapping the handler itself.
func SetOutput(w io.Writer) {
	output.set(w)
}

type switchableWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *switchableWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	w := s.w
	s.mu.Unlock()
	return w.Write(p)
}

func (s *switchableWriter) set(w io.Writer) {
	s.mu.Lock()
	s.w = w
	s.mu.Unlock()
}

// New returns a logger named after its owning component, e.g. "registry"
// or "session".
func New(name string) log.Logger {
	l := log.NewLogger(name)
	l.SetLevel(log.DEBUG) // forward everything, handler applies the level
	l.SetHandler(defaultHandler)
	return l
}

type logFormatter struct{}

func (logFormatter) Format(rec *log.Record) string {
	return fmt.Sprintf("%s %-8s [%s] %s",
		fmt.Sprint(rec.Time)[:19], rec.Level.String(), rec.LoggerName, rec.Message)
}
