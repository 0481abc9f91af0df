// Package monitoring holds the process-wide log streams.
//
// Every package logs through a Streams value with its own prefix. Three
// streams exist: ops (actionable warnings, errors, lifecycle), diag
// (day-to-day diagnostics) and trace (per-update detail). SetLogWriters
// routes all registered streams at once; a nil writer mutes that stream.
package monitoring

import (
	"io"
	"log"
	"os"
	"sync"
)

// LogWriters holds the writer for each stream.
type LogWriters struct {
	Ops   io.Writer
	Diag  io.Writer
	Trace io.Writer
}

// DefaultWriters sends ops and diag to stderr and mutes trace.
func DefaultWriters() LogWriters {
	return LogWriters{Ops: os.Stderr, Diag: os.Stderr}
}

var (
	registryMu sync.Mutex
	registry   []*Streams
	current    = DefaultWriters()
)

// Streams is one package's set of loggers.
type Streams struct {
	prefix string

	mu    sync.RWMutex
	ops   *log.Logger
	diag  *log.Logger
	trace *log.Logger
}

// NewStreams registers a Streams with the given prefix, e.g. "[orbit] ".
func NewStreams(prefix string) *Streams {
	s := &Streams{prefix: prefix}
	registryMu.Lock()
	defer registryMu.Unlock()
	s.set(current)
	registry = append(registry, s)
	return s
}

// SetLogWriters reroutes every registered Streams.
func SetLogWriters(w LogWriters) {
	registryMu.Lock()
	defer registryMu.Unlock()
	current = w
	for _, s := range registry {
		s.set(w)
	}
}

func (s *Streams) set(w LogWriters) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = newLogger(s.prefix, w.Ops)
	s.diag = newLogger(s.prefix, w.Diag)
	s.trace = newLogger(s.prefix, w.Trace)
}

func newLogger(prefix string, w io.Writer) *log.Logger {
	if w == nil {
		return nil
	}
	return log.New(w, prefix, log.LstdFlags|log.Lmicroseconds)
}

func (s *Streams) printf(pick func(*Streams) *log.Logger, format string, args ...any) {
	s.mu.RLock()
	l := pick(s)
	s.mu.RUnlock()
	if l != nil {
		l.Printf(format, args...)
	}
}

func (s *Streams) Opsf(format string, args ...any) {
	s.printf(func(s *Streams) *log.Logger { return s.ops }, format, args...)
}

func (s *Streams) Diagf(format string, args ...any) {
	s.printf(func(s *Streams) *log.Logger { return s.diag }, format, args...)
}

func (s *Streams) Tracef(format string, args ...any) {
	s.printf(func(s *Streams) *log.Logger { return s.trace }, format, args...)
}

// Logf is the process-level ops logger used by commands. SetLogger
// replaces it; nil mutes it.
var Logf func(format string, v ...any) = log.Printf

func SetLogger(f func(format string, v ...any)) {
	if f == nil {
		Logf = func(string, ...any) {}
		return
	}
	Logf = f
}
