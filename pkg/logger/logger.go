// Package logger builds the structured loggers shared by the agents.
//
// Every component receives its *slog.Logger explicitly. The package level
// helpers (L, Audit, Named) only exist for process entry points that need a
// logger before configuration has been loaded.
package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Config describes how the application logger should behave.
type Config struct {
	Level       string
	Format      string
	OutputPaths []string
	AddSource   bool
	Audit       AuditConfig
}

// AuditConfig controls audit log output behaviour. Audit entries record every
// registration and submission attempt made against the ledger.
type AuditConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Set bundles the application and audit loggers built from one Config.
type Set struct {
	Main  *slog.Logger
	Audit *slog.Logger

	closers []io.Closer
}

// Close flushes and closes every file opened by the set.
func (s *Set) Close() error {
	if s == nil {
		return nil
	}
	var err error
	for _, closer := range s.closers {
		err = errors.Join(err, closer.Close())
	}
	s.closers = nil
	return err
}

// Build constructs a logger set without touching global state.
func Build(cfg Config) (*Set, error) {
	set := &Set{}
	handlerOpts := &slog.HandlerOptions{Level: parseLevel(cfg.Level), AddSource: cfg.AddSource}

	handler, err := set.buildHandler(cfg.Format, cfg.OutputPaths, handlerOpts)
	if err != nil {
		_ = set.Close()
		return nil, err
	}
	set.Main = slog.New(handler)
	set.Audit = set.Main.With(slog.String("stream", "audit"))

	if cfg.Audit.Enabled {
		audit, err := set.buildAuditLogger(cfg.Audit)
		if err != nil {
			_ = set.Close()
			return nil, err
		}
		set.Audit = audit
	}
	return set, nil
}

var (
	mu      sync.RWMutex
	current *Set
)

// Init configures the global logger set. Calling it again replaces the
// previous set and closes its files.
func Init(cfg Config) error {
	set, err := Build(cfg)
	if err != nil {
		return err
	}
	mu.Lock()
	previous := current
	current = set
	mu.Unlock()
	slog.SetDefault(set.Main)
	if previous != nil {
		_ = previous.Close()
	}
	return nil
}

func (s *Set) buildHandler(format string, outputs []string, opts *slog.HandlerOptions) (slog.Handler, error) {
	writers := make([]io.Writer, 0, len(outputs))
	if len(outputs) == 0 {
		writers = append(writers, os.Stderr)
	}
	for _, out := range outputs {
		writer, closer, err := openWriter(out)
		if err != nil {
			return nil, err
		}
		if closer != nil {
			s.closers = append(s.closers, closer)
		}
		writers = append(writers, writer)
	}

	writer := writers[0]
	if len(writers) > 1 {
		writer = io.MultiWriter(writers...)
	}

	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(writer, opts), nil
	}
	return slog.NewJSONHandler(writer, opts), nil
}

func (s *Set) buildAuditLogger(cfg AuditConfig) (*slog.Logger, error) {
	writer, err := newAuditWriter(cfg)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, writer)
	handler := slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: slog.LevelInfo})
	return slog.New(handler), nil
}

func openWriter(path string) (io.Writer, io.Closer, error) {
	switch strings.ToLower(path) {
	case "stdout":
		return os.Stdout, nil, nil
	case "stderr", "":
		return os.Stderr, nil, nil
	default:
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file %s: %w", path, err)
		}
		return file, file, nil
	}
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// L returns the global structured logger, initialising a stderr JSON logger
// on first use.
func L() *slog.Logger {
	mu.RLock()
	set := current
	mu.RUnlock()
	if set == nil {
		if err := Init(Config{}); err != nil {
			return slog.Default()
		}
		mu.RLock()
		set = current
		mu.RUnlock()
	}
	return set.Main
}

// Audit returns the global audit logger.
func Audit() *slog.Logger {
	mu.RLock()
	set := current
	mu.RUnlock()
	if set == nil || set.Audit == nil {
		return L()
	}
	return set.Audit
}

// Sync closes the files held by the global logger set.
func Sync() error {
	mu.Lock()
	set := current
	current = nil
	mu.Unlock()
	return set.Close()
}

// Named returns a child of the global logger tagged with a component name.
func Named(name string) *slog.Logger {
	return With(L(), name)
}

// With tags logger with a component name, falling back to the global logger
// when logger is nil.
func With(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		logger = L()
	}
	return logger.With(slog.String("component", name))
}

// Discard returns a logger that drops every record. Tests inject it to keep
// output quiet.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}
