// Package logging wires the decred slog backend used across the engine.
// Subsystems get short-tagged loggers so sweep output reads like
// "RECO: match 3f2a… healed (removed 1 signer)".
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/decred/slog"
)

// Backend owns the shared slog backend and hands out subsystem loggers.
type Backend struct {
	mu      sync.Mutex
	backend *slog.Backend
	level   slog.Level
	loggers map[string]slog.Logger
}

// NewBackend creates a backend writing to w (stderr when nil). debugLevel is
// a slog level name ("trace", "debug", "info", "warn", "error", "critical");
// unknown values fall back to info.
func NewBackend(w io.Writer, debugLevel string) *Backend {
	if w == nil {
		w = os.Stderr
	}
	level, ok := slog.LevelFromString(debugLevel)
	if !ok {
		level = slog.LevelInfo
	}
	return &Backend{
		backend: slog.NewBackend(w),
		level:   level,
		loggers: make(map[string]slog.Logger),
	}
}

// Logger returns the logger for a subsystem tag, creating it on first use.
func (b *Backend) Logger(tag string) slog.Logger {
	b.mu.Lock()
	defer b.mu.Unlock()
	if l, ok := b.loggers[tag]; ok {
		return l
	}
	l := b.backend.Logger(tag)
	l.SetLevel(b.level)
	b.loggers[tag] = l
	return l
}

// SetLevel changes the level on every logger handed out so far and on any
// created afterwards.
func (b *Backend) SetLevel(debugLevel string) {
	level, ok := slog.LevelFromString(debugLevel)
	if !ok {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.level = level
	for _, l := range b.loggers {
		l.SetLevel(level)
	}
}

// Disabled returns a logger that drops everything; handy as a default in
// constructors so callers without a backend still get a usable value.
func Disabled() slog.Logger {
	return slog.Disabled
}
