// Package ilog wires structured logging for the storage engine.
//
// It mirrors the component-logger pattern used elsewhere in the
// ecosystem for long-running embedded systems: a single process-wide
// zerolog logger, with cheap per-component children attached via
// With().Str("component", ...).
package ilog

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// Config controls how the engine's internal logger is initialized.
type Config struct {
	// Level is the minimum severity that will be emitted.
	Level zerolog.Level
	// JSONOutput selects JSON (production) vs console (human) formatting.
	JSONOutput bool
	// Output is the destination writer. Defaults to os.Stderr.
	Output io.Writer
}

var (
	mu     sync.Mutex
	root   zerolog.Logger
	inited bool
)

// Init configures the process-wide engine logger. Safe to call more
// than once; later calls replace the previous configuration.
func Init(cfg Config) {
	mu.Lock()
	defer mu.Unlock()

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	if !cfg.JSONOutput {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	}

	root = zerolog.New(out).Level(cfg.Level).With().Timestamp().Logger()
	inited = true
}

// Component returns a logger tagged with the given engine component
// name (e.g. "mapper", "allocator", "cluster", "lockfile"). If Init
// has not been called, a quiet default (warn-level, stderr) is used
// so the engine never panics for lack of log configuration.
func Component(name string) zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()

	if !inited {
		root = zerolog.New(os.Stderr).Level(zerolog.WarnLevel).With().Timestamp().Logger()
		inited = true
	}

	return root.With().Str("component", name).Logger()
}
