// Package logging configures the process-wide slog logger for conduit.
//
// Records go to the console and, optionally, to a rotating log file. Each
// destination has its own level. Loggers obtained with WithComponent carry a
// component attribute and can be silenced with Config.Components.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileLogConfig configures file logging with rotation.
type FileLogConfig struct {
	// Path is the log file. Empty disables file logging.
	Path string
	// MaxSizeMB is the size that triggers rotation. Default 10.
	MaxSizeMB int
	// MaxBackups is the number of rotated files kept. Default 3.
	MaxBackups int
	Compress   bool
}

// Config holds logging configuration.
type Config struct {
	// Level is the console level: debug, info, warn or error.
	Level string
	// FileLevel is the file level. Empty means Level.
	FileLevel string
	FileLog   *FileLogConfig
	JSON      bool
	// Components restricts output to these components. Empty allows all.
	Components []string
	// Console is where console output goes. Default os.Stderr.
	Console io.Writer
}

// state is everything Initialize replaces.
type state struct {
	logger  *slog.Logger
	file    io.Closer
	allowed map[string]bool
}

var (
	mu  sync.RWMutex
	cur state
)

// Initialize sets up the global logger and makes it the slog default. A
// previously opened log file is closed.
func Initialize(cfg Config) error {
	console := cfg.Console
	if console == nil {
		console = os.Stderr
	}
	consoleLevel := parseLevel(cfg.Level)
	fileLevel := consoleLevel
	if cfg.FileLevel != "" {
		fileLevel = parseLevel(cfg.FileLevel)
	}

	newHandler := func(w io.Writer, level slog.Level) slog.Handler {
		opts := &slog.HandlerOptions{Level: level}
		if cfg.JSON {
			return slog.NewJSONHandler(w, opts)
		}
		return slog.NewTextHandler(w, opts)
	}

	next := state{}
	sinks := fanout{newHandler(console, consoleLevel)}
	if fl := cfg.FileLog; fl != nil && fl.Path != "" {
		rot := &lumberjack.Logger{
			Filename:   fl.Path,
			MaxSize:    positiveOr(fl.MaxSizeMB, 10),
			MaxBackups: positiveOr(fl.MaxBackups, 3),
			Compress:   fl.Compress,
		}
		next.file = rot
		sinks = append(sinks, newHandler(rot, fileLevel))
	}
	if len(cfg.Components) > 0 {
		next.allowed = make(map[string]bool, len(cfg.Components))
		for _, c := range cfg.Components {
			next.allowed[c] = true
		}
	}
	if len(sinks) == 1 {
		next.logger = slog.New(sinks[0])
	} else {
		next.logger = slog.New(sinks)
	}

	mu.Lock()
	prev := cur.file
	cur = next
	mu.Unlock()

	if prev != nil {
		_ = prev.Close()
	}
	slog.SetDefault(next.logger)
	return nil
}

func positiveOr(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

// Get returns the global logger, or slog.Default() before Initialize.
func Get() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if cur.logger == nil {
		return slog.Default()
	}
	return cur.logger
}

// Close closes the log file, if any. Console logging keeps working.
func Close() error {
	mu.Lock()
	f := cur.file
	cur.file = nil
	mu.Unlock()
	if f == nil {
		return nil
	}
	return f.Close()
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// fanout sends each record to every handler enabled for its level.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, h := range f {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	return f.each(func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) })
}

func (f fanout) WithGroup(name string) slog.Handler {
	return f.each(func(h slog.Handler) slog.Handler { return h.WithGroup(name) })
}

func (f fanout) each(fn func(slog.Handler) slog.Handler) fanout {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = fn(h)
	}
	return out
}

// componentHandler drops everything when its component is filtered out.
// The filter is checked per record so that loggers created before
// Initialize follow later configuration.
type componentHandler struct {
	slog.Handler
	component string
}

func allowed(component string) bool {
	mu.RLock()
	defer mu.RUnlock()
	return cur.allowed == nil || cur.allowed[component]
}

func (h componentHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return allowed(h.component) && h.Handler.Enabled(ctx, level)
}

func (h componentHandler) Handle(ctx context.Context, r slog.Record) error {
	if !allowed(h.component) {
		return nil
	}
	return h.Handler.Handle(ctx, r)
}

func (h componentHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return componentHandler{h.Handler.WithAttrs(attrs), h.component}
}

func (h componentHandler) WithGroup(name string) slog.Handler {
	return componentHandler{h.Handler.WithGroup(name), h.component}
}

// WithComponent returns a logger tagged with component.
func WithComponent(component string) *slog.Logger {
	inner := Get().Handler().WithAttrs([]slog.Attr{slog.String("component", component)})
	return slog.New(componentHandler{inner, component})
}

func Gateway() *slog.Logger  { return WithComponent("gateway") }
func Hook() *slog.Logger     { return WithComponent("hook") }
func Policy() *slog.Logger   { return WithComponent("policy") }
func Registry() *slog.Logger { return WithComponent("registry") }
func MCP() *slog.Logger      { return WithComponent("mcp") }

// WithSession adds session_id to base. A nil base stays nil.
func WithSession(base *slog.Logger, sessionID string) *slog.Logger {
	if base == nil {
		return nil
	}
	return base.With("session_id", sessionID)
}

// WithPrompt adds session_id and prompt_id to base. A nil base stays nil.
func WithPrompt(base *slog.Logger, sessionID, promptID string) *slog.Logger {
	if base == nil {
		return nil
	}
	return base.With("session_id", sessionID, "prompt_id", promptID)
}

// WithClient adds the gateway client id and remote address to base. A nil
// base stays nil.
func WithClient(base *slog.Logger, clientID, remoteAddr string) *slog.Logger {
	if base == nil {
		return nil
	}
	return base.With("client_id", clientID, "remote_addr", remoteAddr)
}
