package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
)

// ConsoleLogger writes structured records to stdout through an async buffer,
// as JSON or as colored text depending on the config. Broker hot paths log
// through here, so a write never blocks on the terminal.
type ConsoleLogger struct {
	config  *Config
	handler slog.Handler
	writer  *asyncWriter
}

// asyncWriter decouples log production from the terminal: records go onto a
// channel and a single drain goroutine writes them out. When the channel is
// full the record is written synchronously instead of dropped; console output
// is the last resort for debugging a broker, losing it is worse than a stall.
type asyncWriter struct {
	out      io.Writer
	pending  chan []byte
	interval time.Duration
	mu       sync.Mutex
	closed   bool
}

func newAsyncWriter(out io.Writer, bufferBytes int, interval time.Duration) *asyncWriter {
	w := &asyncWriter{
		out: out,
		// sized in entries, assuming ~256 bytes per record
		pending:  make(chan []byte, bufferBytes/256),
		interval: interval,
	}
	go w.drainLoop()
	return w
}

func (w *asyncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return 0, fmt.Errorf("console writer closed")
	}
	w.mu.Unlock()

	// the handler reuses its buffer, so the record must be copied
	rec := make([]byte, len(p))
	copy(rec, p)

	select {
	case w.pending <- rec:
		return len(p), nil
	default:
		return w.out.Write(p)
	}
}

func (w *asyncWriter) drainLoop() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case rec := <-w.pending:
			_, _ = w.out.Write(rec)
		case <-ticker.C:
			w.drain()
		}
	}
}

func (w *asyncWriter) drain() {
	for {
		select {
		case rec := <-w.pending:
			_, _ = w.out.Write(rec)
		default:
			return
		}
	}
}

func (w *asyncWriter) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()
	w.drain()
	return nil
}

// NewConsoleLogger builds the stdout sink from the config.
func NewConsoleLogger(config *Config) (*ConsoleLogger, error) {
	cl := &ConsoleLogger{config: config}
	cl.writer = newAsyncWriter(os.Stdout, config.Console.BufferSize, config.Console.FlushInterval)

	opts := &slog.HandlerOptions{Level: slogLevel(config.Level)}
	switch {
	case config.Format == FormatJSON:
		cl.handler = slog.NewJSONHandler(cl.writer, opts)
	case config.Console.Color:
		cl.handler = newColorTextHandler(cl.writer, opts)
	default:
		cl.handler = slog.NewTextHandler(cl.writer, opts)
	}
	return cl, nil
}

func (cl *ConsoleLogger) log(level LogLevel, msg string, component Component, source LogSource, fields map[string]interface{}) {
	record := slog.NewRecord(time.Now(), slogLevel(level), msg, 0)
	if component != "" {
		record.AddAttrs(slog.String("component", string(component)))
	}
	if source != "" {
		record.AddAttrs(slog.String("log_source", string(source)))
	}
	for k, v := range fields {
		record.AddAttrs(slog.Any(k, v))
	}
	// a sink has nowhere to report its own failures
	_ = cl.handler.Handle(context.TODO(), record)
}

// Close drains the buffer and stops accepting writes.
func (cl *ConsoleLogger) Close() error {
	return cl.writer.Close()
}

func slogLevel(level LogLevel) slog.Level {
	switch level {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// colorTextHandler renders records with level colors for interactive use.
// WithAttrs and WithGroup are identity operations; the broker's loggers carry
// their context in LogEntry fields rather than handler state.
type colorTextHandler struct {
	w    io.Writer
	opts *slog.HandlerOptions
	mu   sync.Mutex

	levelColors map[slog.Level]*color.Color
}

func newColorTextHandler(w io.Writer, opts *slog.HandlerOptions) *colorTextHandler {
	return &colorTextHandler{
		w:    w,
		opts: opts,
		levelColors: map[slog.Level]*color.Color{
			slog.LevelDebug: color.New(color.FgCyan),
			slog.LevelInfo:  color.New(color.FgGreen),
			slog.LevelWarn:  color.New(color.FgYellow),
			slog.LevelError: color.New(color.FgRed, color.Bold),
		},
	}
}

func (h *colorTextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	min := slog.LevelInfo
	if h.opts != nil && h.opts.Level != nil {
		min = h.opts.Level.Level()
	}
	return level >= min
}

func (h *colorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	line := map[string]interface{}{
		"time": r.Time.Format(time.RFC3339),
		"msg":  r.Message,
	}
	if c, ok := h.levelColors[r.Level]; ok {
		line["level"] = c.Sprint(levelName(r.Level))
	} else {
		line["level"] = levelName(r.Level)
	}
	r.Attrs(func(a slog.Attr) bool {
		line[a.Key] = a.Value.Any()
		return true
	})

	data, err := json.Marshal(line)
	if err != nil {
		return err
	}
	_, err = h.w.Write(append(data, '\n'))
	return err
}

func (h *colorTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler { return h }

func (h *colorTextHandler) WithGroup(name string) slog.Handler { return h }

func levelName(l slog.Level) string {
	switch l {
	case slog.LevelDebug:
		return "DEBUG"
	case slog.LevelWarn:
		return "WARN"
	case slog.LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}
