package remotelog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/michaelbrown/jsand/internal/registry"
)

// Forwarder delivers one event to the host.
type Forwarder interface {
	Forward(ctx context.Context, ev Event) error
}

// Client is the guest-side handle of the log endpoint.
type Client struct {
	stub *registry.Stub
}

// Lookup resolves the log endpoint through c.
func Lookup(ctx context.Context, c *registry.Client) (*Client, error) {
	stub, err := c.Lookup(ctx, ServiceName)
	if err != nil {
		return nil, err
	}
	return &Client{stub: stub}, nil
}

func (c *Client) Forward(ctx context.Context, ev Event) error {
	return c.stub.Call(ctx, methodLog, toWire(ev), nil)
}

// Record is an event as the guest framework produces it, before level
// translation.
type Record struct {
	Logger   string
	Level    slog.Level
	Time     time.Time
	Template string
	Args     []any
}

// Appender translates guest records and forwards them. It never formats
// the message; the host does.
type Appender struct {
	remote Forwarder
}

func NewAppender(f Forwarder) *Appender {
	return &Appender{remote: f}
}

// Append forwards rec. Any error is fatal to the caller.
func (a *Appender) Append(ctx context.Context, rec Record) error {
	lvl, err := FromSlog(rec.Level)
	if err != nil {
		return err
	}
	args := make([]any, len(rec.Args))
	for i, v := range rec.Args {
		args[i] = WireArg(v)
	}

	ev := Event{
		Logger:   rec.Logger,
		Level:    lvl,
		Time:     time.UnixMilli(rec.Time.UnixMilli()),
		Template: rec.Template,
		Args:     args,
	}
	if err := a.remote.Forward(ctx, ev); err != nil {
		return fmt.Errorf("forwarding log event from %s: %w", rec.Logger, err)
	}
	return nil
}

// FatalError is the panic value raised when forwarding fails after the
// bridge started.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "log bridge: " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

func panicFatal(err error) {
	panic(&FatalError{Err: err})
}

// Logger is the guest logging facade. A Logger with no appender discards
// everything. When forwarding fails a log call panics with *FatalError;
// goroutines that log must recover it themselves or be started through
// guest.Env.Go.
type Logger struct {
	name     string
	appender *Appender
	fatal    func(error)
	now      func() time.Time
}

// NewLogger returns a facade named name writing to a. a may be nil.
func NewLogger(name string, a *Appender) *Logger {
	return &Logger{name: name, appender: a, fatal: panicFatal, now: time.Now}
}

// Named returns a logger sharing l's appender under a new name.
func (l *Logger) Named(name string) *Logger {
	c := *l
	c.name = name
	return &c
}

// Enabled reports whether events go anywhere.
func (l *Logger) Enabled() bool { return l.appender != nil }

// Log forwards one event at the given guest level.
func (l *Logger) Log(ctx context.Context, level slog.Level, template string, args ...any) {
	if l.appender == nil {
		return
	}
	err := l.appender.Append(ctx, Record{
		Logger:   l.name,
		Level:    level,
		Time:     l.now(),
		Template: template,
		Args:     args,
	})
	if err != nil {
		l.fatal(err)
	}
}

func (l *Logger) Trace(template string, args ...any) {
	l.Log(context.Background(), SlogLevelTrace, template, args...)
}

func (l *Logger) Debug(template string, args ...any) {
	l.Log(context.Background(), slog.LevelDebug, template, args...)
}

func (l *Logger) Info(template string, args ...any) {
	l.Log(context.Background(), slog.LevelInfo, template, args...)
}

func (l *Logger) Warn(template string, args ...any) {
	l.Log(context.Background(), slog.LevelWarn, template, args...)
}

func (l *Logger) Error(template string, args ...any) {
	l.Log(context.Background(), slog.LevelError, template, args...)
}

// Handler lets guest code log through log/slog. The record message is
// the template and attribute values, in order, are the arguments. Groups
// extend the logger name.
type Handler struct {
	appender *Appender
	logger   string
	args     []any
	fatal    func(error)
}

// NewHandler returns a slog handler forwarding through a.
func NewHandler(a *Appender, logger string) *Handler {
	return &Handler{appender: a, logger: logger, fatal: panicFatal}
}

func (h *Handler) Enabled(context.Context, slog.Level) bool { return h.appender != nil }

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	if h.appender == nil {
		return nil
	}
	args := make([]any, 0, len(h.args)+r.NumAttrs())
	args = append(args, h.args...)
	r.Attrs(func(a slog.Attr) bool {
		args = append(args, attrValue(a))
		return true
	})
	err := h.appender.Append(ctx, Record{
		Logger:   h.logger,
		Level:    r.Level,
		Time:     r.Time,
		Template: r.Message,
		Args:     args,
	})
	if err != nil {
		h.fatal(err)
	}
	return nil
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.args = make([]any, 0, len(h.args)+len(attrs))
	c.args = append(c.args, h.args...)
	for _, a := range attrs {
		c.args = append(c.args, attrValue(a))
	}
	return &c
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := *h
	c.logger = h.logger + "." + name
	return &c
}

// attrValue flattens a to something the wire codec can carry.
func attrValue(a slog.Attr) any {
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		return v.Int64()
	case slog.KindBool:
		return v.Bool()
	case slog.KindFloat64:
		return v.Float64()
	case slog.KindGroup:
		return v.String()
	default:
		return WireArg(v.Any())
	}
}
