// Package remotelog bridges guest log events to the host. The guest side
// translates its framework levels to the canonical five-level enumeration
// and forwards each event over the registry; the host side re-emits the
// event into its own sinks, performing template substitution itself.
package remotelog

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Level is the canonical severity carried on the wire.
type Level int

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
)

var levelNames = [...]string{
	LevelTrace: "TRACE",
	LevelDebug: "DEBUG",
	LevelInfo:  "INFO",
	LevelWarn:  "WARN",
	LevelError: "ERROR",
}

func (l Level) String() string {
	if l < LevelTrace || l > LevelError {
		return fmt.Sprintf("Level(%d)", int(l))
	}
	return levelNames[l]
}

// Valid reports whether l is one of the five canonical levels.
func (l Level) Valid() bool {
	return l >= LevelTrace && l <= LevelError
}

// ParseLevel parses the wire name of a level.
func ParseLevel(s string) (Level, error) {
	for i, name := range levelNames {
		if name == s {
			return Level(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownLevel, s)
}

// SlogLevelTrace is the slog level guests use for TRACE. slog itself stops
// at Debug.
const SlogLevelTrace = slog.Level(-8)

var (
	// ErrUnmappedLevel means a guest framework level has no canonical
	// counterpart. It is fatal in the guest: the event cannot be forwarded
	// and guessing a level would misreport severity.
	ErrUnmappedLevel = errors.New("unmapped guest log level")

	// ErrUnknownLevel means a wire level name is not canonical.
	ErrUnknownLevel = errors.New("unknown log level")
)

// guestLevels is the exhaustive translation from the guest framework (slog)
// to the canonical enumeration.
var guestLevels = map[slog.Level]Level{
	SlogLevelTrace:  LevelTrace,
	slog.LevelDebug: LevelDebug,
	slog.LevelInfo:  LevelInfo,
	slog.LevelWarn:  LevelWarn,
	slog.LevelError: LevelError,
}

// hostLevels is the reverse translation used when re-emitting on the host.
var hostLevels = [...]slog.Level{
	LevelTrace: SlogLevelTrace,
	LevelDebug: slog.LevelDebug,
	LevelInfo:  slog.LevelInfo,
	LevelWarn:  slog.LevelWarn,
	LevelError: slog.LevelError,
}

// FromSlog translates a guest level. Levels outside the table fail.
func FromSlog(l slog.Level) (Level, error) {
	lvl, ok := guestLevels[l]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnmappedLevel, int(l))
	}
	return lvl, nil
}

// Slog returns the host slog level for l.
func (l Level) Slog() slog.Level {
	if !l.Valid() {
		panic(fmt.Sprintf("remotelog: invalid level %d", int(l)))
	}
	return hostLevels[l]
}

// Event is one log record crossing the process boundary. Time has
// millisecond precision.
type Event struct {
	Logger   string
	Level    Level
	Time     time.Time
	Template string
	Args     []any
}

// Message returns the template with arguments substituted.
func (e Event) Message() string {
	return Format(e.Template, e.Args)
}

type wireEvent struct {
	Logger     string `cbor:"logger"`
	Level      string `cbor:"level"`
	TimeMillis int64  `cbor:"ts_ms"`
	Template   string `cbor:"template"`
	Args       []any  `cbor:"args"`
}

func toWire(e Event) wireEvent {
	return wireEvent{
		Logger:     e.Logger,
		Level:      e.Level.String(),
		TimeMillis: e.Time.UnixMilli(),
		Template:   e.Template,
		Args:       e.Args,
	}
}

func fromWire(w wireEvent) (Event, error) {
	lvl, err := ParseLevel(w.Level)
	if err != nil {
		return Event{}, err
	}
	return Event{
		Logger:   w.Logger,
		Level:    lvl,
		Time:     time.UnixMilli(w.TimeMillis),
		Template: w.Template,
		Args:     w.Args,
	}, nil
}
