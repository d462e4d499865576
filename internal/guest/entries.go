package guest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/michaelbrown/jsand/internal/remotelog"
)

// Built-in entry names.
const (
	EntrySendReady    = "jsand.containerized.SendReady"
	EntryLoadOneClass = "jsand.containerized.LoadOneClass"
	EntryLogLevels    = "jsand.containerized.LogLevels"
)

// Builtins returns a fresh table holding the built-in entries.
func Builtins() *Entries {
	e := NewEntries()
	e.Register(EntrySendReady, sendReady)
	e.Register(EntryLoadOneClass, loadOneClass)
	e.Register(EntryLogLevels, logLevels)
	return e
}

func signalReady(ctx context.Context, env *Env) error {
	rc, err := env.Host.Ready(ctx)
	if err != nil {
		return err
	}
	return rc.SignalReady(ctx)
}

func sendReady(ctx context.Context, env *Env, args []string) error {
	env.Log.Info("{} starting with {} args", env.Name, len(args))
	if err := signalReady(ctx, env); err != nil {
		return err
	}
	env.Log.Debug("readiness signaled")
	return nil
}

func loadOneClass(ctx context.Context, env *Env, args []string) error {
	if len(args) == 0 {
		return errors.New("no class names given")
	}
	for _, name := range args {
		c, err := env.Loader.Load(ctx, name)
		if err != nil {
			return err
		}
		env.Log.Info("defined {} extends {} from {} digest {}", c.Name, c.Super, c.Source, c.Digest)
		fmt.Fprintf(env.Stdout, "Loaded %s\n", c.Name)
	}
	return signalReady(ctx, env)
}

// logLevels emits one event per severity, each carrying its level name
// and position as arguments.
func logLevels(ctx context.Context, env *Env, args []string) error {
	levels := []slog.Level{remotelog.SlogLevelTrace, slog.LevelDebug, slog.LevelInfo, slog.LevelWarn, slog.LevelError}
	for i, lvl := range levels {
		env.Log.Log(ctx, lvl, "event {} at {}", i, lvl.String())
	}
	return signalReady(ctx, env)
}
