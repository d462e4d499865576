package sandbox

import (
	"context"
	"log/slog"

	"github.com/michaelbrown/jsand/internal/remotelog"
	"github.com/michaelbrown/jsand/internal/storage"
)

// StoreSink persists forwarded events under a session id. A store failure
// is logged and swallowed so it never reaches the guest as a forwarding
// error.
type StoreSink struct {
	store   storage.Store
	session string
	logger  *slog.Logger
}

func NewStoreSink(st storage.Store, session string, logger *slog.Logger) *StoreSink {
	return &StoreSink{store: st, session: session, logger: logger}
}

func (s *StoreSink) Emit(ctx context.Context, ev remotelog.Event) error {
	if err := s.store.AppendLogEvents(ctx, s.session, []storage.LogEvent{StorageEvent(ev)}); err != nil {
		s.logger.Warn("persisting log event", "logger", ev.Logger, "error", err)
	}
	return nil
}

// StorageEvent converts a forwarded event to its stored form.
func StorageEvent(ev remotelog.Event) storage.LogEvent {
	return storage.LogEvent{
		Logger:   ev.Logger,
		Level:    ev.Level.String(),
		Time:     ev.Time,
		Template: ev.Template,
		Args:     ev.Args,
		Message:  ev.Message(),
	}
}
