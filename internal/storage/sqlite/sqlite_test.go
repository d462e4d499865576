package sqlite

import (
	"context"
	"errors"
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/michaelbrown/jsand/internal/storage"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("opening memory db: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetSession(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	sess := &storage.Session{
		ID:         "abc12345-0000-0000-0000-000000000000",
		EntryClass: "jsand.containerized.SendReady",
		Args:       []string{"one", "two"},
		Status:     storage.StatusPending,
	}

	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	got, err := s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}

	if got.EntryClass != "jsand.containerized.SendReady" {
		t.Errorf("entry = %q", got.EntryClass)
	}
	if got.Status != storage.StatusPending {
		t.Errorf("status = %q, want %q", got.Status, storage.StatusPending)
	}
	if len(got.Args) != 2 || got.Args[1] != "two" {
		t.Errorf("args = %v", got.Args)
	}
	if got.CreatedAt.IsZero() {
		t.Error("created_at should not be zero")
	}
}

func TestGetSessionByPrefix(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	sess := &storage.Session{
		ID:     "abc12345-0000-0000-0000-000000000000",
		Status: storage.StatusPending,
	}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	got, err := s.GetSession(ctx, "abc12345")
	if err != nil {
		t.Fatalf("GetSession by prefix: %v", err)
	}
	if got.ID != sess.ID {
		t.Errorf("got ID %q, want %q", got.ID, sess.ID)
	}
}

func TestGetSessionAmbiguousPrefix(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for _, id := range []string{
		"abc00000-0000-0000-0000-000000000000",
		"abc11111-0000-0000-0000-000000000000",
	} {
		sess := &storage.Session{ID: id, Status: storage.StatusPending}
		if err := s.CreateSession(ctx, sess); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
	}

	_, err := s.GetSession(ctx, "abc")
	if err == nil {
		t.Fatal("expected error for ambiguous prefix")
	}
	if errors.Is(err, storage.ErrNotFound) {
		t.Error("ambiguous prefix is not a missing session")
	}
}

func TestGetSessionNotFound(t *testing.T) {
	s := testStore(t)
	if _, err := s.GetSession(context.Background(), "zzz"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetSession = %v, want ErrNotFound", err)
	}
}

func TestListSessions(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for _, id := range []string{"aaa", "bbb", "ccc"} {
		sess := &storage.Session{ID: id, Status: storage.StatusPending}
		if err := s.CreateSession(ctx, sess); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
	}

	sessions, err := s.ListSessions(ctx, storage.SessionListOptions{})
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 3 {
		t.Errorf("got %d sessions, want 3", len(sessions))
	}
}

func TestListSessionsFilterByStatus(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	s.CreateSession(ctx, &storage.Session{ID: "a1", Status: storage.StatusCompleted})
	s.CreateSession(ctx, &storage.Session{ID: "a2", Status: storage.StatusFailed})
	s.CreateSession(ctx, &storage.Session{ID: "a3", Status: storage.StatusCompleted})

	sessions, err := s.ListSessions(ctx, storage.SessionListOptions{Status: storage.StatusCompleted})
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Errorf("got %d completed sessions, want 2", len(sessions))
	}
}

func TestListSessionsLimit(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		s.CreateSession(ctx, &storage.Session{ID: string(rune('a' + i)), Status: storage.StatusPending})
	}

	sessions, err := s.ListSessions(ctx, storage.SessionListOptions{Limit: 2})
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Errorf("got %d sessions, want 2", len(sessions))
	}
}

func TestUpdateSession(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	sess := &storage.Session{ID: "upd1", Status: storage.StatusRunning}
	s.CreateSession(ctx, sess)

	sess.Status = storage.StatusCompleted
	sess.Ready = true
	sess.ExitCode = 3
	sess.Stdout = "[INFO] BUILD SUCCESS\n"
	sess.Stderr = "warning"
	if err := s.UpdateSession(ctx, sess); err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}

	got, err := s.GetSession(ctx, "upd1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != storage.StatusCompleted || !got.Ready || got.ExitCode != 3 {
		t.Errorf("got %+v", got)
	}
	if got.Stdout != "[INFO] BUILD SUCCESS\n" || got.Stderr != "warning" {
		t.Errorf("output = %q / %q", got.Stdout, got.Stderr)
	}
}

func TestUpdateMissingSession(t *testing.T) {
	s := testStore(t)
	err := s.UpdateSession(context.Background(), &storage.Session{ID: "ghost", Status: storage.StatusFailed})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("UpdateSession = %v, want ErrNotFound", err)
	}
}

func TestDeleteSession(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	sess := &storage.Session{ID: "del1", Status: storage.StatusPending}
	s.CreateSession(ctx, sess)
	s.AppendLogEvents(ctx, "del1", []storage.LogEvent{{Logger: "x", Level: "INFO", Time: time.Now()}})

	if err := s.DeleteSession(ctx, "del1"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}

	_, err := s.GetSession(ctx, "del1")
	if err == nil {
		t.Fatal("expected error after delete")
	}

	events, err := s.LoadLogEvents(ctx, "del1")
	if err != nil {
		t.Fatalf("LoadLogEvents after delete: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected no events after delete, got %d", len(events))
	}
}

func TestAppendAndLoadLogEvents(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	s.CreateSession(ctx, &storage.Session{ID: "log1", Status: storage.StatusRunning})

	ts := time.UnixMilli(1_700_000_000_123)
	events := []storage.LogEvent{
		{Logger: "guest", Level: "INFO", Time: ts, Template: "user {} logged in", Args: []any{"alice"}, Message: "user alice logged in"},
		{Logger: "guest", Level: "WARN", Time: ts.Add(time.Millisecond), Template: "{} retries", Args: []any{int64(3)}, Message: "3 retries"},
	}
	if err := s.AppendLogEvents(ctx, "log1", events[:1]); err != nil {
		t.Fatalf("AppendLogEvents: %v", err)
	}
	if err := s.AppendLogEvents(ctx, "log1", events[1:]); err != nil {
		t.Fatalf("AppendLogEvents: %v", err)
	}

	loaded, err := s.LoadLogEvents(ctx, "log1")
	if err != nil {
		t.Fatalf("LoadLogEvents: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("got %d events, want 2", len(loaded))
	}
	if loaded[0].Level != "INFO" || loaded[1].Level != "WARN" {
		t.Errorf("levels out of order: %s, %s", loaded[0].Level, loaded[1].Level)
	}
	if !loaded[0].Time.Equal(ts) {
		t.Errorf("time = %v, want %v", loaded[0].Time, ts)
	}
	if loaded[0].Args[0] != "alice" || loaded[1].Message != "3 retries" {
		t.Errorf("events = %+v", loaded)
	}
}

func TestLogEventArgsFidelity(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	s.CreateSession(ctx, &storage.Session{ID: "args1", Status: storage.StatusRunning})

	ts := time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC)
	tests := []struct {
		name string
		arg  any
		want any
	}{
		{"string", "alice", "alice"},
		{"int64", int64(1) << 60, int64(1) << 60},
		{"negative", int64(-3), int64(-3)},
		{"float", 2.5, 2.5},
		{"whole float", 4.0, int64(4)},
		{"nan", math.NaN(), "NaN"},
		{"bool", true, true},
		{"nil", nil, nil},
		{"error", errors.New("disk full"), "disk full"},
		{"time", ts, "2023-11-14T22:13:20Z"},
		{"bytes", []byte{0xca, 0xfe}, "cafe"},
		{"list", []any{int64(1), "b", errors.New("c")}, []any{int64(1), "b", "c"}},
		{"map", map[string]any{"n": int64(2)}, map[string]any{"n": int64(2)}},
		{"channel", make(chan int), nil},
	}

	events := make([]storage.LogEvent, len(tests))
	for i, tt := range tests {
		events[i] = storage.LogEvent{Logger: "guest", Level: "INFO", Time: ts, Template: "{}", Args: []any{tt.arg}}
	}
	if err := s.AppendLogEvents(ctx, "args1", events); err != nil {
		t.Fatalf("AppendLogEvents: %v", err)
	}
	loaded, err := s.LoadLogEvents(ctx, "args1")
	if err != nil {
		t.Fatalf("LoadLogEvents: %v", err)
	}
	if len(loaded) != len(tests) {
		t.Fatalf("got %d events, want %d", len(loaded), len(tests))
	}
	for i, tt := range tests {
		got := loaded[i].Args
		if tt.name == "channel" {
			if len(got) != 1 || got[0] == nil {
				t.Errorf("%s: args = %#v, want rendered text", tt.name, got)
			}
			continue
		}
		if len(got) != 1 || !reflect.DeepEqual(got[0], tt.want) {
			t.Errorf("%s: stored %#v, want %#v", tt.name, got, tt.want)
		}
	}
}

func TestLoadLogEventsEmpty(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	events, err := s.LoadLogEvents(ctx, "nonexistent")
	if err != nil {
		t.Fatalf("LoadLogEvents: %v", err)
	}
	if events != nil {
		t.Errorf("expected nil for nonexistent session, got %v", events)
	}
}
