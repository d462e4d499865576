package sandbox

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/michaelbrown/jsand/internal/classxfer"
	"github.com/michaelbrown/jsand/internal/container"
	"github.com/michaelbrown/jsand/internal/guest"
	"github.com/michaelbrown/jsand/internal/observability"
	"github.com/michaelbrown/jsand/internal/ready"
	"github.com/michaelbrown/jsand/internal/remotelog"
	"github.com/michaelbrown/jsand/internal/storage"
	"github.com/michaelbrown/jsand/internal/storage/sqlite"
	jsandtest "github.com/michaelbrown/jsand/internal/testutil"
	"github.com/michaelbrown/jsand/internal/testutil/inproc"
)

func testSessionConfig() Config {
	return Config{
		Container: container.Config{
			Image:  "jsand-guest:test",
			Policy: container.DefaultPolicy(),
		},
		Builder:      &container.ImageBuilder{Image: "jsand-guest:test", Context: "."},
		ReadyTimeout: 5 * time.Second,
	}
}

func testStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestScenarioHappyPath(t *testing.T) {
	rt := inproc.New()
	st := testStore(t)
	s := NewSession(testSessionConfig(), rt, WithStore(st))

	out, err := s.Run(context.Background(), guest.EntrySendReady, []string{"one"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !out.Ready || out.ReadyErr != nil {
		t.Fatalf("ready = %v, err = %v", out.Ready, out.ReadyErr)
	}
	if out.Status != storage.StatusCompleted {
		t.Errorf("status = %s", out.Status)
	}
	if !strings.Contains(out.Result.Stdout, guest.SuccessMarker) {
		t.Errorf("stdout = %q", out.Result.Stdout)
	}
	if strings.TrimSpace(out.Result.Stderr) != "" {
		t.Errorf("stderr = %q", out.Result.Stderr)
	}

	rec, err := st.GetSession(context.Background(), s.ID())
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != storage.StatusCompleted || !rec.Ready || !strings.Contains(rec.Stdout, guest.SuccessMarker) {
		t.Errorf("stored session = %+v", rec)
	}
	events, err := st.LoadLogEvents(context.Background(), s.ID())
	if err != nil {
		t.Fatal(err)
	}
	if len(events) == 0 || events[0].Logger != guest.EntrySendReady {
		t.Errorf("stored events = %+v", events)
	}

	if rt.Networks() != 0 {
		t.Error("network survived teardown")
	}
	if rt.Containers() != 0 {
		t.Error("container survived teardown")
	}
}

func TestScenarioMissingLogger(t *testing.T) {
	cfg := testSessionConfig()
	cfg.Services = []string{ready.ServiceName, classxfer.ServiceName}
	s := NewSession(cfg, inproc.New())

	out, err := s.Run(context.Background(), guest.EntrySendReady, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !out.Ready {
		t.Errorf("readiness should still fire, err = %v", out.ReadyErr)
	}
	if !strings.Contains(out.Result.Stdout, guest.SuccessMarker) {
		t.Errorf("stdout = %q", out.Result.Stdout)
	}
	for _, want := range []string{"Failed to initialize log bridge", "registry: service not bound: Logger"} {
		if !strings.Contains(out.Result.Stderr, want) {
			t.Errorf("stderr %q missing %q", out.Result.Stderr, want)
		}
	}
}

func TestScenarioClassTransfer(t *testing.T) {
	out := t.TempDir()
	jsandtest.WriteClass(t, out, "com.example.Shipped", "")
	cfg := testSessionConfig()
	cfg.OutputDir = out
	cfg.Designation = classxfer.Designation{Classes: []string{"com.example.Shipped"}}
	m := observability.NewMetrics()
	s := NewSession(cfg, inproc.New(), WithMetrics(m))

	res, err := s.Run(context.Background(), guest.EntryLoadOneClass, []string{"com.example.Shipped"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != storage.StatusCompleted {
		t.Fatalf("status = %s, stderr = %s", res.Status, res.Result.Stderr)
	}
	if !strings.Contains(res.Result.Stdout, "Loaded com.example.Shipped") {
		t.Errorf("stdout = %q", res.Result.Stdout)
	}
	if got := testutil.ToFloat64(m.ClassTransfersTotal.WithLabelValues("sent")); got != 1 {
		t.Errorf("sent transfers = %v", got)
	}
	if got := testutil.ToFloat64(m.SessionsTotal.WithLabelValues("completed")); got != 1 {
		t.Errorf("completed sessions = %v", got)
	}
	if got := testutil.ToFloat64(m.ActiveSessions); got != 0 {
		t.Errorf("active sessions = %v", got)
	}
}

func TestBuildFailureSkipsLaunch(t *testing.T) {
	rt := inproc.New()
	rt.BuildExit = 1
	st := testStore(t)
	s := NewSession(testSessionConfig(), rt, WithStore(st))

	out, err := s.Run(context.Background(), guest.EntrySendReady, nil)
	var be *container.BuildError
	if !errors.As(err, &be) {
		t.Fatalf("Run = %v, want BuildError", err)
	}
	if errors.Is(err, ready.ErrTimeout) {
		t.Error("build failure reported as timeout")
	}
	if out.Status != storage.StatusFailed || out.Ready {
		t.Errorf("outcome = %+v", out)
	}
	if n := rt.Count("run"); n != 0 {
		t.Errorf("guest launched %d times after failed build", n)
	}
	rec, _ := st.GetSession(context.Background(), s.ID())
	if rec.Status != storage.StatusFailed || !strings.Contains(rec.Error, "COMPILATION ERROR") {
		t.Errorf("stored session = %+v", rec)
	}
}

func TestReadinessTimeout(t *testing.T) {
	cfg := testSessionConfig()
	cfg.ReadyTimeout = 200 * time.Millisecond
	rt := inproc.New()
	s := NewSession(cfg, rt)

	start := time.Now()
	out, err := s.Run(context.Background(), inproc.EntryHang, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !errors.Is(out.ReadyErr, ready.ErrTimeout) {
		t.Fatalf("ReadyErr = %v, want ErrTimeout", out.ReadyErr)
	}
	if out.Status != storage.StatusTimedOut {
		t.Errorf("status = %s", out.Status)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("teardown after timeout took %s", elapsed)
	}
	if rt.Containers() != 0 {
		t.Error("hung container survived teardown")
	}
}

func TestReadinessNotPublishedIsBounded(t *testing.T) {
	cfg := testSessionConfig()
	cfg.Services = []string{remotelog.ServiceName}
	cfg.ReadyTimeout = 200 * time.Millisecond
	rt := inproc.New()
	s := NewSession(cfg, rt)

	type result struct {
		out *Outcome
		err error
	}
	ch := make(chan result, 1)
	go func() {
		out, err := s.Run(context.Background(), inproc.EntryHang, nil)
		ch <- result{out, err}
	}()

	var res result
	select {
	case res = <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("Run blocked past the readiness timeout")
	}
	if res.err != nil {
		t.Fatalf("Run: %v", res.err)
	}
	if !errors.Is(res.out.ReadyErr, ErrReadyNotPublished) || !errors.Is(res.out.ReadyErr, ready.ErrTimeout) {
		t.Errorf("ReadyErr = %v", res.out.ReadyErr)
	}
	if res.out.Status != storage.StatusTimedOut {
		t.Errorf("status = %s", res.out.Status)
	}
	if rt.Containers() != 0 {
		t.Error("hung container survived teardown")
	}
}

func TestExitBeforeReady(t *testing.T) {
	s := NewSession(testSessionConfig(), inproc.New())

	out, err := s.Run(context.Background(), inproc.EntryNoSignal, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !errors.Is(out.ReadyErr, ErrExitedBeforeReady) {
		t.Errorf("ReadyErr = %v", out.ReadyErr)
	}
	if errors.Is(out.ReadyErr, ready.ErrTimeout) {
		t.Error("early exit reported as timeout")
	}
	if out.Status != storage.StatusFailed || out.Result.ExitCode != 0 {
		t.Errorf("outcome = %+v", out)
	}
}

func TestSessionHubSink(t *testing.T) {
	hub := remotelog.NewHub()
	s := NewSession(testSessionConfig(), inproc.New(), WithID("hub-session"), WithSinks(hub.Sink("hub-session")))
	events, cancel := hub.Subscribe("hub-session", 64)
	defer cancel()

	if _, err := s.Run(context.Background(), guest.EntryLogLevels, nil); err != nil {
		t.Fatal(err)
	}
	got := 0
drain:
	for {
		select {
		case <-events:
			got++
		default:
			break drain
		}
	}
	if got != 5 {
		t.Errorf("hub delivered %d events, want 5", got)
	}
}

func TestUnknownServiceRejected(t *testing.T) {
	cfg := testSessionConfig()
	cfg.Services = []string{"Nope"}
	if _, err := NewSession(cfg, inproc.New()).Run(context.Background(), guest.EntrySendReady, nil); err == nil {
		t.Error("expected error for unknown service")
	}
}
