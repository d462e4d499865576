package directory

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"testing"

	"github.com/michaelbrown/jsand/internal/ready"
	"github.com/michaelbrown/jsand/internal/registry"
)

func listen(t *testing.T) (*registry.Registry, string, int) {
	t.Helper()
	reg := registry.New(nil)
	if err := reg.Listen("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { reg.Close(context.Background()) })
	host, portStr, _ := net.SplitHostPort(reg.Addr())
	port, _ := strconv.Atoi(portStr)
	return reg, host, port
}

func TestResolveAndLookup(t *testing.T) {
	reg, host, port := listen(t)
	w := ready.NewWaiter(nil)
	reg.Bind(ready.ServiceName, w.Endpoint())

	h, err := Resolve(context.Background(), host, port)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	rc, err := h.Ready(context.Background())
	if err != nil {
		t.Fatalf("Ready: %v", err)
	}
	if err := rc.SignalReady(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !w.Signaled() {
		t.Error("waiter not signaled")
	}
}

func TestLookupUnboundNamesService(t *testing.T) {
	_, host, port := listen(t)
	h, err := Resolve(context.Background(), host, port)
	if err != nil {
		t.Fatal(err)
	}

	_, err = h.Logger(context.Background())
	var le *LookupError
	if !errors.As(err, &le) || le.Service != "Logger" {
		t.Fatalf("Logger = %v, want LookupError for Logger", err)
	}
	if !errors.Is(err, registry.ErrNotBound) {
		t.Errorf("err = %v, want ErrNotBound", err)
	}
	if !strings.Contains(err.Error(), "registry: service not bound: Logger") {
		t.Errorf("message %q lacks the discovery error", err.Error())
	}

	if _, err := h.ClassSender(context.Background()); !errors.Is(err, registry.ErrNotBound) {
		t.Errorf("ClassSender = %v, want ErrNotBound", err)
	}
}

func TestResolveUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	if _, err := Resolve(context.Background(), "127.0.0.1", port); !errors.Is(err, registry.ErrUnreachable) {
		t.Errorf("Resolve = %v, want ErrUnreachable", err)
	}
}
