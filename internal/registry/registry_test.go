package registry_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/michaelbrown/jsand/internal/registry"
	"github.com/michaelbrown/jsand/internal/wire"
)

type echoRequest struct {
	Text string `cbor:"text"`
}

type echoResponse struct {
	Text string `cbor:"text"`
	From string `cbor:"from"`
}

func echoEndpoint(from string) registry.Endpoint {
	return registry.Endpoint{
		"echo": func(ctx context.Context, raw []byte) (any, error) {
			var req echoRequest
			if err := wire.Unmarshal(raw, &req); err != nil {
				return nil, registry.Fault(registry.KindBadRequest, err)
			}
			return echoResponse{Text: req.Text, From: from}, nil
		},
		"fail": func(ctx context.Context, raw []byte) (any, error) {
			return nil, registry.Fault("custom_kind", errors.New("refused"))
		},
		"nothing": func(ctx context.Context, raw []byte) (any, error) {
			return nil, nil
		},
	}
}

func startRegistry(t *testing.T) (*registry.Registry, *registry.Client) {
	t.Helper()
	reg := registry.New(nil)
	if err := reg.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		reg.Close(ctx)
	})
	return reg, clientFor(t, reg.Addr())
}

func clientFor(t *testing.T, addr string) *registry.Client {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("SplitHostPort(%q): %v", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("port %q: %v", portStr, err)
	}
	return registry.NewClient(host, port)
}

func TestLookupNotBound(t *testing.T) {
	_, c := startRegistry(t)

	_, err := c.Lookup(context.Background(), "Logger")
	if !errors.Is(err, registry.ErrNotBound) {
		t.Fatalf("Lookup unbound = %v, want ErrNotBound", err)
	}
	var nb *registry.NotBoundError
	if !errors.As(err, &nb) || nb.Name != "Logger" {
		t.Fatalf("expected NotBoundError naming Logger, got %v", err)
	}
	if errors.Is(err, registry.ErrUnreachable) {
		t.Error("unbound name must not be reported as unreachable")
	}
}

func TestBindLookupCall(t *testing.T) {
	reg, c := startRegistry(t)
	reg.Bind("Echo", echoEndpoint("first"))

	stub, err := c.Lookup(context.Background(), "Echo")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(stub.Methods) != 3 || stub.Methods[0] != "echo" {
		t.Errorf("methods = %v, want sorted [echo fail nothing]", stub.Methods)
	}

	var resp echoResponse
	if err := stub.Call(context.Background(), "echo", echoRequest{Text: "hi"}, &resp); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if resp.Text != "hi" || resp.From != "first" {
		t.Errorf("resp = %+v", resp)
	}

	if err := stub.Call(context.Background(), "nothing", echoRequest{}, nil); err != nil {
		t.Errorf("Call nothing: %v", err)
	}
}

func TestBindReplaces(t *testing.T) {
	reg, c := startRegistry(t)
	reg.Bind("Echo", echoEndpoint("first"))
	reg.Bind("Echo", echoEndpoint("second"))

	if names := reg.Names(); len(names) != 1 {
		t.Fatalf("names = %v, want one binding", names)
	}

	stub, err := c.Lookup(context.Background(), "Echo")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	var resp echoResponse
	if err := stub.Call(context.Background(), "echo", echoRequest{Text: "x"}, &resp); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if resp.From != "second" {
		t.Errorf("from = %q, want second (last bind wins)", resp.From)
	}
}

func TestCallFaultKind(t *testing.T) {
	reg, c := startRegistry(t)
	reg.Bind("Echo", echoEndpoint("x"))

	stub, err := c.Lookup(context.Background(), "Echo")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}

	err = stub.Call(context.Background(), "fail", echoRequest{}, nil)
	var re *registry.RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("Call fail = %v, want RemoteError", err)
	}
	if re.Kind != "custom_kind" || re.Message != "refused" {
		t.Errorf("remote error = %+v", re)
	}
	if errors.Is(err, registry.ErrCallFailed) {
		t.Error("a service answer must not look like a transport failure")
	}

	err = stub.Call(context.Background(), "missing", echoRequest{}, nil)
	if !errors.As(err, &re) || re.Kind != registry.KindUnknownMethod {
		t.Errorf("unknown method = %v, want kind %s", err, registry.KindUnknownMethod)
	}
}

func TestCallAfterUnbind(t *testing.T) {
	reg, c := startRegistry(t)
	reg.Bind("Echo", echoEndpoint("x"))

	stub, err := c.Lookup(context.Background(), "Echo")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !reg.Unbind("Echo") {
		t.Fatal("Unbind reported no binding")
	}

	err = stub.Call(context.Background(), "echo", echoRequest{}, nil)
	if !errors.Is(err, registry.ErrNotBound) {
		t.Errorf("Call after unbind = %v, want ErrNotBound", err)
	}
}

func TestUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	c := clientFor(t, addr)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := c.Names(ctx); !errors.Is(err, registry.ErrUnreachable) {
		t.Errorf("Names = %v, want ErrUnreachable", err)
	}
	if _, err := c.Lookup(ctx, "Ready"); !errors.Is(err, registry.ErrUnreachable) {
		t.Errorf("Lookup = %v, want ErrUnreachable", err)
	}
}

func TestCallDuringTeardown(t *testing.T) {
	reg := registry.New(nil)
	if err := reg.Listen("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	reg.Bind("Echo", echoEndpoint("x"))
	c := clientFor(t, reg.Addr())

	stub, err := c.Lookup(context.Background(), "Echo")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if err := reg.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	err = stub.Call(context.Background(), "echo", echoRequest{}, nil)
	if !errors.Is(err, registry.ErrCallFailed) {
		t.Errorf("Call after Close = %v, want ErrCallFailed", err)
	}
	if len(reg.Names()) != 0 {
		t.Error("Close should drop bindings")
	}
}

func TestCloseWithoutListen(t *testing.T) {
	reg := registry.New(nil)
	if err := reg.Close(context.Background()); err != nil {
		t.Errorf("Close on idle registry: %v", err)
	}
}

func TestConcurrentCalls(t *testing.T) {
	reg, c := startRegistry(t)
	reg.Bind("Echo", echoEndpoint("x"))

	stub, err := c.Lookup(context.Background(), "Echo")
	if err != nil {
		t.Fatal(err)
	}

	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		go func(i int) {
			var resp echoResponse
			text := fmt.Sprintf("msg-%d", i)
			if err := stub.Call(context.Background(), "echo", echoRequest{Text: text}, &resp); err != nil {
				errs <- err
				return
			}
			if resp.Text != text {
				errs <- fmt.Errorf("got %q want %q", resp.Text, text)
				return
			}
			errs <- nil
		}(i)
	}
	for i := 0; i < 16; i++ {
		if err := <-errs; err != nil {
			t.Error(err)
		}
	}
}
