// Package ready implements the one-shot readiness handshake. The guest calls
// Ready.ready once it has finished initializing; the host blocks in
// Waiter.Await until that call arrives or its deadline passes.
package ready

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/michaelbrown/jsand/internal/registry"
)

// ServiceName is the well-known registry name of the readiness endpoint.
const ServiceName = "Ready"

const methodReady = "ready"

// ErrTimeout is returned by Await when no signal arrived in time. It is
// never used for a guest that signaled and then failed.
var ErrTimeout = errors.New("readiness not signaled before deadline")

// Waiter is the host-side handle of one readiness signal.
type Waiter struct {
	once    sync.Once
	done    chan struct{}
	signals atomic.Int64
	at      atomic.Pointer[time.Time]
	logger  *slog.Logger
}

// NewWaiter returns an unsignaled waiter.
func NewWaiter(logger *slog.Logger) *Waiter {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Waiter{
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Signal moves the waiter to the signaled state. Later calls only bump the
// signal count.
func (w *Waiter) Signal() {
	n := w.signals.Add(1)
	w.once.Do(func() {
		now := time.Now()
		w.at.Store(&now)
		close(w.done)
	})
	if n > 1 {
		w.logger.Warn("readiness already signaled", "signals", n)
	}
}

// Signaled reports whether Signal has been called.
func (w *Waiter) Signaled() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// Signals returns how many times the guest signaled.
func (w *Waiter) Signals() int64 {
	return w.signals.Load()
}

// SignaledAt returns when the first signal arrived, or the zero time.
func (w *Waiter) SignaledAt() time.Time {
	if t := w.at.Load(); t != nil {
		return *t
	}
	return time.Time{}
}

// Done is closed on the first signal.
func (w *Waiter) Done() <-chan struct{} {
	return w.done
}

// Await blocks until the guest signals, timeout elapses, or ctx ends. A
// timeout of zero or less bounds the wait by ctx alone.
func (w *Waiter) Await(ctx context.Context, timeout time.Duration) error {
	if w.Signaled() {
		return nil
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-w.done:
		return nil
	case <-expired:
		return fmt.Errorf("%w after %s", ErrTimeout, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Endpoint returns the method table to bind under ServiceName.
func (w *Waiter) Endpoint() registry.Endpoint {
	return registry.Endpoint{
		methodReady: func(ctx context.Context, raw []byte) (any, error) {
			w.Signal()
			return nil, nil
		},
	}
}

// Client is the guest-side handle of the readiness endpoint.
type Client struct {
	stub *registry.Stub
}

// Lookup resolves the readiness endpoint through c.
func Lookup(ctx context.Context, c *registry.Client) (*Client, error) {
	stub, err := c.Lookup(ctx, ServiceName)
	if err != nil {
		return nil, err
	}
	return &Client{stub: stub}, nil
}

// SignalReady tells the host the guest is initialized.
func (c *Client) SignalReady(ctx context.Context) error {
	return c.stub.Call(ctx, methodReady, struct{}{}, nil)
}
