// Package sandbox runs one sandbox session end to end. The Coordinator
// owns the host half of the back channel; Session sequences it with the
// container lifecycle.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/michaelbrown/jsand/internal/classxfer"
	"github.com/michaelbrown/jsand/internal/observability"
	"github.com/michaelbrown/jsand/internal/ready"
	"github.com/michaelbrown/jsand/internal/registry"
	"github.com/michaelbrown/jsand/internal/remotelog"
)

var (
	ErrNoHostIP      = errors.New("host ip not set")
	ErrNoRegistry    = errors.New("registry not created")
	ErrRegistryExist = errors.New("registry already created")
)

// Coordinator publishes the session services on a fresh registry. It is
// torn down with its session and never reused.
type Coordinator struct {
	logger     *slog.Logger
	metrics    *observability.Metrics
	tracing    bool
	listenHost string

	mu      sync.Mutex
	hostIP  string
	reg     *registry.Registry
	waiter  *ready.Waiter
	logs    *remotelog.Service
	classes *classxfer.Sender
	closed  bool
}

type CoordinatorOption func(*Coordinator)

// WithCoordinatorMetrics reports registry, log and class traffic to m.
func WithCoordinatorMetrics(m *observability.Metrics) CoordinatorOption {
	return func(c *Coordinator) { c.metrics = m }
}

// WithRegistryTracing instruments the registry handler.
func WithRegistryTracing(on bool) CoordinatorOption {
	return func(c *Coordinator) { c.tracing = on }
}

// WithListenHost binds the registry on host instead of the host IP, for
// example "0.0.0.0" when the gateway address is not assigned locally.
func WithListenHost(host string) CoordinatorOption {
	return func(c *Coordinator) { c.listenHost = host }
}

func NewCoordinator(logger *slog.Logger, opts ...CoordinatorOption) *Coordinator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c := &Coordinator{logger: logger}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetHostIP records the address the guest will reach the host on.
func (c *Coordinator) SetHostIP(ip string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hostIP = ip
}

func (c *Coordinator) HostIP() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hostIP
}

// CreateRegistry starts the session registry on the host IP and port.
// Port 0 picks a free port; Port reports it.
func (c *Coordinator) CreateRegistry(port int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("coordinator closed")
	}
	if c.reg != nil {
		return ErrRegistryExist
	}
	host := c.listenHost
	if host == "" {
		host = c.hostIP
	}
	if host == "" {
		return ErrNoHostIP
	}

	opts := []registry.Option{registry.WithObserver(c.metrics)}
	if c.tracing {
		opts = append(opts, registry.WithTracing())
	}
	reg := registry.New(c.logger.With("component", "registry"), opts...)
	if err := reg.Listen(net.JoinHostPort(host, strconv.Itoa(port))); err != nil {
		return err
	}
	c.reg = reg
	return nil
}

// Registry returns the session registry, or nil before CreateRegistry.
func (c *Coordinator) Registry() *registry.Registry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reg
}

// Port returns the port the registry is bound to.
func (c *Coordinator) Port() int {
	reg := c.Registry()
	if reg == nil {
		return 0
	}
	_, p, err := net.SplitHostPort(reg.Addr())
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(p)
	return n
}

func (c *Coordinator) bind(name string, ep registry.Endpoint) error {
	if c.reg == nil {
		return fmt.Errorf("binding %s: %w", name, ErrNoRegistry)
	}
	c.reg.Bind(name, ep)
	c.logger.Debug("service bound", "service", name)
	return nil
}

// RegisterReadyWaiter binds a fresh readiness endpoint and returns its wait
// handle.
func (c *Coordinator) RegisterReadyWaiter() (*ready.Waiter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := ready.NewWaiter(c.logger)
	if err := c.bind(ready.ServiceName, w.Endpoint()); err != nil {
		return nil, err
	}
	c.waiter = w
	return w, nil
}

// RegisterLogger binds the log bridge. Events go to sinks in order.
func (c *Coordinator) RegisterLogger(sinks ...remotelog.Sink) (*remotelog.Service, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	svc := remotelog.NewService(c.logger, sinks...)
	svc.SetObserver(c.metrics)
	if err := c.bind(remotelog.ServiceName, svc.Endpoint()); err != nil {
		return nil, err
	}
	c.logs = svc
	return svc, nil
}

// RegisterClassSender binds the class endpoint serving the designated
// classes found under outputDir.
func (c *Coordinator) RegisterClassSender(outputDir string, d classxfer.Designation) (*classxfer.Sender, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := classxfer.NewSender(outputDir, d, c.logger)
	s.SetObserver(c.metrics)
	if err := c.bind(classxfer.ServiceName, s.Endpoint()); err != nil {
		return nil, err
	}
	c.classes = s
	return s, nil
}

// Waiter returns the readiness handle, or nil if none was registered.
func (c *Coordinator) Waiter() *ready.Waiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waiter
}

// Close shuts the registry down. In-flight calls may fail; that is the
// expected result of teardown. Close is idempotent.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	reg := c.reg
	c.reg = nil
	c.closed = true
	c.mu.Unlock()
	if reg == nil {
		return nil
	}
	return reg.Close(ctx)
}
