// Package directory is the guest's view of the host: it resolves the host
// alias to the registry and looks up the three back-channel services.
package directory

import (
	"context"
	"fmt"

	"github.com/michaelbrown/jsand/internal/classxfer"
	"github.com/michaelbrown/jsand/internal/ready"
	"github.com/michaelbrown/jsand/internal/registry"
	"github.com/michaelbrown/jsand/internal/remotelog"
)

// DefaultHostAlias is the name the guest uses for the host inside the
// sandbox network.
const DefaultHostAlias = "host.docker.internal"

// LookupError records which service failed to resolve and where.
type LookupError struct {
	Service string
	Addr    string
	Err     error
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("looking up %s at %s: %v", e.Service, e.Addr, e.Err)
}

func (e *LookupError) Unwrap() error { return e.Err }

// Host is a resolved registry on the host side.
type Host struct {
	client *registry.Client
}

// Resolve contacts the registry at alias:port. Failure wraps
// registry.ErrUnreachable.
func Resolve(ctx context.Context, alias string, port int, opts ...registry.ClientOption) (*Host, error) {
	if alias == "" {
		alias = DefaultHostAlias
	}
	if port == 0 {
		port = registry.DefaultPort
	}
	c := registry.NewClient(alias, port, opts...)
	if _, err := c.Names(ctx); err != nil {
		return nil, err
	}
	return &Host{client: c}, nil
}

// Registry returns the underlying client.
func (h *Host) Registry() *registry.Client { return h.client }

func (h *Host) wrap(service string, err error) error {
	return &LookupError{Service: service, Addr: h.client.Addr(), Err: err}
}

// Ready looks up the readiness service.
func (h *Host) Ready(ctx context.Context) (*ready.Client, error) {
	c, err := ready.Lookup(ctx, h.client)
	if err != nil {
		return nil, h.wrap(ready.ServiceName, err)
	}
	return c, nil
}

// Logger looks up the remote log service.
func (h *Host) Logger(ctx context.Context) (*remotelog.Client, error) {
	c, err := remotelog.Lookup(ctx, h.client)
	if err != nil {
		return nil, h.wrap(remotelog.ServiceName, err)
	}
	return c, nil
}

// ClassSender looks up the class transfer service.
func (h *Host) ClassSender(ctx context.Context) (*classxfer.Client, error) {
	c, err := classxfer.Lookup(ctx, h.client)
	if err != nil {
		return nil, h.wrap(classxfer.ServiceName, err)
	}
	return c, nil
}
