package classxfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/michaelbrown/jsand/internal/registry"
)

// Fetcher retrieves class bytes from somewhere other than the local class
// path.
type Fetcher interface {
	ClassBytes(ctx context.Context, name string) ([]byte, error)
}

// Client is the guest-side handle of the class endpoint.
type Client struct {
	stub *registry.Stub
}

// Lookup resolves the class endpoint through c.
func Lookup(ctx context.Context, c *registry.Client) (*Client, error) {
	stub, err := c.Lookup(ctx, ServiceName)
	if err != nil {
		return nil, err
	}
	return &Client{stub: stub}, nil
}

// ClassBytes asks the host for name. A host answer of not found comes back
// as *ClassNotFoundError; channel failures keep their registry error.
func (c *Client) ClassBytes(ctx context.Context, name string) ([]byte, error) {
	var resp classResponse
	err := c.stub.Call(ctx, methodGetClassBytes, classRequest{Name: name}, &resp)
	if err != nil {
		var re *registry.RemoteError
		if errors.As(err, &re) && re.Kind == KindClassNotFound {
			return nil, &ClassNotFoundError{Name: name}
		}
		return nil, err
	}
	return resp.Bytes, nil
}

// Loader resolves classes for the guest: already defined, then the local
// class path, then the remote fetcher. Each class is defined at most once
// per loader; bytes are never cached beyond that.
type Loader struct {
	mu      sync.RWMutex
	defined map[string]*Class

	paths  []string
	remote Fetcher
	group  singleflight.Group
	logger *slog.Logger
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithClassPath sets the local directories searched before the remote.
func WithClassPath(dirs ...string) LoaderOption {
	return func(l *Loader) { l.paths = append(l.paths, dirs...) }
}

// WithRemote sets the fetcher used on a local miss.
func WithRemote(f Fetcher) LoaderOption {
	return func(l *Loader) { l.remote = f }
}

func NewLoader(logger *slog.Logger, opts ...LoaderOption) *Loader {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	l := &Loader{defined: make(map[string]*Class), logger: logger}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load returns the class called name, defining it on first use.
// Concurrent loads of one name share a single resolution.
func (l *Loader) Load(ctx context.Context, name string) (*Class, error) {
	if c, ok := l.Defined(name); ok {
		return c, nil
	}
	if !ValidName(name) {
		return nil, &ClassNotFoundError{Name: name}
	}

	v, err, _ := l.group.Do(name, func() (any, error) {
		if c, ok := l.Defined(name); ok {
			return c, nil
		}
		data, source, err := l.find(ctx, name)
		if err != nil {
			return nil, err
		}
		c, err := Define(name, data)
		if err != nil {
			return nil, err
		}
		c.Source = source

		l.mu.Lock()
		l.defined[name] = c
		l.mu.Unlock()

		l.logger.Debug("class defined", "class", name, "source", source, "digest", c.Digest)
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Class), nil
}

// Defined returns a class already defined by this loader.
func (l *Loader) Defined(name string) (*Class, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	c, ok := l.defined[name]
	return c, ok
}

// Classes lists the defined class names in sorted order.
func (l *Loader) Classes() []string {
	l.mu.RLock()
	names := make([]string, 0, len(l.defined))
	for n := range l.defined {
		names = append(names, n)
	}
	l.mu.RUnlock()
	sort.Strings(names)
	return names
}

func (l *Loader) find(ctx context.Context, name string) ([]byte, string, error) {
	for _, dir := range l.paths {
		data, err := readLocal(dir, name)
		if err == nil {
			return data, dir, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}
	}
	if l.remote == nil {
		return nil, "", &ClassNotFoundError{Name: name}
	}
	data, err := l.remote.ClassBytes(ctx, name)
	if err != nil {
		return nil, "", err
	}
	return data, "remote", nil
}

func readLocal(dir, name string) ([]byte, error) {
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, err
	}
	defer root.Close()

	f, err := root.Open(classPath(name))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxClassSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxClassSize {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrClassTooLarge, name, maxClassSize)
	}
	return data, nil
}

// Define verifies data and returns the class it defines. The bytes must
// define exactly name.
func Define(name string, data []byte) (*Class, error) {
	c, err := ParseClass(data)
	if err != nil {
		return nil, &DefinitionError{Name: name, Err: err}
	}
	if c.Name != name {
		return nil, &DefinitionError{Name: name, Err: fmt.Errorf("%w: bytes define %s", ErrWrongName, c.Name)}
	}
	return c, nil
}
