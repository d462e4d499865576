// Package guest is the runner executed as the container's main process.
// It resolves the host, wires the log bridge and class loader, and runs a
// registered entry by fully qualified name.
package guest

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/michaelbrown/jsand/internal/classxfer"
	"github.com/michaelbrown/jsand/internal/directory"
	"github.com/michaelbrown/jsand/internal/registry"
	"github.com/michaelbrown/jsand/internal/remotelog"
)

// SuccessMarker is printed on stdout when the entry returns normally.
const SuccessMarker = "[INFO] BUILD SUCCESS"

// Environment variables read by OptionsFromEnv.
const (
	EnvHostAlias    = "JSAND_HOST_ALIAS"
	EnvRegistryPort = "JSAND_REGISTRY_PORT"
	EnvClassPath    = "JSAND_CLASSPATH"
)

// Options configures one guest run.
type Options struct {
	HostAlias     string
	RegistryPort  int
	ClassPath     []string
	Stdout        io.Writer
	Stderr        io.Writer
	Entries       *Entries
	ClientOptions []registry.ClientOption
}

// OptionsFromEnv reads the host alias, port and class path from the
// process environment.
func OptionsFromEnv() Options {
	opts := Options{
		HostAlias:    os.Getenv(EnvHostAlias),
		RegistryPort: registry.DefaultPort,
		Stdout:       os.Stdout,
		Stderr:       os.Stderr,
	}
	if p, err := strconv.Atoi(os.Getenv(EnvRegistryPort)); err == nil && p > 0 {
		opts.RegistryPort = p
	}
	if cp := os.Getenv(EnvClassPath); cp != "" {
		opts.ClassPath = filepath.SplitList(cp)
	}
	return opts
}

// Env is what an entry gets to work with.
type Env struct {
	Name   string
	Host   *directory.Host
	Log    *remotelog.Logger
	Loader *classxfer.Loader
	Stdout io.Writer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	failed error
}

// Go runs fn on a new goroutine. A panic or error from fn, including a
// log forwarding failure, cancels the entry's context and fails the run
// the same way an entry error does. Run waits for every such goroutine
// after the entry returns.
func (e *Env) Go(fn func(ctx context.Context) error) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				err, ok := r.(error)
				if !ok {
					err = fmt.Errorf("%v", r)
				}
				e.fail(err)
			}
		}()
		if err := fn(e.ctx); err != nil {
			e.fail(err)
		}
	}()
}

func (e *Env) fail(err error) {
	e.mu.Lock()
	if e.failed == nil {
		e.failed = err
	}
	e.mu.Unlock()
	e.cancel()
}

func (e *Env) wait() error {
	e.wg.Wait()
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failed
}

// EntryFunc is a guest main unit.
type EntryFunc func(ctx context.Context, env *Env, args []string) error

// Entries maps fully qualified entry names to their implementations.
type Entries struct {
	mu sync.RWMutex
	m  map[string]EntryFunc
}

func NewEntries() *Entries {
	return &Entries{m: make(map[string]EntryFunc)}
}

// Register adds or replaces an entry.
func (e *Entries) Register(name string, fn EntryFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.m[name] = fn
}

func (e *Entries) Lookup(name string) (EntryFunc, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	fn, ok := e.m[name]
	return fn, ok
}

// Names lists registered entries in sorted order.
func (e *Entries) Names() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.m))
	for n := range e.m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Run executes entry and returns the process exit code. Fatal errors are
// written to opts.Stderr, the host's only view of a guest whose back
// channel failed.
func Run(ctx context.Context, opts Options, entry string, args []string) (code int) {
	stdout, stderr := opts.Stdout, opts.Stderr
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	entries := opts.Entries
	if entries == nil {
		entries = Builtins()
	}

	fn, ok := entries.Lookup(entry)
	if !ok {
		fmt.Fprintf(stderr, "Error: could not find or load main class %s\n", entry)
		return 1
	}

	host, err := directory.Resolve(ctx, opts.HostAlias, opts.RegistryPort, opts.ClientOptions...)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	var appender *remotelog.Appender
	if lc, err := host.Logger(ctx); err != nil {
		fmt.Fprintf(stderr, "Failed to initialize log bridge: %v\n", err)
	} else {
		appender = remotelog.NewAppender(lc)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	env := &Env{
		ctx:    ctx,
		cancel: cancel,
		Name:   entry,
		Host:   host,
		Log:    remotelog.NewLogger(entry, appender),
		Loader: classxfer.NewLoader(nil,
			classxfer.WithClassPath(opts.ClassPath...),
			classxfer.WithRemote(&lazySender{host: host}),
		),
		Stdout: stdout,
	}

	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(stderr, "Exception in entry %s: %v\n", entry, r)
			code = 1
		}
	}()

	err = fn(ctx, env, args)
	if werr := env.wait(); err == nil {
		err = werr
	}
	if err != nil {
		fmt.Fprintf(stderr, "Exception in entry %s: %v\n", entry, err)
		return 1
	}
	fmt.Fprintln(stdout, SuccessMarker)
	return 0
}

// lazySender looks the class endpoint up on the first local miss, so a
// guest that never needs remote classes does not require it.
type lazySender struct {
	host   *directory.Host
	once   sync.Once
	client *classxfer.Client
	err    error
}

func (l *lazySender) ClassBytes(ctx context.Context, name string) ([]byte, error) {
	l.once.Do(func() {
		l.client, l.err = l.host.ClassSender(ctx)
	})
	if l.err != nil {
		return nil, l.err
	}
	return l.client.ClassBytes(ctx, name)
}

// Usage describes the runner's command line.
func Usage(entries *Entries) string {
	if entries == nil {
		entries = Builtins()
	}
	var b strings.Builder
	b.WriteString("usage: jsand-guest <entry> [args...]\n\nentries:\n")
	for _, n := range entries.Names() {
		b.WriteString("  " + n + "\n")
	}
	return b.String()
}
