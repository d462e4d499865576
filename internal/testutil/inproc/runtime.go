// Package inproc is a container runtime for tests that runs the guest
// runner in the test process.
package inproc

import (
	"bytes"
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/michaelbrown/jsand/internal/container"
	"github.com/michaelbrown/jsand/internal/guest"
)

// Test entries registered by New.
const (
	EntryHang     = "test.Hang"
	EntryNoSignal = "test.NoSignal"
)

// Runtime answers docker commands in process. "run" executes the
// guest runner against the real loopback registry, with the gateway
// address from --add-host standing in for the alias.
type Runtime struct {
	Entries   *guest.Entries
	BuildExit int

	mu         sync.Mutex
	networks   map[string]bool
	containers map[string]context.CancelFunc
	calls      [][]string
}

// New returns a runtime with the built-in entries plus EntryHang and
// EntryNoSignal.
func New() *Runtime {
	entries := guest.Builtins()
	entries.Register(EntryHang, func(ctx context.Context, env *guest.Env, args []string) error {
		<-ctx.Done()
		return ctx.Err()
	})
	entries.Register(EntryNoSignal, func(ctx context.Context, env *guest.Env, args []string) error {
		env.Log.Info("exiting without readiness")
		return nil
	})
	return &Runtime{
		Entries:    entries,
		networks:   map[string]bool{},
		containers: map[string]context.CancelFunc{},
	}
}

// Count returns how many commands starting with cmd were issued.
func (r *Runtime) Count(cmd string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c[0] == cmd {
			n++
		}
	}
	return n
}

func (r *Runtime) Exec(ctx context.Context, args ...string) (*container.ExecResult, error) {
	r.mu.Lock()
	r.calls = append(r.calls, append([]string(nil), args...))

	switch {
	case args[0] == "network" && args[1] == "inspect":
		name := args[len(args)-1]
		defer r.mu.Unlock()
		if !r.networks[name] {
			return &container.ExecResult{ExitCode: 1, Stderr: "Error: No such network: " + name}, nil
		}
		if args[2] == "-f" {
			return &container.ExecResult{Stdout: "127.0.0.1\n"}, nil
		}
		return &container.ExecResult{Stdout: "[{}]"}, nil
	case args[0] == "network" && args[1] == "create":
		defer r.mu.Unlock()
		r.networks[args[len(args)-1]] = true
		return &container.ExecResult{}, nil
	case args[0] == "network" && args[1] == "rm":
		defer r.mu.Unlock()
		if !r.networks[args[2]] {
			return &container.ExecResult{ExitCode: 1, Stderr: "Error: network " + args[2] + " not found"}, nil
		}
		delete(r.networks, args[2])
		return &container.ExecResult{}, nil
	case args[0] == "build":
		defer r.mu.Unlock()
		return &container.ExecResult{ExitCode: r.BuildExit, Stderr: "[ERROR] COMPILATION ERROR"}, nil
	case args[0] == "rm":
		defer r.mu.Unlock()
		cancel, ok := r.containers[args[2]]
		if !ok {
			return &container.ExecResult{ExitCode: 1, Stderr: "Error response from daemon: No such container: " + args[2]}, nil
		}
		cancel()
		delete(r.containers, args[2])
		return &container.ExecResult{}, nil
	case args[0] == "run":
		r.mu.Unlock()
		return r.run(ctx, args[1:])
	}
	r.mu.Unlock()
	return &container.ExecResult{ExitCode: 1, Stderr: "unexpected command"}, nil
}

func (r *Runtime) run(ctx context.Context, args []string) (*container.ExecResult, error) {
	var name, hostIP string
	env := map[string]string{}
	i := 0
	for ; i < len(args) && strings.HasPrefix(args[i], "--"); i++ {
		switch args[i] {
		case "--name":
			i++
			name = args[i]
		case "--network":
			i++
		case "--add-host":
			i++
			hostIP = args[i][strings.LastIndex(args[i], ":")+1:]
		case "--env":
			i++
			k, v, _ := strings.Cut(args[i], "=")
			env[k] = v
		}
	}
	// image, runner binary, entry, entry args
	if len(args) < i+3 || args[i+1] != "jsand-guest" {
		return &container.ExecResult{ExitCode: 127, Stderr: "exec: command not found"}, nil
	}
	entry, entryArgs := args[i+2], args[i+3:]
	port, _ := strconv.Atoi(env[guest.EnvRegistryPort])

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.mu.Lock()
	r.containers[name] = cancel
	r.mu.Unlock()

	var stdout, stderr bytes.Buffer
	start := time.Now()
	code := guest.Run(cctx, guest.Options{
		HostAlias:    hostIP,
		RegistryPort: port,
		Stdout:       &stdout,
		Stderr:       &stderr,
		Entries:      r.Entries,
	}, entry, entryArgs)
	if cctx.Err() != nil && ctx.Err() == nil {
		code = 137
	}

	r.mu.Lock()
	delete(r.containers, name)
	r.mu.Unlock()
	return &container.ExecResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: code, Duration: time.Since(start)}, nil
}

// Networks returns the number of networks currently present.
func (r *Runtime) Networks() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.networks)
}

// Containers returns the number of containers currently running.
func (r *Runtime) Containers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.containers)
}
