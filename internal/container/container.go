// Package container orchestrates the guest container of one sandbox
// session: network, build, run and teardown. Every step goes through a
// Runtime so the sequencing can be driven without a docker daemon.
package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// State is a session's position in the container lifecycle.
type State int

const (
	StateCreated State = iota
	StateNetworkReady
	StateBuilt
	StateRunning
	StateCompleted
	StateFailed
)

var stateNames = [...]string{
	StateCreated:      "created",
	StateNetworkReady: "network_ready",
	StateBuilt:        "built",
	StateRunning:      "running",
	StateCompleted:    "completed",
	StateFailed:       "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "State(" + strconv.Itoa(int(s)) + ")"
	}
	return stateNames[s]
}

// ErrInvalidState is returned for an operation out of lifecycle order.
var ErrInvalidState = errors.New("invalid container state")

// LaunchError means docker could not start the guest at all, as opposed
// to a guest that started and exited non-zero.
type LaunchError struct {
	ExitCode int
	Stderr   string
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("container launch failed with exit code %d: %s", e.ExitCode, strings.TrimSpace(tail(e.Stderr, 512)))
}

// Docker's own exit codes: daemon error, command not executable, command
// not found.
var launchExitCodes = map[int]bool{125: true, 126: true, 127: true}

// EntryPlaceholder in Config.Command is replaced by the entry class name.
const EntryPlaceholder = "{entry}"

// Config describes the guest container.
type Config struct {
	Network      string
	Name         string
	Image        string
	HostAlias    string
	RegistryPort int
	Command      []string
	Env          map[string]string
	Policy       Policy
}

// Orchestrator runs one session's container lifecycle.
type Orchestrator struct {
	cfg     Config
	rt      Runtime
	builder Builder
	logger  *slog.Logger

	mu     sync.Mutex
	state  State
	hostIP string
}

// New returns an orchestrator in StateCreated. A nil builder means the
// image is prebuilt.
func New(cfg Config, rt Runtime, builder Builder, logger *slog.Logger) *Orchestrator {
	if builder == nil {
		builder = Prebuilt{}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if len(cfg.Command) == 0 {
		cfg.Command = []string{"jsand-guest", EntryPlaceholder}
	}
	return &Orchestrator{cfg: cfg, rt: rt, builder: builder, logger: logger}
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Config returns the container configuration.
func (o *Orchestrator) Config() Config {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg
}

// SetRegistryPort records the port the host registry actually listens on,
// for registries bound to port 0. It must be called before Run.
func (o *Orchestrator) SetRegistryPort(port int) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state >= StateRunning {
		return fmt.Errorf("%w: set registry port in state %s", ErrInvalidState, o.state)
	}
	o.cfg.RegistryPort = port
	return nil
}

func (o *Orchestrator) expect(op string, allowed ...State) error {
	for _, s := range allowed {
		if o.state == s {
			return nil
		}
	}
	return fmt.Errorf("%w: %s in state %s", ErrInvalidState, op, o.state)
}

func (o *Orchestrator) fail(err error) error {
	o.state = StateFailed
	return err
}

// CreateNetworksIfNotExist ensures the session network exists. Calling it
// again once the network is ready changes nothing.
func (o *Orchestrator) CreateNetworksIfNotExist(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.expect("create network", StateCreated, StateNetworkReady); err != nil {
		return err
	}

	res, err := o.rt.Exec(ctx, "network", "inspect", o.cfg.Network)
	if err != nil {
		return o.fail(fmt.Errorf("inspecting network %s: %w", o.cfg.Network, err))
	}
	if !res.Failed() {
		o.state = StateNetworkReady
		return nil
	}

	res, err = o.rt.Exec(ctx, "network", "create", "--driver", "bridge", o.cfg.Network)
	if err != nil {
		return o.fail(fmt.Errorf("creating network %s: %w", o.cfg.Network, err))
	}
	if res.Failed() && !strings.Contains(res.Stderr, "already exists") {
		return o.fail(fmt.Errorf("creating network %s: %s", o.cfg.Network, res.Output()))
	}
	o.logger.Info("network created", "network", o.cfg.Network)
	o.state = StateNetworkReady
	return nil
}

// HostIP returns the gateway address of the session network, which is
// where the guest reaches the host.
func (o *Orchestrator) HostIP(ctx context.Context) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.hostIP != "" {
		return o.hostIP, nil
	}
	if o.state == StateCreated || o.state == StateFailed {
		return "", fmt.Errorf("%w: host ip in state %s", ErrInvalidState, o.state)
	}
	return o.lookupHostIP(ctx)
}

func (o *Orchestrator) lookupHostIP(ctx context.Context) (string, error) {
	res, err := o.rt.Exec(ctx, "network", "inspect", "-f", "{{range .IPAM.Config}}{{.Gateway}}{{end}}", o.cfg.Network)
	if err != nil {
		return "", fmt.Errorf("inspecting network %s: %w", o.cfg.Network, err)
	}
	ip := strings.TrimSpace(res.Stdout)
	if res.Failed() || ip == "" {
		return "", fmt.Errorf("network %s has no gateway: %s", o.cfg.Network, res.Output())
	}
	o.hostIP = ip
	return ip, nil
}

// Compile runs the builder. A failure moves the session to StateFailed
// and returns a *BuildError.
func (o *Orchestrator) Compile(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.expect("compile", StateNetworkReady); err != nil {
		return err
	}

	o.logger.Info("building guest", "kind", o.builder.Kind())
	res, err := o.builder.Build(ctx, o.rt)
	if err != nil {
		return o.fail(fmt.Errorf("running %s build: %w", o.builder.Kind(), err))
	}
	if res.Failed() {
		return o.fail(&BuildError{Kind: o.builder.Kind(), ExitCode: res.ExitCode, Output: res.Output()})
	}
	o.state = StateBuilt
	return nil
}

// RunArgs returns the docker arguments Run would use.
func (o *Orchestrator) RunArgs(hostIP, entry string, args []string) []string {
	o.mu.Lock()
	cfg := o.cfg
	o.mu.Unlock()
	out := []string{"run",
		"--name", cfg.Name,
		"--network", cfg.Network,
		"--add-host", cfg.HostAlias + ":" + hostIP,
	}
	out = append(out, cfg.Policy.Args()...)
	out = append(out,
		"--env", "JSAND_HOST_ALIAS="+cfg.HostAlias,
		"--env", "JSAND_REGISTRY_PORT="+strconv.Itoa(cfg.RegistryPort),
	)
	for _, k := range sortedKeys(cfg.Env) {
		out = append(out, "--env", k+"="+cfg.Env[k])
	}
	out = append(out, cfg.Image)
	for _, part := range cfg.Command {
		out = append(out, strings.ReplaceAll(part, EntryPlaceholder, entry))
	}
	return append(out, args...)
}

// Run launches the guest with entry as its main unit and blocks until it
// exits. The result is returned for any guest exit status; only a launch
// failure is an error.
func (o *Orchestrator) Run(ctx context.Context, entry string, args []string) (*ExecResult, error) {
	o.mu.Lock()
	if err := o.expect("run", StateBuilt); err != nil {
		o.mu.Unlock()
		return nil, err
	}
	if !o.cfg.Policy.IsImageAllowed(o.cfg.Image) {
		err := o.fail(fmt.Errorf("image %q not in allowlist", o.cfg.Image))
		o.mu.Unlock()
		return nil, err
	}
	hostIP := o.hostIP
	if hostIP == "" {
		ip, err := o.lookupHostIP(ctx)
		if err != nil {
			o.state = StateFailed
			o.mu.Unlock()
			return nil, err
		}
		hostIP = ip
	}
	o.state = StateRunning
	o.mu.Unlock()

	o.logger.Info("launching guest", "container", o.cfg.Name, "image", o.cfg.Image, "entry", entry)
	res, err := o.rt.Exec(ctx, o.RunArgs(hostIP, entry, args)...)

	o.mu.Lock()
	defer o.mu.Unlock()
	if err != nil {
		return nil, o.fail(fmt.Errorf("running container %s: %w", o.cfg.Name, err))
	}
	if launchExitCodes[res.ExitCode] {
		return nil, o.fail(&LaunchError{ExitCode: res.ExitCode, Stderr: res.Stderr})
	}
	o.state = StateCompleted
	o.logger.Info("guest exited", "container", o.cfg.Name, "exit_code", res.ExitCode, "duration", res.Duration)
	return res, nil
}

// RemoveContainersIfExist force-removes the guest container. It is safe
// in any state and when nothing exists.
func (o *Orchestrator) RemoveContainersIfExist(ctx context.Context) error {
	res, err := o.rt.Exec(ctx, "rm", "-f", o.cfg.Name)
	if err != nil {
		return fmt.Errorf("removing container %s: %w", o.cfg.Name, err)
	}
	if res.Failed() && !strings.Contains(res.Stderr, "No such container") {
		return fmt.Errorf("removing container %s: %s", o.cfg.Name, res.Output())
	}
	return nil
}

// RemoveNetworkIfExists deletes the session network, tolerating its
// absence.
func (o *Orchestrator) RemoveNetworkIfExists(ctx context.Context) error {
	res, err := o.rt.Exec(ctx, "network", "rm", o.cfg.Network)
	if err != nil {
		return fmt.Errorf("removing network %s: %w", o.cfg.Network, err)
	}
	if res.Failed() && !strings.Contains(res.Stderr, "not found") && !strings.Contains(res.Stderr, "No such network") {
		return fmt.Errorf("removing network %s: %s", o.cfg.Network, res.Output())
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
