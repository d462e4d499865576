package container

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// maxOutputBytes caps each captured stream.
const maxOutputBytes = 4 << 20

// ExecResult is the captured outcome of one runtime invocation.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Failed reports a non-zero exit.
func (r *ExecResult) Failed() bool { return r.ExitCode != 0 }

// Output returns stdout and stderr joined, trimmed.
func (r *ExecResult) Output() string {
	return strings.TrimSpace(strings.TrimSpace(r.Stdout) + "\n" + strings.TrimSpace(r.Stderr))
}

// Runtime is the container runtime collaborator. Exec runs one command
// with the given arguments and returns its captured output. A non-zero
// exit is not an error; only failing to run the command at all is.
type Runtime interface {
	Exec(ctx context.Context, args ...string) (*ExecResult, error)
}

// DockerCLI drives the docker command line client.
type DockerCLI struct {
	Binary string
	logger *slog.Logger
}

// NewDockerCLI returns a runtime invoking binary (default "docker").
func NewDockerCLI(binary string, logger *slog.Logger) *DockerCLI {
	if binary == "" {
		binary = "docker"
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DockerCLI{Binary: binary, logger: logger}
}

func (d *DockerCLI) Exec(ctx context.Context, args ...string) (*ExecResult, error) {
	cmd := exec.CommandContext(ctx, d.Binary, args...)
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Kill()
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdout, remaining: maxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderr, remaining: maxOutputBytes}

	d.logger.Debug("docker exec", "args", args)
	start := time.Now()
	err := cmd.Run()
	res := &ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("running %s: %w", d.Binary, err)
		}
		res.ExitCode = exitErr.ExitCode()
	}
	return res, nil
}

// limitedWriter stops writing after a byte limit and discards the rest.
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil
	}
	n := len(p)
	if n > lw.remaining {
		p = p[:lw.remaining]
	}
	written, err := lw.w.Write(p)
	lw.remaining -= written
	if err != nil {
		return written, err
	}
	return n, nil
}
