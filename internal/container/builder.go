package container

import (
	"context"
	"fmt"
	"path/filepath"
)

// Builder compiles the guest project before it runs.
type Builder interface {
	Kind() string
	Build(ctx context.Context, rt Runtime) (*ExecResult, error)
}

// BuildError means the guest project failed to build. The guest never
// started, so no readiness signal will arrive.
type BuildError struct {
	Kind     string
	ExitCode int
	Output   string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("%s build failed with exit code %d: %s", e.Kind, e.ExitCode, tail(e.Output, 512))
}

// ImageBuilder builds the guest image from a project directory with a
// Dockerfile.
type ImageBuilder struct {
	Image      string
	Context    string
	Dockerfile string
}

func (b *ImageBuilder) Kind() string { return "image" }

func (b *ImageBuilder) Build(ctx context.Context, rt Runtime) (*ExecResult, error) {
	args := []string{"build", "-t", b.Image}
	if b.Dockerfile != "" {
		args = append(args, "-f", b.Dockerfile)
	}
	args = append(args, b.Context)
	return rt.Exec(ctx, args...)
}

// MavenBuilder compiles a maven project in a throwaway container, sharing
// a host repository directory so dependencies are fetched once.
type MavenBuilder struct {
	Image      string
	Project    string
	Repository string
	Goals      []string
}

func (b *MavenBuilder) Kind() string { return "maven" }

func (b *MavenBuilder) Build(ctx context.Context, rt Runtime) (*ExecResult, error) {
	project, err := filepath.Abs(b.Project)
	if err != nil {
		return nil, fmt.Errorf("resolving project dir: %w", err)
	}
	args := []string{"run", "--rm",
		"-v", project + ":/project",
		"-w", "/project",
	}
	if b.Repository != "" {
		repo, err := filepath.Abs(b.Repository)
		if err != nil {
			return nil, fmt.Errorf("resolving maven repository: %w", err)
		}
		args = append(args, "-v", repo+":/root/.m2/repository")
	}
	goals := b.Goals
	if len(goals) == 0 {
		goals = []string{"compile"}
	}
	args = append(args, b.Image, "mvn", "-B")
	args = append(args, goals...)
	return rt.Exec(ctx, args...)
}

// Prebuilt skips the build step for images that already exist.
type Prebuilt struct{}

func (Prebuilt) Kind() string { return "none" }

func (Prebuilt) Build(context.Context, Runtime) (*ExecResult, error) {
	return &ExecResult{}, nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
