package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/michaelbrown/jsand/internal/classxfer"
	"github.com/michaelbrown/jsand/internal/container"
	"github.com/michaelbrown/jsand/internal/observability"
	"github.com/michaelbrown/jsand/internal/registry"
	"github.com/michaelbrown/jsand/internal/sandbox"
)

type RegistryConfig struct {
	Port       int    `mapstructure:"port"`
	HostAlias  string `mapstructure:"host_alias"`
	ListenHost string `mapstructure:"listen_host"`
}

type ContainerConfig struct {
	Binary      string            `mapstructure:"binary"`
	Network     string            `mapstructure:"network"`
	Image       string            `mapstructure:"image"`
	Command     []string          `mapstructure:"command"`
	Env         map[string]string `mapstructure:"env"`
	Memory      string            `mapstructure:"memory"`
	CPUs        float64           `mapstructure:"cpus"`
	PIDsLimit   int               `mapstructure:"pids_limit"`
	Images      []string          `mapstructure:"images"`
	KeepNetwork bool              `mapstructure:"keep_network"`
}

type BuildConfig struct {
	Kind       string   `mapstructure:"kind"` // none, image or maven
	Project    string   `mapstructure:"project"`
	Dockerfile string   `mapstructure:"dockerfile"`
	MavenImage string   `mapstructure:"maven_image"`
	Repository string   `mapstructure:"repository"`
	Goals      []string `mapstructure:"goals"`
}

type ReadyConfig struct {
	Timeout    time.Duration `mapstructure:"timeout"`
	RunTimeout time.Duration `mapstructure:"run_timeout"`
}

type ClassesConfig struct {
	OutputDir string   `mapstructure:"output_dir"`
	Manifest  string   `mapstructure:"manifest"`
	Sendable  []string `mapstructure:"sendable"`
	Packages  []string `mapstructure:"packages"`
}

type StorageConfig struct {
	DBPath string `mapstructure:"db_path"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // text or json
}

type TelemetryConfig struct {
	Metrics         bool    `mapstructure:"metrics"`
	Tracing         bool    `mapstructure:"tracing"`
	TraceExporter   string  `mapstructure:"trace_exporter"`
	TraceEndpoint   string  `mapstructure:"trace_endpoint"`
	TraceInsecure   bool    `mapstructure:"trace_insecure"`
	TraceSampleRate float64 `mapstructure:"trace_sample_rate"`
}

type Config struct {
	Registry  RegistryConfig  `mapstructure:"registry"`
	Container ContainerConfig `mapstructure:"container"`
	Build     BuildConfig     `mapstructure:"build"`
	Ready     ReadyConfig     `mapstructure:"ready"`
	Classes   ClassesConfig   `mapstructure:"classes"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// Load reads jsand.yaml from the working directory or $HOME/.jsand. A
// missing file is not an error; defaults and JSAND_ environment variables
// still apply.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("jsand")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.jsand")
	return load(v)
}

// LoadFile reads the config at path.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	setDefaults(v)
	v.SetEnvPrefix("jsand")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.Storage.DBPath = expandHome(cfg.Storage.DBPath)
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := container.DefaultPolicy()
	v.SetDefault("registry.port", registry.DefaultPort)
	v.SetDefault("registry.host_alias", "host.docker.internal")
	v.SetDefault("container.binary", "docker")
	v.SetDefault("container.network", "jsand-net")
	v.SetDefault("container.image", "jsand-guest:latest")
	v.SetDefault("container.memory", def.Memory)
	v.SetDefault("container.cpus", def.CPUs)
	v.SetDefault("container.pids_limit", def.PIDsLimit)
	v.SetDefault("build.kind", "none")
	v.SetDefault("build.project", ".")
	v.SetDefault("build.maven_image", "maven:3.9-eclipse-temurin-21")
	v.SetDefault("ready.timeout", sandbox.DefaultReadyTimeout)
	v.SetDefault("classes.output_dir", "target/classes")
	v.SetDefault("storage.db_path", filepath.Join("~", ".jsand", "jsand.db"))
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("telemetry.metrics", true)
	v.SetDefault("telemetry.trace_exporter", "stdout")
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

// Builder returns the configured guest builder.
func (c *Config) Builder() (container.Builder, error) {
	switch c.Build.Kind {
	case "", "none":
		return container.Prebuilt{}, nil
	case "image":
		return &container.ImageBuilder{Image: c.Container.Image, Context: c.Build.Project, Dockerfile: c.Build.Dockerfile}, nil
	case "maven":
		return &container.MavenBuilder{
			Image:      c.Build.MavenImage,
			Project:    c.Build.Project,
			Repository: c.Build.Repository,
			Goals:      c.Build.Goals,
		}, nil
	}
	return nil, fmt.Errorf("unknown build kind %q", c.Build.Kind)
}

// Designation merges the inline sendable lists with the manifest, if any.
func (c *Config) Designation() (classxfer.Designation, error) {
	d := classxfer.Designation{Classes: c.Classes.Sendable, Packages: c.Classes.Packages}
	if c.Classes.Manifest == "" {
		return d, nil
	}
	m, err := classxfer.LoadManifest(c.Classes.Manifest)
	if err != nil {
		return classxfer.Designation{}, err
	}
	return d.Merge(m), nil
}

// Session builds the sandbox session config.
func (c *Config) Session() (sandbox.Config, error) {
	b, err := c.Builder()
	if err != nil {
		return sandbox.Config{}, err
	}
	d, err := c.Designation()
	if err != nil {
		return sandbox.Config{}, err
	}
	policy := container.DefaultPolicy()
	policy.Memory = c.Container.Memory
	policy.CPUs = c.Container.CPUs
	policy.PIDsLimit = c.Container.PIDsLimit
	policy.Images = c.Container.Images

	return sandbox.Config{
		Container: container.Config{
			Network:      c.Container.Network,
			Image:        c.Container.Image,
			HostAlias:    c.Registry.HostAlias,
			RegistryPort: c.Registry.Port,
			Command:      c.Container.Command,
			Env:          c.Container.Env,
			Policy:       policy,
		},
		Builder:      b,
		OutputDir:    c.Classes.OutputDir,
		Designation:  d,
		ReadyTimeout: c.Ready.Timeout,
		RunTimeout:   c.Ready.RunTimeout,
		ListenHost:   c.Registry.ListenHost,
		KeepNetwork:  c.Container.KeepNetwork,
	}, nil
}

// Tracing returns the tracer setup config.
func (c *Config) Tracing() observability.TracingConfig {
	return observability.TracingConfig{
		Enabled:     c.Telemetry.Tracing,
		Exporter:    c.Telemetry.TraceExporter,
		Endpoint:    c.Telemetry.TraceEndpoint,
		Insecure:    c.Telemetry.TraceInsecure,
		ServiceName: "jsand",
		SampleRate:  c.Telemetry.TraceSampleRate,
	}
}
