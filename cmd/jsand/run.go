package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/jsand/internal/classxfer"
	"github.com/michaelbrown/jsand/internal/container"
	"github.com/michaelbrown/jsand/internal/observability"
	"github.com/michaelbrown/jsand/internal/sandbox"
	"github.com/michaelbrown/jsand/internal/storage/sqlite"
)

var (
	servicesFlag     []string
	sendableFlag     []string
	readyTimeoutFlag time.Duration
	noStoreFlag      bool
	keepNetworkFlag  bool
)

var runCmd = &cobra.Command{
	Use:   "run <entry> [args...]",
	Short: "Launch a guest entry in a sandbox container",
	Long: `Build the guest if configured, start the host registry, run the entry
inside a container and wait for it to signal readiness and exit.

The exit status is zero only when the guest signaled readiness and its
container exited zero.

Examples:
  jsand run jsand.containerized.SendReady
  jsand run jsand.containerized.LoadOneClass com.example.Greeter
  jsand run --service Ready --service ClassSender com.example.Main`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringSliceVar(&servicesFlag, "service", nil, "Services to publish (default: Ready, Logger, ClassSender)")
	runCmd.Flags().StringSliceVar(&sendableFlag, "sendable", nil, "Extra classes the guest may fetch")
	runCmd.Flags().DurationVar(&readyTimeoutFlag, "ready-timeout", 0, "Readiness timeout (overrides config)")
	runCmd.Flags().BoolVar(&noStoreFlag, "no-store", false, "Do not record the session in the database")
	runCmd.Flags().BoolVar(&keepNetworkFlag, "keep-network", false, "Leave the container network in place after the run")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log)

	scfg, err := cfg.Session()
	if err != nil {
		return err
	}
	if len(servicesFlag) > 0 {
		scfg.Services = servicesFlag
	}
	if len(sendableFlag) > 0 {
		for _, name := range sendableFlag {
			if !classxfer.ValidName(name) {
				return fmt.Errorf("invalid class name %q", name)
			}
		}
		scfg.Designation = scfg.Designation.Merge(classxfer.Designation{Classes: sendableFlag})
	}
	if readyTimeoutFlag > 0 {
		scfg.ReadyTimeout = readyTimeoutFlag
	}
	if keepNetworkFlag {
		scfg.KeepNetwork = true
	}
	if err := scfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracing, err := observability.NewTracerSetup(ctx, cfg.Tracing())
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}
	defer tracing.Shutdown(context.Background())

	opts := []sandbox.SessionOption{sandbox.WithLogger(logger)}
	if tracing != nil {
		opts = append(opts, sandbox.WithTracer(tracing.Tracer()))
	}
	if !noStoreFlag {
		store, err := sqlite.Open(cfg.Storage.DBPath)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()
		opts = append(opts, sandbox.WithStore(store))
	}

	rt := container.NewDockerCLI(cfg.Container.Binary, logger)
	sess := sandbox.NewSession(scfg, rt, opts...)

	out, err := sess.Run(ctx, args[0], args[1:])
	printOutcome(out)
	if err != nil {
		return err
	}
	if !out.Succeeded() {
		return errors.New("guest did not complete successfully")
	}
	return nil
}

func printOutcome(out *sandbox.Outcome) {
	if out == nil {
		return
	}
	if out.Result != nil {
		if out.Result.Stdout != "" {
			fmt.Fprint(os.Stdout, out.Result.Stdout)
		}
		if out.Result.Stderr != "" {
			fmt.Fprint(os.Stderr, out.Result.Stderr)
		}
	}
	fmt.Fprintf(os.Stderr, "\nsession %s: %s", shortID(out.ID), out.Status)
	if out.Result != nil {
		fmt.Fprintf(os.Stderr, " (exit %d)", out.Result.ExitCode)
	}
	if out.ReadyErr != nil {
		fmt.Fprintf(os.Stderr, " ready: %v", out.ReadyErr)
	}
	fmt.Fprintln(os.Stderr)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
