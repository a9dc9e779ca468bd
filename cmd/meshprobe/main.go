// Package main is the entrypoint for the meshprobe CLI.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	// Import kinds to register them
	_ "github.com/eugenetaranov/meshprobe/internal/kind/openwrt"
	_ "github.com/eugenetaranov/meshprobe/internal/kind/ubuntu"

	"github.com/eugenetaranov/meshprobe/internal/config"
	"github.com/eugenetaranov/meshprobe/internal/kind"
	"github.com/eugenetaranov/meshprobe/internal/logging"
	"github.com/eugenetaranov/meshprobe/internal/output"
	"github.com/eugenetaranov/meshprobe/internal/scenario"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Global flags
var (
	debug     bool
	noColor   bool
	logLevel  string
	logFormat string
	logFile   string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "meshprobe",
	Short: "meshprobe - end-to-end tests for a mesh VPN agent",
	Long: `meshprobe boots a small network of virtual machines, installs the mesh
agent on each of them and checks that the overlay network comes up.

Scenarios are YAML files describing the guests, the package to install and
the configuration each guest receives.`,
	Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Show every remote command and check")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (overrides scenario and MESHPROBE_LOG_LEVEL)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", string(logging.FormatText), "Log format: text or json")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Write logs to this file instead of stderr")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(kindsCmd)
}

// runCmd executes a scenario
var runCmd = &cobra.Command{
	Use:   "run <scenario.yaml>",
	Short: "Run a scenario",
	Long: `Boot the scenario's guests, drive them through install, service start
and reachability checks, then tear them down.

Examples:
  meshprobe run scenarios/openwrt/scenario.yaml
  meshprobe run scenarios/ubuntu/scenario.yaml --transport native --debug`,
	Args: cobra.ExactArgs(1),
	RunE: runScenario,
}

func init() {
	runCmd.Flags().String("transport", "", "Remote shell transport: openssh or native")
	runCmd.Flags().String("metrics-file", "", "Write run metrics in Prometheus text format to this file")
	runCmd.Flags().String("work-dir", "", "Keep rendered fixtures in this directory")
}

func runScenario(cmd *cobra.Command, args []string) error {
	s, err := config.ParseFile(args[0])
	if err != nil {
		return err
	}

	if v, _ := cmd.Flags().GetString("transport"); v != "" {
		s.Transport = v
	}
	if v, _ := cmd.Flags().GetString("metrics-file"); v != "" {
		s.MetricsFile = v
	}
	if logLevel != "" {
		s.LogLevel = logLevel
	}
	if debug && s.LogLevel == "" {
		s.LogLevel = "debug"
	}
	if err := s.Validate(); err != nil {
		return err
	}

	var logOut io.Writer = os.Stderr
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		defer f.Close()
		logOut = f
	}
	log, err := logging.New(logOut, s.LogLevel, logging.Format(logFormat))
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	out := output.New(cmd.OutOrStdout())
	out.SetColor(!noColor)
	out.SetDebug(debug)

	opts := []scenario.Option{
		scenario.WithOutput(out),
		scenario.WithLogger(log),
	}
	if dir, _ := cmd.Flags().GetString("work-dir"); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create work dir: %w", err)
		}
		opts = append(opts, scenario.WithWorkDir(dir))
	}

	runner, err := scenario.New(s, opts...)
	if err != nil {
		return err
	}

	// Setup context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle interrupt signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nInterrupted, tearing down guests...")
		cancel()
	}()

	result, err := runner.Run(ctx)
	if err != nil {
		return err
	}

	if !result.Success {
		os.Exit(1)
	}

	return nil
}

// validateCmd validates scenarios without running them
var validateCmd = &cobra.Command{
	Use:   "validate <scenario.yaml> [scenario2.yaml ...]",
	Short: "Validate one or more scenarios",
	Long: `Parse and validate scenarios without booting anything.

This checks for:
  - Valid YAML syntax and known fields
  - A registered guest kind and transport
  - Exactly one lighthouse and at least one node
  - Unique hostnames and valid, unique addresses

Examples:
  meshprobe validate scenarios/openwrt/scenario.yaml
  meshprobe validate scenarios/*/scenario.yaml`,
	Args: cobra.MinimumNArgs(1),
	RunE: validateScenarios,
}

func validateScenarios(cmd *cobra.Command, args []string) error {
	w := cmd.OutOrStdout()
	var hasErrors bool

	for _, path := range args {
		if _, err := config.ParseFile(path); err != nil {
			fmt.Fprintf(w, "FAIL: %s - %v\n", path, err)
			hasErrors = true
		} else {
			fmt.Fprintf(w, "OK: %s\n", path)
		}
	}

	if hasErrors {
		return fmt.Errorf("one or more scenarios failed validation")
	}

	fmt.Fprintf(w, "\nAll %d scenario(s) valid.\n", len(args))
	return nil
}

// kindsCmd lists available guest kinds
var kindsCmd = &cobra.Command{
	Use:   "kinds",
	Short: "List available guest kinds",
	Long:  `Display the guest image families scenarios can boot.`,
	Run: func(cmd *cobra.Command, args []string) {
		w := cmd.OutOrStdout()
		kinds := kind.List()
		if len(kinds) == 0 {
			fmt.Fprintln(w, "No kinds registered.")
			return
		}

		fmt.Fprintln(w, "Available kinds:")
		fmt.Fprintln(w)
		for _, name := range kinds {
			k := kind.Get(name)
			fmt.Fprintf(w, "  - %-8s launcher=%s package=*%s\n", name, k.Launcher(), k.PackageExt())
		}
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Total: %d kinds\n", len(kinds))
	},
}
