package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/warden-sh/warden"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command and wires all subcommands.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	statusFlags := &StatusFlags{}
	startFlags := &StartFlags{}
	stopFlags := &StopFlags{}
	restartFlags := &RestartFlags{}
	callFlags := &CallFlags{}

	wardenCommand := command{}

	root := createRootCommand(globalFlags)

	root.AddCommand(
		createServeCommand(globalFlags),
		createStatusCommand(wardenCommand, statusFlags),
		createStartCommand(wardenCommand, startFlags),
		createStopCommand(wardenCommand, stopFlags),
		createRestartCommand(wardenCommand, restartFlags),
		createCallCommand(wardenCommand, callFlags),
	)

	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "warden",
		Short: "Backend worker supervisor",
		Long: `Warden supervises a single backend worker process: it spawns the worker,
watches its health endpoint, restarts it when it misbehaves, and proxies
API calls to it.

Examples:
  warden serve --config=warden.toml   # Run the supervisor daemon
  warden status                       # Worker status via the control API
  warden call documents/search --method=POST --data='{"q":"invoice"}'`,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")

	return root
}

func addAPIFlags(cmd *cobra.Command, url *string, timeout *time.Duration) {
	cmd.Flags().StringVar(url, "api-url", "", "control API URL (e.g. http://127.0.0.1:9690/api)")
	cmd.Flags().DurationVar(timeout, "api-timeout", 10*time.Second, "request timeout")
}

// createServeCommand creates the serve subcommand
func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{
		ConfigPath: globalFlags.ConfigPath,
	}

	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the supervisor daemon",
		Long: `Run the supervisor daemon: start the worker, watch its health, and expose
the control API.

Examples:
  warden serve --config=warden.toml
  warden serve warden.toml --metrics-listen=:9091
  warden serve warden.toml --autostart=false   # control API only, start later`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if serveFlags.ConfigPath == "" {
				serveFlags.ConfigPath = globalFlags.ConfigPath
			}
			return runServeCommand(serveFlags, args)
		},
	}

	cmd.Flags().BoolVar(&serveFlags.AutoStart, "autostart", true, "start the worker immediately")
	cmd.Flags().StringVar(&serveFlags.MetricsListen, "metrics-listen", "", "expose Prometheus /metrics on this address")

	return cmd
}

func runServeCommand(flags *ServeFlags, args []string) error {
	configPath := flags.ConfigPath
	if len(args) > 0 {
		configPath = args[0]
	}
	if configPath == "" {
		return fmt.Errorf("config file required for serve command. Use --config=warden.toml or provide as argument")
	}

	cfg, err := warden.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	if err := warden.RegisterMetricsDefault(); err != nil {
		fmt.Printf("Warning: failed to register metrics: %v\n", err)
	}
	if flags.MetricsListen != "" {
		go func() {
			if err := warden.ServeMetrics(flags.MetricsListen); err != nil {
				fmt.Printf("Metrics server error: %v\n", err)
			}
		}()
	}

	w, err := warden.New(cfg)
	if err != nil {
		return err
	}
	defer w.Close()

	server, err := warden.NewHTTPServer(cfg.Server.Listen, cfg.Server.BasePath, w)
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}

	fmt.Printf("Starting warden control API on %s%s\n", cfg.Server.Listen, cfg.Server.BasePath)

	if flags.AutoStart {
		w.Start()
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("Shutting down...")
	return server.Close()
}

// createStatusCommand creates the status subcommand
func createStatusCommand(wardenCommand command, flags *StatusFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the worker status",
		Long: `Query a running daemon for the worker's state, health and uptime.

Examples:
  warden status
  warden status --api-url=http://remote:9690/api`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return wardenCommand.Status(*flags)
		},
	}

	addAPIFlags(cmd, &flags.APIUrl, &flags.APITimeout)
	return cmd
}

// createStartCommand creates the start subcommand
func createStartCommand(wardenCommand command, flags *StartFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return wardenCommand.Start(*flags)
		},
	}

	addAPIFlags(cmd, &flags.APIUrl, &flags.APITimeout)
	return cmd
}

// createStopCommand creates the stop subcommand
func createStopCommand(wardenCommand command, flags *StopFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return wardenCommand.Stop(*flags)
		},
	}

	addAPIFlags(cmd, &flags.APIUrl, &flags.APITimeout)
	return cmd
}

// createRestartCommand creates the restart subcommand
func createRestartCommand(wardenCommand command, flags *RestartFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart the worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return wardenCommand.Restart(*flags)
		},
	}

	addAPIFlags(cmd, &flags.APIUrl, &flags.APITimeout)
	return cmd
}

// createCallCommand creates the call subcommand
func createCallCommand(wardenCommand command, flags *CallFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "call <endpoint>",
		Short: "Proxy an API call to the worker",
		Long: `Send a request to the worker's API through the daemon. The endpoint is
relative to the worker's API base.

Examples:
  warden call status
  warden call documents/search --method=POST --data='{"q":"invoice"}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return wardenCommand.Call(*flags, args[0])
		},
	}

	cmd.Flags().StringVar(&flags.Method, "method", "GET", "HTTP method")
	cmd.Flags().StringVar(&flags.Data, "data", "", "JSON request body")
	addAPIFlags(cmd, &flags.APIUrl, &flags.APITimeout)
	return cmd
}
