package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/processguard/processguard/internal/config"
	"github.com/processguard/processguard/pkg/guard"
)

func main() {
	var (
		configPath string
		pidFile    string
		logFile    string
		daemonize  bool
	)

	root := &cobra.Command{
		Use:   "processguardd",
		Short: "ProcessGuard supervisor daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				return fmt.Errorf("--config is required")
			}
			if daemonize {
				return runDaemonized(configPath, pidFile, logFile)
			}
			return runForeground(configPath, pidFile)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "path to the ProcessGuard config file")
	root.Flags().StringVar(&pidFile, "pidfile", "", "optional pidfile path")
	root.Flags().StringVar(&logFile, "logfile", "", "log file path used when --daemonize is set")
	root.Flags().BoolVar(&daemonize, "daemonize", false, "fork into the background")

	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runForeground(configPath, pidFile string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	d, err := guard.New(cfg)
	if err != nil {
		return fmt.Errorf("building daemon: %w", err)
	}
	if err := d.RegisterProcesses(); err != nil {
		return fmt.Errorf("registering processes: %w", err)
	}

	if pidFile != "" {
		if err := writePidFile(pidFile, os.Getpid()); err != nil {
			return fmt.Errorf("writing pidfile: %w", err)
		}
		defer func() { _ = removePidFile(pidFile) }()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	return d.Run(ctx)
}
