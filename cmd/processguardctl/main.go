package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}

func main() {
	var (
		apiURL  string
		token   string
		timeout time.Duration
	)

	root := &cobra.Command{Use: "processguardctl"}
	root.PersistentFlags().StringVar(&apiURL, "url", "http://127.0.0.1:8080", "processguardd REST API base URL")
	root.PersistentFlags().StringVar(&token, "token", "", "bearer token for the REST API")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")

	client := func() *APIClient {
		c := NewAPIClient(apiURL, timeout)
		if token != "" {
			c.SetAuthToken(token)
		}
		return c
	}

	requireReachable := func(c *APIClient) error {
		if !c.IsReachable() {
			return fmt.Errorf("daemon not reachable at %s", apiURL)
		}
		return nil
	}

	cmdList := &cobra.Command{
		Use:   "list",
		Short: "List every registered process",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client()
			if err := requireReachable(c); err != nil {
				return err
			}
			out, err := c.ListProcesses()
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}

	cmdStatus := &cobra.Command{
		Use:   "status <name>",
		Short: "Show one process's status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client()
			if err := requireReachable(c); err != nil {
				return err
			}
			out, err := c.GetProcess(args[0])
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}

	var startIgnoreDeps, stopForce, restartForce, restartIgnoreDeps bool

	cmdStart := &cobra.Command{
		Use:  "start <name>",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client()
			if err := requireReachable(c); err != nil {
				return err
			}
			return c.StartProcess(args[0], startIgnoreDeps)
		},
	}
	cmdStart.Flags().BoolVar(&startIgnoreDeps, "ignore-dependencies", false, "start even if a dependency is not running")

	cmdStop := &cobra.Command{
		Use:  "stop <name>",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client()
			if err := requireReachable(c); err != nil {
				return err
			}
			return c.StopProcess(args[0], stopForce)
		},
	}
	cmdStop.Flags().BoolVar(&stopForce, "force", false, "skip the graceful-shutdown grace period and kill immediately")

	cmdRestart := &cobra.Command{
		Use:  "restart <name>",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client()
			if err := requireReachable(c); err != nil {
				return err
			}
			return c.RestartProcess(args[0], restartForce, restartIgnoreDeps)
		},
	}
	cmdRestart.Flags().BoolVar(&restartForce, "force", false, "skip the graceful-shutdown grace period when stopping")
	cmdRestart.Flags().BoolVar(&restartIgnoreDeps, "ignore-dependencies", false, "restart even if a dependency is not running")

	cmdForceEnable := &cobra.Command{
		Use:  "force-enable <name>",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client()
			if err := requireReachable(c); err != nil {
				return err
			}
			return c.ForceEnable(args[0])
		},
	}

	cmdResetCrashes := &cobra.Command{
		Use:  "reset-crashes <name>",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client()
			if err := requireReachable(c); err != nil {
				return err
			}
			return c.ResetCrashes(args[0])
		},
	}

	cmdCrashStats := &cobra.Command{
		Use:  "crash-stats <name>",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client()
			if err := requireReachable(c); err != nil {
				return err
			}
			out, err := c.CrashStats(args[0])
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}

	var logLines int
	cmdLogs := &cobra.Command{
		Use:  "logs <name>",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client()
			if err := requireReachable(c); err != nil {
				return err
			}
			out, err := c.RecentLogs(args[0], logLines)
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	cmdLogs.Flags().IntVar(&logLines, "lines", 100, "number of trailing log lines to fetch")

	var activeOnly bool
	cmdAlerts := &cobra.Command{
		Use: "alerts",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client()
			if err := requireReachable(c); err != nil {
				return err
			}
			out, err := c.ListAlerts(activeOnly)
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	cmdAlerts.Flags().BoolVar(&activeOnly, "active-only", false, "only list unresolved alerts")

	cmdAckAlert := &cobra.Command{
		Use:  "ack-alert <id>",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client()
			if err := requireReachable(c); err != nil {
				return err
			}
			return c.AcknowledgeAlert(args[0])
		},
	}

	cmdResolveAlert := &cobra.Command{
		Use:  "resolve-alert <id>",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client()
			if err := requireReachable(c); err != nil {
				return err
			}
			return c.ResolveAlert(args[0])
		},
	}

	cmdInfo := &cobra.Command{
		Use: "info",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client()
			if err := requireReachable(c); err != nil {
				return err
			}
			out, err := c.SystemInfo()
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}

	root.AddCommand(cmdList, cmdStatus, cmdStart, cmdStop, cmdRestart, cmdForceEnable,
		cmdResetCrashes, cmdCrashStats, cmdLogs, cmdAlerts, cmdAckAlert, cmdResolveAlert, cmdInfo)

	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
