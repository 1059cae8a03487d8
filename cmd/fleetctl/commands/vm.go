package commands

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gitlab.com/tozd/go/errors"

	"github.com/fleetvm/fleetvm/pkg/api"
)

var stopForce bool

func init() {
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(suspendCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(statusCmd)

	stopCmd.Flags().BoolVar(&stopForce, "force", false, "Power off without a graceful guest shutdown")
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all instances",
	Long:  `List every instance known to the daemon with its state and addresses.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return listInstances(cmd.Context())
	},
}

var infoCmd = &cobra.Command{
	Use:   "info <name>",
	Short: "Show details for an instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return showInfo(cmd.Context(), args[0])
	},
}

var startCmd = &cobra.Command{
	Use:   "start <name>",
	Short: "Start a stopped or suspended instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := Daemon.Start(cmd.Context(), args[0]); err != nil {
			return errors.Errorf("starting %s: %w", args[0], err)
		}
		fmt.Printf("Started: %s\n", args[0])
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop <name>",
	Short: "Stop a running instance",
	Long:  `Stop a running instance. The guest is asked to shut down gracefully
unless --force is given.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := Daemon.Stop(cmd.Context(), args[0], stopForce); err != nil {
			return errors.Errorf("stopping %s: %w", args[0], err)
		}
		fmt.Printf("Stopped: %s\n", args[0])
		return nil
	},
}

var suspendCmd = &cobra.Command{
	Use:   "suspend <name>",
	Short: "Suspend a running instance",
	Long:  `Save the instance's state to disk and power it off. The next start
resumes where it left off.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := Daemon.Suspend(cmd.Context(), args[0]); err != nil {
			return errors.Errorf("suspending %s: %w", args[0], err)
		}
		fmt.Printf("Suspended: %s\n", args[0])
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete an instance",
	Long:  `Delete an instance and everything stored for it. This cannot be undone.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := Daemon.Delete(cmd.Context(), args[0]); err != nil {
			return errors.Errorf("deleting %s: %w", args[0], err)
		}
		fmt.Printf("Deleted: %s\n", args[0])
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check that the daemon is running",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := Daemon.Status(cmd.Context())
		if err != nil {
			return errors.Errorf("reaching daemon: %w", err)
		}
		fmt.Printf("Daemon: %s (backend: %s)\n", status.Status, status.Backend)
		return nil
	},
}

func listInstances(ctx context.Context) error {
	infos, err := Daemon.List(ctx)
	if err != nil {
		return errors.Errorf("listing instances: %w", err)
	}
	if len(infos) == 0 {
		fmt.Println("No instances.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSTATE\tIPV4\tRELEASE")
	for _, info := range infos {
		ipv4 := "--"
		if len(info.IPv4) > 0 {
			ipv4 = strings.Join(info.IPv4, ",")
		}
		release := info.Release
		if release == "" {
			release = "--"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", info.Name, coloredState(info.State), ipv4, release)
	}
	return w.Flush()
}

func showInfo(ctx context.Context, name string) error {
	info, err := Daemon.Info(ctx, name)
	if err != nil {
		return errors.Errorf("fetching %s: %w", name, err)
	}

	fmt.Printf("Name:     %s\n", info.Name)
	fmt.Printf("State:    %s\n", coloredState(info.State))
	fmt.Printf("Backend:  %s\n", info.Backend)
	if info.Release != "" {
		fmt.Printf("Release:  %s\n", info.Release)
	}
	if len(info.IPv4) > 0 {
		fmt.Printf("IPv4:     %s\n", strings.Join(info.IPv4, ", "))
	}
	fmt.Printf("CPUs:     %d\n", info.NumCores)
	fmt.Printf("Memory:   %s\n", api.FormatMemorySize(info.MemSize))
	fmt.Printf("Disk:     %s\n", api.FormatMemorySize(info.DiskSize))
	return nil
}

func coloredState(state string) string {
	switch state {
	case "running":
		return color.New(color.FgGreen).Sprint(state)
	case "stopped", "off":
		return color.New(color.Faint).Sprint(state)
	case "suspended", "delayed_shutdown":
		return color.New(color.FgYellow).Sprint(state)
	case "unknown":
		return color.New(color.FgHiRed).Sprint(state)
	default:
		return state
	}
}
