package commands

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/fleetvm/fleetvm/pkg/client"
)

var (
	// Debug flag for verbose logging
	Debug bool

	// SocketPath is where the daemon listens
	SocketPath string
)

var (
	Daemon *client.Client
)

var rootCmd = &cobra.Command{
	Use:   "fleetctl",
	Short: "Control utility for the fleet VM daemon",
	Long: `A command line utility for managing local virtual machines
through the fleet daemon. Instances are launched from cloud images,
provisioned with cloud-init and reachable over SSH.`,
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := zerolog.InfoLevel
		if Debug {
			level = zerolog.DebugLevel
		}

		ctx := zerolog.Ctx(cmd.Context()).With().Str("command", cmd.Name()).Logger().Level(level).WithContext(cmd.Context())
		cmd.SetContext(ctx)

		Daemon = client.New(SocketPath)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&Debug, "debug", "d", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&SocketPath, "socket", "/run/fleetvm/fleetd.sock", "Path to the daemon socket")
}

func RootCmd() *cobra.Command {
	return rootCmd
}
