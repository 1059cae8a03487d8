package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gitlab.com/tozd/go/errors"

	"github.com/fleetvm/fleetvm/pkg/api"
)

var launchFlags struct {
	name      string
	cpus      int
	memory    string
	disk      string
	networks  []string
	bridged   bool
	cloudInit string
	timeZone  string
	timeout   int
}

var launchCmd = &cobra.Command{
	Use:   "launch [image]",
	Short: "Create and start a new instance",
	Long: `Create and start a new instance from a cloud image. The image may be
an alias known to the image catalog, a "remote:alias" pair, or a direct
http(s) URL. Without an argument the default image is used.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		image := ""
		if len(args) == 1 {
			image = args[0]
		}
		return runLaunch(cmd.Context(), image)
	},
}

func init() {
	rootCmd.AddCommand(launchCmd)

	launchCmd.Flags().StringVarP(&launchFlags.name, "name", "n", "", "Name for the instance")
	launchCmd.Flags().IntVarP(&launchFlags.cpus, "cpus", "c", 0, "Number of CPU cores")
	launchCmd.Flags().StringVarP(&launchFlags.memory, "memory", "m", "", "Memory size, e.g. 2G or 512M")
	launchCmd.Flags().StringVar(&launchFlags.disk, "disk", "", "Disk size, e.g. 10G")
	launchCmd.Flags().StringArrayVar(&launchFlags.networks, "network", nil,
		"Extra network interface, e.g. br0 or name=br0,mode=manual,mac=52:54:00:12:34:56 (repeatable)")
	launchCmd.Flags().BoolVar(&launchFlags.bridged, "bridged", false, "Add an interface on the host's bridged network")
	launchCmd.Flags().StringVar(&launchFlags.cloudInit, "cloud-init", "", "Path to a cloud-init user-data file, or - for stdin")
	launchCmd.Flags().StringVar(&launchFlags.timeZone, "timezone", "", "Time zone for the guest, e.g. Europe/Lisbon")
	launchCmd.Flags().IntVar(&launchFlags.timeout, "timeout", 0, "Seconds to wait for the instance to come up")
}

func runLaunch(ctx context.Context, image string) error {
	req := &api.LaunchRequest{
		InstanceName:   launchFlags.name,
		Image:          image,
		NumCores:       launchFlags.cpus,
		MemSize:        launchFlags.memory,
		DiskSpace:      launchFlags.disk,
		TimeZone:       launchFlags.timeZone,
		TimeoutSeconds: launchFlags.timeout,
	}

	for _, spec := range launchFlags.networks {
		opt, err := api.ParseNetworkOption(spec)
		if err != nil {
			return errors.Errorf("parsing --network %q: %w", spec, err)
		}
		req.NetworkOptions = append(req.NetworkOptions, opt)
	}
	if launchFlags.bridged {
		req.NetworkOptions = append(req.NetworkOptions, api.NetworkOption{
			ID:   api.BridgedNetworkID,
			Mode: api.NetworkModeAuto,
		})
	}

	if launchFlags.cloudInit != "" {
		data, err := readCloudInit(launchFlags.cloudInit)
		if err != nil {
			return err
		}
		req.CloudInitUserData = data
	}

	renderer := newProgressRenderer(os.Stdout)
	metricsPending := false

	err := Daemon.Launch(ctx, req, func(reply *api.LaunchReply) error {
		switch {
		case reply.Progress != nil:
			renderer.update(reply.Progress)
		case reply.StatusMessage != "":
			renderer.finishLine()
			fmt.Println(reply.StatusMessage)
		case reply.LogLine != "":
			renderer.finishLine()
			fmt.Fprintln(os.Stderr, reply.LogLine)
		case reply.MetricsPending:
			metricsPending = true
		case reply.Failure != nil:
			renderer.finishLine()
			printFailure(reply.Failure)
		case reply.Done != nil:
			renderer.finishLine()
			fmt.Printf("Launched: %s\n", color.New(color.FgGreen, color.Bold).Sprint(reply.Done.InstanceName))
			if reply.Done.UpdateAvailable != "" {
				fmt.Printf("A newer image is available: %s\n", reply.Done.UpdateAvailable)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if metricsPending {
		promptMetricsOptIn(ctx)
	}
	return nil
}

func readCloudInit(path string) (string, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", errors.Errorf("reading cloud-init file: %w", err)
	}
	return string(data), nil
}

func printFailure(f *api.LaunchFailure) {
	red := color.New(color.FgHiRed)
	if len(f.Errors) == 0 {
		fmt.Fprintf(os.Stderr, "%s %s\n", red.Sprint("launch failed:"), f.Detail)
		return
	}
	fmt.Fprintln(os.Stderr, red.Sprint("launch failed:"))
	for _, e := range f.Errors {
		switch e.Code {
		case api.ErrorInvalidHostname:
			fmt.Fprintf(os.Stderr, "  invalid instance name %q\n", e.Value)
		case api.ErrorInvalidMemSize:
			fmt.Fprintf(os.Stderr, "  invalid memory size %q\n", e.Value)
		case api.ErrorInvalidDiskSize:
			fmt.Fprintf(os.Stderr, "  invalid disk size %q\n", e.Value)
		case api.ErrorInvalidNetwork:
			fmt.Fprintf(os.Stderr, "  invalid network %q\n", e.Value)
		default:
			fmt.Fprintf(os.Stderr, "  %s: %q\n", e.Code, e.Value)
		}
	}
}

// progressRenderer redraws one status line per artifact, so a download shows
// a moving percentage instead of scrolling output.
type progressRenderer struct {
	out      io.Writer
	kind     api.ProgressKind
	lineOpen bool
}

func newProgressRenderer(out io.Writer) *progressRenderer {
	return &progressRenderer{out: out}
}

func (p *progressRenderer) update(progress *api.LaunchProgress) {
	if progress.Kind != p.kind {
		p.finishLine()
		p.kind = progress.Kind
	}
	label := progressLabel(progress.Kind)
	if progress.PercentComplete == api.ProgressIndeterminate {
		fmt.Fprintf(p.out, "\r%s...", label)
	} else {
		fmt.Fprintf(p.out, "\r%s: %3d%%", label, progress.PercentComplete)
	}
	p.lineOpen = true
}

func (p *progressRenderer) finishLine() {
	if p.lineOpen {
		fmt.Fprintln(p.out)
		p.lineOpen = false
	}
}

func progressLabel(kind api.ProgressKind) string {
	switch kind {
	case api.ProgressImage:
		return "Retrieving image"
	case api.ProgressKernel:
		return "Retrieving kernel"
	case api.ProgressInitrd:
		return "Retrieving initrd"
	case api.ProgressExtract:
		return "Preparing disk"
	case api.ProgressVerify:
		return "Verifying image"
	case api.ProgressWaiting:
		return "Waiting for SSH"
	default:
		return string(kind)
	}
}

// promptMetricsOptIn asks the usage-reporting question once per answer. The
// question keeps coming back on later launches until the user says yes or no.
func promptMetricsOptIn(ctx context.Context) {
	if !stdinIsTerminal() {
		return
	}

	fmt.Println("Would you like to help improve this tool by sending anonymized usage data?")
	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Print("[yes/no/later]: ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}

		var status api.OptInStatus
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "yes", "y":
			status = api.OptInAccepted
		case "no", "n":
			status = api.OptInDenied
		case "later", "l", "":
			status = api.OptInLater
		default:
			fmt.Println("Please answer yes, no or later.")
			continue
		}

		if err := Daemon.RecordOptIn(ctx, status); err != nil {
			fmt.Fprintf(os.Stderr, "recording answer: %v\n", err)
		}
		return
	}
}

func stdinIsTerminal() bool {
	info, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
