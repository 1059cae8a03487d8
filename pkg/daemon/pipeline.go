package daemon

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"github.com/fleetvm/fleetvm/pkg/api"
	"github.com/fleetvm/fleetvm/pkg/catalog"
	"github.com/fleetvm/fleetvm/pkg/cloudinit"
	"github.com/fleetvm/fleetvm/pkg/download"
	"github.com/fleetvm/fleetvm/pkg/machine"
)

// Stream delivers reply messages to the client in order. Implementations
// must tolerate being called from the single pipeline goroutine only.
type Stream interface {
	Send(reply *api.LaunchReply) error
}

// ValidationError carries the structured codes of a rejected request.
type ValidationError struct {
	Errors []api.LaunchError
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("launch request rejected with %d validation errors", len(e.Errors))
}

// Pipeline runs one launch request end to end: validate, resolve the image,
// provision, build and start, acknowledge. Each invocation runs to
// completion on its own goroutine.
type Pipeline struct {
	Registry   *Registry
	Factory    machine.Factory
	Downloader *download.Downloader
	Catalog    *catalog.Catalog
	Keys       *cloudinit.KeyPair
	OptIn      *OptInStore

	MinCPUs         int
	DefaultMemSize  string
	DefaultDiskSize string
	DefaultSSHUser  string
	BootTimeout     time.Duration

	// QemuImgPath enables growing instance disks to the requested capacity.
	// Empty leaves disks at the base image's virtual size.
	QemuImgPath string
}

type resolvedRequest struct {
	name     string
	numCores int
	memBytes int64
	dskBytes int64
	networks []api.NetworkOption
	timeout  time.Duration
}

// Run drives the pipeline. The terminal reply, success or failure, is always
// delivered through the stream; the returned error mirrors the failure for
// the caller's logs.
func (p *Pipeline) Run(ctx context.Context, req *api.LaunchRequest, stream Stream) error {
	logger := zerolog.Ctx(ctx)

	resolved, err := p.validate(ctx, req)
	if err != nil {
		return p.fail(stream, err)
	}

	logger.Info().Str("instance", resolved.name).Str("image", req.Image).Msg("launching instance")

	p.trace(stream, req, "resolving image "+req.Image)
	res, imagePath, kernelPath, initrdPath, err := p.resolveImage(ctx, req, stream)
	if err != nil {
		return p.fail(stream, err)
	}

	stream.Send(&api.LaunchReply{StatusMessage: "Creating " + resolved.name})
	p.trace(stream, req, "provisioning "+resolved.name)
	desc, err := p.provision(ctx, req, resolved, res, imagePath, kernelPath, initrdPath, stream)
	if err != nil {
		return p.fail(stream, err)
	}

	stream.Send(&api.LaunchReply{StatusMessage: "Starting " + resolved.name})
	p.trace(stream, req, "starting "+resolved.name)
	vm, err := p.buildAndStart(ctx, resolved, res, desc, stream)
	if err != nil {
		return p.fail(stream, err)
	}

	return p.acknowledge(ctx, req, resolved, res, vm, stream)
}

// trace streams a log line for verbose clients. Quiet clients never see these.
func (p *Pipeline) trace(stream Stream, req *api.LaunchRequest, line string) {
	if req.VerbosityLevel > 0 {
		stream.Send(&api.LaunchReply{LogLine: line})
	}
}

// validate rejects the request before any side effect. All field violations
// are collected so the client sees every problem at once.
func (p *Pipeline) validate(ctx context.Context, req *api.LaunchRequest) (*resolvedRequest, error) {
	var launchErrs []api.LaunchError

	name := req.InstanceName
	if name == "" {
		name = defaultInstanceName()
	}
	if !api.ValidHostname(name) {
		launchErrs = append(launchErrs, api.LaunchError{Code: api.ErrorInvalidHostname, Value: name})
	}

	memSize := req.MemSize
	if memSize == "" {
		memSize = p.DefaultMemSize
	}
	memBytes, err := api.ParseMemorySize(memSize)
	if err != nil {
		launchErrs = append(launchErrs, api.LaunchError{Code: api.ErrorInvalidMemSize, Value: memSize})
	}

	diskSize := req.DiskSpace
	if diskSize == "" {
		diskSize = p.DefaultDiskSize
	}
	dskBytes, err := api.ParseMemorySize(diskSize)
	if err != nil {
		launchErrs = append(launchErrs, api.LaunchError{Code: api.ErrorInvalidDiskSize, Value: diskSize})
	}

	networks, netErrs := p.checkNetworks(ctx, req.NetworkOptions)
	launchErrs = append(launchErrs, netErrs...)

	if len(launchErrs) > 0 {
		return nil, &ValidationError{Errors: launchErrs}
	}

	if p.Registry.Exists(name) {
		return nil, errors.Errorf("instance %q: %w", name, ErrInstanceExists)
	}

	numCores := req.NumCores
	if numCores < p.MinCPUs {
		numCores = p.MinCPUs
	}

	timeout := p.BootTimeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}

	return &resolvedRequest{
		name:     name,
		numCores: numCores,
		memBytes: memBytes,
		dskBytes: dskBytes,
		networks: networks,
		timeout:  timeout,
	}, nil
}

// checkNetworks validates options against what the host actually offers and
// resolves the sentinel bridged network.
func (p *Pipeline) checkNetworks(ctx context.Context, opts []api.NetworkOption) ([]api.NetworkOption, []api.LaunchError) {
	if len(opts) == 0 {
		return nil, nil
	}

	var launchErrs []api.LaunchError

	available, err := p.Factory.Networks(ctx)
	if err != nil {
		for _, opt := range opts {
			launchErrs = append(launchErrs, api.LaunchError{Code: api.ErrorInvalidNetwork, Value: opt.ID})
		}
		return nil, launchErrs
	}
	known := make(map[string]bool, len(available))
	for _, n := range available {
		known[n.Name] = true
	}

	resolved := make([]api.NetworkOption, 0, len(opts))
	seen := make(map[string]bool, len(opts))
	for _, opt := range opts {
		if seen[opt.ID] {
			launchErrs = append(launchErrs, api.LaunchError{Code: api.ErrorInvalidNetwork, Value: opt.ID})
			continue
		}
		seen[opt.ID] = true
		if opt.MACAddress != "" && !api.ValidMACAddress(opt.MACAddress) {
			launchErrs = append(launchErrs, api.LaunchError{Code: api.ErrorInvalidNetwork, Value: opt.MACAddress})
			continue
		}
		if !known[opt.ID] {
			launchErrs = append(launchErrs, api.LaunchError{Code: api.ErrorInvalidNetwork, Value: opt.ID})
			continue
		}
		if opt.ID == api.BridgedNetworkID {
			bridge, err := p.Factory.ConfigureBridge(ctx)
			if err != nil {
				launchErrs = append(launchErrs, api.LaunchError{Code: api.ErrorInvalidNetwork, Value: opt.ID})
				continue
			}
			opt.ID = bridge
		}
		resolved = append(resolved, opt)
	}
	return resolved, launchErrs
}

// resolveImage turns the image reference into cached local artifacts,
// streaming transfer progress as it goes.
func (p *Pipeline) resolveImage(ctx context.Context, req *api.LaunchRequest, stream Stream) (*catalog.Resolved, string, string, string, error) {
	image := req.Image
	if image == "" {
		image = "default"
	}
	if req.RemoteName != "" {
		image = req.RemoteName + ":" + image
	}

	res, err := p.Catalog.Resolve(ctx, image)
	if err != nil {
		return nil, "", "", "", errors.Errorf("resolving image %q: %w", image, err)
	}

	monitor := func(kind api.ProgressKind) download.ProgressMonitor {
		return func(_ string, percent int) bool {
			err := stream.Send(&api.LaunchReply{Progress: &api.LaunchProgress{
				Kind:            kind,
				PercentComplete: percent,
			}})
			return err == nil
		}
	}

	imagePath, err := p.Downloader.Fetch(ctx, res.URL, res.SizeBytes, string(api.ProgressImage), monitor(api.ProgressImage))
	if err != nil {
		return nil, "", "", "", errors.Errorf("fetching image: %w", err)
	}

	var kernelPath, initrdPath string
	if res.KernelURL != "" {
		kernelPath, err = p.Downloader.Fetch(ctx, res.KernelURL, 0, string(api.ProgressKernel), monitor(api.ProgressKernel))
		if err != nil {
			return nil, "", "", "", errors.Errorf("fetching kernel: %w", err)
		}
	}
	if res.InitrdURL != "" {
		initrdPath, err = p.Downloader.Fetch(ctx, res.InitrdURL, 0, string(api.ProgressInitrd), monitor(api.ProgressInitrd))
		if err != nil {
			return nil, "", "", "", errors.Errorf("fetching initrd: %w", err)
		}
	}

	return res, imagePath, kernelPath, initrdPath, nil
}

// provision lays the instance's working directory out: private disk copy,
// cloud-init seed, SSH forward port. No backend object exists yet, so any
// failure here leaves nothing to unwind beyond the directory.
func (p *Pipeline) provision(ctx context.Context, req *api.LaunchRequest, resolved *resolvedRequest,
	res *catalog.Resolved, imagePath, kernelPath, initrdPath string, stream Stream) (machine.Description, error) {

	if err := cloudinit.ValidateUserData(req.CloudInitUserData); err != nil {
		return machine.Description{}, err
	}

	workDir := p.Registry.InstanceDir(resolved.name)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return machine.Description{}, errors.Errorf("creating instance directory: %w", err)
	}

	stream.Send(&api.LaunchReply{Progress: &api.LaunchProgress{
		Kind:            api.ProgressExtract,
		PercentComplete: api.ProgressIndeterminate,
	}})
	diskPath := filepath.Join(workDir, "disk.qcow2")
	if err := extractImage(imagePath, diskPath); err != nil {
		os.RemoveAll(workDir)
		return machine.Description{}, err
	}
	if err := p.growDisk(ctx, diskPath, resolved.dskBytes); err != nil {
		os.RemoveAll(workDir)
		return machine.Description{}, err
	}

	stream.Send(&api.LaunchReply{Progress: &api.LaunchProgress{
		Kind:            api.ProgressVerify,
		PercentComplete: api.ProgressIndeterminate,
	}})
	if err := verifyImage(diskPath); err != nil {
		os.RemoveAll(workDir)
		return machine.Description{}, err
	}

	sshUser := res.SSHUser
	if sshUser == "" {
		sshUser = p.DefaultSSHUser
	}

	// MACs are fixed here, before the seed is written, so the netplan match
	// in the seed names the same address the backend gives the NIC.
	for i := range resolved.networks {
		if resolved.networks[i].MACAddress == "" {
			resolved.networks[i].MACAddress = machine.RandomMAC()
		}
	}
	extras, err := cloudinit.ExtraInterfacesFromOptions(resolved.networks)
	if err != nil {
		os.RemoveAll(workDir)
		return machine.Description{}, err
	}

	seed := &cloudinit.Seed{
		InstanceName:    resolved.name,
		SSHUsername:     sshUser,
		AuthorizedKey:   p.Keys.AuthorizedKey,
		TimeZone:        req.TimeZone,
		UserData:        req.CloudInitUserData,
		ExtraInterfaces: extras,
	}
	seedPath := filepath.Join(workDir, "seed.iso")
	if err := cloudinit.WriteISO(seed, seedPath); err != nil {
		os.RemoveAll(workDir)
		return machine.Description{}, err
	}

	sshPort, err := freePort()
	if err != nil {
		os.RemoveAll(workDir)
		return machine.Description{}, err
	}

	return machine.Description{
		Name:             resolved.name,
		NumCores:         resolved.numCores,
		MemSizeBytes:     resolved.memBytes,
		DiskSizeBytes:    resolved.dskBytes,
		ImagePath:        diskPath,
		KernelPath:       kernelPath,
		InitrdPath:       initrdPath,
		CloudInitISOPath: seedPath,
		NetworkOptions:   resolved.networks,
		SSHUsername:      sshUser,
		SSHPort:          sshPort,
		Release:          res.Release,
		WorkDir:          workDir,
	}, nil
}

// buildAndStart obtains the machine, registers it, boots it, and waits for
// SSH. The request timeout bounds only the SSH wait; earlier stages rely on
// the downloader's own abort mechanism.
func (p *Pipeline) buildAndStart(ctx context.Context, resolved *resolvedRequest,
	res *catalog.Resolved, desc machine.Description, stream Stream) (machine.VirtualMachine, error) {

	vm, err := p.Factory.New(ctx, desc)
	if err != nil {
		os.RemoveAll(desc.WorkDir)
		return nil, errors.Errorf("creating instance: %w", err)
	}

	inst := &Instance{
		Record: Record{
			Name:          desc.Name,
			Backend:       p.Factory.Backend(),
			Release:       desc.Release,
			NumCores:      desc.NumCores,
			MemSizeBytes:  desc.MemSizeBytes,
			DiskSizeBytes: desc.DiskSizeBytes,
			SSHPort:       desc.SSHPort,
			SSHUsername:   desc.SSHUsername,
			Networks:      desc.NetworkOptions,
			LastState:     vm.CurrentState(),
			CreatedAt:     time.Now().UTC(),
		},
		VM: vm,
	}
	if err := p.Registry.Add(inst); err != nil {
		vm.Delete(ctx)
		return nil, err
	}

	if err := vm.Start(ctx); err != nil {
		p.Registry.SyncState(desc.Name)
		return nil, errors.Errorf("starting instance: %w", err)
	}

	stream.Send(&api.LaunchReply{StatusMessage: "Waiting for initialization to complete"})
	stream.Send(&api.LaunchReply{Progress: &api.LaunchProgress{
		Kind:            api.ProgressWaiting,
		PercentComplete: api.ProgressIndeterminate,
	}})

	if err := vm.WaitUntilSSHUp(ctx, resolved.timeout); err != nil {
		p.Registry.SyncState(desc.Name)
		return nil, err
	}

	p.Registry.SyncState(desc.Name)
	return vm, nil
}

// acknowledge records the opt-in answer when one accompanied the request,
// asks the question when it is still open, and sends the terminal reply. A
// launch from a deprecated image carries the replacement release in the
// terminal reply so the client can nudge the user.
func (p *Pipeline) acknowledge(ctx context.Context, req *api.LaunchRequest,
	resolved *resolvedRequest, res *catalog.Resolved, vm machine.VirtualMachine, stream Stream) error {

	if req.OptInReply != nil {
		if err := p.OptIn.Record(req.OptInReply.Status); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Msg("recording opt-in answer failed")
		}
	} else if !p.OptIn.Decided() {
		stream.Send(&api.LaunchReply{MetricsPending: true})
	}

	return stream.Send(&api.LaunchReply{Done: &api.LaunchDone{
		InstanceName:    resolved.name,
		UpdateAvailable: res.UpdateAvailable,
	}})
}

// fail delivers the terminal failure reply and hands the cause back to the
// caller.
func (p *Pipeline) fail(stream Stream, err error) error {
	failure := &api.LaunchFailure{Detail: err.Error()}
	var verr *ValidationError
	if errors.As(err, &verr) {
		failure.Errors = verr.Errors
	}
	stream.Send(&api.LaunchReply{Failure: failure})
	return err
}

// extractImage copies the cached base image into the instance's private disk.
// The cached copy stays pristine for other launches.
func extractImage(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Errorf("opening cached image: %w", err)
	}
	defer in.Close()

	tmp := dest + ".partial"
	out, err := os.Create(tmp)
	if err != nil {
		return errors.Errorf("creating instance disk: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return errors.Errorf("copying instance disk: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return errors.Errorf("closing instance disk: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return errors.Errorf("replacing instance disk: %w", err)
	}
	return nil
}

// growDisk resizes the qcow2 to the requested capacity. The guest sees the
// extra space; cloud-init grows the root filesystem into it on first boot.
func (p *Pipeline) growDisk(ctx context.Context, path string, sizeBytes int64) error {
	if p.QemuImgPath == "" || sizeBytes <= 0 {
		return nil
	}
	cmd := exec.CommandContext(ctx, p.QemuImgPath, "resize", path, strconv.FormatInt(sizeBytes, 10))
	output, err := cmd.CombinedOutput()
	if err != nil {
		return errors.Errorf("resizing instance disk: %s: %w", output, err)
	}
	return nil
}

func verifyImage(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return errors.Errorf("verifying instance disk: %w", err)
	}
	if info.Size() == 0 {
		return errors.Errorf("instance disk %s is empty", path)
	}
	return nil
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, errors.Errorf("allocating SSH forward port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func defaultInstanceName() string {
	return "fleet-" + uuid.NewString()[:8]
}
