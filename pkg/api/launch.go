// Package api defines the request/reply model exchanged between the fleetctl
// client and the fleetd daemon. The wire encoding is plain JSON; only the
// semantic fields matter to the rest of the system.
package api

// OptInStatus is the client's answer to the anonymized usage reporting question.
type OptInStatus string

const (
	OptInAccepted OptInStatus = "accepted"
	OptInDenied   OptInStatus = "denied"
	OptInLater    OptInStatus = "later"
)

// NetworkMode selects how the guest configures an extra interface.
type NetworkMode string

const (
	NetworkModeAuto   NetworkMode = "auto"
	NetworkModeManual NetworkMode = "manual"
)

// BridgedNetworkID is the sentinel network name resolved by the daemon to the
// host's configured bridged network.
const BridgedNetworkID = "bridged"

// NetworkOption describes one extra network interface requested for an instance.
type NetworkOption struct {
	ID         string      `json:"id"`
	Mode       NetworkMode `json:"mode"`
	MACAddress string      `json:"mac_address,omitempty"`
}

// OptInReply carries a previously collected usage-reporting answer back to the
// daemon so it can be recorded.
type OptInReply struct {
	Status OptInStatus `json:"status"`
}

// LaunchRequest is the client's request to create and start a new instance.
type LaunchRequest struct {
	InstanceName      string          `json:"instance_name,omitempty"`
	Image             string          `json:"image,omitempty"`
	RemoteName        string          `json:"remote_name,omitempty"`
	NumCores          int             `json:"num_cores,omitempty"`
	MemSize           string          `json:"mem_size,omitempty"`
	DiskSpace         string          `json:"disk_space,omitempty"`
	CloudInitUserData string          `json:"cloud_init_user_data,omitempty"`
	NetworkOptions    []NetworkOption `json:"network_options,omitempty"`
	TimeZone          string          `json:"time_zone,omitempty"`
	TimeoutSeconds    int             `json:"timeout,omitempty"`
	VerbosityLevel    int             `json:"verbosity_level,omitempty"`
	OptInReply        *OptInReply     `json:"opt_in_reply,omitempty"`
}

// ProgressKind labels which artifact a progress event refers to.
type ProgressKind string

const (
	ProgressImage   ProgressKind = "image"
	ProgressKernel  ProgressKind = "kernel"
	ProgressInitrd  ProgressKind = "initrd"
	ProgressExtract ProgressKind = "extract"
	ProgressVerify  ProgressKind = "verify"
	ProgressWaiting ProgressKind = "waiting"
)

// ProgressIndeterminate is the percent value sent when completion is unknown.
const ProgressIndeterminate = -1

// LaunchProgress is a single progress event in the launch reply stream.
type LaunchProgress struct {
	Kind            ProgressKind `json:"kind"`
	PercentComplete int          `json:"percent_complete"`
}

// LaunchDone is the terminal success message of the reply stream.
type LaunchDone struct {
	InstanceName    string `json:"instance_name"`
	UpdateAvailable string `json:"update_available,omitempty"`
}

// LaunchErrorCode identifies a request field the daemon rejected.
type LaunchErrorCode string

const (
	ErrorInvalidDiskSize LaunchErrorCode = "invalid-disk-size"
	ErrorInvalidMemSize  LaunchErrorCode = "invalid-memory-size"
	ErrorInvalidHostname LaunchErrorCode = "invalid-hostname"
	ErrorInvalidNetwork  LaunchErrorCode = "invalid-network"
)

// LaunchError pairs an error code with the offending value so the client can
// render an actionable message.
type LaunchError struct {
	Code  LaunchErrorCode `json:"code"`
	Value string          `json:"value,omitempty"`
}

// LaunchFailure is the terminal failure payload. Validation failures carry
// structured codes; everything else carries only a human-readable detail.
type LaunchFailure struct {
	Errors []LaunchError `json:"errors,omitempty"`
	Detail string        `json:"detail,omitempty"`
}

// LaunchReply is one message of the daemon-to-client reply stream. Exactly one
// field is set per message; the terminal message is either Done or Failure.
type LaunchReply struct {
	Progress       *LaunchProgress `json:"progress,omitempty"`
	StatusMessage  string          `json:"status_message,omitempty"`
	LogLine        string          `json:"log_line,omitempty"`
	MetricsPending bool            `json:"metrics_pending,omitempty"`
	Done           *LaunchDone     `json:"done,omitempty"`
	Failure        *LaunchFailure  `json:"failure,omitempty"`
}

// Terminal reports whether this reply ends the stream.
func (r *LaunchReply) Terminal() bool {
	return r.Done != nil || r.Failure != nil
}

// InstanceInfo is the daemon's view of one managed instance, as returned by
// the list and info operations.
type InstanceInfo struct {
	Name     string   `json:"name"`
	State    string   `json:"state"`
	Backend  string   `json:"backend"`
	Release  string   `json:"release,omitempty"`
	IPv4     []string `json:"ipv4,omitempty"`
	NumCores int      `json:"num_cores"`
	MemSize  int64    `json:"mem_size"`
	DiskSize int64    `json:"disk_size"`
}
