// Package cloudinit builds the NoCloud seed data handed to freshly launched
// instances: user-data, meta-data, network-config, and the CIDATA ISO that
// carries them.
//
// See https://cloudinit.readthedocs.io/en/latest/reference/datasources/nocloud.html
package cloudinit

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gitlab.com/tozd/go/errors"
	"gopkg.in/yaml.v3"

	"github.com/fleetvm/fleetvm/pkg/api"
)

// Seed collects everything needed to render the three NoCloud files.
type Seed struct {
	InstanceName     string
	SSHUsername      string
	AuthorizedKey    string
	TimeZone         string
	UserData         string // raw user-supplied cloud-config, may be empty
	ExtraInterfaces  []ExtraInterface
	DefaultInterface string // MAC of the management NIC, empty skips network-config
}

// ExtraInterface is a non-management NIC that cloud-init should bring up
// with DHCP, matched by MAC address.
type ExtraInterface struct {
	MACAddress string
	Optional   bool
}

// ValidateUserData rejects user-supplied cloud-config that is not a YAML
// mapping. An empty document is fine.
func ValidateUserData(data string) error {
	if strings.TrimSpace(data) == "" {
		return nil
	}
	var doc map[string]any
	if err := yaml.Unmarshal([]byte(data), &doc); err != nil {
		return errors.Errorf("cloud-init user data is not a YAML mapping: %w", err)
	}
	return nil
}

// RenderUserData merges the user-supplied cloud-config with the keys the
// daemon always injects. User-supplied values win on conflict so launches
// can override the defaults.
func RenderUserData(s *Seed) (string, error) {
	doc := map[string]any{}
	if strings.TrimSpace(s.UserData) != "" {
		if err := yaml.Unmarshal([]byte(s.UserData), &doc); err != nil {
			return "", errors.Errorf("cloud-init user data is not a YAML mapping: %w", err)
		}
	}

	if _, ok := doc["ssh_authorized_keys"]; !ok && s.AuthorizedKey != "" {
		doc["ssh_authorized_keys"] = []string{s.AuthorizedKey}
	}
	if _, ok := doc["timezone"]; !ok && s.TimeZone != "" {
		doc["timezone"] = s.TimeZone
	}
	if _, ok := doc["users"]; !ok && s.SSHUsername != "" {
		doc["users"] = []any{
			"default",
			map[string]any{
				"name":                s.SSHUsername,
				"sudo":                "ALL=(ALL) NOPASSWD:ALL",
				"ssh_authorized_keys": []string{s.AuthorizedKey},
			},
		}
	}

	out, err := yaml.Marshal(doc)
	if err != nil {
		return "", errors.Errorf("encoding user data: %w", err)
	}
	return "#cloud-config\n" + string(out), nil
}

type metaData struct {
	InstanceID    string `yaml:"instance-id"`
	LocalHostname string `yaml:"local-hostname"`
}

// RenderMetaData produces the meta-data document with a fresh instance id.
func RenderMetaData(instanceName string) (string, error) {
	out, err := yaml.Marshal(metaData{
		InstanceID:    fmt.Sprintf("fleetvm-%s", uuid.NewString()),
		LocalHostname: instanceName,
	})
	if err != nil {
		return "", errors.Errorf("encoding meta data: %w", err)
	}
	return string(out), nil
}

type networkConfig struct {
	Version   int                 `yaml:"version"`
	Ethernets map[string]ethernet `yaml:"ethernets"`
}

type ethernet struct {
	Match    matchConfig `yaml:"match"`
	DHCP4    bool        `yaml:"dhcp4"`
	DHCP6    bool        `yaml:"dhcp6,omitempty"`
	Optional bool        `yaml:"optional,omitempty"`
}

type matchConfig struct {
	MACAddress string `yaml:"macaddress"`
}

// RenderNetworkConfig produces a netplan v2 document covering the management
// NIC and any extra bridged interfaces, all via DHCP. Returns the empty
// string when there is nothing to configure.
func RenderNetworkConfig(s *Seed) (string, error) {
	if s.DefaultInterface == "" && len(s.ExtraInterfaces) == 0 {
		return "", nil
	}

	cfg := networkConfig{Version: 2, Ethernets: map[string]ethernet{}}
	if s.DefaultInterface != "" {
		cfg.Ethernets["default"] = ethernet{
			Match: matchConfig{MACAddress: s.DefaultInterface},
			DHCP4: true,
		}
	}
	for i, extra := range s.ExtraInterfaces {
		cfg.Ethernets[fmt.Sprintf("extra%d", i)] = ethernet{
			Match:    matchConfig{MACAddress: extra.MACAddress},
			DHCP4:    true,
			Optional: extra.Optional,
		}
	}

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return "", errors.Errorf("encoding network config: %w", err)
	}
	return string(out), nil
}

// ExtraInterfacesFromOptions converts launch network options into seed
// entries. Options in manual mode are skipped: the guest gets the NIC but
// cloud-init leaves its configuration to the user. Every auto option must
// already carry the MAC the backend will assign, or the seed entry could
// never match the device.
func ExtraInterfacesFromOptions(opts []api.NetworkOption) ([]ExtraInterface, error) {
	extras := make([]ExtraInterface, 0, len(opts))
	for _, opt := range opts {
		if opt.Mode == api.NetworkModeManual {
			continue
		}
		if opt.MACAddress == "" {
			return nil, errors.Errorf("network %q has no MAC address assigned", opt.ID)
		}
		extras = append(extras, ExtraInterface{MACAddress: opt.MACAddress, Optional: true})
	}
	return extras, nil
}
