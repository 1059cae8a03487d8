package api

import (
	"regexp"
	"strings"

	"gitlab.com/tozd/go/errors"
)

var (
	macColonPattern  = regexp.MustCompile(`^[0-9A-Fa-f]{2}(:[0-9A-Fa-f]{2}){5}$`)
	macHyphenPattern = regexp.MustCompile(`^[0-9A-Fa-f]{2}(-[0-9A-Fa-f]{2}){5}$`)
	hostnamePattern  = regexp.MustCompile(`^[A-Za-z]([A-Za-z0-9-]*[A-Za-z0-9])?$`)
)

// ValidMACAddress reports whether mac is a standard 6-octet hardware address
// in colon or hyphen notation.
func ValidMACAddress(mac string) bool {
	return macColonPattern.MatchString(mac) || macHyphenPattern.MatchString(mac)
}

// ValidHostname reports whether name is usable as an instance name: a letter
// followed by letters, digits and hyphens, not ending in a hyphen, at most 63
// characters.
func ValidHostname(name string) bool {
	return len(name) <= 63 && hostnamePattern.MatchString(name)
}

func checkedMode(mode string) (NetworkMode, error) {
	switch strings.ToLower(mode) {
	case "auto":
		return NetworkModeAuto, nil
	case "manual":
		return NetworkModeManual, nil
	default:
		return "", errors.Errorf("bad network mode %q, need 'auto' or 'manual'", mode)
	}
}

// ParseNetworkOption parses one --network specification. A single bare token
// with no '=' and no ',' is shorthand for "name=<token>"; otherwise the string
// is comma-separated key=value pairs with keys name (required), mode
// (auto|manual, default auto) and mac (validated hardware address). A repeated
// key, an unrecognized key, or a malformed pair fails the whole option.
func ParseNetworkOption(spec string) (NetworkOption, error) {
	opt := NetworkOption{Mode: NetworkModeAuto}

	if !strings.ContainsAny(spec, "=,") {
		if spec == "" {
			return opt, errors.New("bad network definition, need at least a 'name' field")
		}
		opt.ID = spec
		return opt, nil
	}

	seen := map[string]bool{}
	for _, pair := range strings.Split(spec, ",") {
		if pair == "" {
			continue
		}
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" || value == "" {
			return opt, errors.Errorf("bad network field definition: %q", pair)
		}

		key = strings.ToLower(key)
		if seen[key] {
			return opt, errors.Errorf("duplicate network field: %q", key)
		}
		seen[key] = true

		switch key {
		case "name":
			opt.ID = value
		case "mode":
			mode, err := checkedMode(value)
			if err != nil {
				return opt, err
			}
			opt.Mode = mode
		case "mac":
			if !ValidMACAddress(value) {
				return opt, errors.Errorf("invalid MAC address: %s", value)
			}
			opt.MACAddress = value
		default:
			return opt, errors.Errorf("bad network field: %q", key)
		}
	}

	if opt.ID == "" {
		return opt, errors.New("bad network definition, need at least a 'name' field")
	}

	return opt, nil
}
