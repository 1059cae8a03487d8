package cloudinit

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/kdomanski/iso9660"
	"gitlab.com/tozd/go/errors"
)

// GenerateISO renders the seed files and packs them into a CIDATA ISO image.
// The volume label must be "CIDATA" for the NoCloud datasource to find it.
func GenerateISO(s *Seed) ([]byte, error) {
	userData, err := RenderUserData(s)
	if err != nil {
		return nil, err
	}
	metaData, err := RenderMetaData(s.InstanceName)
	if err != nil {
		return nil, err
	}
	networkConfig, err := RenderNetworkConfig(s)
	if err != nil {
		return nil, err
	}

	writer, err := iso9660.NewWriter()
	if err != nil {
		return nil, errors.Errorf("creating ISO writer: %w", err)
	}
	defer writer.Cleanup()

	if err := writer.AddFile(bytes.NewReader([]byte(userData)), "user-data"); err != nil {
		return nil, errors.Errorf("adding user-data: %w", err)
	}
	if err := writer.AddFile(bytes.NewReader([]byte(metaData)), "meta-data"); err != nil {
		return nil, errors.Errorf("adding meta-data: %w", err)
	}
	if networkConfig != "" {
		if err := writer.AddFile(bytes.NewReader([]byte(networkConfig)), "network-config"); err != nil {
			return nil, errors.Errorf("adding network-config: %w", err)
		}
	}

	var buf bytes.Buffer
	if err := writer.WriteTo(&buf, "CIDATA"); err != nil {
		return nil, errors.Errorf("writing ISO image: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteISO generates the seed ISO and writes it atomically next to the
// instance's other artifacts.
func WriteISO(s *Seed, dest string) error {
	data, err := GenerateISO(s)
	if err != nil {
		return err
	}

	tmp := dest + ".partial"
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return errors.Errorf("creating seed directory: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Errorf("writing seed image: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return errors.Errorf("replacing seed image: %w", err)
	}
	return nil
}
