package cloudinit

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"

	"gitlab.com/tozd/go/errors"
	"golang.org/x/crypto/ssh"
)

// KeyPair is the daemon-managed SSH identity injected into every instance.
type KeyPair struct {
	PrivateKeyPath string
	AuthorizedKey  string // "ssh-ed25519 AAAA... fleetvm" line for user-data
}

// EnsureKeyPair loads the daemon SSH key from dir, generating a fresh
// ed25519 pair on first use.
func EnsureKeyPair(dir string) (*KeyPair, error) {
	privPath := filepath.Join(dir, "id_ed25519")
	pubPath := privPath + ".pub"

	if pub, err := os.ReadFile(pubPath); err == nil {
		if _, err := os.Stat(privPath); err == nil {
			return &KeyPair{
				PrivateKeyPath: privPath,
				AuthorizedKey:  strings.TrimSpace(string(pub)),
			}, nil
		}
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Errorf("generating SSH key: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(priv, "fleetvm")
	if err != nil {
		return nil, errors.Errorf("encoding SSH private key: %w", err)
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, errors.Errorf("encoding SSH public key: %w", err)
	}
	authorized := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub))) + " fleetvm"

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Errorf("creating key directory: %w", err)
	}
	if err := os.WriteFile(privPath, pem.EncodeToMemory(block), 0o600); err != nil {
		return nil, errors.Errorf("writing private key: %w", err)
	}
	if err := os.WriteFile(pubPath, []byte(authorized+"\n"), 0o644); err != nil {
		return nil, errors.Errorf("writing public key: %w", err)
	}

	return &KeyPair{PrivateKeyPath: privPath, AuthorizedKey: authorized}, nil
}
