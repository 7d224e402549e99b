package sshutil

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/ssh"
)

// HostKey is a throwaway ed25519 identity for an SSH server.
type HostKey struct {
	Signer      ssh.Signer
	Fingerprint string // as printed by ssh-keygen -l
}

// GenerateHostKey creates a new in-memory host key.
func GenerateHostKey() (*HostKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate host key: %w", err)
	}

	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to create SSH signer: %w", err)
	}

	return &HostKey{
		Signer:      signer,
		Fingerprint: ssh.FingerprintSHA256(signer.PublicKey()),
	}, nil
}

// FormatSSHCommand returns the command a client runs to reach a container.
func FormatSSHCommand(user, host string, port int) string {
	if port == 0 || port == 22 {
		return fmt.Sprintf("ssh %s@%s", user, host)
	}
	return fmt.Sprintf("ssh -p %d %s@%s", port, user, host)
}
