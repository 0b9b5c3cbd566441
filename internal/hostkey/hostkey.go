// Package hostkey manages the server's ed25519 host key.
package hostkey

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"golang.org/x/crypto/ssh"
)

// Load reads the PEM-encoded host key at path and returns a signer for it.
// If the file does not exist, a fresh ed25519 key is generated and persisted
// there first, so the host identity is stable across restarts.
func Load(path string) (ssh.Signer, error) {
	pemBytes, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		pemBytes, err = generate(path)
	}
	if err != nil {
		return nil, fmt.Errorf("host key %s: %w", path, err)
	}

	signer, err := ssh.ParsePrivateKey(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("parse host key %s: %w", path, err)
	}
	return signer, nil
}

// generate creates a new ed25519 key, writes it to path in OpenSSH PEM form
// and returns the PEM bytes.
func generate(path string) ([]byte, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}
	pemBytes := pem.EncodeToMemory(block)
	if err := os.WriteFile(path, pemBytes, 0600); err != nil {
		return nil, fmt.Errorf("save generated key: %w", err)
	}
	return pemBytes, nil
}
