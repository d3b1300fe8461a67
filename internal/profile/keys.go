package profile

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
	"golang.org/x/crypto/ssh"
)

// KeyPair is an SSH key pair stored on the local filesystem.
type KeyPair struct {
	PrivateKeyPath string
	PublicKeyPath  string
	PublicKey      string // authorized_keys format
}

// GetOrCreateKey returns the key pair <dir>/<name>, generating an ed25519
// pair if the private key does not exist yet. A missing public key is
// rebuilt from the private key.
func GetOrCreateKey(fs afero.Fs, dir, name, comment string) (*KeyPair, error) {
	if err := fs.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	kp := &KeyPair{
		PrivateKeyPath: filepath.Join(dir, name),
		PublicKeyPath:  filepath.Join(dir, name+".pub"),
	}

	privPEM, err := afero.ReadFile(fs, kp.PrivateKeyPath)
	switch {
	case os.IsNotExist(err):
		return kp, kp.generate(fs, comment)
	case err != nil:
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}

	if pub, err := afero.ReadFile(fs, kp.PublicKeyPath); err == nil {
		kp.PublicKey = string(pub)
		return kp, nil
	}

	signer, err := ssh.ParsePrivateKey(privPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return kp, kp.writePublic(fs, signer.PublicKey(), comment)
}

func (kp *KeyPair) generate(fs afero.Fs, comment string) error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, comment)
	if err != nil {
		return fmt.Errorf("failed to encode private key: %w", err)
	}
	if err := afero.WriteFile(fs, kp.PrivateKeyPath, pem.EncodeToMemory(block), 0600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return fmt.Errorf("failed to derive public key: %w", err)
	}
	return kp.writePublic(fs, sshPub, comment)
}

func (kp *KeyPair) writePublic(fs afero.Fs, pub ssh.PublicKey, comment string) error {
	line := ssh.MarshalAuthorizedKey(pub)
	if comment != "" {
		line = append(line[:len(line)-1], []byte(" "+comment+"\n")...)
	}
	if err := afero.WriteFile(fs, kp.PublicKeyPath, line, 0644); err != nil {
		return fmt.Errorf("failed to write public key: %w", err)
	}
	kp.PublicKey = string(line)
	return nil
}

// Remove deletes both key files.
func (kp *KeyPair) Remove(fs afero.Fs) error {
	if err := fs.Remove(kp.PrivateKeyPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove private key: %w", err)
	}
	if err := fs.Remove(kp.PublicKeyPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove public key: %w", err)
	}
	return nil
}
