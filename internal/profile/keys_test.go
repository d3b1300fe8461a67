package profile

import (
	"strings"
	"testing"

	"github.com/spf13/afero"
	"golang.org/x/crypto/ssh"
)

func TestGetOrCreateKey(t *testing.T) {
	fs := afero.NewMemMapFs()

	kp, err := GetOrCreateKey(fs, "/home/ops/.ssh/sshdeck", "web", "sshdeck@web")
	if err != nil {
		t.Fatalf("GetOrCreateKey() error = %v", err)
	}
	if !strings.HasPrefix(kp.PublicKey, "ssh-ed25519 ") || !strings.HasSuffix(kp.PublicKey, " sshdeck@web\n") {
		t.Errorf("PublicKey = %q", kp.PublicKey)
	}

	info, err := fs.Stat(kp.PrivateKeyPath)
	if err != nil {
		t.Fatalf("Stat(private) error = %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("private key mode = %v, want 0600", info.Mode().Perm())
	}

	priv, _ := afero.ReadFile(fs, kp.PrivateKeyPath)
	signer, err := ssh.ParsePrivateKey(priv)
	if err != nil {
		t.Fatalf("generated key does not parse: %v", err)
	}
	authorized, _, _, _, err := ssh.ParseAuthorizedKey([]byte(kp.PublicKey))
	if err != nil {
		t.Fatalf("ParseAuthorizedKey() error = %v", err)
	}
	if string(authorized.Marshal()) != string(signer.PublicKey().Marshal()) {
		t.Error("public key does not match private key")
	}

	again, err := GetOrCreateKey(fs, "/home/ops/.ssh/sshdeck", "web", "sshdeck@web")
	if err != nil {
		t.Fatalf("second GetOrCreateKey() error = %v", err)
	}
	if again.PublicKey != kp.PublicKey {
		t.Error("existing key pair was regenerated")
	}

	if err := fs.Remove(kp.PublicKeyPath); err != nil {
		t.Fatal(err)
	}
	rebuilt, err := GetOrCreateKey(fs, "/home/ops/.ssh/sshdeck", "web", "sshdeck@web")
	if err != nil {
		t.Fatalf("GetOrCreateKey() after losing public key error = %v", err)
	}
	if rebuilt.PublicKey != kp.PublicKey {
		t.Errorf("rebuilt public key = %q, want %q", rebuilt.PublicKey, kp.PublicKey)
	}

	if err := rebuilt.Remove(fs); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if exists, _ := afero.Exists(fs, kp.PrivateKeyPath); exists {
		t.Error("private key still present after Remove")
	}
}
