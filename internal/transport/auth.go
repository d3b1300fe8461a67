package transport

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"sshdeck/internal/errs"
	"sshdeck/internal/logging"
	"sshdeck/internal/profile"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// authMethods builds the ssh auth chain for p. Key material containing
// "BEGIN" is treated as an inline PEM block, anything else as a path.
func authMethods(p *profile.Profile) ([]ssh.AuthMethod, error) {
	switch p.AuthType {
	case profile.AuthKey:
		signer, err := loadSigner(p.PrivateKey, p.Passphrase)
		if err != nil {
			return nil, err
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	case profile.AuthPassword, "":
		password := p.Password
		return []ssh.AuthMethod{
			ssh.Password(password),
			ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		}, nil
	default:
		return nil, errs.AuthenticationError(fmt.Sprintf("unsupported auth type %q", p.AuthType), nil)
	}
}

func loadSigner(key, passphrase string) (ssh.Signer, error) {
	var pemBytes []byte
	if strings.Contains(key, "BEGIN") {
		pemBytes = []byte(key)
	} else {
		data, err := os.ReadFile(expandHome(key))
		if err != nil {
			return nil, errs.AuthenticationError(fmt.Sprintf("Failed to read private key: %v", err), err)
		}
		pemBytes = data
	}

	var (
		signer ssh.Signer
		err    error
	)
	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(pemBytes, []byte(passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(pemBytes)
	}
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, errs.AuthenticationError("private key is encrypted and no passphrase was given", err)
		}
		return nil, errs.AuthenticationError(fmt.Sprintf("failed to parse private key: %v", err), err)
	}
	return signer, nil
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// hostKeyCallback verifies against a known_hosts file when one is
// configured and accepts any key otherwise.
func hostKeyCallback(knownHostsPath string) (ssh.HostKeyCallback, error) {
	if knownHostsPath == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	callback, err := knownhosts.New(expandHome(knownHostsPath))
	if err != nil {
		return nil, fmt.Errorf("failed to load known_hosts: %w", err)
	}
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		if err := callback(hostname, remote, key); err != nil {
			logging.Logger().Warn("Host key verification failed",
				zap.String("host", hostname),
				zap.String("fingerprint", ssh.FingerprintSHA256(key)),
				zap.Error(err))
			return err
		}
		return nil
	}, nil
}

// isAuthFailure recognises handshake errors caused by rejected credentials.
func isAuthFailure(err error) bool {
	s := err.Error()
	return strings.Contains(s, "unable to authenticate") || strings.Contains(s, "no supported methods")
}
