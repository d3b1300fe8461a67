// Package profile holds connection profiles and the stores that persist them.
package profile

import (
	"fmt"
	"strings"
	"time"
)

// AuthType selects how a profile authenticates.
type AuthType string

const (
	AuthPassword AuthType = "password"
	AuthKey      AuthType = "key"
)

// DefaultPort is used when a profile leaves Port unset.
const DefaultPort = 22

// Profile describes one remote host. A live session keeps a pointer to the
// Profile it was connected with and reads it again on every reconnect, so
// callers must not mutate a Profile while it is in use.
type Profile struct {
	ID       string   `yaml:"id" json:"id"`
	Name     string   `yaml:"name" json:"name"`
	Host     string   `yaml:"host" json:"host"`
	Port     int      `yaml:"port" json:"port"`
	Username string   `yaml:"username" json:"username"`
	AuthType AuthType `yaml:"auth_type" json:"authType"`

	Password   string `yaml:"password,omitempty" json:"password,omitempty"`
	PrivateKey string `yaml:"private_key,omitempty" json:"privateKey,omitempty"` // inline PEM or a path
	Passphrase string `yaml:"passphrase,omitempty" json:"passphrase,omitempty"`

	AutoReconnect     bool          `yaml:"auto_reconnect" json:"autoReconnect"`
	ReconnectRetries  int           `yaml:"reconnect_retries,omitempty" json:"reconnectRetries,omitempty"`
	KeepAliveInterval time.Duration `yaml:"keepalive_interval,omitempty" json:"keepAliveInterval,omitempty"`
}

// Addr returns host:port.
func (p *Profile) Addr() string {
	port := p.Port
	if port == 0 {
		port = DefaultPort
	}
	return fmt.Sprintf("%s:%d", p.Host, port)
}

// MaxRetries returns the reconnect ceiling, falling back to def when the
// profile does not set one.
func (p *Profile) MaxRetries(def int) int {
	if p.ReconnectRetries > 0 {
		return p.ReconnectRetries
	}
	return def
}

// Label is a human readable identifier for logs and listings.
func (p *Profile) Label() string {
	if p.Name != "" {
		return p.Name
	}
	return fmt.Sprintf("%s@%s", p.Username, p.Addr())
}

// Validate checks the fields needed to connect.
func (p *Profile) Validate() error {
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("host is required")
	}
	if p.Username == "" {
		return fmt.Errorf("username is required")
	}
	if p.Port < 0 || p.Port > 65535 {
		return fmt.Errorf("invalid port %d", p.Port)
	}
	switch p.AuthType {
	case AuthPassword:
	case AuthKey:
		if p.PrivateKey == "" {
			return fmt.Errorf("private key is required for key authentication")
		}
	default:
		return fmt.Errorf("unknown auth type %q", p.AuthType)
	}
	if p.ReconnectRetries < 0 {
		return fmt.Errorf("reconnect retries must not be negative")
	}
	return nil
}
