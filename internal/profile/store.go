package profile

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// ErrNotFound is returned when no profile has the requested ID.
var ErrNotFound = errors.New("profile not found")

// Store persists profiles keyed by ID.
type Store interface {
	List(ctx context.Context) ([]*Profile, error)
	Get(ctx context.Context, id string) (*Profile, error)
	// Add stores p under a freshly generated ID and returns the stored copy.
	Add(ctx context.Context, p *Profile) (*Profile, error)
	// Update replaces the profile with p.ID; it fails with ErrNotFound if
	// there is none.
	Update(ctx context.Context, p *Profile) error
	Delete(ctx context.Context, id string) error
	Close() error
}

// Options selects and configures a Store backend.
type Options struct {
	Backend       string // file, etcd, sqlite or memory
	Path          string
	EtcdEndpoints []string
	SQLitePath    string
	Fs            afero.Fs // file backend only; defaults to the OS filesystem
}

// Open creates the store named by opts.Backend.
func Open(opts Options) (Store, error) {
	switch opts.Backend {
	case "memory":
		return NewMemoryStore(), nil
	case "", "file":
		fs := opts.Fs
		if fs == nil {
			fs = afero.NewOsFs()
		}
		return NewFileStore(fs, opts.Path)
	case "etcd":
		return NewEtcdStore(opts.EtcdEndpoints)
	case "sqlite":
		return NewSQLiteStore(opts.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown profile backend %q", opts.Backend)
	}
}

func newID() string {
	return uuid.NewString()
}

func prepareNew(p *Profile) (*Profile, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid profile: %w", err)
	}
	cp := *p
	cp.ID = newID()
	if cp.Port == 0 {
		cp.Port = DefaultPort
	}
	return &cp, nil
}
