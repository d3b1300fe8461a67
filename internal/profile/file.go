package profile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"sshdeck/internal/logging"

	"github.com/spf13/afero"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// FileStore persists profiles as a YAML document. Every mutation rewrites
// the whole file through a temporary file and a rename.
type FileStore struct {
	mu   sync.Mutex
	fs   afero.Fs
	path string
}

type profileFile struct {
	Profiles []*Profile `yaml:"profiles"`
}

// NewFileStore opens (or lazily creates) the YAML profile file at path.
func NewFileStore(fs afero.Fs, path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("profile file path is required")
	}
	s := &FileStore{fs: fs, path: path}
	// Fail early on a corrupt file.
	if _, err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) load() ([]*Profile, error) {
	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read profile file: %w", err)
	}
	var doc profileFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse profile file %s: %w", s.path, err)
	}
	return doc.Profiles, nil
}

func (s *FileStore) save(profiles []*Profile) error {
	sortProfiles(profiles)
	data, err := yaml.Marshal(profileFile{Profiles: profiles})
	if err != nil {
		return fmt.Errorf("failed to marshal profiles: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := s.fs.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create profile directory: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	// Profiles can hold passwords.
	if err := afero.WriteFile(s.fs, tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write profile file: %w", err)
	}
	if err := s.fs.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace profile file: %w", err)
	}
	logging.Logger().Debug("Profile file written",
		zap.String("path", s.path),
		zap.Int("profiles", len(profiles)))
	return nil
}

func (s *FileStore) List(ctx context.Context) ([]*Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	profiles, err := s.load()
	if err != nil {
		return nil, err
	}
	sortProfiles(profiles)
	if profiles == nil {
		profiles = []*Profile{}
	}
	return profiles, nil
}

func (s *FileStore) Get(ctx context.Context, id string) (*Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	profiles, err := s.load()
	if err != nil {
		return nil, err
	}
	for _, p := range profiles {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, fmt.Errorf("get %s: %w", id, ErrNotFound)
}

func (s *FileStore) Add(ctx context.Context, p *Profile) (*Profile, error) {
	stored, err := prepareNew(p)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	profiles, err := s.load()
	if err != nil {
		return nil, err
	}
	if err := s.save(append(profiles, stored)); err != nil {
		return nil, err
	}
	cp := *stored
	return &cp, nil
}

func (s *FileStore) Update(ctx context.Context, p *Profile) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid profile: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	profiles, err := s.load()
	if err != nil {
		return err
	}
	for i, existing := range profiles {
		if existing.ID == p.ID {
			cp := *p
			profiles[i] = &cp
			return s.save(profiles)
		}
	}
	return fmt.Errorf("update %s: %w", p.ID, ErrNotFound)
}

func (s *FileStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	profiles, err := s.load()
	if err != nil {
		return err
	}
	for i, existing := range profiles {
		if existing.ID == id {
			return s.save(append(profiles[:i], profiles[i+1:]...))
		}
	}
	return fmt.Errorf("delete %s: %w", id, ErrNotFound)
}

func (s *FileStore) Close() error { return nil }
