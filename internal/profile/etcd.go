package profile

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"sshdeck/internal/logging"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const profilesPrefix = "/sshdeck/profiles/"

// EtcdStore stores profiles as JSON values under /sshdeck/profiles/<id>.
type EtcdStore struct {
	client *clientv3.Client
}

// NewEtcdStore creates a new etcd-based profile store
func NewEtcdStore(endpoints []string) (*EtcdStore, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("etcd endpoints are required")
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	return &EtcdStore{client: cli}, nil
}

func profileKey(id string) string {
	return profilesPrefix + id
}

func (s *EtcdStore) List(ctx context.Context) ([]*Profile, error) {
	resp, err := s.client.Get(ctx, profilesPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list profiles from etcd: %w", err)
	}
	profiles := make([]*Profile, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var p Profile
		if err := json.Unmarshal(kv.Value, &p); err != nil {
			logging.Logger().Warn("Skipping malformed profile in etcd",
				zap.String("key", string(kv.Key)),
				zap.Error(err))
			continue
		}
		profiles = append(profiles, &p)
	}
	sortProfiles(profiles)
	return profiles, nil
}

func (s *EtcdStore) Get(ctx context.Context, id string) (*Profile, error) {
	resp, err := s.client.Get(ctx, profileKey(id))
	if err != nil {
		return nil, fmt.Errorf("failed to get profile from etcd: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return nil, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	var p Profile
	if err := json.Unmarshal(resp.Kvs[0].Value, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal profile: %w", err)
	}
	return &p, nil
}

func (s *EtcdStore) Add(ctx context.Context, p *Profile) (*Profile, error) {
	stored, err := prepareNew(p)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal profile: %w", err)
	}
	if _, err := s.client.Put(ctx, profileKey(stored.ID), string(data)); err != nil {
		return nil, fmt.Errorf("failed to save profile to etcd: %w", err)
	}
	return stored, nil
}

// Update only writes when the key already exists.
func (s *EtcdStore) Update(ctx context.Context, p *Profile) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid profile: %w", err)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal profile: %w", err)
	}
	key := profileKey(p.ID)
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), ">", 0)).
		Then(clientv3.OpPut(key, string(data))).
		Commit()
	if err != nil {
		return fmt.Errorf("failed to update profile in etcd: %w", err)
	}
	if !resp.Succeeded {
		return fmt.Errorf("update %s: %w", p.ID, ErrNotFound)
	}
	return nil
}

func (s *EtcdStore) Delete(ctx context.Context, id string) error {
	resp, err := s.client.Delete(ctx, profileKey(id))
	if err != nil {
		return fmt.Errorf("failed to delete profile from etcd: %w", err)
	}
	if resp.Deleted == 0 {
		return fmt.Errorf("delete %s: %w", id, ErrNotFound)
	}
	return nil
}

// Close closes the etcd client
func (s *EtcdStore) Close() error {
	return s.client.Close()
}
