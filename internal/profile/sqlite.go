package profile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// profileRecord is the gorm model behind SQLiteStore.
type profileRecord struct {
	ID                string `gorm:"primaryKey"`
	Name              string `gorm:"index"`
	Host              string `gorm:"not null"`
	Port              int
	Username          string
	AuthType          string
	Password          string
	PrivateKey        string
	Passphrase        string
	AutoReconnect     bool
	ReconnectRetries  int
	KeepAliveInterval int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (profileRecord) TableName() string { return "profiles" }

func toRecord(p *Profile) *profileRecord {
	return &profileRecord{
		ID:                p.ID,
		Name:              p.Name,
		Host:              p.Host,
		Port:              p.Port,
		Username:          p.Username,
		AuthType:          string(p.AuthType),
		Password:          p.Password,
		PrivateKey:        p.PrivateKey,
		Passphrase:        p.Passphrase,
		AutoReconnect:     p.AutoReconnect,
		ReconnectRetries:  p.ReconnectRetries,
		KeepAliveInterval: int64(p.KeepAliveInterval),
	}
}

func (r *profileRecord) toProfile() *Profile {
	return &Profile{
		ID:                r.ID,
		Name:              r.Name,
		Host:              r.Host,
		Port:              r.Port,
		Username:          r.Username,
		AuthType:          AuthType(r.AuthType),
		Password:          r.Password,
		PrivateKey:        r.PrivateKey,
		Passphrase:        r.Passphrase,
		AutoReconnect:     r.AutoReconnect,
		ReconnectRetries:  r.ReconnectRetries,
		KeepAliveInterval: time.Duration(r.KeepAliveInterval),
	}
}

// SQLiteStore keeps profiles in a local SQLite database via gorm.
type SQLiteStore struct {
	db *gorm.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(&profileRecord{}); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]*Profile, error) {
	var records []profileRecord
	if err := s.db.WithContext(ctx).Order("name, id").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	out := make([]*Profile, 0, len(records))
	for i := range records {
		out = append(out, records[i].toProfile())
	}
	return out, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Profile, error) {
	var rec profileRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return rec.toProfile(), nil
}

func (s *SQLiteStore) Add(ctx context.Context, p *Profile) (*Profile, error) {
	stored, err := prepareNew(p)
	if err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Create(toRecord(stored)).Error; err != nil {
		return nil, fmt.Errorf("create profile: %w", err)
	}
	return stored, nil
}

func (s *SQLiteStore) Update(ctx context.Context, p *Profile) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid profile: %w", err)
	}
	rec := toRecord(p)
	res := s.db.WithContext(ctx).Model(&profileRecord{}).Where("id = ?", p.ID).
		Select("*").Omit("id", "created_at").Updates(rec)
	if res.Error != nil {
		return fmt.Errorf("update profile: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("update %s: %w", p.ID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&profileRecord{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("delete profile: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("delete %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
