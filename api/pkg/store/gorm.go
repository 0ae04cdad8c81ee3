package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/fleetml/fleet/api/pkg/types"
)

// ModelRow is the stored form of one config: a few queryable columns plus the
// full config as a JSON blob, so schema churn in ModelConfig never needs a
// migration.
type ModelRow struct {
	ID        string `gorm:"primaryKey"`
	Name      string
	Priority  int
	AutoStart bool
	Config    []byte `gorm:"type:blob"`
	Created   time.Time
	Updated   time.Time
}

func (ModelRow) TableName() string {
	return "model_configs"
}

type GormStore struct {
	gdb *gorm.DB

	subMu       sync.RWMutex
	subscribers []func(Change)
}

var _ ConfigStore = &GormStore{}

// NewGormStore opens the sqlite database at dsn and migrates the schema.
func NewGormStore(dsn string) (*GormStore, error) {
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: NewGormLogger(200*time.Millisecond, true),
	})
	if err != nil {
		return nil, err
	}
	if err := gdb.AutoMigrate(&ModelRow{}); err != nil {
		return nil, err
	}
	return &GormStore{gdb: gdb}, nil
}

func (s *GormStore) Subscribe(fn func(Change)) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

func (s *GormStore) notify(change Change) {
	s.subMu.RLock()
	subscribers := make([]func(Change), len(s.subscribers))
	copy(subscribers, s.subscribers)
	s.subMu.RUnlock()
	for _, fn := range subscribers {
		fn(change)
	}
}

// SaveModel upserts by model ID.
func (s *GormStore) SaveModel(ctx context.Context, config *types.ModelConfig) error {
	if config.ID == "" {
		return types.NewValidationError("cannot store a model config without an id")
	}
	now := time.Now()
	if config.CreatedAt.IsZero() {
		config.CreatedAt = now
	}
	config.UpdatedAt = now

	payload, err := json.Marshal(config)
	if err != nil {
		return err
	}
	row := ModelRow{
		ID:        config.ID,
		Name:      config.Name,
		Priority:  config.Priority,
		AutoStart: config.AutoStart,
		Config:    payload,
		Created:   config.CreatedAt,
		Updated:   config.UpdatedAt,
	}
	if err := s.gdb.WithContext(ctx).Save(&row).Error; err != nil {
		return err
	}
	s.notify(Change{Op: ChangePut, Config: config})
	return nil
}

func (s *GormStore) GetModel(ctx context.Context, id string) (*types.ModelConfig, error) {
	var row ModelRow
	err := s.gdb.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewError(types.ErrorKindValidation, types.CodeNotFound, "model %s not found in store", id)
	}
	if err != nil {
		return nil, err
	}
	return row.decode()
}

func (s *GormStore) ListModels(ctx context.Context) ([]*types.ModelConfig, error) {
	var rows []ModelRow
	if err := s.gdb.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	configs := make([]*types.ModelConfig, 0, len(rows))
	for _, row := range rows {
		config, err := row.decode()
		if err != nil {
			return nil, err
		}
		configs = append(configs, config)
	}
	return configs, nil
}

func (s *GormStore) DeleteModel(ctx context.Context, id string) error {
	config, err := s.GetModel(ctx, id)
	if err != nil {
		return err
	}
	if err := s.gdb.WithContext(ctx).Delete(&ModelRow{}, "id = ?", id).Error; err != nil {
		return err
	}
	s.notify(Change{Op: ChangeDelete, Config: config})
	return nil
}

func (r *ModelRow) decode() (*types.ModelConfig, error) {
	var config types.ModelConfig
	if err := json.Unmarshal(r.Config, &config); err != nil {
		return nil, err
	}
	return &config, nil
}
