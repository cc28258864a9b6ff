package store

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/PetoAdam/homenavi/harmony-adapter/internal/model"
)

type Repository struct {
	db *gorm.DB
}

// EntityState is the last state published for a harmony entity.
type EntityState struct {
	EntityID  string          `gorm:"primaryKey"`
	State     json.RawMessage `gorm:"type:jsonb"`
	UpdatedAt time.Time
}

func NewRepository(dsn string) (*Repository, error) {
	gormLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold:             2 * time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLogger})
	if err != nil {
		return nil, err
	}
	return New(db)
}

// New migrates and wraps an already opened database.
func New(db *gorm.DB) (*Repository, error) {
	if err := db.AutoMigrate(&model.Device{}, &EntityState{}); err != nil {
		return nil, err
	}
	return &Repository{db: db}, nil
}

// UpsertDevice inserts the device or refreshes the stored record for the same
// protocol and external id, keeping its original id.
func (r *Repository) UpsertDevice(ctx context.Context, d *model.Device) error {
	now := time.Now().UTC()
	existing, err := r.GetByExternal(ctx, d.Protocol, d.ExternalID)
	if err != nil {
		return err
	}
	if existing != nil {
		d.ID = existing.ID
		d.CreatedAt = existing.CreatedAt
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	return r.db.WithContext(ctx).Save(d).Error
}

func (r *Repository) GetByExternal(ctx context.Context, protocol, externalID string) (*model.Device, error) {
	var dev model.Device
	if err := r.db.WithContext(ctx).Where(&model.Device{Protocol: protocol, ExternalID: externalID}).First(&dev).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &dev, nil
}

func (r *Repository) TouchOnline(ctx context.Context, protocol, externalID string) error {
	return r.db.WithContext(ctx).Model(&model.Device{}).
		Where(&model.Device{Protocol: protocol, ExternalID: externalID}).
		Updates(map[string]any{"online": true, "last_seen": time.Now().UTC()}).Error
}

func (r *Repository) SaveEntityState(ctx context.Context, entityID string, state json.RawMessage) error {
	es := &EntityState{EntityID: entityID, State: state, UpdatedAt: time.Now().UTC()}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "entity_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"state", "updated_at"}),
	}).Create(es).Error
}
