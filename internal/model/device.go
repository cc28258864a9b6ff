package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Device is a hub device discovered through the Harmony config.
type Device struct {
	ID           uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	Protocol     string         `gorm:"uniqueIndex:idx_devices_protocol_external;not null" json:"protocol"`
	ExternalID   string         `gorm:"uniqueIndex:idx_devices_protocol_external;not null" json:"external_id"` // harmony device id
	Name         string         `json:"name"`
	Type         string         `json:"type"`
	Manufacturer string         `json:"manufacturer"`
	Model        string         `json:"model"`
	Capabilities datatypes.JSON `gorm:"type:jsonb" json:"capabilities"`
	Online       bool           `json:"online"`
	LastSeen     time.Time      `json:"last_seen"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

func (d *Device) BeforeCreate(tx *gorm.DB) (err error) {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	return nil
}
