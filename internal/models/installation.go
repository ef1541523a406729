package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type InstallationStatus string

const (
	InstallationStatusSucceeded InstallationStatus = "SUCCEEDED"
	InstallationStatusFailed    InstallationStatus = "FAILED"
)

// Installation records one run of the relay script (re)registration.
type Installation struct {
	ID           string             `json:"id" gorm:"primaryKey"`
	Shop         string             `json:"shop" gorm:"index;not null"`
	TrackingID   string             `json:"tracking_id" gorm:"not null"`
	ScriptSrc    string             `json:"script_src"`
	ScriptTagID  int64              `json:"script_tag_id"`
	Status       InstallationStatus `json:"status" gorm:"not null"`
	Attempts     int                `json:"attempts"`
	DeletedCount int                `json:"deleted_count"`
	Error        string             `json:"error,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
}

func (i *Installation) BeforeCreate(tx *gorm.DB) error {
	if i.ID == "" {
		i.ID = uuid.New().String()
	}
	return nil
}
