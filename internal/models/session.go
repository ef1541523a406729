package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Session holds the offline access token granted to the app for a shop.
type Session struct {
	ID          string    `json:"id" gorm:"primaryKey"`
	Shop        string    `json:"shop" gorm:"uniqueIndex;not null"`
	AccessToken string    `json:"-" gorm:"not null"`
	Scope       string    `json:"scope"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (s *Session) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	return nil
}
