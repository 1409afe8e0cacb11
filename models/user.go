package models

import (
	"time"
)

// User is the read side of the platform's user table. Profiles are managed
// elsewhere; payments only need contact details for the providers.
type User struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	Email          string    `gorm:"uniqueIndex;size:255;not null" json:"email"`
	Name           string    `gorm:"size:255;not null" json:"name"`
	PhoneNumber    string    `gorm:"size:20" json:"phone_number"`
	StellarAddress string    `gorm:"size:56" json:"stellar_address"`
	Role           string    `gorm:"size:20;default:'client'" json:"role"` // admin, client, freelancer

	// Saved mobile money method. Set by the profile service.
	MobileMoneyProvider string `gorm:"size:32" json:"mobile_money_provider"`
	MobileMoneyNumber   string `gorm:"size:20" json:"mobile_money_number"`
}

// TableName overrides the table name
func (User) TableName() string {
	return "users"
}
