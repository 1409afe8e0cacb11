package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// OutboxMessage is a side-effect record written in the same database
// transaction as the state change that produced it.
type OutboxMessage struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt   time.Time      `gorm:"index" json:"created_at"`
	Topic       string         `gorm:"size:64;not null" json:"topic"`
	AggregateID string         `gorm:"size:64;not null;index" json:"aggregate_id"`
	Payload     datatypes.JSON `gorm:"not null" json:"payload"`
	PublishedAt *time.Time     `gorm:"index" json:"published_at"`
	Attempts    int            `gorm:"not null;default:0" json:"attempts"`
	LastError   string         `gorm:"type:text" json:"last_error,omitempty"`
}

// TableName overrides the table name
func (OutboxMessage) TableName() string {
	return "outbox_messages"
}

// CallbackAnomaly records a provider callback whose outcome contradicts a
// transaction that already reached a terminal status.
type CallbackAnomaly struct {
	ID                uint              `gorm:"primaryKey" json:"id"`
	CreatedAt         time.Time         `json:"created_at"`
	TransactionID     uuid.UUID         `gorm:"type:uuid;not null;index" json:"transaction_id"`
	ProviderReference string            `gorm:"size:128;not null" json:"provider_reference"`
	StoredStatus      TransactionStatus `gorm:"size:20;not null" json:"stored_status"`
	ClaimedOutcome    string            `gorm:"size:20;not null" json:"claimed_outcome"`
	Payload           datatypes.JSON    `json:"payload,omitempty"`
}

// TableName overrides the table name
func (CallbackAnomaly) TableName() string {
	return "callback_anomalies"
}
