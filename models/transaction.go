package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type TransactionStatus string

const (
	StatusPending           TransactionStatus = "PENDING"
	StatusProviderSubmitted TransactionStatus = "PROVIDER_SUBMITTED"
	StatusCompleted         TransactionStatus = "COMPLETED"
	StatusFailed            TransactionStatus = "FAILED"
	StatusRefunded          TransactionStatus = "REFUNDED"
)

// IsTerminal reports whether no further status transition is allowed.
// COMPLETED still accepts a refund, which is handled outside the callback path.
func (s TransactionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusRefunded
}

func (s TransactionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProviderSubmitted, StatusCompleted, StatusFailed, StatusRefunded:
		return true
	}
	return false
}

// ReleaseState tracks disbursement of escrowed funds to the payee. It is kept
// apart from Status, which stays COMPLETED once funds are captured.
type ReleaseState string

const (
	ReleaseNone     ReleaseState = "NONE"
	ReleaseInFlight ReleaseState = "IN_FLIGHT"
	ReleaseDone     ReleaseState = "RELEASED"
)

// Transaction is the escrow ledger record. Rows are never deleted.
type Transaction struct {
	ID                   uuid.UUID         `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `gorm:"index" json:"updated_at"`
	JobID                *uint             `gorm:"index" json:"job_id"`
	ProposalID           *uint             `json:"proposal_id,omitempty"`
	PayerID              uint              `gorm:"not null;index:idx_transactions_payer_status,priority:1" json:"payer_id"`
	PayeeID              *uint             `gorm:"index:idx_transactions_payee_status,priority:1" json:"payee_id"`
	GrossAmount          decimal.Decimal   `gorm:"type:numeric(18,2);not null" json:"gross_amount"`
	FeePercentage        decimal.Decimal   `gorm:"type:numeric(5,2);not null" json:"fee_percentage"`
	PlatformFee          decimal.Decimal   `gorm:"type:numeric(18,2);not null" json:"platform_fee"`
	Currency             string            `gorm:"size:10;not null" json:"currency"`
	Status               TransactionStatus `gorm:"size:20;not null;index:idx_transactions_payer_status,priority:2;index:idx_transactions_payee_status,priority:2" json:"status"`
	TransactionReference string            `gorm:"uniqueIndex;size:128;not null" json:"transaction_reference"`
	ProviderReference    *string           `gorm:"uniqueIndex;size:128" json:"provider_reference"`
	Provider             string            `gorm:"size:32;not null" json:"provider"`
	PayerContact         string            `gorm:"size:64" json:"-"`
	Description          string            `gorm:"type:text" json:"description"`
	ProviderPayload      datatypes.JSON    `json:"provider_payload,omitempty"`
	CompletedAt          *time.Time        `json:"completed_at"`
	ErrorMessage         *string           `gorm:"type:text" json:"error_message"`
	RefundedAt           *time.Time        `json:"refunded_at,omitempty"`
	ReleaseState         ReleaseState      `gorm:"size:16;not null;default:'NONE'" json:"release_state"`
	ReleasedAt           *time.Time        `json:"released_at,omitempty"`
}

// TableName overrides the table name
func (Transaction) TableName() string {
	return "transactions"
}

// NetAmount is what the payee receives. It is derived on every call so it can
// never drift from GrossAmount and PlatformFee.
func (t *Transaction) NetAmount() decimal.Decimal {
	return t.GrossAmount.Sub(t.PlatformFee)
}

// IsParty reports whether userID is the payer or the payee of record.
func (t *Transaction) IsParty(userID uint) bool {
	if t.PayerID == userID {
		return true
	}
	return t.PayeeID != nil && *t.PayeeID == userID
}
