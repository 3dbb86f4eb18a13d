// Package domain contains persistence models for the credit ledger.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// BatchSource identifies how a credit batch was funded.
type BatchSource string

const (
	BatchSourcePurchase    BatchSource = "purchase"
	BatchSourceSignupBonus BatchSource = "signup_bonus"
	BatchSourcePromo       BatchSource = "promo"
	BatchSourceAdminGrant  BatchSource = "admin_grant"
)

// Valid reports whether the source is a known grant source.
func (s BatchSource) Valid() bool {
	switch s {
	case BatchSourcePurchase, BatchSourceSignupBonus, BatchSourcePromo, BatchSourceAdminGrant:
		return true
	default:
		return false
	}
}

// UsageStatus is the reservation state machine. A row leaves "reserved"
// exactly once and never changes again.
type UsageStatus string

const (
	UsageStatusReserved  UsageStatus = "reserved"
	UsageStatusConfirmed UsageStatus = "confirmed"
	UsageStatusRefunded  UsageStatus = "refunded"
)

// CreditBatch is one grant of prepaid credits. Batches are never deleted,
// only drawn down to zero and restored on release.
type CreditBatch struct {
	ID              snowflake.ID    `gorm:"primaryKey"`
	UserID          uuid.UUID       `gorm:"type:uuid;not null;index"`
	OriginalAmount  decimal.Decimal `gorm:"type:numeric(10,2);not null"`
	RemainingAmount decimal.Decimal `gorm:"type:numeric(10,2);not null"`
	Source          BatchSource     `gorm:"type:text;not null"`
	ExternalRef     *string         `gorm:"type:text"`
	CreatedAt       time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CreditBatch) TableName() string { return "credit_batches" }

// BatchDraw records how much one reservation drew from one batch.
type BatchDraw struct {
	BatchID snowflake.ID    `json:"batch_id"`
	Amount  decimal.Decimal `json:"amount"`
}

// UsageLogEntry is one reservation attempt against a user's batches.
// BatchesConsumed is authoritative for refunds and always sums to
// CreditsUsed.
type UsageLogEntry struct {
	ID              snowflake.ID                     `gorm:"primaryKey"`
	UserID          uuid.UUID                        `gorm:"type:uuid;not null;index"`
	JobID           uuid.UUID                        `gorm:"type:uuid;not null"`
	JobType         string                           `gorm:"type:text;not null"`
	CreditsUsed     decimal.Decimal                  `gorm:"type:numeric(10,2);not null"`
	Status          UsageStatus                      `gorm:"type:text;not null;default:reserved"`
	BatchesConsumed datatypes.JSONType[[]BatchDraw]  `gorm:"type:jsonb"`
	Description     string                           `gorm:"type:text"`
	Metadata        datatypes.JSONMap                `gorm:"type:jsonb"`
	CreatedAt       time.Time                        `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time                        `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (UsageLogEntry) TableName() string { return "credit_usage_logs" }
