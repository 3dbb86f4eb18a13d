package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Repository is the data access contract for the two ledger tables.
// Methods take the transaction handle so the service controls the
// transaction boundary; locking methods must be called inside one.
type Repository interface {
	// LockBatchesForReserve locks every batch of the user that still has
	// credit, ordered ascending by creation time with the id as tie-break.
	LockBatchesForReserve(ctx context.Context, db *gorm.DB, userID uuid.UUID) ([]CreditBatch, error)

	// LockBatchByID locks a single batch. Returns nil when the batch does
	// not exist.
	LockBatchByID(ctx context.Context, db *gorm.DB, batchID snowflake.ID) (*CreditBatch, error)

	// UpdateBatchRemaining persists a new remaining amount for a batch the
	// caller already holds a lock on.
	UpdateBatchRemaining(ctx context.Context, db *gorm.DB, batchID snowflake.ID, remaining decimal.Decimal, now time.Time) error

	InsertBatch(ctx context.Context, db *gorm.DB, batch *CreditBatch) error

	InsertUsageLog(ctx context.Context, db *gorm.DB, entry *UsageLogEntry) error

	// FindUsageLogForUpdate locks a usage log row. When userID is non-nil
	// the row must also belong to that user; an ownership mismatch returns
	// nil exactly like a missing row.
	FindUsageLogForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID, userID *uuid.UUID) (*UsageLogEntry, error)

	// UpdateUsageLogStatus transitions a row from one status to another.
	// The from-status guard makes the transition a no-op when the row has
	// already left "reserved".
	UpdateUsageLogStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to UsageStatus, now time.Time) (bool, error)

	SumRemaining(ctx context.Context, db *gorm.DB, userID uuid.UUID) (decimal.Decimal, error)

	ListUsage(ctx context.Context, db *gorm.DB, userID uuid.UUID, limit int) ([]UsageLogEntry, error)

	// ListStaleReservedIDs returns ids of reserved rows created before the
	// cutoff, oldest first. No locks are taken; the release path re-checks
	// status under its own lock.
	ListStaleReservedIDs(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]snowflake.ID, error)
}
