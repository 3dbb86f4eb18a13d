package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ReserveRequest asks for credits to be held before a billable job starts.
type ReserveRequest struct {
	UserID      uuid.UUID
	Amount      decimal.Decimal
	JobID       uuid.UUID
	JobType     string
	Description string
	Metadata    map[string]any
}

// UsageEntry is the public projection of a usage log row. Raw metadata is
// deliberately absent.
type UsageEntry struct {
	ID          string          `json:"id"`
	JobID       string          `json:"job_id"`
	JobType     string          `json:"job_type"`
	CreditsUsed decimal.Decimal `json:"credits_used"`
	Status      UsageStatus     `json:"status"`
	Description string          `json:"description"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Service is the reserve/confirm/release contract exposed to job
// orchestrators, plus the read surface for the API layer.
//
// Confirm and Release are idempotent: calling either on a row that already
// left "reserved" is a silent no-op. A userID filter that does not match
// the row's owner behaves exactly like a missing row.
type Service interface {
	Reserve(ctx context.Context, req ReserveRequest) (snowflake.ID, error)
	Confirm(ctx context.Context, usageLogID snowflake.ID, userID *uuid.UUID) error
	Release(ctx context.Context, usageLogID snowflake.ID, userID *uuid.UUID) error

	GetBalance(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error)
	ListUsage(ctx context.Context, userID uuid.UUID, limit int) ([]UsageEntry, error)

	// StaleReservationIDs lists reserved rows older than the cutoff for the
	// reaper. Selection takes no locks; Release re-checks under its own.
	StaleReservationIDs(ctx context.Context, cutoff time.Time, limit int) ([]snowflake.ID, error)
}

var (
	ErrInvalidAmount = errors.New("invalid_amount")
	ErrInvalidUser   = errors.New("invalid_user")

	// ErrTransientStore wraps lock or commit failures that are safe to
	// retry from scratch.
	ErrTransientStore = errors.New("transient_store_failure")
)

// InsufficientCreditsError reports a reservation that could not be funded.
// The numeric figures are for logs and trusted callers only; public
// responses must carry just the generic message.
type InsufficientCreditsError struct {
	Balance  decimal.Decimal
	Required decimal.Decimal
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: have %s, need %s", e.Balance, e.Required)
}
