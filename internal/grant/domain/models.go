// Package domain defines the grant ingestion contract. Grants are the only
// way credit batches come into existence.
package domain

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	creditdomain "github.com/storybind/storybind/internal/credit/domain"
)

// IngestRequest describes one verified grant event, typically emitted by a
// payment webhook handler after provider-side verification.
type IngestRequest struct {
	UserID uuid.UUID
	Amount decimal.Decimal
	Source creditdomain.BatchSource

	// ExternalRef is the provider-side event id. Required for purchases;
	// replays of the same ref are absorbed as no-ops.
	ExternalRef *string

	// VerifiedPaidCents is the amount the provider confirmed was actually
	// paid. Only checked for the purchase source.
	VerifiedPaidCents int64
}

// Service ingests grants idempotently. Both methods return the created
// batch, or (nil, nil) when the grant already existed.
type Service interface {
	Ingest(ctx context.Context, req IngestRequest) (*creditdomain.CreditBatch, error)

	// GrantSignupBonus credits the configured one-time bonus. At most one
	// bonus per user ever lands; repeats are no-ops.
	GrantSignupBonus(ctx context.Context, userID uuid.UUID) (*creditdomain.CreditBatch, error)
}

var (
	ErrInvalidUser        = errors.New("invalid_user")
	ErrInvalidAmount      = errors.New("invalid_amount")
	ErrInvalidSource      = errors.New("invalid_source")
	ErrMissingExternalRef = errors.New("missing_external_ref")

	// ErrUnderpaidGrant means the verified payment does not cover the
	// requested credits at the configured unit price.
	ErrUnderpaidGrant = errors.New("underpaid_grant")
)
