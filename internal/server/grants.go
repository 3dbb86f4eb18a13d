package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	creditdomain "github.com/storybind/storybind/internal/credit/domain"
	grantdomain "github.com/storybind/storybind/internal/grant/domain"
)

type ingestGrantRequest struct {
	UserID            uuid.UUID       `json:"user_id"`
	Amount            decimal.Decimal `json:"amount"`
	Source            string          `json:"source"`
	ExternalRef       *string         `json:"external_ref"`
	VerifiedPaidCents int64           `json:"verified_paid_cents"`
}

func (s *Server) IngestGrant(c *gin.Context) {
	var req ingestGrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("body", "invalid_json", "request body must be valid json"))
		return
	}

	batch, err := s.grantSvc.Ingest(c.Request.Context(), grantdomain.IngestRequest{
		UserID:            req.UserID,
		Amount:            req.Amount,
		Source:            creditdomain.BatchSource(req.Source),
		ExternalRef:       req.ExternalRef,
		VerifiedPaidCents: req.VerifiedPaidCents,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	// A replayed grant resolves without a batch. Report it as applied so
	// webhook senders stop retrying.
	if batch == nil {
		c.JSON(http.StatusOK, gin.H{"status": "already_applied"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"batch_id": batch.ID.String(),
		"amount":   batch.OriginalAmount,
		"source":   batch.Source,
	})
}

type signupBonusRequest struct {
	UserID uuid.UUID `json:"user_id"`
}

func (s *Server) GrantSignupBonus(c *gin.Context) {
	var req signupBonusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("body", "invalid_json", "request body must be valid json"))
		return
	}

	batch, err := s.grantSvc.GrantSignupBonus(c.Request.Context(), req.UserID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if batch == nil {
		c.JSON(http.StatusOK, gin.H{"status": "already_applied"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"batch_id": batch.ID.String(),
		"amount":   batch.OriginalAmount,
	})
}
