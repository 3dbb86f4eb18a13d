package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	creditdomain "github.com/storybind/storybind/internal/credit/domain"
)

const defaultUsageLimit = 50

// userIDFromHeader reads the authenticated user from X-User-Id, placed
// there by the gateway in front of this service.
func userIDFromHeader(c *gin.Context) (uuid.UUID, error) {
	raw := strings.TrimSpace(c.GetHeader("X-User-Id"))
	if raw == "" {
		return uuid.Nil, newValidationError("X-User-Id", "missing_user", "user header is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, newValidationError("X-User-Id", "invalid_user", "user header must be a uuid")
	}
	return id, nil
}

func (s *Server) GetBalance(c *gin.Context) {
	userID, err := userIDFromHeader(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	balance, err := s.creditSvc.GetBalance(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id": userID.String(),
		"balance": balance,
	})
}

func (s *Server) ListUsage(c *gin.Context) {
	userID, err := userIDFromHeader(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	limit := defaultUsageLimit
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			AbortWithError(c, newValidationError("limit", "invalid_limit", "limit must be an integer"))
			return
		}
		limit = parsed
	}

	entries, err := s.creditSvc.ListUsage(c.Request.Context(), userID, limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": entries})
}

type reserveRequest struct {
	UserID      uuid.UUID       `json:"user_id"`
	Amount      decimal.Decimal `json:"amount"`
	JobID       uuid.UUID       `json:"job_id"`
	JobType     string          `json:"job_type"`
	Description string          `json:"description"`
	Metadata    map[string]any  `json:"metadata"`
}

func (s *Server) ReserveCredits(c *gin.Context) {
	var req reserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("body", "invalid_json", "request body must be valid json"))
		return
	}
	if strings.TrimSpace(req.JobType) == "" {
		AbortWithError(c, newValidationError("job_type", "missing_job_type", "job_type is required"))
		return
	}

	usageLogID, err := s.creditSvc.Reserve(c.Request.Context(), creditdomain.ReserveRequest{
		UserID:      req.UserID,
		Amount:      req.Amount,
		JobID:       req.JobID,
		JobType:     req.JobType,
		Description: req.Description,
		Metadata:    req.Metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"usage_log_id": usageLogID.String(),
		"status":       creditdomain.UsageStatusReserved,
	})
}

// reservationActor optionally scopes confirm/release to a row owner. An
// absent body means the caller is trusted and skips the ownership check.
type reservationActor struct {
	UserID *uuid.UUID `json:"user_id"`
}

func parseUsageLogID(c *gin.Context) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(c.Param("id")))
	if err != nil {
		return 0, newValidationError("id", "invalid_id", "reservation id is not valid")
	}
	return id, nil
}

func parseReservationActor(c *gin.Context) (*uuid.UUID, error) {
	if c.Request.ContentLength == 0 {
		return nil, nil
	}
	var actor reservationActor
	if err := c.ShouldBindJSON(&actor); err != nil {
		return nil, newValidationError("body", "invalid_json", "request body must be valid json")
	}
	return actor.UserID, nil
}

func (s *Server) ConfirmReservation(c *gin.Context) {
	id, err := parseUsageLogID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	actor, err := parseReservationActor(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if err := s.creditSvc.Confirm(c.Request.Context(), id, actor); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) ReleaseReservation(c *gin.Context) {
	id, err := parseUsageLogID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	actor, err := parseReservationActor(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if err := s.creditSvc.Release(c.Request.Context(), id, actor); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
