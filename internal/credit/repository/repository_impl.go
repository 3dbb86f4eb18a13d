package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	creditdomain "github.com/storybind/storybind/internal/credit/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() creditdomain.Repository {
	return &repo{}
}

func (r *repo) LockBatchesForReserve(ctx context.Context, db *gorm.DB, userID uuid.UUID) ([]creditdomain.CreditBatch, error) {
	query := `SELECT id, user_id, original_amount, remaining_amount, source, external_ref,
	          created_at, updated_at
	          FROM credit_batches
	          WHERE user_id = ? AND remaining_amount > 0
	          ORDER BY created_at ASC, id ASC`
	if db.Dialector.Name() != "sqlite" {
		query += " FOR UPDATE"
	}

	var batches []creditdomain.CreditBatch
	if err := db.WithContext(ctx).Raw(query, userID).Scan(&batches).Error; err != nil {
		return nil, err
	}
	return batches, nil
}

func (r *repo) LockBatchByID(ctx context.Context, db *gorm.DB, batchID snowflake.ID) (*creditdomain.CreditBatch, error) {
	query := `SELECT id, user_id, original_amount, remaining_amount, source, external_ref,
	          created_at, updated_at
	          FROM credit_batches
	          WHERE id = ?`
	if db.Dialector.Name() != "sqlite" {
		query += " FOR UPDATE"
	}

	var batch creditdomain.CreditBatch
	if err := db.WithContext(ctx).Raw(query, batchID).Scan(&batch).Error; err != nil {
		return nil, err
	}
	if batch.ID == 0 {
		return nil, nil
	}
	return &batch, nil
}

func (r *repo) UpdateBatchRemaining(ctx context.Context, db *gorm.DB, batchID snowflake.ID, remaining decimal.Decimal, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE credit_batches
		 SET remaining_amount = ?, updated_at = ?
		 WHERE id = ?`,
		remaining,
		now,
		batchID,
	).Error
}

func (r *repo) InsertBatch(ctx context.Context, db *gorm.DB, batch *creditdomain.CreditBatch) error {
	return db.WithContext(ctx).Create(batch).Error
}

func (r *repo) InsertUsageLog(ctx context.Context, db *gorm.DB, entry *creditdomain.UsageLogEntry) error {
	return db.WithContext(ctx).Create(entry).Error
}

func (r *repo) FindUsageLogForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID, userID *uuid.UUID) (*creditdomain.UsageLogEntry, error) {
	query := `SELECT id, user_id, job_id, job_type, credits_used, status, batches_consumed,
	          description, metadata, created_at, updated_at
	          FROM credit_usage_logs
	          WHERE id = ?`
	args := []any{id}
	if userID != nil {
		query += ` AND user_id = ?`
		args = append(args, *userID)
	}
	if db.Dialector.Name() != "sqlite" {
		query += " FOR UPDATE"
	}

	var entry creditdomain.UsageLogEntry
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&entry).Error; err != nil {
		return nil, err
	}
	if entry.ID == 0 {
		return nil, nil
	}
	return &entry, nil
}

func (r *repo) UpdateUsageLogStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to creditdomain.UsageStatus, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE credit_usage_logs
		 SET status = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		to,
		now,
		id,
		from,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) SumRemaining(ctx context.Context, db *gorm.DB, userID uuid.UUID) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(remaining_amount), 0)
		 FROM credit_batches
		 WHERE user_id = ?`,
		userID,
	).Scan(&total).Error
	if err != nil {
		return decimal.Zero, err
	}
	return total, nil
}

func (r *repo) ListUsage(ctx context.Context, db *gorm.DB, userID uuid.UUID, limit int) ([]creditdomain.UsageLogEntry, error) {
	var entries []creditdomain.UsageLogEntry
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, job_id, job_type, credits_used, status, batches_consumed,
		 description, metadata, created_at, updated_at
		 FROM credit_usage_logs
		 WHERE user_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		userID,
		limit,
	).Scan(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *repo) ListStaleReservedIDs(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := db.WithContext(ctx).Raw(
		`SELECT id
		 FROM credit_usage_logs
		 WHERE status = ? AND created_at < ?
		 ORDER BY created_at ASC, id ASC
		 LIMIT ?`,
		creditdomain.UsageStatusReserved,
		cutoff,
		limit,
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}
