package domain

import (
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func batch(id int64, remaining string) CreditBatch {
	return CreditBatch{
		ID:              snowflake.ID(id),
		RemainingAmount: decimal.RequireFromString(remaining),
	}
}

func TestPlanConsumption_SingleBatch(t *testing.T) {
	batches := []CreditBatch{batch(1, "10.00")}

	draws, shortfall := PlanConsumption(batches, decimal.RequireFromString("4.00"))

	require.Len(t, draws, 1)
	assert.Equal(t, snowflake.ID(1), draws[0].BatchID)
	assert.True(t, draws[0].Amount.Equal(decimal.RequireFromString("4.00")))
	assert.True(t, shortfall.IsZero())
}

func TestPlanConsumption_SpansBatchesInOrder(t *testing.T) {
	batches := []CreditBatch{
		batch(1, "3.00"),
		batch(2, "10.00"),
	}

	draws, shortfall := PlanConsumption(batches, decimal.RequireFromString("5.00"))

	require.Len(t, draws, 2)
	assert.Equal(t, snowflake.ID(1), draws[0].BatchID)
	assert.True(t, draws[0].Amount.Equal(decimal.RequireFromString("3.00")))
	assert.Equal(t, snowflake.ID(2), draws[1].BatchID)
	assert.True(t, draws[1].Amount.Equal(decimal.RequireFromString("2.00")))
	assert.True(t, shortfall.IsZero())
}

func TestPlanConsumption_SkipsEmptyBatches(t *testing.T) {
	batches := []CreditBatch{
		batch(1, "0.00"),
		batch(2, "5.00"),
	}

	draws, shortfall := PlanConsumption(batches, decimal.RequireFromString("5.00"))

	require.Len(t, draws, 1)
	assert.Equal(t, snowflake.ID(2), draws[0].BatchID)
	assert.True(t, shortfall.IsZero())
}

func TestPlanConsumption_Shortfall(t *testing.T) {
	batches := []CreditBatch{
		batch(1, "3.00"),
		batch(2, "1.50"),
	}

	draws, shortfall := PlanConsumption(batches, decimal.RequireFromString("5.00"))

	assert.Nil(t, draws)
	assert.True(t, shortfall.Equal(decimal.RequireFromString("0.50")))
}

func TestPlanConsumption_NoBatches(t *testing.T) {
	draws, shortfall := PlanConsumption(nil, decimal.RequireFromString("1.00"))

	assert.Nil(t, draws)
	assert.True(t, shortfall.Equal(decimal.RequireFromString("1.00")))
}

func TestPlanConsumption_ExactDrain(t *testing.T) {
	batches := []CreditBatch{
		batch(1, "2.00"),
		batch(2, "3.00"),
	}

	draws, shortfall := PlanConsumption(batches, decimal.RequireFromString("5.00"))

	require.Len(t, draws, 2)
	assert.True(t, shortfall.IsZero())

	total := decimal.Zero
	for _, d := range draws {
		total = total.Add(d.Amount)
	}
	assert.True(t, total.Equal(decimal.RequireFromString("5.00")))
}

func TestTotalRemaining(t *testing.T) {
	batches := []CreditBatch{
		batch(1, "2.25"),
		batch(2, "0.00"),
		batch(3, "3.75"),
	}

	assert.True(t, TotalRemaining(batches).Equal(decimal.RequireFromString("6.00")))
	assert.True(t, TotalRemaining(nil).IsZero())
}
