package domain

import "github.com/shopspring/decimal"

// PlanConsumption walks the given batches in order and plans how a
// reservation of amount would be funded. Batches must already be sorted
// oldest first; the walk draws min(remaining, still needed) from each.
//
// It returns the per-batch draws and the shortfall left after every batch
// is exhausted. A zero shortfall means the plan fully funds the amount; a
// positive shortfall means the caller must abort without mutating anything.
//
// The function is pure so FIFO behavior can be tested without a database.
func PlanConsumption(batches []CreditBatch, amount decimal.Decimal) ([]BatchDraw, decimal.Decimal) {
	remaining := amount
	draws := make([]BatchDraw, 0, len(batches))

	for _, batch := range batches {
		if remaining.Sign() <= 0 {
			break
		}
		if batch.RemainingAmount.Sign() <= 0 {
			continue
		}
		draw := decimal.Min(batch.RemainingAmount, remaining)
		draws = append(draws, BatchDraw{BatchID: batch.ID, Amount: draw})
		remaining = remaining.Sub(draw)
	}

	if remaining.Sign() > 0 {
		return nil, remaining
	}
	return draws, decimal.Zero
}

// TotalRemaining sums the remaining amounts of the given batches.
func TotalRemaining(batches []CreditBatch) decimal.Decimal {
	total := decimal.Zero
	for _, batch := range batches {
		total = total.Add(batch.RemainingAmount)
	}
	return total
}
