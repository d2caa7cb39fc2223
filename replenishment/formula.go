// Package replenishment computes reorder points from usage history and turns
// the recommendations into purchase orders.
package replenishment

import "github.com/shopspring/decimal"

// Inputs are the per-SKU figures a reorder point is derived from.
type Inputs struct {
	AverageDailyUsage decimal.Decimal
	MaximumDailyUsage decimal.Decimal
	LeadTimeDays      int
	CurrentStock      decimal.Decimal
	PendingQuantity   decimal.Decimal
	YetToBeReceived   decimal.Decimal
}

type Figures struct {
	LeadTimeDemand    decimal.Decimal
	SafetyStock       decimal.Decimal
	Rop               decimal.Decimal
	SuggestedQuantity decimal.Decimal
}

// ComputeROP is pure. The suggested quantity is rounded up to a whole unit and never negative.
func ComputeROP(in Inputs) Figures {
	lead := decimal.NewFromInt(int64(in.LeadTimeDays))
	ltd := in.AverageDailyUsage.Mul(lead)
	ss := in.MaximumDailyUsage.Sub(in.AverageDailyUsage).Mul(lead)
	if ss.IsNegative() {
		ss = decimal.Zero
	}
	rop := ltd.Add(ss)
	sq := rop.Add(in.PendingQuantity).Sub(in.CurrentStock).Sub(in.YetToBeReceived).Ceil()
	if sq.IsNegative() {
		sq = decimal.Zero
	}
	return Figures{
		LeadTimeDemand:    ltd.Round(4),
		SafetyStock:       ss.Round(4),
		Rop:               rop.Round(4),
		SuggestedQuantity: sq,
	}
}
