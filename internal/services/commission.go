// internal/services/commission.go
package services

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DefaultCommissionRateBps is the platform commission, 10%.
const DefaultCommissionRateBps int64 = 1000

// CommissionPolicy decides the commission rate charged to a shop, in basis points.
type CommissionPolicy interface {
	RateBps(shopID uuid.UUID) int64
}

type FlatCommission struct {
	Bps int64
}

func NewFlatCommission(bps int64) FlatCommission {
	return FlatCommission{Bps: bps}
}

func (f FlatCommission) RateBps(uuid.UUID) int64 {
	return f.Bps
}

// Commission returns amount x bps/10000 rounded half away from zero.
func Commission(amount, bps int64) int64 {
	rate := decimal.New(bps, -4)
	return decimal.NewFromInt(amount).Mul(rate).Round(0).IntPart()
}
