// Package ledger computes the financial snapshot of an order. It performs no
// I/O: every external figure (shipping quote, tax, processing fee) is an input.
//
// All amounts are integer minor currency units. The commission rate is the
// only fractional input; commission is computed per line with banker's
// rounding (round half to even) and the rounded line fees are summed.
package ledger

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	ErrNoLines          = errors.New("ledger: at least one line is required")
	ErrNegativeAmount   = errors.New("ledger: amounts must not be negative")
	ErrInvalidQuantity  = errors.New("ledger: quantity must be positive")
	ErrInvalidRate      = errors.New("ledger: commission rate must be within [0, 1]")
	ErrFeeExceedsPayout = errors.New("ledger: transaction fee exceeds buyer total")
)

type Line struct {
	UnitPriceCents int64
	Quantity       int
}

func (l Line) TotalCents() int64 {
	return l.UnitPriceCents * int64(l.Quantity)
}

type Input struct {
	Lines []Line
	// OfferAmountCents replaces the line totals as the items total when set.
	OfferAmountCents    *int64
	ShippingTotalCents  int64
	TaxTotalCents       int64
	CommissionRate      decimal.Decimal
	TransactionFeeCents int64
}

type Totals struct {
	ItemsTotalCents     int64
	ShippingTotalCents  int64
	TaxTotalCents       int64
	BuyerTotalCents     int64
	CommissionRate      decimal.Decimal
	CommissionFeeCents  int64
	LineCommissionCents []int64
	TransactionFeeCents int64
	SellerTotalCents    int64
}

func Compute(in Input) (Totals, error) {
	if len(in.Lines) == 0 && in.OfferAmountCents == nil {
		return Totals{}, ErrNoLines
	}
	if in.ShippingTotalCents < 0 || in.TaxTotalCents < 0 || in.TransactionFeeCents < 0 {
		return Totals{}, ErrNegativeAmount
	}
	if in.CommissionRate.IsNegative() || in.CommissionRate.GreaterThan(decimal.NewFromInt(1)) {
		return Totals{}, ErrInvalidRate
	}

	var t Totals
	if in.OfferAmountCents != nil {
		if *in.OfferAmountCents < 0 {
			return Totals{}, ErrNegativeAmount
		}
		t.ItemsTotalCents = *in.OfferAmountCents
		fee := CommissionFee(t.ItemsTotalCents, in.CommissionRate)
		t.LineCommissionCents = []int64{fee}
		t.CommissionFeeCents = fee
	} else {
		t.LineCommissionCents = make([]int64, len(in.Lines))
		for i, l := range in.Lines {
			if l.Quantity <= 0 {
				return Totals{}, ErrInvalidQuantity
			}
			if l.UnitPriceCents < 0 {
				return Totals{}, ErrNegativeAmount
			}
			lineTotal := l.TotalCents()
			fee := CommissionFee(lineTotal, in.CommissionRate)
			t.ItemsTotalCents += lineTotal
			t.LineCommissionCents[i] = fee
			t.CommissionFeeCents += fee
		}
	}

	t.ShippingTotalCents = in.ShippingTotalCents
	t.TaxTotalCents = in.TaxTotalCents
	t.BuyerTotalCents = t.ItemsTotalCents + t.ShippingTotalCents + t.TaxTotalCents
	t.CommissionRate = in.CommissionRate
	return WithTransactionFee(t, in.TransactionFeeCents)
}

// CommissionFee rounds amount*rate half-to-even.
func CommissionFee(amountCents int64, rate decimal.Decimal) int64 {
	return decimal.NewFromInt(amountCents).Mul(rate).RoundBank(0).IntPart()
}

// WithTransactionFee stores the gateway-reported processing fee and
// recomputes the seller payout.
func WithTransactionFee(t Totals, feeCents int64) (Totals, error) {
	if feeCents < 0 {
		return Totals{}, ErrNegativeAmount
	}
	if feeCents > t.BuyerTotalCents {
		return Totals{}, ErrFeeExceedsPayout
	}
	t.TransactionFeeCents = feeCents
	t.SellerTotalCents = t.BuyerTotalCents - feeCents - t.CommissionFeeCents
	return t, nil
}
