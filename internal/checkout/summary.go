package checkout

import (
	"github.com/shopspring/decimal"

	"bookmart/internal/cart"
)

var (
	FreeShippingOver = decimal.NewFromInt(35)
	ShippingFee      = decimal.RequireFromString("4.99")
	TaxRate          = decimal.RequireFromString("0.08")
)

// Summary is the order summary shown beside the cart and at checkout.
type Summary struct {
	Subtotal decimal.Decimal
	Shipping decimal.Decimal
	Tax      decimal.Decimal
	Total    decimal.Decimal
	// UntilFreeShipping is how much more would waive the fee; zero once
	// shipping is free.
	UntilFreeShipping decimal.Decimal
}

func (s Summary) FreeShipping() bool { return s.Shipping.IsZero() }

// Summarize derives shipping, tax and total from a cart snapshot.
func Summarize(snap cart.Snapshot) Summary {
	sub := snap.Subtotal
	sum := Summary{Subtotal: sub, Shipping: decimal.Zero, UntilFreeShipping: decimal.Zero}
	if !sub.GreaterThan(FreeShippingOver) {
		sum.Shipping = ShippingFee
		sum.UntilFreeShipping = FreeShippingOver.Sub(sub)
	}
	sum.Tax = sub.Mul(TaxRate).Round(2)
	sum.Total = sub.Add(sum.Shipping).Add(sum.Tax)
	return sum
}
