package service

import (
	"github.com/shopspring/decimal"

	"possync/backend/internal/domain"
)

// Line is a cart line with its price already resolved.
type Line struct {
	ProductID   string
	ProductName string
	Quantity    int
	UnitPrice   decimal.Decimal
	// Discount is a percentage of the line amount.
	Discount decimal.Decimal
}

type Totals struct {
	Items    []domain.SaleItem
	Subtotal decimal.Decimal
	Discount decimal.Decimal
	Tax      decimal.Decimal
	Total    decimal.Decimal
}

// ComputeTotals prices a cart. Line discounts apply first, the global
// percentage then applies to what remains, and tax is charged on the
// discounted amount. Every money value is rounded to cents.
func ComputeTotals(lines []Line, discountPercent decimal.Decimal, taxRate decimal.Decimal) (Totals, error) {
	if discountPercent.IsNegative() || discountPercent.GreaterThan(hundred) {
		return Totals{}, invalidf("discount must be between 0 and 100 percent")
	}
	if taxRate.IsNegative() || taxRate.GreaterThan(hundred) {
		return Totals{}, invalidf("tax rate must be between 0 and 100 percent")
	}

	var t Totals
	afterLineDiscounts := decimal.Zero
	for i, l := range lines {
		if l.Quantity < 1 {
			return Totals{}, invalidf("item %d quantity must be at least 1", i)
		}
		if l.UnitPrice.IsNegative() {
			return Totals{}, invalidf("item %d price must be zero or more", i)
		}
		if l.Discount.IsNegative() || l.Discount.GreaterThan(hundred) {
			return Totals{}, invalidf("item %d discount must be between 0 and 100 percent", i)
		}

		price := l.UnitPrice.Round(2)
		gross, net := lineAmounts(price, l.Quantity, l.Discount)
		t.Subtotal = t.Subtotal.Add(gross)
		afterLineDiscounts = afterLineDiscounts.Add(net)
		t.Items = append(t.Items, domain.SaleItem{
			ProductID:   l.ProductID,
			ProductName: l.ProductName,
			Quantity:    l.Quantity,
			UnitPrice:   price,
			Discount:    l.Discount,
			Total:       net,
		})
	}

	global := afterLineDiscounts.Mul(discountPercent).Div(hundred).Round(2)
	t.Discount = t.Subtotal.Sub(afterLineDiscounts).Add(global)
	taxable := t.Subtotal.Sub(t.Discount)
	t.Tax = taxable.Mul(taxRate).Div(hundred).Round(2)
	t.Total = taxable.Add(t.Tax)
	return t, nil
}

func lineAmounts(price decimal.Decimal, quantity int, discount decimal.Decimal) (gross, net decimal.Decimal) {
	gross = price.Mul(decimal.NewFromInt(int64(quantity))).Round(2)
	net = gross.Mul(hundred.Sub(discount)).Div(hundred).Round(2)
	return gross, net
}

// CheckTotals verifies that a sale priced elsewhere adds up: every line
// total follows from its price, quantity and discount, the subtotal is the
// sum of line amounts, and total = subtotal - discount + tax. The global
// discount percentage is not stored, so the discount only has to cover the
// line discounts without exceeding the subtotal.
func CheckTotals(sale domain.Sale) error {
	subtotal := decimal.Zero
	lineDiscounts := decimal.Zero
	for i, item := range sale.Items {
		if item.Discount.IsNegative() || item.Discount.GreaterThan(hundred) {
			return invalidf("item %d discount must be between 0 and 100 percent", i)
		}
		if !item.UnitPrice.Equal(item.UnitPrice.Round(2)) {
			return invalidf("item %d unit price has more than two decimals", i)
		}
		gross, net := lineAmounts(item.UnitPrice, item.Quantity, item.Discount)
		if !item.Total.Equal(net) {
			return invalidf("item %d total %s does not match %s", i, item.Total.StringFixed(2), net.StringFixed(2))
		}
		subtotal = subtotal.Add(gross)
		lineDiscounts = lineDiscounts.Add(gross.Sub(net))
	}
	if !sale.Subtotal.Equal(subtotal) {
		return invalidf("subtotal %s does not match line amounts %s", sale.Subtotal.StringFixed(2), subtotal.StringFixed(2))
	}
	if sale.Discount.LessThan(lineDiscounts) || sale.Discount.GreaterThan(sale.Subtotal) {
		return invalidf("discount %s is out of range", sale.Discount.StringFixed(2))
	}
	if want := sale.Subtotal.Sub(sale.Discount).Add(sale.Tax); !sale.Total.Equal(want) {
		return invalidf("total %s does not match subtotal - discount + tax = %s", sale.Total.StringFixed(2), want.StringFixed(2))
	}
	return nil
}
