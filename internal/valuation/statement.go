// Package valuation assembles FIFO opening/receipt/issue/closing statements per item.
package valuation

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/forge-erp/forge-erp/internal/fifo"
	"github.com/forge-erp/forge-erp/internal/ledger"
	"github.com/forge-erp/forge-erp/internal/platform/numeric"
)

// Figures is a quantity/rate/amount triple.
type Figures struct {
	Quantity decimal.Decimal `json:"quantity"`
	Rate     decimal.Decimal `json:"rate"`
	Amount   decimal.Decimal `json:"amount"`
}

func zeroFigures() Figures {
	return Figures{Quantity: decimal.Zero, Rate: decimal.Zero, Amount: decimal.Zero}
}

func fromState(s fifo.State) Figures {
	return Figures{Quantity: s.Quantity, Rate: s.Rate, Amount: s.Value}
}

func (f Figures) add(qty, amount decimal.Decimal) Figures {
	f.Quantity = f.Quantity.Add(qty)
	f.Amount = f.Amount.Add(amount)
	f.Rate = numeric.RateOf(f.Amount, f.Quantity)
	return f
}

// Row is one item's statement line.
type Row struct {
	ItemID   int64           `json:"item_id"`
	Code     string          `json:"code"`
	Name     string          `json:"name"`
	Category ledger.Category `json:"category"`
	Unit     string          `json:"unit"`

	Opening  Figures `json:"opening"`
	Receipts Figures `json:"receipts"`
	Issues   Figures `json:"issues"`
	Closing  Figures `json:"closing"`

	// Shortfall is quantity issued in range beyond available stock.
	Shortfall         decimal.Decimal `json:"shortfall"`
	DiscrepancyQty    decimal.Decimal `json:"discrepancy_qty"`
	DiscrepancyAmount decimal.Decimal `json:"discrepancy_amount"`
	Flagged           bool            `json:"flagged"`
	Warnings          []string        `json:"warnings,omitempty"`
	Error             string          `json:"error,omitempty"`
}

func newRow(item ledger.Item) Row {
	return Row{
		ItemID:            item.ID,
		Code:              item.Code,
		Name:              item.Name,
		Category:          item.Category,
		Unit:              item.Unit,
		Opening:           zeroFigures(),
		Receipts:          zeroFigures(),
		Issues:            zeroFigures(),
		Closing:           zeroFigures(),
		Shortfall:         decimal.Zero,
		DiscrepancyQty:    decimal.Zero,
		DiscrepancyAmount: decimal.Zero,
	}
}

// check compares closing with opening + receipts - issues and flags the row on mismatch.
func (r *Row) check() {
	wantQty := r.Opening.Quantity.Add(r.Receipts.Quantity).Sub(r.Issues.Quantity)
	wantAmount := r.Opening.Amount.Add(r.Receipts.Amount).Sub(r.Issues.Amount)
	r.DiscrepancyQty = r.Closing.Quantity.Sub(wantQty)
	r.DiscrepancyAmount = r.Closing.Amount.Sub(wantAmount)
	if r.Shortfall.IsPositive() {
		r.Flagged = true
		r.Warnings = append(r.Warnings, "issues exceed available stock by "+r.Shortfall.String())
	}
	if !numeric.Near(r.DiscrepancyQty, decimal.Zero) || !numeric.Near(r.DiscrepancyAmount, decimal.Zero) {
		r.Flagged = true
		r.Warnings = append(r.Warnings, "closing does not reconcile: qty "+r.DiscrepancyQty.String()+" amount "+r.DiscrepancyAmount.String())
	}
}

func (r *Row) fail(err error) {
	r.Flagged = true
	r.Error = err.Error()
}

// Totals sums every row. Rates are recomputed from the summed amount and quantity.
type Totals struct {
	Opening  Figures `json:"opening"`
	Receipts Figures `json:"receipts"`
	Issues   Figures `json:"issues"`
	Closing  Figures `json:"closing"`
	Flagged  int     `json:"flagged"`
}

// Statement is a full valuation for a date range.
type Statement struct {
	From  time.Time `json:"from"`
	To    time.Time `json:"to"`
	Rows  []Row     `json:"rows"`
	Total Totals    `json:"total"`
}

func summarise(rows []Row) Totals {
	t := Totals{Opening: zeroFigures(), Receipts: zeroFigures(), Issues: zeroFigures(), Closing: zeroFigures()}
	for _, r := range rows {
		t.Opening = t.Opening.add(r.Opening.Quantity, r.Opening.Amount)
		t.Receipts = t.Receipts.add(r.Receipts.Quantity, r.Receipts.Amount)
		t.Issues = t.Issues.add(r.Issues.Quantity, r.Issues.Amount)
		t.Closing = t.Closing.add(r.Closing.Quantity, r.Closing.Amount)
		if r.Flagged {
			t.Flagged++
		}
	}
	return t
}
