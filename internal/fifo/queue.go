// Package fifo implements the per-item lot queue used to value stock on a first-in-first-out basis.
package fifo

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/forge-erp/forge-erp/internal/platform/numeric"
)

// ErrInvalidLot is returned when a receipt or issue carries a non-positive quantity or negative cost.
var ErrInvalidLot = errors.New("fifo: invalid lot movement")

// ErrCorruptQueue indicates a lot with negative remaining quantity or value.
var ErrCorruptQueue = errors.New("fifo: queue state corrupt")

// Lot is the stock created by one receipt.
type Lot struct {
	OriginID  int64           `json:"origin_id"`
	Received  decimal.Decimal `json:"received"`
	Remaining decimal.Decimal `json:"remaining"`
	Rate      decimal.Decimal `json:"rate"`
	Value     decimal.Decimal `json:"value"`
}

// Draw records the part of a lot consumed by one issue.
type Draw struct {
	OriginID int64
	Quantity decimal.Decimal
	Cost     decimal.Decimal
}

// IssueResult summarises one issue against the queue.
type IssueResult struct {
	Requested decimal.Decimal
	Consumed  decimal.Decimal
	Cost      decimal.Decimal
	Shortfall decimal.Decimal
	Draws     []Draw
}

// HasShortfall reports whether the issue exceeded available stock.
func (r IssueResult) HasShortfall() bool {
	return r.Shortfall.IsPositive()
}

// State is the aggregate position of a queue.
type State struct {
	Quantity decimal.Decimal
	Rate     decimal.Decimal
	Value    decimal.Decimal
}

// IsZero reports an empty position.
func (s State) IsZero() bool {
	return s.Quantity.IsZero() && s.Value.IsZero()
}

// Queue holds lots in replay order, oldest first.
type Queue struct {
	lots []Lot
}

// NewQueue builds a queue seeded with lots, typically restored from a snapshot.
func NewQueue(lots ...Lot) *Queue {
	q := &Queue{lots: make([]Lot, 0, len(lots))}
	q.lots = append(q.lots, lots...)
	return q
}

// Receive appends a lot valued at qty × rate.
func (q *Queue) Receive(qty, rate decimal.Decimal, originID int64) error {
	if rate.IsNegative() {
		return fmt.Errorf("%w: rate %s", ErrInvalidLot, rate)
	}
	return q.ReceiveValue(qty, numeric.Amount(qty.Mul(rate)), originID)
}

// ReceiveValue appends a lot carrying an exact stored value.
func (q *Queue) ReceiveValue(qty, value decimal.Decimal, originID int64) error {
	if !qty.IsPositive() {
		return fmt.Errorf("%w: quantity %s", ErrInvalidLot, qty)
	}
	if value.IsNegative() {
		return fmt.Errorf("%w: value %s", ErrInvalidLot, value)
	}
	q.lots = append(q.lots, Lot{
		OriginID:  originID,
		Received:  qty,
		Remaining: qty,
		Rate:      numeric.Div(value, qty),
		Value:     value,
	})
	return nil
}

// Issue consumes qty from the oldest lots. Quantity beyond available stock is reported as shortfall.
func (q *Queue) Issue(qty decimal.Decimal) (IssueResult, error) {
	if !qty.IsPositive() {
		return IssueResult{}, fmt.Errorf("%w: quantity %s", ErrInvalidLot, qty)
	}
	res := IssueResult{Requested: qty, Consumed: decimal.Zero, Cost: decimal.Zero, Shortfall: decimal.Zero}
	needed := qty
	for needed.IsPositive() && len(q.lots) > 0 {
		lot := &q.lots[0]
		if !lot.Remaining.IsPositive() || lot.Value.IsNegative() {
			return res, fmt.Errorf("%w: lot %d remaining %s value %s", ErrCorruptQueue, lot.OriginID, lot.Remaining, lot.Value)
		}
		take := decimal.Min(lot.Remaining, needed)
		var cost decimal.Decimal
		if take.Equal(lot.Remaining) {
			cost = lot.Value
			q.lots = q.lots[1:]
		} else {
			cost = decimal.Min(numeric.Amount(take.Mul(lot.Rate)), lot.Value)
			lot.Remaining = lot.Remaining.Sub(take)
			lot.Value = lot.Value.Sub(cost)
		}
		res.Draws = append(res.Draws, Draw{OriginID: lot.OriginID, Quantity: take, Cost: cost})
		res.Consumed = res.Consumed.Add(take)
		res.Cost = res.Cost.Add(cost)
		needed = needed.Sub(take)
	}
	if needed.IsPositive() {
		res.Shortfall = needed
	}
	return res, nil
}

// State returns total quantity, weighted-average rate and total value.
func (q *Queue) State() State {
	qty := decimal.Zero
	value := decimal.Zero
	for _, lot := range q.lots {
		qty = qty.Add(lot.Remaining)
		value = value.Add(lot.Value)
	}
	return State{Quantity: qty, Rate: numeric.RateOf(value, qty), Value: value}
}

// Lots returns a copy of the lots in FIFO order.
func (q *Queue) Lots() []Lot {
	out := make([]Lot, len(q.lots))
	copy(out, q.lots)
	return out
}

// Clone returns an independent copy of the queue.
func (q *Queue) Clone() *Queue {
	return NewQueue(q.lots...)
}

// Len returns the number of open lots.
func (q *Queue) Len() int {
	return len(q.lots)
}
