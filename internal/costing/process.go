package costing

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/forge-erp/forge-erp/internal/ledger"
)

// Process is a production variant that knows its inputs and output quantity formula.
type Process interface {
	Request() (Request, error)
}

// Charge is a quantity of one item fed into a run.
type Charge struct {
	ItemID   int64
	Quantity decimal.Decimal
}

// Melting melts scrap with mineral additions into WIP.
type Melting struct {
	Date        time.Time
	ReferenceID string
	Remarks     string
	WIPItemID   int64
	Scrap       []Charge
	Carbon      Charge
	Manganese   Charge
	Silicon     Charge
	Aluminium   Charge
	Calcium     Charge
}

// Request implements Process. Output quantity is the scrap total; minerals add cost only.
func (m Melting) Request() (Request, error) {
	inputs := make([]Input, 0, len(m.Scrap)+5)
	scrapTotal := decimal.Zero
	for _, c := range m.Scrap {
		inputs = append(inputs, Input{ItemID: c.ItemID, Quantity: c.Quantity})
		if c.Quantity.IsPositive() {
			scrapTotal = scrapTotal.Add(c.Quantity)
		}
	}
	for _, c := range []Charge{m.Carbon, m.Manganese, m.Silicon, m.Aluminium, m.Calcium} {
		if c.ItemID == 0 {
			continue
		}
		inputs = append(inputs, Input{ItemID: c.ItemID, Quantity: c.Quantity})
	}
	return Request{
		Inputs:         inputs,
		OutputItemID:   m.WIPItemID,
		OutputQuantity: scrapTotal,
		Date:           m.Date,
		Process:        ledger.RefMelting,
		ReferenceID:    m.ReferenceID,
		Remarks:        m.Remarks,
	}, nil
}

// HeatTreatment turns WIP into bagged finished goods.
type HeatTreatment struct {
	Date           time.Time
	ReferenceID    string
	Remarks        string
	WIPItemID      int64
	ConsumedQty    decimal.Decimal
	FinishedItemID int64
	BagsProduced   decimal.Decimal
	UnitWeight     decimal.Decimal
}

// Request implements Process. Output quantity is bags produced times unit weight.
func (h HeatTreatment) Request() (Request, error) {
	if h.BagsProduced.IsNegative() || h.UnitWeight.IsNegative() {
		return Request{}, fmt.Errorf("%w: bags %s unit weight %s", ledger.ErrInvalidTransaction, h.BagsProduced, h.UnitWeight)
	}
	return Request{
		Inputs:         []Input{{ItemID: h.WIPItemID, Quantity: h.ConsumedQty}},
		OutputItemID:   h.FinishedItemID,
		OutputQuantity: h.BagsProduced.Mul(h.UnitWeight),
		Date:           h.Date,
		Process:        ledger.RefHeatTreatment,
		ReferenceID:    h.ReferenceID,
		Remarks:        h.Remarks,
	}, nil
}
