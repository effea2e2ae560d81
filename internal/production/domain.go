// Package production posts plant documents into the stock ledger.
package production

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/forge-erp/forge-erp/internal/costing"
	"github.com/forge-erp/forge-erp/internal/ledger"
)

// ErrDuplicateDocument rejects a document number that was already posted.
var ErrDuplicateDocument = errors.New("production: document already posted")

// Idempotency modules per document kind.
const (
	moduleGRN           = "production.grn"
	moduleMelting       = "production.melting"
	moduleHeatTreatment = "production.heat_treatment"
	moduleDispatch      = "production.dispatch"
)

var modules = map[ledger.ReferenceType]string{
	ledger.RefGRN:           moduleGRN,
	ledger.RefMelting:       moduleMelting,
	ledger.RefHeatTreatment: moduleHeatTreatment,
	ledger.RefDispatch:      moduleDispatch,
}

// GRNLine is one received raw material.
type GRNLine struct {
	ItemID   int64           `json:"item_id" validate:"required,gt=0"`
	Quantity decimal.Decimal `json:"quantity" validate:"gt=0"`
	Rate     decimal.Decimal `json:"rate" validate:"gte=0"`
}

// GRNInput is a goods receipt note.
type GRNInput struct {
	Number  string    `json:"number" validate:"required,max=64"`
	Date    time.Time `json:"date" validate:"required"`
	Lines   []GRNLine `json:"lines" validate:"required,min=1,dive"`
	Remarks string    `json:"remarks" validate:"max=255"`
}

// Charge is a quantity of one item fed into a furnace.
type Charge struct {
	ItemID   int64           `json:"item_id" validate:"required,gt=0"`
	Quantity decimal.Decimal `json:"quantity" validate:"gte=0"`
}

// MeltingInput is one furnace run. Mineral charges are optional.
type MeltingInput struct {
	Number    string    `json:"number" validate:"required,max=64"`
	Date      time.Time `json:"date" validate:"required"`
	WIPItemID int64     `json:"wip_item_id" validate:"required,gt=0"`
	Scrap     []Charge  `json:"scrap" validate:"required,min=1,dive"`
	Carbon    *Charge   `json:"carbon,omitempty" validate:"omitempty"`
	Manganese *Charge   `json:"manganese,omitempty" validate:"omitempty"`
	Silicon   *Charge   `json:"silicon,omitempty" validate:"omitempty"`
	Aluminium *Charge   `json:"aluminium,omitempty" validate:"omitempty"`
	Calcium   *Charge   `json:"calcium,omitempty" validate:"omitempty"`
	Remarks   string    `json:"remarks" validate:"max=255"`
}

func (in MeltingInput) process() costing.Melting {
	scrap := make([]costing.Charge, 0, len(in.Scrap))
	for _, c := range in.Scrap {
		scrap = append(scrap, costing.Charge{ItemID: c.ItemID, Quantity: c.Quantity})
	}
	mineral := func(c *Charge) costing.Charge {
		if c == nil {
			return costing.Charge{}
		}
		return costing.Charge{ItemID: c.ItemID, Quantity: c.Quantity}
	}
	return costing.Melting{
		Date:        ledger.DateOf(in.Date),
		ReferenceID: in.Number,
		Remarks:     in.Remarks,
		WIPItemID:   in.WIPItemID,
		Scrap:       scrap,
		Carbon:      mineral(in.Carbon),
		Manganese:   mineral(in.Manganese),
		Silicon:     mineral(in.Silicon),
		Aluminium:   mineral(in.Aluminium),
		Calcium:     mineral(in.Calcium),
	}
}

// HeatTreatmentInput is one heat-treatment batch. A zero UnitWeight falls back to the item master.
type HeatTreatmentInput struct {
	Number         string          `json:"number" validate:"required,max=64"`
	Date           time.Time       `json:"date" validate:"required"`
	WIPItemID      int64           `json:"wip_item_id" validate:"required,gt=0"`
	ConsumedQty    decimal.Decimal `json:"consumed_qty" validate:"gt=0"`
	FinishedItemID int64           `json:"finished_item_id" validate:"required,gt=0,nefield=WIPItemID"`
	BagsProduced   decimal.Decimal `json:"bags_produced" validate:"gte=0"`
	UnitWeight     decimal.Decimal `json:"unit_weight" validate:"gte=0"`
	Remarks        string          `json:"remarks" validate:"max=255"`
}

// DispatchLine is one shipped finished good.
type DispatchLine struct {
	ItemID   int64           `json:"item_id" validate:"required,gt=0"`
	Quantity decimal.Decimal `json:"quantity" validate:"gt=0"`
}

// DispatchInput is a dispatch note.
type DispatchInput struct {
	Number  string         `json:"number" validate:"required,max=64"`
	Date    time.Time      `json:"date" validate:"required"`
	Lines   []DispatchLine `json:"lines" validate:"required,min=1,dive"`
	Remarks string         `json:"remarks" validate:"max=255"`
}

// Posting is the ledger effect of a single-sided document.
type Posting struct {
	Number       string               `json:"number"`
	Transactions []ledger.Transaction `json:"transactions"`
	Quantity     decimal.Decimal      `json:"quantity"`
	Amount       decimal.Decimal      `json:"amount"`
	Shortfalls   []costing.Shortfall  `json:"shortfalls,omitempty"`
}

// Reversal lists the rows removed by Reverse.
type Reversal struct {
	ReferenceType ledger.ReferenceType `json:"reference_type"`
	Number        string               `json:"number"`
	Removed       []ledger.Transaction `json:"removed"`
}
