// Package costing turns multi-input production runs into ledger issues and one output receipt.
package costing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/forge-erp/forge-erp/internal/ledger"
	"github.com/forge-erp/forge-erp/internal/observability"
	"github.com/forge-erp/forge-erp/internal/platform/lock"
	"github.com/forge-erp/forge-erp/internal/platform/numeric"
	"github.com/forge-erp/forge-erp/internal/replay"
)

// ErrZeroYield rejects a run that consumed inputs but produced nothing.
var ErrZeroYield = errors.New("costing: zero yield")

// Locker serialises writers per item across processes.
type Locker interface {
	Acquire(ctx context.Context, itemIDs []int64) (lock.Release, error)
}

// Input is one consumed item.
type Input struct {
	ItemID   int64
	Quantity decimal.Decimal
}

// Request describes one production run.
type Request struct {
	Inputs         []Input
	OutputItemID   int64
	OutputQuantity decimal.Decimal
	Date           time.Time
	Process        ledger.ReferenceType
	ReferenceID    string
	Remarks        string
}

// Consumption is the costed issue of one input.
type Consumption struct {
	Transaction ledger.Transaction
	Cost        decimal.Decimal
	Shortfall   decimal.Decimal
}

// Shortfall reports an input issued beyond available stock.
type Shortfall struct {
	ItemID   int64
	Quantity decimal.Decimal
}

// Allocation is the ledger effect of one run.
type Allocation struct {
	Inputs     []Consumption
	Output     ledger.Transaction
	TotalCost  decimal.Decimal
	Shortfalls []Shortfall
}

// Allocator posts production runs at actual FIFO cost.
type Allocator struct {
	ledger  *ledger.Service
	engine  *replay.Engine
	locker  Locker
	metrics *observability.LedgerMetrics
	logger  *slog.Logger
}

// NewAllocator builds Allocator. locker may be nil when the store's advisory locks suffice.
func NewAllocator(svc *ledger.Service, engine *replay.Engine, locker Locker, metrics *observability.LedgerMetrics, logger *slog.Logger) *Allocator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Allocator{ledger: svc, engine: engine, locker: locker, metrics: metrics, logger: logger}
}

// Post allocates a process variant.
func (a *Allocator) Post(ctx context.Context, p Process) (Allocation, error) {
	req, err := p.Request()
	if err != nil {
		return Allocation{}, err
	}
	return a.Allocate(ctx, req)
}

// Allocate issues every input at its FIFO cost and receives the output at the summed cost.
// Yield loss is absorbed into the output rate.
func (a *Allocator) Allocate(ctx context.Context, req Request) (Allocation, error) {
	inputs, err := normalise(req)
	if err != nil {
		return Allocation{}, err
	}
	outQty := numeric.Qty(req.OutputQuantity)

	itemIDs := make([]int64, 0, len(inputs)+1)
	for _, in := range inputs {
		itemIDs = append(itemIDs, in.ItemID)
	}
	itemIDs = append(itemIDs, req.OutputItemID)

	if a.locker != nil {
		release, err := a.locker.Acquire(ctx, itemIDs)
		if err != nil {
			return Allocation{}, err
		}
		defer release(context.WithoutCancel(ctx))
	}

	var alloc Allocation
	err = a.ledger.Write(ctx, itemIDs, func(ctx context.Context, w *ledger.Writer) error {
		alloc = Allocation{TotalCost: decimal.Zero}
		engine := a.engine.WithReader(w)
		for _, in := range inputs {
			q, err := engine.StateAsOf(ctx, in.ItemID, req.Date)
			if err != nil {
				return err
			}
			res, err := q.Issue(in.Quantity)
			if err != nil {
				return fmt.Errorf("costing: issue item %d: %w", in.ItemID, err)
			}
			tx, err := w.Append(ctx, ledger.Input{
				Date:          req.Date,
				Type:          ledger.TypeIssue,
				ItemID:        in.ItemID,
				Quantity:      in.Quantity,
				Rate:          numeric.RateOf(res.Cost, in.Quantity),
				Amount:        decimal.NewNullDecimal(res.Cost),
				ReferenceType: req.Process,
				ReferenceID:   req.ReferenceID,
				Remarks:       req.Remarks,
			})
			if err != nil {
				return err
			}
			alloc.Inputs = append(alloc.Inputs, Consumption{Transaction: tx, Cost: res.Cost, Shortfall: res.Shortfall})
			if res.HasShortfall() {
				alloc.Shortfalls = append(alloc.Shortfalls, Shortfall{ItemID: in.ItemID, Quantity: res.Shortfall})
			}
			alloc.TotalCost = alloc.TotalCost.Add(res.Cost)
		}
		out, err := w.Append(ctx, ledger.Input{
			Date:          req.Date,
			Type:          ledger.TypeReceipt,
			ItemID:        req.OutputItemID,
			Quantity:      outQty,
			Rate:          numeric.RateOf(alloc.TotalCost, outQty),
			Amount:        decimal.NewNullDecimal(alloc.TotalCost),
			ReferenceType: req.Process.Output(),
			ReferenceID:   req.ReferenceID,
			Remarks:       req.Remarks,
		})
		if err != nil {
			return err
		}
		alloc.Output = out
		return nil
	})
	if err != nil {
		return Allocation{}, err
	}

	for _, s := range alloc.Shortfalls {
		a.metrics.Shortfall("allocate")
		a.logger.WarnContext(ctx, "process input short of stock",
			slog.String("process", string(req.Process)),
			slog.String("reference_id", req.ReferenceID),
			slog.Int64("item_id", s.ItemID),
			slog.String("shortfall", s.Quantity.String()))
	}
	return alloc, nil
}

// normalise validates req and returns positive inputs with duplicates merged in first-seen order.
func normalise(req Request) ([]Input, error) {
	if !req.Process.IsProcess() {
		return nil, fmt.Errorf("%w: %q is not a production process", ledger.ErrInvalidTransaction, req.Process)
	}
	if req.ReferenceID == "" {
		return nil, fmt.Errorf("%w: reference id required", ledger.ErrInvalidTransaction)
	}
	if req.Date.IsZero() {
		return nil, fmt.Errorf("%w: date required", ledger.ErrInvalidTransaction)
	}
	if req.OutputItemID <= 0 {
		return nil, fmt.Errorf("%w: output item required", ledger.ErrInvalidTransaction)
	}
	outQty := numeric.Qty(req.OutputQuantity)
	if outQty.IsNegative() {
		return nil, fmt.Errorf("%w: output quantity %s", ledger.ErrInvalidTransaction, req.OutputQuantity)
	}
	if outQty.IsZero() {
		return nil, fmt.Errorf("%w: %s %s produced nothing", ErrZeroYield, req.Process, req.ReferenceID)
	}

	merged := make([]Input, 0, len(req.Inputs))
	index := make(map[int64]int, len(req.Inputs))
	for _, in := range req.Inputs {
		qty := numeric.Qty(in.Quantity)
		if !qty.IsPositive() {
			continue
		}
		if in.ItemID == req.OutputItemID {
			return nil, fmt.Errorf("%w: item %d is both input and output", ledger.ErrInvalidTransaction, in.ItemID)
		}
		if i, ok := index[in.ItemID]; ok {
			merged[i].Quantity = merged[i].Quantity.Add(qty)
			continue
		}
		index[in.ItemID] = len(merged)
		merged = append(merged, Input{ItemID: in.ItemID, Quantity: qty})
	}
	if len(merged) == 0 {
		return nil, fmt.Errorf("%w: no inputs with positive quantity", ledger.ErrInvalidTransaction)
	}
	return merged, nil
}
