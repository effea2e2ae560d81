package production

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/forge-erp/forge-erp/internal/costing"
	"github.com/forge-erp/forge-erp/internal/ledger"
	"github.com/forge-erp/forge-erp/internal/observability"
	"github.com/forge-erp/forge-erp/internal/platform/numeric"
	"github.com/forge-erp/forge-erp/internal/replay"
	"github.com/forge-erp/forge-erp/internal/shared"
)

// AuditPort records audit trail entries.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// IdempotencyPort claims document keys.
type IdempotencyPort interface {
	Claim(ctx context.Context, module, key string) error
	Release(ctx context.Context, module, key string) error
}

// Service is the producer boundary between plant documents and the ledger.
type Service struct {
	ledger      *ledger.Service
	allocator   *costing.Allocator
	engine      *replay.Engine
	items       ledger.ItemCatalog
	locker      costing.Locker
	audit       AuditPort
	idempotency IdempotencyPort
	metrics     *observability.LedgerMetrics
	validate    *validator.Validate
	logger      *slog.Logger
}

// NewService wires the producer service. locker, audit, idem and metrics may be nil.
func NewService(svc *ledger.Service, allocator *costing.Allocator, engine *replay.Engine, items ledger.ItemCatalog, locker costing.Locker, audit AuditPort, idem IdempotencyPort, metrics *observability.LedgerMetrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		ledger:      svc,
		allocator:   allocator,
		engine:      engine,
		items:       items,
		locker:      locker,
		audit:       audit,
		idempotency: idem,
		metrics:     metrics,
		validate:    newValidator(),
		logger:      logger,
	}
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			return d.InexactFloat64()
		}
		return nil
	}, decimal.Decimal{})
	return v
}

// PostGRN receives every line at its purchase rate in one transaction.
func (s *Service) PostGRN(ctx context.Context, in GRNInput) (Posting, error) {
	if err := s.check(in); err != nil {
		return Posting{}, err
	}
	itemIDs := make([]int64, 0, len(in.Lines))
	for _, l := range in.Lines {
		itemIDs = append(itemIDs, l.ItemID)
	}
	var posting Posting
	err := s.once(ctx, ledger.RefGRN, in.Number, func(ctx context.Context) error {
		return s.write(ctx, itemIDs, func(ctx context.Context, w *ledger.Writer) error {
			for _, l := range in.Lines {
				if _, err := w.Append(ctx, ledger.Input{
					Date:          ledger.DateOf(in.Date),
					Type:          ledger.TypeReceipt,
					ItemID:        l.ItemID,
					Quantity:      l.Quantity,
					Rate:          l.Rate,
					ReferenceType: ledger.RefGRN,
					ReferenceID:   in.Number,
					Remarks:       in.Remarks,
				}); err != nil {
					return err
				}
			}
			posting = newPosting(in.Number, w.Appended(), ledger.TypeReceipt)
			return nil
		})
	})
	if err != nil {
		return Posting{}, err
	}
	s.recordAudit(ctx, "GRN_POST", in.Number, map[string]any{"lines": len(in.Lines), "amount": posting.Amount.String()})
	return posting, nil
}

// PostMelting allocates a furnace run into WIP.
func (s *Service) PostMelting(ctx context.Context, in MeltingInput) (costing.Allocation, error) {
	if err := s.check(in); err != nil {
		return costing.Allocation{}, err
	}
	var alloc costing.Allocation
	err := s.once(ctx, ledger.RefMelting, in.Number, func(ctx context.Context) error {
		var err error
		alloc, err = s.allocator.Post(ctx, in.process())
		return err
	})
	if err != nil {
		return costing.Allocation{}, err
	}
	s.recordAudit(ctx, "MELTING_POST", in.Number, map[string]any{"output_qty": alloc.Output.Quantity.String(), "cost": alloc.TotalCost.String()})
	return alloc, nil
}

// PostHeatTreatment allocates WIP into bagged finished goods.
func (s *Service) PostHeatTreatment(ctx context.Context, in HeatTreatmentInput) (costing.Allocation, error) {
	if err := s.check(in); err != nil {
		return costing.Allocation{}, err
	}
	weight := in.UnitWeight
	if weight.IsZero() {
		item, err := s.items.Item(ctx, in.FinishedItemID)
		if err != nil {
			return costing.Allocation{}, fmt.Errorf("%w: finished item %d: %w", ledger.ErrInvalidTransaction, in.FinishedItemID, err)
		}
		weight = item.UnitWeight
	}
	if !weight.IsPositive() {
		return costing.Allocation{}, fmt.Errorf("%w: finished item %d has no unit weight", ledger.ErrInvalidTransaction, in.FinishedItemID)
	}
	var alloc costing.Allocation
	err := s.once(ctx, ledger.RefHeatTreatment, in.Number, func(ctx context.Context) error {
		var err error
		alloc, err = s.allocator.Post(ctx, costing.HeatTreatment{
			Date:           ledger.DateOf(in.Date),
			ReferenceID:    in.Number,
			Remarks:        in.Remarks,
			WIPItemID:      in.WIPItemID,
			ConsumedQty:    in.ConsumedQty,
			FinishedItemID: in.FinishedItemID,
			BagsProduced:   in.BagsProduced,
			UnitWeight:     weight,
		})
		return err
	})
	if err != nil {
		return costing.Allocation{}, err
	}
	s.recordAudit(ctx, "HEAT_TREATMENT_POST", in.Number, map[string]any{"bags": in.BagsProduced.String(), "cost": alloc.TotalCost.String()})
	return alloc, nil
}

// PostDispatch issues finished goods at the FIFO rate the ledger holds at the dispatch date.
// Reports recompute the realised cost on replay.
func (s *Service) PostDispatch(ctx context.Context, in DispatchInput) (Posting, error) {
	if err := s.check(in); err != nil {
		return Posting{}, err
	}
	itemIDs := make([]int64, 0, len(in.Lines))
	for _, l := range in.Lines {
		itemIDs = append(itemIDs, l.ItemID)
	}
	date := ledger.DateOf(in.Date)
	var posting Posting
	err := s.once(ctx, ledger.RefDispatch, in.Number, func(ctx context.Context) error {
		return s.write(ctx, itemIDs, func(ctx context.Context, w *ledger.Writer) error {
			engine := s.engine.WithReader(w)
			var shortfalls []costing.Shortfall
			for _, l := range in.Lines {
				qty := numeric.Qty(l.Quantity)
				q, err := engine.StateAsOf(ctx, l.ItemID, date)
				if err != nil {
					return err
				}
				res, err := q.Issue(qty)
				if err != nil {
					return fmt.Errorf("production: estimate item %d: %w", l.ItemID, err)
				}
				if res.HasShortfall() {
					shortfalls = append(shortfalls, costing.Shortfall{ItemID: l.ItemID, Quantity: res.Shortfall})
				}
				if _, err := w.Append(ctx, ledger.Input{
					Date:          date,
					Type:          ledger.TypeIssue,
					ItemID:        l.ItemID,
					Quantity:      qty,
					Rate:          numeric.RateOf(res.Cost, qty),
					Amount:        decimal.NewNullDecimal(res.Cost),
					ReferenceType: ledger.RefDispatch,
					ReferenceID:   in.Number,
					Remarks:       in.Remarks,
				}); err != nil {
					return err
				}
			}
			posting = newPosting(in.Number, w.Appended(), ledger.TypeIssue)
			posting.Shortfalls = shortfalls
			return nil
		})
	})
	if err != nil {
		return Posting{}, err
	}
	for _, sf := range posting.Shortfalls {
		s.metrics.Shortfall("dispatch")
		s.logger.WarnContext(ctx, "dispatch short of stock",
			slog.String("reference_id", in.Number),
			slog.Int64("item_id", sf.ItemID),
			slog.String("shortfall", sf.Quantity.String()))
	}
	s.recordAudit(ctx, "DISPATCH_POST", in.Number, map[string]any{"lines": len(in.Lines), "amount": posting.Amount.String()})
	return posting, nil
}

// Reverse removes a posted document so it can be corrected and posted again.
func (s *Service) Reverse(ctx context.Context, refType ledger.ReferenceType, number string) (Reversal, error) {
	module, ok := modules[refType]
	if !ok {
		return Reversal{}, fmt.Errorf("%w: %s documents cannot be reversed directly", ledger.ErrInvalidTransaction, refType)
	}
	if number == "" {
		return Reversal{}, fmt.Errorf("%w: document number required", ledger.ErrInvalidTransaction)
	}
	removed, err := s.ledger.RemoveLast(ctx, refType, number)
	if err != nil {
		return Reversal{}, err
	}
	if s.idempotency != nil {
		if err := s.idempotency.Release(ctx, module, shared.DocumentKey(string(refType), number)); err != nil {
			s.logger.WarnContext(ctx, "release idempotency key", slog.String("reference_id", number), slog.Any("error", err))
		}
	}
	s.recordAudit(ctx, "DOCUMENT_REVERSE", number, map[string]any{"reference_type": string(refType), "rows": len(removed)})
	return Reversal{ReferenceType: refType, Number: number, Removed: removed}, nil
}

func (s *Service) check(in any) error {
	if err := s.validate.Struct(in); err != nil {
		return fmt.Errorf("%w: %w", ledger.ErrInvalidTransaction, err)
	}
	return nil
}

// once runs fn under the document's idempotency claim, releasing it when fn fails.
func (s *Service) once(ctx context.Context, refType ledger.ReferenceType, number string, fn func(context.Context) error) error {
	if s.idempotency == nil {
		return fn(ctx)
	}
	module := modules[refType]
	key := shared.DocumentKey(string(refType), number)
	if err := s.idempotency.Claim(ctx, module, key); err != nil {
		if errors.Is(err, shared.ErrIdempotencyConflict) {
			return fmt.Errorf("%w: %s %s", ErrDuplicateDocument, refType, number)
		}
		return err
	}
	if err := fn(ctx); err != nil {
		if relErr := s.idempotency.Release(context.WithoutCancel(ctx), module, key); relErr != nil {
			s.logger.WarnContext(ctx, "release idempotency key", slog.String("reference_id", number), slog.Any("error", relErr))
		}
		return err
	}
	return nil
}

func (s *Service) write(ctx context.Context, itemIDs []int64, fn func(context.Context, *ledger.Writer) error) error {
	if s.locker != nil {
		release, err := s.locker.Acquire(ctx, itemIDs)
		if err != nil {
			return err
		}
		defer release(context.WithoutCancel(ctx))
	}
	return s.ledger.Write(ctx, itemIDs, fn)
}

func (s *Service) recordAudit(ctx context.Context, action, number string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{Action: action, Entity: "production", EntityID: number, Meta: meta}); err != nil {
		s.logger.WarnContext(ctx, "audit record failed", slog.String("action", action), slog.Any("error", err))
	}
}

func newPosting(number string, rows []ledger.Transaction, typ ledger.TransactionType) Posting {
	qty, amount := ledger.Totals(rows, typ)
	return Posting{Number: number, Transactions: rows, Quantity: qty, Amount: amount}
}
