package stockreport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/forge-erp/forge-erp/internal/ledger"
	"github.com/forge-erp/forge-erp/internal/platform/httpx"
	"github.com/forge-erp/forge-erp/internal/valuation"
)

const requestTimeout = 30 * time.Second

// Reports is the read contract the handler serves.
type Reports interface {
	RawMaterialStock(ctx context.Context, asOf time.Time) (valuation.Statement, error)
	WIPStock(ctx context.Context, r Range) (valuation.Statement, error)
	FinishedGoodsStock(ctx context.Context, r Range) (FinishedGoodsReport, error)
	Movement(ctx context.Context, filter MovementFilter) ([]MovementLine, error)
	FIFOStatement(ctx context.Context, r Range, category *ledger.Category) (valuation.Statement, error)
}

// Handler serves stock reports as JSON or, with ?format=xlsx, as spreadsheets.
type Handler struct {
	reports Reports
	logger  *slog.Logger
}

// NewHandler constructs the report handler.
func NewHandler(reports Reports, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{reports: reports, logger: logger}
}

// MountRoutes registers report routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/raw-materials", h.handleRawMaterials)
	r.Get("/wip", h.handleWIP)
	r.Get("/finished-goods", h.handleFinishedGoods)
	r.Get("/movement", h.handleMovement)
	r.Get("/fifo", h.handleFIFO)
}

func (h *Handler) handleRawMaterials(w http.ResponseWriter, r *http.Request) {
	asOf, err := parseDate(r.URL.Query().Get("as_of"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	st, err := h.reports.RawMaterialStock(ctx, asOf)
	h.respondStatement(w, r, "raw-materials", st, err)
}

func (h *Handler) handleWIP(w http.ResponseWriter, r *http.Request) {
	rng, err := parseRange(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	st, err := h.reports.WIPStock(ctx, rng)
	h.respondStatement(w, r, "wip", st, err)
}

func (h *Handler) handleFinishedGoods(w http.ResponseWriter, r *http.Request) {
	rng, err := parseRange(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	rep, err := h.reports.FinishedGoodsStock(ctx, rng)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if wantsXLSX(r) {
		h.sendXLSX(w, r, "finished-goods", func(buf *bytes.Buffer) error { return WriteFinishedGoodsXLSX(buf, rep) })
		return
	}
	httpx.JSON(w, http.StatusOK, rep)
}

func (h *Handler) handleMovement(w http.ResponseWriter, r *http.Request) {
	rng, err := parseRange(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	filter := MovementFilter{Range: rng}
	q := r.URL.Query()
	for _, raw := range q["category"] {
		cat, err := ledger.ParseCategory(raw)
		if err != nil {
			httpx.RespondError(w, httpx.Mark(httpx.ErrValidation, err))
			return
		}
		filter.Categories = append(filter.Categories, cat)
	}
	for _, raw := range q["item_id"] {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			httpx.RespondError(w, fmt.Errorf("%w: item_id %q", httpx.ErrValidation, raw))
			return
		}
		filter.ItemIDs = append(filter.ItemIDs, id)
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	lines, err := h.reports.Movement(ctx, filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if wantsXLSX(r) {
		h.sendXLSX(w, r, "movement", func(buf *bytes.Buffer) error { return WriteMovementXLSX(buf, lines) })
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"lines": lines})
}

func (h *Handler) handleFIFO(w http.ResponseWriter, r *http.Request) {
	rng, err := parseRange(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if rng.From.IsZero() || rng.To.IsZero() {
		httpx.RespondError(w, fmt.Errorf("%w: from and to are required", httpx.ErrValidation))
		return
	}
	var category *ledger.Category
	if raw := r.URL.Query().Get("category"); raw != "" {
		cat, err := ledger.ParseCategory(raw)
		if err != nil {
			httpx.RespondError(w, httpx.Mark(httpx.ErrValidation, err))
			return
		}
		category = &cat
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	st, err := h.reports.FIFOStatement(ctx, rng, category)
	h.respondStatement(w, r, "fifo-statement", st, err)
}

func (h *Handler) respondStatement(w http.ResponseWriter, r *http.Request, name string, st valuation.Statement, err error) {
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if wantsXLSX(r) {
		h.sendXLSX(w, r, name, func(buf *bytes.Buffer) error { return WriteStatementXLSX(buf, name, st) })
		return
	}
	httpx.JSON(w, http.StatusOK, st)
}

func (h *Handler) sendXLSX(w http.ResponseWriter, r *http.Request, name string, render func(*bytes.Buffer) error) {
	var buf bytes.Buffer
	if err := render(&buf); err != nil {
		h.fail(w, r, fmt.Errorf("stockreport: render %s: %w", name, err))
		return
	}
	w.Header().Set("Content-Type", ContentTypeXLSX)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s-%s.xlsx", name, time.Now().UTC().Format("20060102")))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, ledger.ErrInvalidRange) {
		httpx.RespondError(w, httpx.Mark(httpx.ErrValidation, err))
		return
	}
	h.logger.ErrorContext(r.Context(), "stock report failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	httpx.RespondError(w, err)
}

func wantsXLSX(r *http.Request) bool {
	return strings.EqualFold(r.URL.Query().Get("format"), "xlsx")
}

func parseRange(r *http.Request) (Range, error) {
	q := r.URL.Query()
	from, err := parseDate(q.Get("from"))
	if err != nil {
		return Range{}, err
	}
	to, err := parseDate(q.Get("to"))
	if err != nil {
		return Range{}, err
	}
	return Range{From: from, To: to}, nil
}

func parseDate(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date %q must be YYYY-MM-DD", httpx.ErrValidation, raw)
	}
	return t, nil
}
