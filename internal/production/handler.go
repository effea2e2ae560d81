package production

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/forge-erp/forge-erp/internal/costing"
	"github.com/forge-erp/forge-erp/internal/ledger"
	"github.com/forge-erp/forge-erp/internal/platform/httpx"
	"github.com/forge-erp/forge-erp/internal/platform/lock"
)

// Handler wires HTTP endpoints for plant documents.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs the production handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers production routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/grn", h.handleGRN)
	r.Post("/melting", h.handleMelting)
	r.Post("/heat-treatment", h.handleHeatTreatment)
	r.Post("/dispatch", h.handleDispatch)
	r.Delete("/{refType}/{number}", h.handleReverse)
}

func (h *Handler) handleGRN(w http.ResponseWriter, r *http.Request) {
	var in GRNInput
	if !h.decode(w, r, &in) {
		return
	}
	out, err := h.service.PostGRN(r.Context(), in)
	h.respond(w, r, out, err)
}

func (h *Handler) handleMelting(w http.ResponseWriter, r *http.Request) {
	var in MeltingInput
	if !h.decode(w, r, &in) {
		return
	}
	out, err := h.service.PostMelting(r.Context(), in)
	h.respond(w, r, out, err)
}

func (h *Handler) handleHeatTreatment(w http.ResponseWriter, r *http.Request) {
	var in HeatTreatmentInput
	if !h.decode(w, r, &in) {
		return
	}
	out, err := h.service.PostHeatTreatment(r.Context(), in)
	h.respond(w, r, out, err)
}

func (h *Handler) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var in DispatchInput
	if !h.decode(w, r, &in) {
		return
	}
	out, err := h.service.PostDispatch(r.Context(), in)
	h.respond(w, r, out, err)
}

func (h *Handler) handleReverse(w http.ResponseWriter, r *http.Request) {
	refType, err := ledger.ParseReferenceType(strings.ReplaceAll(chi.URLParam(r, "refType"), "-", "_"))
	if err != nil {
		httpx.RespondError(w, classify(err))
		return
	}
	out, err := h.service.Reverse(r.Context(), refType, chi.URLParam(r, "number"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return false
	}
	return true
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, out any, err error) {
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, out)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if httpKind(err) == nil {
		h.logger.ErrorContext(r.Context(), "production post failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, classify(err))
}

// classify tags domain errors with the HTTP kind they map to.
func classify(err error) error {
	if kind := httpKind(err); kind != nil {
		return httpx.Mark(kind, err)
	}
	return err
}

func httpKind(err error) error {
	switch {
	case errors.Is(err, ledger.ErrInvalidTransaction), errors.Is(err, ledger.ErrInvalidRange):
		return httpx.ErrValidation
	case errors.Is(err, ledger.ErrDocumentNotFound):
		return httpx.ErrNotFound
	case errors.Is(err, ErrDuplicateDocument):
		return httpx.ErrDuplicate
	case errors.Is(err, ledger.ErrLotAlreadyConsumed), errors.Is(err, lock.ErrBusy):
		return httpx.ErrConflict
	case errors.Is(err, costing.ErrZeroYield):
		return httpx.ErrUnprocessable
	}
	return nil
}
